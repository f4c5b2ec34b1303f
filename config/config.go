package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	BrokerConfig         BrokerConfig         `json:"broker"`
	RedisConfig          RedisConfig          `json:"redis"`
	ServerConfig         ServerConfig         `json:"server"`
	OrderMutexConfig     OrderMutexConfig     `json:"order_mutex"`
	ReconciliationConfig ReconciliationConfig `json:"reconciliation"`
	HistoricalConfig     HistoricalConfig     `json:"historical"`
	BracketConfig        BracketConfig        `json:"bracket"`
	RegistryConfig       RegistryConfig       `json:"registry"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	VaultConfig          VaultConfig          `json:"vault"`
}

// BrokerConfig holds TopStep/ProjectX API connection settings
type BrokerConfig struct {
	APIBaseURL     string        `json:"api_base_url"`
	MarketHubURL   string        `json:"market_hub_url"`
	UserHubURL     string        `json:"user_hub_url"`
	Username       string        `json:"username"`
	APIKey         string        `json:"api_key"`
	MicroOnly      bool          `json:"micro_only"`     // Restrict contract discovery to micro contracts
	RefreshBuffer  time.Duration `json:"refresh_buffer"` // Refresh token this long before expiry
	MaxAuthRetries int           `json:"max_auth_retries"`
}

// RedisConfig holds the message bus connection settings
type RedisConfig struct {
	Address              string `json:"address"`
	Password             string `json:"password"`
	DB                   int    `json:"db"`
	PoolSize             int    `json:"pool_size"`
	ReconnectDelayMs     int    `json:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
	HeartbeatInterval    int    `json:"heartbeat_interval"` // Seconds between PINGs
}

// ServerConfig holds the monitoring HTTP server configuration
type ServerConfig struct {
	MonitoringPort  int    `json:"monitoring_port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// OrderMutexConfig holds named-lock mutex settings for order serialization
type OrderMutexConfig struct {
	LockTimeout  time.Duration `json:"lock_timeout"`
	QueueTimeout time.Duration `json:"queue_timeout"`
	MaxQueueSize int           `json:"max_queue_size"`
}

// ReconciliationConfig holds position reconciliation settings
type ReconciliationConfig struct {
	ReconciliationIntervalMs int     `json:"reconciliation_interval_ms"`
	MaxDiscrepancyThreshold  float64 `json:"max_discrepancy_threshold"`
	PositionTimeoutMs        int     `json:"position_timeout_ms"`
	EnableAutoCorrection     bool    `json:"enable_auto_correction"`
}

// HistoricalConfig holds the historical-data request queue settings
type HistoricalConfig struct {
	MaxRetries            int           `json:"max_retries"`
	CacheDuration         time.Duration `json:"cache_duration"`
	MaxConcurrentRequests int           `json:"max_concurrent_requests"`
	RequestTimeout        time.Duration `json:"request_timeout"`
}

// BracketConfig holds bracket-order engine settings
type BracketConfig struct {
	MaxRetries int `json:"max_retries"`
}

// RegistryConfig holds the bot slot roster settings
type RegistryConfig struct {
	SlotCount int `json:"slot_count"`
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// VaultConfig holds HashiCorp Vault configuration for broker credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: broker credentials may also come from Vault when VAULT_ENABLED=true;
// env values act as the fallback source.
func applyEnvOverrides(cfg *Config) {
	// Broker config
	cfg.BrokerConfig.APIBaseURL = getEnvOrDefault("BROKER_API_BASE_URL", cfg.BrokerConfig.APIBaseURL)
	if cfg.BrokerConfig.APIBaseURL == "" {
		cfg.BrokerConfig.APIBaseURL = "https://api.topstepx.com/api"
	}
	cfg.BrokerConfig.MarketHubURL = getEnvOrDefault("BROKER_MARKET_HUB_URL", cfg.BrokerConfig.MarketHubURL)
	if cfg.BrokerConfig.MarketHubURL == "" {
		cfg.BrokerConfig.MarketHubURL = "wss://rtc.topstepx.com/hubs/market"
	}
	cfg.BrokerConfig.UserHubURL = getEnvOrDefault("BROKER_USER_HUB_URL", cfg.BrokerConfig.UserHubURL)
	if cfg.BrokerConfig.UserHubURL == "" {
		cfg.BrokerConfig.UserHubURL = "wss://rtc.topstepx.com/hubs/user"
	}
	cfg.BrokerConfig.Username = getEnvOrDefault("BROKER_USERNAME", cfg.BrokerConfig.Username)
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.MicroOnly = getEnvOrDefault("BROKER_MICRO_ONLY", "false") == "true"
	cfg.BrokerConfig.RefreshBuffer = getEnvDurationOrDefault("BROKER_REFRESH_BUFFER", 5*time.Minute)
	cfg.BrokerConfig.MaxAuthRetries = getEnvIntOrDefault("BROKER_MAX_AUTH_RETRIES", 5)

	// Redis / message bus config
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)
	cfg.RedisConfig.ReconnectDelayMs = getEnvIntOrDefault("BUS_RECONNECT_DELAY_MS", 1000)
	cfg.RedisConfig.MaxReconnectAttempts = getEnvIntOrDefault("BUS_MAX_RECONNECT_ATTEMPTS", 10)
	cfg.RedisConfig.HeartbeatInterval = getEnvIntOrDefault("BUS_HEARTBEAT_INTERVAL", 30)

	// Server config
	cfg.ServerConfig.MonitoringPort = getEnvIntOrDefault("MONITORING_PORT", 8090)
	cfg.ServerConfig.Host = getEnvOrDefault("MONITORING_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("MONITORING_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("MONITORING_SHUTDOWN_TIMEOUT", 10)

	// Order mutex config
	cfg.OrderMutexConfig.LockTimeout = getEnvDurationOrDefault("MUTEX_LOCK_TIMEOUT", 30*time.Second)
	cfg.OrderMutexConfig.QueueTimeout = getEnvDurationOrDefault("MUTEX_QUEUE_TIMEOUT", 60*time.Second)
	cfg.OrderMutexConfig.MaxQueueSize = getEnvIntOrDefault("MUTEX_MAX_QUEUE_SIZE", 50)

	// Reconciliation config
	cfg.ReconciliationConfig.ReconciliationIntervalMs = getEnvIntOrDefault("RECONCILIATION_INTERVAL_MS", 30000)
	cfg.ReconciliationConfig.MaxDiscrepancyThreshold = getEnvFloatOrDefault("RECONCILIATION_MAX_DISCREPANCY", 0.01)
	cfg.ReconciliationConfig.PositionTimeoutMs = getEnvIntOrDefault("RECONCILIATION_POSITION_TIMEOUT_MS", 300000)
	cfg.ReconciliationConfig.EnableAutoCorrection = getEnvOrDefault("RECONCILIATION_AUTO_CORRECT", "true") == "true"

	// Historical data config
	cfg.HistoricalConfig.MaxRetries = getEnvIntOrDefault("HISTORICAL_MAX_RETRIES", 3)
	cfg.HistoricalConfig.CacheDuration = getEnvDurationOrDefault("HISTORICAL_CACHE_DURATION", 5*time.Minute)
	cfg.HistoricalConfig.MaxConcurrentRequests = getEnvIntOrDefault("HISTORICAL_MAX_CONCURRENT", 5)
	cfg.HistoricalConfig.RequestTimeout = getEnvDurationOrDefault("HISTORICAL_REQUEST_TIMEOUT", 30*time.Second)

	// Bracket config
	cfg.BracketConfig.MaxRetries = getEnvIntOrDefault("BRACKET_MAX_RETRIES", 10)

	// Registry config
	cfg.RegistryConfig.SlotCount = getEnvIntOrDefault("REGISTRY_SLOT_COUNT", 6)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeFile = getEnvOrDefault("LOG_INCLUDE_FILE", "false") == "true"

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "topstep-gateway/credentials")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

// Validate checks that required settings are present before startup
func (c *Config) Validate() error {
	if c.BrokerConfig.APIBaseURL == "" {
		return fmt.Errorf("broker api_base_url is required")
	}
	if !c.VaultConfig.Enabled {
		if c.BrokerConfig.Username == "" || c.BrokerConfig.APIKey == "" {
			return fmt.Errorf("broker username and api_key are required when vault is disabled")
		}
	}
	if c.RedisConfig.Address == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.OrderMutexConfig.MaxQueueSize <= 0 {
		return fmt.Errorf("order_mutex max_queue_size must be positive")
	}
	if c.RegistryConfig.SlotCount <= 0 {
		return fmt.Errorf("registry slot_count must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		BrokerConfig: BrokerConfig{
			APIBaseURL:     "https://api.topstepx.com/api",
			MarketHubURL:   "wss://rtc.topstepx.com/hubs/market",
			UserHubURL:     "wss://rtc.topstepx.com/hubs/user",
			Username:       "your_username_here",
			APIKey:         "your_api_key_here",
			MicroOnly:      true,
			RefreshBuffer:  5 * time.Minute,
			MaxAuthRetries: 5,
		},
		RedisConfig: RedisConfig{
			Address:              "localhost:6379",
			PoolSize:             10,
			ReconnectDelayMs:     1000,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    30,
		},
		ServerConfig: ServerConfig{
			MonitoringPort:  8090,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ShutdownTimeout: 10,
		},
		OrderMutexConfig: OrderMutexConfig{
			LockTimeout:  30 * time.Second,
			QueueTimeout: 60 * time.Second,
			MaxQueueSize: 50,
		},
		ReconciliationConfig: ReconciliationConfig{
			ReconciliationIntervalMs: 30000,
			MaxDiscrepancyThreshold:  0.01,
			PositionTimeoutMs:        300000,
			EnableAutoCorrection:     true,
		},
		HistoricalConfig: HistoricalConfig{
			MaxRetries:            3,
			CacheDuration:         5 * time.Minute,
			MaxConcurrentRequests: 5,
			RequestTimeout:        30 * time.Second,
		},
		BracketConfig: BracketConfig{
			MaxRetries: 10,
		},
		RegistryConfig: RegistryConfig{
			SlotCount: 6,
		},
		LoggingConfig: LoggingConfig{
			Level:       "INFO",
			Output:      "stdout",
			JSONFormat:  true,
			IncludeFile: false,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
