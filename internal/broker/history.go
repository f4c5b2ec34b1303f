package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/logging"
)

// History bar units
const (
	UnitSecond = 1
	UnitMinute = 2
	UnitHour   = 3
	UnitDay    = 4
	UnitWeek   = 5
	UnitMonth  = 6
	UnitYear   = 7
)

const maxHistoryLimit = 20000

// HistoryRequest describes one bar retrieval
type HistoryRequest struct {
	ContractID        string     `json:"contractId"`
	Unit              int        `json:"unit"`
	UnitNumber        int        `json:"unitNumber"`
	Limit             int        `json:"limit"`
	StartTime         *time.Time `json:"startTime,omitempty"`
	EndTime           *time.Time `json:"endTime,omitempty"`
	IncludePartialBar bool       `json:"includePartialBar"`
}

// Validate checks request bounds
func (r HistoryRequest) Validate() error {
	if r.ContractID == "" {
		return fmt.Errorf("contractId is required")
	}
	if r.Unit < UnitSecond || r.Unit > UnitYear {
		return fmt.Errorf("unit must be 1..7, got %d", r.Unit)
	}
	if r.UnitNumber <= 0 {
		return fmt.Errorf("unitNumber must be positive, got %d", r.UnitNumber)
	}
	if r.Limit <= 0 || r.Limit > maxHistoryLimit {
		return fmt.Errorf("limit must be 1..%d, got %d", maxHistoryLimit, r.Limit)
	}
	return nil
}

// cacheKey identifies a request for result caching
func (r HistoryRequest) cacheKey() string {
	key := fmt.Sprintf("%s|%d|%d|%d", r.ContractID, r.Unit, r.UnitNumber, r.Limit)
	if r.StartTime != nil {
		key += "|s:" + r.StartTime.UTC().Format(time.RFC3339)
	}
	if r.EndTime != nil {
		key += "|e:" + r.EndTime.UTC().Format(time.RFC3339)
	}
	return key
}

type cachedBars struct {
	bars     []HistoryBar
	cachedAt time.Time
}

// fetchBarsFunc is the raw single-shot retrieval the service wraps
type fetchBarsFunc func(ctx context.Context, req HistoryRequest) ([]HistoryBar, error)

// HistoryStats is a snapshot of queue activity for the monitor surface
type HistoryStats struct {
	Requests    int64 `json:"requests"`
	CacheHits   int64 `json:"cache_hits"`
	Failures    int64 `json:"failures"`
	InFlight    int   `json:"in_flight"`
	CachedItems int   `json:"cached_items"`
}

// HistoryService serializes bar retrieval behind a concurrency cap, caches
// results, and retries transient failures with linear backoff.
type HistoryService struct {
	fetch fetchBarsFunc
	log   *logging.Logger

	maxRetries     int
	cacheDuration  time.Duration
	requestTimeout time.Duration
	retryDelay     time.Duration
	sem            chan struct{}

	mu        sync.Mutex
	cache     map[string]cachedBars
	requests  int64
	cacheHits int64
	failures  int64
	inFlight  int
}

// NewHistoryService wraps the client's history endpoint in the request queue
func NewHistoryService(client *Client, cfg config.HistoricalConfig, log *logging.Logger) *HistoryService {
	return newHistoryService(client.retrieveBars, cfg, log)
}

func newHistoryService(fetch fetchBarsFunc, cfg config.HistoricalConfig, log *logging.Logger) *HistoryService {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	cacheDuration := cfg.CacheDuration
	if cacheDuration <= 0 {
		cacheDuration = 5 * time.Minute
	}
	maxConcurrent := cfg.MaxConcurrentRequests
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	return &HistoryService{
		fetch:          fetch,
		log:            log.WithComponent("history"),
		maxRetries:     maxRetries,
		cacheDuration:  cacheDuration,
		requestTimeout: requestTimeout,
		retryDelay:     time.Second,
		sem:            make(chan struct{}, maxConcurrent),
		cache:          make(map[string]cachedBars),
	}
}

// GetBars retrieves bars for the request, serving from cache when fresh.
// Bars are always returned in ascending time order.
func (h *HistoryService) GetBars(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := req.cacheKey()

	h.mu.Lock()
	h.requests++
	if entry, ok := h.cache[key]; ok && time.Since(entry.cachedAt) < h.cacheDuration {
		h.cacheHits++
		bars := entry.bars
		h.mu.Unlock()
		return bars, nil
	}
	h.mu.Unlock()

	// Concurrency cap; waiters honor the caller's context
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-h.sem }()

	h.mu.Lock()
	h.inFlight++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.inFlight--
		h.mu.Unlock()
	}()

	bars, err := h.fetchWithRetry(ctx, req)
	if err != nil {
		h.mu.Lock()
		h.failures++
		h.mu.Unlock()
		return nil, err
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].T.Before(bars[j].T) })

	h.mu.Lock()
	h.cache[key] = cachedBars{bars: bars, cachedAt: time.Now()}
	h.mu.Unlock()

	return bars, nil
}

func (h *HistoryService) fetchWithRetry(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
	var lastErr error

	for attempt := 1; attempt <= h.maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, h.requestTimeout)
		bars, err := h.fetch(attemptCtx, req)
		cancel()

		if err == nil {
			return bars, nil
		}
		lastErr = err
		h.log.Warn("history retrieval failed", "contract", req.ContractID, "attempt", attempt, "error", err)

		if attempt == h.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * h.retryDelay):
		}
	}

	return nil, fmt.Errorf("history retrieval failed after %d attempts: %w", h.maxRetries, lastErr)
}

// Stats returns a queue activity snapshot
func (h *HistoryService) Stats() HistoryStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HistoryStats{
		Requests:    h.requests,
		CacheHits:   h.cacheHits,
		Failures:    h.failures,
		InFlight:    h.inFlight,
		CachedItems: len(h.cache),
	}
}
