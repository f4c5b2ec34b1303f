// Package gateway is the core request router: it subscribes to the control
// channels on the message bus, dispatches each inbound message by type, and
// owns the gateway connection state machine.
package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"topstep-gateway/config"
	"topstep-gateway/internal/broker"
	"topstep-gateway/internal/bus"
	"topstep-gateway/internal/events"
	"topstep-gateway/internal/logging"
	"topstep-gateway/internal/mutex"
	"topstep-gateway/internal/reconcile"
	"topstep-gateway/internal/registry"
	"topstep-gateway/internal/stream"
)

// Gateway connection states, broadcast on the status channel
const (
	StateStarting     = "STARTING"
	StateConnected    = "CONNECTED"
	StateReconnecting = "RECONNECTING"
	StateShuttingDown = "SHUTTING_DOWN"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultProbeDelay     = 3 * time.Second
	defaultResumeDelay    = 5 * time.Second
)

// ==================== Dependencies ====================

// Bus is the message-bus surface the router uses
type Bus interface {
	Publish(eventType string, payload interface{}) bool
	PublishTo(channel, eventType string, payload interface{}) bool
	Subscribe(channel string, handler bus.Handler) error
}

// Broker is the REST facade surface the router forwards requests to
type Broker interface {
	PlaceOrder(ctx context.Context, intent broker.OrderIntent) (broker.OrderResult, error)
	CancelOrder(ctx context.Context, accountID, orderID int64) (broker.CloseResult, error)
	EditStopLossAccount(ctx context.Context, accountID, positionID int64, stopLoss, takeProfit *float64) (broker.CloseResult, error)
	SearchPositions(ctx context.Context, accountID int64) ([]broker.Position, error)
	SearchOpenPositions(ctx context.Context, accountID int64) ([]broker.Position, error)
	GetWorkingOrders(ctx context.Context, accountID int64) ([]broker.Order, error)
	ClosePosition(ctx context.Context, accountID int64, contractID string, size *int) (broker.CloseResult, error)
	FetchAccounts(ctx context.Context, forceFresh bool) ([]broker.Account, error)
	SearchContracts(ctx context.Context, searchText string) ([]broker.Contract, error)
	SearchTrades(ctx context.Context, params broker.TradeSearchParams) ([]broker.Trade, error)
	TodayStats(ctx context.Context, accountID int64) ([]broker.DailyStat, error)
	LifetimeStats(ctx context.Context, accountID int64) ([]broker.DailyStat, error)
}

// MarketStream is the market hub surface
type MarketStream interface {
	Subscribe(ctx context.Context, instrument string) error
	Unsubscribe(ctx context.Context, instrument string) error
	SubscribedInstruments() []string
}

// UserStream is the user hub surface
type UserStream interface {
	SubscribeAccount(accountID int64) error
}

// BracketEngine accepts pending brackets for placed parent orders
type BracketEngine interface {
	Enqueue(brokerOrderID int64, intent broker.OrderIntent)
}

// HistoryProvider serves historical bar requests
type HistoryProvider interface {
	GetBars(ctx context.Context, req broker.HistoryRequest) ([]broker.HistoryBar, error)
}

// Reconciler holds the authoritative ledger, mirrors bot-reported positions,
// and accepts forced checks
type Reconciler interface {
	UpdateMaster(pos reconcile.Position)
	RemoveMaster(orderID string)
	UpdateInstance(instanceID string, pos reconcile.Position)
	ForceReconciliation(orderID, reason string) bool
}

// ResolveFunc maps an instrument symbol to its active contract id
type ResolveFunc func(ctx context.Context, instrument string) (string, error)

// ActiveContractsFunc lists the active contract id per tracked symbol
type ActiveContractsFunc func(ctx context.Context) (map[string]string, error)

// Deps bundles the router's collaborators
type Deps struct {
	Config          *config.Config
	Log             *logging.Logger
	Events          *events.Bus
	Bus             Bus
	Broker          Broker
	Market          MarketStream
	Users           UserStream
	Brackets        BracketEngine
	History         HistoryProvider
	Reconciler      Reconciler
	Registry        *registry.Registry
	Locks           *mutex.Manager
	Resolve         ResolveFunc
	ActiveContracts ActiveContractsFunc
}

// Router dispatches inbound bus messages and owns the connection state
type Router struct {
	cfg      *config.Config
	log      *logging.Logger
	ev       *events.Bus
	bus      Bus
	api      Broker
	market   MarketStream
	users    UserStream
	brackets BracketEngine
	history  HistoryProvider
	recon    Reconciler
	registry *registry.Registry
	locks    *mutex.Manager
	resolve  ResolveFunc
	active   ActiveContractsFunc

	probeDelay  time.Duration
	resumeDelay time.Duration

	mu           sync.Mutex
	state        string
	startedAt    time.Time
	fills        map[int64]bool
	probeTimers  map[int64]*time.Timer
	masterOrders map[int64]broker.OrderIntent

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRouter creates the request router
func NewRouter(d Deps) *Router {
	return &Router{
		cfg:         d.Config,
		log:         d.Log.WithComponent("router"),
		ev:          d.Events,
		bus:         d.Bus,
		api:         d.Broker,
		market:      d.Market,
		users:       d.Users,
		brackets:    d.Brackets,
		history:     d.History,
		recon:       d.Reconciler,
		registry:    d.Registry,
		locks:       d.Locks,
		resolve:     d.Resolve,
		active:      d.ActiveContracts,
		probeDelay:  defaultProbeDelay,
		resumeDelay: defaultResumeDelay,
		state:        StateStarting,
		startedAt:    time.Now(),
		fills:        make(map[int64]bool),
		probeTimers:  make(map[int64]*time.Timer),
		masterOrders: make(map[int64]broker.OrderIntent),
		stopCh:       make(chan struct{}),
	}
}

// ==================== Lifecycle ====================

// Start subscribes the control channels and begins dispatching
func (r *Router) Start() error {
	channels := []string{
		bus.ChannelInstanceControl,
		bus.ChannelOrderManagement,
		bus.ChannelManagerRequests,
		bus.ChannelAccountRequest,
	}
	for _, channel := range channels {
		ch := channel
		if err := r.bus.Subscribe(ch, func(env bus.Envelope) {
			r.Dispatch(ch, env)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	if r.ev != nil {
		r.ev.Subscribe(events.EventOrderFilled, r.onStreamFill)
	}
	return nil
}

// onStreamFill handles a fill the user hub observed. The hub wraps its typed
// payload under the "payload" key.
func (r *Router) onStreamFill(e events.Event) {
	if fill, ok := e.Data["payload"].(stream.OrderFill); ok {
		r.recordFill(fill.OrderID, fill.FilledPrice)
		return
	}
	if id, ok := numData(e.Data, "orderId"); ok {
		r.recordFill(int64(id), 0)
	}
}

// Startup runs the connect sequence: fetch accounts, wire their user-hub
// streams, subscribe every active contract, then go CONNECTED.
func (r *Router) Startup(ctx context.Context) error {
	accounts, err := r.api.FetchAccounts(ctx, true)
	if err != nil {
		return fmt.Errorf("startup account fetch: %w", err)
	}
	for _, account := range accounts {
		if err := r.users.SubscribeAccount(account.ID); err != nil {
			r.log.Warn("account stream subscription failed", "account_id", account.ID, "error", err)
		}
	}

	contracts, err := r.active(ctx)
	if err != nil {
		return fmt.Errorf("startup contract listing: %w", err)
	}
	for symbol := range contracts {
		if err := r.market.Subscribe(ctx, symbol); err != nil {
			r.log.Warn("market subscription failed", "instrument", symbol, "error", err)
		}
	}

	r.setState(StateConnected, map[string]interface{}{
		"accounts":  len(accounts),
		"contracts": len(contracts),
	})
	r.log.Info("gateway connected", "accounts", len(accounts), "contracts", len(contracts))
	return nil
}

// OnConnectionLost transitions to RECONNECTING and pauses trading. Called
// when a hub or the bus drops. No-op while shutting down.
func (r *Router) OnConnectionLost(source string) {
	r.mu.Lock()
	if r.state == StateShuttingDown || r.state == StateReconnecting {
		r.mu.Unlock()
		return
	}
	r.state = StateReconnecting
	r.mu.Unlock()

	r.log.Warn("connection lost", "source", source)
	r.publishState(StateReconnecting, map[string]interface{}{"source": source})
	r.bus.Publish("PAUSE_TRADING", map[string]interface{}{
		"reason":    "connection lost: " + source,
		"timestamp": time.Now().UnixMilli(),
	})
}

// OnConnectionRestored re-enters CONNECTED, asks bots to reconcile, and
// resumes trading after a settle delay.
func (r *Router) OnConnectionRestored(source string) {
	r.mu.Lock()
	if r.state == StateShuttingDown {
		r.mu.Unlock()
		return
	}
	r.state = StateConnected
	r.mu.Unlock()

	r.log.Info("connection restored", "source", source)
	r.publishState(StateConnected, map[string]interface{}{"source": source})
	r.bus.Publish("RECONCILIATION_REQUIRED", map[string]interface{}{
		"reason": "reconnect: " + source,
	})

	time.AfterFunc(r.resumeDelay, func() {
		if r.State() != StateConnected {
			return
		}
		r.bus.Publish("RESUME_TRADING", map[string]interface{}{
			"timestamp": time.Now().UnixMilli(),
		})
	})
}

// Shutdown moves to SHUTTING_DOWN, which suppresses pause broadcasts, and
// cancels in-flight probe timers and queued lock waiters.
func (r *Router) Shutdown() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = StateShuttingDown
		for id, timer := range r.probeTimers {
			timer.Stop()
			delete(r.probeTimers, id)
		}
		r.mu.Unlock()

		close(r.stopCh)
		r.publishState(StateShuttingDown, nil)
		r.locks.Reset()
		r.wg.Wait()
	})
}

// State returns the current connection state
func (r *Router) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Uptime reports time since router construction
func (r *Router) Uptime() time.Duration {
	return time.Since(r.startedAt)
}

func (r *Router) setState(state string, detail map[string]interface{}) {
	r.mu.Lock()
	prev := r.state
	r.state = state
	r.mu.Unlock()

	if r.ev != nil {
		r.ev.PublishStateChange(prev, state)
	}
	r.publishState(state, detail)
}

func (r *Router) publishState(state string, detail map[string]interface{}) {
	payload := map[string]interface{}{
		"state":     state,
		"timestamp": time.Now().UnixMilli(),
	}
	for k, v := range detail {
		payload[k] = v
	}
	r.bus.PublishTo(bus.ChannelConnectionStatus, state, payload)
}

// ==================== Dispatch ====================

// Dispatch routes one inbound envelope. Each message runs on its own
// goroutine; a panicking handler answers the originator instead of taking
// the router down.
func (r *Router) Dispatch(channel string, env bus.Envelope) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("handler panic", "type", env.Type, "panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()))
				r.respondError(channel, env, fmt.Sprintf("internal error: %v", rec))
			}
		}()
		r.handle(channel, env)
	}()
}

func (r *Router) handle(channel string, env bus.Envelope) {
	switch env.Type {
	case "REGISTER_INSTANCE":
		r.handleRegisterInstance(env)
	case "DEREGISTER_INSTANCE":
		r.handleDeregisterInstance(env)
	case "SUBSCRIBE_MARKET_DATA":
		r.handleSubscribeMarketData(env)
	case "GET_CONFIG":
		r.handleGetConfig(env)
	case "REGISTER_ACCOUNT":
		r.handleRegisterAccount(env)

	case "PLACE_ORDER":
		r.handlePlaceOrder(env)
	case "CANCEL_ORDER":
		r.handleCancelOrder(env)

	case "GET_POSITIONS":
		r.handleGetPositions(channel, env)
	case "GET_ACCOUNTS":
		r.handleGetAccounts(channel, env)
	case "GET_CONTRACTS":
		r.handleGetContracts(channel, env)
	case "GET_ACTIVE_CONTRACTS":
		r.handleGetActiveContracts(channel, env)
	case "GET_WORKING_ORDERS":
		r.handleGetWorkingOrders(channel, env)
	case "GET_STATISTICS":
		r.handleGetStatistics(channel, env)
	case "GET_TRADES", "SEARCH_TRADES":
		r.handleSearchTrades(channel, env)
	case "GET_ACCOUNT_SUMMARY":
		r.handleAccountSummary(channel, env)
	case "CLOSE_POSITION":
		r.handleClosePosition(channel, env)
	case "UPDATE_SLTP":
		r.handleUpdateSLTP(channel, env)
	case "REQUEST_HISTORICAL_DATA":
		r.handleHistoricalData(env)

	case "POSITION_UPDATE":
		r.handlePositionReport(env)
	case "REQUEST_RECONCILIATION":
		r.handleRequestReconciliation(env)

	default:
		r.log.Warn("unknown message type", "type", env.Type, "channel", channel)
	}
}

func (r *Router) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), defaultRequestTimeout)
}

// ==================== Request Payloads ====================

type baseRequest struct {
	RequestID  string `json:"requestId"`
	InstanceID string `json:"instanceId"`
	AccountID  int64  `json:"accountId"`
}

type registerRequest struct {
	RequestID string `json:"requestId"`
	registry.Registration
}

type subscribeRequest struct {
	baseRequest
	Instrument string `json:"instrument"`
	Action     string `json:"action"`
}

type placeOrderRequest struct {
	RequestID string `json:"requestId"`
	broker.OrderIntent
}

type cancelOrderRequest struct {
	baseRequest
	BrokerOrderID int64 `json:"brokerOrderId"`
}

type accountsRequest struct {
	baseRequest
	ForceFresh bool `json:"forceFresh"`
}

type contractsRequest struct {
	baseRequest
	SearchText string `json:"searchText"`
}

type statisticsRequest struct {
	baseRequest
	Scope string `json:"scope"`
}

type tradesRequest struct {
	baseRequest
	StartTimestamp *time.Time `json:"startTimestamp,omitempty"`
	EndTimestamp   *time.Time `json:"endTimestamp,omitempty"`
}

type closePositionRequest struct {
	baseRequest
	ContractID string `json:"contractId"`
	Instrument string `json:"instrument"`
	OrderID    string `json:"orderId,omitempty"`
	Size       *int   `json:"size,omitempty"`
}

type sltpRequest struct {
	baseRequest
	PositionID int64    `json:"positionId"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
}

type historicalRequest struct {
	RequestID  string `json:"requestId"`
	Instrument string `json:"instrument"`
	broker.HistoryRequest
}

type reconciliationRequest struct {
	baseRequest
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// response is the generic reply shape; requestId echoes the request
type response struct {
	RequestID string      `json:"requestId,omitempty"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// orderResponse answers PLACE_ORDER and CANCEL_ORDER
type orderResponse struct {
	RequestID     string `json:"requestId,omitempty"`
	OrderID       string `json:"orderId,omitempty"`
	BrokerOrderID int64  `json:"brokerOrderId,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// ==================== Instance Control ====================

func (r *Router) handleRegisterInstance(env bus.Envelope) {
	var req registerRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondTo(bus.ChannelInstanceControl, "REGISTRATION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: "malformed registration: " + err.Error(),
		})
		return
	}

	if err := r.registry.Register(req.Registration); err != nil {
		r.respondTo(bus.ChannelInstanceControl, "REGISTRATION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: err.Error(),
			Data: map[string]interface{}{"instanceId": req.SlotID},
		})
		return
	}

	ctx, cancel := r.requestCtx()
	defer cancel()
	if req.Instrument != "" {
		if err := r.market.Subscribe(ctx, req.Instrument); err != nil {
			r.log.Warn("registration market subscribe failed",
				"instance_id", req.SlotID, "instrument", req.Instrument, "error", err)
		}
	}

	r.log.Info("instance registered", "instance_id", req.SlotID,
		"account_id", req.AccountID, "instrument", req.Instrument)
	r.respondTo(bus.ChannelInstanceControl, "REGISTRATION_RESPONSE", response{
		RequestID: req.RequestID, Success: true,
		Data: map[string]interface{}{"instanceId": req.SlotID},
	})
}

func (r *Router) handleDeregisterInstance(env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil {
		r.log.Warn("malformed deregistration", "error", err)
		return
	}

	slot, known := r.registry.Get(req.InstanceID)
	if known && slot.Instrument != "" && r.registry.InstrumentSubscriberCount(slot.Instrument) == 1 {
		ctx, cancel := r.requestCtx()
		if err := r.market.Unsubscribe(ctx, slot.Instrument); err != nil {
			r.log.Warn("deregistration unsubscribe failed", "instrument", slot.Instrument, "error", err)
		}
		cancel()
	}

	if err := r.registry.Deregister(req.InstanceID); err != nil {
		r.log.Warn("deregistration failed", "instance_id", req.InstanceID, "error", err)
		return
	}
	r.log.Info("instance deregistered", "instance_id", req.InstanceID)
}

func (r *Router) handleSubscribeMarketData(env bus.Envelope) {
	var req subscribeRequest
	if err := env.DecodePayload(&req); err != nil || req.Instrument == "" {
		r.respondTo(bus.ChannelInstanceControl, "SUBSCRIPTION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: "instrument is required",
		})
		return
	}
	r.registry.Touch(req.InstanceID)

	ctx, cancel := r.requestCtx()
	defer cancel()

	var err error
	if req.Action == "UNSUBSCRIBE" {
		err = r.market.Unsubscribe(ctx, req.Instrument)
	} else {
		err = r.market.Subscribe(ctx, req.Instrument)
	}
	if err != nil {
		r.respondTo(bus.ChannelInstanceControl, "SUBSCRIPTION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: err.Error(),
		})
		return
	}
	r.respondTo(bus.ChannelInstanceControl, "SUBSCRIPTION_RESPONSE", response{
		RequestID: req.RequestID, Success: true,
		Data: map[string]interface{}{"instrument": req.Instrument, "action": req.Action},
	})
}

func (r *Router) handleGetConfig(env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil {
		r.log.Warn("malformed config request", "error", err)
		return
	}

	// Credentials never leave the gateway
	snapshot := map[string]interface{}{
		"microOnly":         r.cfg.BrokerConfig.MicroOnly,
		"heartbeatInterval": r.cfg.RedisConfig.HeartbeatInterval,
		"orderMutex": map[string]interface{}{
			"lockTimeout":  r.cfg.OrderMutexConfig.LockTimeout,
			"queueTimeout": r.cfg.OrderMutexConfig.QueueTimeout,
			"maxQueueSize": r.cfg.OrderMutexConfig.MaxQueueSize,
		},
		"reconciliation": map[string]interface{}{
			"intervalMs":           r.cfg.ReconciliationConfig.ReconciliationIntervalMs,
			"discrepancyThreshold": r.cfg.ReconciliationConfig.MaxDiscrepancyThreshold,
			"autoCorrection":       r.cfg.ReconciliationConfig.EnableAutoCorrection,
		},
		"bracket": map[string]interface{}{
			"maxRetries": r.cfg.BracketConfig.MaxRetries,
		},
	}
	r.respondTo(bus.ChannelInstanceControl, "CONFIG_RESPONSE", response{
		RequestID: req.RequestID, Success: true, Data: snapshot,
	})
}

func (r *Router) handleRegisterAccount(env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil || req.AccountID == 0 {
		r.respondTo(bus.ChannelAccountResponse, "ACCOUNT_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: "accountId is required",
		})
		return
	}

	if err := r.users.SubscribeAccount(req.AccountID); err != nil {
		r.respondTo(bus.ChannelAccountResponse, "ACCOUNT_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: err.Error(),
		})
		return
	}
	r.log.Info("account streams registered", "account_id", req.AccountID)
	r.respondTo(bus.ChannelAccountResponse, "ACCOUNT_RESPONSE", response{
		RequestID: req.RequestID, Success: true,
		Data: map[string]interface{}{"accountId": req.AccountID},
	})
}

// ==================== Order Management ====================

func (r *Router) handlePlaceOrder(env bus.Envelope) {
	var req placeOrderRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
			RequestID: req.RequestID, Success: false, Error: "malformed order: " + err.Error(),
		})
		return
	}
	intent := req.OrderIntent
	if err := intent.Validate(); err != nil {
		r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
			RequestID: req.RequestID, OrderID: intent.OrderID, Success: false, Error: err.Error(),
		})
		return
	}

	lockName := mutex.OrderLockName(strconv.FormatInt(intent.AccountID, 10), intent.OrderType)
	holder := uuid.New().String()

	err := r.locks.WithLock(lockName, holder, func() error {
		ctx, cancel := r.requestCtx()
		defer cancel()

		result, err := r.api.PlaceOrder(ctx, intent)
		if err != nil {
			r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
				RequestID: req.RequestID, OrderID: intent.OrderID, Success: false, Error: err.Error(),
			})
			return nil
		}
		if !result.Success {
			r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
				RequestID: req.RequestID, OrderID: intent.OrderID, Success: false, Error: result.Error,
			})
			return nil
		}

		if intent.HasBracket() {
			r.brackets.Enqueue(result.OrderID, intent)
		}
		r.trackMasterOrder(result.OrderID, intent)
		r.scheduleFillProbe(result.OrderID, intent)

		r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
			RequestID: req.RequestID, OrderID: intent.OrderID,
			BrokerOrderID: result.OrderID, Success: true,
		})
		return nil
	})
	if err != nil {
		// Lock queue rejection: full, timed out, or reset during shutdown
		r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
			RequestID: req.RequestID, OrderID: intent.OrderID, Success: false, Error: err.Error(),
		})
	}
}

func (r *Router) handleCancelOrder(env bus.Envelope) {
	var req cancelOrderRequest
	if err := env.DecodePayload(&req); err != nil || req.BrokerOrderID == 0 {
		r.respondTo(bus.ChannelOrderManagement, "ORDER_CANCELLATION_RESPONSE", orderResponse{
			RequestID: req.RequestID, Success: false, Error: "brokerOrderId is required",
		})
		return
	}

	ctx, cancel := r.requestCtx()
	defer cancel()

	result, err := r.api.CancelOrder(ctx, req.AccountID, req.BrokerOrderID)
	if err != nil {
		r.respondTo(bus.ChannelOrderManagement, "ORDER_CANCELLATION_RESPONSE", orderResponse{
			RequestID: req.RequestID, BrokerOrderID: req.BrokerOrderID, Success: false, Error: err.Error(),
		})
		return
	}
	if result.Success {
		r.dropMasterOrder(req.BrokerOrderID)
	}
	r.respondTo(bus.ChannelOrderManagement, "ORDER_CANCELLATION_RESPONSE", orderResponse{
		RequestID: req.RequestID, BrokerOrderID: req.BrokerOrderID,
		Success: result.Success, Error: result.Error,
	})
}

// ==================== Master Ledger ====================

// trackMasterOrder records a successful placement as an authoritative
// position, so the bot's own reports for it are never treated as orphans
func (r *Router) trackMasterOrder(brokerOrderID int64, intent broker.OrderIntent) {
	if intent.OrderID == "" {
		return
	}
	r.mu.Lock()
	r.masterOrders[brokerOrderID] = intent
	r.mu.Unlock()

	entry := 0.0
	if intent.LimitPrice != nil {
		entry = *intent.LimitPrice
	} else if intent.StopPrice != nil {
		entry = *intent.StopPrice
	}
	r.recon.UpdateMaster(reconcile.Position{
		OrderID:    intent.OrderID,
		InstanceID: intent.InstanceID,
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Size:       float64(intent.Quantity),
		EntryPrice: entry,
		Status:     "OPEN",
	})
}

// dropMasterOrder retires the ledger entry for a cancelled parent order
func (r *Router) dropMasterOrder(brokerOrderID int64) {
	r.mu.Lock()
	intent, tracked := r.masterOrders[brokerOrderID]
	if tracked {
		delete(r.masterOrders, brokerOrderID)
	}
	r.mu.Unlock()

	if tracked && intent.OrderID != "" {
		r.recon.RemoveMaster(intent.OrderID)
	}
}

// recordFill marks a broker order id filled and promotes the originating
// intent in the authoritative ledger with the observed fill price
func (r *Router) recordFill(brokerOrderID int64, fillPrice float64) {
	r.MarkFillSeen(brokerOrderID)

	r.mu.Lock()
	intent, tracked := r.masterOrders[brokerOrderID]
	if tracked {
		delete(r.masterOrders, brokerOrderID)
	}
	r.mu.Unlock()

	if !tracked || intent.OrderID == "" {
		return
	}
	r.recon.UpdateMaster(reconcile.Position{
		OrderID:    intent.OrderID,
		InstanceID: intent.InstanceID,
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Size:       float64(intent.Quantity),
		EntryPrice: fillPrice,
		Status:     "OPEN",
	})
}

// ==================== Fill Probe ====================

// MarkFillSeen records a broker order id the streams already reported, so
// the probe for it becomes a no-op
func (r *Router) MarkFillSeen(brokerOrderID int64) {
	r.mu.Lock()
	r.fills[brokerOrderID] = true
	if timer, ok := r.probeTimers[brokerOrderID]; ok {
		timer.Stop()
		delete(r.probeTimers, brokerOrderID)
	}
	r.mu.Unlock()
}

func (r *Router) fillSeen(brokerOrderID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fills[brokerOrderID]
}

// scheduleFillProbe arranges a REST check shortly after placement so a
// lagging user-hub stream cannot starve bots of their fill event
func (r *Router) scheduleFillProbe(brokerOrderID int64, intent broker.OrderIntent) {
	r.mu.Lock()
	if r.state == StateShuttingDown {
		r.mu.Unlock()
		return
	}
	r.probeTimers[brokerOrderID] = time.AfterFunc(r.probeDelay, func() {
		r.probeFill(brokerOrderID, intent)
	})
	r.mu.Unlock()
}

func (r *Router) probeFill(brokerOrderID int64, intent broker.OrderIntent) {
	r.mu.Lock()
	delete(r.probeTimers, brokerOrderID)
	r.mu.Unlock()

	if r.fillSeen(brokerOrderID) {
		return
	}

	ctx, cancel := r.requestCtx()
	defer cancel()

	positions, err := r.api.SearchOpenPositions(ctx, intent.AccountID)
	if err != nil {
		r.log.Warn("fill probe failed", "broker_order_id", brokerOrderID, "error", err)
		return
	}
	for _, pos := range positions {
		if pos.OpenOrderID != brokerOrderID {
			continue
		}
		r.recordFill(brokerOrderID, pos.AveragePrice)
		r.log.Info("fill detected by probe", "broker_order_id", brokerOrderID,
			"position_id", pos.ID)
		r.bus.Publish("ORDER_FILLED", map[string]interface{}{
			"orderId":     brokerOrderID,
			"accountId":   pos.AccountID,
			"contractId":  pos.ContractID,
			"side":        pos.Side(),
			"fillVolume":  pos.Size,
			"filledPrice": pos.AveragePrice,
			"probe":       true,
		})
		return
	}
}

// ==================== Manager Requests ====================

func (r *Router) handleGetPositions(channel string, env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	positions, err := r.api.SearchPositions(ctx, req.AccountID)
	r.respondManager(channel, env.Type, resultResponse(req.RequestID, positions, err))
}

func (r *Router) handleGetAccounts(channel string, env bus.Envelope) {
	var req accountsRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	accounts, err := r.api.FetchAccounts(ctx, req.ForceFresh)
	r.respondManager(channel, env.Type, resultResponse(req.RequestID, accounts, err))
}

func (r *Router) handleGetContracts(channel string, env bus.Envelope) {
	var req contractsRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	contracts, err := r.api.SearchContracts(ctx, req.SearchText)
	r.respondManager(channel, env.Type, resultResponse(req.RequestID, contracts, err))
}

func (r *Router) handleGetActiveContracts(channel string, env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	contracts, err := r.active(ctx)
	r.respondManager(channel, env.Type, resultResponse(req.RequestID, contracts, err))
}

func (r *Router) handleGetWorkingOrders(channel string, env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	orders, err := r.api.GetWorkingOrders(ctx, req.AccountID)
	r.respondManager(channel, env.Type, resultResponse(req.RequestID, orders, err))
}

func (r *Router) handleGetStatistics(channel string, env bus.Envelope) {
	var req statisticsRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	scope := req.Scope
	if scope == "" {
		scope = "today"
	}
	var rows []broker.DailyStat
	var err error
	if scope == "lifetime" {
		rows, err = r.api.LifetimeStats(ctx, req.AccountID)
	} else {
		rows, err = r.api.TodayStats(ctx, req.AccountID)
	}
	if err != nil {
		r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}
	r.respondManager(channel, env.Type, response{
		RequestID: req.RequestID, Success: true,
		Data: AggregateStats(req.AccountID, scope, rows),
	})
}

func (r *Router) handleSearchTrades(channel string, env bus.Envelope) {
	var req tradesRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	trades, err := r.api.SearchTrades(ctx, broker.TradeSearchParams{
		AccountID:      req.AccountID,
		StartTimestamp: req.StartTimestamp,
		EndTimestamp:   req.EndTimestamp,
	})
	r.respondManager(channel, env.Type, resultResponse(req.RequestID, trades, err))
}

func (r *Router) handleAccountSummary(channel string, env bus.Envelope) {
	var req baseRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	accounts, err := r.api.FetchAccounts(ctx, false)
	if err != nil {
		r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}
	var account *broker.Account
	for i := range accounts {
		if accounts[i].ID == req.AccountID {
			account = &accounts[i]
			break
		}
	}
	if account == nil {
		r.respondManager(channel, env.Type, response{
			RequestID: req.RequestID, Success: false,
			Error: fmt.Sprintf("unknown account %d", req.AccountID),
		})
		return
	}

	positions, err := r.api.SearchPositions(ctx, req.AccountID)
	if err != nil {
		r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}
	rows, err := r.api.TodayStats(ctx, req.AccountID)
	if err != nil {
		r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}

	r.respondManager(channel, env.Type, response{
		RequestID: req.RequestID, Success: true,
		Data: map[string]interface{}{
			"account":       account,
			"openPositions": positions,
			"today":         AggregateStats(req.AccountID, "today", rows),
		},
	})
}

func (r *Router) handleClosePosition(channel string, env bus.Envelope) {
	var req closePositionRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	contractID := req.ContractID
	if contractID == "" && req.Instrument != "" {
		resolved, err := r.resolve(ctx, req.Instrument)
		if err != nil {
			r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
			return
		}
		contractID = resolved
	}
	if contractID == "" {
		r.respondManager(channel, env.Type, response{
			RequestID: req.RequestID, Success: false, Error: "contractId or instrument is required",
		})
		return
	}

	result, err := r.api.ClosePosition(ctx, req.AccountID, contractID, req.Size)
	if err != nil {
		r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}
	// A full close retires the authoritative ledger entry
	if result.Success && req.OrderID != "" && req.Size == nil {
		r.recon.RemoveMaster(req.OrderID)
	}
	r.respondManager(channel, env.Type, response{
		RequestID: req.RequestID, Success: result.Success, Error: result.Error,
		Data: map[string]interface{}{"contractId": contractID},
	})
}

func (r *Router) handleUpdateSLTP(channel string, env bus.Envelope) {
	var req sltpRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondManager(channel, env.Type, response{Success: false, Error: err.Error()})
		return
	}
	if req.PositionID == 0 {
		r.respondManager(channel, env.Type, response{
			RequestID: req.RequestID, Success: false, Error: "positionId is required",
		})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	result, err := r.api.EditStopLossAccount(ctx, req.AccountID, req.PositionID, req.StopLoss, req.TakeProfit)
	if err != nil {
		r.respondManager(channel, env.Type, response{RequestID: req.RequestID, Success: false, Error: err.Error()})
		return
	}
	r.respondManager(channel, env.Type, response{
		RequestID: req.RequestID, Success: result.Success, Error: result.Error,
	})
}

func (r *Router) handleHistoricalData(env bus.Envelope) {
	var req historicalRequest
	if err := env.DecodePayload(&req); err != nil {
		r.respondTo(bus.ChannelHistoricalData, "HISTORICAL_DATA_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: err.Error(),
		})
		return
	}
	ctx, cancel := r.requestCtx()
	defer cancel()

	barsReq := req.HistoryRequest
	if barsReq.ContractID == "" && req.Instrument != "" {
		contractID, err := r.resolve(ctx, req.Instrument)
		if err != nil {
			r.respondTo(bus.ChannelHistoricalData, "HISTORICAL_DATA_RESPONSE", response{
				RequestID: req.RequestID, Success: false, Error: err.Error(),
			})
			return
		}
		barsReq.ContractID = contractID
	}

	bars, err := r.history.GetBars(ctx, barsReq)
	if err != nil {
		r.respondTo(bus.ChannelHistoricalData, "HISTORICAL_DATA_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: err.Error(),
		})
		return
	}
	r.respondTo(bus.ChannelHistoricalData, "HISTORICAL_DATA_RESPONSE", response{
		RequestID: req.RequestID, Success: true,
		Data: map[string]interface{}{
			"contractId": barsReq.ContractID,
			"bars":       bars,
		},
	})
}

// ==================== Reconciliation Plane ====================

// handlePositionReport mirrors a bot-reported position and rebroadcasts it
// so peer instances converge on the same view
func (r *Router) handlePositionReport(env bus.Envelope) {
	var pos reconcile.Position
	if err := env.DecodePayload(&pos); err != nil || pos.InstanceID == "" || pos.OrderID == "" {
		r.log.Warn("malformed position report", "error", err)
		return
	}
	r.recon.UpdateInstance(pos.InstanceID, pos)
	r.registry.Touch(pos.InstanceID)
	r.bus.Publish("POSITION_UPDATE", pos)
}

func (r *Router) handleRequestReconciliation(env bus.Envelope) {
	var req reconciliationRequest
	if err := env.DecodePayload(&req); err != nil || req.OrderID == "" {
		r.respondTo(bus.ChannelInstanceControl, "RECONCILIATION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: "orderId is required",
		})
		return
	}
	accepted := r.recon.ForceReconciliation(req.OrderID, req.Reason)
	r.respondTo(bus.ChannelInstanceControl, "RECONCILIATION_RESPONSE", response{
		RequestID: req.RequestID, Success: true,
		Data: map[string]interface{}{"accepted": accepted},
	})
}

// ==================== Responses ====================

func (r *Router) respondTo(channel, eventType string, payload interface{}) {
	if !r.bus.PublishTo(channel, eventType, payload) {
		r.log.Warn("response publish queued or dropped", "channel", channel, "type", eventType)
	}
}

// respondManager answers a facade request on the response channel paired
// with the inbound channel, echoing the request type
func (r *Router) respondManager(inboundChannel, requestType string, payload interface{}) {
	channel := bus.ChannelManagerResponse
	if inboundChannel == bus.ChannelAccountRequest {
		channel = bus.ChannelAccountResponse
	}
	r.respondTo(channel, requestType, payload)
}

// respondError answers the originator after a handler panic
func (r *Router) respondError(channel string, env bus.Envelope, message string) {
	var req baseRequest
	_ = env.DecodePayload(&req)

	switch env.Type {
	case "PLACE_ORDER":
		r.respondTo(bus.ChannelOrderManagement, "ORDER_RESPONSE", orderResponse{
			RequestID: req.RequestID, Success: false, Error: message,
		})
	case "CANCEL_ORDER":
		r.respondTo(bus.ChannelOrderManagement, "ORDER_CANCELLATION_RESPONSE", orderResponse{
			RequestID: req.RequestID, Success: false, Error: message,
		})
	case "REGISTER_INSTANCE":
		r.respondTo(bus.ChannelInstanceControl, "REGISTRATION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: message,
		})
	case "SUBSCRIBE_MARKET_DATA":
		r.respondTo(bus.ChannelInstanceControl, "SUBSCRIPTION_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: message,
		})
	case "REQUEST_HISTORICAL_DATA":
		r.respondTo(bus.ChannelHistoricalData, "HISTORICAL_DATA_RESPONSE", response{
			RequestID: req.RequestID, Success: false, Error: message,
		})
	default:
		r.respondManager(channel, env.Type, response{
			RequestID: req.RequestID, Success: false, Error: message,
		})
	}
}

func resultResponse(requestID string, data interface{}, err error) response {
	if err != nil {
		return response{RequestID: requestID, Success: false, Error: err.Error()}
	}
	return response{RequestID: requestID, Success: true, Data: data}
}

func numData(data map[string]interface{}, key string) (float64, bool) {
	switch v := data[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
