package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"topstep-gateway/internal/events"
	"topstep-gateway/internal/logging"
)

// livenessWindow is how long the user hub may stay silent while accounts are
// subscribed before the subscriptions are re-issued
const livenessWindow = 5 * time.Minute

// PositionUpdate is the POSITION_UPDATE payload on market:data
type PositionUpdate struct {
	AccountID    int64   `json:"accountId"`
	PositionID   int64   `json:"positionId"`
	ContractID   string  `json:"contractId"`
	Side         string  `json:"side"`
	Size         int     `json:"size"`
	AveragePrice float64 `json:"averagePrice"`
}

// OrderFill is the ORDER_FILLED payload on market:data
type OrderFill struct {
	AccountID   int64   `json:"accountId"`
	OrderID     int64   `json:"orderId"`
	ContractID  string  `json:"contractId"`
	Side        string  `json:"side"`
	FillVolume  int     `json:"fillVolume"`
	FilledPrice float64 `json:"filledPrice"`
}

// TradeExecution is the TRADE_EXECUTED payload on market:data
type TradeExecution struct {
	TradeID       int64    `json:"tradeId"`
	OrderID       int64    `json:"orderId"`
	Size          int      `json:"size"`
	Price         float64  `json:"price"`
	ProfitAndLoss *float64 `json:"profitAndLoss"`
	Fees          float64  `json:"fees"`
}

// UserHub owns the user hub connection: per-account order/position/trade
// subscriptions and the demultiplex of inbound account events.
type UserHub struct {
	conn    *hubConn
	invoker hubInvoker
	pub     Publisher
	ev      *events.Bus
	log     *logging.Logger

	mu         sync.Mutex
	accounts   map[int64]bool
	lastEvent  time.Time
	renewed    bool // liveness re-subscribe already applied for this silence
	stopCh     chan struct{}
	stopOnce   sync.Once
	livenessWg sync.WaitGroup
}

// NewUserHub creates the user hub client
func NewUserHub(hubURL string, getToken tokenFunc, pub Publisher, ev *events.Bus, log *logging.Logger) *UserHub {
	conn := newHubConn("user-hub", hubURL, getToken, log)
	u := newUserHub(conn, pub, ev, log)
	u.conn = conn

	conn.On("GatewayUserAccount", u.handleAccount)
	conn.On("GatewayUserPosition", u.handlePosition)
	conn.On("GatewayUserOrder", u.handleOrder)
	conn.On("GatewayUserTrade", u.handleTrade)
	conn.SetOnConnected(u.onConnected)
	conn.SetOnDisconnected(func(err error) {
		if ev != nil {
			ev.Publish(events.Event{Type: events.EventHubDisconnected, Data: map[string]interface{}{"hub": "user"}})
		}
	})
	return u
}

func newUserHub(invoker hubInvoker, pub Publisher, ev *events.Bus, log *logging.Logger) *UserHub {
	return &UserHub{
		invoker:   invoker,
		pub:       pub,
		ev:        ev,
		log:       log.WithComponent("user-hub"),
		accounts:  make(map[int64]bool),
		lastEvent: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Connect establishes the hub socket and starts the liveness watchdog
func (u *UserHub) Connect(ctx context.Context) error {
	if err := u.conn.Connect(ctx); err != nil {
		return err
	}
	u.livenessWg.Add(1)
	go u.livenessLoop()
	return nil
}

// Close tears the hub down
func (u *UserHub) Close() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})
	if u.conn != nil {
		u.conn.Close()
	}
	u.livenessWg.Wait()
}

// IsConnected reports socket state
func (u *UserHub) IsConnected() bool {
	return u.conn != nil && u.conn.IsConnected()
}

// SubscribeAccount subscribes the account's order, position, and trade
// streams plus the shared account-update stream
func (u *UserHub) SubscribeAccount(accountID int64) error {
	u.mu.Lock()
	u.accounts[accountID] = true
	u.mu.Unlock()
	return u.invokeAccountSubscriptions(accountID)
}

func (u *UserHub) invokeAccountSubscriptions(accountID int64) error {
	if err := u.invoker.Invoke("SubscribeAccounts"); err != nil {
		return err
	}
	for _, method := range []string{"SubscribeOrders", "SubscribePositions", "SubscribeTrades"} {
		if err := u.invoker.Invoke(method, accountID); err != nil {
			return err
		}
	}
	return nil
}

// SubscribedAccounts returns the accounts currently subscribed
func (u *UserHub) SubscribedAccounts() []int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int64, 0, len(u.accounts))
	for id := range u.accounts {
		out = append(out, id)
	}
	return out
}

// onConnected re-issues every account subscription after a reconnect
func (u *UserHub) onConnected(reconnect bool) {
	if u.ev != nil {
		u.ev.Publish(events.Event{Type: events.EventHubConnected,
			Data: map[string]interface{}{"hub": "user", "reconnect": reconnect}})
	}
	if !reconnect {
		return
	}
	u.resubscribeAll()
}

func (u *UserHub) resubscribeAll() {
	u.mu.Lock()
	ids := make([]int64, 0, len(u.accounts))
	for id := range u.accounts {
		ids = append(ids, id)
	}
	u.mu.Unlock()

	for _, id := range ids {
		if err := u.invokeAccountSubscriptions(id); err != nil {
			u.log.Error("account resubscribe failed", "account", id, "error", err)
		}
	}
	u.log.Info("user hub subscriptions renewed", "accounts", len(ids))
}

// livenessLoop re-subscribes once when the hub has been silent too long
// while accounts are registered
func (u *UserHub) livenessLoop() {
	defer u.livenessWg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			u.mu.Lock()
			silent := len(u.accounts) > 0 && !u.renewed && time.Since(u.lastEvent) > livenessWindow
			if silent {
				u.renewed = true
			}
			u.mu.Unlock()

			if silent {
				u.log.Warn("no user hub events within liveness window, re-subscribing")
				u.resubscribeAll()
			}
		}
	}
}

func (u *UserHub) touch() {
	u.mu.Lock()
	u.lastEvent = time.Now()
	u.renewed = false
	u.mu.Unlock()
}

// ==================== Inbound Handlers ====================

// handleAccount processes GatewayUserAccount and forwards ACCOUNT_UPDATE
func (u *UserHub) handleAccount(args []json.RawMessage) {
	u.touch()

	fields, ok := decodeUserPayload(args)
	if !ok {
		u.log.Warn("malformed account update")
		return
	}
	u.emit("ACCOUNT_UPDATE", fields)
}

// handlePosition processes GatewayUserPosition. Broker position type 1 is
// long, everything else short.
func (u *UserHub) handlePosition(args []json.RawMessage) {
	u.touch()

	fields, ok := decodeUserPayload(args)
	if !ok {
		u.log.Warn("malformed position update")
		return
	}

	side := "SHORT"
	if t, ok := numField(fields, "type"); ok && int(t) == 1 {
		side = "LONG"
	}

	update := PositionUpdate{Side: side}
	if v, ok := numField(fields, "accountId"); ok {
		update.AccountID = int64(v)
	}
	if v, ok := numField(fields, "id", "positionId"); ok {
		update.PositionID = int64(v)
	}
	if v, ok := fields["contractId"].(string); ok {
		update.ContractID = v
	}
	if v, ok := numField(fields, "size"); ok {
		update.Size = int(v)
	}
	if v, ok := numField(fields, "averagePrice"); ok {
		update.AveragePrice = v
	}

	u.emit("POSITION_UPDATE", update)
}

// handleOrder processes GatewayUserOrder; only fills (status 2) are emitted
func (u *UserHub) handleOrder(args []json.RawMessage) {
	u.touch()

	fields, ok := decodeUserPayload(args)
	if !ok {
		u.log.Warn("malformed order update")
		return
	}

	status, ok := numField(fields, "status")
	if !ok || int(status) != 2 {
		return
	}

	fill := OrderFill{}
	if v, ok := numField(fields, "accountId"); ok {
		fill.AccountID = int64(v)
	}
	if v, ok := numField(fields, "id", "orderId"); ok {
		fill.OrderID = int64(v)
	}
	if v, ok := fields["contractId"].(string); ok {
		fill.ContractID = v
	}
	if v, ok := numField(fields, "side"); ok {
		if int(v) == 0 {
			fill.Side = "BUY"
		} else {
			fill.Side = "SELL"
		}
	}
	if v, ok := numField(fields, "fillVolume", "size"); ok {
		fill.FillVolume = int(v)
	}
	if v, ok := numField(fields, "filledPrice", "averagePrice"); ok {
		fill.FilledPrice = v
	}

	u.emit("ORDER_FILLED", fill)
}

// handleTrade processes GatewayUserTrade and forwards TRADE_EXECUTED
func (u *UserHub) handleTrade(args []json.RawMessage) {
	u.touch()

	fields, ok := decodeUserPayload(args)
	if !ok {
		u.log.Warn("malformed trade event")
		return
	}

	exec := TradeExecution{}
	if v, ok := numField(fields, "id", "tradeId"); ok {
		exec.TradeID = int64(v)
	}
	if v, ok := numField(fields, "orderId"); ok {
		exec.OrderID = int64(v)
	}
	if v, ok := numField(fields, "size"); ok {
		exec.Size = int(v)
	}
	if v, ok := numField(fields, "price"); ok {
		exec.Price = v
	}
	if v, ok := numField(fields, "profitAndLoss"); ok {
		pnl := v
		exec.ProfitAndLoss = &pnl
	}
	if v, ok := numField(fields, "fees"); ok {
		exec.Fees = v
	}

	u.emit("TRADE_EXECUTED", exec)
}

func (u *UserHub) emit(eventType string, payload interface{}) {
	if u.pub != nil {
		u.pub.Publish(eventType, payload)
	}
	if u.ev != nil {
		u.ev.Publish(events.Event{
			Type: events.EventType(eventType),
			Data: map[string]interface{}{"payload": payload},
		})
	}
}

// decodeUserPayload extracts the event object from the argument list. Some
// hub events wrap the row in {action, data}; unwrap when present.
func decodeUserPayload(args []json.RawMessage) (map[string]interface{}, bool) {
	if len(args) == 0 {
		return nil, false
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(args[len(args)-1], &fields); err != nil {
		return nil, false
	}
	if data, ok := fields["data"].(map[string]interface{}); ok {
		return data, true
	}
	return fields, true
}
