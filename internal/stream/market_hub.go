package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"topstep-gateway/internal/events"
	"topstep-gateway/internal/logging"
)

// Publisher sends an event onto the external message bus
type Publisher interface {
	Publish(eventType string, payload interface{}) bool
}

// resolveContractFunc translates a product symbol to its active contract id
type resolveContractFunc func(ctx context.Context, instrument string) (string, error)

// MarketEmission is the payload published on market:data for every
// quote/trade/depth that survives change detection
type MarketEmission struct {
	Instrument string      `json:"instrument"`
	Type       string      `json:"type"`
	Data       interface{} `json:"data"`
	Timestamp  int64       `json:"timestamp"`
}

// MarketMetrics counts stream activity
type MarketMetrics struct {
	Received int64 `json:"received"`
	Emitted  int64 `json:"emitted"`
	Filtered int64 `json:"filtered"`
}

// MarketHub owns the market data hub connection: per-contract subscriptions,
// inbound normalization, change-detection filtering, and bus fan-out.
type MarketHub struct {
	conn    *hubConn
	invoker hubInvoker
	cache   *QuoteCache
	pub     Publisher
	ev      *events.Bus
	resolve resolveContractFunc
	log     *logging.Logger

	mu   sync.Mutex
	subs map[string]string // contractID -> instrument

	metricsMu sync.Mutex
	metrics   MarketMetrics
}

// NewMarketHub creates the market hub client. Connect must be called to
// establish the socket.
func NewMarketHub(hubURL string, getToken tokenFunc, resolve resolveContractFunc, pub Publisher, ev *events.Bus, log *logging.Logger) *MarketHub {
	conn := newHubConn("market-hub", hubURL, getToken, log)
	m := newMarketHub(conn, resolve, pub, ev, log)
	m.conn = conn

	conn.On("GatewayQuote", m.handleQuote)
	conn.On("GatewayTrade", m.handleTrade)
	conn.On("GatewayDepth", m.handleDepth)
	conn.SetOnConnected(m.onConnected)
	conn.SetOnDisconnected(func(err error) {
		if ev != nil {
			ev.Publish(events.Event{Type: events.EventHubDisconnected, Data: map[string]interface{}{"hub": "market"}})
		}
	})
	return m
}

// newMarketHub wires the hub core around any invoker; hub handlers are
// exercised directly in tests
func newMarketHub(invoker hubInvoker, resolve resolveContractFunc, pub Publisher, ev *events.Bus, log *logging.Logger) *MarketHub {
	return &MarketHub{
		invoker: invoker,
		cache:   NewQuoteCache(),
		pub:     pub,
		ev:      ev,
		resolve: resolve,
		log:     log.WithComponent("market-hub"),
		subs:    make(map[string]string),
	}
}

// Connect establishes the hub socket
func (m *MarketHub) Connect(ctx context.Context) error {
	return m.conn.Connect(ctx)
}

// Close tears the hub down
func (m *MarketHub) Close() {
	if m.conn != nil {
		m.conn.Close()
	}
}

// IsConnected reports socket state
func (m *MarketHub) IsConnected() bool {
	return m.conn != nil && m.conn.IsConnected()
}

// Subscribe resolves the instrument's active contract and subscribes its
// quote, trade, and depth feeds
func (m *MarketHub) Subscribe(ctx context.Context, instrument string) error {
	contractID, err := m.resolve(ctx, instrument)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.subs[contractID] = instrument
	m.mu.Unlock()

	return m.invokeSubscriptions(contractID)
}

func (m *MarketHub) invokeSubscriptions(contractID string) error {
	for _, method := range []string{"SubscribeContractQuotes", "SubscribeContractTrades", "SubscribeContractMarketDepth"} {
		if err := m.invoker.Invoke(method, contractID); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes the instrument's feeds and forgets its cache entry
func (m *MarketHub) Unsubscribe(ctx context.Context, instrument string) error {
	m.mu.Lock()
	var contractID string
	for id, instr := range m.subs {
		if instr == instrument {
			contractID = id
			break
		}
	}
	if contractID == "" {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, contractID)
	m.mu.Unlock()

	m.cache.Clear(instrument)

	for _, method := range []string{"UnsubscribeContractQuotes", "UnsubscribeContractTrades", "UnsubscribeContractMarketDepth"} {
		if err := m.invoker.Invoke(method, contractID); err != nil {
			return err
		}
	}
	return nil
}

// SubscribedInstruments returns the currently subscribed instruments
func (m *MarketHub) SubscribedInstruments() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for _, instr := range m.subs {
		out = append(out, instr)
	}
	return out
}

// onConnected re-issues every subscription after a reconnect and clears the
// quote cache so the next update per instrument always emits
func (m *MarketHub) onConnected(reconnect bool) {
	if m.ev != nil {
		m.ev.Publish(events.Event{Type: events.EventHubConnected,
			Data: map[string]interface{}{"hub": "market", "reconnect": reconnect}})
	}
	if !reconnect {
		return
	}

	m.cache.Clear("")

	m.mu.Lock()
	contractIDs := make([]string, 0, len(m.subs))
	for id := range m.subs {
		contractIDs = append(contractIDs, id)
	}
	m.mu.Unlock()

	for _, id := range contractIDs {
		if err := m.invokeSubscriptions(id); err != nil {
			m.log.Error("resubscribe failed after reconnect", "contract", id, "error", err)
		}
	}
	m.log.Info("resubscribed after reconnect", "contracts", len(contractIDs))
}

// Metrics returns a snapshot of the stream counters
func (m *MarketHub) Metrics() MarketMetrics {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	return m.metrics
}

func (m *MarketHub) countReceived() {
	m.metricsMu.Lock()
	m.metrics.Received++
	m.metricsMu.Unlock()
}

func (m *MarketHub) countEmitted() {
	m.metricsMu.Lock()
	m.metrics.Emitted++
	m.metricsMu.Unlock()
}

func (m *MarketHub) countFiltered() {
	m.metricsMu.Lock()
	m.metrics.Filtered++
	m.metricsMu.Unlock()
}

// instrumentFor maps an inbound contract id to the subscribed instrument.
// Unknown contracts fall back to the contract id itself.
func (m *MarketHub) instrumentFor(contractID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instr, ok := m.subs[contractID]; ok {
		return instr
	}
	return contractID
}

// ==================== Inbound Handlers ====================

// handleQuote processes GatewayQuote(contractId, quote)
func (m *MarketHub) handleQuote(args []json.RawMessage) {
	m.countReceived()

	contractID, fields, ok := decodeHubArgs(args)
	if !ok {
		m.log.Warn("malformed quote payload")
		return
	}
	instrument := m.instrumentFor(contractID)

	quote := Quote{}
	quote.Bid, _ = numField(fields, "bid", "bestBid", "b")
	quote.Ask, _ = numField(fields, "ask", "bestAsk", "a")
	quote.BidSize, _ = numField(fields, "bidSize", "bestBidSize", "bs")
	quote.AskSize, _ = numField(fields, "askSize", "bestAskSize", "as")

	if !m.cache.ShouldEmitQuote(instrument, quote) {
		m.countFiltered()
		return
	}
	m.emit(instrument, "QUOTE", quote)
}

// handleTrade processes GatewayTrade(contractId, trades[]). The broker sends
// an array; each element is validated and filtered independently.
func (m *MarketHub) handleTrade(args []json.RawMessage) {
	m.countReceived()

	if len(args) < 2 {
		m.log.Warn("malformed trade payload")
		return
	}
	var contractID string
	if err := json.Unmarshal(args[0], &contractID); err != nil {
		m.log.Warn("malformed trade contract id", "error", err)
		return
	}
	instrument := m.instrumentFor(contractID)

	var rawTrades []map[string]interface{}
	if err := json.Unmarshal(args[1], &rawTrades); err != nil {
		// Some payloads carry a single object rather than an array
		var single map[string]interface{}
		if err := json.Unmarshal(args[1], &single); err != nil {
			m.log.Warn("malformed trade list", "error", err)
			return
		}
		rawTrades = []map[string]interface{}{single}
	}

	for _, raw := range rawTrades {
		tick, ok := normalizeTrade(raw)
		if !ok {
			m.countFiltered()
			continue
		}
		if tick.Side == "UNKNOWN" {
			m.log.Warn("trade with unknown side", "instrument", instrument)
		}
		if !m.cache.ShouldEmitTrade(instrument, tick) {
			m.countFiltered()
			continue
		}
		m.emit(instrument, "TRADE", tick)
	}
}

// handleDepth processes GatewayDepth(contractId, depth)
func (m *MarketHub) handleDepth(args []json.RawMessage) {
	m.countReceived()

	contractID, fields, ok := decodeHubArgs(args)
	if !ok {
		m.log.Warn("malformed depth payload")
		return
	}
	instrument := m.instrumentFor(contractID)

	depth := DepthSnapshot{
		Bids: normalizeLevels(fields["bids"]),
		Asks: normalizeLevels(fields["asks"]),
	}

	if !m.cache.ShouldEmitDepth(instrument, depth) {
		m.countFiltered()
		return
	}
	m.emit(instrument, "DEPTH", depth)
}

func (m *MarketHub) emit(instrument, eventType string, data interface{}) {
	m.countEmitted()

	emission := MarketEmission{
		Instrument: instrument,
		Type:       eventType,
		Data:       data,
		Timestamp:  time.Now().UnixMilli(),
	}
	if m.pub != nil {
		m.pub.Publish(eventType, emission)
	}
	if m.ev != nil {
		m.ev.PublishMarketEvent(events.EventType(eventType), instrument, map[string]interface{}{"data": data})
	}
}

// ==================== Normalization ====================

// decodeHubArgs splits the common (contractId, object) argument shape
func decodeHubArgs(args []json.RawMessage) (string, map[string]interface{}, bool) {
	if len(args) < 2 {
		return "", nil, false
	}
	var contractID string
	if err := json.Unmarshal(args[0], &contractID); err != nil || contractID == "" {
		return "", nil, false
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(args[1], &fields); err != nil {
		return "", nil, false
	}
	return contractID, fields, true
}

// numField returns the first present numeric field among the name variants
func numField(fields map[string]interface{}, names ...string) (float64, bool) {
	for _, name := range names {
		if v, ok := fields[name]; ok {
			switch n := v.(type) {
			case float64:
				return n, true
			case json.Number:
				if f, err := n.Float64(); err == nil {
					return f, true
				}
			}
		}
	}
	return 0, false
}

// normalizeTrade validates and converts one raw trade. Trades with missing
// or non-positive price/size are dropped.
func normalizeTrade(raw map[string]interface{}) (TradeTick, bool) {
	price, ok := numField(raw, "price", "p")
	if !ok || price <= 0 {
		return TradeTick{}, false
	}
	size, ok := numField(raw, "size", "volume", "v")
	if !ok || size <= 0 {
		return TradeTick{}, false
	}

	tick := TradeTick{Price: price, Size: size, Side: tradeSide(raw)}
	if ts, ok := numField(raw, "timestamp", "ts", "t"); ok {
		tick.Timestamp = int64(ts)
	}
	return tick, true
}

// tradeSide decodes the side: numeric type 0 is BUY, 1 is SELL, with
// textual fields as fallback
func tradeSide(raw map[string]interface{}) string {
	if code, ok := numField(raw, "type", "side"); ok {
		switch int(code) {
		case 0:
			return "BUY"
		case 1:
			return "SELL"
		}
	}
	for _, name := range []string{"side", "sideText", "direction"} {
		if v, ok := raw[name].(string); ok {
			switch strings.ToUpper(v) {
			case "BUY", "B", "BID":
				return "BUY"
			case "SELL", "S", "ASK":
				return "SELL"
			}
		}
	}
	return "UNKNOWN"
}

// normalizeLevels converts a raw bids/asks array into depth levels
func normalizeLevels(raw interface{}) []DepthLevel {
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	levels := make([]DepthLevel, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		price, pok := numField(fields, "price", "p")
		size, sok := numField(fields, "size", "volume", "v")
		if !pok || !sok {
			continue
		}
		levels = append(levels, DepthLevel{Price: price, Size: size})
	}
	return levels
}
