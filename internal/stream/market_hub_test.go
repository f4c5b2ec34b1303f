package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"topstep-gateway/internal/logging"
)

type published struct {
	eventType string
	payload   interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(eventType string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{eventType, payload})
	return true
}

func (p *fakePublisher) byType(eventType string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type invocation struct {
	target string
	args   []interface{}
}

type fakeInvoker struct {
	mu    sync.Mutex
	calls []invocation
}

func (f *fakeInvoker) Invoke(target string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, invocation{target, args})
	return nil
}

func (f *fakeInvoker) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.target
	}
	return out
}

func (f *fakeInvoker) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func rawArgs(t *testing.T, vals ...interface{}) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("failed to marshal arg: %v", err)
		}
		out[i] = data
	}
	return out
}

func staticResolver(contractID string) resolveContractFunc {
	return func(ctx context.Context, instrument string) (string, error) {
		return contractID, nil
	}
}

func testStreamLog() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func newTestMarketHub(t *testing.T, contractID string) (*MarketHub, *fakeInvoker, *fakePublisher) {
	t.Helper()
	inv := &fakeInvoker{}
	pub := &fakePublisher{}
	hub := newMarketHub(inv, staticResolver(contractID), pub, nil, testStreamLog())
	return hub, inv, pub
}

func TestQuoteDedup(t *testing.T) {
	const contractID = "CON.F.US.MGC.Z25"
	hub, _, pub := newTestMarketHub(t, contractID)
	if err := hub.Subscribe(context.Background(), "MGC"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	quote := map[string]interface{}{"bid": 3380.1, "ask": 3380.2, "bidSize": 5.0, "askSize": 3.0}
	hub.handleQuote(rawArgs(t, contractID, quote))
	hub.handleQuote(rawArgs(t, contractID, quote))

	emitted := pub.byType("QUOTE")
	if len(emitted) != 1 {
		t.Fatalf("expected exactly 1 QUOTE emission, got %d", len(emitted))
	}
	emission := emitted[0].payload.(MarketEmission)
	if emission.Instrument != "MGC" || emission.Type != "QUOTE" {
		t.Errorf("unexpected emission %+v", emission)
	}

	// Any changed field emits again
	quote["ask"] = 3380.3
	hub.handleQuote(rawArgs(t, contractID, quote))
	if n := len(pub.byType("QUOTE")); n != 2 {
		t.Errorf("changed quote should emit, got %d emissions", n)
	}

	metrics := hub.Metrics()
	if metrics.Received != 3 || metrics.Emitted != 2 || metrics.Filtered != 1 {
		t.Errorf("metrics = %+v, want received=3 emitted=2 filtered=1", metrics)
	}
}

func TestQuoteFieldNameVariants(t *testing.T) {
	const contractID = "CON.F.US.MES.H26"
	hub, _, pub := newTestMarketHub(t, contractID)
	if err := hub.Subscribe(context.Background(), "MES"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	hub.handleQuote(rawArgs(t, contractID, map[string]interface{}{"bestBid": 5000.25, "bestAsk": 5000.50}))

	emitted := pub.byType("QUOTE")
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(emitted))
	}
	q := emitted[0].payload.(MarketEmission).Data.(Quote)
	if q.Bid != 5000.25 || q.Ask != 5000.50 {
		t.Errorf("variant fields not normalized: %+v", q)
	}
}

func TestTradeArrayValidationAndDedup(t *testing.T) {
	const contractID = "CON.F.US.MGC.Z25"
	hub, _, pub := newTestMarketHub(t, contractID)
	if err := hub.Subscribe(context.Background(), "MGC"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	trades := []map[string]interface{}{
		{"price": 3380.1, "size": 2.0, "type": 0.0, "timestamp": 1000.0},
		{"price": 3380.1, "size": 2.0, "type": 0.0, "timestamp": 1000.0}, // duplicate
		{"price": 0.0, "size": 2.0, "type": 1.0},                        // invalid price
		{"price": 3380.2, "size": 0.0, "type": 1.0},                     // invalid size
		{"price": 3380.2, "size": 1.0, "type": 1.0, "timestamp": 1001.0},
	}
	hub.handleTrade(rawArgs(t, contractID, trades))

	emitted := pub.byType("TRADE")
	if len(emitted) != 2 {
		t.Fatalf("expected 2 TRADE emissions, got %d", len(emitted))
	}

	first := emitted[0].payload.(MarketEmission).Data.(TradeTick)
	if first.Side != "BUY" {
		t.Errorf("type 0 should decode to BUY, got %s", first.Side)
	}
	second := emitted[1].payload.(MarketEmission).Data.(TradeTick)
	if second.Side != "SELL" {
		t.Errorf("type 1 should decode to SELL, got %s", second.Side)
	}
}

func TestDepthDeepCompare(t *testing.T) {
	const contractID = "CON.F.US.MGC.Z25"
	hub, _, pub := newTestMarketHub(t, contractID)
	if err := hub.Subscribe(context.Background(), "MGC"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	depth := map[string]interface{}{
		"bids": []map[string]interface{}{{"price": 3380.0, "size": 10.0}, {"price": 3379.9, "size": 4.0}},
		"asks": []map[string]interface{}{{"price": 3380.1, "size": 7.0}},
	}
	hub.handleDepth(rawArgs(t, contractID, depth))
	hub.handleDepth(rawArgs(t, contractID, depth))

	if n := len(pub.byType("DEPTH")); n != 1 {
		t.Fatalf("identical depth should be filtered, got %d emissions", n)
	}

	depth["asks"] = []map[string]interface{}{{"price": 3380.1, "size": 8.0}}
	hub.handleDepth(rawArgs(t, contractID, depth))
	if n := len(pub.byType("DEPTH")); n != 2 {
		t.Errorf("changed depth should emit, got %d emissions", n)
	}
}

func TestReconnectResubscribesAndClearsCache(t *testing.T) {
	resolver := func(ctx context.Context, instrument string) (string, error) {
		return "CON.F.US." + instrument + ".Z25", nil
	}
	inv := &fakeInvoker{}
	pub := &fakePublisher{}
	hub := newMarketHub(inv, resolver, pub, nil, testStreamLog())

	for _, instrument := range []string{"MGC", "MES", "MNQ"} {
		if err := hub.Subscribe(context.Background(), instrument); err != nil {
			t.Fatalf("subscribe %s failed: %v", instrument, err)
		}
	}

	// Prime the cache so the quote below would normally be filtered
	quote := map[string]interface{}{"bid": 3380.1, "ask": 3380.2}
	hub.handleQuote(rawArgs(t, "CON.F.US.MGC.Z25", quote))
	if n := len(pub.byType("QUOTE")); n != 1 {
		t.Fatalf("expected priming emission, got %d", n)
	}

	inv.reset()
	hub.onConnected(true)

	// All three subscription methods re-issued per contract
	targets := inv.targets()
	if len(targets) != 9 {
		t.Fatalf("expected 9 resubscribe invocations, got %d: %v", len(targets), targets)
	}
	counts := map[string]int{}
	for _, target := range targets {
		counts[target]++
	}
	for _, method := range []string{"SubscribeContractQuotes", "SubscribeContractTrades", "SubscribeContractMarketDepth"} {
		if counts[method] != 3 {
			t.Errorf("%s invoked %d times, want 3", method, counts[method])
		}
	}

	// Cache cleared: the identical quote emits again
	hub.handleQuote(rawArgs(t, "CON.F.US.MGC.Z25", quote))
	if n := len(pub.byType("QUOTE")); n != 2 {
		t.Errorf("cache not cleared on reconnect: %d emissions", n)
	}
}

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	const contractID = "CON.F.US.MGC.Z25"
	hub, inv, pub := newTestMarketHub(t, contractID)

	if err := hub.Subscribe(context.Background(), "MGC"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := hub.Unsubscribe(context.Background(), "MGC"); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}

	if n := len(hub.SubscribedInstruments()); n != 0 {
		t.Errorf("expected no subscriptions after round trip, got %d", n)
	}
	targets := inv.targets()
	if len(targets) != 6 {
		t.Fatalf("expected 3 subscribe + 3 unsubscribe invocations, got %v", targets)
	}

	// A late quote for the unsubscribed contract falls back to the contract
	// id as instrument; it must not appear under the unsubscribed symbol
	hub.handleQuote(rawArgs(t, contractID, map[string]interface{}{"bid": 1.0, "ask": 2.0}))
	for _, e := range pub.byType("QUOTE") {
		if e.payload.(MarketEmission).Instrument == "MGC" {
			t.Error("emission attributed to unsubscribed instrument")
		}
	}
}
