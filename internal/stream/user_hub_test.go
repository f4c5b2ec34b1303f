package stream

import (
	"testing"
)

func newTestUserHub(t *testing.T) (*UserHub, *fakeInvoker, *fakePublisher) {
	t.Helper()
	inv := &fakeInvoker{}
	pub := &fakePublisher{}
	hub := newUserHub(inv, pub, nil, testStreamLog())
	return hub, inv, pub
}

func TestSubscribeAccountInvocations(t *testing.T) {
	hub, inv, _ := newTestUserHub(t)

	if err := hub.SubscribeAccount(12345); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	want := []string{"SubscribeAccounts", "SubscribeOrders", "SubscribePositions", "SubscribeTrades"}
	targets := inv.targets()
	if len(targets) != len(want) {
		t.Fatalf("invocations = %v, want %v", targets, want)
	}
	for i, method := range want {
		if targets[i] != method {
			t.Errorf("invocation %d = %s, want %s", i, targets[i], method)
		}
	}
	// Per-account methods carry the account id
	if len(inv.calls[1].args) != 1 || inv.calls[1].args[0] != int64(12345) {
		t.Errorf("SubscribeOrders args = %v, want [12345]", inv.calls[1].args)
	}
}

func TestOrderFilledOnlyOnStatusTwo(t *testing.T) {
	hub, _, pub := newTestUserHub(t)

	base := map[string]interface{}{
		"id": 555.0, "accountId": 12345.0, "contractId": "CON.F.US.MGC.Z25",
		"side": 0.0, "fillVolume": 2.0, "filledPrice": 3380.6,
	}

	for _, status := range []float64{1, 3, 4, 5} {
		order := map[string]interface{}{"status": status}
		for k, v := range base {
			order[k] = v
		}
		hub.handleOrder(rawArgs(t, order))
	}
	if n := len(pub.byType("ORDER_FILLED")); n != 0 {
		t.Fatalf("non-fill statuses emitted %d ORDER_FILLED events", n)
	}

	order := map[string]interface{}{"status": 2.0}
	for k, v := range base {
		order[k] = v
	}
	hub.handleOrder(rawArgs(t, order))

	emitted := pub.byType("ORDER_FILLED")
	if len(emitted) != 1 {
		t.Fatalf("expected 1 ORDER_FILLED, got %d", len(emitted))
	}
	fill := emitted[0].payload.(OrderFill)
	if fill.OrderID != 555 || fill.AccountID != 12345 || fill.Side != "BUY" ||
		fill.FillVolume != 2 || fill.FilledPrice != 3380.6 {
		t.Errorf("unexpected fill payload %+v", fill)
	}
}

func TestPositionUpdateSideDecoding(t *testing.T) {
	hub, _, pub := newTestUserHub(t)

	hub.handlePosition(rawArgs(t, map[string]interface{}{
		"id": 9.0, "accountId": 1.0, "contractId": "CON.F.US.MGC.Z25",
		"type": 1.0, "size": 3.0, "averagePrice": 3380.6,
	}))
	hub.handlePosition(rawArgs(t, map[string]interface{}{
		"id": 10.0, "accountId": 1.0, "contractId": "CON.F.US.MGC.Z25",
		"type": 2.0, "size": 1.0, "averagePrice": 3381.0,
	}))

	emitted := pub.byType("POSITION_UPDATE")
	if len(emitted) != 2 {
		t.Fatalf("expected 2 POSITION_UPDATE, got %d", len(emitted))
	}
	long := emitted[0].payload.(PositionUpdate)
	short := emitted[1].payload.(PositionUpdate)
	if long.Side != "LONG" || short.Side != "SHORT" {
		t.Errorf("side decoding wrong: %s / %s", long.Side, short.Side)
	}
	if long.PositionID != 9 || long.Size != 3 || long.AveragePrice != 3380.6 {
		t.Errorf("unexpected position payload %+v", long)
	}
}

func TestTradeExecutionPayload(t *testing.T) {
	hub, _, pub := newTestUserHub(t)

	hub.handleTrade(rawArgs(t, map[string]interface{}{
		"id": 77.0, "orderId": 555.0, "size": 2.0, "price": 3380.6,
		"profitAndLoss": 12.5, "fees": 0.74,
	}))

	emitted := pub.byType("TRADE_EXECUTED")
	if len(emitted) != 1 {
		t.Fatalf("expected 1 TRADE_EXECUTED, got %d", len(emitted))
	}
	exec := emitted[0].payload.(TradeExecution)
	if exec.TradeID != 77 || exec.OrderID != 555 || exec.Size != 2 || exec.Price != 3380.6 {
		t.Errorf("unexpected execution payload %+v", exec)
	}
	if exec.ProfitAndLoss == nil || *exec.ProfitAndLoss != 12.5 {
		t.Errorf("profitAndLoss = %v, want 12.5", exec.ProfitAndLoss)
	}
	if exec.Fees != 0.74 {
		t.Errorf("fees = %v, want 0.74", exec.Fees)
	}
}

func TestWrappedPayloadUnwrapped(t *testing.T) {
	hub, _, pub := newTestUserHub(t)

	// Some hub events wrap the row in {action, data}
	hub.handlePosition(rawArgs(t, map[string]interface{}{
		"action": 1.0,
		"data": map[string]interface{}{
			"id": 9.0, "accountId": 1.0, "contractId": "CON.F.US.MGC.Z25",
			"type": 1.0, "size": 3.0, "averagePrice": 3380.6,
		},
	}))

	emitted := pub.byType("POSITION_UPDATE")
	if len(emitted) != 1 {
		t.Fatalf("expected 1 POSITION_UPDATE, got %d", len(emitted))
	}
	if update := emitted[0].payload.(PositionUpdate); update.PositionID != 9 {
		t.Errorf("wrapped payload not unwrapped: %+v", update)
	}
}

func TestReconnectResubscribesAccounts(t *testing.T) {
	hub, inv, _ := newTestUserHub(t)

	for _, id := range []int64{1, 2} {
		if err := hub.SubscribeAccount(id); err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
	}

	inv.reset()
	hub.onConnected(true)

	counts := map[string]int{}
	for _, target := range inv.targets() {
		counts[target]++
	}
	for _, method := range []string{"SubscribeOrders", "SubscribePositions", "SubscribeTrades"} {
		if counts[method] != 2 {
			t.Errorf("%s re-invoked %d times, want 2", method, counts[method])
		}
	}
}
