package bracket

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/broker"
	"topstep-gateway/internal/logging"
)

type editCall struct {
	accountID  int64
	positionID int64
	stopLoss   *float64
	takeProfit *float64
}

type fakeBroker struct {
	mu         sync.Mutex
	positions  []broker.Position
	searchErr  error
	editResult broker.CloseResult
	editErr    error
	edits      []editCall
}

func (f *fakeBroker) SearchOpenPositions(ctx context.Context, accountID int64) ([]broker.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	out := make([]broker.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

func (f *fakeBroker) EditStopLossAccount(ctx context.Context, accountID, positionID int64, stopLoss, takeProfit *float64) (broker.CloseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{accountID, positionID, stopLoss, takeProfit})
	if f.editErr != nil {
		return broker.CloseResult{}, f.editErr
	}
	return f.editResult, nil
}

func (f *fakeBroker) editCalls() []editCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]editCall, len(f.edits))
	copy(out, f.edits)
	return out
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []Complete
}

func (p *fakePublisher) Publish(eventType string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if eventType == "BRACKET_ORDER_COMPLETE" {
		p.outcomes = append(p.outcomes, payload.(Complete))
	}
	return true
}

func (p *fakePublisher) completions() []Complete {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Complete, len(p.outcomes))
	copy(out, p.outcomes)
	return out
}

func fptr(v float64) *float64 { return &v }

func testLog() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func testEngine(api *fakeBroker, maxRetries int) (*Engine, *fakePublisher) {
	pub := &fakePublisher{}
	resolve := func(ctx context.Context, instrument string) (string, error) {
		return "CON.F.US." + instrument + ".Z25", nil
	}
	eng := NewEngine(api, resolve, pub, config.BracketConfig{MaxRetries: maxRetries}, testLog())
	return eng, pub
}

func marketIntent(sl, tp *float64) broker.OrderIntent {
	return broker.OrderIntent{
		InstanceID:       "BOT_1",
		OrderID:          "ord-abc",
		OrderType:        "MARKET",
		Instrument:       "MGC",
		Side:             "BUY",
		Quantity:         2,
		StopLossPoints:   sl,
		TakeProfitPoints: tp,
		AccountID:        12345,
	}
}

func TestFillBasedBuyBracket(t *testing.T) {
	now := time.Now()
	api := &fakeBroker{
		positions: []broker.Position{{
			ID: 900, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
			CreationTimestamp: now.Add(-2 * time.Second),
			Type: 1, Size: 2, AveragePrice: 3380.6, OpenOrderID: 555,
		}},
		editResult: broker.CloseResult{Success: true},
	}
	eng, pub := testEngine(api, 10)

	eng.enqueueAt(555, marketIntent(fptr(4.0), fptr(6.0)), now)
	eng.RunDue(context.Background(), now.Add(firstCheckDelay))

	edits := api.editCalls()
	if len(edits) != 1 {
		t.Fatalf("expected 1 sltp edit, got %d", len(edits))
	}
	edit := edits[0]
	if edit.accountID != 12345 || edit.positionID != 900 {
		t.Errorf("edit routed to account=%d position=%d", edit.accountID, edit.positionID)
	}
	if edit.stopLoss == nil || *edit.stopLoss != 3376.60 {
		t.Errorf("stopLoss = %v, want 3376.60", edit.stopLoss)
	}
	if edit.takeProfit == nil || *edit.takeProfit != 3386.60 {
		t.Errorf("takeProfit = %v, want 3386.60", edit.takeProfit)
	}

	done := pub.completions()
	if len(done) != 1 || !done[0].Success {
		t.Fatalf("expected success completion, got %+v", done)
	}
	if done[0].PositionID != 900 || done[0].OrderID != "ord-abc" || done[0].InstanceID != "BOT_1" {
		t.Errorf("completion missing linkage: %+v", done[0])
	}
	if eng.PendingCount() != 0 {
		t.Errorf("pending not cleaned up: %d", eng.PendingCount())
	}
}

func TestFillBasedSellBracketMirrored(t *testing.T) {
	now := time.Now()
	api := &fakeBroker{
		positions: []broker.Position{{
			ID: 901, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
			CreationTimestamp: now.Add(-time.Second),
			Type: 2, Size: 1, AveragePrice: 3380.6, OpenOrderID: 556,
		}},
		editResult: broker.CloseResult{Success: true},
	}
	eng, _ := testEngine(api, 10)

	intent := marketIntent(fptr(4.0), fptr(6.0))
	intent.Side = "SELL"
	eng.enqueueAt(556, intent, now)
	eng.RunDue(context.Background(), now.Add(firstCheckDelay))

	edits := api.editCalls()
	if len(edits) != 1 {
		t.Fatalf("expected 1 sltp edit, got %d", len(edits))
	}
	if *edits[0].stopLoss != 3384.60 {
		t.Errorf("sell stopLoss = %v, want 3384.60", *edits[0].stopLoss)
	}
	if *edits[0].takeProfit != 3374.60 {
		t.Errorf("sell takeProfit = %v, want 3374.60", *edits[0].takeProfit)
	}
}

func TestOrderLinkageBeatsContractMatch(t *testing.T) {
	now := time.Now()
	api := &fakeBroker{
		positions: []broker.Position{
			// Newer position on the same contract, but from another order
			{ID: 1, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
				CreationTimestamp: now, Type: 1, Size: 1, AveragePrice: 3390.0, OpenOrderID: 999},
			{ID: 2, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
				CreationTimestamp: now.Add(-30 * time.Second), Type: 1, Size: 2, AveragePrice: 3380.6, OpenOrderID: 555},
		},
		editResult: broker.CloseResult{Success: true},
	}
	eng, _ := testEngine(api, 10)

	eng.enqueueAt(555, marketIntent(fptr(4.0), nil), now)
	eng.RunDue(context.Background(), now.Add(firstCheckDelay))

	edits := api.editCalls()
	if len(edits) != 1 || edits[0].positionID != 2 {
		t.Fatalf("linkage match not preferred: %+v", edits)
	}
}

func TestContractMatchPicksMostRecentWithinWindow(t *testing.T) {
	now := time.Now()
	api := &fakeBroker{
		positions: []broker.Position{
			// Outside the 60s window, ignored
			{ID: 1, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
				CreationTimestamp: now.Add(-2 * time.Minute), Type: 1, Size: 1, AveragePrice: 3370.0},
			{ID: 2, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
				CreationTimestamp: now.Add(-20 * time.Second), Type: 1, Size: 2, AveragePrice: 3380.6},
			{ID: 3, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
				CreationTimestamp: now.Add(-40 * time.Second), Type: 1, Size: 2, AveragePrice: 3379.0},
			// Wrong contract
			{ID: 4, AccountID: 12345, ContractID: "CON.F.US.MES.Z25",
				CreationTimestamp: now, Type: 1, Size: 1, AveragePrice: 5000.0},
		},
		editResult: broker.CloseResult{Success: true},
	}
	eng, _ := testEngine(api, 10)

	// No openOrderId linkage available
	eng.enqueueAt(555, marketIntent(fptr(4.0), nil), now.Add(-firstCheckDelay))
	eng.RunDue(context.Background(), now)

	edits := api.editCalls()
	if len(edits) != 1 || edits[0].positionID != 2 {
		t.Fatalf("most recent in-window position not chosen: %+v", edits)
	}
}

func TestRetriesExhaustedPublishesFailure(t *testing.T) {
	api := &fakeBroker{} // no positions ever appear
	eng, pub := testEngine(api, 3)

	base := time.Now()
	eng.enqueueAt(555, marketIntent(fptr(4.0), fptr(6.0)), base)

	now := base.Add(firstCheckDelay)
	for i := 0; i < 3; i++ {
		eng.RunDue(context.Background(), now)
		now = now.Add(recheckDelay)
	}

	done := pub.completions()
	if len(done) != 1 {
		t.Fatalf("expected terminal completion, got %d", len(done))
	}
	if done[0].Success {
		t.Error("exhausted bracket reported success")
	}
	if done[0].BrokerOrderID != 555 || done[0].Error == "" {
		t.Errorf("failure payload incomplete: %+v", done[0])
	}
	if eng.PendingCount() != 0 {
		t.Errorf("exhausted bracket still pending")
	}

	// No further checks happen after the terminal outcome
	eng.RunDue(context.Background(), now.Add(time.Minute))
	if len(api.editCalls()) != 0 || len(pub.completions()) != 1 {
		t.Error("activity continued after bracket was abandoned")
	}
}

func TestSearchErrorCountsAgainstRetries(t *testing.T) {
	api := &fakeBroker{searchErr: errors.New("gateway timeout")}
	eng, pub := testEngine(api, 2)

	base := time.Now()
	eng.enqueueAt(555, marketIntent(fptr(4.0), nil), base)

	now := base.Add(firstCheckDelay)
	eng.RunDue(context.Background(), now)
	eng.RunDue(context.Background(), now.Add(recheckDelay))

	done := pub.completions()
	if len(done) != 1 || done[0].Success {
		t.Fatalf("expected one failure completion, got %+v", done)
	}
}

func TestEditRejectionPublishesFailure(t *testing.T) {
	now := time.Now()
	api := &fakeBroker{
		positions: []broker.Position{{
			ID: 900, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
			CreationTimestamp: now, Type: 1, Size: 2, AveragePrice: 3380.6, OpenOrderID: 555,
		}},
		editResult: broker.CloseResult{Success: false, Error: "position is closed"},
	}
	eng, pub := testEngine(api, 10)

	eng.enqueueAt(555, marketIntent(fptr(4.0), fptr(6.0)), now)
	eng.RunDue(context.Background(), now.Add(firstCheckDelay))

	done := pub.completions()
	if len(done) != 1 || done[0].Success {
		t.Fatalf("expected failure completion, got %+v", done)
	}
	if done[0].Error != "position is closed" {
		t.Errorf("broker error not surfaced: %q", done[0].Error)
	}
	if eng.PendingCount() != 0 {
		t.Error("rejected bracket not cleaned up")
	}
}

func TestMatchWindowWidensWithRetries(t *testing.T) {
	now := time.Now()
	// 70s old: outside the base 60s window, inside it after two retries
	api := &fakeBroker{
		positions: []broker.Position{{
			ID: 900, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
			CreationTimestamp: now.Add(-70 * time.Second),
			Type: 1, Size: 2, AveragePrice: 3380.6,
		}},
		editResult: broker.CloseResult{Success: true},
	}
	eng, _ := testEngine(api, 10)

	eng.enqueueAt(555, marketIntent(fptr(4.0), nil), now.Add(-firstCheckDelay))
	eng.mu.Lock()
	p := eng.pending[555]
	eng.mu.Unlock()

	eng.check(context.Background(), p, now) // retry 0: window 60s, no match
	if len(api.editCalls()) != 0 {
		t.Fatal("matched outside base window")
	}
	eng.check(context.Background(), p, now) // retry 1: window 65s, no match
	eng.check(context.Background(), p, now) // retry 2: window 70s, edge excluded
	eng.check(context.Background(), p, now) // retry 3: window 75s, matches
	if len(api.editCalls()) != 1 {
		t.Fatalf("window did not widen with retries: %d edits", len(api.editCalls()))
	}
}

func TestComputeLevelsPassthroughAndValidation(t *testing.T) {
	intent := broker.OrderIntent{
		OrderType: "STOP", Side: "BUY",
		StopPrice: fptr(3375.0),
	}
	sl, tp, err := ComputeLevels(intent, 0)
	if err != nil {
		t.Fatalf("passthrough failed: %v", err)
	}
	if sl == nil || *sl != 3375.0 {
		t.Errorf("stopPrice not passed through: %v", sl)
	}
	if tp != nil {
		t.Errorf("unexpected takeProfit: %v", *tp)
	}

	if _, _, err := ComputeLevels(marketIntent(fptr(4.0), nil), 0); !errors.Is(err, ErrInvalidFillPrice) {
		t.Errorf("zero fill with point offsets should fail, got %v", err)
	}
	if _, _, err := ComputeLevels(marketIntent(fptr(-1.0), nil), 3380.6); !errors.Is(err, ErrNegativePoints) {
		t.Errorf("negative points should fail, got %v", err)
	}
}

func TestSchedulerLoopDeliversOutcome(t *testing.T) {
	now := time.Now()
	api := &fakeBroker{
		positions: []broker.Position{{
			ID: 900, AccountID: 12345, ContractID: "CON.F.US.MGC.Z25",
			CreationTimestamp: now, Type: 1, Size: 2, AveragePrice: 3380.6, OpenOrderID: 555,
		}},
		editResult: broker.CloseResult{Success: true},
	}
	eng, pub := testEngine(api, 10)
	eng.Start()
	defer eng.Stop()

	eng.Enqueue(555, marketIntent(fptr(4.0), fptr(6.0)))

	deadline := time.After(firstCheckDelay + 2*time.Second)
	for {
		if len(pub.completions()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler never delivered the bracket outcome")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
