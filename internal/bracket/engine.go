// Package bracket implements the two-phase bracket flow: after a parent
// order is placed, poll open positions until the fill appears, then attach
// stop-loss and take-profit via the broker's SL/TP edit endpoint.
package bracket

import (
	"context"
	"sync"
	"time"

	"topstep-gateway/config"
	"topstep-gateway/internal/broker"
	"topstep-gateway/internal/logging"
)

const (
	firstCheckDelay = 3 * time.Second
	recheckDelay    = 2 * time.Second
	defaultRetries  = 10

	// Position matching window; widens with every retry to accommodate
	// slow fills
	baseMatchWindow   = 60 * time.Second
	matchWindowPerTry = 5 * time.Second
)

// brokerAPI is the slice of the REST facade the engine needs
type brokerAPI interface {
	SearchOpenPositions(ctx context.Context, accountID int64) ([]broker.Position, error)
	EditStopLossAccount(ctx context.Context, accountID, positionID int64, stopLoss, takeProfit *float64) (broker.CloseResult, error)
}

// resolveContractFunc translates an instrument symbol to its active contract id
type resolveContractFunc func(ctx context.Context, instrument string) (string, error)

// Publisher sends bracket outcomes onto the message bus
type Publisher interface {
	Publish(eventType string, payload interface{}) bool
}

// Complete is the BRACKET_ORDER_COMPLETE payload, published on both the
// success and the failure path
type Complete struct {
	Success       bool     `json:"success"`
	BrokerOrderID int64    `json:"brokerOrderId"`
	OrderID       string   `json:"orderId,omitempty"`
	InstanceID    string   `json:"instanceId,omitempty"`
	PositionID    int64    `json:"positionId,omitempty"`
	StopLoss      *float64 `json:"stopLoss,omitempty"`
	TakeProfit    *float64 `json:"takeProfit,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// pending is the in-progress state for one placed parent order
type pending struct {
	brokerOrderID int64
	intent        broker.OrderIntent
	createdAt     time.Time
	retryCount    int
	nextCheck     time.Time
}

// Engine schedules and executes bracket attachment. A single scheduler
// goroutine owns all timing; there are no per-bracket timers to orphan.
type Engine struct {
	api        brokerAPI
	resolve    resolveContractFunc
	pub        Publisher
	log        *logging.Logger
	maxRetries int

	mu      sync.Mutex
	pending map[int64]*pending

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates the bracket engine
func NewEngine(api brokerAPI, resolve resolveContractFunc, pub Publisher, cfg config.BracketConfig, log *logging.Logger) *Engine {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultRetries
	}
	return &Engine{
		api:        api,
		resolve:    resolve,
		pub:        pub,
		log:        log.WithComponent("bracket"),
		maxRetries: maxRetries,
		pending:    make(map[int64]*pending),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start launches the scheduler goroutine
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.schedulerLoop()
}

// Stop halts the scheduler; pending brackets are discarded
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

// Enqueue records a pending bracket for a freshly placed parent order. The
// first position check runs after a short settle delay.
func (e *Engine) Enqueue(brokerOrderID int64, intent broker.OrderIntent) {
	e.enqueueAt(brokerOrderID, intent, time.Now())
}

func (e *Engine) enqueueAt(brokerOrderID int64, intent broker.OrderIntent, now time.Time) {
	e.mu.Lock()
	e.pending[brokerOrderID] = &pending{
		brokerOrderID: brokerOrderID,
		intent:        intent,
		createdAt:     now,
		nextCheck:     now.Add(firstCheckDelay),
	}
	count := len(e.pending)
	e.mu.Unlock()

	e.log.Info("bracket queued", "broker_order_id", brokerOrderID,
		"instrument", intent.Instrument, "pending", count)
	e.wake()
}

// PendingCount returns the number of brackets awaiting attachment
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

func (e *Engine) schedulerLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next, ok := e.nextDue()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if ok {
			wait := time.Until(next)
			if wait < 0 {
				wait = 0
			}
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-e.stopCh:
			return
		case <-e.wakeCh:
		case <-timer.C:
			e.RunDue(context.Background(), time.Now())
		}
	}
}

func (e *Engine) nextDue() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var next time.Time
	for _, p := range e.pending {
		if next.IsZero() || p.nextCheck.Before(next) {
			next = p.nextCheck
		}
	}
	return next, !next.IsZero()
}

// RunDue checks every pending bracket whose schedule has arrived
func (e *Engine) RunDue(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var due []*pending
	for _, p := range e.pending {
		if !p.nextCheck.After(now) {
			due = append(due, p)
		}
	}
	e.mu.Unlock()

	for _, p := range due {
		e.check(ctx, p, now)
	}
}

// check runs one position poll for a pending bracket
func (e *Engine) check(ctx context.Context, p *pending, now time.Time) {
	positions, err := e.api.SearchOpenPositions(ctx, p.intent.AccountID)
	if err != nil {
		e.log.Warn("position poll failed", "broker_order_id", p.brokerOrderID, "error", err)
		e.retryOrFail(p, now, "position poll failed: "+err.Error())
		return
	}

	expectedContractID, err := e.resolve(ctx, p.intent.Instrument)
	if err != nil {
		e.log.Warn("contract resolution failed", "instrument", p.intent.Instrument, "error", err)
		e.retryOrFail(p, now, "contract resolution failed: "+err.Error())
		return
	}

	match := e.matchPosition(positions, p, expectedContractID, now)
	if match == nil {
		e.retryOrFail(p, now, "no matching position found")
		return
	}

	e.applyBracket(ctx, p, match)
}

// matchPosition selects the position belonging to the parent order. A broker
// order-id linkage wins outright; otherwise match by contract and recency,
// most recent first.
func (e *Engine) matchPosition(positions []broker.Position, p *pending, expectedContractID string, now time.Time) *broker.Position {
	window := baseMatchWindow + time.Duration(p.retryCount)*matchWindowPerTry

	var candidate *broker.Position
	for i := range positions {
		pos := &positions[i]

		if pos.OpenOrderID == p.brokerOrderID && p.brokerOrderID != 0 {
			return pos
		}
		if pos.ContractID != expectedContractID {
			continue
		}
		if now.Sub(pos.CreationTimestamp) >= window {
			continue
		}
		if candidate == nil || pos.CreationTimestamp.After(candidate.CreationTimestamp) {
			candidate = pos
		}
	}
	return candidate
}

// retryOrFail reschedules the bracket or terminates it when retries are
// exhausted
func (e *Engine) retryOrFail(p *pending, now time.Time, reason string) {
	e.mu.Lock()
	p.retryCount++
	exhausted := p.retryCount >= e.maxRetries
	if !exhausted {
		p.nextCheck = now.Add(recheckDelay)
	} else {
		delete(e.pending, p.brokerOrderID)
	}
	e.mu.Unlock()

	if exhausted {
		e.log.Error("bracket abandoned after retries", "broker_order_id", p.brokerOrderID, "reason", reason)
		e.publishComplete(Complete{
			Success:       false,
			BrokerOrderID: p.brokerOrderID,
			OrderID:       p.intent.OrderID,
			InstanceID:    p.intent.InstanceID,
			Error:         reason,
		})
		return
	}
	e.wake()
}

// applyBracket computes the final SL/TP and attaches them
func (e *Engine) applyBracket(ctx context.Context, p *pending, pos *broker.Position) {
	stopLoss, takeProfit, err := ComputeLevels(p.intent, pos.AveragePrice)
	if err != nil {
		e.finish(p, Complete{
			Success:       false,
			BrokerOrderID: p.brokerOrderID,
			OrderID:       p.intent.OrderID,
			InstanceID:    p.intent.InstanceID,
			Error:         err.Error(),
		})
		return
	}

	result, err := e.api.EditStopLossAccount(ctx, p.intent.AccountID, pos.ID, stopLoss, takeProfit)
	if err != nil {
		e.finish(p, Complete{
			Success:       false,
			BrokerOrderID: p.brokerOrderID,
			OrderID:       p.intent.OrderID,
			InstanceID:    p.intent.InstanceID,
			Error:         "sltp edit failed: " + err.Error(),
		})
		return
	}
	if !result.Success {
		e.finish(p, Complete{
			Success:       false,
			BrokerOrderID: p.brokerOrderID,
			OrderID:       p.intent.OrderID,
			InstanceID:    p.intent.InstanceID,
			Error:         result.Error,
		})
		return
	}

	e.log.Info("bracket attached", "broker_order_id", p.brokerOrderID,
		"position_id", pos.ID, "stop_loss", deref(stopLoss), "take_profit", deref(takeProfit))
	e.finish(p, Complete{
		Success:       true,
		BrokerOrderID: p.brokerOrderID,
		OrderID:       p.intent.OrderID,
		InstanceID:    p.intent.InstanceID,
		PositionID:    pos.ID,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
	})
}

// finish removes the pending entry and publishes the terminal outcome
func (e *Engine) finish(p *pending, outcome Complete) {
	e.mu.Lock()
	delete(e.pending, p.brokerOrderID)
	e.mu.Unlock()
	e.publishComplete(outcome)
}

func (e *Engine) publishComplete(outcome Complete) {
	if e.pub != nil {
		e.pub.Publish("BRACKET_ORDER_COMPLETE", outcome)
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
