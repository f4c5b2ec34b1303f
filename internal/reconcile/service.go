// Package reconcile keeps the authoritative master position ledger, mirrors
// the positions each strategy instance reports, and periodically diffs the
// two, auto-correcting what is safe to correct.
package reconcile

import (
	"fmt"
	"math"
	"sync"
	"time"

	"topstep-gateway/config"

	"github.com/rs/zerolog"
)

// Record sources
const (
	SourceMaster   = "MASTER"
	SourceInstance = "INSTANCE"
)

// Discrepancy types
const (
	MissingInstance  = "MISSING_INSTANCE"
	MissingPosition  = "MISSING_POSITION"
	FieldMismatch    = "FIELD_MISMATCH"
	OrphanedPosition = "ORPHANED_POSITION"
)

// Severities
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
)

const (
	defaultInterval        = 30 * time.Second
	defaultThreshold       = 0.01
	defaultPositionTimeout = 5 * time.Minute
	maxSummaries           = 50
)

// Position is one ledger entry, master or mirrored
type Position struct {
	OrderID    string    `json:"orderId"`
	InstanceID string    `json:"instanceId"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entryPrice"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
	Source     string    `json:"source"`
}

// Discrepancy is one detected divergence between master and an instance
type Discrepancy struct {
	Type          string      `json:"type"`
	Severity      string      `json:"severity"`
	OrderID       string      `json:"orderId"`
	InstanceID    string      `json:"instanceId"`
	Field         string      `json:"field,omitempty"`
	MasterValue   interface{} `json:"masterValue,omitempty"`
	InstanceValue interface{} `json:"instanceValue,omitempty"`
}

// Summary is the outcome of one reconciliation cycle
type Summary struct {
	Timestamp       time.Time     `json:"timestamp"`
	PositionsTotal  int           `json:"positionsTotal"`
	Discrepancies   []Discrepancy `json:"discrepancies"`
	AutoCorrections int           `json:"autoCorrections"`
	Purged          int           `json:"purged"`
}

// Stats aggregates reconciliation activity
type Stats struct {
	TotalReconciliations int64            `json:"totalReconciliations"`
	DiscrepanciesFound   int64            `json:"discrepanciesFound"`
	AutoCorrections      int64            `json:"autoCorrections"`
	ByType               map[string]int64 `json:"byType"`
}

// Publisher sends reconciliation events onto the message bus
type Publisher interface {
	Publish(eventType string, payload interface{}) bool
}

// Service runs the reconciliation loop
type Service struct {
	interval        time.Duration
	threshold       float64
	positionTimeout time.Duration
	autoCorrect     bool

	logger zerolog.Logger
	pub    Publisher

	mu           sync.Mutex
	master       map[string]*Position
	instances    map[string]map[string]*Position
	summaries    []Summary
	pendingForce map[string]bool

	totalReconciliations int64
	discrepanciesFound   int64
	autoCorrections      int64
	byType               map[string]int64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates the reconciliation service
func NewService(cfg config.ReconciliationConfig, pub Publisher, logger zerolog.Logger) *Service {
	interval := time.Duration(cfg.ReconciliationIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = defaultInterval
	}
	threshold := cfg.MaxDiscrepancyThreshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	positionTimeout := time.Duration(cfg.PositionTimeoutMs) * time.Millisecond
	if positionTimeout <= 0 {
		positionTimeout = defaultPositionTimeout
	}

	return &Service{
		interval:        interval,
		threshold:       threshold,
		positionTimeout: positionTimeout,
		autoCorrect:     cfg.EnableAutoCorrection,
		logger:          logger.With().Str("component", "reconcile").Logger(),
		pub:             pub,
		master:          make(map[string]*Position),
		instances:       make(map[string]map[string]*Position),
		pendingForce:    make(map[string]bool),
		byType:          make(map[string]int64),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the periodic reconciliation loop
func (s *Service) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info().Dur("interval", s.interval).Msg("reconciliation started")
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunCycle(time.Now())
			}
		}
	}()
}

// Stop halts the loop
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	s.logger.Info().Msg("reconciliation stopped")
}

// ==================== Ledger Updates ====================

// UpdateMaster records or refreshes an authoritative position
func (s *Service) UpdateMaster(pos Position) {
	pos.Source = SourceMaster
	if pos.LastUpdate.IsZero() {
		pos.LastUpdate = time.Now()
	}

	s.mu.Lock()
	s.master[pos.OrderID] = &pos
	s.mu.Unlock()
}

// RemoveMaster drops an authoritative position, e.g. after a close
func (s *Service) RemoveMaster(orderID string) {
	s.mu.Lock()
	delete(s.master, orderID)
	s.mu.Unlock()
}

// UpdateInstance records a position as reported by a strategy instance
func (s *Service) UpdateInstance(instanceID string, pos Position) {
	pos.Source = SourceInstance
	pos.InstanceID = instanceID
	if pos.LastUpdate.IsZero() {
		pos.LastUpdate = time.Now()
	}

	s.mu.Lock()
	if s.instances[instanceID] == nil {
		s.instances[instanceID] = make(map[string]*Position)
	}
	s.instances[instanceID][pos.OrderID] = &pos
	s.mu.Unlock()
}

// MasterPositions returns a copy of the master ledger
func (s *Service) MasterPositions() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.master))
	for _, pos := range s.master {
		out = append(out, *pos)
	}
	return out
}

// InstancePosition looks up one mirrored entry
func (s *Service) InstancePosition(instanceID, orderID string) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mirror := s.instances[instanceID]
	if mirror == nil {
		return Position{}, false
	}
	pos, ok := mirror[orderID]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// ==================== Reconciliation Cycle ====================

// RunCycle performs one reconciliation pass at the given instant
func (s *Service) RunCycle(now time.Time) Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{Timestamp: now, PositionsTotal: len(s.master)}

	// Master vs instance mirrors
	for orderID, master := range s.master {
		mirror, known := s.instances[master.InstanceID]
		if !known {
			summary.Discrepancies = append(summary.Discrepancies, Discrepancy{
				Type: MissingInstance, Severity: SeverityHigh,
				OrderID: orderID, InstanceID: master.InstanceID,
			})
			continue
		}
		mirrored, ok := mirror[orderID]
		if !ok {
			summary.Discrepancies = append(summary.Discrepancies, Discrepancy{
				Type: MissingPosition, Severity: SeverityHigh,
				OrderID: orderID, InstanceID: master.InstanceID,
			})
			continue
		}
		summary.Discrepancies = append(summary.Discrepancies, s.compareLocked(master, mirrored)...)
	}

	// Orphans: mirrored entries the master does not know
	for instanceID, mirror := range s.instances {
		for orderID := range mirror {
			if _, ok := s.master[orderID]; !ok {
				summary.Discrepancies = append(summary.Discrepancies, Discrepancy{
					Type: OrphanedPosition, Severity: SeverityMedium,
					OrderID: orderID, InstanceID: instanceID,
				})
			}
		}
	}

	summary.Purged = s.purgeLocked(now)

	if s.autoCorrect {
		summary.AutoCorrections = s.correctLocked(summary.Discrepancies)
	}

	// Bookkeeping
	s.totalReconciliations++
	s.discrepanciesFound += int64(len(summary.Discrepancies))
	s.autoCorrections += int64(summary.AutoCorrections)
	for _, d := range summary.Discrepancies {
		s.byType[d.Type]++
	}
	s.summaries = append(s.summaries, summary)
	if len(s.summaries) > maxSummaries {
		s.summaries = s.summaries[len(s.summaries)-maxSummaries:]
	}
	s.pendingForce = make(map[string]bool)

	for _, d := range summary.Discrepancies {
		s.logger.Warn().
			Str("type", d.Type).
			Str("severity", d.Severity).
			Str("order_id", d.OrderID).
			Str("instance_id", d.InstanceID).
			Str("field", d.Field).
			Msg("position discrepancy")
	}

	return summary
}

// compareLocked diffs the reconcilable fields of a master/mirror pair.
// Numeric drift within the threshold is tolerated.
func (s *Service) compareLocked(master, mirrored *Position) []Discrepancy {
	var out []Discrepancy

	add := func(field, severity string, masterVal, instanceVal interface{}) {
		out = append(out, Discrepancy{
			Type: FieldMismatch, Severity: severity,
			OrderID: master.OrderID, InstanceID: master.InstanceID,
			Field: field, MasterValue: masterVal, InstanceValue: instanceVal,
		})
	}

	if math.Abs(master.Size-mirrored.Size) > s.threshold {
		add("size", SeverityHigh, master.Size, mirrored.Size)
	}
	if master.Side != mirrored.Side {
		add("direction", SeverityHigh, master.Side, mirrored.Side)
	}
	// A zero master entry price means the fill has not been observed yet
	if master.EntryPrice != 0 && math.Abs(master.EntryPrice-mirrored.EntryPrice) > s.threshold {
		add("entryPrice", SeverityMedium, master.EntryPrice, mirrored.EntryPrice)
	}
	if master.Status != mirrored.Status {
		add("status", SeverityMedium, master.Status, mirrored.Status)
	}
	return out
}

// purgeLocked drops master and mirror entries that have gone stale
func (s *Service) purgeLocked(now time.Time) int {
	purged := 0
	for orderID, pos := range s.master {
		if now.Sub(pos.LastUpdate) > s.positionTimeout {
			delete(s.master, orderID)
			purged++
		}
	}
	for instanceID, mirror := range s.instances {
		for orderID, pos := range mirror {
			if now.Sub(pos.LastUpdate) > s.positionTimeout {
				delete(mirror, orderID)
				purged++
			}
		}
		if len(mirror) == 0 {
			delete(s.instances, instanceID)
		}
	}
	return purged
}

// correctLocked applies the auto-correction policy: MEDIUM field mismatches
// are overwritten from master, orphans are removed. HIGH severity is only
// reported. Only the field named by the discrepancy is touched, so a HIGH
// size or direction divergence on the same position stays visible.
func (s *Service) correctLocked(discrepancies []Discrepancy) int {
	corrections := 0
	for _, d := range discrepancies {
		switch {
		case d.Type == FieldMismatch && d.Severity == SeverityMedium:
			master, ok := s.master[d.OrderID]
			if !ok {
				continue
			}
			mirror := s.instances[d.InstanceID]
			if mirror == nil {
				continue
			}
			mirrored, ok := mirror[d.OrderID]
			if !ok {
				continue
			}
			switch d.Field {
			case "entryPrice":
				mirrored.EntryPrice = master.EntryPrice
			case "status":
				mirrored.Status = master.Status
			default:
				continue
			}
			mirrored.LastUpdate = time.Now()
			corrections++
			s.logger.Info().
				Str("order_id", d.OrderID).
				Str("instance_id", d.InstanceID).
				Str("field", d.Field).
				Msg("auto-corrected instance position")

		case d.Type == OrphanedPosition:
			if mirror := s.instances[d.InstanceID]; mirror != nil {
				delete(mirror, d.OrderID)
				corrections++
				s.logger.Info().
					Str("order_id", d.OrderID).
					Str("instance_id", d.InstanceID).
					Msg("removed orphaned instance position")
			}
		}
	}
	return corrections
}

// ==================== Force & Stats ====================

// ForceReconciliation emits a reconciliation request event for one order.
// Duplicate requests for the same order while a cycle is pending are
// suppressed.
func (s *Service) ForceReconciliation(orderID, reason string) bool {
	s.mu.Lock()
	if s.pendingForce[orderID] {
		s.mu.Unlock()
		return false
	}
	s.pendingForce[orderID] = true
	s.mu.Unlock()

	s.logger.Info().Str("order_id", orderID).Str("reason", reason).Msg("forced reconciliation requested")
	if s.pub != nil {
		s.pub.Publish("RECONCILIATION_REQUIRED", map[string]interface{}{
			"orderId": orderID,
			"reason":  reason,
		})
	}
	return true
}

// Stats returns aggregate counters
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[string]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return Stats{
		TotalReconciliations: s.totalReconciliations,
		DiscrepanciesFound:   s.discrepanciesFound,
		AutoCorrections:      s.autoCorrections,
		ByType:               byType,
	}
}

// Summaries returns the retained cycle summaries, oldest first
func (s *Service) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

// String implements fmt.Stringer for log convenience
func (d Discrepancy) String() string {
	if d.Field != "" {
		return fmt.Sprintf("%s[%s] order=%s instance=%s field=%s", d.Type, d.Severity, d.OrderID, d.InstanceID, d.Field)
	}
	return fmt.Sprintf("%s[%s] order=%s instance=%s", d.Type, d.Severity, d.OrderID, d.InstanceID)
}
