package reconcile

import (
	"io"
	"sync"
	"testing"
	"time"

	"topstep-gateway/config"

	"github.com/rs/zerolog"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *fakePublisher) Publish(eventType string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return true
}

func testService(threshold float64, autoCorrect bool) (*Service, *fakePublisher) {
	pub := &fakePublisher{}
	svc := NewService(config.ReconciliationConfig{
		ReconciliationIntervalMs: 30000,
		MaxDiscrepancyThreshold:  threshold,
		PositionTimeoutMs:        300000,
		EnableAutoCorrection:     autoCorrect,
	}, pub, zerolog.New(io.Discard))
	return svc, pub
}

func masterPos(orderID, instanceID string, size, entry float64) Position {
	return Position{
		OrderID:    orderID,
		InstanceID: instanceID,
		Instrument: "MGC",
		Side:       "BUY",
		Size:       size,
		EntryPrice: entry,
		Status:     "OPEN",
	}
}

func TestToleratedDriftRaisesNothing(t *testing.T) {
	svc, _ := testService(0.01, true)

	svc.UpdateMaster(masterPos("O", "BOT_1", 2, 3380.10))
	svc.UpdateInstance("BOT_1", masterPos("O", "BOT_1", 2, 3380.11))

	summary := svc.RunCycle(time.Now())
	if len(summary.Discrepancies) != 0 {
		t.Fatalf("drift within threshold raised %+v", summary.Discrepancies)
	}
}

func TestFieldMismatchBeyondThresholdAutoCorrected(t *testing.T) {
	svc, _ := testService(0.005, true)

	svc.UpdateMaster(masterPos("O", "BOT_1", 2, 3380.10))
	svc.UpdateInstance("BOT_1", masterPos("O", "BOT_1", 2, 3380.11))

	summary := svc.RunCycle(time.Now())
	if len(summary.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %+v", summary.Discrepancies)
	}
	d := summary.Discrepancies[0]
	if d.Type != FieldMismatch || d.Severity != SeverityMedium || d.Field != "entryPrice" {
		t.Errorf("unexpected discrepancy %+v", d)
	}
	if summary.AutoCorrections != 1 {
		t.Errorf("expected auto-correction, got %d", summary.AutoCorrections)
	}

	corrected, ok := svc.InstancePosition("BOT_1", "O")
	if !ok {
		t.Fatal("instance position lost after correction")
	}
	if corrected.EntryPrice != 3380.10 {
		t.Errorf("entryPrice = %v, want 3380.10", corrected.EntryPrice)
	}
}

func TestHighSeverityReportedNotCorrected(t *testing.T) {
	svc, _ := testService(0.01, true)

	svc.UpdateMaster(masterPos("O", "BOT_1", 2, 3380.10))
	mirrored := masterPos("O", "BOT_1", 3, 3380.10) // size disagrees
	mirrored.Side = "SELL"                          // direction disagrees
	svc.UpdateInstance("BOT_1", mirrored)

	summary := svc.RunCycle(time.Now())
	if len(summary.Discrepancies) != 2 {
		t.Fatalf("expected size and direction discrepancies, got %+v", summary.Discrepancies)
	}
	for _, d := range summary.Discrepancies {
		if d.Severity != SeverityHigh {
			t.Errorf("%s should be HIGH, got %s", d.Field, d.Severity)
		}
	}

	// High severity is never silently corrected
	still, _ := svc.InstancePosition("BOT_1", "O")
	if still.Size != 3 || still.Side != "SELL" {
		t.Errorf("high-severity mismatch was corrected: %+v", still)
	}
}

func TestMediumCorrectionLeavesHighFieldsAlone(t *testing.T) {
	svc, _ := testService(0.01, true)

	svc.UpdateMaster(masterPos("O", "BOT_1", 2, 3380.10))
	mirrored := masterPos("O", "BOT_1", 3, 3380.50) // size HIGH, entryPrice MEDIUM
	svc.UpdateInstance("BOT_1", mirrored)

	summary := svc.RunCycle(time.Now())
	if len(summary.Discrepancies) != 2 {
		t.Fatalf("expected size and entryPrice discrepancies, got %+v", summary.Discrepancies)
	}
	if summary.AutoCorrections != 1 {
		t.Errorf("autoCorrections = %d, want 1", summary.AutoCorrections)
	}

	after, _ := svc.InstancePosition("BOT_1", "O")
	if after.EntryPrice != 3380.10 {
		t.Errorf("entryPrice = %v, want corrected 3380.10", after.EntryPrice)
	}
	// The co-occurring HIGH size divergence must stay visible as reported
	if after.Size != 3 {
		t.Errorf("size = %v, HIGH field silently corrected", after.Size)
	}
}

func TestUnknownMasterEntryPriceNotCompared(t *testing.T) {
	svc, _ := testService(0.01, true)

	// Entry price is zero until a fill is observed on the master side
	svc.UpdateMaster(masterPos("O", "BOT_1", 2, 0))
	svc.UpdateInstance("BOT_1", masterPos("O", "BOT_1", 2, 3380.60))

	summary := svc.RunCycle(time.Now())
	if len(summary.Discrepancies) != 0 {
		t.Fatalf("pre-fill entry price raised %+v", summary.Discrepancies)
	}
	mirrored, _ := svc.InstancePosition("BOT_1", "O")
	if mirrored.EntryPrice != 3380.60 {
		t.Errorf("instance entry price overwritten: %v", mirrored.EntryPrice)
	}
}

func TestMissingInstanceAndPosition(t *testing.T) {
	svc, _ := testService(0.01, true)

	svc.UpdateMaster(masterPos("O1", "BOT_1", 2, 3380.10))
	svc.UpdateMaster(masterPos("O2", "BOT_2", 1, 3380.10))
	// BOT_2 is known but does not mirror O2
	svc.UpdateInstance("BOT_2", masterPos("OTHER", "BOT_2", 1, 1.0))

	summary := svc.RunCycle(time.Now())

	types := map[string]string{}
	for _, d := range summary.Discrepancies {
		types[d.Type] = d.Severity
	}
	if types[MissingInstance] != SeverityHigh {
		t.Errorf("MISSING_INSTANCE severity = %q, want HIGH", types[MissingInstance])
	}
	if types[MissingPosition] != SeverityHigh {
		t.Errorf("MISSING_POSITION severity = %q, want HIGH", types[MissingPosition])
	}
}

func TestOrphanRemovedWhenAutoCorrecting(t *testing.T) {
	svc, _ := testService(0.01, true)

	svc.UpdateInstance("BOT_1", masterPos("GHOST", "BOT_1", 2, 3380.10))

	summary := svc.RunCycle(time.Now())
	if len(summary.Discrepancies) != 1 || summary.Discrepancies[0].Type != OrphanedPosition {
		t.Fatalf("expected one orphan, got %+v", summary.Discrepancies)
	}
	if summary.Discrepancies[0].Severity != SeverityMedium {
		t.Errorf("orphan severity = %s, want MEDIUM", summary.Discrepancies[0].Severity)
	}

	if _, ok := svc.InstancePosition("BOT_1", "GHOST"); ok {
		t.Error("orphan not removed by auto-correction")
	}
}

func TestOrphanKeptWhenAutoCorrectDisabled(t *testing.T) {
	svc, _ := testService(0.01, false)

	svc.UpdateInstance("BOT_1", masterPos("GHOST", "BOT_1", 2, 3380.10))
	summary := svc.RunCycle(time.Now())

	if summary.AutoCorrections != 0 {
		t.Errorf("corrections applied with auto-correct disabled: %d", summary.AutoCorrections)
	}
	if _, ok := svc.InstancePosition("BOT_1", "GHOST"); !ok {
		t.Error("orphan removed despite auto-correct disabled")
	}
}

func TestStalePurge(t *testing.T) {
	svc, _ := testService(0.01, true)

	fresh := masterPos("FRESH", "BOT_1", 1, 1.0)
	fresh.LastUpdate = time.Now()
	svc.UpdateMaster(fresh)
	svc.UpdateInstance("BOT_1", fresh)

	stale := masterPos("STALE", "BOT_1", 1, 1.0)
	stale.LastUpdate = time.Now().Add(-6 * time.Minute)
	svc.UpdateMaster(stale)

	summary := svc.RunCycle(time.Now())
	if summary.Purged != 1 {
		t.Errorf("purged = %d, want 1", summary.Purged)
	}

	remaining := svc.MasterPositions()
	if len(remaining) != 1 || remaining[0].OrderID != "FRESH" {
		t.Errorf("unexpected master ledger after purge: %+v", remaining)
	}
}

func TestSummaryRingAndStats(t *testing.T) {
	svc, _ := testService(0.01, true)
	svc.UpdateInstance("BOT_1", masterPos("GHOST", "BOT_1", 1, 1.0))

	for i := 0; i < maxSummaries+10; i++ {
		svc.RunCycle(time.Now())
	}

	if n := len(svc.Summaries()); n != maxSummaries {
		t.Errorf("retained %d summaries, want %d", n, maxSummaries)
	}

	stats := svc.Stats()
	if stats.TotalReconciliations != int64(maxSummaries+10) {
		t.Errorf("totalReconciliations = %d", stats.TotalReconciliations)
	}
	// The orphan is corrected away on the first cycle only
	if stats.ByType[OrphanedPosition] != 1 {
		t.Errorf("orphan counted %d times, want 1", stats.ByType[OrphanedPosition])
	}
	if stats.AutoCorrections != 1 {
		t.Errorf("autoCorrections = %d, want 1", stats.AutoCorrections)
	}
}

func TestForceReconciliationDeduplicates(t *testing.T) {
	svc, pub := testService(0.01, true)

	if !svc.ForceReconciliation("O", "fill mismatch") {
		t.Fatal("first force request rejected")
	}
	if svc.ForceReconciliation("O", "fill mismatch again") {
		t.Fatal("duplicate pending force request not suppressed")
	}
	if len(pub.events) != 1 || pub.events[0] != "RECONCILIATION_REQUIRED" {
		t.Errorf("published events = %v", pub.events)
	}

	// A cycle clears the pending set
	svc.RunCycle(time.Now())
	if !svc.ForceReconciliation("O", "after cycle") {
		t.Error("force request rejected after cycle cleared pending set")
	}
}
