package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"topstep-gateway/config"
)

func barAt(t time.Time, close float64) HistoryBar {
	return HistoryBar{T: t, O: close, H: close, L: close, C: close, V: 100}
}

func testHistoryConfig() config.HistoricalConfig {
	return config.HistoricalConfig{
		MaxRetries:            3,
		CacheDuration:         5 * time.Minute,
		MaxConcurrentRequests: 5,
		RequestTimeout:        time.Second,
	}
}

func minuteBarsRequest(contractID string) HistoryRequest {
	return HistoryRequest{ContractID: contractID, Unit: UnitMinute, UnitNumber: 5, Limit: 100}
}

func TestHistoryRequestValidation(t *testing.T) {
	tests := []struct {
		name string
		req  HistoryRequest
	}{
		{"empty contract", HistoryRequest{Unit: UnitMinute, UnitNumber: 1, Limit: 10}},
		{"bad unit", HistoryRequest{ContractID: "X", Unit: 9, UnitNumber: 1, Limit: 10}},
		{"zero unit number", HistoryRequest{ContractID: "X", Unit: UnitMinute, UnitNumber: 0, Limit: 10}},
		{"over limit", HistoryRequest{ContractID: "X", Unit: UnitMinute, UnitNumber: 1, Limit: 20001}},
	}
	for _, tt := range tests {
		if err := tt.req.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestHistoryCacheHit(t *testing.T) {
	var fetches int32
	now := time.Now().UTC().Truncate(time.Minute)
	fetch := func(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
		atomic.AddInt32(&fetches, 1)
		return []HistoryBar{barAt(now, 3380.1)}, nil
	}

	h := newHistoryService(fetch, testHistoryConfig(), testLog())

	for i := 0; i < 3; i++ {
		bars, err := h.GetBars(context.Background(), minuteBarsRequest("CON.F.US.MGC.Z25"))
		if err != nil {
			t.Fatalf("get %d failed: %v", i, err)
		}
		if len(bars) != 1 {
			t.Fatalf("get %d returned %d bars", i, len(bars))
		}
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("expected 1 upstream fetch, got %d", n)
	}

	// A different parameter set is a different cache entry
	if _, err := h.GetBars(context.Background(), minuteBarsRequest("CON.F.US.MES.H26")); err != nil {
		t.Fatalf("second contract failed: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Errorf("expected 2 upstream fetches, got %d", n)
	}

	stats := h.Stats()
	if stats.Requests != 4 || stats.CacheHits != 2 {
		t.Errorf("stats = %+v, want 4 requests / 2 cache hits", stats)
	}
}

func TestHistoryRetriesLinearly(t *testing.T) {
	var attempts int32
	fetch := func(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return nil, fmt.Errorf("transient upstream failure")
		}
		return []HistoryBar{barAt(time.Now(), 1.0)}, nil
	}

	h := newHistoryService(fetch, testHistoryConfig(), testLog())
	h.retryDelay = time.Millisecond

	if _, err := h.GetBars(context.Background(), minuteBarsRequest("C")); err != nil {
		t.Fatalf("get failed despite eventual success: %v", err)
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestHistoryRetriesExhausted(t *testing.T) {
	var attempts int32
	fetch := func(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, fmt.Errorf("upstream down")
	}

	h := newHistoryService(fetch, testHistoryConfig(), testLog())
	h.retryDelay = time.Millisecond

	if _, err := h.GetBars(context.Background(), minuteBarsRequest("C")); err == nil {
		t.Fatal("expected failure after exhausting retries")
	}
	if n := atomic.LoadInt32(&attempts); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if h.Stats().Failures != 1 {
		t.Errorf("failure not counted: %+v", h.Stats())
	}
}

func TestHistoryBarsSortedAscending(t *testing.T) {
	base := time.Now().UTC().Truncate(time.Minute)
	fetch := func(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
		return []HistoryBar{
			barAt(base.Add(2*time.Minute), 3.0),
			barAt(base, 1.0),
			barAt(base.Add(time.Minute), 2.0),
		}, nil
	}

	h := newHistoryService(fetch, testHistoryConfig(), testLog())
	bars, err := h.GetBars(context.Background(), minuteBarsRequest("C"))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].T.Before(bars[i-1].T) {
			t.Fatalf("bars not ascending: %v after %v", bars[i].T, bars[i-1].T)
		}
	}
}

func TestHistoryConcurrencyCap(t *testing.T) {
	var current, peak int32
	fetch := func(ctx context.Context, req HistoryRequest) ([]HistoryBar, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return []HistoryBar{barAt(time.Now(), 1.0)}, nil
	}

	cfg := testHistoryConfig()
	cfg.MaxConcurrentRequests = 2
	h := newHistoryService(fetch, cfg, testLog())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := minuteBarsRequest(fmt.Sprintf("C-%d", i))
			if _, err := h.GetBars(context.Background(), req); err != nil {
				t.Errorf("get failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("concurrency cap exceeded: peak %d", p)
	}
}
