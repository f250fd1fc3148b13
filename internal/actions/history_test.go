package actions

import (
	"fmt"
	"testing"
	"time"
)

func TestHistoryEviction(t *testing.T) {
	h := NewHistory()
	for i := 0; i < maxHistoryEntries+5; i++ {
		h.Record("s", "c", HistoryEntry{
			Type:     TypeClick,
			Success:  true,
			Duration: time.Duration(i) * time.Millisecond,
		})
	}
	entries := h.Entries("s", "c")
	if len(entries) != maxHistoryEntries {
		t.Fatalf("entries = %d, want %d", len(entries), maxHistoryEntries)
	}
	// The five oldest entries were evicted.
	if entries[0].Duration != 5*time.Millisecond {
		t.Fatalf("oldest duration = %s, want 5ms", entries[0].Duration)
	}
}

func TestHistoryPercentiles(t *testing.T) {
	h := NewHistory()
	// 1ms..100ms, recorded out of order to exercise the sort.
	for i := 100; i >= 1; i-- {
		h.Record("s", "c", HistoryEntry{
			Type:     TypeNavigate,
			Success:  true,
			Duration: time.Duration(i) * time.Millisecond,
		})
	}
	stats := h.Stats("s", "c")
	if stats.P50 != 50*time.Millisecond {
		t.Fatalf("p50 = %s, want 50ms", stats.P50)
	}
	if stats.P90 != 90*time.Millisecond {
		t.Fatalf("p90 = %s, want 90ms", stats.P90)
	}
	if stats.P99 != 99*time.Millisecond {
		t.Fatalf("p99 = %s, want 99ms", stats.P99)
	}
}

func TestHistoryStatsEmpty(t *testing.T) {
	h := NewHistory()
	stats := h.Stats("s", "missing")
	if stats.Total != 0 || stats.SuccessRate != 0 || stats.P99 != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.CountsByType == nil || stats.ErrorClasses == nil {
		t.Fatal("maps must be non-nil")
	}
}

func TestHistoryIsolatedPerContext(t *testing.T) {
	h := NewHistory()
	h.Record("s", "c1", HistoryEntry{Type: TypeClick, Success: true})
	h.Record("s", "c2", HistoryEntry{Type: TypeClick, Success: true})
	h.Record("other", "c1", HistoryEntry{Type: TypeClick, Success: true})

	if got := h.Stats("s", "c1").Total; got != 1 {
		t.Fatalf("s/c1 total = %d", got)
	}
	h.DropSession("s")
	if h.Stats("s", "c1").Total != 0 || h.Stats("s", "c2").Total != 0 {
		t.Fatal("session drop left entries behind")
	}
	if h.Stats("other", "c1").Total != 1 {
		t.Fatal("session drop removed another session's history")
	}
}

func TestOptimizerScore(t *testing.T) {
	o := NewOptimizer(NewHistory())

	tests := []struct {
		estimated time.Duration
		actual    time.Duration
		want      float64
	}{
		{100 * time.Millisecond, 80 * time.Millisecond, 1},
		{100 * time.Millisecond, 100 * time.Millisecond, 1},
		{100 * time.Millisecond, 150 * time.Millisecond, 0.5},
		{100 * time.Millisecond, 200 * time.Millisecond, 0},
		{100 * time.Millisecond, 500 * time.Millisecond, 0},
		{0, 500 * time.Millisecond, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("est=%s actual=%s", tt.estimated, tt.actual), func(t *testing.T) {
			got := o.Score(Hints{EstimatedDuration: tt.estimated}, tt.actual)
			if diff := got - tt.want; diff > 0.001 || diff < -0.001 {
				t.Fatalf("score = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestOptimizerHints(t *testing.T) {
	h := NewHistory()
	o := NewOptimizer(h)

	// No history: no estimate, no blocking.
	hints := o.Hints("s", "c", Action{Type: TypeNavigate})
	if hints.EstimatedDuration != 0 || len(hints.BlockResourceTypes) != 0 {
		t.Fatalf("cold hints = %+v", hints)
	}

	// Slow navigations turn on resource blocking.
	for i := 0; i < 10; i++ {
		h.Record("s", "c", HistoryEntry{Type: TypeNavigate, Success: true, Duration: 4 * time.Second})
	}
	hints = o.Hints("s", "c", Action{Type: TypeNavigate})
	if hints.EstimatedDuration != 4*time.Second {
		t.Fatalf("estimate = %s, want 4s", hints.EstimatedDuration)
	}
	if len(hints.BlockResourceTypes) == 0 {
		t.Fatal("slow navigations should block heavy resources")
	}

	// Failures never feed the estimate.
	h.Record("s", "c2", HistoryEntry{Type: TypeNavigate, Success: false, Duration: time.Minute})
	hints = o.Hints("s", "c2", Action{Type: TypeNavigate})
	if hints.EstimatedDuration != 0 {
		t.Fatalf("estimate from failures = %s", hints.EstimatedDuration)
	}

	// Text extraction runs with scripting off.
	hints = o.Hints("s", "c", Action{Type: TypeContent, Mode: ModeText})
	if !hints.DisableJavaScript {
		t.Fatal("text extraction should disable JavaScript")
	}
	if !hints.KeepCache {
		t.Fatal("cache should stay on for extraction")
	}

	// Captures bypass the cache.
	hints = o.Hints("s", "c", Action{Type: TypeScreenshot})
	if hints.KeepCache {
		t.Fatal("captures should not keep the cache")
	}
}
