package actions

import (
	"sort"
	"sync"
	"time"
)

// maxHistoryEntries bounds each per-context ring; the oldest entry is
// evicted first.
const maxHistoryEntries = 1000

// HistoryEntry is one recorded action outcome.
type HistoryEntry struct {
	Type       Type          `json:"type"`
	Success    bool          `json:"success"`
	ErrorClass string        `json:"errorClass,omitempty"`
	Duration   time.Duration `json:"duration"`
	Timestamp  time.Time     `json:"timestamp"`
}

// HistoryStats aggregates a context's recorded actions.
type HistoryStats struct {
	Total        int            `json:"total"`
	SuccessRate  float64        `json:"successRate"`
	CountsByType map[Type]int   `json:"countsByType"`
	ErrorClasses map[string]int `json:"errorClasses"`
	P50          time.Duration  `json:"p50"`
	P90          time.Duration  `json:"p90"`
	P99          time.Duration  `json:"p99"`
}

type historyKey struct {
	sessionID string
	contextID string
}

// History keeps a bounded per-(session, context) record of action
// outcomes for stats and optimizer estimates.
type History struct {
	mu      sync.RWMutex
	entries map[historyKey][]HistoryEntry
}

func NewHistory() *History {
	return &History{entries: make(map[historyKey][]HistoryEntry)}
}

// Record appends one outcome, evicting the oldest entry past the cap.
func (h *History) Record(sessionID, contextID string, entry HistoryEntry) {
	key := historyKey{sessionID, contextID}
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.entries[key]
	if len(ring) >= maxHistoryEntries {
		ring = ring[1:]
	}
	h.entries[key] = append(ring, entry)
}

// Entries returns a copy of the recorded outcomes, oldest first.
func (h *History) Entries(sessionID, contextID string) []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring := h.entries[historyKey{sessionID, contextID}]
	out := make([]HistoryEntry, len(ring))
	copy(out, ring)
	return out
}

// Stats aggregates the context's history. An empty history yields
// zero-value stats with non-nil maps.
func (h *History) Stats(sessionID, contextID string) HistoryStats {
	h.mu.RLock()
	ring := h.entries[historyKey{sessionID, contextID}]
	stats := HistoryStats{
		Total:        len(ring),
		CountsByType: make(map[Type]int),
		ErrorClasses: make(map[string]int),
	}
	durations := make([]time.Duration, 0, len(ring))
	successes := 0
	for _, e := range ring {
		stats.CountsByType[e.Type]++
		if e.Success {
			successes++
		} else if e.ErrorClass != "" {
			stats.ErrorClasses[e.ErrorClass]++
		}
		durations = append(durations, e.Duration)
	}
	h.mu.RUnlock()

	if stats.Total > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.Total)
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P50 = percentile(durations, 50)
	stats.P90 = percentile(durations, 90)
	stats.P99 = percentile(durations, 99)
	return stats
}

// recentDurations returns the most recent successful durations for the
// given type, newest last, up to limit.
func (h *History) recentDurations(sessionID, contextID string, typ Type, limit int) []time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ring := h.entries[historyKey{sessionID, contextID}]
	var out []time.Duration
	for i := len(ring) - 1; i >= 0 && len(out) < limit; i-- {
		if ring[i].Type == typ && ring[i].Success {
			out = append(out, ring[i].Duration)
		}
	}
	// Restore chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Drop discards the history for one context.
func (h *History) Drop(sessionID, contextID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, historyKey{sessionID, contextID})
}

// DropSession discards every context history for the session.
func (h *History) DropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.entries {
		if key.sessionID == sessionID {
			delete(h.entries, key)
		}
	}
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
