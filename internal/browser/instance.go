package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rorqualx/browsergrid/internal/driver"
)

// InstanceState is the pool-visible lifecycle state of a browser process.
type InstanceState string

const (
	StateIdle      InstanceState = "idle"
	StateActive    InstanceState = "active"
	StateUnhealthy InstanceState = "unhealthy"
	StateRecycling InstanceState = "recycling"
	StateDisposed  InstanceState = "disposed"
)

// validTransitions encodes the state DAG: idle and active flip freely,
// everything funnels into disposed, and disposed is terminal.
var validTransitions = map[InstanceState]map[InstanceState]bool{
	StateIdle:      {StateActive: true, StateUnhealthy: true, StateRecycling: true, StateDisposed: true},
	StateActive:    {StateIdle: true, StateUnhealthy: true, StateRecycling: true, StateDisposed: true},
	StateUnhealthy: {StateDisposed: true},
	StateRecycling: {StateDisposed: true},
	StateDisposed:  {},
}

// Health score adjustments per check outcome.
const (
	healthCheckReward  = 10
	healthCheckPenalty = 20
)

// Instance is one running browser bound to the pool.
type Instance struct {
	id      string
	browser driver.Browser

	mu               sync.Mutex
	state            InstanceState
	sessionID        string
	createdAt        time.Time
	lastUsedAt       time.Time
	useCount         int64
	pageCount        int
	errorCount       int64
	healthScore      float64
	consecutiveFails int
	recycleFlagged   bool
	recycleReason    Reason
	memoryMB         float64
	cpuPercent       float64

	// stopHealth terminates the per-instance health monitor.
	stopHealth chan struct{}
	stopOnce   sync.Once
}

func newInstance(browser driver.Browser, now time.Time) *Instance {
	return &Instance{
		id:          uuid.NewString(),
		browser:     browser,
		state:       StateIdle,
		createdAt:   now,
		lastUsedAt:  now,
		healthScore: 100,
		stopHealth:  make(chan struct{}),
	}
}

// ID returns the instance's opaque id.
func (i *Instance) ID() string { return i.id }

// Browser returns the underlying browser handle.
func (i *Instance) Browser() driver.Browser { return i.browser }

// State returns the current lifecycle state.
func (i *Instance) State() InstanceState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// SessionID returns the owning session while active, empty otherwise.
func (i *Instance) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// transitionLocked moves the instance to a new state, enforcing the DAG.
// Caller holds i.mu.
func (i *Instance) transitionLocked(to InstanceState) error {
	if i.state == to {
		return nil
	}
	if !validTransitions[i.state][to] {
		return fmt.Errorf("invalid instance transition %s -> %s", i.state, to)
	}
	i.state = to
	return nil
}

// markActive assigns the instance to a session.
func (i *Instance) markActive(sessionID string, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateActive); err != nil {
		return err
	}
	i.sessionID = sessionID
	i.lastUsedAt = now
	return nil
}

// markIdle returns the instance to the idle set.
func (i *Instance) markIdle(now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateIdle); err != nil {
		return err
	}
	i.sessionID = ""
	i.lastUsedAt = now
	return nil
}

// markUnhealthy flags the instance for disposal on next release.
func (i *Instance) markUnhealthy() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(StateUnhealthy)
}

// markRecycling records why the instance is being withdrawn.
func (i *Instance) markRecycling(reason Reason) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateRecycling); err != nil {
		return err
	}
	i.recycleReason = reason
	return nil
}

// markDisposed is terminal. Safe to call from any state; once disposed the
// instance is never reused.
func (i *Instance) markDisposed() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateDisposed {
		return
	}
	i.state = StateDisposed
	i.sessionID = ""
}

// flagForRecycle asks for recycling on next release without interrupting
// the active session.
func (i *Instance) flagForRecycle(reason Reason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.recycleFlagged {
		i.recycleFlagged = true
		i.recycleReason = reason
	}
}

func (i *Instance) recycleFlag() (bool, Reason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.recycleFlagged, i.recycleReason
}

// pageOpened bumps the use and page counters. Returns false at the cap.
func (i *Instance) pageOpened(maxPages int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pageCount >= maxPages {
		return false
	}
	i.pageCount++
	i.useCount++
	return true
}

// pageClosed decrements the open-page counter.
func (i *Instance) pageClosed() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pageCount > 0 {
		i.pageCount--
	}
}

// recordError counts a driver failure attributed to this instance.
func (i *Instance) recordError() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.errorCount++
}

// healthCheckPassed rewards the health score and resets the failure streak.
func (i *Instance) healthCheckPassed() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.consecutiveFails = 0
	i.healthScore = clampScore(i.healthScore + healthCheckReward)
}

// healthCheckFailed penalizes the health score and returns the current
// consecutive failure count.
func (i *Instance) healthCheckFailed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.consecutiveFails++
	i.errorCount++
	i.healthScore = clampScore(i.healthScore - healthCheckPenalty)
	return i.consecutiveFails
}

// setResourceSample stores the governor's latest memory/CPU estimate.
func (i *Instance) setResourceSample(memoryMB, cpuPercent float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.memoryMB = memoryMB
	i.cpuPercent = cpuPercent
}

// Snapshot is a point-in-time copy used for recycling decisions and status
// reporting. It carries no references into the live instance.
type Snapshot struct {
	ID          string
	State       InstanceState
	SessionID   string
	Age         time.Duration
	Idle        time.Duration
	UseCount    int64
	PageCount   int
	ErrorCount  int64
	HealthScore float64
	MemoryMB    float64
	CPUPercent  float64
}

// snapshot copies the instance's counters as of now.
func (i *Instance) snapshot(now time.Time) Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Snapshot{
		ID:          i.id,
		State:       i.state,
		SessionID:   i.sessionID,
		Age:         now.Sub(i.createdAt),
		Idle:        now.Sub(i.lastUsedAt),
		UseCount:    i.useCount,
		PageCount:   i.pageCount,
		ErrorCount:  i.errorCount,
		HealthScore: i.healthScore,
		MemoryMB:    i.memoryMB,
		CPUPercent:  i.cpuPercent,
	}
}
