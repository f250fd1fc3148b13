package browser

import (
	"testing"
	"time"
)

func testLimits() Limits {
	return Limits{
		MaxLifetime:     30 * time.Minute,
		MaxIdleTime:     10 * time.Minute,
		MaxUseCount:     100,
		MaxPageCount:    10,
		MaxErrorCount:   5,
		HealthThreshold: 30,
		MemoryLimitMB:   1024,
		CPULimitPercent: 80,
	}
}

func TestTimeStrategy(t *testing.T) {
	limits := testLimits()
	tests := []struct {
		name       string
		snap       Snapshot
		wantScore  float64
		wantReason Reason
	}{
		{
			name:      "fresh instance",
			snap:      Snapshot{Age: 0, Idle: 0},
			wantScore: 0,
		},
		{
			name:      "half life half idle",
			snap:      Snapshot{Age: 15 * time.Minute, Idle: 5 * time.Minute},
			wantScore: 50,
		},
		{
			name:       "over max lifetime",
			snap:       Snapshot{Age: 31 * time.Minute, Idle: 0},
			wantScore:  60,
			wantReason: ReasonMaxLifetime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TimeStrategy{}.Score(tt.snap, limits)
			if diff := got.Score - tt.wantScore; diff > 0.01 || diff < -0.01 {
				t.Errorf("score = %.2f, want %.2f", got.Score, tt.wantScore)
			}
			if tt.wantReason == "" && len(got.Reasons) != 0 {
				t.Errorf("unexpected reasons %v", got.Reasons)
			}
			if tt.wantReason != "" && (len(got.Reasons) != 1 || got.Reasons[0] != tt.wantReason) {
				t.Errorf("reasons = %v, want [%s]", got.Reasons, tt.wantReason)
			}
		})
	}
}

func TestUsageStrategy(t *testing.T) {
	limits := testLimits()

	got := UsageStrategy{}.Score(Snapshot{UseCount: 50, PageCount: 5}, limits)
	if diff := got.Score - 50; diff > 0.01 || diff < -0.01 {
		t.Errorf("score = %.2f, want 50", got.Score)
	}
	if len(got.Reasons) != 0 {
		t.Errorf("unexpected reasons %v", got.Reasons)
	}

	got = UsageStrategy{}.Score(Snapshot{UseCount: 100, PageCount: 0}, limits)
	if len(got.Reasons) != 1 || got.Reasons[0] != ReasonMaxUsage {
		t.Errorf("use count at cap should be critical, got %v", got.Reasons)
	}
}

func TestHealthStrategy(t *testing.T) {
	limits := testLimits()

	got := HealthStrategy{}.Score(Snapshot{HealthScore: 100, UseCount: 10}, limits)
	if got.Score != 0 {
		t.Errorf("perfect health should score 0, got %.2f", got.Score)
	}

	got = HealthStrategy{}.Score(Snapshot{HealthScore: 20, UseCount: 10, ErrorCount: 5}, limits)
	// (100-20)*0.8 + 50*0.2 = 74
	if diff := got.Score - 74; diff > 0.01 || diff < -0.01 {
		t.Errorf("score = %.2f, want 74", got.Score)
	}
	if len(got.Reasons) != 1 || got.Reasons[0] != ReasonHealthDegradation {
		t.Errorf("below health threshold should be critical, got %v", got.Reasons)
	}

	got = HealthStrategy{}.Score(Snapshot{HealthScore: 90, UseCount: 10, ErrorCount: 6}, limits)
	if len(got.Reasons) != 1 || got.Reasons[0] != ReasonMaxErrors {
		t.Errorf("error count over cap should be critical, got %v", got.Reasons)
	}

	got = HealthStrategy{}.Score(Snapshot{HealthScore: 90, UseCount: 10, ErrorCount: 5}, limits)
	if len(got.Reasons) != 0 {
		t.Errorf("error count at cap should not be critical, got %v", got.Reasons)
	}
}

func TestResourceStrategy(t *testing.T) {
	limits := testLimits()

	got := ResourceStrategy{}.Score(Snapshot{MemoryMB: 512, CPUPercent: 40}, limits)
	if diff := got.Score - 50; diff > 0.01 || diff < -0.01 {
		t.Errorf("score = %.2f, want 50", got.Score)
	}

	got = ResourceStrategy{}.Score(Snapshot{MemoryMB: 2048, CPUPercent: 90}, limits)
	if len(got.Reasons) != 2 {
		t.Fatalf("expected memory and cpu reasons, got %v", got.Reasons)
	}
	if got.Reasons[0] != ReasonMemoryPressure || got.Reasons[1] != ReasonCPUPressure {
		t.Errorf("reasons = %v", got.Reasons)
	}
}

func TestRecyclerLifecycleDerivation(t *testing.T) {
	r := NewRecycler(testLimits(), DefaultWeights(), 90)

	tests := []struct {
		name string
		snap Snapshot
		want LifecycleState
	}{
		{
			name: "fresh healthy instance",
			snap: Snapshot{HealthScore: 100},
			want: LifecycleHealthy,
		},
		{
			name: "critical reason regardless of score",
			snap: Snapshot{Age: 31 * time.Minute, HealthScore: 100},
			want: LifecycleCritical,
		},
		{
			name: "worn out on every axis",
			snap: Snapshot{
				Age: 29 * time.Minute, Idle: 9 * time.Minute,
				UseCount: 95, PageCount: 9,
				HealthScore: 35, ErrorCount: 40,
				MemoryMB: 1000, CPUPercent: 75,
			},
			want: LifecycleDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := r.Evaluate(tt.snap)
			if eval.Lifecycle != tt.want {
				t.Errorf("lifecycle = %s (score %.1f, reasons %v), want %s",
					eval.Lifecycle, eval.Score, eval.Reasons, tt.want)
			}
		})
	}
}

func TestRecyclerShouldRecycle(t *testing.T) {
	r := NewRecycler(testLimits(), DefaultWeights(), 90)

	eval := r.Evaluate(Snapshot{HealthScore: 100})
	if eval.ShouldRecycle(r.Cutoff()) {
		t.Error("fresh instance must not be recycled")
	}

	eval = r.Evaluate(Snapshot{UseCount: 100, HealthScore: 100})
	if !eval.ShouldRecycle(r.Cutoff()) {
		t.Error("critical reason must force recycling below the score cutoff")
	}
}

func TestRecyclerNormalizesWeights(t *testing.T) {
	r := NewRecycler(testLimits(), Weights{Time: 2, Usage: 2, Health: 2, Resource: 2}, 90)
	eval := r.Evaluate(Snapshot{Age: 15 * time.Minute, Idle: 5 * time.Minute, HealthScore: 100})
	// Time axis scores 50, the rest 0; equal normalized weights give 12.5.
	if diff := eval.Score - 12.5; diff > 0.01 || diff < -0.01 {
		t.Errorf("score = %.2f, want 12.5", eval.Score)
	}
}

func TestInstanceStateTransitions(t *testing.T) {
	now := time.Now()
	inst := newInstance(nil, now)

	if inst.State() != StateIdle {
		t.Fatalf("new instance should be idle, got %s", inst.State())
	}
	if err := inst.markActive("sess-1", now); err != nil {
		t.Fatal(err)
	}
	if err := inst.markIdle(now); err != nil {
		t.Fatal(err)
	}
	if err := inst.markRecycling(ReasonMaxUsage); err != nil {
		t.Fatal(err)
	}
	if err := inst.markActive("sess-2", now); err == nil {
		t.Fatal("recycling -> active must be rejected")
	}
	inst.markDisposed()
	if err := inst.markIdle(now); err == nil {
		t.Fatal("disposed -> idle must be rejected")
	}
	if inst.State() != StateDisposed {
		t.Fatalf("disposed is terminal, got %s", inst.State())
	}
}

func TestInstancePageAccounting(t *testing.T) {
	inst := newInstance(nil, time.Now())

	for i := 0; i < 3; i++ {
		if !inst.pageOpened(3) {
			t.Fatalf("page %d should open below the cap", i)
		}
	}
	if inst.pageOpened(3) {
		t.Fatal("page cap must refuse")
	}

	inst.pageClosed()
	if !inst.pageOpened(3) {
		t.Fatal("closed page frees a slot")
	}

	snap := inst.snapshot(time.Now())
	if snap.PageCount != 3 || snap.UseCount != 4 {
		t.Fatalf("pageCount=%d useCount=%d, want 3 and 4", snap.PageCount, snap.UseCount)
	}
}

func TestInstanceHealthScoring(t *testing.T) {
	inst := newInstance(nil, time.Now())

	if n := inst.healthCheckFailed(); n != 1 {
		t.Fatalf("consecutive = %d, want 1", n)
	}
	inst.healthCheckFailed()
	inst.healthCheckPassed()
	if n := inst.healthCheckFailed(); n != 1 {
		t.Fatalf("success must reset the streak, got %d", n)
	}

	snap := inst.snapshot(time.Now())
	// 100 - 20 - 20 + 10 - 20 = 50
	if snap.HealthScore != 50 {
		t.Fatalf("health score = %.0f, want 50", snap.HealthScore)
	}
	if snap.ErrorCount != 3 {
		t.Fatalf("error count = %d, want 3", snap.ErrorCount)
	}
}
