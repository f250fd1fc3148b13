package actions

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Rorqualx/browsergrid/internal/breaker"
	"github.com/Rorqualx/browsergrid/internal/browser"
	"github.com/Rorqualx/browsergrid/internal/driver"
	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/pages"
)

func newTestExecutor(t *testing.T) (*Executor, *driver.FakeDriver) {
	t.Helper()
	d := driver.NewFakeDriver()
	registry := breaker.NewRegistry(breaker.Config{FailureThreshold: 100})
	pool, err := browser.NewPool(d, registry, browser.Options{
		MaxSize:             2,
		MaxPagesPerBrowser:  5,
		AcquireTimeout:      2 * time.Second,
		MaxIdleTime:         time.Hour,
		MaintenanceInterval: time.Hour,
		HealthCheckInterval: time.Hour,
		GovernorInterval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	mgr := pages.NewManager(pool, pages.Options{})
	return NewExecutor(ExecutorOptions{
		Pages:      mgr,
		Breakers:   registry,
		MaxTimeout: 30 * time.Second,
	}), d
}

func firstPage(t *testing.T, d *driver.FakeDriver) *driver.FakePage {
	t.Helper()
	browsers := d.Browsers()
	if len(browsers) == 0 {
		t.Fatal("no browser launched")
	}
	pgs := browsers[0].Pages()
	if len(pgs) == 0 {
		t.Fatal("no page created")
	}
	return pgs[0]
}

func TestExecuteNavigate(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	res := e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/"})
	if !res.Success {
		t.Fatalf("navigate failed: %s", res.Error)
	}
	data, ok := res.Data.(map[string]string)
	if !ok || data["url"] != "https://example.test/" {
		t.Fatalf("data = %#v", res.Data)
	}
	if firstPage(t, d).CallCount("Navigate") != 1 {
		t.Fatal("navigate not dispatched")
	}
	if res.Duration < 0 {
		t.Fatalf("duration = %s", res.Duration)
	}
	if res.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestExecuteTimestampIsCompletion(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/"})
	page := firstPage(t, d)
	page.Delay = 150 * time.Millisecond

	before := time.Now()
	res := e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/slow"})
	after := time.Now()

	if !res.Success {
		t.Fatalf("navigate failed: %s", res.Error)
	}
	if res.Duration < page.Delay {
		t.Fatalf("duration = %s, want >= %s", res.Duration, page.Delay)
	}
	if res.Timestamp.Sub(before) < page.Delay {
		t.Fatalf("timestamp %s is the dispatch time, want completion time", res.Timestamp)
	}
	started := res.Timestamp.Add(-res.Duration)
	if started.Before(before.Add(-time.Millisecond)) || started.After(after) {
		t.Fatalf("timestamp-duration start %s outside [%s, %s]", started, before, after)
	}
}

func TestExecuteDeadlineMarksCancelled(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/"})
	page := firstPage(t, d)
	page.Delay = 500 * time.Millisecond

	res := e.Execute(ctx, "sess-1", "ctx-1", Action{
		Type:    TypeNavigate,
		URL:     "https://example.test/slow",
		Timeout: 50 * time.Millisecond,
	})
	if res.Success {
		t.Fatal("expected deadline failure")
	}
	if !res.Cancelled {
		t.Fatal("deadline expiry not marked cancelled")
	}
	if res.ErrorClass != ErrClassTimeout {
		t.Fatalf("error class = %q, want %q", res.ErrorClass, ErrClassTimeout)
	}
}

func TestExecuteValidationShortCircuits(t *testing.T) {
	e, d := newTestExecutor(t)

	oversized := Action{Type: TypeType, Selector: "#q", Text: strings.Repeat("a", 10001)}
	res := e.Execute(context.Background(), "sess-1", "ctx-1", oversized)
	if res.Success {
		t.Fatal("invalid action reported success")
	}
	if res.ErrorClass != ErrClassValidation {
		t.Fatalf("errorClass = %q, want %q", res.ErrorClass, ErrClassValidation)
	}
	if d.Launches() != 0 {
		t.Fatalf("launches = %d, validation must precede any driver work", d.Launches())
	}

	res = e.Execute(context.Background(), "sess-1", "ctx-1", Action{Type: TypeClick})
	if res.Success || res.ErrorClass != ErrClassValidation {
		t.Fatalf("missing selector result = %+v", res)
	}

	stats := e.Stats("sess-1", "ctx-1")
	if stats.Total != 2 || stats.ErrorClasses[ErrClassValidation] != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestExecuteClassifiesErrors(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	// Warm up so the page exists and can be scripted.
	if res := e.Execute(ctx, "s", "c", Action{Type: TypeNavigate, URL: "https://example.test/"}); !res.Success {
		t.Fatalf("warmup: %s", res.Error)
	}
	page := firstPage(t, d)

	page.FailWith("Click", context.DeadlineExceeded)
	res := e.Execute(ctx, "s", "c", Action{Type: TypeClick, Selector: "#go"})
	if res.Success || res.ErrorClass != ErrClassTimeout {
		t.Fatalf("result = %+v, want timeout class", res)
	}

	page.FailWith("Click", errdefs.New(errdefs.KindNetwork, "NET_DOWN", "connection reset", nil))
	res = e.Execute(ctx, "s", "c", Action{Type: TypeClick, Selector: "#go"})
	if res.ErrorClass != ErrClassNetwork {
		t.Fatalf("errorClass = %q, want %q", res.ErrorClass, ErrClassNetwork)
	}

	page.FailWith("Click", context.Canceled)
	res = e.Execute(ctx, "s", "c", Action{Type: TypeClick, Selector: "#go"})
	if !res.Cancelled {
		t.Fatal("cancelled flag not set")
	}
}

func TestExecuteDragInterpolates(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	res := e.Execute(ctx, "s", "c", Action{Type: TypeMouse, Mode: ModeDrag, X: 0, Y: 0, ToX: 100, ToY: 200, Steps: 4})
	if !res.Success {
		t.Fatalf("drag failed: %s", res.Error)
	}
	page := firstPage(t, d)
	if got := page.CallCount("MouseMove"); got != 4 {
		t.Fatalf("MouseMove calls = %d, want 4", got)
	}
	calls := page.Calls()
	last := calls[len(calls)-1]
	if last.Args[0].(float64) != 100 || last.Args[1].(float64) != 200 {
		t.Fatalf("final move = %v, want (100, 200)", last.Args)
	}

	res = e.Execute(ctx, "s", "c", Action{Type: TypeMouse, Mode: ModeDrag, X: 0, Y: 0, ToX: 50, ToY: 50, Steps: 1})
	if !res.Success {
		t.Fatalf("single-step drag failed: %s", res.Error)
	}
	if got := page.CallCount("MouseMove"); got != 5 {
		t.Fatalf("MouseMove calls = %d, want 5 after single-step drag", got)
	}
}

func TestExecuteCookieRoundTrip(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	set := e.Execute(ctx, "s", "c", Action{
		Type: TypeCookie,
		Mode: ModeSet,
		Cookies: []driver.Cookie{
			{Name: "token", Value: "abc", Domain: "example.test"},
		},
	})
	if !set.Success {
		t.Fatalf("set: %s", set.Error)
	}

	get := e.Execute(ctx, "s", "c", Action{Type: TypeCookie, Mode: ModeGet})
	if !get.Success {
		t.Fatalf("get: %s", get.Error)
	}
	data := get.Data.(map[string]any)
	cookies := data["cookies"].([]driver.Cookie)
	if len(cookies) != 1 || cookies[0].Name != "token" {
		t.Fatalf("cookies = %+v", cookies)
	}

	del := e.Execute(ctx, "s", "c", Action{Type: TypeCookie, Mode: ModeDelete, CookieNames: []string{"token"}})
	if !del.Success {
		t.Fatalf("delete: %s", del.Error)
	}
	get = e.Execute(ctx, "s", "c", Action{Type: TypeCookie, Mode: ModeGet})
	if n := len(get.Data.(map[string]any)["cookies"].([]driver.Cookie)); n != 0 {
		t.Fatalf("cookies after delete = %d", n)
	}
}

func TestExecuteContentExtraction(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	if res := e.Execute(ctx, "s", "c", Action{Type: TypeNavigate, URL: "https://example.test/"}); !res.Success {
		t.Fatalf("warmup: %s", res.Error)
	}
	page := firstPage(t, d)
	page.ElementTexts["#title"] = "Welcome"

	res := e.Execute(ctx, "s", "c", Action{Type: TypeContent, Mode: ModeText, Selector: "#title"})
	if !res.Success {
		t.Fatalf("content: %s", res.Error)
	}
	data := res.Data.(map[string]any)
	if data["content"] != "Welcome" {
		t.Fatalf("content = %v", data["content"])
	}
}

func TestExecuteDownloadReportsMIME(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/"})
	firstPage(t, d).DownloadData = &driver.Download{
		Filename: "report.pdf",
		MIME:     "application/pdf",
		Data:     []byte("%PDF-1.4"),
	}

	res := e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeDownload})
	if !res.Success {
		t.Fatalf("download failed: %s", res.Error)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %#v", res.Data)
	}
	if data["mime"] != "application/pdf" || data["filename"] != "report.pdf" {
		t.Fatalf("download metadata = %#v", data)
	}
}

func TestExecuteRevertsResourceBlocking(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/"})
	for i := 0; i < 5; i++ {
		e.History().Record("sess-1", "ctx-1", HistoryEntry{
			Type:      TypeNavigate,
			Success:   true,
			Duration:  5 * time.Second,
			Timestamp: time.Now(),
		})
	}

	res := e.Execute(ctx, "sess-1", "ctx-1", Action{Type: TypeNavigate, URL: "https://example.test/heavy"})
	if !res.Success {
		t.Fatalf("navigate failed: %s", res.Error)
	}

	var blockCalls []driver.PageCall
	for _, c := range firstPage(t, d).Calls() {
		if c.Method == "SetBlockedResourceTypes" {
			blockCalls = append(blockCalls, c)
		}
	}
	if len(blockCalls) != 2 {
		t.Fatalf("SetBlockedResourceTypes calls = %d, want apply + revert", len(blockCalls))
	}
	if types, _ := blockCalls[0].Args[0].([]string); len(types) == 0 {
		t.Fatalf("apply call args = %#v", blockCalls[0].Args)
	}
	if types, _ := blockCalls[1].Args[0].([]string); types != nil {
		t.Fatalf("revert call args = %#v, want empty to clear rules", blockCalls[1].Args)
	}
}

func TestExecuteRecordsHistory(t *testing.T) {
	e, d := newTestExecutor(t)
	ctx := context.Background()

	if res := e.Execute(ctx, "s", "c", Action{Type: TypeNavigate, URL: "https://example.test/"}); !res.Success {
		t.Fatalf("navigate: %s", res.Error)
	}
	if res := e.Execute(ctx, "s", "c", Action{Type: TypeClick, Selector: "#a"}); !res.Success {
		t.Fatalf("click: %s", res.Error)
	}
	firstPage(t, d).FailWith("Click", context.DeadlineExceeded)
	if res := e.Execute(ctx, "s", "c", Action{Type: TypeClick, Selector: "#b"}); res.Success {
		t.Fatal("scripted failure reported success")
	}

	stats := e.Stats("s", "c")
	if stats.Total != 3 {
		t.Fatalf("total = %d, want 3", stats.Total)
	}
	if stats.CountsByType[TypeClick] != 2 || stats.CountsByType[TypeNavigate] != 1 {
		t.Fatalf("counts = %+v", stats.CountsByType)
	}
	if stats.ErrorClasses[ErrClassTimeout] != 1 {
		t.Fatalf("error classes = %+v", stats.ErrorClasses)
	}
	want := 2.0 / 3.0
	if diff := stats.SuccessRate - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("success rate = %f, want ~%f", stats.SuccessRate, want)
	}
}

func TestCloseContextDropsHistory(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	if res := e.Execute(ctx, "s", "c", Action{Type: TypeNavigate, URL: "https://example.test/"}); !res.Success {
		t.Fatalf("navigate: %s", res.Error)
	}
	if e.Stats("s", "c").Total != 1 {
		t.Fatal("history not recorded")
	}
	if err := e.CloseContext("s", "c"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.Stats("s", "c").Total != 0 {
		t.Fatal("history survived context close")
	}
}

func TestEndSessionDropsAllContexts(t *testing.T) {
	e, _ := newTestExecutor(t)
	ctx := context.Background()

	for _, c := range []string{"c1", "c2"} {
		if res := e.Execute(ctx, "s", c, Action{Type: TypeNavigate, URL: "https://example.test/"}); !res.Success {
			t.Fatalf("navigate %s: %s", c, res.Error)
		}
	}
	if err := e.EndSession("s"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if e.Stats("s", "c1").Total != 0 || e.Stats("s", "c2").Total != 0 {
		t.Fatal("history survived session end")
	}
}
