package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ysmood/gson"
)

// FakeDriver is a scriptable in-memory Driver for tests. Failures are
// injected per method name, and every call is recorded for assertions.
type FakeDriver struct {
	mu sync.Mutex

	// LaunchErr fails the next LaunchErrCount launches when set.
	LaunchErr      error
	LaunchErrCount int

	// LaunchDelay simulates slow browser startup.
	LaunchDelay time.Duration

	launches int64
	browsers []*FakeBrowser
}

// NewFakeDriver returns a driver whose browsers succeed at everything.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

func (d *FakeDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	atomic.AddInt64(&d.launches, 1)

	if d.LaunchDelay > 0 {
		select {
		case <-time.After(d.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.LaunchErr != nil && d.LaunchErrCount != 0 {
		if d.LaunchErrCount > 0 {
			d.LaunchErrCount--
		}
		return nil, d.LaunchErr
	}

	b := &FakeBrowser{
		VersionString: "HeadlessChrome/126.0.0.0",
		id:            len(d.browsers),
	}
	d.browsers = append(d.browsers, b)
	return b, nil
}

// FailLaunches makes the next n launches return err. n < 0 fails forever.
func (d *FakeDriver) FailLaunches(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LaunchErr = err
	d.LaunchErrCount = n
}

// Launches reports how many launches were attempted, including failed ones.
func (d *FakeDriver) Launches() int {
	return int(atomic.LoadInt64(&d.launches))
}

// Browsers returns every browser handed out so far.
func (d *FakeDriver) Browsers() []*FakeBrowser {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeBrowser, len(d.browsers))
	copy(out, d.browsers)
	return out
}

// FakeBrowser is a Browser whose health and page creation are scriptable.
type FakeBrowser struct {
	mu sync.Mutex

	VersionString string
	VersionErr    error
	NewPageErr    error

	id     int
	closed bool
	pages  []*FakePage
}

func (b *FakeBrowser) Version(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", fmt.Errorf("browser %d is closed", b.id)
	}
	if b.VersionErr != nil {
		return "", b.VersionErr
	}
	return b.VersionString, nil
}

func (b *FakeBrowser) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("browser %d is closed", b.id)
	}
	if b.NewPageErr != nil {
		return nil, b.NewPageErr
	}
	p := NewFakePage()
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *FakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, p := range b.pages {
		p.Close()
	}
	return nil
}

// Closed reports whether Close was called.
func (b *FakeBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SetUnhealthy makes subsequent Version calls fail with err.
func (b *FakeBrowser) SetUnhealthy(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.VersionErr = err
}

// Pages returns the pages created on this browser.
func (b *FakeBrowser) Pages() []*FakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FakePage, len(b.pages))
	copy(out, b.pages)
	return out
}

// PageCall records one method invocation on a FakePage.
type PageCall struct {
	Method string
	Args   []any
}

// FakePage records every call and returns scripted results. Errors are
// injected per method name via Fail; Delay adds latency to every call.
type FakePage struct {
	mu sync.Mutex

	// Fail maps a method name (e.g. "Click") to the error it returns.
	Fail map[string]error

	// Delay is applied before every call returns.
	Delay time.Duration

	// Scripted results.
	CurrentURL  string
	HTMLContent string
	ElementHTMLs map[string]string
	ElementTexts map[string]string
	ElementVals  map[string]string
	ElementAttrs map[string]map[string]string
	EvalResult   gson.JSON
	ImageData    []byte
	PDFData      []byte
	DownloadData *Download
	CookieJar    []Cookie

	calls  []PageCall
	closed bool
}

// NewFakePage returns a page with benign defaults.
func NewFakePage() *FakePage {
	return &FakePage{
		Fail:         map[string]error{},
		CurrentURL:   "about:blank",
		HTMLContent:  "<html><body></body></html>",
		ElementHTMLs: map[string]string{},
		ElementTexts: map[string]string{},
		ElementVals:  map[string]string{},
		ElementAttrs: map[string]map[string]string{},
		EvalResult:   gson.New(nil),
		ImageData:    []byte("\x89PNG fake"),
		PDFData:      []byte("%PDF-1.4 fake"),
	}
}

func (p *FakePage) record(ctx context.Context, method string, args ...any) error {
	if p.Delay > 0 {
		select {
		case <-time.After(p.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("page is closed")
	}
	p.calls = append(p.calls, PageCall{Method: method, Args: args})
	return p.Fail[method]
}

// Calls returns the recorded invocations in order.
func (p *FakePage) Calls() []PageCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PageCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount counts invocations of one method.
func (p *FakePage) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// FailWith makes the named method return err.
func (p *FakePage) FailWith(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Fail[method] = err
}

func (p *FakePage) Navigate(ctx context.Context, url string) error {
	if err := p.record(ctx, "Navigate", url); err != nil {
		return err
	}
	p.mu.Lock()
	p.CurrentURL = url
	p.mu.Unlock()
	return nil
}

func (p *FakePage) URL(ctx context.Context) (string, error) {
	if err := p.record(ctx, "URL"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CurrentURL, nil
}

func (p *FakePage) WaitNavigation(ctx context.Context) error {
	return p.record(ctx, "WaitNavigation")
}

func (p *FakePage) WaitIdle(ctx context.Context, timeout time.Duration) error {
	return p.record(ctx, "WaitIdle", timeout)
}

func (p *FakePage) WaitSelector(ctx context.Context, selector string) error {
	return p.record(ctx, "WaitSelector", selector)
}

func (p *FakePage) Click(ctx context.Context, selector string, button MouseButton, clickCount int) error {
	return p.record(ctx, "Click", selector, button, clickCount)
}

func (p *FakePage) Type(ctx context.Context, selector, text string) error {
	return p.record(ctx, "Type", selector, text)
}

func (p *FakePage) SelectOptions(ctx context.Context, selector string, values []string) error {
	return p.record(ctx, "SelectOptions", selector, values)
}

func (p *FakePage) Hover(ctx context.Context, selector string) error {
	return p.record(ctx, "Hover", selector)
}

func (p *FakePage) Focus(ctx context.Context, selector string) error {
	return p.record(ctx, "Focus", selector)
}

func (p *FakePage) Blur(ctx context.Context, selector string) error {
	return p.record(ctx, "Blur", selector)
}

func (p *FakePage) Press(ctx context.Context, keys []string) error {
	return p.record(ctx, "Press", keys)
}

func (p *FakePage) InsertText(ctx context.Context, text string) error {
	return p.record(ctx, "InsertText", text)
}

func (p *FakePage) MouseMove(ctx context.Context, x, y float64) error {
	return p.record(ctx, "MouseMove", x, y)
}

func (p *FakePage) MouseClick(ctx context.Context, x, y float64, button MouseButton) error {
	return p.record(ctx, "MouseClick", x, y, button)
}

func (p *FakePage) MouseScroll(ctx context.Context, deltaX, deltaY float64) error {
	return p.record(ctx, "MouseScroll", deltaX, deltaY)
}

func (p *FakePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	if err := p.record(ctx, "Screenshot", opts); err != nil {
		return nil, err
	}
	return p.ImageData, nil
}

func (p *FakePage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	if err := p.record(ctx, "PDF", opts); err != nil {
		return nil, err
	}
	return p.PDFData, nil
}

func (p *FakePage) HTML(ctx context.Context) (string, error) {
	if err := p.record(ctx, "HTML"); err != nil {
		return "", err
	}
	return p.HTMLContent, nil
}

func (p *FakePage) ElementHTML(ctx context.Context, selector string) (string, error) {
	if err := p.record(ctx, "ElementHTML", selector); err != nil {
		return "", err
	}
	return p.ElementHTMLs[selector], nil
}

func (p *FakePage) ElementText(ctx context.Context, selector string) (string, error) {
	if err := p.record(ctx, "ElementText", selector); err != nil {
		return "", err
	}
	return p.ElementTexts[selector], nil
}

func (p *FakePage) ElementValue(ctx context.Context, selector string) (string, error) {
	if err := p.record(ctx, "ElementValue", selector); err != nil {
		return "", err
	}
	return p.ElementVals[selector], nil
}

func (p *FakePage) ElementAttribute(ctx context.Context, selector, name string) (string, bool, error) {
	if err := p.record(ctx, "ElementAttribute", selector, name); err != nil {
		return "", false, err
	}
	attrs, ok := p.ElementAttrs[selector]
	if !ok {
		return "", false, nil
	}
	v, ok := attrs[name]
	return v, ok, nil
}

func (p *FakePage) Eval(ctx context.Context, script string) (gson.JSON, error) {
	if err := p.record(ctx, "Eval", script); err != nil {
		return gson.New(nil), err
	}
	return p.EvalResult, nil
}

func (p *FakePage) SetFiles(ctx context.Context, selector string, paths []string) error {
	return p.record(ctx, "SetFiles", selector, paths)
}

func (p *FakePage) WaitDownload(ctx context.Context) (*Download, error) {
	if err := p.record(ctx, "WaitDownload"); err != nil {
		return nil, err
	}
	if p.DownloadData == nil {
		return &Download{Filename: "download.bin", MIME: "application/octet-stream"}, nil
	}
	return p.DownloadData, nil
}

func (p *FakePage) Cookies(ctx context.Context) ([]Cookie, error) {
	if err := p.record(ctx, "Cookies"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Cookie, len(p.CookieJar))
	copy(out, p.CookieJar)
	return out, nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	if err := p.record(ctx, "SetCookies", cookies); err != nil {
		return err
	}
	p.mu.Lock()
	p.CookieJar = append(p.CookieJar, cookies...)
	p.mu.Unlock()
	return nil
}

func (p *FakePage) DeleteCookies(ctx context.Context, names ...string) error {
	if err := p.record(ctx, "DeleteCookies", names); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var kept []Cookie
	for _, c := range p.CookieJar {
		remove := false
		for _, name := range names {
			if c.Name == name {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, c)
		}
	}
	p.CookieJar = kept
	return nil
}

func (p *FakePage) ScrollTo(ctx context.Context, x, y float64) error {
	return p.record(ctx, "ScrollTo", x, y)
}

func (p *FakePage) ScrollElement(ctx context.Context, selector string) error {
	return p.record(ctx, "ScrollElement", selector)
}

func (p *FakePage) SetViewport(ctx context.Context, vp Viewport) error {
	return p.record(ctx, "SetViewport", vp)
}

func (p *FakePage) SetUserAgent(ctx context.Context, ua string) error {
	return p.record(ctx, "SetUserAgent", ua)
}

func (p *FakePage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	return p.record(ctx, "SetExtraHeaders", headers)
}

func (p *FakePage) SetJavaScriptEnabled(ctx context.Context, enabled bool) error {
	return p.record(ctx, "SetJavaScriptEnabled", enabled)
}

func (p *FakePage) SetBlockedResourceTypes(ctx context.Context, types []string) error {
	return p.record(ctx, "SetBlockedResourceTypes", types)
}

func (p *FakePage) SetCacheEnabled(ctx context.Context, enabled bool) error {
	return p.record(ctx, "SetCacheEnabled", enabled)
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Interface compliance checks.
var (
	_ Driver  = (*FakeDriver)(nil)
	_ Browser = (*FakeBrowser)(nil)
	_ Page    = (*FakePage)(nil)
	_ Driver  = (*RodDriver)(nil)
)
