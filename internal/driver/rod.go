package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Rorqualx/browsergrid/internal/security"
)

// RodDriver implements Driver on top of rod/CDP.
type RodDriver struct{}

// NewRodDriver returns the production driver.
func NewRodDriver() *RodDriver {
	return &RodDriver{}
}

// Launch starts a browser process and connects to it via CDP.
// Each call creates a fresh launcher since launchers can only be used once.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := createLauncher(opts)

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	log.Debug().Str("url", url).Msg("Browser launched")
	return &rodBrowser{browser: browser}, nil
}

// createLauncher builds a configured rod launcher.
// The flag set is tuned for container environments: sandbox disabled, shared
// memory workarounds, bounded JS heap, no background features.
func createLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-gpu-sandbox")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
		log.Debug().Str("proxy", security.RedactURL(opts.ProxyURL)).Msg("Browser proxy configured")
	}

	// WebRTC can reveal the server's real public IP to target sites.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// First-run and dialogs
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	l = l.Set("window-size", "1920,1080")

	// Performance and stability
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	// Memory limits for container environments
	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	return l
}

// rodBrowser wraps *rod.Browser behind the Browser interface.
type rodBrowser struct {
	browser *rod.Browser
}

func (b *rodBrowser) Version(ctx context.Context) (string, error) {
	version, err := b.browser.Context(ctx).Version()
	if err != nil {
		return "", fmt.Errorf("failed to fetch browser version: %w", err)
	}
	return version.Product, nil
}

func (b *rodBrowser) NewPage(ctx context.Context) (Page, error) {
	page, err := b.browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return &rodPage{page: page, browser: b.browser}, nil
}

func (b *rodBrowser) Close() error {
	return b.browser.Close()
}

// rodPage wraps *rod.Page behind the Page interface. All methods rebind the
// caller's context so deadlines propagate into CDP round-trips.
type rodPage struct {
	page    *rod.Page
	browser *rod.Browser

	hijackMu sync.Mutex
	hijack   *rod.HijackRouter
}

func (p *rodPage) ctx(ctx context.Context) *rod.Page {
	return p.page.Context(ctx)
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	return p.ctx(ctx).Navigate(url)
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	info, err := p.ctx(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) WaitNavigation(ctx context.Context) error {
	wait := p.ctx(ctx).WaitNavigation(proto.PageLifecycleEventNameLoad)
	wait()
	return ctx.Err()
}

func (p *rodPage) WaitIdle(ctx context.Context, timeout time.Duration) error {
	return p.ctx(ctx).WaitIdle(timeout)
}

func (p *rodPage) WaitSelector(ctx context.Context, selector string) error {
	// rod elements auto-wait for existence.
	_, err := p.ctx(ctx).Element(selector)
	return err
}

func rodButton(button MouseButton) proto.InputMouseButton {
	switch button {
	case MouseRight:
		return proto.InputMouseButtonRight
	case MouseMiddle:
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func (p *rodPage) Click(ctx context.Context, selector string, button MouseButton, clickCount int) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	if clickCount < 1 {
		clickCount = 1
	}
	return el.Click(rodButton(button), clickCount)
}

func (p *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return err
	}
	return p.ctx(ctx).InsertText(text)
}

func (p *rodPage) SelectOptions(ctx context.Context, selector string, values []string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Select(values, true, rod.SelectorTypeText)
}

func (p *rodPage) Hover(ctx context.Context, selector string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Hover()
}

func (p *rodPage) Focus(ctx context.Context, selector string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.Focus()
}

func (p *rodPage) Blur(ctx context.Context, selector string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	_, err = el.Eval(`() => this.blur()`)
	return err
}

// Press dispatches raw key events so arbitrary key names and combinations
// work without a static key table. Modifier keys are held for the duration
// of the sequence.
func (p *rodPage) Press(ctx context.Context, keys []string) error {
	page := p.ctx(ctx)
	down := proto.InputDispatchKeyEventTypeKeyDown
	up := proto.InputDispatchKeyEventTypeKeyUp

	for _, key := range keys {
		err := proto.InputDispatchKeyEvent{Type: down, Key: key}.Call(page)
		if err != nil {
			return err
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		err := proto.InputDispatchKeyEvent{Type: up, Key: keys[i]}.Call(page)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *rodPage) InsertText(ctx context.Context, text string) error {
	return p.ctx(ctx).InsertText(text)
}

func (p *rodPage) MouseMove(ctx context.Context, x, y float64) error {
	return p.ctx(ctx).Mouse.MoveTo(proto.NewPoint(x, y))
}

func (p *rodPage) MouseClick(ctx context.Context, x, y float64, button MouseButton) error {
	page := p.ctx(ctx)
	if err := page.Mouse.MoveTo(proto.NewPoint(x, y)); err != nil {
		return err
	}
	return page.Mouse.Click(rodButton(button), 1)
}

func (p *rodPage) MouseScroll(ctx context.Context, deltaX, deltaY float64) error {
	return p.ctx(ctx).Mouse.Scroll(deltaX, deltaY, 1)
}

func (p *rodPage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	page := p.ctx(ctx)

	format := proto.PageCaptureScreenshotFormatPng
	switch opts.Format {
	case "jpeg":
		format = proto.PageCaptureScreenshotFormatJpeg
	case "webp":
		format = proto.PageCaptureScreenshotFormatWebp
	}

	if opts.Selector != "" {
		el, err := page.Element(opts.Selector)
		if err != nil {
			return nil, err
		}
		return el.Screenshot(format, opts.Quality)
	}

	req := &proto.PageCaptureScreenshot{Format: format}
	if opts.Quality > 0 && format != proto.PageCaptureScreenshotFormatPng {
		quality := opts.Quality
		req.Quality = &quality
	}
	if opts.Width > 0 && opts.Height > 0 {
		req.Clip = &proto.PageViewport{
			X:      opts.X,
			Y:      opts.Y,
			Width:  opts.Width,
			Height: opts.Height,
			Scale:  1,
		}
	}
	return page.Screenshot(opts.FullPage, req)
}

func (p *rodPage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	req := &proto.PagePrintToPDF{
		Landscape:       opts.Landscape,
		PrintBackground: opts.PrintBackground,
		PageRanges:      opts.PageRanges,
	}
	if opts.Scale > 0 {
		scale := opts.Scale
		req.Scale = &scale
	}
	if opts.PaperWidth > 0 {
		w := opts.PaperWidth
		req.PaperWidth = &w
	}
	if opts.PaperHeight > 0 {
		h := opts.PaperHeight
		req.PaperHeight = &h
	}

	reader, err := p.ctx(ctx).PDF(req)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(reader)
}

func (p *rodPage) HTML(ctx context.Context) (string, error) {
	return p.ctx(ctx).HTML()
}

func (p *rodPage) ElementHTML(ctx context.Context, selector string) (string, error) {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return "", err
	}
	return el.HTML()
}

func (p *rodPage) ElementText(ctx context.Context, selector string) (string, error) {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return "", err
	}
	return el.Text()
}

func (p *rodPage) ElementValue(ctx context.Context, selector string) (string, error) {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return "", err
	}
	value, err := el.Property("value")
	if err != nil {
		return "", err
	}
	return value.Str(), nil
}

func (p *rodPage) ElementAttribute(ctx context.Context, selector, name string) (string, bool, error) {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return "", false, err
	}
	attr, err := el.Attribute(name)
	if err != nil {
		return "", false, err
	}
	if attr == nil {
		return "", false, nil
	}
	return *attr, true, nil
}

func (p *rodPage) Eval(ctx context.Context, script string) (gson.JSON, error) {
	result, err := p.ctx(ctx).Eval(script)
	if err != nil {
		return gson.New(nil), err
	}
	return result.Value, nil
}

func (p *rodPage) SetFiles(ctx context.Context, selector string, paths []string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.SetFiles(paths)
}

func (p *rodPage) WaitDownload(ctx context.Context) (*Download, error) {
	dir, err := os.MkdirTemp("", "browsergrid-download-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	wait := p.browser.Context(ctx).WaitDownload(dir)
	info := wait()
	if info == nil {
		return nil, ctx.Err()
	}

	data, err := os.ReadFile(filepath.Join(dir, info.GUID))
	if err != nil {
		return nil, fmt.Errorf("failed to read downloaded file: %w", err)
	}
	return &Download{
		Filename: info.SuggestedFilename,
		MIME:     http.DetectContentType(data),
		Data:     data,
	}, nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]Cookie, error) {
	rodCookies, err := p.ctx(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	cookies := make([]Cookie, 0, len(rodCookies))
	for _, c := range rodCookies {
		cookie := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		cookies = append(cookies, cookie)
	}
	return cookies, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, param)
	}
	return p.ctx(ctx).SetCookies(params)
}

func (p *rodPage) DeleteCookies(ctx context.Context, names ...string) error {
	page := p.ctx(ctx)
	for _, name := range names {
		err := proto.NetworkDeleteCookies{Name: name}.Call(page)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *rodPage) ScrollTo(ctx context.Context, x, y float64) error {
	_, err := p.ctx(ctx).Eval(fmt.Sprintf(`() => window.scrollTo(%f, %f)`, x, y))
	return err
}

func (p *rodPage) ScrollElement(ctx context.Context, selector string) error {
	el, err := p.ctx(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.ScrollIntoView()
}

func (p *rodPage) SetViewport(ctx context.Context, vp Viewport) error {
	scale := vp.DeviceScaleFactor
	if scale <= 0 {
		scale = 1
	}
	return p.ctx(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: scale,
		Mobile:            vp.Mobile,
	})
}

func (p *rodPage) SetUserAgent(ctx context.Context, ua string) error {
	return p.ctx(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (p *rodPage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	pairs := make([]string, 0, len(headers)*2)
	for k, v := range headers {
		pairs = append(pairs, k, v)
	}
	_, err := p.ctx(ctx).SetExtraHeaders(pairs)
	return err
}

func (p *rodPage) SetJavaScriptEnabled(ctx context.Context, enabled bool) error {
	return proto.EmulationSetScriptExecutionDisabled{Value: !enabled}.Call(p.ctx(ctx))
}

// resourceTypes maps optimizer resource classes to CDP resource types.
var resourceTypes = map[string]proto.NetworkResourceType{
	"image":      proto.NetworkResourceTypeImage,
	"media":      proto.NetworkResourceTypeMedia,
	"font":       proto.NetworkResourceTypeFont,
	"stylesheet": proto.NetworkResourceTypeStylesheet,
	"script":     proto.NetworkResourceTypeScript,
}

// SetBlockedResourceTypes replaces the page's hijack rules. At most one
// router runs per page; an empty type list stops it.
func (p *rodPage) SetBlockedResourceTypes(ctx context.Context, types []string) error {
	p.hijackMu.Lock()
	defer p.hijackMu.Unlock()

	if p.hijack != nil {
		if err := p.hijack.Stop(); err != nil {
			log.Debug().Err(err).Msg("Failed to stop hijack router")
		}
		p.hijack = nil
	}
	if len(types) == 0 {
		return nil
	}

	router := p.ctx(ctx).HijackRequests()
	for _, t := range types {
		resourceType, ok := resourceTypes[t]
		if !ok {
			continue
		}
		err := router.Add("*", resourceType, func(h *rod.Hijack) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
		})
		if err != nil {
			return fmt.Errorf("failed to block %s resources: %w", t, err)
		}
	}
	go router.Run()
	p.hijack = router
	return nil
}

func (p *rodPage) SetCacheEnabled(ctx context.Context, enabled bool) error {
	return proto.NetworkSetCacheDisabled{CacheDisabled: !enabled}.Call(p.ctx(ctx))
}

func (p *rodPage) Close() error {
	p.hijackMu.Lock()
	if p.hijack != nil {
		_ = p.hijack.Stop()
		p.hijack = nil
	}
	p.hijackMu.Unlock()
	return p.page.Close()
}
