// Package driver abstracts the browser automation protocol behind a small
// facade. The pool and the action executor only see these interfaces; the
// concrete implementation (rod/CDP) lives in rod.go and a scriptable fake
// for tests lives in fake.go.
package driver

import (
	"context"
	"time"

	"github.com/ysmood/gson"
)

// Driver launches browser processes.
type Driver interface {
	// Launch starts a browser process and connects to it. The returned
	// Browser is ready for page creation.
	Launch(ctx context.Context, opts LaunchOptions) (Browser, error)
}

// LaunchOptions configure a browser launch.
type LaunchOptions struct {
	Headless    bool
	BrowserPath string
	ProxyURL    string
}

// Browser is a running browser process.
type Browser interface {
	// Version returns the browser version string. Used as the liveness ping
	// by the health monitor.
	Version(ctx context.Context) (string, error)

	// NewPage opens a blank page.
	NewPage(ctx context.Context) (Page, error)

	// Close terminates the browser process and all its pages.
	Close() error
}

// MouseButton identifies a mouse button for click operations.
type MouseButton string

// Mouse buttons.
const (
	MouseLeft   MouseButton = "left"
	MouseMiddle MouseButton = "middle"
	MouseRight  MouseButton = "right"
)

// ScreenshotOptions configure a screenshot capture.
type ScreenshotOptions struct {
	Format   string // png, jpeg, webp
	Quality  int    // 0-100, jpeg/webp only
	FullPage bool
	Selector string // element capture when set
	// Region capture when width/height are non-zero.
	X, Y, Width, Height float64
}

// PDFOptions configure PDF rendering.
type PDFOptions struct {
	Landscape       bool
	PrintBackground bool
	Scale           float64
	PaperWidth      float64 // inches
	PaperHeight     float64 // inches
	PageRanges      string
}

// Cookie is a browser cookie in canonical form.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	SameSite string    `json:"sameSite,omitempty"`
}

// Viewport describes page dimensions.
type Viewport struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Mobile            bool
}

// Download describes a completed download capture.
type Download struct {
	Filename string
	MIME     string
	Data     []byte
}

// Page is the single executable surface actions run on. Every blocking
// method accepts a context carrying the caller's deadline.
type Page interface {
	// Navigation
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	WaitNavigation(ctx context.Context) error
	WaitIdle(ctx context.Context, timeout time.Duration) error
	WaitSelector(ctx context.Context, selector string) error

	// Element interaction
	Click(ctx context.Context, selector string, button MouseButton, clickCount int) error
	Type(ctx context.Context, selector, text string) error
	SelectOptions(ctx context.Context, selector string, values []string) error
	Hover(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Blur(ctx context.Context, selector string) error

	// Keyboard
	Press(ctx context.Context, keys []string) error
	InsertText(ctx context.Context, text string) error

	// Mouse
	MouseMove(ctx context.Context, x, y float64) error
	MouseClick(ctx context.Context, x, y float64, button MouseButton) error
	MouseScroll(ctx context.Context, deltaX, deltaY float64) error

	// Capture
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)

	// Content extraction
	HTML(ctx context.Context) (string, error)
	ElementHTML(ctx context.Context, selector string) (string, error)
	ElementText(ctx context.Context, selector string) (string, error)
	ElementValue(ctx context.Context, selector string) (string, error)
	ElementAttribute(ctx context.Context, selector, name string) (string, bool, error)

	// Scripting
	Eval(ctx context.Context, script string) (gson.JSON, error)

	// Files
	SetFiles(ctx context.Context, selector string, paths []string) error
	WaitDownload(ctx context.Context) (*Download, error)

	// Cookies
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	DeleteCookies(ctx context.Context, names ...string) error

	// Scrolling
	ScrollTo(ctx context.Context, x, y float64) error
	ScrollElement(ctx context.Context, selector string) error

	// Environment (applied from context capabilities and optimizer hints)
	SetViewport(ctx context.Context, vp Viewport) error
	SetUserAgent(ctx context.Context, ua string) error
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	SetJavaScriptEnabled(ctx context.Context, enabled bool) error
	// SetBlockedResourceTypes replaces the blocked set; an empty list
	// removes all blocking rules.
	SetBlockedResourceTypes(ctx context.Context, types []string) error
	SetCacheEnabled(ctx context.Context, enabled bool) error

	Close() error
}
