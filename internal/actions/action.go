// Package actions is the single entry point for running browser actions:
// validate, resolve the page, dispatch to a typed handler, record the
// outcome. Handlers never panic out of the executor and never log raw
// text, cookie values, or file contents.
package actions

import (
	"time"

	"github.com/Rorqualx/browsergrid/internal/driver"
)

// Type tags an action variant.
type Type string

const (
	TypeNavigate   Type = "navigate"
	TypeClick      Type = "click"
	TypeType       Type = "type"
	TypeSelect     Type = "select"
	TypeKeyboard   Type = "keyboard"
	TypeMouse      Type = "mouse"
	TypeHover      Type = "hover"
	TypeFocus      Type = "focus"
	TypeBlur       Type = "blur"
	TypeScreenshot Type = "screenshot"
	TypePDF        Type = "pdf"
	TypeContent    Type = "content"
	TypeEvaluate   Type = "evaluate"
	TypeUpload     Type = "upload"
	TypeDownload   Type = "download"
	TypeCookie     Type = "cookie"
	TypeWait       Type = "wait"
	TypeScroll     Type = "scroll"
)

// Sub-modes per action type. Mode selects the variant within a type.
const (
	// keyboard
	ModeKeypress    = "keypress"
	ModeCombination = "combination"
	ModeShortcut    = "shortcut"
	ModeKeyType     = "type"

	// mouse
	ModeMove        = "move"
	ModeMouseClick  = "click"
	ModeDrag        = "drag"
	ModeMouseScroll = "scroll"
	ModeMouseWheel  = "wheel"

	// screenshot
	ModeFullPage = "full"
	ModeElement  = "element"
	ModeRegion   = "region"

	// content
	ModeHTML        = "html"
	ModeElementHTML = "elementHtml"
	ModeText        = "text"
	ModeValue       = "value"

	// cookie
	ModeGet    = "get"
	ModeSet    = "set"
	ModeDelete = "delete"

	// wait
	ModeSelector   = "selector"
	ModeTimeout    = "timeout"
	ModeNavigation = "navigation"

	// scroll reuses ModeElement for element targets
	ModePage = "page"
)

// Region is a pixel rectangle for region screenshots.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Action is the tagged request. Which fields are meaningful depends on
// Type and Mode; the validator enforces the per-variant contract.
type Action struct {
	Type Type   `json:"type"`
	Mode string `json:"mode,omitempty"`

	URL      string   `json:"url,omitempty"`
	Selector string   `json:"selector,omitempty"`
	Text     string   `json:"text,omitempty"`
	Values   []string `json:"values,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	Script   string   `json:"script,omitempty"`

	Button     string  `json:"button,omitempty"`
	ClickCount int     `json:"clickCount,omitempty"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	ToX        float64 `json:"toX,omitempty"`
	ToY        float64 `json:"toY,omitempty"`
	Steps      int     `json:"steps,omitempty"`
	DeltaX     float64 `json:"deltaX,omitempty"`
	DeltaY     float64 `json:"deltaY,omitempty"`

	Format  string  `json:"format,omitempty"`
	Quality int     `json:"quality,omitempty"`
	Region  *Region `json:"region,omitempty"`

	FilePaths []string `json:"filePaths,omitempty"`
	// Multiple marks the target input as accepting several files.
	Multiple bool `json:"multiple,omitempty"`

	Cookies     []driver.Cookie `json:"cookies,omitempty"`
	CookieNames []string        `json:"cookieNames,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// ErrorClass buckets failures for the history aggregation.
const (
	ErrClassTimeout    = "timeout"
	ErrClassNetwork    = "network"
	ErrClassPermission = "permission"
	ErrClassValidation = "validation"
	ErrClassNotFound   = "not-found"
	ErrClassOther      = "other"
)

// Result is the recorded outcome of one action. Success implies an empty
// Error; Metadata is sanitized and never carries raw text or secrets.
// Timestamp is the completion time, so the action started at
// Timestamp minus Duration.
type Result struct {
	Success    bool              `json:"success"`
	Type       Type              `json:"type"`
	Data       any               `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorClass string            `json:"errorClass,omitempty"`
	Cancelled  bool              `json:"cancelled,omitempty"`
	Duration   time.Duration     `json:"duration"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
