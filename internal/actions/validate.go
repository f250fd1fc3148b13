package actions

import (
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Rorqualx/browsergrid/internal/security"
)

// Validation bounds.
const (
	maxTextLength   = 10000
	maxCoordinate   = 10000
	minDragSteps    = 1
	maxDragSteps    = 100
	maxScrollDelta  = 1000
	maxUploadBytes  = 25 << 20 // 25 MiB per file
	maxScriptLength = 64 << 10
)

// allowedURLSchemes are the navigation targets the executor accepts.
var allowedURLSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"about": true,
	"data":  true,
}

// allowedUploadMIMEs gates file uploads by detected content type prefix.
var allowedUploadMIMEs = []string{
	"text/",
	"image/",
	"audio/",
	"video/",
	"application/pdf",
	"application/json",
	"application/zip",
	"application/octet-stream",
}

// ValidationResult lists what is wrong (errors) and what is suspicious
// but tolerated (warnings).
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether dispatch may proceed.
func (r *ValidationResult) OK() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) errf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validator checks actions before dispatch.
type Validator struct {
	// MaxTimeout bounds per-action timeouts.
	MaxTimeout time.Duration
}

// Validate runs the per-type validator. The returned action copy carries
// the sanitized selector; the original is left untouched.
func (v *Validator) Validate(action Action) (Action, *ValidationResult) {
	res := &ValidationResult{}
	out := action

	if action.Selector != "" {
		sanitized, err := security.SanitizeSelector(action.Selector)
		if err != nil {
			res.errf("selector: %v", err)
		} else {
			out.Selector = sanitized
		}
	}
	if action.Timeout < 0 {
		res.errf("timeout must not be negative")
	}
	if v.MaxTimeout > 0 && action.Timeout > v.MaxTimeout {
		res.errf("timeout %s exceeds maximum %s", action.Timeout, v.MaxTimeout)
	}

	switch action.Type {
	case TypeNavigate:
		v.validateURL(action, res)
	case TypeClick, TypeHover, TypeFocus, TypeBlur:
		v.requireSelector(action, res)
		if action.Type == TypeClick && action.ClickCount < 0 {
			res.errf("clickCount must not be negative")
		}
	case TypeType:
		v.requireSelector(action, res)
		if len(action.Text) > maxTextLength {
			res.errf("text length %d exceeds maximum %d", len(action.Text), maxTextLength)
		}
	case TypeSelect:
		v.requireSelector(action, res)
		if len(action.Values) == 0 {
			res.errf("select requires at least one value")
		}
	case TypeKeyboard:
		v.validateKeyboard(action, res)
	case TypeMouse:
		v.validateMouse(action, res)
	case TypeScreenshot:
		v.validateScreenshot(action, res)
	case TypePDF:
		// No required fields.
	case TypeContent:
		v.validateContent(action, res)
	case TypeEvaluate:
		if strings.TrimSpace(action.Script) == "" {
			res.errf("evaluate requires a script")
		} else if len(action.Script) > maxScriptLength {
			res.errf("script length %d exceeds maximum %d", len(action.Script), maxScriptLength)
		}
	case TypeUpload:
		v.validateUpload(action, res)
	case TypeDownload:
		// Triggered by a prior action; nothing to check.
	case TypeCookie:
		v.validateCookie(action, res)
	case TypeWait:
		v.validateWait(action, res)
	case TypeScroll:
		v.validateScroll(action, res)
	default:
		res.errf("unknown action type %q", action.Type)
	}

	return out, res
}

func (v *Validator) requireSelector(action Action, res *ValidationResult) {
	if strings.TrimSpace(action.Selector) == "" {
		res.errf("%s requires a selector", action.Type)
	}
}

func (v *Validator) validateURL(action Action, res *ValidationResult) {
	if action.URL == "" {
		res.errf("navigate requires a url")
		return
	}
	u, err := url.Parse(action.URL)
	if err != nil {
		res.errf("url: %v", err)
		return
	}
	if !u.IsAbs() {
		res.errf("url must be absolute")
		return
	}
	if !allowedURLSchemes[u.Scheme] {
		res.errf("url scheme %q is not allowed", u.Scheme)
	}
}

func (v *Validator) validateKeyboard(action Action, res *ValidationResult) {
	switch action.Mode {
	case ModeKeypress:
		if len(action.Keys) != 1 {
			res.errf("keypress requires exactly one key")
		}
	case ModeCombination, ModeShortcut:
		if len(action.Keys) < 2 {
			res.errf("%s requires at least two keys", action.Mode)
		}
	case ModeKeyType:
		if action.Text == "" {
			res.errf("keyboard type requires text")
		} else if len(action.Text) > maxTextLength {
			res.errf("text length %d exceeds maximum %d", len(action.Text), maxTextLength)
		}
	default:
		res.errf("unknown keyboard mode %q", action.Mode)
	}
}

func (v *Validator) validateMouse(action Action, res *ValidationResult) {
	switch action.Mode {
	case ModeMove, ModeMouseClick:
		checkCoord(res, "x", action.X)
		checkCoord(res, "y", action.Y)
	case ModeDrag:
		checkCoord(res, "x", action.X)
		checkCoord(res, "y", action.Y)
		checkCoord(res, "toX", action.ToX)
		checkCoord(res, "toY", action.ToY)
		if action.Steps < minDragSteps || action.Steps > maxDragSteps {
			res.errf("drag steps %d outside [%d, %d]", action.Steps, minDragSteps, maxDragSteps)
		}
	case ModeMouseScroll, ModeMouseWheel:
		if abs(action.DeltaX) > maxScrollDelta || abs(action.DeltaY) > maxScrollDelta {
			res.errf("scroll delta magnitude exceeds %d", maxScrollDelta)
		}
	default:
		res.errf("unknown mouse mode %q", action.Mode)
	}
}

func (v *Validator) validateScreenshot(action Action, res *ValidationResult) {
	switch action.Format {
	case "", "png", "jpeg", "webp":
	default:
		res.errf("unknown screenshot format %q", action.Format)
	}
	if action.Quality < 0 || action.Quality > 100 {
		res.errf("quality %d outside [0, 100]", action.Quality)
	}
	switch action.Mode {
	case "", ModeFullPage:
	case ModeElement:
		v.requireSelector(action, res)
	case ModeRegion:
		if action.Region == nil {
			res.errf("region screenshot requires a region")
			return
		}
		checkCoord(res, "region.x", action.Region.X)
		checkCoord(res, "region.y", action.Region.Y)
		if action.Region.Width <= 0 || action.Region.Height <= 0 {
			res.errf("region dimensions must be positive")
		}
	default:
		res.errf("unknown screenshot mode %q", action.Mode)
	}
}

func (v *Validator) validateContent(action Action, res *ValidationResult) {
	switch action.Mode {
	case "", ModeHTML:
	case ModeElementHTML, ModeText, ModeValue:
		v.requireSelector(action, res)
	default:
		res.errf("unknown content mode %q", action.Mode)
	}
}

func (v *Validator) validateUpload(action Action, res *ValidationResult) {
	v.requireSelector(action, res)
	if len(action.FilePaths) == 0 {
		res.errf("upload requires at least one file path")
		return
	}
	if len(action.FilePaths) > 1 && !action.Multiple {
		res.errf("multiple files on a single-file input")
	}
	for _, path := range action.FilePaths {
		if !filepath.IsAbs(path) {
			res.errf("file path %q is not absolute", filepath.Base(path))
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			res.errf("file %q is not readable", filepath.Base(path))
			continue
		}
		if info.IsDir() {
			res.errf("file %q is a directory", filepath.Base(path))
			continue
		}
		if info.Size() > maxUploadBytes {
			res.errf("file %q exceeds the size limit", filepath.Base(path))
			continue
		}
		if !uploadMIMEAllowed(path) {
			res.errf("file %q has a disallowed type", filepath.Base(path))
		}
	}
}

func (v *Validator) validateCookie(action Action, res *ValidationResult) {
	switch action.Mode {
	case ModeGet:
	case ModeSet:
		if len(action.Cookies) == 0 {
			res.errf("cookie set requires cookies")
		}
		for _, c := range action.Cookies {
			if c.Name == "" {
				res.errf("cookie with empty name")
			}
		}
	case ModeDelete:
		if len(action.CookieNames) == 0 {
			res.errf("cookie delete requires names")
		}
	default:
		res.errf("unknown cookie mode %q", action.Mode)
	}
}

func (v *Validator) validateWait(action Action, res *ValidationResult) {
	switch action.Mode {
	case ModeSelector:
		v.requireSelector(action, res)
	case ModeTimeout:
		if action.Timeout <= 0 {
			res.errf("wait timeout requires a positive duration")
		}
	case ModeNavigation:
	default:
		res.errf("unknown wait mode %q", action.Mode)
	}
}

func (v *Validator) validateScroll(action Action, res *ValidationResult) {
	switch action.Mode {
	case "", ModePage:
		checkCoord(res, "x", action.X)
		checkCoord(res, "y", action.Y)
	case ModeElement:
		v.requireSelector(action, res)
	default:
		res.errf("unknown scroll mode %q", action.Mode)
	}
}

func checkCoord(res *ValidationResult, name string, value float64) {
	if value < 0 || value > maxCoordinate {
		res.errf("%s %g outside [0, %d]", name, value, maxCoordinate)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func uploadMIMEAllowed(path string) bool {
	mtype := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mtype == "" {
		mtype = "application/octet-stream"
	}
	for _, allowed := range allowedUploadMIMEs {
		if strings.HasPrefix(mtype, allowed) {
			return true
		}
	}
	return false
}
