package actions

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/Rorqualx/browsergrid/internal/driver"
	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

// handler runs one validated action against a page and returns the
// result payload for Result.Data.
type handler func(ctx context.Context, page driver.Page, action Action) (any, error)

var handlers = map[Type]handler{
	TypeNavigate:   handleNavigate,
	TypeClick:      handleClick,
	TypeType:       handleType,
	TypeSelect:     handleSelect,
	TypeKeyboard:   handleKeyboard,
	TypeMouse:      handleMouse,
	TypeHover:      handleHover,
	TypeFocus:      handleFocus,
	TypeBlur:       handleBlur,
	TypeScreenshot: handleScreenshot,
	TypePDF:        handlePDF,
	TypeContent:    handleContent,
	TypeEvaluate:   handleEvaluate,
	TypeUpload:     handleUpload,
	TypeDownload:   handleDownload,
	TypeCookie:     handleCookie,
	TypeWait:       handleWait,
	TypeScroll:     handleScroll,
}

func handleNavigate(ctx context.Context, page driver.Page, action Action) (any, error) {
	if err := page.Navigate(ctx, action.URL); err != nil {
		return nil, err
	}
	final, err := page.URL(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": final}, nil
}

func handleClick(ctx context.Context, page driver.Page, action Action) (any, error) {
	button := driver.MouseButton(action.Button)
	if button == "" {
		button = driver.MouseLeft
	}
	count := action.ClickCount
	if count == 0 {
		count = 1
	}
	return nil, page.Click(ctx, action.Selector, button, count)
}

func handleType(ctx context.Context, page driver.Page, action Action) (any, error) {
	return nil, page.Type(ctx, action.Selector, action.Text)
}

func handleSelect(ctx context.Context, page driver.Page, action Action) (any, error) {
	return nil, page.SelectOptions(ctx, action.Selector, action.Values)
}

func handleKeyboard(ctx context.Context, page driver.Page, action Action) (any, error) {
	switch action.Mode {
	case ModeKeypress, ModeCombination, ModeShortcut:
		return nil, page.Press(ctx, action.Keys)
	case ModeKeyType:
		return nil, page.InsertText(ctx, action.Text)
	}
	return nil, errdefs.New(errdefs.KindValidation, "UNKNOWN_MODE", fmt.Sprintf("keyboard mode %q", action.Mode), nil)
}

func handleMouse(ctx context.Context, page driver.Page, action Action) (any, error) {
	switch action.Mode {
	case ModeMove:
		return nil, page.MouseMove(ctx, action.X, action.Y)
	case ModeMouseClick:
		button := driver.MouseButton(action.Button)
		if button == "" {
			button = driver.MouseLeft
		}
		return nil, page.MouseClick(ctx, action.X, action.Y, button)
	case ModeDrag:
		return nil, dragMouse(ctx, page, action)
	case ModeMouseScroll, ModeMouseWheel:
		return nil, page.MouseScroll(ctx, action.DeltaX, action.DeltaY)
	}
	return nil, errdefs.New(errdefs.KindValidation, "UNKNOWN_MODE", fmt.Sprintf("mouse mode %q", action.Mode), nil)
}

// dragMouse interpolates the path as a sequence of moves. One step is a
// single move straight to the target.
func dragMouse(ctx context.Context, page driver.Page, action Action) error {
	steps := action.Steps
	if steps == 1 {
		return page.MouseMove(ctx, action.ToX, action.ToY)
	}
	dx := (action.ToX - action.X) / float64(steps)
	dy := (action.ToY - action.Y) / float64(steps)
	for i := 1; i <= steps; i++ {
		x := action.X + dx*float64(i)
		y := action.Y + dy*float64(i)
		if i == steps {
			x, y = action.ToX, action.ToY
		}
		if err := page.MouseMove(ctx, x, y); err != nil {
			return err
		}
	}
	return nil
}

func handleHover(ctx context.Context, page driver.Page, action Action) (any, error) {
	return nil, page.Hover(ctx, action.Selector)
}

func handleFocus(ctx context.Context, page driver.Page, action Action) (any, error) {
	return nil, page.Focus(ctx, action.Selector)
}

func handleBlur(ctx context.Context, page driver.Page, action Action) (any, error) {
	return nil, page.Blur(ctx, action.Selector)
}

func handleScreenshot(ctx context.Context, page driver.Page, action Action) (any, error) {
	opts := driver.ScreenshotOptions{
		Format:   action.Format,
		Quality:  action.Quality,
		FullPage: action.Mode == "" || action.Mode == ModeFullPage,
	}
	if action.Mode == ModeElement {
		opts.Selector = action.Selector
	}
	if action.Mode == ModeRegion && action.Region != nil {
		opts.X = action.Region.X
		opts.Y = action.Region.Y
		opts.Width = action.Region.Width
		opts.Height = action.Region.Height
	}
	data, err := page.Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"format": firstNonEmpty(action.Format, "png"),
		"data":   base64.StdEncoding.EncodeToString(data),
		"size":   len(data),
	}, nil
}

func handlePDF(ctx context.Context, page driver.Page, action Action) (any, error) {
	data, err := page.PDF(ctx, driver.PDFOptions{PrintBackground: true})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"data": base64.StdEncoding.EncodeToString(data),
		"size": len(data),
	}, nil
}

func handleContent(ctx context.Context, page driver.Page, action Action) (any, error) {
	var (
		value string
		err   error
	)
	switch action.Mode {
	case "", ModeHTML:
		value, err = page.HTML(ctx)
	case ModeElementHTML:
		value, err = page.ElementHTML(ctx, action.Selector)
	case ModeText:
		value, err = page.ElementText(ctx, action.Selector)
	case ModeValue:
		value, err = page.ElementValue(ctx, action.Selector)
	default:
		return nil, errdefs.New(errdefs.KindValidation, "UNKNOWN_MODE", fmt.Sprintf("content mode %q", action.Mode), nil)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"content": value, "length": len(value)}, nil
}

func handleEvaluate(ctx context.Context, page driver.Page, action Action) (any, error) {
	result, err := page.Eval(ctx, action.Script)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": result.Val()}, nil
}

func handleUpload(ctx context.Context, page driver.Page, action Action) (any, error) {
	if err := page.SetFiles(ctx, action.Selector, action.FilePaths); err != nil {
		return nil, err
	}
	return map[string]any{"files": len(action.FilePaths)}, nil
}

func handleDownload(ctx context.Context, page driver.Page, action Action) (any, error) {
	dl, err := page.WaitDownload(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"filename": dl.Filename,
		"mime":     dl.MIME,
		"data":     base64.StdEncoding.EncodeToString(dl.Data),
		"size":     len(dl.Data),
	}, nil
}

func handleCookie(ctx context.Context, page driver.Page, action Action) (any, error) {
	switch action.Mode {
	case ModeGet:
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"cookies": cookies}, nil
	case ModeSet:
		return nil, page.SetCookies(ctx, action.Cookies)
	case ModeDelete:
		return nil, page.DeleteCookies(ctx, action.CookieNames...)
	}
	return nil, errdefs.New(errdefs.KindValidation, "UNKNOWN_MODE", fmt.Sprintf("cookie mode %q", action.Mode), nil)
}

func handleWait(ctx context.Context, page driver.Page, action Action) (any, error) {
	switch action.Mode {
	case ModeSelector:
		return nil, page.WaitSelector(ctx, action.Selector)
	case ModeTimeout:
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(action.Timeout):
			return nil, nil
		}
	case ModeNavigation:
		return nil, page.WaitNavigation(ctx)
	}
	return nil, errdefs.New(errdefs.KindValidation, "UNKNOWN_MODE", fmt.Sprintf("wait mode %q", action.Mode), nil)
}

func handleScroll(ctx context.Context, page driver.Page, action Action) (any, error) {
	switch action.Mode {
	case "", ModePage:
		return nil, page.ScrollTo(ctx, action.X, action.Y)
	case ModeElement:
		return nil, page.ScrollElement(ctx, action.Selector)
	}
	return nil, errdefs.New(errdefs.KindValidation, "UNKNOWN_MODE", fmt.Sprintf("scroll mode %q", action.Mode), nil)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
