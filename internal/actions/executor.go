package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/breaker"
	"github.com/Rorqualx/browsergrid/internal/driver"
	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/metrics"
	"github.com/Rorqualx/browsergrid/internal/pages"
)

// ExecutorOptions wire the executor's collaborators.
type ExecutorOptions struct {
	Pages    *pages.Manager
	Breakers *breaker.Registry
	// MaxTimeout bounds per-action timeouts during validation.
	MaxTimeout time.Duration
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Executor validates, dispatches, and records typed browser actions.
// Execute never returns an error; every outcome, including validation
// failures and open breakers, is folded into the Result.
type Executor struct {
	pages     *pages.Manager
	breakers  *breaker.Registry
	validator Validator
	history   *History
	optimizer *Optimizer
	clock     func() time.Time
}

func NewExecutor(opts ExecutorOptions) *Executor {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	history := NewHistory()
	return &Executor{
		pages:     opts.Pages,
		breakers:  opts.Breakers,
		validator: Validator{MaxTimeout: opts.MaxTimeout},
		history:   history,
		optimizer: NewOptimizer(history),
		clock:     clock,
	}
}

// History exposes the recorded outcomes for stats queries.
func (e *Executor) History() *History { return e.history }

// Execute runs one action on the page owned by (sessionID, contextID).
func (e *Executor) Execute(ctx context.Context, sessionID, contextID string, action Action) *Result {
	start := e.clock()

	validated, vres := e.validator.Validate(action)
	if !vres.OK() {
		return e.finish(sessionID, contextID, action, start, nil, Hints{},
			errdefs.New(errdefs.KindValidation, "ACTION_INVALID", strings.Join(vres.Errors, "; "), nil))
	}
	for _, warn := range vres.Warnings {
		log.Warn().
			Str("session_id", sessionID).
			Str("action", string(action.Type)).
			Str("warning", warn).
			Msg("action validation warning")
	}

	hints := e.optimizer.Hints(sessionID, contextID, validated)

	// Per-action timeout; wait-for-timeout keeps the caller's deadline
	// since the wait itself is the duration.
	if validated.Timeout > 0 && !(validated.Type == TypeWait && validated.Mode == ModeTimeout) {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, validated.Timeout)
		defer cancel()
	}

	var data any
	err := e.pages.WithPage(ctx, sessionID, contextID, func(page driver.Page) error {
		revert := applyHints(ctx, page, hints)
		defer revert()

		b := e.breakers.Get("page." + string(validated.Type))
		return b.Execute(ctx, func(ctx context.Context) error {
			var herr error
			data, herr = handlers[validated.Type](ctx, page, validated)
			return herr
		})
	})

	return e.finish(sessionID, contextID, validated, start, data, hints, err)
}

// Stats aggregates the recorded history for one context.
func (e *Executor) Stats(sessionID, contextID string) HistoryStats {
	return e.history.Stats(sessionID, contextID)
}

// CloseContext tears down the page and drops its history.
func (e *Executor) CloseContext(sessionID, contextID string) error {
	err := e.pages.CloseContext(sessionID, contextID)
	e.history.Drop(sessionID, contextID)
	return err
}

// EndSession tears down every context and drops the session's history.
func (e *Executor) EndSession(sessionID string) error {
	err := e.pages.EndSession(sessionID)
	e.history.DropSession(sessionID)
	return err
}

func (e *Executor) finish(sessionID, contextID string, action Action, start time.Time, data any, hints Hints, err error) *Result {
	end := e.clock()
	duration := end.Sub(start)

	result := &Result{
		Type:      action.Type,
		Data:      data,
		Duration:  duration,
		Timestamp: end,
		Metadata:  map[string]string{},
	}
	if action.Mode != "" {
		result.Metadata["mode"] = action.Mode
	}
	result.Metadata["performanceScore"] = fmt.Sprintf("%.2f", e.optimizer.Score(hints, duration))

	status := "success"
	if err != nil {
		status = "error"
		result.Success = false
		result.Error = errdefs.AsError(err).Message
		result.ErrorClass = classifyError(err)
		result.Cancelled = errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		log.Debug().
			Err(err).
			Str("session_id", sessionID).
			Str("context_id", contextID).
			Str("action", string(action.Type)).
			Str("class", result.ErrorClass).
			Msg("action failed")
	} else {
		result.Success = true
	}

	metrics.RecordAction(string(action.Type), status, duration)
	e.history.Record(sessionID, contextID, HistoryEntry{
		Type:       action.Type,
		Success:    result.Success,
		ErrorClass: result.ErrorClass,
		Duration:   duration,
		Timestamp:  start,
	})
	return result
}

// applyHints tweaks the page per the optimizer and returns the revert.
// Hint failures are logged and ignored; the action still runs.
func applyHints(ctx context.Context, page driver.Page, hints Hints) func() {
	var reverts []func()
	if len(hints.BlockResourceTypes) > 0 {
		if err := page.SetBlockedResourceTypes(ctx, hints.BlockResourceTypes); err == nil {
			reverts = append(reverts, func() { _ = page.SetBlockedResourceTypes(ctx, nil) })
		} else {
			log.Debug().Err(err).Msg("resource blocking hint not applied")
		}
	}
	if hints.DisableJavaScript {
		if err := page.SetJavaScriptEnabled(ctx, false); err == nil {
			reverts = append(reverts, func() { _ = page.SetJavaScriptEnabled(ctx, true) })
		}
	}
	if !hints.KeepCache {
		if err := page.SetCacheEnabled(ctx, false); err == nil {
			reverts = append(reverts, func() { _ = page.SetCacheEnabled(ctx, true) })
		}
	}
	return func() {
		for i := len(reverts) - 1; i >= 0; i-- {
			reverts[i]()
		}
	}
}

// classifyError buckets a failure for the history breakdown.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errdefs.ErrPoolTimeout):
		return ErrClassTimeout
	case errors.Is(err, errdefs.ErrSessionNotFound),
		errors.Is(err, errdefs.ErrSessionExpired),
		errors.Is(err, errdefs.ErrContextNotFound),
		errors.Is(err, errdefs.ErrPageNotFound):
		return ErrClassNotFound
	}
	var e *errdefs.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case errdefs.KindValidation:
			return ErrClassValidation
		case errdefs.KindNetwork:
			return ErrClassNetwork
		case errdefs.KindAuthorization, errdefs.KindSecurity:
			return ErrClassPermission
		}
	}
	return ErrClassOther
}
