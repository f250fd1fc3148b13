package actions

import (
	"time"
)

// optimizerSampleSize caps how many recent same-type outcomes feed an
// estimate.
const optimizerSampleSize = 20

// Hints are advisory tweaks applied to a page before an action and
// reverted after. EstimatedDuration may be zero when no history exists.
type Hints struct {
	BlockResourceTypes []string
	DisableJavaScript  bool
	KeepCache          bool
	EstimatedDuration  time.Duration
}

// Optimizer derives hints and performance scores from recent history.
type Optimizer struct {
	history *History
}

func NewOptimizer(history *History) *Optimizer {
	return &Optimizer{history: history}
}

// Hints consults recent same-type outcomes in the same context. Slow
// navigations get resource blocking; content extraction can run with
// scripting off; cache stays on for everything except captures.
func (o *Optimizer) Hints(sessionID, contextID string, action Action) Hints {
	hints := Hints{KeepCache: true}

	recent := o.history.recentDurations(sessionID, contextID, action.Type, optimizerSampleSize)
	hints.EstimatedDuration = meanDuration(recent)

	switch action.Type {
	case TypeNavigate:
		// Block heavy resource types once navigations trend slow.
		if hints.EstimatedDuration > 3*time.Second {
			hints.BlockResourceTypes = []string{"image", "media", "font"}
		}
	case TypeContent:
		if action.Mode == ModeText || action.Mode == ModeValue {
			hints.DisableJavaScript = true
		}
	case TypeScreenshot, TypePDF:
		// Captures must render everything.
		hints.KeepCache = false
	}
	return hints
}

// Score grades an outcome against the estimate as
// 1 - clamp((actual-estimated)/estimated, 0, 1). Finishing at or under
// the estimate scores 1; taking twice as long scores 0. Without an
// estimate the score is 1.
func (o *Optimizer) Score(hints Hints, actual time.Duration) float64 {
	if hints.EstimatedDuration <= 0 {
		return 1
	}
	over := float64(actual-hints.EstimatedDuration) / float64(hints.EstimatedDuration)
	if over < 0 {
		over = 0
	}
	if over > 1 {
		over = 1
	}
	return 1 - over
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}
