// Package aggregate computes pooled verdicts from session items. Everything
// here is a pure function of its inputs and is recomputed on every read.
package aggregate

import (
	"github.com/example/cow-check/internal/predictor"
	"github.com/example/cow-check/internal/session"
)

// State describes what the pooled verdict can currently say.
type State string

const (
	// StateNotApplicable is reported in multiple-cows mode.
	StateNotApplicable State = "not_applicable"
	// StateEmpty means there are no items.
	StateEmpty State = "empty"
	// StateComputing means no score is in yet and items are still running.
	StateComputing State = "computing"
	// StateNoValid means every item finished without a usable score.
	StateNoValid State = "no_valid"
	// StateReady carries a label and confidence.
	StateReady State = "ready"
)

// Threshold is the mean score at and above which the pooled label is good.
const Threshold = 0.5

// Verdict is the single-cow conclusion over the batch.
type Verdict struct {
	State      State           `json:"state"`
	Label      predictor.Label `json:"label,omitempty"`
	Confidence float64         `json:"confidence,omitempty"`
	Average    float64         `json:"average,omitempty"`
	Scored     int             `json:"scored"`
}

// Message renders the verdict state for humans.
func (v Verdict) Message() string {
	switch v.State {
	case StateComputing:
		return "computing"
	case StateNoValid:
		return "no valid aggregate: no cow detected in any image"
	case StateEmpty:
		return "no images"
	case StateNotApplicable:
		return ""
	}
	if v.Label == predictor.LabelGood {
		return "good conformation"
	}
	return "bad conformation"
}

// Pool averages the good/bad scores of items. Ties at Threshold resolve to good.
func Pool(items []session.Item, mode session.Mode) Verdict {
	if mode != session.ModeSingleCow {
		return Verdict{State: StateNotApplicable}
	}
	if len(items) == 0 {
		return Verdict{State: StateEmpty}
	}

	var (
		sum     float64
		scored  int
		pending bool
	)
	for _, item := range items {
		if !item.Status.Terminal() {
			pending = true
		}
		if score, ok := usableScore(item); ok {
			sum += score
			scored++
		}
	}

	if scored == 0 {
		if pending {
			return Verdict{State: StateComputing}
		}
		return Verdict{State: StateNoValid}
	}

	avg := sum / float64(scored)
	label, confidence := labelFor(avg)
	return Verdict{
		State:      StateReady,
		Label:      label,
		Confidence: confidence,
		Average:    avg,
		Scored:     scored,
	}
}

// ItemConfidence is the per-tile confidence percentage. It is undefined for
// items without a good/bad label and score.
func ItemConfidence(item session.Item) (float64, bool) {
	score, ok := usableScore(item)
	if !ok {
		return 0, false
	}
	if item.Label == predictor.LabelGood {
		return score * 100, true
	}
	return (1 - score) * 100, true
}

func usableScore(item session.Item) (float64, bool) {
	if item.Score == nil {
		return 0, false
	}
	if item.Label != predictor.LabelGood && item.Label != predictor.LabelBad {
		return 0, false
	}
	return *item.Score, true
}

func labelFor(avg float64) (predictor.Label, float64) {
	if avg >= Threshold {
		return predictor.LabelGood, avg * 100
	}
	return predictor.LabelBad, (1 - avg) * 100
}
