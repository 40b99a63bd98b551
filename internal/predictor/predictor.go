// Package predictor defines the remote conformation classifier contract and
// its transports.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Label is the verdict returned for a single image.
type Label string

const (
	LabelGood          Label = "good"
	LabelBad           Label = "bad"
	LabelNoCowDetected Label = "no_cow_detected"
)

var (
	// ErrUnknownLabel is returned when the predictor answers with a label
	// outside good/bad/no cow.
	ErrUnknownLabel = errors.New("unknown prediction label")
	// ErrScoreOutOfRange is returned for scores outside [0,1].
	ErrScoreOutOfRange = errors.New("prediction score out of range")
)

// Outcome is what the predictor reports for one image.
type Outcome struct {
	Label Label    `json:"label"`
	Score *float64 `json:"score"`
}

// Client scores a single image.
type Client interface {
	Predict(ctx context.Context, image []byte) (Outcome, error)
}

// NoCow is the outcome used for "no cow detected" and for failed predictions.
func NoCow() Outcome {
	return Outcome{Label: LabelNoCowDetected}
}

// Scored returns a good/bad outcome for score.
func Scored(label Label, score float64) Outcome {
	return Outcome{Label: label, Score: &score}
}

// Normalize validates o and drops any score attached to a no-cow label.
func (o Outcome) Normalize() (Outcome, error) {
	switch o.Label {
	case LabelGood, LabelBad:
		if o.Score != nil && (math.IsNaN(*o.Score) || *o.Score < 0 || *o.Score > 1) {
			return Outcome{}, fmt.Errorf("%w: %v", ErrScoreOutOfRange, *o.Score)
		}
		if o.Score != nil {
			s := *o.Score
			o.Score = &s
		}
		return o, nil
	case LabelNoCowDetected:
		return NoCow(), nil
	default:
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownLabel, o.Label)
	}
}

// ParseLabel maps the label strings used on the wire to a Label.
func ParseLabel(raw string) (Label, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	switch norm {
	case "good":
		return LabelGood, nil
	case "bad":
		return LabelBad, nil
	case "no cow detected", "no cow", "none":
		return LabelNoCowDetected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLabel, raw)
	}
}
