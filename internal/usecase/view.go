package usecase

import (
	"github.com/example/cow-check/internal/aggregate"
	"github.com/example/cow-check/internal/predictor"
	"github.com/example/cow-check/internal/session"
)

// NoCowNotice is shown once after a run in which any image had no cow.
const NoCowNotice = "no cow detected in one or more images"

// ItemView is one tile of the session.
type ItemView struct {
	Index      int             `json:"index"`
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Status     session.Status  `json:"status"`
	Label      predictor.Label `json:"label,omitempty"`
	Score      *float64        `json:"score"`
	Confidence *float64        `json:"confidence"`
	Error      string          `json:"error,omitempty"`
}

// View is the presentation model of a session.
type View struct {
	SessionID        string            `json:"session_id"`
	Mode             session.Mode      `json:"mode"`
	Running          bool              `json:"running"`
	LastRunID        string            `json:"last_run_id,omitempty"`
	Items            []ItemView        `json:"items"`
	Aggregate        aggregate.Verdict `json:"aggregate"`
	AggregateMessage string            `json:"aggregate_message,omitempty"`
	Notice           string            `json:"notice,omitempty"`
}

// NewView renders snap. The aggregate is recomputed from the items every time.
func NewView(sessionID, lastRunID string, snap session.Snapshot, notice bool) View {
	items := make([]ItemView, len(snap.Items))
	for i, item := range snap.Items {
		items[i] = ItemView{
			Index:  i,
			ID:     item.ID,
			Name:   item.Name,
			Status: item.Status,
			Label:  item.Label,
			Score:  item.Score,
			Error:  item.Error,
		}
		if c, ok := aggregate.ItemConfidence(item); ok {
			items[i].Confidence = &c
		}
	}

	verdict := aggregate.Pool(snap.Items, snap.Mode)
	v := View{
		SessionID:        sessionID,
		Mode:             snap.Mode,
		Running:          snap.Running,
		LastRunID:        lastRunID,
		Items:            items,
		Aggregate:        verdict,
		AggregateMessage: verdict.Message(),
	}
	if notice {
		v.Notice = NoCowNotice
	}
	return v
}
