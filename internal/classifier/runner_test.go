package classifier

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cow-check/internal/imagesource"
	"github.com/example/cow-check/internal/predictor"
	"github.com/example/cow-check/internal/session"
)

type scriptedResponse struct {
	out   predictor.Outcome
	err   error
	panic bool
}

// scriptedPredictor answers by image content and snapshots the store on each call.
type scriptedPredictor struct {
	mu        sync.Mutex
	responses map[string]scriptedResponse
	store     *session.Store
	calls     []string
	snapshots []session.Snapshot
}

func (p *scriptedPredictor) Predict(ctx context.Context, image []byte) (predictor.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, string(image))
	if p.store != nil {
		p.snapshots = append(p.snapshots, p.store.Snapshot())
	}
	resp := p.responses[string(image)]
	if resp.panic {
		panic("model exploded")
	}
	return resp.out, resp.err
}

type recordingRecorder struct {
	predictions int
	failures    int
	runs        int
}

func (r *recordingRecorder) ObservePrediction(_ predictor.Label, failed bool, _ time.Duration) {
	r.predictions++
	if failed {
		r.failures++
	}
}

func (r *recordingRecorder) ObserveRun(int, int, int, time.Duration) {
	r.runs++
}

func load(t *testing.T, store *session.Store, names ...string) {
	t.Helper()
	imgs := make([]imagesource.Image, len(names))
	for i, name := range names {
		imgs[i] = imagesource.Image{Name: name, Data: []byte(name)}
	}
	if err := store.Load(imgs); err != nil {
		t.Fatalf("failed to load: %v", err)
	}
}

func TestRunEmptyBatchMakesNoCalls(t *testing.T) {
	store := session.NewStore()
	p := &scriptedPredictor{}
	runner := NewRunner(p, zap.NewNop())

	_, err := runner.Run(context.Background(), store)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("expected no predictor calls, got %d", len(p.calls))
	}
	if store.Running() {
		t.Fatal("expected store to stay unclaimed")
	}
}

func TestRunFailureIsAbsorbedPerItem(t *testing.T) {
	store := session.NewStore()
	load(t, store, "cow-0", "cow-1")
	p := &scriptedPredictor{responses: map[string]scriptedResponse{
		"cow-0": {out: predictor.Scored(predictor.LabelGood, 0.9)},
		"cow-1": {err: errors.New("connection reset")},
	}}
	rec := &recordingRecorder{}
	runner := NewRunner(p, zap.NewNop(), WithRecorder(rec))

	report, err := runner.Run(context.Background(), store)
	if err != nil {
		t.Fatalf("expected run to succeed, got %v", err)
	}

	items := store.Snapshot().Items
	if items[0].Status != session.StatusCompleted || items[0].Label != predictor.LabelGood || *items[0].Score != 0.9 {
		t.Fatalf("unexpected item 0: %+v", items[0])
	}
	if items[1].Status != session.StatusFailed || items[1].Label != predictor.LabelNoCowDetected || items[1].Score != nil {
		t.Fatalf("unexpected item 1: %+v", items[1])
	}
	if !report.Notify || report.Failed != 1 || report.Completed != 1 || report.NoCowDetected != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !store.TakeNotice() {
		t.Fatal("expected notice flag on store")
	}
	if rec.predictions != 2 || rec.failures != 1 || rec.runs != 1 {
		t.Fatalf("unexpected recorder state: %+v", rec)
	}
	if store.Running() {
		t.Fatal("expected store released after run")
	}
}

func TestRunIsSequentialAndIncremental(t *testing.T) {
	store := session.NewStore()
	load(t, store, "a", "b", "c")
	p := &scriptedPredictor{store: store, responses: map[string]scriptedResponse{
		"a": {out: predictor.Scored(predictor.LabelGood, 0.7)},
		"b": {out: predictor.Scored(predictor.LabelBad, 0.2)},
		"c": {out: predictor.Scored(predictor.LabelGood, 0.6)},
	}}

	report, err := NewRunner(p, zap.NewNop()).Run(context.Background(), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Notify {
		t.Fatal("expected no notice when every image has a cow")
	}

	if got := p.calls; len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("expected index-ordered calls, got %v", got)
	}
	for call, snap := range p.snapshots {
		for i, item := range snap.Items {
			switch {
			case i < call:
				if item.Status != session.StatusCompleted {
					t.Fatalf("call %d: expected item %d completed, got %s", call, i, item.Status)
				}
			case i == call:
				if item.Status != session.StatusInFlight {
					t.Fatalf("call %d: expected item %d in flight, got %s", call, i, item.Status)
				}
			default:
				if item.Status != session.StatusPending {
					t.Fatalf("call %d: expected item %d pending, got %s", call, i, item.Status)
				}
			}
		}
		if !snap.Running {
			t.Fatalf("call %d: expected store to be held by the run", call)
		}
	}
}

func TestRunResetsPreviousResults(t *testing.T) {
	store := session.NewStore()
	load(t, store, "a")
	p := &scriptedPredictor{responses: map[string]scriptedResponse{"a": {err: errors.New("down")}}}
	runner := NewRunner(p, zap.NewNop())
	_, _ = runner.Run(context.Background(), store)

	p.responses["a"] = scriptedResponse{out: predictor.Scored(predictor.LabelBad, 0.4)}
	report, err := runner.Run(context.Background(), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	item := store.Snapshot().Items[0]
	if item.Status != session.StatusCompleted || item.Error != "" || item.Label != predictor.LabelBad {
		t.Fatalf("expected fresh result, got %+v", item)
	}
	if report.Notify {
		t.Fatal("expected notice cleared on successful rerun")
	}
}

func TestRunTreatsInvalidOutcomeAndPanicAsFailure(t *testing.T) {
	store := session.NewStore()
	load(t, store, "weird", "boom", "ok", "nan")
	p := &scriptedPredictor{responses: map[string]scriptedResponse{
		"weird": {out: predictor.Scored(predictor.LabelGood, 3)},
		"boom":  {panic: true},
		"ok":    {out: predictor.NoCow()},
		"nan":   {out: predictor.Scored(predictor.LabelGood, math.NaN())},
	}}

	report, err := NewRunner(p, zap.NewNop()).Run(context.Background(), store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items := store.Snapshot().Items
	if items[0].Status != session.StatusFailed || items[1].Status != session.StatusFailed {
		t.Fatalf("expected invalid and panicking items to fail: %+v %+v", items[0], items[1])
	}
	if items[2].Status != session.StatusCompleted || items[2].Label != predictor.LabelNoCowDetected {
		t.Fatalf("unexpected item 2: %+v", items[2])
	}
	if items[3].Status != session.StatusFailed || items[3].Score != nil {
		t.Fatalf("expected NaN score to fail the item: %+v", items[3])
	}
	if report.NoCowDetected != 4 || report.Failed != 3 || !report.Notify {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunCancelledContextFailsRemainingItems(t *testing.T) {
	store := session.NewStore()
	load(t, store, "a", "b")
	p := &scriptedPredictor{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := NewRunner(p, zap.NewNop()).Run(ctx, store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.calls) != 0 {
		t.Fatalf("expected no calls after cancellation, got %d", len(p.calls))
	}
	for _, item := range store.Snapshot().Items {
		if item.Status != session.StatusFailed {
			t.Fatalf("expected failed item, got %s", item.Status)
		}
	}
	if report.Failed != 2 {
		t.Fatalf("expected 2 failures, got %d", report.Failed)
	}
}

func TestBeginRejectsConcurrentRun(t *testing.T) {
	store := session.NewStore()
	load(t, store, "a")
	runner := NewRunner(&scriptedPredictor{}, zap.NewNop())

	batch, err := runner.Begin(store)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.RunID() == "" {
		t.Fatal("expected run id")
	}
	if _, err := runner.Begin(store); !errors.Is(err, session.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	batch.Execute(context.Background())
	if _, err := runner.Begin(store); err != nil {
		t.Fatalf("expected new run after completion, got %v", err)
	}
}

func TestItemHookSeesEveryResultInOrder(t *testing.T) {
	store := session.NewStore()
	load(t, store, "a", "b")
	p := &scriptedPredictor{responses: map[string]scriptedResponse{
		"a": {out: predictor.Scored(predictor.LabelGood, 0.8)},
		"b": {out: predictor.Scored(predictor.LabelBad, 0.1)},
	}}

	var seen []int
	runner := NewRunner(p, zap.NewNop(), WithItemHook(func(res ItemResult) {
		seen = append(seen, res.Index)
	}))
	if _, err := runner.Run(context.Background(), store); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[0] != 0 || seen[1] != 1 {
		t.Fatalf("unexpected hook order: %v", seen)
	}
}
