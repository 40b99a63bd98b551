// Package classifier drives a session's items through the predictor.
//
// Items are classified strictly one at a time in index order, and each result
// is written to the store as soon as it arrives so observers see progress in
// order. A failing item never aborts the batch: it is marked failed and read
// as "no cow detected". There are no retries.
package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cow-check/internal/logging"
	"github.com/example/cow-check/internal/predictor"
	"github.com/example/cow-check/internal/session"
)

// ErrEmptyBatch is returned when a run is requested with no images.
var ErrEmptyBatch = session.ErrEmptyBatch

// Store is the part of the session a run mutates.
type Store interface {
	BeginRun() ([]session.Work, error)
	MarkInFlight(id string)
	Complete(id string, out predictor.Outcome)
	Fail(id string, cause error)
	EndRun(notify bool)
}

// Recorder receives per-prediction and per-run observations.
type Recorder interface {
	ObservePrediction(label predictor.Label, failed bool, latency time.Duration)
	ObserveRun(total, failed, noCow int, duration time.Duration)
}

// ItemResult is the outcome of one item within a run.
type ItemResult struct {
	Index   int
	ItemID  string
	Outcome predictor.Outcome
	Err     error
	Latency time.Duration
}

// Failed reports whether the predictor call failed.
func (r ItemResult) Failed() bool {
	return r.Err != nil
}

// Report summarises a finished run.
type Report struct {
	RunID         string
	Total         int
	Completed     int
	Failed        int
	NoCowDetected int
	// Notify is raised when at least one item ended as no cow detected.
	Notify   bool
	Results  []ItemResult
	Duration time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithItemHook registers fn to be called after each item reaches a terminal state.
func WithItemHook(fn func(ItemResult)) Option {
	return func(r *Runner) {
		if fn != nil {
			r.hooks = append(r.hooks, fn)
		}
	}
}

// Runner runs classification batches.
type Runner struct {
	predictor predictor.Client
	logger    *zap.Logger
	recorder  Recorder
	hooks     []func(ItemResult)
}

// NewRunner creates a runner calling p.
func NewRunner(p predictor.Client, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		predictor: p,
		logger:    logger.Named("classifier"),
		recorder:  nopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Batch is a claimed run waiting to execute.
type Batch struct {
	runner *Runner
	store  Store
	work   []session.Work
	runID  string
}

// RunID identifies the batch in logs and audit records.
func (b *Batch) RunID() string {
	return b.runID
}

// Work returns the claimed items in index order.
func (b *Batch) Work() []session.Work {
	return b.work
}

// Begin claims store for a run and resets its items. It fails with
// ErrEmptyBatch or session.ErrRunInProgress without touching the predictor.
func (r *Runner) Begin(store Store) (*Batch, error) {
	work, err := store.BeginRun()
	if err != nil {
		return nil, err
	}
	return &Batch{runner: r, store: store, work: work, runID: uuid.NewString()}, nil
}

// Run classifies every item of store and returns the run report.
func (r *Runner) Run(ctx context.Context, store Store) (Report, error) {
	batch, err := r.Begin(store)
	if err != nil {
		return Report{}, err
	}
	return batch.Execute(ctx), nil
}

// Execute performs the predictor calls. Every item reaches a terminal state;
// once ctx is done the remaining items are failed without being sent.
func (b *Batch) Execute(ctx context.Context) Report {
	r := b.runner
	started := time.Now()
	runLogger := logging.WithOperation(r.logger, "classifier.run", b.runID)
	runLogger.Info("classification run started", zap.Int("items", len(b.work)))

	report := Report{RunID: b.runID, Total: len(b.work), Results: make([]ItemResult, 0, len(b.work))}
	for _, w := range b.work {
		res := b.classify(ctx, w)
		report.Results = append(report.Results, res)

		if res.Failed() {
			report.Failed++
			runLogger.Warn("prediction failed",
				zap.Int("index", w.Index),
				zap.String("item_id", w.ID),
				zap.Error(res.Err),
			)
		} else {
			report.Completed++
		}
		if res.Outcome.Label == predictor.LabelNoCowDetected {
			report.NoCowDetected++
		}
		r.recorder.ObservePrediction(res.Outcome.Label, res.Failed(), res.Latency)
		for _, hook := range r.hooks {
			hook(res)
		}
	}

	report.Notify = report.NoCowDetected > 0
	report.Duration = time.Since(started)
	b.store.EndRun(report.Notify)
	r.recorder.ObserveRun(report.Total, report.Failed, report.NoCowDetected, report.Duration)

	runLogger.Info("classification run finished",
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("no_cow_detected", report.NoCowDetected),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (b *Batch) classify(ctx context.Context, w session.Work) ItemResult {
	res := ItemResult{Index: w.Index, ItemID: w.ID}

	if err := ctx.Err(); err != nil {
		res.Outcome, res.Err = predictor.NoCow(), err
		b.store.Fail(w.ID, err)
		return res
	}

	b.store.MarkInFlight(w.ID)
	start := time.Now()
	out, err := b.predict(ctx, w.Image)
	res.Latency = time.Since(start)
	if err == nil {
		out, err = out.Normalize()
	}
	if err != nil {
		res.Outcome, res.Err = predictor.NoCow(), err
		b.store.Fail(w.ID, err)
		return res
	}

	res.Outcome = out
	b.store.Complete(w.ID, out)
	return res
}

// predict turns a predictor panic into an ordinary item failure.
func (b *Batch) predict(ctx context.Context, image []byte) (out predictor.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("predictor panicked: %v", p)
		}
	}()
	return b.runner.predictor.Predict(ctx, image)
}

type nopRecorder struct{}

func (nopRecorder) ObservePrediction(predictor.Label, bool, time.Duration) {}
func (nopRecorder) ObserveRun(int, int, int, time.Duration)               {}
