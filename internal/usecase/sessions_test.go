package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cow-check/internal/aggregate"
	"github.com/example/cow-check/internal/classifier"
	"github.com/example/cow-check/internal/imagesource"
	"github.com/example/cow-check/internal/predictor"
	"github.com/example/cow-check/internal/repository"
	"github.com/example/cow-check/internal/session"
)

type stubSource struct {
	images []imagesource.Image
	err    error
	asked  int
}

func (s *stubSource) Pick(ctx context.Context, maxCount int) ([]imagesource.Image, error) {
	s.asked = maxCount
	if s.err != nil {
		return nil, s.err
	}
	if len(s.images) > maxCount {
		return s.images[:maxCount], nil
	}
	return s.images, nil
}

type stubPredictor struct {
	mu      sync.Mutex
	outs    map[string]predictor.Outcome
	errs    map[string]error
	gate    chan struct{}
	entered chan struct{}
}

func (s *stubPredictor) Predict(ctx context.Context, image []byte) (predictor.Outcome, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.errs[string(image)]; ok {
		return predictor.Outcome{}, err
	}
	return s.outs[string(image)], nil
}

type stubAudit struct {
	mu     sync.Mutex
	saved  []*repository.PredictionLog
	counts []repository.LabelCount
}

func (s *stubAudit) SaveLogs(ctx context.Context, logs []*repository.PredictionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, logs...)
	return nil
}

func (s *stubAudit) FindByRun(ctx context.Context, userID, runID string) ([]*repository.PredictionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.PredictionLog
	for _, l := range s.saved {
		if l.UserID == userID && l.RunID == runID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *stubAudit) CountByLabel(ctx context.Context, userID string) ([]repository.LabelCount, error) {
	return s.counts, nil
}

func pics(names ...string) []imagesource.Image {
	out := make([]imagesource.Image, len(names))
	for i, n := range names {
		out[i] = imagesource.Image{Name: n, ContentType: "image/jpeg", Data: []byte(n)}
	}
	return out
}

func newService(p predictor.Client, audit AuditRepository) *SessionService {
	runner := classifier.NewRunner(p, zap.NewNop())
	return NewSessionService(context.Background(), runner, audit, 0, zap.NewNop())
}

func TestLoadImagesAsksForAtMostTen(t *testing.T) {
	svc := newService(&stubPredictor{}, nil)
	src := &stubSource{images: pics("a", "b")}

	n, err := svc.LoadImages(context.Background(), "user-1", src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 || src.asked != session.MaxItems {
		t.Fatalf("expected 2 loaded with limit %d, got %d (limit %d)", session.MaxItems, n, src.asked)
	}
	if got := len(svc.View("user-1").Items); got != 2 {
		t.Fatalf("expected 2 items, got %d", got)
	}
}

func TestLoadImagesEmptyPickKeepsSession(t *testing.T) {
	svc := newService(&stubPredictor{}, nil)
	_, _ = svc.LoadImages(context.Background(), "user-1", &stubSource{images: pics("a")})

	_, err := svc.LoadImages(context.Background(), "user-1", &stubSource{})
	if !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
	if got := len(svc.View("user-1").Items); got != 1 {
		t.Fatalf("expected session unchanged, got %d items", got)
	}
}

func TestSessionsAreIsolatedPerUser(t *testing.T) {
	svc := newService(&stubPredictor{}, nil)
	_, _ = svc.LoadImages(context.Background(), "alice", &stubSource{images: pics("a", "b")})

	if got := len(svc.View("bob").Items); got != 0 {
		t.Fatalf("expected bob's session empty, got %d", got)
	}
	if svc.View("alice").SessionID == svc.View("bob").SessionID {
		t.Fatal("expected distinct session ids")
	}
}

func TestStartRunEmptyBatch(t *testing.T) {
	svc := newService(&stubPredictor{}, nil)
	if _, err := svc.StartRun("user-1"); !errors.Is(err, classifier.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
}

func TestStartRunSingleCowVerdictAndAudit(t *testing.T) {
	p := &stubPredictor{
		outs: map[string]predictor.Outcome{
			"a": predictor.Scored(predictor.LabelGood, 0.9),
			"b": predictor.Scored(predictor.LabelBad, 0.2),
		},
		errs: map[string]error{"c": errors.New("predictor down")},
	}
	audit := &stubAudit{}
	svc := newService(p, audit)
	_, _ = svc.LoadImages(context.Background(), "user-1", &stubSource{images: pics("a", "b", "c")})
	if err := svc.SetMode("user-1", string(session.ModeSingleCow)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	runID, err := svc.StartRun("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.Wait()

	view := svc.View("user-1")
	if view.Running {
		t.Fatal("expected run to be finished")
	}
	if view.LastRunID != runID {
		t.Fatalf("expected last run %s, got %s", runID, view.LastRunID)
	}
	if view.Aggregate.State != aggregate.StateReady || view.Aggregate.Label != predictor.LabelGood {
		t.Fatalf("unexpected aggregate: %+v", view.Aggregate)
	}
	if view.Notice != NoCowNotice {
		t.Fatalf("expected no-cow notice, got %q", view.Notice)
	}
	if again := svc.View("user-1"); again.Notice != "" {
		t.Fatal("expected notice to be shown once")
	}
	if view.Items[2].Status != session.StatusFailed || view.Items[2].Confidence != nil {
		t.Fatalf("unexpected failed tile: %+v", view.Items[2])
	}

	logs, err := svc.RunHistory(context.Background(), "user-1", runID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(logs))
	}
	if !logs[2].Failed || logs[2].Label != string(predictor.LabelNoCowDetected) || logs[2].SHA1Hash == "" {
		t.Fatalf("unexpected audit row: %+v", logs[2])
	}
}

type clearingRecorder struct {
	clear func()
}

func (r *clearingRecorder) ObservePrediction(predictor.Label, bool, time.Duration) {}

func (r *clearingRecorder) ObserveRun(int, int, int, time.Duration) {
	r.clear()
}

func TestAuditHashesSurviveClearAfterRun(t *testing.T) {
	p := &stubPredictor{outs: map[string]predictor.Outcome{"a": predictor.Scored(predictor.LabelBad, 0.1)}}
	audit := &stubAudit{}
	rec := &clearingRecorder{}
	runner := classifier.NewRunner(p, zap.NewNop(), classifier.WithRecorder(rec))
	svc := NewSessionService(context.Background(), runner, audit, 0, zap.NewNop())
	rec.clear = func() { _ = svc.ClearAll("user-1") }

	_, _ = svc.LoadImages(context.Background(), "user-1", &stubSource{images: pics("a")})
	runID, err := svc.StartRun("user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	svc.Wait()

	if got := len(svc.View("user-1").Items); got != 0 {
		t.Fatalf("expected session cleared after run, got %d items", got)
	}
	logs, _ := svc.RunHistory(context.Background(), "user-1", runID)
	sum := sha1.Sum([]byte("a"))
	if len(logs) != 1 || logs[0].SHA1Hash != hex.EncodeToString(sum[:]) {
		t.Fatalf("expected hash of the classified bytes, got %+v", logs)
	}
}

func TestMutationRejectedWhileRunning(t *testing.T) {
	p := &stubPredictor{
		outs:    map[string]predictor.Outcome{"a": predictor.Scored(predictor.LabelGood, 0.7)},
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	svc := newService(p, nil)
	_, _ = svc.LoadImages(context.Background(), "user-1", &stubSource{images: pics("a")})

	if _, err := svc.StartRun("user-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-p.entered

	if err := svc.RemoveAt("user-1", 0); !errors.Is(err, session.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := svc.ClearAll("user-1"); !errors.Is(err, session.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if _, err := svc.StartRun("user-1"); !errors.Is(err, session.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if view := svc.View("user-1"); !view.Running || view.Items[0].Status != session.StatusInFlight {
		t.Fatalf("expected in-flight item during run, got %+v", view)
	}

	close(p.gate)
	svc.Wait()
	if err := svc.RemoveAt("user-1", 0); err != nil {
		t.Fatalf("expected removal after run, got %v", err)
	}
}

func TestHistoryDisabledWithoutRepository(t *testing.T) {
	svc := newService(&stubPredictor{}, nil)
	if _, err := svc.RunHistory(context.Background(), "u", "r"); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
	if _, err := svc.LabelSummary(context.Background(), "u"); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}

func TestSetModeRejectsUnknownMode(t *testing.T) {
	svc := newService(&stubPredictor{}, nil)
	if err := svc.SetMode("user-1", "herd"); !errors.Is(err, session.ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}
