package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cow-check/internal/classifier"
	"github.com/example/cow-check/internal/imagesource"
	"github.com/example/cow-check/internal/logging"
	"github.com/example/cow-check/internal/repository"
	"github.com/example/cow-check/internal/session"
)

var (
	// ErrNoImages is returned when a pick yields nothing acceptable. The
	// session is left unchanged.
	ErrNoImages = errors.New("no acceptable images")
	// ErrHistoryDisabled is returned when no audit repository is configured.
	ErrHistoryDisabled = errors.New("prediction history is not configured")
)

// AuditRepository defines the persistence operations used for run history.
type AuditRepository interface {
	SaveLogs(ctx context.Context, logs []*repository.PredictionLog) error
	FindByRun(ctx context.Context, userID, runID string) ([]*repository.PredictionLog, error)
	CountByLabel(ctx context.Context, userID string) ([]repository.LabelCount, error)
}

type userSession struct {
	id      string
	store   *session.Store
	lastRun string
}

// SessionService keeps one live session per user and runs classifications
// in the background.
type SessionService struct {
	baseCtx   context.Context
	runner    *classifier.Runner
	audit     AuditRepository
	logger    *zap.Logger
	maxImages int

	mu       sync.Mutex
	sessions map[string]*userSession
	wg       sync.WaitGroup
}

// NewSessionService constructs the service. Background runs use ctx, so
// cancelling it fails whatever items are left. audit may be nil.
func NewSessionService(ctx context.Context, runner *classifier.Runner, audit AuditRepository, maxImages int, logger *zap.Logger) *SessionService {
	if maxImages <= 0 || maxImages > session.MaxItems {
		maxImages = session.MaxItems
	}
	return &SessionService{
		baseCtx:   ctx,
		runner:    runner,
		audit:     audit,
		logger:    logger.Named("session_service"),
		maxImages: maxImages,
		sessions:  make(map[string]*userSession),
	}
}

func (s *SessionService) get(userID string) *userSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.sessions[userID]
	if !ok {
		us = &userSession{id: uuid.NewString(), store: session.NewStore()}
		s.sessions[userID] = us
	}
	return us
}

// View returns the user's session state and consumes any pending notice.
func (s *SessionService) View(userID string) View {
	us := s.get(userID)
	s.mu.Lock()
	lastRun := us.lastRun
	s.mu.Unlock()
	return NewView(us.id, lastRun, us.store.Snapshot(), us.store.TakeNotice())
}

// LoadImages replaces the user's batch with what src yields.
func (s *SessionService) LoadImages(ctx context.Context, userID string, src imagesource.Source) (int, error) {
	us := s.get(userID)
	images, err := src.Pick(ctx, s.maxImages)
	if err != nil {
		return 0, logging.NewOperationError("usecase.load_images", us.id, err)
	}
	if len(images) == 0 {
		return 0, ErrNoImages
	}
	if err := us.store.Load(images); err != nil {
		return 0, err
	}
	logging.WithOperation(s.logger, "usecase.load_images", us.id).Info("images loaded", zap.Int("count", len(images)))
	return len(images), nil
}

// RemoveAt removes one image; out-of-range indices are ignored.
func (s *SessionService) RemoveAt(userID string, index int) error {
	return s.get(userID).store.RemoveAt(index)
}

// ClearAll empties the user's batch.
func (s *SessionService) ClearAll(userID string) error {
	return s.get(userID).store.ClearAll()
}

// SetMode switches between multiple-cows and single-cow presentation.
func (s *SessionService) SetMode(userID, raw string) error {
	mode, err := session.ParseMode(raw)
	if err != nil {
		return err
	}
	return s.get(userID).store.SetMode(mode)
}

// StartRun claims the user's session and classifies it in the background.
// It returns the run id, or session.ErrEmptyBatch / session.ErrRunInProgress.
func (s *SessionService) StartRun(userID string) (string, error) {
	us := s.get(userID)
	batch, err := s.runner.Begin(us.store)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	us.lastRun = batch.RunID()
	s.mu.Unlock()

	hashes := digests(batch.Work())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report := batch.Execute(s.baseCtx)
		s.record(userID, us, report, hashes)
	}()
	return batch.RunID(), nil
}

// Wait blocks until every background run has finished.
func (s *SessionService) Wait() {
	s.wg.Wait()
}

// RunHistory returns the audit records of one of the user's runs.
func (s *SessionService) RunHistory(ctx context.Context, userID, runID string) ([]*repository.PredictionLog, error) {
	if s.audit == nil {
		return nil, ErrHistoryDisabled
	}
	return s.audit.FindByRun(ctx, userID, runID)
}

// LabelSummary counts the user's historical predictions by label.
func (s *SessionService) LabelSummary(ctx context.Context, userID string) ([]repository.LabelCount, error) {
	if s.audit == nil {
		return nil, ErrHistoryDisabled
	}
	return s.audit.CountByLabel(ctx, userID)
}

// digests maps item ids to the sha1 of the bytes that were sent.
func digests(work []session.Work) map[string]string {
	hashes := make(map[string]string, len(work))
	for _, w := range work {
		sum := sha1.Sum(w.Image)
		hashes[w.ID] = hex.EncodeToString(sum[:])
	}
	return hashes
}

func (s *SessionService) record(userID string, us *userSession, report classifier.Report, hashes map[string]string) {
	if s.audit == nil {
		return
	}

	now := time.Now().UTC()
	logs := make([]*repository.PredictionLog, 0, len(report.Results))
	for _, res := range report.Results {
		entry := &repository.PredictionLog{
			RunID:     report.RunID,
			SessionID: us.id,
			UserID:    userID,
			ItemID:    res.ItemID,
			ItemIndex: res.Index,
			Label:     string(res.Outcome.Label),
			Score:     res.Outcome.Score,
			Failed:    res.Failed(),
			SHA1Hash:  hashes[res.ItemID],
			LatencyMs: res.Latency.Milliseconds(),
			CreatedAt: now,
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
		}
		logs = append(logs, entry)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.audit.SaveLogs(ctx, logs); err != nil {
		logging.WithOperation(s.logger, "usecase.record_run", us.id).Error("failed to persist run history", zap.Error(err), zap.String("run_id", report.RunID))
	}
}
