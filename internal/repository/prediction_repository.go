package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cow-check/internal/logging"
)

// PredictionLog is the audit record of one item within a classification run.
type PredictionLog struct {
	ID        uint      `gorm:"primaryKey"`
	RunID     string    `gorm:"column:run_id;index;size:64"`
	SessionID string    `gorm:"column:session_id;size:64"`
	UserID    string    `gorm:"column:user_id;index;size:64"`
	ItemID    string    `gorm:"column:item_id;size:64"`
	ItemIndex int       `gorm:"column:item_index"`
	Label     string    `gorm:"column:label;size:32"`
	Score     *float64  `gorm:"column:score"`
	Failed    bool      `gorm:"column:failed"`
	Error     string    `gorm:"column:error;type:text"`
	SHA1Hash  string    `gorm:"column:sha1_hash;size:40;index"`
	LatencyMs int64     `gorm:"column:latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// LabelCount is one row of the per-label summary.
type LabelCount struct {
	Label string `gorm:"column:label"`
	Count int64  `gorm:"column:count"`
}

// PredictionRepository persists prediction audit logs.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a repository over db.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
	})
}

// SaveLogs inserts the logs of one run in a single batch.
func (r *PredictionRepository) SaveLogs(ctx context.Context, logs []*PredictionLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.executeWithRetry(ctx, "repository.save_logs", logs[0].SessionID, func() error {
		return r.db.WithContext(ctx).Create(&logs).Error
	})
}

// FindByRun returns the logs of a run owned by userID in item order.
func (r *PredictionRepository) FindByRun(ctx context.Context, userID, runID string) ([]*PredictionLog, error) {
	var logs []*PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_run", "", func() error {
		return r.db.WithContext(ctx).
			Where("run_id = ? AND user_id = ?", runID, userID).
			Order("item_index ASC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// CountByLabel summarises all predictions of userID by label.
func (r *PredictionRepository) CountByLabel(ctx context.Context, userID string) ([]LabelCount, error) {
	var counts []LabelCount
	err := r.executeWithRetry(ctx, "repository.count_by_label", "", func() error {
		return r.db.WithContext(ctx).
			Model(&PredictionLog{}).
			Select("label, COUNT(*) AS count").
			Where("user_id = ?", userID).
			Group("label").
			Order("label").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
