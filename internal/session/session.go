// Package session holds the live batch of images under classification.
//
// The Store is the single owner of item state. Structural changes (Load,
// RemoveAt, ClearAll) are rejected with ErrRunInProgress while a
// classification run holds the store; mode changes are always allowed.
// Label and score projections stay index-aligned with the item list at every
// observable point.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/example/cow-check/internal/imagesource"
	"github.com/example/cow-check/internal/predictor"
)

// MaxItems is the largest batch a session holds.
const MaxItems = imagesource.MaxImages

var (
	ErrRunInProgress = errors.New("classification run in progress")
	ErrEmptyBatch    = errors.New("no images to classify")
	ErrInvalidMode   = errors.New("invalid session mode")
)

// Status is the lifecycle state of one item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the item has finished for the current run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Mode switches between per-image and pooled presentation.
type Mode string

const (
	ModeMultipleCows Mode = "multiple_cows"
	ModeSingleCow    Mode = "single_cow"
)

// ParseMode validates a mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeMultipleCows, ModeSingleCow:
		return Mode(raw), nil
	}
	return "", ErrInvalidMode
}

// Item is one submitted image and its classification state. Label is empty
// until the item is terminal.
type Item struct {
	ID          string
	Name        string
	ContentType string
	Image       []byte
	Status      Status
	Label       predictor.Label
	Score       *float64
	Error       string
}

// Work is the part of an item a run needs.
type Work struct {
	Index int
	ID    string
	Image []byte
}

// Snapshot is a detached copy of the store.
type Snapshot struct {
	Items   []Item
	Mode    Mode
	Running bool
}

// Store is the live session.
type Store struct {
	mu      sync.RWMutex
	items   []Item
	mode    Mode
	running bool
	notice  bool
}

// NewStore returns an empty session in multiple-cows mode.
func NewStore() *Store {
	return &Store{mode: ModeMultipleCows}
}

// Load replaces the batch with fresh pending items.
func (s *Store) Load(images []imagesource.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}

	if len(images) > MaxItems {
		images = images[:MaxItems]
	}
	items := make([]Item, len(images))
	for i, img := range images {
		data := make([]byte, len(img.Data))
		copy(data, img.Data)
		items[i] = Item{
			ID:          uuid.NewString(),
			Name:        img.Name,
			ContentType: img.ContentType,
			Image:       data,
			Status:      StatusPending,
		}
	}
	s.items = items
	s.notice = false
	return nil
}

// RemoveAt drops the item at index. An out-of-range index is ignored.
func (s *Store) RemoveAt(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	if index < 0 || index >= len(s.items) {
		return nil
	}
	s.items = append(s.items[:index:index], s.items[index+1:]...)
	return nil
}

// ClearAll empties the batch.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunInProgress
	}
	s.items = nil
	s.notice = false
	return nil
}

// SetMode switches the presentation mode.
func (s *Store) SetMode(mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

// Mode returns the current mode.
func (s *Store) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Len returns the number of items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Running reports whether a run holds the store.
func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Item, len(s.items))
	for i, item := range s.items {
		items[i] = item
		if item.Score != nil {
			score := *item.Score
			items[i].Score = &score
		}
	}
	return Snapshot{Items: items, Mode: s.mode, Running: s.running}
}

// Labels projects item labels in index order.
func (s *Store) Labels() []predictor.Label {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make([]predictor.Label, len(s.items))
	for i, item := range s.items {
		labels[i] = item.Label
	}
	return labels
}

// Scores projects item scores in index order.
func (s *Store) Scores() []*float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := make([]*float64, len(s.items))
	for i, item := range s.items {
		if item.Score != nil {
			score := *item.Score
			scores[i] = &score
		}
	}
	return scores
}

// BeginRun claims the store for a classification run, resets every item to
// pending and returns the work list in index order.
func (s *Store) BeginRun() ([]Work, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, ErrRunInProgress
	}
	if len(s.items) == 0 {
		return nil, ErrEmptyBatch
	}

	work := make([]Work, len(s.items))
	for i := range s.items {
		s.items[i].Status = StatusPending
		s.items[i].Label = ""
		s.items[i].Score = nil
		s.items[i].Error = ""
		work[i] = Work{Index: i, ID: s.items[i].ID, Image: s.items[i].Image}
	}
	s.running = true
	s.notice = false
	return work, nil
}

// MarkInFlight flags the item as awaiting the predictor.
func (s *Store) MarkInFlight(id string) {
	s.update(id, func(item *Item) {
		item.Status = StatusInFlight
	})
}

// Complete records a successful prediction.
func (s *Store) Complete(id string, out predictor.Outcome) {
	s.update(id, func(item *Item) {
		item.Status = StatusCompleted
		item.Label = out.Label
		item.Score = nil
		if out.Label != predictor.LabelNoCowDetected && out.Score != nil {
			score := *out.Score
			item.Score = &score
		}
		item.Error = ""
	})
}

// Fail records a failed prediction. Failures read as "no cow detected".
func (s *Store) Fail(id string, cause error) {
	s.update(id, func(item *Item) {
		item.Status = StatusFailed
		item.Label = predictor.LabelNoCowDetected
		item.Score = nil
		if cause != nil {
			item.Error = cause.Error()
		}
	})
}

// EndRun releases the store and records whether a no-cow notice is due.
func (s *Store) EndRun(notify bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.notice = notify
}

// TakeNotice returns the pending no-cow notice and clears it.
func (s *Store) TakeNotice() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	notice := s.notice
	s.notice = false
	return notice
}

func (s *Store) update(id string, fn func(*Item)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			fn(&s.items[i])
			return
		}
	}
}
