package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TaleweaverLabs/taleweaver/engine/internal/entity"
	"go.uber.org/zap"
)

var (
	errMissingPersister = errors.New("store: persister is required")
	errNilMutation      = errors.New("store: nil mutation callback")
	noOpLogger          = zap.NewNop()
)

// Persister writes the committed snapshot to durable storage and loads it back
// on startup. Save must complete before a mutation is considered committed.
type Persister interface {
	Save(snapshot entity.Snapshot) error
	Load() (entity.Snapshot, bool, error)
}

// Indexer refreshes the auxiliary feed index from a committed snapshot. The
// index is never the source of truth; refresh failures are logged and dropped.
type Indexer interface {
	Refresh(snapshot entity.Snapshot) error
}

// Config describes the dependencies for the entity store.
type Config struct {
	Persister Persister
	Indexer   Indexer
	Logger    *zap.Logger
}

// Store owns the committed entity snapshot. All mutation funnels through
// Update, which treats each call as a critical section over the latest
// committed snapshot. Callers always receive deep copies; no component may
// mutate a read snapshot in place.
type Store struct {
	mu        sync.Mutex
	committed entity.Snapshot
	persister Persister
	indexer   Indexer
	logger    *zap.Logger
}

// New constructs the store, loading the persisted snapshot when one exists.
func New(cfg Config) (*Store, error) {
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	snapshot, found, err := cfg.Persister.Load()
	if err != nil {
		return nil, fmt.Errorf("store: load snapshot: %w", err)
	}
	if !found {
		snapshot = entity.NewSnapshot()
	}

	return &Store{
		committed: snapshot,
		persister: cfg.Persister,
		indexer:   cfg.Indexer,
		logger:    logger,
	}, nil
}

// Read returns a deep copy of the committed snapshot.
func (s *Store) Read() entity.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.Clone()
}

// Update applies the mutation callback atomically relative to other Update
// calls. The callback receives a deep copy of the latest committed snapshot;
// the returned snapshot is persisted and then committed. A persistence
// failure leaves the committed snapshot unchanged.
func (s *Store) Update(mutate func(entity.Snapshot) entity.Snapshot) (entity.Snapshot, error) {
	if mutate == nil {
		return entity.Snapshot{}, errNilMutation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := mutate(s.committed.Clone())
	next.Version = entity.SnapshotVersion
	if err := s.persister.Save(next); err != nil {
		return entity.Snapshot{}, fmt.Errorf("store: persist snapshot: %w", err)
	}
	s.committed = next
	s.refreshIndex(next)
	return next.Clone(), nil
}

// Write replaces the committed snapshot wholesale. Used after import.
func (s *Store) Write(snapshot entity.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := snapshot.Clone()
	next.Version = entity.SnapshotVersion
	if err := s.persister.Save(next); err != nil {
		return fmt.Errorf("store: persist snapshot: %w", err)
	}
	s.committed = next
	s.refreshIndex(next)
	return nil
}

func (s *Store) refreshIndex(snapshot entity.Snapshot) {
	if s.indexer == nil {
		return
	}
	if err := s.indexer.Refresh(snapshot); err != nil {
		s.logger.Warn("feed index refresh failed", zap.Error(err))
	}
}
