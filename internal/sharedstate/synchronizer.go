package sharedstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
)

// Config describes the dependencies of a Synchronizer.
type Config struct {
	// Store is nil when sharing is off or the remote store is not configured.
	Store  stationdata.Store
	UserID string
	Logger *zap.Logger
	// Notice receives the one-time schema remediation text.
	Notice func(message string)
}

// Synchronizer owns the in-memory record collection of the active station and keeps it
// in step with the remote row store.
type Synchronizer struct {
	store  stationdata.Store
	userID string
	logger *zap.Logger
	notice func(string)

	noticeOnce sync.Once

	mu         sync.RWMutex
	station    stations.Station
	collection records.Collection
	uiState    map[string]any
	lastSync   time.Time
}

// New constructs a synchronizer with an empty collection.
func New(cfg Config) *Synchronizer {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		store:      cfg.Store,
		userID:     cfg.UserID,
		logger:     logger,
		notice:     cfg.Notice,
		station:    stations.Default,
		collection: records.Collection{},
		uiState:    map[string]any{},
	}
}

// Enabled reports whether remote calls are possible.
func (s *Synchronizer) Enabled() bool {
	return s.store != nil && s.userID != ""
}

// Station returns the station the collection belongs to.
func (s *Synchronizer) Station() stations.Station {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.station
}

// Records returns a deep copy of the collection.
func (s *Synchronizer) Records() records.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collection.Clone()
}

// UIState returns a copy of the transient UI state kept beside the collection.
func (s *Synchronizer) UIState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.uiState))
	for key, value := range s.uiState {
		out[key] = value
	}
	return out
}

// SetUIState replaces the transient UI state.
func (s *Synchronizer) SetUIState(state map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uiState = make(map[string]any, len(state))
	for key, value := range state {
		s.uiState[key] = value
	}
}

// LastSync returns the time of the last successful pull or push.
func (s *Synchronizer) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Switch makes station active with the given local collection, without remote I/O.
func (s *Synchronizer) Switch(station stations.Station, local records.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.station = station
	s.collection = local.Clone()
}

// Apply replaces the collection with a locally edited one. The editor calls it while
// holding the record's lock.
func (s *Synchronizer) Apply(collection records.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collection = collection.Clone()
}

// Pull replaces the collection with the remote row of station. It reports false when the
// station has no row yet, leaving local state untouched. Failures never alter local state.
func (s *Synchronizer) Pull(ctx context.Context, station stations.Station) (bool, error) {
	if !s.Enabled() {
		return false, &RemoteError{Op: "pull", Class: ClassConfig, Err: ErrNotConfigured}
	}
	snapshot, err := s.store.Get(ctx, station)
	if errors.Is(err, stationdata.ErrNotFound) {
		s.logger.Info("pull found no shared row", zap.String("station", station.String()))
		return false, nil
	}
	if err != nil {
		return false, s.fail("pull", station, err)
	}
	collection, err := records.Decode(snapshot.RecordsJSON)
	if err != nil {
		return false, s.fail("pull", station, err)
	}
	collection.NormalizeStatuses()

	s.mu.Lock()
	s.station = station
	s.collection = collection
	s.lastSync = snapshot.UpdatedAt
	s.mu.Unlock()
	s.logger.Info("pull ok",
		zap.String("station", station.String()),
		zap.Int("records", len(collection)),
		zap.String("updated_by", snapshot.UpdatedBy))
	return true, nil
}

// Push upserts the full collection of station. Concurrent pushes resolve last-write-wins.
func (s *Synchronizer) Push(ctx context.Context, station stations.Station, collection records.Collection) error {
	if !s.Enabled() {
		return &RemoteError{Op: "push", Class: ClassConfig, Err: ErrNotConfigured}
	}
	encoded, err := collection.Encode()
	if err != nil {
		return s.fail("push", station, err)
	}
	snapshot, err := s.store.Put(ctx, station, json.RawMessage(encoded), s.userID)
	if err != nil {
		return s.fail("push", station, err)
	}
	s.mu.Lock()
	s.lastSync = snapshot.UpdatedAt
	s.mu.Unlock()
	s.logger.Info("push ok", zap.String("station", station.String()), zap.Int("records", len(collection)))
	return nil
}

// PushCurrent pushes the active collection.
func (s *Synchronizer) PushCurrent(ctx context.Context) error {
	s.mu.RLock()
	station := s.station
	collection := s.collection.Clone()
	s.mu.RUnlock()
	return s.Push(ctx, station, collection)
}

// Restore replaces the collection and UI state from a backup snapshot.
func (s *Synchronizer) Restore(station stations.Station, collection records.Collection, uiState map[string]any) {
	restored := collection.Clone()
	restored.NormalizeStatuses()
	s.mu.Lock()
	s.station = station
	s.collection = restored
	if uiState != nil {
		s.uiState = make(map[string]any, len(uiState))
		for key, value := range uiState {
			s.uiState[key] = value
		}
	}
	s.mu.Unlock()
	s.logger.Info("restored from backup", zap.String("station", station.String()), zap.Int("records", len(restored)))
}

// TestConnection reads the default station row and reports the failure class, if any.
func (s *Synchronizer) TestConnection(ctx context.Context) (Class, error) {
	if !s.Enabled() {
		return ClassConfig, ErrNotConfigured
	}
	_, err := s.store.Get(ctx, stations.Default)
	if err == nil || errors.Is(err, stationdata.ErrNotFound) {
		s.logger.Info("connection ok")
		return ClassNone, nil
	}
	remoteErr := s.fail("test_connection", stations.Default, err)
	return remoteErr.Class, remoteErr
}

func (s *Synchronizer) fail(op string, station stations.Station, err error) *RemoteError {
	remoteErr := newRemoteError(op, err)
	s.logger.Warn("remote call failed",
		zap.String("op", op),
		zap.String("station", station.String()),
		zap.String("class", string(remoteErr.Class)),
		zap.Error(err))
	if remoteErr.Class == ClassSchema {
		s.noticeOnce.Do(func() {
			if s.notice != nil {
				s.notice(RemediationNotice)
			}
		})
	}
	return remoteErr
}
