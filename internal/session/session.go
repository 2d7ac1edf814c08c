package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/backup"
	"github.com/MarcoPoloResearchLab/stationsync/internal/locks"
	"github.com/MarcoPoloResearchLab/stationsync/internal/notify"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/sharedstate"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ErrMissingDependency indicates that a session was built without a required component.
var ErrMissingDependency = errors.New("session: missing dependency")

// NotifyOptions enables the notification scheduler.
type NotifyOptions struct {
	Config      notify.Config
	LastFiredAt *time.Time
	Notifier    notify.Notifier
	Persist     func(time.Time) error
}

// Config wires a Session.
type Config struct {
	Station       stations.Station
	Tracker       *presence.Tracker
	Coordinator   *locks.Coordinator
	Synchronizer  *sharedstate.Synchronizer
	Backups       *backup.Manager
	RetentionDays int
	// Notify is nil when notifications are not scheduled by this session.
	Notify *NotifyOptions
	Clock  func() time.Time
	Logger *zap.Logger
}

// Session is the coordination state of one signed-in client. It replaces process-wide
// globals: everything a station switch or logout must reset lives here.
type Session struct {
	tracker       *presence.Tracker
	coordinator   *locks.Coordinator
	synchronizer  *sharedstate.Synchronizer
	backups       *backup.Manager
	scheduler     *notify.Scheduler
	retentionDays int
	logger        *zap.Logger

	mu      sync.Mutex
	station stations.Station
	local   map[stations.Station]records.Collection
	cancel  context.CancelFunc
	workers *conc.WaitGroup
}

// New validates dependencies. Nothing runs until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Tracker == nil || cfg.Coordinator == nil || cfg.Synchronizer == nil || cfg.Backups == nil {
		return nil, ErrMissingDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	station := cfg.Station
	if !station.Valid() {
		station = stations.Default
	}
	session := &Session{
		tracker:       cfg.Tracker,
		coordinator:   cfg.Coordinator,
		synchronizer:  cfg.Synchronizer,
		backups:       cfg.Backups,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		station:       station,
		local:         make(map[stations.Station]records.Collection, len(stations.All())),
	}
	if cfg.Notify != nil {
		scheduler, err := notify.NewScheduler(notify.SchedulerConfig{
			Config:      cfg.Notify.Config,
			LastFiredAt: cfg.Notify.LastFiredAt,
			Source:      session.AllRecords,
			Notifier:    cfg.Notify.Notifier,
			Persist:     cfg.Notify.Persist,
			Clock:       cfg.Clock,
			Logger:      logger.With(zap.String("component", "notify")),
		})
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		session.scheduler = scheduler
	}
	return session, nil
}

// Start seeds local collections from the newest backups, joins the active station and
// starts lock refresh and the notification scheduler.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.workers = conc.NewWaitGroup()
	for _, station := range stations.All() {
		s.local[station] = s.latestBackup(station)
	}
	station := s.station
	s.mu.Unlock()

	s.enter(runCtx, station)

	s.mu.Lock()
	workers := s.workers
	s.mu.Unlock()
	workers.Go(func() { s.coordinator.Run(runCtx) })
	if s.scheduler != nil {
		s.scheduler.Start(runCtx)
	}
	s.logger.Info("session started", zap.String("station", station.String()))
	return nil
}

// Stop releases held leases, leaves presence and waits for background work.
func (s *Session) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	workers := s.workers
	s.cancel = nil
	s.workers = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.coordinator.CloseAll(ctx)
	s.tracker.Leave()
	cancel()
	workers.Wait()
	s.logger.Info("session stopped")
}

// Station returns the active station.
func (s *Session) Station() stations.Station {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station
}

// SwitchStation releases every lock of the old station, keeps its collection locally and
// joins the new station.
func (s *Session) SwitchStation(ctx context.Context, station stations.Station) error {
	if !station.Valid() {
		return stations.ErrInvalidStation
	}
	s.mu.Lock()
	previous := s.station
	if previous == station {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.coordinator.CloseAll(ctx)
	s.mu.Lock()
	s.local[previous] = s.synchronizer.Records()
	s.station = station
	s.mu.Unlock()

	s.enter(ctx, station)
	s.logger.Info("station switched", zap.String("from", previous.String()), zap.String("to", station.String()))
	return nil
}

// enter activates station: local collection, remote pull, presence join, lock namespace.
func (s *Session) enter(ctx context.Context, station stations.Station) {
	s.mu.Lock()
	local := s.local[station]
	s.mu.Unlock()
	s.synchronizer.Switch(station, local)
	if s.synchronizer.Enabled() {
		if _, err := s.synchronizer.Pull(ctx, station); err != nil {
			s.logger.Warn("initial pull failed; keeping local records", zap.Error(err))
		}
	}
	if err := s.tracker.Join(ctx, station); err != nil {
		s.logger.Warn("presence join failed", zap.Error(err))
	}
	s.coordinator.SetStation(station)
}

// OpenRecord acquires the record's lock for editing. The returned handle must be closed.
func (s *Session) OpenRecord(ctx context.Context, recordID stations.RecordID) (*locks.Handle, error) {
	return s.coordinator.Open(ctx, recordID)
}

// Save applies the edited collection, then snapshots it, prunes old snapshots and pushes.
// Every step runs even when an earlier one fails; the errors are joined.
func (s *Session) Save(ctx context.Context, collection records.Collection, uiState map[string]any) error {
	station := s.Station()
	s.synchronizer.Apply(collection)
	if uiState != nil {
		s.synchronizer.SetUIState(uiState)
	}

	var errs []error
	var cleanupErr error
	if entry, err := s.backups.Snapshot(station, collection, s.synchronizer.UIState()); err != nil {
		s.logger.Warn("backup snapshot failed", zap.Error(err))
		errs = append(errs, err)
		_, cleanupErr = s.backups.Cleanup(s.retentionDays)
	} else {
		_, cleanupErr = s.backups.CleanupKeeping(s.retentionDays, entry)
	}
	if err := cleanupErr; err != nil {
		s.logger.Warn("backup cleanup failed", zap.Error(err))
		errs = append(errs, err)
	}
	if s.synchronizer.Enabled() {
		if err := s.synchronizer.PushCurrent(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pull refreshes the active collection from the remote store.
func (s *Session) Pull(ctx context.Context) (bool, error) {
	return s.synchronizer.Pull(ctx, s.Station())
}

// Records returns the active station's collection.
func (s *Session) Records() records.Collection {
	return s.synchronizer.Records()
}

// AllRecords returns the collections of both stations, the active one live.
func (s *Session) AllRecords() map[stations.Station]records.Collection {
	s.mu.Lock()
	active := s.station
	out := make(map[stations.Station]records.Collection, len(stations.All()))
	for _, station := range stations.All() {
		if station != active {
			out[station] = s.local[station].Clone()
		}
	}
	s.mu.Unlock()
	out[active] = s.synchronizer.Records()
	return out
}

// Indicators returns per-record edit indicators of the active station.
func (s *Session) Indicators() []locks.Indicator {
	return s.coordinator.Indicators()
}

// OnlineNames returns the display names of clients on the active station.
func (s *Session) OnlineNames() []string {
	return s.tracker.OnlineNames()
}

// Alerts streams lock rejection messages.
func (s *Session) Alerts() <-chan string {
	return s.coordinator.Alerts()
}

// Restore replaces the active collection with a backup snapshot. The caller saves to
// publish it.
func (s *Session) Restore(path string) error {
	snapshot, err := s.backups.Read(path)
	if err != nil {
		return err
	}
	s.synchronizer.Restore(s.Station(), snapshot.RecordsByID, snapshot.UIState)
	return nil
}

// ReconfigureNotify re-arms the scheduler after a settings change.
func (s *Session) ReconfigureNotify(cfg notify.Config) {
	if s.scheduler != nil {
		s.scheduler.Reconfigure(cfg)
	}
}

// NextNotification returns the armed notification instant.
func (s *Session) NextNotification() *time.Time {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Next()
}

func (s *Session) latestBackup(station stations.Station) records.Collection {
	snapshot, entry, ok, err := s.backups.Latest(station)
	if err != nil {
		s.logger.Warn("latest backup unreadable", zap.String("path", entry.Path), zap.Error(err))
	}
	if !ok {
		return records.Collection{}
	}
	return snapshot.RecordsByID
}
