package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
)

// ErrMissingDependency indicates that a scheduler was built without a required collaborator.
var ErrMissingDependency = errors.New("notify: missing dependency")

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Config      Config
	LastFiredAt *time.Time
	// Source returns the current record collections of both stations.
	Source   func() map[stations.Station]records.Collection
	Notifier Notifier
	// Persist stores the firing instant so that restarts do not repeat a window.
	Persist func(time.Time) error
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Scheduler fires near-term event notifications according to Config. A single timer is
// armed at a time.
type Scheduler struct {
	source   func() map[stations.Station]records.Collection
	notifier Notifier
	persist  func(time.Time) error
	clock    func() time.Time
	logger   *zap.Logger

	mu         sync.Mutex
	ctx        context.Context
	cfg        Config
	last       *time.Time
	timer      *time.Timer
	armed      time.Time
	generation uint64
	running    bool
}

// NewScheduler validates dependencies.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Source == nil || cfg.Notifier == nil {
		return nil, ErrMissingDependency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	persist := cfg.Persist
	if persist == nil {
		persist = func(time.Time) error { return nil }
	}
	return &Scheduler{
		source:   cfg.Source,
		notifier: cfg.Notifier,
		persist:  persist,
		clock:    clock,
		logger:   logger,
		cfg:      cfg.Config,
		last:     cloneTime(cfg.LastFiredAt),
	}, nil
}

// Start evaluates the schedule once, firing immediately when a window was missed or the
// mode fires on start, and arms the timer.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.running = true
	decision := NextTrigger(s.cfg, s.clock(), s.last)
	s.mu.Unlock()

	if decision.FireNow {
		s.fire(ctx, s.clock())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if decision.FireNow {
		// The firing moved lastFiredAt; re-evaluate so hourly arms from the new instant.
		decision = NextTrigger(s.cfg, s.clock(), s.last)
	}
	s.armLocked(decision)
}

// Reconfigure cancels the pending timer and re-arms under the new configuration.
// Start-only modes do not fire on reconfiguration.
func (s *Scheduler) Reconfigure(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.cancelLocked()
	if !s.running {
		return
	}
	s.armLocked(NextTrigger(cfg, s.clock(), s.last))
}

// Stop cancels the pending timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancelLocked()
}

// Next returns the armed instant, or nil when no timer is pending.
func (s *Scheduler) Next() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return nil
	}
	return cloneTime(&s.armed)
}

// LastFiredAt returns the most recent firing instant.
func (s *Scheduler) LastFiredAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTime(s.last)
}

// Preview reports what a firing would announce now without recording it.
func (s *Scheduler) Preview() (Message, bool) {
	s.mu.Lock()
	threshold := s.cfg.ThresholdDays
	s.mu.Unlock()
	return MessageFor(Count(s.source(), threshold, s.clock()))
}

func (s *Scheduler) armLocked(decision Decision) {
	s.cancelLocked()
	if decision.Next == nil {
		return
	}
	s.generation++
	generation := s.generation
	s.armed = *decision.Next
	delay := max(s.armed.Sub(s.clock()), 0)
	s.timer = time.AfterFunc(delay, func() { s.onTimer(generation) })
	s.logger.Debug("notification armed",
		zap.String("mode", string(s.cfg.Mode)),
		zap.Time("next", s.armed))
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.generation++
}

func (s *Scheduler) onTimer(generation uint64) {
	s.mu.Lock()
	if !s.running || generation != s.generation {
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	armed := s.armed
	s.timer = nil
	s.mu.Unlock()

	now := s.clock()
	if now.Before(armed) {
		now = armed
	}
	s.fire(ctx, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || generation != s.generation {
		return
	}
	decision := NextTrigger(s.cfg, now, s.last)
	if decision.Next != nil && !decision.Next.After(armed) {
		next := armed.Add(time.Second)
		decision.Next = &next
	}
	s.armLocked(decision)
}

// fire counts, notifies when non-empty and records the firing instant. A failed delivery
// is not recorded, so the window fires again on the next evaluation or restart.
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	threshold := s.cfg.ThresholdDays
	s.mu.Unlock()

	summary := Count(s.source(), threshold, now)
	if message, ok := MessageFor(summary); ok {
		if err := s.notifier.Notify(ctx, message); err != nil {
			s.logger.Warn("notification delivery failed", zap.Int("count", summary.Total), zap.Error(err))
			return
		}
		s.logger.Info("notification sent", zap.Int("count", summary.Total))
	} else {
		s.logger.Debug("no near-term events")
	}

	s.mu.Lock()
	s.last = &now
	s.mu.Unlock()
	if err := s.persist(now); err != nil {
		s.logger.Warn("persist notification timestamp failed", zap.Error(err))
	}
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
