package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
)

// Identity is the local user as shown to other clients.
type Identity struct {
	UserID      string
	DisplayName string
}

// TrackerConfig describes the dependencies of a Tracker.
type TrackerConfig struct {
	Channel  Channel
	Identity Identity
	Clock    func() time.Time
	Logger   *zap.Logger
	// OnChange runs on the dispatch goroutine after every applied event.
	OnChange func()
}

// Tracker maintains the materialized view of a station channel.
type Tracker struct {
	channel  Channel
	identity Identity
	clock    func() time.Time
	logger   *zap.Logger
	onChange func()

	mu           sync.RWMutex
	station      stations.Station
	subscription Subscription
	done         chan struct{}
	view         []Claim
	own          *Claim
}

// NewTracker constructs a tracker. A nil Channel yields a tracker that never joins.
func NewTracker(cfg TrackerConfig) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		channel:  cfg.Channel,
		identity: cfg.Identity,
		clock:    clock,
		logger:   logger,
		onChange: cfg.OnChange,
	}
}

// Join leaves any current station, subscribes to the given one and publishes an idle
// claim. A subscribe failure is logged and leaves the tracker empty.
func (t *Tracker) Join(ctx context.Context, station stations.Station) error {
	t.Leave()
	if t.channel == nil {
		return nil
	}
	subscription, err := t.channel.Subscribe(ctx, station, t.identity.UserID)
	if err != nil {
		t.logger.Warn("presence join failed", zap.String("station", station.String()), zap.Error(err))
		return err
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.station = station
	t.subscription = subscription
	t.done = done
	t.mu.Unlock()

	go t.dispatch(subscription, done)
	t.logger.Info("presence joined",
		zap.String("station", station.String()),
		zap.String("topic", station.PresenceTopic()))
	// A watching client is online before it edits anything.
	if err := t.Publish(ctx, ""); err != nil {
		t.logger.Warn("initial presence claim failed", zap.String("station", station.String()), zap.Error(err))
	}
	return nil
}

// Publish tracks this client's claim. An empty recordID clears the editing claim.
func (t *Tracker) Publish(ctx context.Context, recordID stations.RecordID) error {
	t.mu.Lock()
	subscription := t.subscription
	if subscription == nil {
		t.mu.Unlock()
		return nil
	}
	claim := Claim{
		UserID:          t.identity.UserID,
		DisplayName:     t.identity.DisplayName,
		Station:         t.station,
		EditingRecordID: recordID.String(),
		UpdatedAt:       t.clock().UTC(),
	}
	t.own = &claim
	t.view = mergeOwn(t.view, claim)
	t.mu.Unlock()

	if err := subscription.Track(ctx, claim); err != nil {
		t.logger.Warn("presence publish failed",
			zap.String("station", claim.Station.String()),
			zap.String("editing", claim.EditingRecordID),
			zap.Error(err))
		return err
	}
	return nil
}

// Leave untracks, unsubscribes and clears the view.
func (t *Tracker) Leave() {
	t.mu.Lock()
	subscription := t.subscription
	done := t.done
	t.subscription = nil
	t.done = nil
	t.view = nil
	t.own = nil
	station := t.station
	t.station = ""
	t.mu.Unlock()

	if subscription == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := subscription.Untrack(ctx); err != nil {
		t.logger.Debug("presence untrack failed", zap.Error(err))
	}
	_ = subscription.Close()
	<-done

	t.mu.Lock()
	t.view = nil
	t.mu.Unlock()
	t.logger.Info("presence left", zap.String("station", station.String()))
}

// Station returns the joined station, or "" when not joined.
func (t *Tracker) Station() stations.Station {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.station
}

// Claims returns the current view including this client's own claim.
func (t *Tracker) Claims() []Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Claim, len(t.view))
	copy(out, t.view)
	return out
}

// OnlineNames returns the distinct display names in the view.
func (t *Tracker) OnlineNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.view))
	names := make([]string, 0, len(t.view))
	for _, claim := range t.view {
		name := claim.DisplayName
		if name == "" {
			name = claim.UserID
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Editors maps record ids to the claims of other clients editing them.
func (t *Tracker) Editors() map[stations.RecordID][]Claim {
	t.mu.RLock()
	defer t.mu.RUnlock()
	editors := make(map[stations.RecordID][]Claim)
	for _, claim := range t.view {
		if claim.UserID == t.identity.UserID || !claim.Editing() {
			continue
		}
		recordID := stations.RecordID(claim.EditingRecordID)
		editors[recordID] = append(editors[recordID], claim)
	}
	return editors
}

func (t *Tracker) dispatch(subscription Subscription, done chan struct{}) {
	defer close(done)
	for event := range subscription.Events() {
		switch event.Kind {
		case EventSync:
			t.mu.Lock()
			if t.subscription != subscription {
				t.mu.Unlock()
				continue
			}
			view := make([]Claim, 0, len(event.Claims))
			for _, claim := range event.Claims {
				if claim.UserID == t.identity.UserID {
					continue
				}
				view = append(view, claim)
			}
			if t.own != nil {
				view = append(view, *t.own)
			}
			sortClaims(view)
			t.view = view
			t.mu.Unlock()
			t.logger.Debug("presence sync", zap.Int("claims", len(view)))
		case EventError:
			t.logger.Warn("presence channel error", zap.Error(event.Err))
		}
		if t.onChange != nil {
			t.onChange()
		}
	}
}

func mergeOwn(view []Claim, own Claim) []Claim {
	merged := make([]Claim, 0, len(view)+1)
	for _, claim := range view {
		if claim.UserID == own.UserID {
			continue
		}
		merged = append(merged, claim)
	}
	merged = append(merged, own)
	sortClaims(merged)
	return merged
}
