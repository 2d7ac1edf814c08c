package presence

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

type failingChannel struct{}

func (failingChannel) Subscribe(context.Context, stations.Station, string) (Subscription, error) {
	return nil, errors.New("connection refused")
}

func TestTrackersSeeEachOther(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aiko := NewTracker(TrackerConfig{Channel: hub, Identity: Identity{UserID: "u-aiko", DisplayName: "Aiko"}})
	ben := NewTracker(TrackerConfig{Channel: hub, Identity: Identity{UserID: "u-ben", DisplayName: "Ben"}})
	for _, tracker := range []*Tracker{aiko, ben} {
		if err := tracker.Join(ctx, stations.Station802); err != nil {
			t.Fatalf("join failed: %v", err)
		}
		if err := tracker.Publish(ctx, ""); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := ben.Publish(ctx, "rec-7"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, "aiko to see ben editing", func() bool {
		return len(aiko.Editors()["rec-7"]) == 1
	})
	if got := aiko.Editors()["rec-7"][0].DisplayName; got != "Ben" {
		t.Fatalf("expected Ben as editor, got %q", got)
	}
	waitFor(t, "both names online", func() bool {
		return reflect.DeepEqual(aiko.OnlineNames(), []string{"Aiko", "Ben"})
	})
	if len(ben.Editors()) != 0 {
		t.Fatalf("expected own claim to be excluded from editors, got %#v", ben.Editors())
	}

	ben.Leave()
	waitFor(t, "ben to disappear", func() bool {
		return reflect.DeepEqual(aiko.OnlineNames(), []string{"Aiko"})
	})
	aiko.Leave()
}

func TestJoinPublishesIdleClaim(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	aiko := NewTracker(TrackerConfig{Channel: hub, Identity: Identity{UserID: "u-aiko", DisplayName: "Aiko"}})
	ben := NewTracker(TrackerConfig{Channel: hub, Identity: Identity{UserID: "u-ben", DisplayName: "Ben"}})
	for _, tracker := range []*Tracker{aiko, ben} {
		if err := tracker.Join(ctx, stations.Station802); err != nil {
			t.Fatalf("join failed: %v", err)
		}
	}
	defer aiko.Leave()
	defer ben.Leave()

	for name, tracker := range map[string]*Tracker{"aiko": aiko, "ben": ben} {
		waitFor(t, name+" to see both watchers", func() bool {
			return reflect.DeepEqual(tracker.OnlineNames(), []string{"Aiko", "Ben"})
		})
	}
	state := hub.State(stations.Station802)
	if len(state) != 2 {
		t.Fatalf("expected two claims on the channel, got %#v", state)
	}
	for _, claim := range state {
		if claim.Editing() {
			t.Fatalf("expected idle claims after join, got %#v", claim)
		}
	}
}

func TestLeaveClearsViewAfterNonEmptySnapshot(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	ctx := context.Background()

	other := NewTracker(TrackerConfig{Channel: hub, Identity: Identity{UserID: "u-other", DisplayName: "Other"}})
	if err := other.Join(ctx, stations.StationCocolo); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := other.Publish(ctx, "rec-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	defer other.Leave()

	tracker := NewTracker(TrackerConfig{Channel: hub, Identity: Identity{UserID: "u-self", DisplayName: "Self"}})
	if err := tracker.Join(ctx, stations.StationCocolo); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	waitFor(t, "non-empty snapshot", func() bool { return len(tracker.Claims()) == 1 })

	tracker.Leave()
	if len(tracker.Claims()) != 0 || len(tracker.OnlineNames()) != 0 || len(tracker.Editors()) != 0 {
		t.Fatalf("expected empty view after leave, got %#v", tracker.Claims())
	}
	if tracker.Station() != "" {
		t.Fatalf("expected no station after leave")
	}
}

type manualSubscription struct {
	events  chan Event
	tracked []Claim
}

func (s *manualSubscription) Events() <-chan Event { return s.events }

func (s *manualSubscription) Track(_ context.Context, claim Claim) error {
	s.tracked = append(s.tracked, claim)
	return nil
}

func (s *manualSubscription) Untrack(context.Context) error { return nil }

func (s *manualSubscription) Close() error {
	close(s.events)
	return nil
}

type manualChannel struct {
	subscription *manualSubscription
}

func (c manualChannel) Subscribe(context.Context, stations.Station, string) (Subscription, error) {
	return c.subscription, nil
}

func TestOwnPublishIsAuthoritative(t *testing.T) {
	subscription := &manualSubscription{events: make(chan Event)}
	ctx := context.Background()
	tracker := NewTracker(TrackerConfig{Channel: manualChannel{subscription: subscription}, Identity: Identity{UserID: "u-self", DisplayName: "Self"}})
	if err := tracker.Join(ctx, stations.Station802); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if err := tracker.Publish(ctx, "rec-2"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	stale := Event{Kind: EventSync, Claims: []Claim{
		{UserID: "u-self", DisplayName: "Self", Station: stations.Station802},
		{UserID: "u-other", DisplayName: "Other", Station: stations.Station802, EditingRecordID: "rec-9"},
	}}
	subscription.events <- stale
	subscription.events <- stale

	claims := tracker.Claims()
	if len(claims) != 2 {
		t.Fatalf("expected two claims, got %#v", claims)
	}
	for _, claim := range claims {
		if claim.UserID == "u-self" && claim.EditingRecordID != "rec-2" {
			t.Fatalf("expected own latest publish to win over stale snapshot, got %#v", claim)
		}
	}
	if len(subscription.tracked) != 1 || subscription.tracked[0].EditingRecordID != "rec-2" {
		t.Fatalf("unexpected tracked claims %#v", subscription.tracked)
	}
	tracker.Leave()
	if len(tracker.Claims()) != 0 {
		t.Fatalf("expected empty view after leave")
	}
}

func TestJoinFailureLeavesTrackerEmpty(t *testing.T) {
	tracker := NewTracker(TrackerConfig{Channel: failingChannel{}, Identity: Identity{UserID: "u-self"}})
	if err := tracker.Join(context.Background(), stations.Station802); err == nil {
		t.Fatalf("expected join error to be reported")
	}
	if err := tracker.Publish(context.Background(), "rec-1"); err != nil {
		t.Fatalf("expected publish without subscription to be a no-op, got %v", err)
	}
	if len(tracker.OnlineNames()) != 0 {
		t.Fatalf("expected empty presence view")
	}
	tracker.Leave()
}

func TestHubRejectsTrackWithoutSubscription(t *testing.T) {
	hub := NewHub()
	if err := hub.Track(stations.Station802, "u-1", Claim{UserID: "u-1"}); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	subscription, err := hub.Subscribe(ctx, stations.Station802, "u-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if err := subscription.Track(ctx, Claim{UserID: "u-1"}); err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if len(hub.State(stations.Station802)) != 1 {
		t.Fatalf("expected one tracked claim")
	}
	cancel()
	waitFor(t, "disconnect to untrack", func() bool { return len(hub.State(stations.Station802)) == 0 })
	hub.Close()
	if _, err := hub.Subscribe(context.Background(), stations.Station802, "u-2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
