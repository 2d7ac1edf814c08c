package presence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

var (
	// ErrNotSubscribed indicates a track request for a key with no open subscription.
	ErrNotSubscribed = errors.New("presence: key not subscribed")
	// ErrClosed indicates that the subscription or hub has been closed.
	ErrClosed = errors.New("presence: closed")
)

// Claim is one client's broadcast of who it is and which record it edits.
type Claim struct {
	UserID          string           `json:"user_id"`
	DisplayName     string           `json:"display_name"`
	Station         stations.Station `json:"station"`
	EditingRecordID string           `json:"editing_record_id,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Editing reports whether the claim names a record.
func (c Claim) Editing() bool {
	return c.EditingRecordID != ""
}

// EventKind distinguishes channel events.
type EventKind string

const (
	// EventSync carries the complete channel state.
	EventSync EventKind = "sync"
	// EventError reports a transport failure; the subscription is finished afterwards.
	EventError EventKind = "error"
)

// Event is delivered on a Subscription's single inbound channel.
type Event struct {
	Kind   EventKind `json:"kind"`
	Claims []Claim   `json:"claims"`
	Err    error     `json:"-"`
}

// Channel is a per-station broadcast channel keyed by user id.
type Channel interface {
	Subscribe(ctx context.Context, station stations.Station, key string) (Subscription, error)
}

// Subscription is one open connection to a station channel.
type Subscription interface {
	Events() <-chan Event
	Track(ctx context.Context, claim Claim) error
	Untrack(ctx context.Context) error
	Close() error
}

func sortClaims(claims []Claim) {
	sort.SliceStable(claims, func(i, j int) bool {
		if claims[i].DisplayName != claims[j].DisplayName {
			return claims[i].DisplayName < claims[j].DisplayName
		}
		return claims[i].UserID < claims[j].UserID
	})
}
