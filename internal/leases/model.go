package leases

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

// Lease timing used when nothing else is configured.
const (
	DefaultTTL           = 30 * time.Second
	DefaultRenewInterval = 15 * time.Second
)

var (
	// ErrLeaseNotHeld indicates that the caller is not the current holder of the lease.
	ErrLeaseNotHeld = errors.New("leases: lease not held")
	// ErrLeaseHeld is matched by *HeldError through errors.Is.
	ErrLeaseHeld = errors.New("leases: lease held by another client")
	// ErrInvalidHolder indicates that a holder identity is missing.
	ErrInvalidHolder = errors.New("leases: invalid holder")
	// ErrInvalidTiming indicates that the renewal cadence does not fit inside the TTL.
	ErrInvalidTiming = errors.New("leases: renewal interval must be shorter than ttl")
)

// Holder identifies the client session that owns a lease.
type Holder struct {
	ID   string
	Name string
}

// Validate ensures the holder carries an identifier.
func (h Holder) Validate() error {
	if strings.TrimSpace(h.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidHolder)
	}
	return nil
}

// Lease is a time-bounded exclusive claim on one record of one station.
type Lease struct {
	Station    stations.Station
	RecordID   stations.RecordID
	HolderID   string
	HolderName string
	ExpiresAt  time.Time
}

// Active reports whether the lease still blocks other holders at now.
func (l Lease) Active(now time.Time) bool {
	return l.ExpiresAt.After(now)
}

// HeldBy reports whether holderID owns the lease.
func (l Lease) HeldBy(holderID string) bool {
	return l.HolderID == holderID
}

// HeldError reports a rejected acquire together with the lease that rejected it.
type HeldError struct {
	Current Lease
}

func (e *HeldError) Error() string {
	name := e.Current.HolderName
	if name == "" {
		name = e.Current.HolderID
	}
	return fmt.Sprintf("leases: %s/%s held by %s until %s",
		e.Current.Station, e.Current.RecordID, name, e.Current.ExpiresAt.UTC().Format(time.RFC3339))
}

// Is matches ErrLeaseHeld.
func (e *HeldError) Is(target error) bool {
	return target == ErrLeaseHeld
}

// Timing holds the TTL and renewal cadence.
type Timing struct {
	TTL           time.Duration
	RenewInterval time.Duration
}

// DefaultTiming returns 30s TTL with 15s renewal.
func DefaultTiming() Timing {
	return Timing{TTL: DefaultTTL, RenewInterval: DefaultRenewInterval}
}

// Validate enforces 0 < renew < ttl.
func (t Timing) Validate() error {
	if t.TTL <= 0 || t.RenewInterval <= 0 || t.RenewInterval >= t.TTL {
		return fmt.Errorf("%w: ttl=%s renew=%s", ErrInvalidTiming, t.TTL, t.RenewInterval)
	}
	return nil
}

// LockRow is the persisted lock table row.
type LockRow struct {
	Station           string `gorm:"column:station;primaryKey;size:32;not null"`
	RecordID          string `gorm:"column:record_id;primaryKey;size:190;not null"`
	LockedBy          string `gorm:"column:locked_by;size:190;not null"`
	LockedByName      string `gorm:"column:locked_by_name;size:320;not null"`
	LockedUntilMillis int64  `gorm:"column:locked_until_ms;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (LockRow) TableName() string {
	return "record_locks"
}

func (r LockRow) lease() Lease {
	return Lease{
		Station:    stations.Station(r.Station),
		RecordID:   stations.RecordID(r.RecordID),
		HolderID:   r.LockedBy,
		HolderName: r.LockedByName,
		ExpiresAt:  time.UnixMilli(r.LockedUntilMillis).UTC(),
	}
}
