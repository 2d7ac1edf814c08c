package leases

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the lease table contract shared by the database store and the HTTP client.
type Store interface {
	Acquire(ctx context.Context, station stations.Station, recordID stations.RecordID, holder Holder) (Lease, error)
	Renew(ctx context.Context, station stations.Station, recordID stations.RecordID, holderID string) (Lease, error)
	Release(ctx context.Context, station stations.Station, recordID stations.RecordID, holderID string) error
	Get(ctx context.Context, station stations.Station, recordID stations.RecordID) (Lease, bool, error)
	List(ctx context.Context, station stations.Station) ([]Lease, error)
}

const (
	opStoreNew = "leases.store.new"
	opAcquire  = "leases.acquire"
	opRenew    = "leases.renew"
	opRelease  = "leases.release"
	opGet      = "leases.get"
	opList     = "leases.list"
)

var errMissingDatabase = errors.New("database handle is required")

// GormStoreConfig describes the dependencies of GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	TTL      time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore implements Store with conditional upserts on the record_locks table.
type GormStore struct {
	db     *gorm.DB
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore validates the configuration and returns a store.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, ttl: ttl, clock: clock, logger: logger}, nil
}

// TTL returns the lease lifetime applied on acquire and renew.
func (s *GormStore) TTL() time.Duration {
	return s.ttl
}

// Acquire inserts the lease or takes over an expired one. A row held by another live
// holder is left untouched and reported through *HeldError.
func (s *GormStore) Acquire(ctx context.Context, station stations.Station, recordID stations.RecordID, holder Holder) (Lease, error) {
	if err := holder.Validate(); err != nil {
		return Lease{}, err
	}
	now := s.clock().UTC()
	row := LockRow{
		Station:           station.String(),
		RecordID:          recordID.String(),
		LockedBy:          holder.ID,
		LockedByName:      holder.Name,
		LockedUntilMillis: now.Add(s.ttl).UnixMilli(),
	}
	table := LockRow{}.TableName()
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station"}, {Name: "record_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"locked_by", "locked_by_name", "locked_until_ms"}),
		Where: clause.Where{Exprs: []clause.Expression{clause.Or(
			clause.Lte{Column: clause.Column{Table: table, Name: "locked_until_ms"}, Value: now.UnixMilli()},
			clause.Eq{Column: clause.Column{Table: table, Name: "locked_by"}, Value: clause.Column{Table: "excluded", Name: "locked_by"}},
		)}},
	}).Create(&row)
	if result.Error != nil {
		s.logError(opAcquire, "upsert_failed", result.Error, station, recordID)
		return Lease{}, serviceerr.New(opAcquire, "upsert_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Debug("lease acquired",
			zap.String("station", station.String()),
			zap.String("record_id", recordID.String()),
			zap.String("holder_id", holder.ID))
		return row.lease(), nil
	}

	current, found, err := s.Get(ctx, station, recordID)
	if err != nil {
		return Lease{}, err
	}
	if !found {
		current = Lease{Station: station, RecordID: recordID}
	}
	return Lease{}, &HeldError{Current: current}
}

// Renew extends the lease by the TTL when holderID owns it.
func (s *GormStore) Renew(ctx context.Context, station stations.Station, recordID stations.RecordID, holderID string) (Lease, error) {
	now := s.clock().UTC()
	until := now.Add(s.ttl).UnixMilli()
	result := s.db.WithContext(ctx).Model(&LockRow{}).
		Where("station = ? AND record_id = ? AND locked_by = ?", station.String(), recordID.String(), holderID).
		Update("locked_until_ms", until)
	if result.Error != nil {
		s.logError(opRenew, "update_failed", result.Error, station, recordID)
		return Lease{}, serviceerr.New(opRenew, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Lease{}, ErrLeaseNotHeld
	}
	lease, _, err := s.Get(ctx, station, recordID)
	return lease, err
}

// Release expires the lease immediately. Releasing a lease held by someone else is a no-op.
func (s *GormStore) Release(ctx context.Context, station stations.Station, recordID stations.RecordID, holderID string) error {
	now := s.clock().UTC()
	result := s.db.WithContext(ctx).Model(&LockRow{}).
		Where("station = ? AND record_id = ? AND locked_by = ?", station.String(), recordID.String(), holderID).
		Update("locked_until_ms", now.UnixMilli())
	if result.Error != nil {
		s.logError(opRelease, "update_failed", result.Error, station, recordID)
		return serviceerr.New(opRelease, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("release skipped, lease not held",
			zap.String("station", station.String()),
			zap.String("record_id", recordID.String()),
			zap.String("holder_id", holderID))
	}
	return nil
}

// Get returns the stored lease row for the record, expired or not.
func (s *GormStore) Get(ctx context.Context, station stations.Station, recordID stations.RecordID) (Lease, bool, error) {
	var row LockRow
	err := s.db.WithContext(ctx).
		Where("station = ? AND record_id = ?", station.String(), recordID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, station, recordID)
		return Lease{}, false, serviceerr.New(opGet, "query_failed", err)
	}
	return row.lease(), true, nil
}

// List returns the leases of the station that are still active.
func (s *GormStore) List(ctx context.Context, station stations.Station) ([]Lease, error) {
	var rows []LockRow
	err := s.db.WithContext(ctx).
		Where("station = ? AND locked_until_ms > ?", station.String(), s.clock().UTC().UnixMilli()).
		Order("record_id ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opList, "query_failed", err, station, "")
		return nil, serviceerr.New(opList, "query_failed", err)
	}
	leases := make([]Lease, 0, len(rows))
	for _, row := range rows {
		leases = append(leases, row.lease())
	}
	return leases, nil
}

func (s *GormStore) logError(operation, reason string, err error, station stations.Station, recordID stations.RecordID) {
	serviceerr.Log(s.logger, "lease store error", operation, reason, err,
		zap.String("station", station.String()),
		zap.String("record_id", recordID.String()))
}
