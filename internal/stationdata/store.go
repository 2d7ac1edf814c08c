package stationdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store reads and upserts the single row kept per station.
type Store interface {
	Get(ctx context.Context, station stations.Station) (Snapshot, error)
	Put(ctx context.Context, station stations.Station, recordsJSON json.RawMessage, updatedBy string) (Snapshot, error)
}

const (
	opStoreNew = "stationdata.store.new"
	opGet      = "stationdata.get"
	opPut      = "stationdata.put"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrInvalidPayload indicates records_json that is not a JSON object.
	ErrInvalidPayload = errors.New("records_json must be a JSON object")
	// ErrMissingWriter indicates a push without the writing user.
	ErrMissingWriter = errors.New("updated_by is required")
)

// GormStoreConfig describes the dependencies of GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore implements Store on the station_data table.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore validates the configuration and returns a store.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, serviceerr.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get returns the station row or ErrNotFound.
func (s *GormStore) Get(ctx context.Context, station stations.Station) (Snapshot, error) {
	var row Row
	err := s.db.WithContext(ctx).Where("station = ?", station.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		serviceerr.Log(s.logger, "station data store error", opGet, "query_failed", err, zap.String("station", station.String()))
		return Snapshot{}, serviceerr.New(opGet, "query_failed", err)
	}
	return row.snapshot(), nil
}

// Put replaces the station row. Concurrent writers resolve last-write-wins.
func (s *GormStore) Put(ctx context.Context, station stations.Station, recordsJSON json.RawMessage, updatedBy string) (Snapshot, error) {
	if !isJSONObject(recordsJSON) {
		return Snapshot{}, serviceerr.New(opPut, "invalid_payload", ErrInvalidPayload)
	}
	if updatedBy == "" {
		return Snapshot{}, serviceerr.New(opPut, "missing_writer", ErrMissingWriter)
	}
	row := Row{
		Station:         station.String(),
		RecordsJSON:     string(recordsJSON),
		UpdatedAtMillis: s.clock().UTC().UnixMilli(),
		UpdatedBy:       updatedBy,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "station"}},
		DoUpdates: clause.AssignmentColumns([]string{"records_json", "updated_at_ms", "updated_by"}),
	}).Create(&row).Error
	if err != nil {
		serviceerr.Log(s.logger, "station data store error", opPut, "upsert_failed", err, zap.String("station", station.String()))
		return Snapshot{}, serviceerr.New(opPut, "upsert_failed", err)
	}
	s.logger.Debug("station data stored",
		zap.String("station", station.String()),
		zap.String("updated_by", updatedBy),
		zap.Int("bytes", len(recordsJSON)))
	return row.snapshot(), nil
}

func isJSONObject(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	return fields != nil
}

// String renders the snapshot for log output.
func (s Snapshot) String() string {
	return fmt.Sprintf("%s@%s by %s (%d bytes)", s.Station, s.UpdatedAt.Format(time.RFC3339), s.UpdatedBy, len(s.RecordsJSON))
}
