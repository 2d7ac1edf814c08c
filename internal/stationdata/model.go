package stationdata

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

// ErrNotFound indicates that the station has no stored row yet.
var ErrNotFound = errors.New("stationdata: row not found")

// Snapshot is the authoritative remote copy of one station's record collection.
type Snapshot struct {
	Station     stations.Station
	RecordsJSON json.RawMessage
	UpdatedAt   time.Time
	UpdatedBy   string
}

// Row is the persisted station_data row. records_json is stored exactly as pushed.
type Row struct {
	Station         string `gorm:"column:station;primaryKey;size:32;not null"`
	RecordsJSON     string `gorm:"column:records_json;type:text;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
	UpdatedBy       string `gorm:"column:updated_by;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Row) TableName() string {
	return "station_data"
}

func (r Row) snapshot() Snapshot {
	return Snapshot{
		Station:     stations.Station(r.Station),
		RecordsJSON: json.RawMessage(r.RecordsJSON),
		UpdatedAt:   time.UnixMilli(r.UpdatedAtMillis).UTC(),
		UpdatedBy:   r.UpdatedBy,
	}
}
