// Package protocol defines the JSON bodies exchanged between the remote store API and
// its clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

// Header and query names.
const (
	HeaderAPIKey      = "apikey"
	QueryAPIKey       = "apikey"
	QueryAccessToken  = "access_token"
	EventSync         = "sync"
	EventHeartbeat    = "heartbeat"
	ContentTypeStream = "text/event-stream"
)

// Error codes that are not storage SQLSTATEs.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeUnauthorized       = "unauthorized"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidStation     = "invalid_station"
	CodeNotFound           = "not_found"
	CodeLeaseHeld          = "lease_held"
	CodeLeaseNotHeld       = "lease_not_held"
	CodeNotSubscribed      = "not_subscribed"
	CodeInternal           = "internal"
	CodeUndefinedTable     = "42P01"
	CodeUndefinedColumn    = "42703"
)

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// Lease is set on lease_held conflicts.
	Lease *LeaseBody `json:"lease,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries the bearer token and the signed-in identity.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// MeResponse describes the authenticated user.
type MeResponse struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// DisplayNameRequest is the body of PUT /me/display-name.
type DisplayNameRequest struct {
	DisplayName string `json:"display_name"`
}

// StationDataBody is the station_data row.
type StationDataBody struct {
	Station     string          `json:"station"`
	RecordsJSON json.RawMessage `json:"records_json"`
	UpdatedAt   time.Time       `json:"updated_at"`
	UpdatedBy   string          `json:"updated_by"`
}

// PutStationDataRequest is the body of PUT /stations/:station/data.
type PutStationDataRequest struct {
	RecordsJSON json.RawMessage `json:"records_json"`
}

// LeaseBody is one record_locks row.
type LeaseBody struct {
	Station       string `json:"station"`
	RecordID      string `json:"record_id"`
	LockedBy      string `json:"locked_by"`
	LockedByName  string `json:"locked_by_name"`
	LockedUntilMs int64  `json:"locked_until_ms"`
}

// AcquireRequest is the body of PUT /stations/:station/locks/:record.
type AcquireRequest struct {
	HolderName string `json:"holder_name"`
}

// PresenceState is the data of a sync event.
type PresenceState struct {
	Claims []presence.Claim `json:"claims"`
}

// NewStationDataBody converts a snapshot.
func NewStationDataBody(snapshot stationdata.Snapshot) StationDataBody {
	return StationDataBody{
		Station:     snapshot.Station.String(),
		RecordsJSON: snapshot.RecordsJSON,
		UpdatedAt:   snapshot.UpdatedAt,
		UpdatedBy:   snapshot.UpdatedBy,
	}
}

// Snapshot converts back to the store type.
func (b StationDataBody) Snapshot() stationdata.Snapshot {
	return stationdata.Snapshot{
		Station:     stations.Station(b.Station),
		RecordsJSON: b.RecordsJSON,
		UpdatedAt:   b.UpdatedAt,
		UpdatedBy:   b.UpdatedBy,
	}
}

// NewLeaseBody converts a lease.
func NewLeaseBody(lease leases.Lease) LeaseBody {
	return LeaseBody{
		Station:       lease.Station.String(),
		RecordID:      lease.RecordID.String(),
		LockedBy:      lease.HolderID,
		LockedByName:  lease.HolderName,
		LockedUntilMs: lease.ExpiresAt.UTC().UnixMilli(),
	}
}

// Lease converts back to the store type.
func (b LeaseBody) Lease() leases.Lease {
	return leases.Lease{
		Station:    stations.Station(b.Station),
		RecordID:   stations.RecordID(b.RecordID),
		HolderID:   b.LockedBy,
		HolderName: b.LockedByName,
		ExpiresAt:  time.UnixMilli(b.LockedUntilMs).UTC(),
	}
}
