package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
)

var (
	_ leases.Store      = (*LeaseStore)(nil)
	_ stationdata.Store = (*StationDataStore)(nil)
)

// LeaseStore is the record_locks table behind the API.
type LeaseStore struct {
	client *Client
}

// StationDataStore is the station_data table behind the API.
type StationDataStore struct {
	client *Client
}

// Leases returns the lease store view of the client.
func (c *Client) Leases() *LeaseStore {
	return &LeaseStore{client: c}
}

// StationData returns the row store view of the client.
func (c *Client) StationData() *StationDataStore {
	return &StationDataStore{client: c}
}

func stationPath(station stations.Station, suffix string) string {
	return "/stations/" + url.PathEscape(station.String()) + suffix
}

func lockPath(station stations.Station, recordID stations.RecordID) string {
	return stationPath(station, "/locks/"+url.PathEscape(recordID.String()))
}

// Get fetches the station row.
func (s *StationDataStore) Get(ctx context.Context, station stations.Station) (stationdata.Snapshot, error) {
	var body protocol.StationDataBody
	err := s.client.call(ctx, http.MethodGet, stationPath(station, "/data"), true, nil, &body)
	if isCode(err, protocol.CodeNotFound) {
		return stationdata.Snapshot{}, stationdata.ErrNotFound
	}
	if err != nil {
		return stationdata.Snapshot{}, err
	}
	return body.Snapshot(), nil
}

// Put upserts the station row. updatedBy is taken from the access token by the server.
func (s *StationDataStore) Put(ctx context.Context, station stations.Station, recordsJSON json.RawMessage, _ string) (stationdata.Snapshot, error) {
	var body protocol.StationDataBody
	err := s.client.call(ctx, http.MethodPut, stationPath(station, "/data"), true, protocol.PutStationDataRequest{RecordsJSON: recordsJSON}, &body)
	if err != nil {
		return stationdata.Snapshot{}, err
	}
	return body.Snapshot(), nil
}

// Acquire requests the record's lease. The holder id is the signed-in user.
func (s *LeaseStore) Acquire(ctx context.Context, station stations.Station, recordID stations.RecordID, holder leases.Holder) (leases.Lease, error) {
	var body protocol.LeaseBody
	conflict, err := s.client.callWithConflict(ctx, http.MethodPut, lockPath(station, recordID), true, protocol.AcquireRequest{HolderName: holder.Name}, &body)
	if isCode(err, protocol.CodeLeaseHeld) && conflict != nil && conflict.Lease != nil {
		return leases.Lease{}, &leases.HeldError{Current: conflict.Lease.Lease()}
	}
	if err != nil {
		return leases.Lease{}, err
	}
	return body.Lease(), nil
}

// Renew extends the caller's lease.
func (s *LeaseStore) Renew(ctx context.Context, station stations.Station, recordID stations.RecordID, _ string) (leases.Lease, error) {
	var body protocol.LeaseBody
	err := s.client.call(ctx, http.MethodPatch, lockPath(station, recordID), true, nil, &body)
	if isCode(err, protocol.CodeLeaseNotHeld) {
		return leases.Lease{}, leases.ErrLeaseNotHeld
	}
	if err != nil {
		return leases.Lease{}, err
	}
	return body.Lease(), nil
}

// Release ends the caller's lease.
func (s *LeaseStore) Release(ctx context.Context, station stations.Station, recordID stations.RecordID, _ string) error {
	return s.client.call(ctx, http.MethodDelete, lockPath(station, recordID), true, nil, nil)
}

// Get returns the stored lease row of the record.
func (s *LeaseStore) Get(ctx context.Context, station stations.Station, recordID stations.RecordID) (leases.Lease, bool, error) {
	var body protocol.LeaseBody
	err := s.client.call(ctx, http.MethodGet, lockPath(station, recordID), true, nil, &body)
	if isCode(err, protocol.CodeNotFound) {
		return leases.Lease{}, false, nil
	}
	if err != nil {
		return leases.Lease{}, false, err
	}
	return body.Lease(), true, nil
}

// List returns the active leases of the station.
func (s *LeaseStore) List(ctx context.Context, station stations.Station) ([]leases.Lease, error) {
	var bodies []protocol.LeaseBody
	if err := s.client.call(ctx, http.MethodGet, stationPath(station, "/locks"), true, nil, &bodies); err != nil {
		return nil, err
	}
	out := make([]leases.Lease, 0, len(bodies))
	for _, body := range bodies {
		out = append(out, body.Lease())
	}
	return out, nil
}

func isCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
