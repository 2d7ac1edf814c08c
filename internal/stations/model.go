package stations

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidStation indicates that a station identifier is not one of the two known stations.
	ErrInvalidStation = errors.New("stations: invalid station")
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("stations: invalid record id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("stations: invalid user id")
)

// Station selects which record collection, presence channel and lock namespace are active.
type Station string

const (
	// Station802 is the default station.
	Station802 Station = "802"
	// StationCocolo is the second station.
	StationCocolo Station = "COCOLO"
)

// Default is used when no station has been persisted yet.
const Default = Station802

// All lists both stations in display order.
func All() []Station {
	return []Station{Station802, StationCocolo}
}

// Parse validates raw input and returns a Station.
func Parse(rawInput string) (Station, error) {
	trimmed := strings.TrimSpace(rawInput)
	switch {
	case trimmed == string(Station802):
		return Station802, nil
	case strings.EqualFold(trimmed, string(StationCocolo)):
		return StationCocolo, nil
	case trimmed == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidStation)
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStation, trimmed)
	}
}

// OrDefault returns the parsed station or Default when the input is not a known station.
func OrDefault(rawInput string) Station {
	station, err := Parse(rawInput)
	if err != nil {
		return Default
	}
	return station
}

// String returns the underlying identifier.
func (s Station) String() string {
	return string(s)
}

// Valid reports whether s is one of the known stations.
func (s Station) Valid() bool {
	return s == Station802 || s == StationCocolo
}

// PresenceTopic names the broadcast channel for the station.
func (s Station) PresenceTopic() string {
	return "presence:stationsync:" + string(s)
}

// RecordID represents a validated record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}
