package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	fieldStatus   = "status"
	fieldStartKey = "startKey"
	fieldDateText = "dateText"
	isoDateLayout = "2006-01-02"
)

// ErrInvalidCollection indicates that a serialized record collection could not be decoded.
var ErrInvalidCollection = errors.New("records: invalid collection")

// Record is a single scheduling record. Only status and startKey are interpreted here;
// every other field is carried through untouched.
type Record map[string]any

// Status returns the raw status value.
func (r Record) Status() string {
	value, _ := r[fieldStatus].(string)
	return value
}

// SetStatus replaces the status value.
func (r Record) SetStatus(status string) {
	r[fieldStatus] = status
}

// StartKey returns the ISO start date of the record. When startKey is absent the first
// date parsed from dateText is used.
func (r Record) StartKey() string {
	if value, ok := r[fieldStartKey].(string); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	text, _ := r[fieldDateText].(string)
	dates := ParseDates(text, 0)
	if len(dates) == 0 {
		return ""
	}
	return dates[0]
}

// Collection maps record identifiers to records for one station.
type Collection map[string]Record

// Decode parses a serialized collection. An empty payload yields an empty collection.
func Decode(raw []byte) (Collection, error) {
	collection := Collection{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return collection, nil
	}
	if err := json.Unmarshal(raw, &collection); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCollection, err)
	}
	for id, record := range collection {
		if record == nil {
			collection[id] = Record{}
		}
	}
	return collection, nil
}

// Encode serializes the collection.
func (c Collection) Encode() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

// Clone returns a deep copy of the collection.
func (c Collection) Clone() Collection {
	if c == nil {
		return Collection{}
	}
	encoded, err := json.Marshal(c)
	if err != nil {
		out := make(Collection, len(c))
		for id, record := range c {
			copied := make(Record, len(record))
			for key, value := range record {
				copied[key] = value
			}
			out[id] = copied
		}
		return out
	}
	out := Collection{}
	_ = json.Unmarshal(encoded, &out)
	return out
}

// NormalizeStatuses rewrites every record status through NormalizeStatus.
func (c Collection) NormalizeStatuses() {
	for _, record := range c {
		if record == nil {
			continue
		}
		if status := record.Status(); status != "" {
			record.SetStatus(NormalizeStatus(status))
		}
	}
}

// IDs returns the record identifiers in sorted order.
func (c Collection) IDs() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DaysUntil returns the number of calendar days from now's date to the ISO date key,
// evaluated in now's location.
func DaysUntil(startKey string, now time.Time) (int, bool) {
	target, err := time.ParseInLocation(isoDateLayout, strings.TrimSpace(startKey), now.Location())
	if err != nil {
		return 0, false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return int(target.Sub(today).Round(time.Hour).Hours() / 24), true
}
