package sharedstate

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the failure taxonomy of remote calls.
type Class string

const (
	ClassNone      Class = ""
	ClassConfig    Class = "config"
	ClassSchema    Class = "schema"
	ClassTransient Class = "transient"
)

// ErrNotConfigured indicates missing remote credentials or login session.
var ErrNotConfigured = errors.New("sharedstate: remote store not configured")

var schemaCodes = map[string]struct{}{
	"42P01":    {},
	"42703":    {},
	"42501":    {},
	"PGRST204": {},
	"PGRST205": {},
	"PGRST301": {},
}

var schemaMessages = []string{
	"does not exist",
	"no such table",
	"no such column",
	"permission denied",
	"schema cache",
}

type sqlStateError interface {
	SQLState() string
}

// Classify maps a remote failure onto the taxonomy.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrNotConfigured) {
		return ClassConfig
	}
	var coded sqlStateError
	if errors.As(err, &coded) {
		if _, ok := schemaCodes[strings.ToUpper(coded.SQLState())]; ok {
			return ClassSchema
		}
	}
	message := strings.ToLower(err.Error())
	for _, fragment := range schemaMessages {
		if strings.Contains(message, fragment) {
			return ClassSchema
		}
	}
	return ClassTransient
}

// RemoteError records a failed remote call with its class.
type RemoteError struct {
	Op    string
	Class Class
	Err   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sharedstate: %s failed (%s): %v", e.Op, e.Class, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func newRemoteError(op string, err error) *RemoteError {
	return &RemoteError{Op: op, Class: Classify(err), Err: err}
}

// RemediationNotice is shown once per session when the remote store schema is missing
// or incompatible.
const RemediationNotice = `共有ストアのテーブル設定が見つかりません。管理者に次の SQL の実行を依頼してください。

create table if not exists station_data (
  station text primary key,
  records_json text not null,
  updated_at_ms bigint not null,
  updated_by varchar(190) not null
);

create table if not exists record_locks (
  station varchar(32) not null,
  record_id varchar(190) not null,
  locked_by varchar(190) not null,
  locked_by_name varchar(320) not null,
  locked_until_ms bigint not null,
  primary key (station, record_id)
);
create index if not exists idx_record_locks_locked_until_ms on record_locks (locked_until_ms);

grant select, insert, update on station_data, record_locks to stationsync;`
