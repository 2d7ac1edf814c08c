package stationdata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

func newTestStore(t *testing.T, clock func() time.Time) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:stationdata_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Row{}); err != nil {
		t.Fatalf("failed to migrate station data schema: %v", err)
	}
	store, err := NewGormStore(GormStoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestPutThenGetReturnsIdenticalBytes(t *testing.T) {
	store := newTestStore(t, func() time.Time { return time.Unix(1773133200, 0) })
	payload := json.RawMessage(`{"rec-2":{"status":"依頼中","note":"a  b"},  "rec-1":{"startKey":"2026-04-01"}}`)

	if _, err := store.Put(context.Background(), "802", payload, "user-1"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	snapshot, err := store.Get(context.Background(), "802")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !bytes.Equal(snapshot.RecordsJSON, payload) {
		t.Fatalf("expected byte-identical payload, got %s", snapshot.RecordsJSON)
	}
	if snapshot.UpdatedBy != "user-1" || snapshot.UpdatedAt.Unix() != 1773133200 {
		t.Fatalf("unexpected metadata: %s", snapshot)
	}
}

func TestPutKeepsOneRowPerStationLastWriteWins(t *testing.T) {
	store := newTestStore(t, time.Now)
	ctx := context.Background()
	if _, err := store.Put(ctx, "COCOLO", json.RawMessage(`{"a":{}}`), "user-1"); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if _, err := store.Put(ctx, "COCOLO", json.RawMessage(`{"b":{}}`), "user-2"); err != nil {
		t.Fatalf("second put failed: %v", err)
	}
	var count int64
	if err := store.db.Model(&Row{}).Where("station = ?", "COCOLO").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row per station, got %d", count)
	}
	snapshot, err := store.Get(ctx, "COCOLO")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if string(snapshot.RecordsJSON) != `{"b":{}}` || snapshot.UpdatedBy != "user-2" {
		t.Fatalf("expected second writer to win, got %s", snapshot)
	}
}

func TestGetMissingStationReturnsNotFound(t *testing.T) {
	store := newTestStore(t, time.Now)
	if _, err := store.Get(context.Background(), "802"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRejectsNonObjectPayload(t *testing.T) {
	store := newTestStore(t, time.Now)
	for _, payload := range []string{`[]`, `null`, `"x"`, `{`} {
		if _, err := store.Put(context.Background(), "802", json.RawMessage(payload), "user-1"); err == nil {
			t.Fatalf("expected payload %s to be rejected", payload)
		}
	}
	if _, err := store.Put(context.Background(), "802", json.RawMessage(`{}`), ""); err == nil {
		t.Fatalf("expected missing writer to be rejected")
	}
}
