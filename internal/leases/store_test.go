package leases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var testDatabaseSequence atomic.Int64

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*GormStore, *manualClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:leases_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&LockRow{}); err != nil {
		t.Fatalf("failed to migrate lock schema: %v", err)
	}
	clock := &manualClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	store, err := NewGormStore(GormStoreConfig{Database: db, TTL: 30 * time.Second, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, clock
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	store, _ := newTestStore(t)
	const contenders = 8

	var wg sync.WaitGroup
	var winners atomic.Int32
	var held atomic.Int32
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			holder := Holder{ID: fmt.Sprintf("client-%d", index), Name: fmt.Sprintf("User %d", index)}
			_, err := store.Acquire(context.Background(), "802", "rec-1", holder)
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, ErrLeaseHeld):
				held.Add(1)
			default:
				t.Errorf("unexpected acquire error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
	if held.Load() != contenders-1 {
		t.Fatalf("expected %d rejections, got %d", contenders-1, held.Load())
	}
}

func TestAcquireRejectionNamesHolder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Acquire(ctx, "802", "rec-1", Holder{ID: "a", Name: "Aiko"}); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	_, err := store.Acquire(ctx, "802", "rec-1", Holder{ID: "b", Name: "Ben"})
	var heldErr *HeldError
	if !errors.As(err, &heldErr) {
		t.Fatalf("expected HeldError, got %v", err)
	}
	if heldErr.Current.HolderName != "Aiko" || heldErr.Current.HolderID != "a" {
		t.Fatalf("unexpected holder in rejection: %#v", heldErr.Current)
	}

	if _, err := store.Acquire(ctx, "COCOLO", "rec-1", Holder{ID: "b", Name: "Ben"}); err != nil {
		t.Fatalf("expected other station to be independent: %v", err)
	}
}

func TestExpiredLeaseNeverBlocks(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	if _, err := store.Acquire(ctx, "802", "rec-1", Holder{ID: "a", Name: "Aiko"}); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	clock.Advance(31 * time.Second)

	lease, err := store.Acquire(ctx, "802", "rec-1", Holder{ID: "b", Name: "Ben"})
	if err != nil {
		t.Fatalf("expected expired lease to be taken over: %v", err)
	}
	if lease.HolderID != "b" {
		t.Fatalf("expected new holder, got %q", lease.HolderID)
	}
	if _, err := store.Renew(ctx, "802", "rec-1", "a"); !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected previous holder renewal to fail, got %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	holders := []Holder{{ID: "a", Name: "Aiko"}, {ID: "a", Name: "Aiko"}, {ID: "b", Name: "Ben"}}

	for index, holder := range holders {
		if _, err := store.Acquire(ctx, "802", "rec-1", holder); err != nil {
			t.Fatalf("acquire %d failed: %v", index, err)
		}
		if err := store.Release(ctx, "802", "rec-1", holder.ID); err != nil {
			t.Fatalf("release %d failed: %v", index, err)
		}
	}
	leases, err := store.List(ctx, "802")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(leases) != 0 {
		t.Fatalf("expected released leases to be inactive, got %#v", leases)
	}
}

func TestRenewExtendsOnlyForHolder(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	acquired, err := store.Acquire(ctx, "802", "rec-1", Holder{ID: "a", Name: "Aiko"})
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	clock.Advance(15 * time.Second)

	renewed, err := store.Renew(ctx, "802", "rec-1", "a")
	if err != nil {
		t.Fatalf("unexpected renew error: %v", err)
	}
	if !renewed.ExpiresAt.Equal(acquired.ExpiresAt.Add(15 * time.Second)) {
		t.Fatalf("expected expiry to move forward, got %s", renewed.ExpiresAt)
	}
	if _, err := store.Renew(ctx, "802", "rec-1", "b"); !errors.Is(err, ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
	}
	if err := store.Release(ctx, "802", "rec-1", "b"); err != nil {
		t.Fatalf("expected foreign release to be a no-op, got %v", err)
	}
	lease, found, err := store.Get(ctx, "802", "rec-1")
	if err != nil || !found {
		t.Fatalf("expected lease row, found=%v err=%v", found, err)
	}
	if !lease.Active(clock.Now()) || !lease.HeldBy("a") {
		t.Fatalf("expected lease to remain with original holder: %#v", lease)
	}
}

func TestTimingValidate(t *testing.T) {
	if err := DefaultTiming().Validate(); err != nil {
		t.Fatalf("expected default timing to be valid: %v", err)
	}
	if err := (Timing{TTL: 10 * time.Second, RenewInterval: 10 * time.Second}).Validate(); !errors.Is(err, ErrInvalidTiming) {
		t.Fatalf("expected ErrInvalidTiming, got %v", err)
	}
	if err := (Holder{}).Validate(); !errors.Is(err, ErrInvalidHolder) {
		t.Fatalf("expected ErrInvalidHolder, got %v", err)
	}
}
