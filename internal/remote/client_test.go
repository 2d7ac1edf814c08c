package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/auth"
	"github.com/MarcoPoloResearchLab/stationsync/internal/database"
	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/server"
	"github.com/MarcoPoloResearchLab/stationsync/internal/sharedstate"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/MarcoPoloResearchLab/stationsync/internal/users"
	"golang.org/x/crypto/bcrypt"
)

const testAnonKey = "test-anon-key"

var testDatabaseSequence atomic.Int64

func newTestServer(t *testing.T) string {
	t.Helper()
	dsn := fmt.Sprintf("file:remote_%d?mode=memory&cache=shared", testDatabaseSequence.Add(1))
	db, err := database.Open(database.DriverSQLite, dsn, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	userService, err := users.NewService(users.ServiceConfig{Database: db, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	for email, name := range map[string]string{"aiko@example.com": "Aiko", "ren@example.com": "Ren"} {
		if _, err := userService.AddUser(context.Background(), email, "correct horse", name, users.RoleEditor); err != nil {
			t.Fatalf("failed to add user: %v", err)
		}
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "stationsync-auth",
		Audience:      "stationsync-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	leaseStore, err := leases.NewGormStore(leases.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build lease store: %v", err)
	}
	rowStore, err := stationdata.NewGormStore(stationdata.GormStoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build row store: %v", err)
	}
	hub := presence.NewHub()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		AnonKey:      testAnonKey,
		TokenManager: tokenIssuer,
		Users:        userService,
		Leases:       leaseStore,
		StationData:  rowStore,
		Presence:     hub,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		httpServer.CloseClientConnections()
		httpServer.Close()
	})
	return httpServer.URL
}

func signedInClient(t *testing.T, baseURL, email string) (*Client, string) {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL + "/", AnonKey: testAnonKey})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	login, err := client.Login(context.Background(), email, "correct horse")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return client.WithAccessToken(login.AccessToken), login.UserID
}

func TestStationDataStoreMapsNotFoundAndRoundTrips(t *testing.T) {
	baseURL := newTestServer(t)
	client, userID := signedInClient(t, baseURL, "aiko@example.com")
	store := client.StationData()
	ctx := context.Background()

	if _, err := store.Get(ctx, stations.Station802); !errors.Is(err, stationdata.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	payload := json.RawMessage(`{"evt-1":{"status":"依頼中","title":"公演B"}}`)
	if _, err := store.Put(ctx, stations.Station802, payload, userID); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	snapshot, err := store.Get(ctx, stations.Station802)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(snapshot.RecordsJSON) != string(payload) || snapshot.UpdatedBy != userID {
		t.Fatalf("unexpected snapshot: %s", snapshot)
	}
}

func TestLeaseStoreReportsHolderOnConflict(t *testing.T) {
	baseURL := newTestServer(t)
	aiko, aikoID := signedInClient(t, baseURL, "aiko@example.com")
	ren, renID := signedInClient(t, baseURL, "ren@example.com")
	ctx := context.Background()

	lease, err := aiko.Leases().Acquire(ctx, stations.StationCocolo, "evt-9", leases.Holder{ID: aikoID, Name: "Aiko"})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !lease.HeldBy(aikoID) || !lease.Active(time.Now()) {
		t.Fatalf("unexpected lease: %#v", lease)
	}

	_, err = ren.Leases().Acquire(ctx, stations.StationCocolo, "evt-9", leases.Holder{ID: renID, Name: "Ren"})
	var heldErr *leases.HeldError
	if !errors.As(err, &heldErr) || heldErr.Current.HolderName != "Aiko" {
		t.Fatalf("expected HeldError naming Aiko, got %v", err)
	}
	if _, err := ren.Leases().Renew(ctx, stations.StationCocolo, "evt-9", renID); !errors.Is(err, leases.ErrLeaseNotHeld) {
		t.Fatalf("expected ErrLeaseNotHeld, got %v", err)
	}

	active, err := ren.Leases().List(ctx, stations.StationCocolo)
	if err != nil || len(active) != 1 || active[0].HolderID != aikoID {
		t.Fatalf("unexpected active leases %#v (%v)", active, err)
	}
	if err := aiko.Leases().Release(ctx, stations.StationCocolo, "evt-9", aikoID); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, found, err := ren.Leases().Get(ctx, stations.StationCocolo, "missing"); err != nil || found {
		t.Fatalf("expected no row for unknown record, found=%v err=%v", found, err)
	}
}

func TestPresenceChannelFeedsTrackers(t *testing.T) {
	baseURL := newTestServer(t)
	aikoClient, aikoID := signedInClient(t, baseURL, "aiko@example.com")
	renClient, renID := signedInClient(t, baseURL, "ren@example.com")
	ctx := context.Background()

	aiko := presence.NewTracker(presence.TrackerConfig{Channel: aikoClient.Presence(), Identity: presence.Identity{UserID: aikoID, DisplayName: "Aiko"}})
	ren := presence.NewTracker(presence.TrackerConfig{Channel: renClient.Presence(), Identity: presence.Identity{UserID: renID, DisplayName: "Ren"}})
	if err := aiko.Join(ctx, stations.Station802); err != nil {
		t.Fatalf("aiko join failed: %v", err)
	}
	defer aiko.Leave()
	if err := ren.Join(ctx, stations.Station802); err != nil {
		t.Fatalf("ren join failed: %v", err)
	}
	defer ren.Leave()

	if err := aiko.Publish(ctx, "evt-1"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		editors := ren.Editors()["evt-1"]
		if len(editors) == 1 && editors[0].DisplayName == "Aiko" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for Aiko's claim, view=%#v", ren.Claims())
		}
		time.Sleep(20 * time.Millisecond)
	}

	aiko.Leave()
	deadline = time.Now().Add(5 * time.Second)
	for len(ren.Editors()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected Aiko's claim to disappear after leave, view=%#v", ren.Claims())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAPIErrorClassifiesAsSchema(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &APIError{Status: 500, Code: "42P01", Message: "relation missing"})
	if class := sharedstate.Classify(err); class != sharedstate.ClassSchema {
		t.Fatalf("expected schema class, got %q", class)
	}
	if class := sharedstate.Classify(&APIError{Status: 503, Code: "internal", Message: "busy"}); class != sharedstate.ClassTransient {
		t.Fatalf("expected transient class, got %q", class)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{AnonKey: "anon"}); !errors.Is(err, ErrMissingBaseURL) {
		t.Fatalf("expected missing base url error, got %v", err)
	}
	if _, err := New(Config{BaseURL: "http://localhost"}); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected missing api key error, got %v", err)
	}
	client, err := New(Config{BaseURL: "http://localhost", AnonKey: "anon"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Me(context.Background()); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn, got %v", err)
	}
}

func TestSSEReaderParsesFrames(t *testing.T) {
	stream := ": comment\nevent: sync\ndata: {\"claims\":[]}\n\nevent:heartbeat\ndata:{}\n\n"
	reader := newSSEReader(strings.NewReader(stream))

	name, data, err := reader.next()
	if err != nil || name != "sync" || string(data) != `{"claims":[]}` {
		t.Fatalf("unexpected first frame %q %q %v", name, data, err)
	}
	name, _, err = reader.next()
	if err != nil || name != "heartbeat" {
		t.Fatalf("unexpected second frame %q %v", name, err)
	}
	if _, _, err := reader.next(); err == nil {
		t.Fatalf("expected EOF after last frame")
	}
}
