package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSettingsStoreLoadReturnsDefaultsWithoutFile(t *testing.T) {
	store := NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"), nil)

	settings, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.Notify.Mode != "weekly" || settings.Notify.ThresholdDays != 14 {
		t.Fatalf("unexpected notify defaults: %#v", settings.Notify)
	}
	if settings.Notify.Weekday != 1 || settings.Notify.TimeWeekly != "09:30" {
		t.Fatalf("unexpected weekly defaults: %#v", settings.Notify)
	}
	if settings.Backup.RetentionDays != 7 {
		t.Fatalf("expected 7 retention days, got %d", settings.Backup.RetentionDays)
	}
	if settings.LockMode != LockModeLease {
		t.Fatalf("expected lease lock mode by default, got %q", settings.LockMode)
	}
	if settings.LastNotified() != nil {
		t.Fatalf("expected no last notified timestamp")
	}
}

func TestSettingsStoreSaveRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	store := NewSettingsStore(path, nil)
	firedAt := time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC)

	saved, err := store.Update(func(settings Settings) (Settings, error) {
		settings = settings.SetRemote("https://store.example.com/", "anon-key")
		settings = settings.SetShareEnabled(true)
		settings = settings.SetStation("COCOLO")
		settings = settings.MarkNotified(firedAt)
		settings = settings.SetSession("token", "user-1", "Aiko")
		return settings.SetNotifyMode("daily")
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if saved.RemoteURL != "https://store.example.com" {
		t.Fatalf("expected trailing slash to be trimmed, got %q", saved.RemoteURL)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if loaded.Station != "COCOLO" || loaded.Notify.Mode != "daily" || !loaded.ShareEnabled {
		t.Fatalf("unexpected loaded settings: %#v", loaded)
	}
	if loaded.Notify.ThresholdDays != 14 {
		t.Fatalf("expected untouched fields to keep defaults, got %d", loaded.Notify.ThresholdDays)
	}
	if last := loaded.LastNotified(); last == nil || !last.Equal(firedAt) {
		t.Fatalf("expected last notified %s, got %v", firedAt, last)
	}
	if !loaded.SharingActive() {
		t.Fatalf("expected sharing to be active with credentials and session")
	}
	assertOnlySettingsFile(t, path)

	if _, err := store.Update(func(settings Settings) (Settings, error) {
		return settings.SetStation("802"), nil
	}); err != nil {
		t.Fatalf("second save over an existing file failed: %v", err)
	}
	reloaded, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
	if reloaded.Station != "802" || reloaded.Session.AccessToken != "token" {
		t.Fatalf("unexpected settings after second save: %#v", reloaded)
	}
	assertOnlySettingsFile(t, path)
}

func assertOnlySettingsFile(t *testing.T, path string) {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read settings dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != filepath.Base(path) {
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			names = append(names, entry.Name())
		}
		t.Fatalf("expected only %s in the settings dir, got %v", filepath.Base(path), names)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat settings: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 settings file, got %v", info.Mode().Perm())
	}
}

func TestSettingsUpdateFunctionsValidate(t *testing.T) {
	settings := DefaultSettings()
	if _, err := settings.SetNotifyMode("monthly"); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected invalid mode error, got %v", err)
	}
	if _, err := settings.SetNotifyWeekday(7); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected invalid weekday error, got %v", err)
	}
	if _, err := settings.SetNotifyTimeDaily("24:00"); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected invalid time error, got %v", err)
	}
	if _, err := settings.SetLockMode("optimistic"); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected invalid lock mode error, got %v", err)
	}
	if _, err := settings.SetBackupRetentionDays(-1); !errors.Is(err, ErrInvalidSetting) {
		t.Fatalf("expected invalid retention error, got %v", err)
	}
	updated, err := settings.SetLockMode(" Presence ")
	if err != nil || updated.LockMode != LockModePresence {
		t.Fatalf("expected presence opt-out, got %q (%v)", updated.LockMode, err)
	}
	if settings.LockMode != LockModeLease {
		t.Fatalf("expected update functions not to mutate the receiver")
	}
}

func TestPlaceholderCredentialsCountAsUnset(t *testing.T) {
	settings := DefaultSettings().SetRemote(PlaceholderRemoteURL, PlaceholderAnonKey)
	if settings.RemoteConfigured() {
		t.Fatalf("expected placeholder credentials to be treated as unset")
	}
	settings = settings.SetRemote("https://store.example.com", PlaceholderAnonKey)
	if settings.RemoteConfigured() {
		t.Fatalf("expected placeholder anon key to be treated as unset")
	}
}

func TestClearSessionDisablesSharing(t *testing.T) {
	settings := DefaultSettings().
		SetRemote("https://store.example.com", "anon").
		SetShareEnabled(true).
		SetSession("token", "user-1", "Aiko")
	if !settings.SharingActive() {
		t.Fatalf("expected sharing to be active")
	}
	if settings.ClearSession().SharingActive() {
		t.Fatalf("expected sharing to stop after logout")
	}
}
