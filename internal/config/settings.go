package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Placeholder credentials shipped in sample configuration; they count as unset.
const (
	PlaceholderRemoteURL = "YOUR_SUPABASE_URL"
	PlaceholderAnonKey   = "YOUR_SUPABASE_ANON_KEY"
)

// Lock modes. LockModePresence is the explicit opt-out from lease enforcement.
const (
	LockModeLease    = "lease"
	LockModePresence = "presence"
)

var (
	// ErrInvalidSetting indicates that an update was rejected by validation.
	ErrInvalidSetting = errors.New("config: invalid setting")

	clockTimePattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	notifyModes      = map[string]struct{}{
		"off": {}, "onstart": {}, "hourly": {}, "daily": {}, "start+daily": {}, "weekly": {},
	}
)

// NotifySettings is the persisted notification configuration.
type NotifySettings struct {
	Mode          string `mapstructure:"mode"`
	ThresholdDays int    `mapstructure:"threshold_days"`
	Weekday       int    `mapstructure:"weekday"`
	TimeDaily     string `mapstructure:"time_daily"`
	TimeWeekly    string `mapstructure:"time_weekly"`
	IntervalHours int    `mapstructure:"interval_hours"`
	LastFiredAt   string `mapstructure:"last_fired_at"`
}

// BackupSettings configures local snapshots.
type BackupSettings struct {
	RetentionDays int    `mapstructure:"retention_days"`
	Dir           string `mapstructure:"dir"`
}

// MailSettings configures the optional e-mail notifier.
type MailSettings struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// SessionSettings holds the credentials obtained by `stationsync login`.
type SessionSettings struct {
	AccessToken string `mapstructure:"access_token"`
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`
}

// Settings is the client-side settings object.
type Settings struct {
	RemoteURL    string          `mapstructure:"supabase_url"`
	AnonKey      string          `mapstructure:"supabase_anon_key"`
	ShareEnabled bool            `mapstructure:"share_enabled"`
	LockMode     string          `mapstructure:"lock_mode"`
	Station      string          `mapstructure:"station"`
	LogLevel     string          `mapstructure:"log_level"`
	Notify       NotifySettings  `mapstructure:"notify"`
	Backup       BackupSettings  `mapstructure:"backup"`
	Mail         MailSettings    `mapstructure:"mail"`
	Session      SessionSettings `mapstructure:"session"`
}

// DefaultSettings returns the settings used before anything is persisted.
func DefaultSettings() Settings {
	return Settings{
		LockMode: LockModeLease,
		Station:  "802",
		LogLevel: "info",
		Notify: NotifySettings{
			Mode:          "weekly",
			ThresholdDays: 14,
			Weekday:       1,
			TimeDaily:     "09:30",
			TimeWeekly:    "09:30",
			IntervalHours: 6,
		},
		Backup: BackupSettings{RetentionDays: 7},
		Mail:   MailSettings{Port: 587},
	}
}

// RemoteConfigured reports whether usable remote credentials are present.
func (s Settings) RemoteConfigured() bool {
	url := strings.TrimSpace(s.RemoteURL)
	key := strings.TrimSpace(s.AnonKey)
	return url != "" && url != PlaceholderRemoteURL && key != "" && key != PlaceholderAnonKey
}

// SharingActive reports whether the coordination layer should talk to the remote store.
func (s Settings) SharingActive() bool {
	return s.ShareEnabled && s.RemoteConfigured() && s.Session.AccessToken != ""
}

// SetRemote replaces the remote store credentials.
func (s Settings) SetRemote(url, anonKey string) Settings {
	s.RemoteURL = strings.TrimRight(strings.TrimSpace(url), "/")
	s.AnonKey = strings.TrimSpace(anonKey)
	return s
}

// SetShareEnabled toggles sharing.
func (s Settings) SetShareEnabled(enabled bool) Settings {
	s.ShareEnabled = enabled
	return s
}

// SetLockMode selects lease enforcement or the presence-only opt-out.
func (s Settings) SetLockMode(mode string) (Settings, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != LockModeLease && mode != LockModePresence {
		return s, fmt.Errorf("%w: lock mode %q", ErrInvalidSetting, mode)
	}
	s.LockMode = mode
	return s, nil
}

// SetStation persists the current station.
func (s Settings) SetStation(station string) Settings {
	s.Station = strings.TrimSpace(station)
	return s
}

// SetNotifyMode selects the notification schedule.
func (s Settings) SetNotifyMode(mode string) (Settings, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if _, ok := notifyModes[mode]; !ok {
		return s, fmt.Errorf("%w: notify mode %q", ErrInvalidSetting, mode)
	}
	s.Notify.Mode = mode
	return s, nil
}

// SetNotifyThresholdDays sets how many days ahead a record counts as near-term.
func (s Settings) SetNotifyThresholdDays(days int) (Settings, error) {
	if days <= 0 {
		return s, fmt.Errorf("%w: threshold days %d", ErrInvalidSetting, days)
	}
	s.Notify.ThresholdDays = days
	return s, nil
}

// SetNotifyWeekday sets the weekly weekday (0 = Sunday).
func (s Settings) SetNotifyWeekday(weekday int) (Settings, error) {
	if weekday < 0 || weekday > 6 {
		return s, fmt.Errorf("%w: weekday %d", ErrInvalidSetting, weekday)
	}
	s.Notify.Weekday = weekday
	return s, nil
}

// SetNotifyTimeDaily sets the HH:MM daily trigger time.
func (s Settings) SetNotifyTimeDaily(clock string) (Settings, error) {
	clock = strings.TrimSpace(clock)
	if !clockTimePattern.MatchString(clock) {
		return s, fmt.Errorf("%w: daily time %q", ErrInvalidSetting, clock)
	}
	s.Notify.TimeDaily = clock
	return s, nil
}

// SetNotifyTimeWeekly sets the HH:MM weekly trigger time.
func (s Settings) SetNotifyTimeWeekly(clock string) (Settings, error) {
	clock = strings.TrimSpace(clock)
	if !clockTimePattern.MatchString(clock) {
		return s, fmt.Errorf("%w: weekly time %q", ErrInvalidSetting, clock)
	}
	s.Notify.TimeWeekly = clock
	return s, nil
}

// SetNotifyIntervalHours sets the hourly mode interval.
func (s Settings) SetNotifyIntervalHours(hours int) (Settings, error) {
	if hours <= 0 {
		return s, fmt.Errorf("%w: interval hours %d", ErrInvalidSetting, hours)
	}
	s.Notify.IntervalHours = hours
	return s, nil
}

// MarkNotified records the instant a notification fired.
func (s Settings) MarkNotified(at time.Time) Settings {
	s.Notify.LastFiredAt = at.UTC().Format(time.RFC3339)
	return s
}

// LastNotified parses the persisted last-fired timestamp.
func (s Settings) LastNotified() *time.Time {
	raw := strings.TrimSpace(s.Notify.LastFiredAt)
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &parsed
}

// SetBackupRetentionDays sets snapshot retention. Zero keeps only the newest snapshot run.
func (s Settings) SetBackupRetentionDays(days int) (Settings, error) {
	if days < 0 {
		return s, fmt.Errorf("%w: retention days %d", ErrInvalidSetting, days)
	}
	s.Backup.RetentionDays = days
	return s, nil
}

// SetSession stores login credentials.
func (s Settings) SetSession(accessToken, userID, displayName string) Settings {
	s.Session = SessionSettings{
		AccessToken: strings.TrimSpace(accessToken),
		UserID:      strings.TrimSpace(userID),
		DisplayName: strings.TrimSpace(displayName),
	}
	return s
}

// ClearSession forgets login credentials.
func (s Settings) ClearSession() Settings {
	s.Session = SessionSettings{}
	return s
}

// SettingsStore persists Settings to a YAML file through viper.
type SettingsStore struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	watcher *viper.Viper
}

// NewSettingsStore binds a store to the given file path.
func NewSettingsStore(path string, logger *zap.Logger) *SettingsStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsStore{path: path, logger: logger}
}

// DefaultSettingsPath returns the per-user settings location.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "stationsync", "settings.yaml")
}

// Path returns the backing file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Load reads the settings file, falling back to defaults for absent keys or a missing file.
func (s *SettingsStore) Load() (Settings, error) {
	settingsViper := newSettingsViper(s.path)
	if err := settingsViper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}
	var settings Settings
	if err := settingsViper.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return settings, nil
}

// Save writes the settings atomically: a temporary file is renamed over the target.
func (s *SettingsStore) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	out := viper.New()
	out.SetConfigType("yaml")
	for key, value := range settingsValues(settings) {
		out.Set(key, value)
	}
	// viper picks the encoder from the file extension, so the temporary file keeps .yaml.
	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), "settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temporary settings: %w", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	if err := out.WriteConfigAs(tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		s.logger.Warn("settings chmod failed", zap.Error(err))
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace settings: %w", err)
	}
	s.logger.Debug("settings saved", zap.String("path", s.path))
	return nil
}

// Update loads, applies mutate and saves the result.
func (s *SettingsStore) Update(mutate func(Settings) (Settings, error)) (Settings, error) {
	current, err := s.Load()
	if err != nil {
		return Settings{}, err
	}
	next, err := mutate(current)
	if err != nil {
		return current, err
	}
	if err := s.Save(next); err != nil {
		return current, err
	}
	return next, nil
}

// Watch invokes onChange with freshly loaded settings whenever the file changes on disk.
func (s *SettingsStore) Watch(onChange func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return
	}
	watcher := newSettingsViper(s.path)
	if err := watcher.ReadInConfig(); err != nil {
		s.logger.Debug("settings watch started without file", zap.Error(err))
	}
	watcher.OnConfigChange(func(event fsnotify.Event) {
		if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
			return
		}
		settings, err := s.Load()
		if err != nil {
			s.logger.Warn("settings reload failed", zap.Error(err))
			return
		}
		s.logger.Info("settings reloaded", zap.String("path", event.Name))
		onChange(settings)
	})
	watcher.WatchConfig()
	s.watcher = watcher
}

func newSettingsViper(path string) *viper.Viper {
	settingsViper := viper.New()
	settingsViper.SetConfigFile(path)
	settingsViper.SetConfigType("yaml")
	for key, value := range settingsValues(DefaultSettings()) {
		settingsViper.SetDefault(key, value)
	}
	return settingsViper
}

func settingsValues(settings Settings) map[string]any {
	return map[string]any{
		"supabase_url":          settings.RemoteURL,
		"supabase_anon_key":     settings.AnonKey,
		"share_enabled":         settings.ShareEnabled,
		"lock_mode":             settings.LockMode,
		"station":               settings.Station,
		"log_level":             settings.LogLevel,
		"notify.mode":           settings.Notify.Mode,
		"notify.threshold_days": settings.Notify.ThresholdDays,
		"notify.weekday":        settings.Notify.Weekday,
		"notify.time_daily":     settings.Notify.TimeDaily,
		"notify.time_weekly":    settings.Notify.TimeWeekly,
		"notify.interval_hours": settings.Notify.IntervalHours,
		"notify.last_fired_at":  settings.Notify.LastFiredAt,
		"backup.retention_days": settings.Backup.RetentionDays,
		"backup.dir":            settings.Backup.Dir,
		"mail.enabled":          settings.Mail.Enabled,
		"mail.host":             settings.Mail.Host,
		"mail.port":             settings.Mail.Port,
		"mail.username":         settings.Mail.Username,
		"mail.password":         settings.Mail.Password,
		"mail.from":             settings.Mail.From,
		"mail.to":               settings.Mail.To,
		"session.access_token":  settings.Session.AccessToken,
		"session.user_id":       settings.Session.UserID,
		"session.display_name":  settings.Session.DisplayName,
	}
}
