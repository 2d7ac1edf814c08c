package main

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/backup"
	"github.com/MarcoPoloResearchLab/stationsync/internal/config"
	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/locks"
	"github.com/MarcoPoloResearchLab/stationsync/internal/logging"
	"github.com/MarcoPoloResearchLab/stationsync/internal/notify"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/remote"
	"github.com/MarcoPoloResearchLab/stationsync/internal/session"
	"github.com/MarcoPoloResearchLab/stationsync/internal/sharedstate"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

type runtimeOptions struct {
	withNotify bool
	stderr     io.Writer
	onChange   func()
}

func backupDir(settings config.Settings) string {
	if settings.Backup.Dir != "" {
		return settings.Backup.Dir
	}
	return filepath.Join(filepath.Dir(settingsPath), "backups")
}

func newBackupManager(settings config.Settings, logger *zap.Logger) *backup.Manager {
	return backup.NewManager(backup.Config{
		Dir:    backupDir(settings),
		Logger: logging.Component(logger, "backup"),
	})
}

func newRemoteClient(settings config.Settings, logger *zap.Logger) (*remote.Client, error) {
	return remote.New(remote.Config{
		BaseURL:     settings.RemoteURL,
		AnonKey:     settings.AnonKey,
		AccessToken: settings.Session.AccessToken,
		Logger:      logging.Component(logger, "remote"),
	})
}

// connectionSynchronizer builds a synchronizer for the connection check. It has no store
// unless sharing is active, which the check reports as a config failure.
func connectionSynchronizer(settings config.Settings, logger *zap.Logger, stderr io.Writer) (*sharedstate.Synchronizer, error) {
	var rowStore stationdata.Store
	if settings.SharingActive() {
		client, err := newRemoteClient(settings, logger)
		if err != nil {
			return nil, err
		}
		rowStore = client.StationData()
	}
	return sharedstate.New(sharedstate.Config{
		Store:  rowStore,
		UserID: settings.Session.UserID,
		Logger: logging.Component(logger, "share"),
		Notice: func(message string) { fmt.Fprintln(stderr, message) },
	}), nil
}

// buildSession wires the coordination layer from settings. Without an active remote
// session the coordinator runs disabled and every record is free.
func buildSession(settings config.Settings, logger *zap.Logger, opts runtimeOptions) (*session.Session, error) {
	var (
		channel   presence.Channel
		leaseRepo leases.Store
		rowStore  stationdata.Store
		mode      = locks.ModeDisabled
	)
	if settings.SharingActive() {
		client, err := newRemoteClient(settings, logger)
		if err != nil {
			return nil, err
		}
		channel = client.Presence()
		leaseRepo = client.Leases()
		rowStore = client.StationData()
		mode = locks.ModeLease
		if settings.LockMode == config.LockModePresence {
			mode = locks.ModePresence
		}
	} else {
		logger.Info("sharing inactive; editing locally",
			zap.Bool("share_enabled", settings.ShareEnabled),
			zap.Bool("remote_configured", settings.RemoteConfigured()))
	}

	identity := presence.Identity{UserID: settings.Session.UserID, DisplayName: settings.Session.DisplayName}
	tracker := presence.NewTracker(presence.TrackerConfig{
		Channel:  channel,
		Identity: identity,
		Logger:   logging.Component(logger, "presence"),
		OnChange: opts.onChange,
	})
	coordinator, err := locks.NewCoordinator(locks.CoordinatorConfig{
		Mode:     mode,
		Store:    leaseRepo,
		Presence: tracker,
		Holder:   leases.Holder{ID: identity.UserID, Name: identity.DisplayName},
		Logger:   logging.Component(logger, "lock"),
	})
	if err != nil {
		return nil, err
	}
	stderr := opts.stderr
	if stderr == nil {
		stderr = io.Discard
	}
	synchronizer := sharedstate.New(sharedstate.Config{
		Store:  rowStore,
		UserID: identity.UserID,
		Logger: logging.Component(logger, "share"),
		Notice: func(message string) { fmt.Fprintln(stderr, message) },
	})

	cfg := session.Config{
		Station:       stations.OrDefault(settings.Station),
		Tracker:       tracker,
		Coordinator:   coordinator,
		Synchronizer:  synchronizer,
		Backups:       newBackupManager(settings, logger),
		RetentionDays: settings.Backup.RetentionDays,
		Logger:        logger,
	}
	if opts.withNotify {
		notifyOptions, err := notifyOptions(settings, logger)
		if err != nil {
			return nil, err
		}
		cfg.Notify = notifyOptions
	}
	return session.New(cfg)
}

func notifyOptions(settings config.Settings, logger *zap.Logger) (*session.NotifyOptions, error) {
	notifyConfig, err := notify.FromSettings(settings.Notify)
	if err != nil {
		return nil, err
	}
	notifiers := notify.MultiNotifier{notify.LogNotifier{Logger: logging.Component(logger, "notify")}}
	if settings.Mail.Enabled {
		mailer, err := notify.NewMailNotifier(notify.MailConfig{
			Host:     settings.Mail.Host,
			Port:     settings.Mail.Port,
			Username: settings.Mail.Username,
			Password: settings.Mail.Password,
			From:     settings.Mail.From,
			To:       settings.Mail.To,
		})
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, mailer)
	}
	store := settingsStore(logger)
	return &session.NotifyOptions{
		Config:      notifyConfig,
		LastFiredAt: settings.LastNotified(),
		Notifier:    notifiers,
		Persist: func(at time.Time) error {
			_, err := store.Update(func(current config.Settings) (config.Settings, error) {
				return current.MarkNotified(at), nil
			})
			return err
		},
	}, nil
}
