package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/stationsync/internal/config"
	"github.com/MarcoPoloResearchLab/stationsync/internal/logging"
	"github.com/MarcoPoloResearchLab/stationsync/internal/remote"
	"github.com/MarcoPoloResearchLab/stationsync/internal/sharedstate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	settingsPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "stationsync",
		Short:        "Shared editing client for the 802 and COCOLO record collections",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", config.DefaultSettingsPath(), "Path to the settings file")

	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newSettingsCommand(),
		newWatchCommand(),
		newEditCommand(),
		newPullCommand(),
		newPushCommand(),
		newBackupsCommand(),
		newNotifyCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func settingsStore(logger *zap.Logger) *config.SettingsStore {
	return config.NewSettingsStore(settingsPath, logging.Component(logger, "settings"))
}

func loadSettings() (config.Settings, *zap.Logger, error) {
	settings, err := config.NewSettingsStore(settingsPath, nil).Load()
	if err != nil {
		return config.Settings{}, nil, err
	}
	logger, err := logging.NewLogger(settings.LogLevel, logging.FormatConsole)
	if err != nil {
		return config.Settings{}, nil, err
	}
	return settings, logger, nil
}

func newLoginCommand() *cobra.Command {
	var (
		email    string
		password string
		baseURL  string
		anonKey  string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the remote store and remember the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if baseURL != "" || anonKey != "" {
				url := settings.RemoteURL
				key := settings.AnonKey
				if baseURL != "" {
					url = baseURL
				}
				if anonKey != "" {
					key = anonKey
				}
				settings = settings.SetRemote(url, key)
			}
			if !settings.RemoteConfigured() {
				return errors.New("remote store is not configured; pass --url and --anon-key")
			}
			if password == "" {
				prompted, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				password = prompted
			}
			client, err := remote.New(remote.Config{
				BaseURL: settings.RemoteURL,
				AnonKey: settings.AnonKey,
				Logger:  logging.Component(logger, "remote"),
			})
			if err != nil {
				return err
			}
			response, err := client.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			settings = settings.SetSession(response.AccessToken, response.UserID, response.DisplayName).SetShareEnabled(true)
			if err := settingsStore(logger).Save(settings); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", response.DisplayName, response.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "E-mail address")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	cmd.Flags().StringVar(&baseURL, "url", "", "Remote store base URL")
	cmd.Flags().StringVar(&anonKey, "anon-key", "", "Remote store API key")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func promptPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(secret)), nil
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.NewSettingsStore(settingsPath, nil).Update(func(settings config.Settings) (config.Settings, error) {
				return settings.ClearSession(), nil
			})
			return err
		},
	}
}

func newSettingsCommand() *cobra.Command {
	settingsCmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change client settings",
	}
	settingsCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.NewSettingsStore(settingsPath, nil).Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "path\t%s\n", settingsPath)
			fmt.Fprintf(out, "remote\t%s (configured=%t)\n", settings.RemoteURL, settings.RemoteConfigured())
			fmt.Fprintf(out, "share\t%t (active=%t)\n", settings.ShareEnabled, settings.SharingActive())
			fmt.Fprintf(out, "lock_mode\t%s\n", settings.LockMode)
			fmt.Fprintf(out, "station\t%s\n", settings.Station)
			fmt.Fprintf(out, "user\t%s\n", settings.Session.DisplayName)
			fmt.Fprintf(out, "notify\t%s threshold=%dd weekday=%d daily=%s weekly=%s every=%dh last=%s\n",
				settings.Notify.Mode, settings.Notify.ThresholdDays, settings.Notify.Weekday,
				settings.Notify.TimeDaily, settings.Notify.TimeWeekly, settings.Notify.IntervalHours,
				settings.Notify.LastFiredAt)
			fmt.Fprintf(out, "backup\tretention=%dd dir=%s\n", settings.Backup.RetentionDays, backupDir(settings))
			fmt.Fprintf(out, "mail\tenabled=%t host=%s to=%s\n", settings.Mail.Enabled, settings.Mail.Host, strings.Join(settings.Mail.To, ","))
			return nil
		},
	})
	settingsCmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change one setting (share, lock_mode, station, notify.*, backup.*, mail.*, log_level)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.NewSettingsStore(settingsPath, nil).Update(func(settings config.Settings) (config.Settings, error) {
				return applySetting(settings, args[0], args[1])
			})
			return err
		},
	})
	settingsCmd.AddCommand(&cobra.Command{
		Use:   "test",
		Short: "Check the connection to the shared station store",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			synchronizer, err := connectionSynchronizer(settings, logger, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return checkConnection(cmd.Context(), cmd.OutOrStdout(), synchronizer)
		},
	})
	return settingsCmd
}

// checkConnection prints "ok" or the failure class and returns the failure.
func checkConnection(ctx context.Context, out io.Writer, synchronizer *sharedstate.Synchronizer) error {
	class, err := synchronizer.TestConnection(ctx)
	if err != nil {
		fmt.Fprintf(out, "connection failed (%s): %v\n", class, err)
		return err
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func applySetting(settings config.Settings, key, value string) (config.Settings, error) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "url":
		return settings.SetRemote(value, settings.AnonKey), nil
	case "anon_key":
		return settings.SetRemote(settings.RemoteURL, value), nil
	case "share":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return settings, fmt.Errorf("%w: share %q", config.ErrInvalidSetting, value)
		}
		return settings.SetShareEnabled(enabled), nil
	case "lock_mode":
		return settings.SetLockMode(value)
	case "station":
		return settings.SetStation(value), nil
	case "log_level":
		settings.LogLevel = strings.TrimSpace(value)
		return settings, nil
	case "notify.mode":
		return settings.SetNotifyMode(value)
	case "notify.threshold_days":
		return withInt(settings, value, settings.SetNotifyThresholdDays)
	case "notify.weekday":
		return withInt(settings, value, settings.SetNotifyWeekday)
	case "notify.interval_hours":
		return withInt(settings, value, settings.SetNotifyIntervalHours)
	case "notify.time_daily":
		return settings.SetNotifyTimeDaily(value)
	case "notify.time_weekly":
		return settings.SetNotifyTimeWeekly(value)
	case "backup.retention_days":
		return withInt(settings, value, settings.SetBackupRetentionDays)
	case "backup.dir":
		settings.Backup.Dir = strings.TrimSpace(value)
		return settings, nil
	case "mail.enabled":
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return settings, fmt.Errorf("%w: mail.enabled %q", config.ErrInvalidSetting, value)
		}
		settings.Mail.Enabled = enabled
		return settings, nil
	case "mail.host":
		settings.Mail.Host = strings.TrimSpace(value)
		return settings, nil
	case "mail.port":
		return withInt(settings, value, func(port int) (config.Settings, error) {
			settings.Mail.Port = port
			return settings, nil
		})
	case "mail.username":
		settings.Mail.Username = value
		return settings, nil
	case "mail.password":
		settings.Mail.Password = value
		return settings, nil
	case "mail.from":
		settings.Mail.From = strings.TrimSpace(value)
		return settings, nil
	case "mail.to":
		var recipients []string
		for _, recipient := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(recipient); trimmed != "" {
				recipients = append(recipients, trimmed)
			}
		}
		settings.Mail.To = recipients
		return settings, nil
	default:
		return settings, fmt.Errorf("%w: unknown key %q", config.ErrInvalidSetting, key)
	}
}

func withInt(settings config.Settings, raw string, apply func(int) (config.Settings, error)) (config.Settings, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return settings, fmt.Errorf("%w: %q is not a number", config.ErrInvalidSetting, raw)
	}
	return apply(value)
}

// stopContext returns a context that outlives the cancelled command context long enough
// to release leases and untrack presence.
func stopContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), shutdownTimeout)
}
