package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/config"
	"github.com/MarcoPoloResearchLab/stationsync/internal/notify"
	"github.com/MarcoPoloResearchLab/stationsync/internal/records"
	"github.com/MarcoPoloResearchLab/stationsync/internal/session"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// withSession loads settings, starts a session on the requested station and stops it
// after run returns.
func withSession(cmd *cobra.Command, stationFlag string, opts runtimeOptions, run func(context.Context, *session.Session, config.Settings, *zap.Logger) error) error {
	settings, logger, err := loadSettings()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if stationFlag != "" {
		station, err := stations.Parse(stationFlag)
		if err != nil {
			return err
		}
		settings = settings.SetStation(station.String())
	}
	if opts.stderr == nil {
		opts.stderr = cmd.ErrOrStderr()
	}
	sess, err := buildSession(settings, logger, opts)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := stopContext()
		defer cancel()
		sess.Stop(stopCtx)
	}()
	return run(ctx, sess, settings, logger)
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Join the active station and report presence, locks and notifications until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			changed := make(chan struct{}, 1)
			opts := runtimeOptions{
				withNotify: true,
				onChange: func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				},
			}
			return withSession(cmd, "", opts, func(ctx context.Context, sess *session.Session, _ config.Settings, logger *zap.Logger) error {
				out := cmd.OutOrStdout()
				settingsStore(logger).Watch(func(settings config.Settings) {
					if cfg, err := notify.FromSettings(settings.Notify); err == nil {
						sess.ReconfigureNotify(cfg)
					} else {
						logger.Warn("notify settings rejected", zap.Error(err))
					}
					station := stations.OrDefault(settings.Station)
					if station != sess.Station() {
						if err := sess.SwitchStation(ctx, station); err != nil {
							logger.Warn("station switch failed", zap.Error(err))
						}
					}
				})

				printStatus(out, sess)
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case message := <-sess.Alerts():
						fmt.Fprintln(out, message)
					case <-changed:
						printStatus(out, sess)
					case <-ticker.C:
						printStatus(out, sess)
					}
				}
			})
		},
	}
}

func printStatus(out io.Writer, sess *session.Session) {
	fmt.Fprintf(out, "[%s] station=%s online=%s records=%d",
		time.Now().Format("15:04:05"), sess.Station(), strings.Join(sess.OnlineNames(), ","), len(sess.Records()))
	if next := sess.NextNotification(); next != nil {
		fmt.Fprintf(out, " next_notify=%s", next.Local().Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(out)
	for _, indicator := range sess.Indicators() {
		marker := "editing"
		switch {
		case indicator.Mine:
			marker = "mine"
		case indicator.Enforced:
			marker = "locked"
		}
		fmt.Fprintf(out, "  %s\t%s\t%s\n", indicator.RecordID, marker, strings.Join(indicator.Editors, ","))
	}
}

func newEditCommand() *cobra.Command {
	var (
		station string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "edit <record-id>",
		Short: "Lock a record; apply --file and save, or hold the lock until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := stations.NewRecordID(args[0])
			if err != nil {
				return err
			}
			var edited records.Record
			if file != "" {
				raw, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(raw, &edited); err != nil {
					return fmt.Errorf("decode record: %w", err)
				}
			}
			return withSession(cmd, station, runtimeOptions{}, func(ctx context.Context, sess *session.Session, _ config.Settings, _ *zap.Logger) error {
				handle, err := sess.OpenRecord(ctx, recordID)
				if err != nil {
					return err
				}
				defer func() {
					closeCtx, cancel := stopContext()
					defer cancel()
					_ = handle.Close(closeCtx)
				}()
				out := cmd.OutOrStdout()
				if edited == nil {
					fmt.Fprintf(out, "holding %s on %s; press Ctrl+C to release\n", recordID, handle.Station())
					<-ctx.Done()
					return nil
				}
				collection := sess.Records()
				collection[recordID.String()] = edited
				if err := sess.Save(ctx, collection, nil); err != nil {
					return err
				}
				fmt.Fprintf(out, "saved %s on %s\n", recordID, handle.Station())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&station, "station", "", "Station (802 or COCOLO); defaults to the saved station")
	cmd.Flags().StringVar(&file, "file", "", "JSON object replacing the record")
	return cmd
}

func newPullCommand() *cobra.Command {
	var station string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Fetch the shared collection, print it and keep a local snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, station, runtimeOptions{}, func(ctx context.Context, sess *session.Session, settings config.Settings, logger *zap.Logger) error {
				found, err := sess.Pull(ctx)
				if err != nil {
					return err
				}
				if !found {
					fmt.Fprintln(cmd.ErrOrStderr(), "no shared row yet; showing local records")
				}
				collection := sess.Records()
				if found {
					if _, err := newBackupManager(settings, logger).Snapshot(sess.Station(), collection, nil); err != nil {
						return err
					}
				}
				encoded, err := json.MarshalIndent(collection, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&station, "station", "", "Station (802 or COCOLO); defaults to the saved station")
	return cmd
}

func newPushCommand() *cobra.Command {
	var (
		station string
		file    string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replace the collection with a JSON file, snapshot it and push it",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			collection, err := records.Decode(raw)
			if err != nil {
				return err
			}
			return withSession(cmd, station, runtimeOptions{}, func(ctx context.Context, sess *session.Session, _ config.Settings, _ *zap.Logger) error {
				if err := sess.Save(ctx, collection, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pushed %d records to %s\n", len(collection), sess.Station())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&station, "station", "", "Station (802 or COCOLO); defaults to the saved station")
	cmd.Flags().StringVar(&file, "file", "", "JSON object of records keyed by id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newBackupsCommand() *cobra.Command {
	backupsCmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and manage local snapshots",
	}

	var listStation string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			manager := newBackupManager(settings, logger)
			targets := stations.All()
			if listStation != "" {
				station, err := stations.Parse(listStation)
				if err != nil {
					return err
				}
				targets = []stations.Station{station}
			}
			for _, station := range targets {
				entries, err := manager.List(station)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", entry.Station, entry.SavedAt.Format(time.RFC3339), entry.Path)
				}
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&listStation, "station", "", "Only list one station")

	var days int
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Move snapshots older than the retention window to the trash",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			retention := settings.Backup.RetentionDays
			if cmd.Flags().Changed("days") {
				retention = days
			}
			moved, err := newBackupManager(settings, logger).Cleanup(retention)
			fmt.Fprintf(cmd.OutOrStdout(), "moved %d snapshots to trash\n", moved)
			return err
		},
	}
	cleanupCmd.Flags().IntVar(&days, "days", 0, "Retention in days (defaults to the saved setting)")

	var restoreStation string
	restoreCmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Restore a snapshot into the station and save it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, restoreStation, runtimeOptions{}, func(ctx context.Context, sess *session.Session, _ config.Settings, _ *zap.Logger) error {
				if err := sess.Restore(args[0]); err != nil {
					return err
				}
				if err := sess.Save(ctx, sess.Records(), nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %d records to %s\n", len(sess.Records()), sess.Station())
				return nil
			})
		},
	}
	restoreCmd.Flags().StringVar(&restoreStation, "station", "", "Station to restore into; defaults to the saved station")

	backupsCmd.AddCommand(listCmd, cleanupCmd, restoreCmd)
	return backupsCmd
}

func newNotifyCommand() *cobra.Command {
	notifyCmd := &cobra.Command{
		Use:   "notify",
		Short: "Inspect the notification schedule",
	}
	notifyCmd.AddCommand(&cobra.Command{
		Use:   "next",
		Short: "Print when the next notification fires and what it would say",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, logger, err := loadSettings()
			if err != nil {
				return err
			}
			cfg, err := notify.FromSettings(settings.Notify)
			if err != nil {
				return err
			}
			now := time.Now()
			out := cmd.OutOrStdout()
			decision := notify.NextTrigger(cfg, now, settings.LastNotified())
			switch {
			case decision.Next != nil:
				fmt.Fprintf(out, "mode=%s next=%s\n", cfg.Mode, decision.Next.Local().Format("2006-01-02 15:04"))
			case decision.FireNow:
				fmt.Fprintf(out, "mode=%s next=on start\n", cfg.Mode)
			default:
				fmt.Fprintf(out, "mode=%s next=never\n", cfg.Mode)
			}

			manager := newBackupManager(settings, logger)
			collections := make(map[stations.Station]records.Collection, len(stations.All()))
			for _, station := range stations.All() {
				snapshot, entry, ok, err := manager.Latest(station)
				if err != nil {
					logger.Warn("latest backup unreadable", zap.String("path", entry.Path), zap.Error(err))
				}
				if !ok {
					snapshot.RecordsByID = records.Collection{}
				}
				collections[station] = snapshot.RecordsByID
			}
			if message, ok := notify.MessageFor(notify.Count(collections, cfg.ThresholdDays, now)); ok {
				fmt.Fprintf(out, "%s: %s\n", message.Title, message.Body)
			} else {
				fmt.Fprintln(out, "no upcoming records")
			}
			return nil
		},
	})
	return notifyCmd
}
