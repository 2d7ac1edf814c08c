package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/auth"
	"github.com/MarcoPoloResearchLab/stationsync/internal/config"
	"github.com/MarcoPoloResearchLab/stationsync/internal/database"
	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/logging"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/server"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const (
	tokenIssuer   = "stationsync-auth"
	tokenAudience = "stationsync-api"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stationsync-api",
		Short: "Shared record store, lease and presence service for stationsync clients",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newUsersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("lease-ttl-seconds", defaults.GetInt("lease.ttl_seconds"), "Record lease TTL in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Access token signing secret (overrides env)")
	cmd.PersistentFlags().String("anon-key", "", "Public API key clients send in the apikey header")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "lease.ttl_seconds", "lease-ttl-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.anon_key", "anon-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, logging.FormatJSON)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "users"),
	})
	if err != nil {
		return err
	}

	leaseStore, err := leases.NewGormStore(leases.GormStoreConfig{
		Database: db,
		TTL:      appConfig.LeaseTTL,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "lock"),
	})
	if err != nil {
		return err
	}

	rowStore, err := stationdata.NewGormStore(stationdata.GormStoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "share"),
	})
	if err != nil {
		return err
	}

	hub := presence.NewHub()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		AnonKey:      appConfig.AnonKey,
		TokenManager: tokenManager,
		Users:        userService,
		Leases:       leaseStore,
		StationData:  rowStore,
		Presence:     hub,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		// Presence streams never finish on their own; closing the hub ends them so
		// Shutdown can drain.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the allowed users list",
	}

	var (
		email       string
		password    string
		displayName string
		role        string
	)
	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add or update an allowed user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				prompted, err := promptPassword(cmd)
				if err != nil {
					return err
				}
				password = prompted
			}
			return addUser(cmd.Context(), cmd, email, password, displayName, role)
		},
	}
	addCmd.Flags().StringVar(&email, "email", "", "E-mail address used to sign in")
	addCmd.Flags().StringVar(&password, "password", "", "Password (prompted when omitted)")
	addCmd.Flags().StringVar(&displayName, "name", "", "Display name shown to other editors")
	addCmd.Flags().StringVar(&role, "role", users.RoleEditor, "Role (editor, admin)")
	_ = addCmd.MarkFlagRequired("email")

	usersCmd.AddCommand(addCmd)
	return usersCmd
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

func addUser(ctx context.Context, cmd *cobra.Command, email, password, displayName, role string) error {
	configViper := viper.GetViper()
	// The users command never serves requests, so the token and api key settings are not required.
	if strings.TrimSpace(configViper.GetString("auth.signing_secret")) == "" {
		configViper.Set("auth.signing_secret", "unused")
	}
	if strings.TrimSpace(configViper.GetString("auth.anon_key")) == "" {
		configViper.Set("auth.anon_key", "unused")
	}
	appConfig, err := config.Load(configViper)
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, logging.FormatConsole)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	identity, err := userService.AddUser(ctx, email, password, displayName, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", identity.UserID, identity.Email, identity.DisplayName)
	return nil
}
