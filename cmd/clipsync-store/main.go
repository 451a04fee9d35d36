package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/auth"
	"github.com/MarcoPoloResearchLab/clipsync/internal/config"
	"github.com/MarcoPoloResearchLab/clipsync/internal/database"
	"github.com/MarcoPoloResearchLab/clipsync/internal/devices"
	"github.com/MarcoPoloResearchLab/clipsync/internal/logging"
	"github.com/MarcoPoloResearchLab/clipsync/internal/remotestore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer   = "clipsync-store"
	tokenAudience = "clipsync-agent"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clipsync-store",
		Short: "Remote record store shared by clipsync agents",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", "", "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("enrollment-secret", "", "Secret devices present to enroll (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.enrollment_secret", "enrollment-secret")
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

func runServer(ctx context.Context) error {
	storeConfig, err := config.LoadStore(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(storeConfig.LogLevel, storeConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(storeConfig.DatabasePath, logger, &remotestore.StoredRecord{}, &devices.Device{})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(storeConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      storeConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	enrollment, err := auth.NewEnrollmentVerifier(storeConfig.EnrollmentSecret)
	if err != nil {
		return err
	}

	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	records, err := remotestore.NewService(remotestore.ServiceConfig{
		Database: db,
		Notifier: dispatcher,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      tokenManager,
		Enrollment:        enrollment,
		Devices:           registry,
		Records:           records,
		Realtime:          dispatcher,
		HeartbeatInterval: storeConfig.HeartbeatInterval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event streams derive from signalCtx so they end before Shutdown waits on them.
	httpServer := &http.Server{
		Addr:              storeConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("store starting", zap.String("address", storeConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
