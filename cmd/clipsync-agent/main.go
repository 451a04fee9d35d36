package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/config"
	"github.com/MarcoPoloResearchLab/clipsync/internal/localstore"
	"github.com/MarcoPoloResearchLab/clipsync/internal/logging"
	"github.com/MarcoPoloResearchLab/clipsync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clipsync-agent",
		Short:         "Clipboard sync agent for one device",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRunCommand(), newSyncCommand(), newCaptureCommand(), newListCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("device-name", "", "Human readable device name")
	cmd.PersistentFlags().String("device-class", defaults.GetString("device.class"), "Device class (relay, leaf)")
	cmd.PersistentFlags().String("database-path", "", "SQLite database path")
	cmd.PersistentFlags().String("store-url", defaults.GetString("store.url"), "Remote store base URL")
	cmd.PersistentFlags().String("enrollment-secret", "", "Store enrollment secret (overrides env)")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Periodic sync interval")
	cmd.PersistentFlags().String("resolver-strategy", "", "Automatic tie strategy (timestamp_priority, device_priority, content_hash_tiebreak)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "device.class", "device-class")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "store.url", "store-url")
	bindFlag(cmd, "store.enrollment_secret", "enrollment-secret")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "resolver.strategy", "resolver-strategy")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

func newRunCommand() *cobra.Command {
	var captureStdin bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				group, groupCtx := errgroup.WithContext(ctx)
				group.Go(func() error { return a.monitor.Run(groupCtx) })
				group.Go(func() error { return a.coordinator.Run(groupCtx) })
				if captureStdin {
					group.Go(func() error { return captureLines(groupCtx, a, cmd.InOrStdin()) })
				}
				a.logger.Info("agent started",
					zap.String("device_name", a.identity.Name),
					zap.String("device_class", string(a.identity.Class)))
				return group.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&captureStdin, "capture-stdin", false, "Treat each stdin line as a clipboard observation")
	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and print the resulting status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				a.monitor.Check(ctx)
				_, syncErr := a.coordinator.SyncNow(ctx)
				if err := writeJSON(cmd.OutOrStdout(), a.coordinator.Status()); err != nil {
					return err
				}
				return syncErr
			})
		},
	}
}

func newCaptureCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "capture [content...]",
		Short: "Record one clipboard observation and deliver it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args, " ")
			kind := contentTypeOf(content)
			if contentType != "" {
				parsed, err := clip.ParseContentType(contentType)
				if err != nil {
					return err
				}
				kind = parsed
			}
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				a.monitor.Check(ctx)
				result, err := a.coordinator.Capture(ctx, syncer.Observation{Content: content, ContentType: kind})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{
					"local_id":     result.Record.LocalID,
					"canonical_id": result.Record.CanonicalID,
					"origin":       result.Record.OriginDevice,
					"duplicate":    result.Duplicate,
					"correlation":  result.Correlation.Reason,
					"resolution":   result.Outcome,
					"delivery":     result.Delivery,
				})
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "type", "", "Content type (text, url, image, file)")
	return cmd
}

func newListCommand() *cobra.Command {
	var includeTombstones bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the local clipboard records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAgent(cmd.Context(), func(ctx context.Context, a *agent) error {
				filter := localstore.Live()
				if includeTombstones {
					filter = localstore.All()
				}
				records, err := a.store.FindAll(ctx, filter)
				if err != nil {
					return err
				}
				for _, record := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%t\t%s\n",
						record.LocalID, record.CanonicalID, record.SyncState, record.Tombstoned, preview(record.Content))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeTombstones, "all", false, "Include tombstoned records")
	return cmd
}

func withAgent(ctx context.Context, fn func(context.Context, *agent) error) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(agentConfig.LogLevel, agentConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openAgent(signalCtx, agentConfig, logger)
	if err != nil {
		return err
	}
	defer a.close() //nolint:errcheck

	return fn(signalCtx, a)
}

func writeJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func preview(content string) string {
	const limit = 60
	single := strings.ReplaceAll(content, "\n", " ")
	runes := []rune(single)
	if len(runes) <= limit {
		return single
	}
	return string(runes[:limit-1]) + "…"
}
