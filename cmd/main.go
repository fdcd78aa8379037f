package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"net/http"
	"os"
	"os/signal"
	"spotcast/config"
	"spotcast/device/cast"
	"spotcast/hub"
	"strings"
	"syscall"
	"time"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "spotcast",
	Short: "Launch Spotify on cast speakers for home automations",
	PersistentPreRun: func(*cobra.Command, []string) {
		logger = buildLogger(viper.GetString("log-level"))
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the play/stop HTTP API and metrics",
	RunE:  runServe,
}

var playCmd = &cobra.Command{
	Use:   "play <device> [uri]",
	Short: "Launch Spotify on a device and optionally start a URI",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPlay,
}

var stopCmd = &cobra.Command{
	Use:   "stop <device>",
	Short: "Stop the Spotify receiver on a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List cast devices found on the local network",
	RunE:  runDiscover,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	defaults := config.Defaults()
	rootCmd.PersistentFlags().String("devices", "config/devices.yaml", "device manifest")
	rootCmd.PersistentFlags().String("credentials", "config/credentials.yaml", "spotify account credentials")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("max-attempts", defaults.MaxAttempts, "poll ticks to wait for the receiver to accept the user, 0 waits forever")
	rootCmd.PersistentFlags().Duration("discovery-timeout", defaults.DiscoveryTimeout, "how long to browse mDNS for devices")
	serveCmd.Flags().String("listen", defaults.Listen, "HTTP listen address")
	playCmd.Flags().String("account", "", "spotify account (default account when empty)")
	playCmd.Flags().Bool("transfer", false, "transfer current playback when no uri is given")

	for _, command := range []*cobra.Command{rootCmd, serveCmd, playCmd} {
		if err := viper.BindPFlags(command.Flags()); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
			os.Exit(1)
		}
	}
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
	viper.SetEnvPrefix("SPOTCAST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, playCmd, stopCmd, discoverCmd)
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}
	return builtLogger
}

func loadConfig() (*config.AppConfig, error) {
	appConfig, err := config.ReadConfigAndCredentials(viper.GetString("devices"), viper.GetString("credentials"), logger)
	if err != nil {
		return nil, err
	}
	appConfig.Settings.MaxAttempts = viper.GetInt("max-attempts")
	appConfig.Settings.DiscoveryTimeout = viper.GetDuration("discovery-timeout")
	if listen := viper.GetString("listen"); listen != "" {
		appConfig.Settings.Listen = listen
	}
	return appConfig, nil
}

func buildHub(registry prometheus.Registerer) (*hub.Hub, *config.AppConfig, error) {
	appConfig, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	h, err := hub.NewHub(appConfig, registry, logger)
	if err != nil {
		return nil, nil, err
	}
	return h, appConfig, nil
}

func runServe(*cobra.Command, []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	h, appConfig, err := buildHub(registry)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              appConfig.Settings.Listen,
		Handler:           hub.NewServeMux(h, registry),
		ReadTimeout:       1500 * time.Millisecond,
		ReadHeaderTimeout: 500 * time.Millisecond,
		// a play request waits for the receiver and for Spotify Connect
		WriteTimeout: 2 * time.Minute,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("Listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runPlay(cmd *cobra.Command, args []string) error {
	h, _, err := buildHub(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	request := hub.PlayRequest{
		Account:  viper.GetString("account"),
		Device:   args[0],
		Transfer: viper.GetBool("transfer"),
	}
	if len(args) > 1 {
		request.Uri = args[1]
	}
	if err := h.Play(cmd.Context(), request); err != nil {
		return err
	}
	logger.Info("Playing", zap.String("device", request.Device), zap.String("uri", request.Uri))
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	h, _, err := buildHub(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	return h.Stop(cmd.Context(), args[0])
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	devices, err := cast.Discover(cmd.Context(), viper.GetDuration("discovery-timeout"), logger)
	if err != nil {
		return err
	}
	for _, device := range devices {
		fmt.Printf("%-30s %-18s %-6d %-16s %s\n", device.Name, device.Ip, device.Port, device.Model, device.Uuid)
	}
	return nil
}
