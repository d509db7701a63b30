// Command vistalk captures speech with a camera still and exchanges it with
// an inference endpoint, speaking the reply.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/vistalk/internal/app"
	"github.com/MrWong99/vistalk/internal/config"
	"github.com/MrWong99/vistalk/internal/observe"
)

var (
	version = "0.1.0"
	cfgFile string
)

// logLevel backs the default logger so hot reload can change it.
var logLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:           "vistalk",
	Short:         "Speech-triggered audio and image capture client",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture speech, exchange it with the endpoint and speak replies",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runClient(cmd.Context())
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve only the local media-upload endpoint",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runRelay(cmd.Context())
	},
}

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the voices of the configured TTS provider",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listVoices(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vistalk v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(voicesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "vistalk: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config and installs the default logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", cfgFile)
		}
		return nil, err
	}
	logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	return cfg, nil
}

func runClient(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.Info("vistalk starting",
		"config", cfgFile,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{Role: observe.RoleClient, ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		return err
	}
	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithLogLevel(logLevel))
	if err != nil {
		return err
	}

	watcher, err := config.NewWatcher(cfgFile, func(_, _ *config.Config, d config.ConfigDiff) {
		application.ApplyConfig(d)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready; press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

func runRelay(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{Role: observe.RoleRelay, ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	return app.ServeRelay(ctx, cfg, nil, nil)
}

func listVoices(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Providers.TTS.Name == "" {
		return errors.New("providers.tts is not configured")
	}
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	p, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("list voices: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tLANGUAGES\t%s\n", strings.ToUpper(cfg.Playback.Language))
	for _, v := range voices {
		mark := ""
		if v.Speaks(cfg.Playback.Language) {
			mark = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.ID, v.Name, strings.Join(v.Languages, ","), mark)
	}
	return tw.Flush()
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         vistalk - startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Providers.Source.Name)
	printRow("VAD", cfg.Providers.VAD.Name)
	printRow("TTS", providerLabel(cfg.Providers.TTS))
	if n := len(cfg.Providers.TTSFallbacks); n > 0 {
		printRow("TTS fallback", fmt.Sprint(n))
	}
	printRow("Output", string(cfg.Playback.Output))
	printRow("Encoding", string(cfg.Capture.Encoding))
	printRow("Threshold", fmt.Sprintf("%.0f", cfg.Detector.Threshold))
	printRow("Relay", fmt.Sprint(cfg.Relay.Enabled))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Printf("endpoint: %s\n", cfg.Capture.Endpoint)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return ""
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
