// Command captionist is the entry point of the captionist subtitle server.
//
// In server mode it exposes the session API over HTTP. With -input it runs a
// single session to completion and writes WebVTT subtitles instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/captionist/internal/app"
	"github.com/MrWong99/captionist/internal/config"
	"github.com/MrWong99/captionist/internal/observe"
	"github.com/MrWong99/captionist/internal/server"
	"github.com/MrWong99/captionist/internal/timeline"
	"github.com/MrWong99/captionist/pkg/provider/translation"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config is parsed")
	input := flag.String("input", "", "run a single session over this input and exit")
	outPath := flag.String("out", "", "subtitle output file for -input (default: stdout)")
	track := flag.String("track", string(timeline.TrackTranslated), "subtitle track for -input: original or translated")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	envErr := godotenv.Load(*envFile)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "captionist: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "captionist: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if envErr != nil {
		slog.Debug("no dotenv file loaded, using process environment", "path", *envFile, "err", envErr)
	} else {
		slog.Info("loaded environment", "path", *envFile)
	}
	slog.Info("captionist starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	builtins := registerBuiltinProviders(reg)
	providers, err := buildProviders(cfg, reg, builtins)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, *input)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *input != "" {
		return runOnce(ctx, application, *input, *outPath, timeline.Track(*track))
	}
	return serve(ctx, application, telemetry, cfg, *configPath, level)
}

// serve runs the HTTP API until a shutdown signal arrives.
func serve(ctx context.Context, application *app.App, telemetry *observe.Telemetry, cfg *config.Config, configPath string, level *slog.LevelVar) int {
	srv, err := server.New(application.Sessions(),
		server.WithHealth(application.Health()),
		server.WithMetrics(application.Metrics()),
		server.WithMetricsHandler(telemetry.MetricsHandler()),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
	)
	if err != nil {
		slog.Error("failed to create http server", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, func(_, new *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		application.ApplyConfig(new, diff)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.Server.ListenAddr, cfg.Server.TLS)
	})
	g.Go(func() error {
		err := application.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if watcher != nil {
		// SIGHUP forces an immediate reload.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-hup:
					if _, err := watcher.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "err", err)
					}
				}
			}
		})
	}

	slog.Info("server ready; press Ctrl+C to shut down, send SIGHUP to reload the config")
	runErr := g.Wait()
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runOnce processes input as a single session and writes its subtitles.
func runOnce(ctx context.Context, application *app.App, input, outPath string, track timeline.Track) int {
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	sess, err := application.Sessions().Start(ctx, app.SessionSpec{Input: input})
	if err != nil {
		slog.Error("failed to start session", "input", input, "err", err)
		return 1
	}
	select {
	case <-sess.Done():
	case <-ctx.Done():
		slog.Info("interrupted, stopping session", "session_id", sess.ID())
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Sessions().Stop(sctx, sess.ID()); err != nil {
			slog.Warn("session did not stop in time", "err", err)
		}
	}

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			slog.Error("failed to create output file", "path", outPath, "err", err)
			return 1
		}
		defer f.Close()
		out = f
	}
	if err := timeline.WriteVTT(out, sess.Timeline().Snapshot(), timeline.VTTOptions{Track: track}); err != nil {
		slog.Error("failed to write subtitles", "err", err)
		return 1
	}

	info := sess.Info()
	slog.Info("session complete",
		"session_id", info.ID,
		"state", info.State,
		"units", info.Units,
		"translation_failures", info.Stats.TranslationFailures,
	)
	if sess.Err() != nil {
		slog.Error("session failed", "err", sess.Err())
		return 1
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, input string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       Captionist — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("Translation", cfg.Providers.Translation.Name, cfg.Providers.Translation.Model)
	fmt.Printf("║  Fallbacks       : %-19d ║\n", len(cfg.Providers.TranslationFallbacks))
	printProvider("Recognition", cfg.Providers.Recognition.Name, cfg.Providers.Recognition.Model)
	printValue("Target language", cfg.Translation.TargetLanguage)
	printValue("Segment mode", string(cfg.Segment.Mode))
	printValue("Storage", string(cfg.Storage.Driver))
	if input != "" {
		printValue("Input", input)
	} else {
		printValue("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printValue(kind, value)
}

func printValue(label, value string) {
	if value == "" {
		value = "(not set)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// translationNames returns the names of the configured translation backends
// in failover order.
func translationNames(primary translation.Backend, fallbacks []translation.Backend) []string {
	if primary == nil {
		return nil
	}
	names := []string{primary.Name()}
	for _, b := range fallbacks {
		names = append(names, b.Name())
	}
	return names
}
