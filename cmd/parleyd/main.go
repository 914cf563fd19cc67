package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hollowlog/parley/internal/blend"
	"github.com/hollowlog/parley/internal/channels"
	"github.com/hollowlog/parley/internal/config"
	"github.com/hollowlog/parley/internal/conversation"
	"github.com/hollowlog/parley/internal/engine"
	otelPkg "github.com/hollowlog/parley/internal/otel"
	"github.com/hollowlog/parley/internal/persist"
	"github.com/hollowlog/parley/internal/refchain"
	"github.com/hollowlog/parley/internal/telemetry"
	"github.com/hollowlog/parley/internal/window"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the conversation daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PARLEY_HOME             Data directory (default: ~/.parley)
  PARLEY_LOG_LEVEL        Log level override (debug, info, warn, error)
  PARLEY_REDIS_ADDR       Redis address override for the redis backend
  TELEGRAM_BOT_TOKEN      Bot token for the Telegram channel
`)
}

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("parleyd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	// OpenTelemetry is a no-op when disabled, zero overhead.
	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	backend, err := buildBackend(cfg)
	if err != nil {
		fatalStartup(logger, "E_STORAGE_INIT", err)
	}
	logger.Info("startup phase", "phase", "storage_ready", "backend", cfg.Storage.Backend)

	store := conversation.NewStore(conversation.Config{
		MaxLength: cfg.Conversation.MaxLength,
		Persona:   cfg.Persona,
	}, logger)
	manager := persist.NewManager(backend, store, persist.Config{
		MaxAge:              cfg.Conversation.MaxAge(),
		AggressiveSizeBytes: cfg.Conversation.AggressiveSizeBytes(),
		SaveInterval:        cfg.Conversation.SaveInterval(),
	}, logger)
	resolver := refchain.NewResolver(nil, logger)
	mixer := blend.NewMixer(cfg.Conversation.BlendPerUserCap, cfg.Persona)

	eng, err := engine.New(engine.Config{
		Window: window.Config{
			MaxLength:     cfg.Conversation.MaxLength,
			SkipThreshold: cfg.Conversation.SkipThreshold,
			Persona:       cfg.Persona,
		},
		ReferenceMaxDepth:   cfg.Conversation.ReferenceMaxDepth,
		MaintenanceSchedule: cfg.MaintenanceSchedule,
	}, engine.Deps{
		Store:    store,
		Manager:  manager,
		Resolver: resolver,
		Mixer:    mixer,
		Model:    engine.EchoModel{},
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_ENGINE_BUILD", err)
	}
	if err := eng.Init(ctx); err != nil {
		fatalStartup(logger, "E_ENGINE_INIT", err)
	}
	logger.Info("startup phase", "phase", "engine_ready", "conversations", store.Count())

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go consumeReloads(ctx, watcher, store, logger)
	}

	chErr := make(chan error, 1)
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tch := channels.NewTelegramChannel(
			cfg.Telegram.Token,
			cfg.Telegram.AllowedIDs,
			cfg.Telegram.BlendedChats,
			eng,
			resolver,
			logger,
		)
		resolver.SetFetcher(tch)
		go func() {
			chErr <- tch.Start(ctx)
		}()
		logger.Info("startup phase", "phase", "channel_started", "channel", tch.Name())
	} else {
		logger.Info("no channel configured, running storage-only")
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-chErr:
		if err != nil {
			logger.Error("channel terminated", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// buildBackend constructs the snapshot backend selected in config.
func buildBackend(cfg config.Config) (persist.Backend, error) {
	switch cfg.Storage.Backend {
	case "", "file":
		path := cfg.Storage.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.HomeDir, path)
		}
		return persist.NewFileBackend(path)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		return persist.NewRedisBackend(client, cfg.Storage.RedisName), nil
	case "memory":
		return persist.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// consumeReloads applies config changes that are safe to pick up live.
// Persona edits rewrite every record's system message; anything else takes
// effect on restart.
func consumeReloads(ctx context.Context, watcher *config.Watcher, store *conversation.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			reloaded, err := config.Load()
			if err != nil {
				logger.Warn("config reload skipped", "path", ev.Path, "error", err)
				continue
			}
			store.SetPersona(reloaded.Persona)
			logger.Info("config reloaded", "path", ev.Path)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"parley","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from path without overriding variables
// already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
