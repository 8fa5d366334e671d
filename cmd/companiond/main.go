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
	"path/filepath"
	"strings"
	"syscall"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/karunalabs/companion/internal/chat"
	"github.com/karunalabs/companion/internal/chat/sessionstore"
	"github.com/karunalabs/companion/internal/config"
	"github.com/karunalabs/companion/internal/gateway"
	"github.com/karunalabs/companion/internal/httpapi"
	"github.com/karunalabs/companion/internal/lockfile"
	"github.com/karunalabs/companion/internal/monitor"
	"github.com/karunalabs/companion/internal/ocr"
	"github.com/karunalabs/companion/internal/safety"
	"github.com/karunalabs/companion/internal/stream"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("companiond %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `companiond

Usage:
  companiond init [flags]
  companiond run [flags]
  companiond version

Commands:
  init        Write a starter config file.
  run         Run the companion using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	provider := fs.String("provider", "openai", "Gateway provider: openai|anthropic")
	model := fs.String("model", "", "Gateway model (empty: provider default)")
	_ = fs.Parse(args)

	cfg := &config.Config{
		GatewayProvider: strings.TrimSpace(*provider),
		GatewayModel:    strings.TrimSpace(*model),
		LogFormat:       "json",
		LogLevel:        "info",
	}
	if err := config.Save(*cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath(filepath.Clean(*cfgPath))
	}
	// Single instance per store: the SQLite session store holds one
	// connection and concurrent daemons would race on it.
	lk, err := lockfile.Acquire(dbPath + ".lock")
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fmt.Fprintln(os.Stderr, "companiond is already running for this data directory")
		} else {
			fmt.Fprintf(os.Stderr, "failed to acquire lock: %v\n", err)
		}
		os.Exit(1)
	}
	defer func() { _ = lk.Release() }()

	store, err := sessionstore.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	classifier := safety.New()
	if p := strings.TrimSpace(cfg.SafetyRulesPath); p != "" {
		if err := classifier.LoadRules(p); err != nil {
			log.Warn("safety rules not loaded, using defaults", "path", p, "err", err)
		}
	}
	suggester := stream.NewSuggester()
	if p := strings.TrimSpace(cfg.SuggestRulesPath); p != "" {
		if err := suggester.LoadRules(p); err != nil {
			log.Warn("suggestion rules not loaded, using defaults", "path", p, "err", err)
		}
	}

	var extractor ocr.Extractor
	if ep := strings.TrimSpace(cfg.OCREndpoint); ep != "" {
		extractor = ocr.NewHTTPExtractor(ep, 0)
	}

	gw := gateway.New(gateway.Options{
		Logger:         log,
		Provider:       gatewayProvider(cfg),
		APIKey:         gatewayAPIKey(cfg),
		BaseURL:        cfg.GatewayBaseURL,
		Model:          gatewayModel(cfg),
		RequestTimeout: cfg.GatewayTimeout(),
	})
	if !gw.Configured() {
		log.Warn("gateway not configured; replies will be unavailable until a key is set",
			"provider", cfg.GatewayProvider)
	}

	engine, err := chat.NewEngine(chat.Options{
		Logger:               log,
		Gateway:              gw,
		OCR:                  extractor,
		Safety:               classifier,
		Suggester:            suggester,
		Streamer:             stream.New(cfg.StreamBatchRunes, cfg.StreamInterval()),
		Store:                store,
		HistoryWindow:        cfg.HistoryWindow,
		WatchdogCeiling:      cfg.WatchdogTimeout(),
		MaxImageDim:          cfg.MaxImageDimension,
		KeepAttachmentsLocal: cfg.KeepAttachmentsLocal,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init engine: %v\n", err)
		os.Exit(1)
	}

	api, err := httpapi.New(httpapi.Options{
		Logger:  log,
		Addr:    cfg.ListenAddr,
		Engine:  engine,
		Monitor: monitor.NewService(log),
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init api server: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := api.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start api server: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	engine.CancelSend()
	_ = api.Close()
}

func gatewayProvider(cfg *config.Config) string {
	p := strings.TrimSpace(cfg.GatewayProvider)
	if p == "openai" && strings.TrimSpace(cfg.GatewayBaseURL) != "" {
		return "openai_compatible"
	}
	return p
}

func gatewayModel(cfg *config.Config) string {
	if m := strings.TrimSpace(cfg.GatewayModel); m != "" {
		return m
	}
	switch strings.TrimSpace(cfg.GatewayProvider) {
	case "anthropic":
		return "claude-sonnet-4-5"
	default:
		return "gpt-4o-mini"
	}
}

func gatewayAPIKey(cfg *config.Config) string {
	env := strings.TrimSpace(cfg.GatewayAPIKeyEnv)
	if env == "" {
		switch strings.TrimSpace(cfg.GatewayProvider) {
		case "anthropic":
			env = "ANTHROPIC_API_KEY"
		default:
			env = "OPENAI_API_KEY"
		}
	}
	return strings.TrimSpace(os.Getenv(env))
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", cfg.LogLevel)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	if file := strings.TrimSpace(cfg.LogFile); file != "" {
		w = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", cfg.LogFormat)
	}

	return slog.New(h), nil
}
