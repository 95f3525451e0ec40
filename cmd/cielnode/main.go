package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/arome3/ciel/pkg/capability"
	"github.com/arome3/ciel/pkg/committer"
	"github.com/arome3/ciel/pkg/config"
	"github.com/arome3/ciel/pkg/node"
	"github.com/arome3/ciel/pkg/observability"
	"github.com/arome3/ciel/pkg/runtime"
	"github.com/arome3/ciel/pkg/trigger"
	"github.com/arome3/ciel/pkg/workflow"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config (env vars override)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("cielnode exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "cielnode")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:    "cielnode",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open commit store: %w", err)
	}
	defer closeStore()

	var chain capability.ChainBackend
	var feed trigger.LogFeed
	if cfg.Capability.GatewayURL != "" {
		chain = capability.NewGatewayBackend(cfg.Capability.GatewayURL, http.DefaultClient)
		feed = trigger.NewGatewayFeed(cfg.Capability.GatewayURL, http.DefaultClient, 0)
	} else {
		logger.Warn("no chain gateway configured, evm capabilities disabled")
	}

	capProvider := capability.NewHTTPProvider(http.DefaultClient, chain, cfg.Capability.MaxResponseBytes)
	clientCfg := capability.DefaultClientConfig()
	clientCfg.CallTimeout = cfg.Capability.CallTimeout
	clientCfg.MaxResponseBytes = cfg.Capability.MaxResponseBytes
	clientCfg.Backoff.MaxAttempts = cfg.Capability.MaxAttempts
	clientCfg.RatePerSecond = cfg.Capability.RatePerSecond
	capClient := capability.NewClient(capProvider, clientCfg)

	registry := node.NewRegistry()
	closeHandlers, err := loadWasmHandlers(ctx, registry, cfg.HandlersDir)
	if err != nil {
		return fmt.Errorf("load handlers: %w", err)
	}
	defer closeHandlers()

	runners := make([]*node.Runner, 0, cfg.Nodes.Count)
	for i := 0; i < cfg.Nodes.Count; i++ {
		runners = append(runners, node.NewRunner(fmt.Sprintf("%s-%d", cfg.Nodes.IDPrefix, i), capClient))
	}
	pool := node.NewPool(runners)

	cmtCfg := committer.DefaultConfig()
	cmtCfg.MaxAttempts = cfg.Committer.MaxAttempts
	cmtCfg.ConfirmInterval = cfg.Committer.ConfirmInterval
	cmtCfg.ConfirmWait = cfg.Committer.ConfirmWait
	cmt := committer.New(capClient, store, cmtCfg)

	engine := runtime.New(registry, pool, cmt, observability.NewLogSink(provider), runtime.Options{
		LogFeed:  feed,
		Provider: provider,
	})

	catalog, err := workflow.LoadCatalog(cfg.CatalogDir, registry)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defs := catalog.List()
	if len(defs) == 0 {
		return fmt.Errorf("catalog %q holds no workflow definitions", cfg.CatalogDir)
	}
	for _, def := range defs {
		if err := engine.Register(def); err != nil {
			return fmt.Errorf("register workflow %q: %w", def.ID, err)
		}
		logger.Info("workflow registered",
			"workflow_id", def.ID,
			"trigger", def.Trigger.Kind,
			"strategy", def.Consensus.Strategy,
			"quorum", def.Consensus.Quorum)
	}

	logger.Info("cielnode starting",
		"version", version,
		"nodes", cfg.Nodes.Count,
		"store", cfg.Store.Backend,
		"workflows", len(defs))

	return engine.Run(ctx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openStore(cfg config.StoreConfig) (committer.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "memory":
		return committer.NewMemoryStore(), noop, nil
	case "sqlite":
		s, err := committer.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := committer.OpenPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s := committer.NewRedisStore(client, "ciel:commit:", cfg.RedisTTL)
		return s, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// handlerManifest describes the WASM handlers shipped alongside the
// node. Outputs must be declared up front so catalog validation can
// check consensus fields before anything runs.
type handlerManifest struct {
	Handlers []struct {
		Name    string   `yaml:"name"`
		Module  string   `yaml:"module"`
		Outputs []string `yaml:"outputs"`
	} `yaml:"handlers"`
}

func loadWasmHandlers(ctx context.Context, registry *node.Registry, dir string) (func(), error) {
	noop := func() {}
	if dir == "" {
		return noop, nil
	}

	data, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read handler manifest: %w", err)
	}
	var manifest handlerManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse handler manifest: %w", err)
	}

	var handlers []*node.WasmHandler
	closeAll := func() {
		for _, h := range handlers {
			_ = h.Close(context.Background())
		}
	}

	for _, entry := range manifest.Handlers {
		wasmBytes, err := os.ReadFile(filepath.Join(dir, entry.Module))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("read module for handler %q: %w", entry.Name, err)
		}
		wh, err := node.NewWasmHandler(ctx, wasmBytes)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("compile handler %q: %w", entry.Name, err)
		}
		handlers = append(handlers, wh)
		if err := registry.Register(entry.Name, entry.Outputs, wh.Handler()); err != nil {
			closeAll()
			return nil, err
		}
		slog.Default().Info("wasm handler loaded", "handler", entry.Name, "module", entry.Module)
	}
	return closeAll, nil
}
