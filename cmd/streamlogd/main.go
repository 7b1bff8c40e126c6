package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamlogio/streamlog/pkg/catalog"
	"github.com/streamlogio/streamlog/pkg/config"
	"github.com/streamlogio/streamlog/pkg/core"
	"github.com/streamlogio/streamlog/pkg/directory"
	"github.com/streamlogio/streamlog/pkg/observability/otel"
	"github.com/streamlogio/streamlog/pkg/observability/prometheus"
	"github.com/streamlogio/streamlog/pkg/streamlog"
	"github.com/streamlogio/streamlog/pkg/streamlog/rpc"
)

func main() {
	logger := core.NewJSONLogger()
	logger.Info("starting streamlogd")

	cfg := loadConfig(logger)

	if cfg.Tracing.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := otel.Initialize(ctx, otel.Config{
			ServiceName: cfg.Tracing.ServiceName,
			Environment: cfg.Tracing.Environment,
			Exporter:    cfg.Tracing.Exporter,
			Endpoint:    cfg.Tracing.Endpoint,
			SampleRate:  cfg.Tracing.SampleRate,
		})
		cancel()
		if err != nil {
			logger.Warnf("tracing disabled: failed to initialize: %v", err)
		} else {
			logger.Info("tracing initialized")
		}
	}

	engine, err := streamlog.NewEngine(streamlog.EngineConfig{
		WALDir:       cfg.Storage.WALDir,
		SegmentDir:   cfg.Storage.SegmentDir,
		MaxTableSize: cfg.Storage.MaxTableSize,
		MaxWALSize:   cfg.Storage.MaxWALSize,
	}, logger)
	if err != nil {
		logger.Errorf("failed to open storage engine: %v", err)
		os.Exit(1)
	}
	defer engine.Close()

	var cat *catalog.Catalog
	if cfg.Catalog.Path != "" {
		cat, err = catalog.Open(cfg.Catalog.Path, logger)
		if err != nil {
			logger.Errorf("failed to open segment catalog: %v", err)
			os.Exit(1)
		}
		defer cat.Close()
		engine.SetSegmentRecorder(cat)

		rebuildCtx, rebuildCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := cat.RebuildFromScan(rebuildCtx, cfg.Storage.SegmentDir); err != nil {
			logger.Warnf("catalog rebuild from directory scan failed: %v", err)
		}
		rebuildCancel()
	}

	dirClt := directory.NewClient(directory.Config{
		BaseURL:        cfg.Directory.BaseURL,
		JWTSecret:      cfg.Directory.JWTSecret,
		RequestTimeout: cfg.Directory.RequestTimeout,
	}, logger)

	aclCache := directory.NewACLCache(dirClt, cfg.Directory.ACLRecheckPeriod)

	if cfg.Directory.PostgresDSN != "" {
		pgCtx, pgCancel := context.WithTimeout(context.Background(), 10*time.Second)
		pgCache, err := directory.NewPGCache(pgCtx, cfg.Directory.PostgresDSN, dirClt.CheckACL, cfg.Directory.ACLRecheckPeriod, logger)
		pgCancel()
		if err != nil {
			logger.Warnf("shared postgres ACL cache disabled: failed to open: %v", err)
		} else {
			defer pgCache.Close()
			logger.Info("using shared postgres-backed ACL cache")
			aclCache = directory.NewACLCacheFunc(pgCache.Allowed, cfg.Directory.ACLRecheckPeriod)
		}
	}

	var eventSub *directory.EventSubscriber
	if cfg.NATS.URL != "" {
		eventSub, err = directory.NewEventSubscriber(cfg.NATS.URL, logger, func(evt directory.ConversationCreatedEvent) {
			logger.Infof("observed conversation creation for stream %d", evt.StreamID)
		})
		if err != nil {
			logger.Warnf("conversation-created event subscription disabled: %v", err)
		} else {
			defer eventSub.Close()
		}
	}

	server := rpc.New(rpc.Config{
		Addr:      cfg.RPC.Addr,
		TailAddr:  cfg.RPC.TailAddr,
		JWTSecret: cfg.RPC.JWTSecret,
	}, engine, dirClt, aclCache, logger)

	prometheus.GetMetrics()

	go func() {
		logger.Infof("append/batch RPC listening on %s, tail RPC listening on %s", cfg.RPC.Addr, cfg.RPC.TailAddr)
		if err := server.Start(); err != nil {
			logger.Errorf("RPC server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := server.Stop(); err != nil {
		logger.Errorf("error stopping RPC server: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := otel.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("error shutting down tracer: %v", err)
	}
	shutdownCancel()

	logger.Info("streamlogd stopped")
}

func loadConfig(logger core.Logger) config.StreamLogConfig {
	cfg := config.DefaultStreamLogConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "streamlogd.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := config.LoadWithEnv(path, "STREAMLOGD", &cfg); err != nil {
			logger.Errorf("failed to load config from %s: %v", path, err)
			os.Exit(1)
		}
		logger.Infof("loaded config from %s", path)
	} else {
		if err := config.ApplyEnvOverrides("STREAMLOGD", &cfg); err != nil {
			logger.Errorf("failed to apply environment overrides: %v", err)
			os.Exit(1)
		}
		logger.Info("no config file found, using defaults with environment overrides")
	}

	return cfg
}
