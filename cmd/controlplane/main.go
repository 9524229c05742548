package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/aegisgate/aegis/internal/autoban"
	"github.com/aegisgate/aegis/internal/compiler"
	"github.com/aegisgate/aegis/internal/config"
	"github.com/aegisgate/aegis/internal/database"
	"github.com/aegisgate/aegis/internal/gateway"
	"github.com/aegisgate/aegis/internal/geo"
	"github.com/aegisgate/aegis/internal/ingest"
	"github.com/aegisgate/aegis/internal/logger"
	"github.com/aegisgate/aegis/internal/metrics"
	"github.com/aegisgate/aegis/internal/server"
	"github.com/aegisgate/aegis/internal/services"
	"github.com/aegisgate/aegis/internal/version"
)

func main() {
	// Setup logging with rotation
	logDir := "/app/data/logs"
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		// Fallback to local directory if /app/data fails (e.g. local dev)
		logDir = filepath.Join("data", "logs")
		_ = os.MkdirAll(logDir, 0o755)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "aegis.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(mw)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger.Init(cfg.Environment == "development", mw)

	log.Printf("starting %s control plane version %s", version.Name, version.Full())

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	rules := services.NewRuleService(db)
	policies := services.NewPolicyService(db)
	settings := services.NewSettingsService(db)
	events := services.NewEventService(db)
	audit := services.NewAuditService(db)
	notify := services.NewNotificationService(cfg.NotifyURLs)

	if _, err := policies.EnsureGlobalSet(); err != nil {
		log.Fatalf("ensure global policy set: %v", err)
	}

	resolver := geo.NewResolver(cfg.GeoIPDBPath)
	if err := resolver.Open(); err != nil {
		// Geo enrichment is optional; run without it.
		logger.WithError(err).Warn("geoip database unavailable")
	}
	geoSource := ""
	if resolver.Loaded() {
		geoSource = cfg.GeoIPDBPath
	}

	client := gateway.NewClient(cfg.GatewayAdmin, cfg.GatewayTimeout)
	manager := compiler.NewManager(client, rules, policies, settings, audit, notify,
		cfg.ArtifactDir, cfg.SnapshotDir, geoSource)

	engine := autoban.NewEngine(rules, settings, audit, notify, manager.MarkDirty)

	attackTailer := ingest.NewTailer(db, events, settings, resolver, cfg.EventLogPath, engine.Process)
	authTailer := ingest.NewTailer(db, events, settings, resolver, cfg.AuthLogPath, engine.Process)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	every := fmt.Sprintf("@every %s", cfg.PollInterval)
	if _, err := scheduler.AddFunc(every, func() { attackTailer.Poll() }); err != nil {
		log.Fatalf("schedule attack tailer: %v", err)
	}
	if _, err := scheduler.AddFunc(every, func() { authTailer.Poll() }); err != nil {
		log.Fatalf("schedule auth tailer: %v", err)
	}
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.ApplyInterval), func() {
		manager.TickApply(ctx)
	}); err != nil {
		log.Fatalf("schedule apply tick: %v", err)
	}
	if _, err := scheduler.AddFunc("@every 1h", func() { engine.EvictEmpty(time.Now()) }); err != nil {
		log.Fatalf("schedule counter eviction: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// First poll and initial compile shortly after start, without waiting a
	// full interval.
	go func() {
		time.Sleep(3 * time.Second)
		attackTailer.Poll()
		authTailer.Poll()
		if err := manager.ApplyConfig(ctx); err != nil {
			logger.WithError(err).Warn("initial config apply failed")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"port":    cfg.HTTPPort,
		"gateway": cfg.GatewayAdmin,
		"logs":    []string{cfg.EventLogPath, cfg.AuthLogPath},
	}).Info("control plane running")

	if err := server.New(cfg, registry).Run(ctx); err != nil {
		log.Fatalf("ops server error: %v", err)
	}
}
