package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liveframe/liveframe/internal/auth"
	"github.com/liveframe/liveframe/internal/bridge"
	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/component"
	"github.com/liveframe/liveframe/internal/config"
	"github.com/liveframe/liveframe/internal/connection"
	"github.com/liveframe/liveframe/internal/debug"
	"github.com/liveframe/liveframe/internal/hooks"
	"github.com/liveframe/liveframe/internal/live"
	"github.com/liveframe/liveframe/internal/logging"
	"github.com/liveframe/liveframe/internal/room"
	"github.com/liveframe/liveframe/internal/signature"
	"github.com/liveframe/liveframe/internal/store"
	"github.com/liveframe/liveframe/internal/upload"
	"github.com/liveframe/liveframe/internal/web"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("liveframe " + version)
	fmt.Println("=============================================")
	fmt.Printf("LIVE_ADDR=%s\n", cfg.Addr)
	fmt.Printf("LIVE_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("LIVE_UPLOAD_DIR=%s\n", cfg.UploadDir)
	fmt.Printf("KEY_ROTATION_INTERVAL=%s\n", cfg.KeyRotationInterval)
	fmt.Printf("LIVE_MAX_CONNECTIONS=%d\n", cfg.MaxConnections)
	fmt.Printf("DEBUG_LIVE=%t\n", cfg.DebugLive)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Error("failed to create upload directory", "dir", cfg.UploadDir, "error", err)
		os.Exit(1)
	}

	clk := clock.Real{}

	signer, err := signature.New(signature.Options{
		StateSecret:          cfg.StateSecret,
		MaxKeyAge:            cfg.MaxKeyAge,
		KeyRetentionCount:    cfg.KeyRetentionCount,
		StateMaxAge:          cfg.StateMaxAge,
		CompressionEnabled:   cfg.CompressionEnabled,
		CompressionThreshold: cfg.CompressionThreshold,
		CompressionLevel:     cfg.CompressionLevel,
	}, &keyStoreAdapter{db}, clk, log.Logger)
	if err != nil {
		log.Error("failed to build signature engine", "error", err)
		os.Exit(1)
	}

	// Auth: JWT provider when a secret is configured, static accounts
	// always available for tooling.
	authMgr := auth.NewManager(log.Logger)
	if cfg.JWTSecret != "" {
		authMgr.Register(auth.NewJWTProvider(cfg.JWTSecret))
		log.Info("jwt auth provider enabled")
	}
	authMgr.Register(auth.NewStaticProvider())

	rules := auth.NewRuleSet()
	if cfg.AccessRulesPath != "" {
		rules, err = auth.LoadRuleSet(cfg.AccessRulesPath)
		if err != nil {
			log.Error("failed to load access rules", "path", cfg.AccessRulesPath, "error", err)
			os.Exit(1)
		}
		log.Info("access rules loaded", "path", cfg.AccessRulesPath)
	}
	gate := auth.NewGate(authMgr, rules, &auditAdapter{db}, log.Logger)

	conns := connection.NewManager(connection.Options{
		MaxConnections:    cfg.MaxConnections,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HealthInterval:    cfg.HealthInterval,
	}, clk, log.Logger)

	bus := room.NewBus(log.Logger)
	sender := &roomSenderProxy{}
	rooms := room.NewManager(bus, sender, clk, log.Logger)

	uploads := upload.NewManager(cfg.UploadDir, db, &uploadAuditAdapter{db}, clk, log.Logger)

	pub := &publisherProxy{}
	registry := component.NewRegistry(component.Deps{
		Signer:    signer,
		Gate:      gate,
		Rooms:     rooms,
		Services:  component.NewServices(),
		Publisher: pub,
		Clock:     clk,
		Log:       log,
		Filter:    logging.ParseFilter(cfg.LiveLogging),
	})
	registerBuiltins(registry)

	dbg := debug.New(cfg.DebugLive, cfg.DebugCapacity, clk)
	hookDispatcher := hooks.NewDispatcher(hooks.Options{
		Timeout: cfg.HookTimeout,
		Retries: cfg.HookRetries,
	}, log.Logger)

	dispatcher := live.NewDispatcher(live.Deps{
		Conns:    conns,
		Registry: registry,
		Rooms:    rooms,
		Uploads:  uploads,
		Auth:     authMgr,
		Gate:     gate,
		Debug:    dbg,
		Hooks:    hookDispatcher,
		Clock:    clk,
		Log:      log,
	})
	sender.d = dispatcher
	pub.d = dispatcher

	if cfg.MQTTBroker != "" {
		br := bridge.New(cfg.MQTTBroker, cfg.MQTTTopic, "liveframe-"+version, clk, log.Logger)
		bus.Tap(br.Tap())
		go func() {
			if err := br.Run(ctx); err != nil {
				log.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	// Background maintenance.
	sched := cron.New()
	sched.AddFunc("@every "+cfg.KeyRotationInterval.String(), func() {
		if err := signer.Rotate(); err != nil {
			log.Error("key rotation failed", "error", err)
		}
	})
	sched.AddFunc("@every 1m", signer.SweepNonces)
	sched.AddFunc("@every 30s", func() {
		if n := uploads.Sweep(); n > 0 {
			log.Info("expired stale uploads", "count", n)
		}
		if n := rooms.Reap(); n > 0 {
			log.Info("reaped empty rooms", "count", n)
		}
	})
	sched.AddFunc("@every 1h", func() {
		if err := db.PruneQuota(clk.Now().Add(-24 * time.Hour)); err != nil {
			log.Error("quota prune failed", "error", err)
		}
	})
	sched.Start()
	defer sched.Stop()

	go conns.RunHeartbeat(ctx)
	go conns.RunHealthCheck(ctx)
	go registry.RunHealthMonitor(ctx)

	srv := web.New(web.Dependencies{
		Conns:    conns,
		Registry: registry,
		Rooms:    rooms,
		Uploads:  uploads,
		Signer:   signer,
		Debug:    dbg,
		Audit:    db,
		WS:       dispatcher.HandleWS,
		Clock:    clk,
		Log:      log.Logger,
		Version:  version,
	})
	go func() {
		if err := srv.Start(cfg.Addr); err != nil {
			log.Error("server error", "error", err)
			cancel()
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("liveframe started", "version", version, "addr", cfg.Addr)
	<-ctx.Done()
	log.Info("liveframe shutdown complete")
}

// --- Adapters bridging concrete types to subsystem interfaces ---

// keyStoreAdapter converts store.Store key records to the signature
// engine's persistence view.
type keyStoreAdapter struct{ s *store.Store }

func (a *keyStoreAdapter) SaveKey(k signature.StoredKey) error {
	return a.s.SaveKey(store.KeyRecord{
		ID:        k.ID,
		Key:       k.Key,
		CreatedAt: k.CreatedAt,
		Current:   k.Current,
	})
}

func (a *keyStoreAdapter) LoadKeys() ([]signature.StoredKey, error) {
	records, err := a.s.LoadKeys()
	if err != nil {
		return nil, err
	}
	out := make([]signature.StoredKey, len(records))
	for i, r := range records {
		out[i] = signature.StoredKey{
			ID:        r.ID,
			Key:       r.Key,
			CreatedAt: r.CreatedAt,
			Current:   r.Current,
		}
	}
	return out, nil
}

func (a *keyStoreAdapter) DeleteKey(id string) error {
	return a.s.DeleteKey(id)
}

// auditAdapter persists auth denials.
type auditAdapter struct{ s *store.Store }

func (a *auditAdapter) RecordDenial(kind, userID, subject, reason string, at time.Time) {
	_ = a.s.AppendAudit(store.AuditEntry{
		Timestamp: at,
		Kind:      kind,
		UserID:    userID,
		Subject:   subject,
		Reason:    reason,
	})
}

// uploadAuditAdapter persists upload rejections.
type uploadAuditAdapter struct{ s *store.Store }

func (a *uploadAuditAdapter) RecordRejection(userID, filename, reason string, at time.Time) {
	_ = a.s.AppendAudit(store.AuditEntry{
		Timestamp: at,
		Kind:      "upload_rejected",
		UserID:    userID,
		Subject:   filename,
		Reason:    reason,
	})
}

// roomSenderProxy breaks the room manager / dispatcher construction
// cycle: the manager is built first, the dispatcher is plugged in after.
type roomSenderProxy struct{ d *live.Dispatcher }

func (p *roomSenderProxy) SendToConnection(connID string, data []byte) bool {
	if p.d == nil {
		return false
	}
	return p.d.SendToConnection(connID, data)
}

// publisherProxy does the same for the component registry.
type publisherProxy struct{ d *live.Dispatcher }

func (p *publisherProxy) PublishToConnection(connID string, v any) {
	if p.d != nil {
		p.d.PublishToConnection(connID, v)
	}
}
