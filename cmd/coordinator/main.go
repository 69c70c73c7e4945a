package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"fleetwan/pkg/api"
	"fleetwan/pkg/bandwidth"
	"fleetwan/pkg/config"
	"fleetwan/pkg/exitnode"
	"fleetwan/pkg/keepalive"
	"fleetwan/pkg/kv"
	"fleetwan/pkg/locks"
	"fleetwan/pkg/messaging"
	"fleetwan/pkg/rate"
	"fleetwan/pkg/reconcile"
	"fleetwan/pkg/store"
	"fleetwan/pkg/usage"
	"fleetwan/pkg/version"
	"fleetwan/pkg/worker"
)

func main() {
	cfg := config.Load()

	addr := flag.String("addr", cfg.ListenAddr, "listen address")
	storeType := flag.String("store", "mysql", "store backend: mysql|memory")
	kvType := flag.String("kv", "redis", "shared kv backend: redis|consul (consul requires build tag consul)")
	consulAddr := flag.String("consul-addr", "127.0.0.1:8500", "consul address (when kv=consul)")
	agentToken := flag.String("agent-token", "", "bearer token for exit-node agents (optional)")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		log.Printf("coordinator version=%s", version.Build)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	switch *storeType {
	case "mysql":
		var err error
		st, err = store.Open(cfg.MySQLDSN)
		if err != nil {
			log.Fatalf("mysql init failed: %v", err)
		}
	case "memory":
		st = store.NewMemoryStore()
	default:
		log.Fatalf("unsupported store type: %s", *storeType)
	}

	var shared kv.KV
	switch *kvType {
	case "redis":
		shared = kv.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "consul":
		shared = kv.NewConsul(ctx, *consulAddr)
	default:
		log.Fatalf("unsupported kv type: %s", *kvType)
	}

	pool := worker.NewPool(4, 256)
	pool.Start()
	defer pool.Stop()

	lockMgr := locks.NewManager(shared)
	governor := rate.NewGovernor(shared, time.Minute, cfg.RateSyncInterval)
	governor.Start(ctx)
	defer governor.Stop(ctx)

	hub := messaging.NewHub()
	dir := exitnode.NewDirectory(st, cfg.ExitNodeName, cfg.ProbeTimeout)
	accounting := usage.NewAccounting(st, pool)
	tracker := bandwidth.NewTracker(st, accounting, cfg.StalenessThreshold, cfg.ReportInterval, cfg.UsageEnabled)
	reconciler := reconcile.NewReconciler(st, dir, hub, pool)

	sweeper := keepalive.NewSweeper(st, hub, pool, cfg.SweepInterval, cfg.PingTimeout, cfg.GraceDelay)
	sweeper.SetGuard(func(fn func()) {
		// one sweep per tick across all instances
		if err := lockMgr.WithLock(ctx, "keepalive-sweep", cfg.SweepInterval, func() error {
			fn()
			return nil
		}); err != nil {
			log.Printf("sweep skipped: %v", err)
		}
	})
	hub.SetPingHandler(func(msg messaging.Message) bool {
		if res := governor.CheckRateLimit("olm-"+msg.OlmID, "ping", cfg.PingRateMax, 0); res.Limited {
			log.Printf("ping from %s rate limited (%s)", msg.OlmID, res.Reason)
			return false
		}
		return sweeper.HandlePing(msg)
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{
		Store:          st,
		Tracker:        tracker,
		Hub:            hub,
		Governor:       governor,
		Reconciler:     reconciler,
		AgentToken:     *agentToken,
		IngestMax:      cfg.IngestRateMax,
		IngestBatchMax: cfg.IngestBatchMax,
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("coordinator listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
