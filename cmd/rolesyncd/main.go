package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/cache"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/config"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/httpapi"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/obs"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/roles"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/session"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := pg.Open(cfg.Postgres.DSN())
	if err != nil {
		log.Fatalf("open role store: %v", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		redisOpts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rdb = redis.NewClient(redisOpts)
	}

	gateway, err := cache.NewGateway(rdb)
	if err != nil {
		log.Fatalf("build cache gateway: %v", err)
	}

	var mgr session.Manager
	if rdb != nil {
		mgr = session.NewRedisNotifier(rdb)
	} else {
		// Without Redis there is no transport to notify; log and move on so
		// the rest of the pipeline stays observable in dev setups.
		mgr = session.ManagerFunc(func(ctx context.Context, sessionID string) error {
			obs.LogEvent(map[string]any{
				"level":      "info",
				"msg":        "session reload (no transport)",
				"session_id": sessionID,
			})
			return nil
		})
	}

	svc, err := roles.NewService(store, gateway, mgr,
		roles.WithWorkers(cfg.Propagation.Workers),
		roles.WithMaxAttempts(cfg.Propagation.MaxAttempts),
		roles.WithBackoff(cfg.Propagation.Backoff),
		roles.WithTaskTimeout(cfg.Propagation.TaskTimeout),
		roles.WithEventTTL(cfg.Propagation.EventTTL),
		roles.WithRateLimit(cfg.Propagation.ReloadsPerSec, cfg.Propagation.ReloadBurst),
	)
	if err != nil {
		log.Fatalf("build propagation service: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, svc, version)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting rolesyncd %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	svc.Close()
	_ = store.Close()
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Println("Stopped")
}
