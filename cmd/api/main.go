package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/LJTian/trendfeed/internal/aggregator"
	"github.com/LJTian/trendfeed/internal/api"
	"github.com/LJTian/trendfeed/internal/clock"
	"github.com/LJTian/trendfeed/internal/collector"
	"github.com/LJTian/trendfeed/internal/config"
	"github.com/LJTian/trendfeed/internal/health"
	"github.com/LJTian/trendfeed/internal/scheduler"
	"github.com/LJTian/trendfeed/internal/seed"
	"github.com/LJTian/trendfeed/internal/storage"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real{}

	// 未配置 Redis 时状态只保存在进程内存中
	var backend storage.Backend = storage.NewMemoryBackend()
	if cfg.RedisAddr != "" {
		rb := storage.NewRedisBackend(cfg.RedisAddr, cfg.RedisKeyPrefix)
		defer rb.Close()
		backend = rb
	}
	store := storage.NewStore(backend)
	store.Subscribe(func(ev storage.Event) {
		log.Printf("store changed: kind=%s sequence=%d remote=%v", ev.Kind, ev.Sequence, ev.Remote)
	})
	if err := store.Watch(ctx); err != nil {
		log.Printf("warn: %v", err)
	}

	reg := collector.DefaultRegistry(cfg.ProxyEndpoints())
	if len(cfg.DisabledSources) > 0 {
		reg = reg.Without(cfg.DisabledSources...)
		log.Printf("disabled sources: %v (%d remaining)", cfg.DisabledSources, reg.Len())
	}

	seedItems, err := seed.Load(cfg.SeedFile, clk.Now())
	if err != nil {
		log.Fatalf("load seed failed: %v", err)
	}

	transport := collector.NewCollyTransport(cfg.UserAgent, cfg.RequestTimeout)
	agg := aggregator.New(reg, collector.NewCollector(transport, clk, cfg.RequestTimeout), store, seedItems, clk, aggregator.Options{
		TTL:           cfg.ContentTTL,
		SafetyTimeout: cfg.SafetyTimeout,
	})
	mon := health.New(reg, transport, store, clk, health.Options{
		Delay:          cfg.ProbeDelay,
		TTL:            cfg.HealthTTL,
		RequestTimeout: cfg.RequestTimeout,
	})

	s, err := scheduler.New(cfg.RefreshCron, cfg.HealthCron, agg, mon)
	if err != nil {
		log.Fatalf("init scheduler failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	// API
	r := gin.Default()
	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPass != "" {
		r.Use(api.BasicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}
	api.NewServer(agg, mon, clk).RegisterRoutes(r)

	addr := ":" + cfg.AppPort
	log.Printf("starting api server at %s ...", addr)
	go func() {
		if err := r.Run(addr); err != nil {
			log.Fatalf("server exit: %v", err)
		}
	}()
	<-ctx.Done()
	log.Println("shutting down...")
}
