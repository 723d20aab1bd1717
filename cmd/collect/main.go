package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/LJTian/trendfeed/internal/aggregator"
	"github.com/LJTian/trendfeed/internal/clock"
	"github.com/LJTian/trendfeed/internal/collector"
	"github.com/LJTian/trendfeed/internal/config"
	"github.com/LJTian/trendfeed/internal/health"
	"github.com/LJTian/trendfeed/internal/scheduler"
	"github.com/LJTian/trendfeed/internal/seed"
	"github.com/LJTian/trendfeed/internal/storage"
)

// 一个仅执行一次同步的命令行入口：强制刷新内容并完成一次健康探测，打印摘要后退出
func main() {
	cfg := config.Load()
	clk := clock.Real{}

	var backend storage.Backend = storage.NewMemoryBackend()
	if cfg.RedisAddr != "" {
		rb := storage.NewRedisBackend(cfg.RedisAddr, cfg.RedisKeyPrefix)
		defer rb.Close()
		backend = rb
	}
	store := storage.NewStore(backend)

	reg := collector.DefaultRegistry(cfg.ProxyEndpoints())
	if len(cfg.DisabledSources) > 0 {
		reg = reg.Without(cfg.DisabledSources...)
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	snap, records, err := s.RunOnce(ctx)

	if snap != nil {
		fmt.Printf("snapshot #%d: %d items, trending %v\n", snap.Sequence, len(snap.Items), snap.TrendingTopics)
		for _, r := range snap.SourceResults {
			fmt.Printf("  %-20s %-8s items=%-3d latency=%dms %s\n", r.SourceID, r.Outcome, len(r.Items), r.LatencyMs, r.ErrorMessage)
		}
	}
	fmt.Println("health:")
	for _, rec := range records {
		fmt.Printf("  %-20s %-8s latency=%dms %s\n", rec.SourceID, rec.Status, rec.LatencyMs, rec.ErrorMessage)
	}
	if err != nil {
		log.Printf("collect failed: %v", err)
		os.Exit(1)
	}
}
