package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LJTian/trendfeed/internal/aggregator"
	"github.com/LJTian/trendfeed/internal/health"
	"github.com/LJTian/trendfeed/internal/storage"
)

// 单次任务的最长执行时间
const jobTimeout = 2 * time.Minute

// Scheduler 定时检查内容缓存与健康报告是否过期，过期才真正请求上游
type Scheduler struct {
	cron       *cron.Cron
	aggregator *aggregator.Aggregator
	monitor    *health.Monitor
}

func New(refreshSpec, healthSpec string, agg *aggregator.Aggregator, mon *health.Monitor) (*Scheduler, error) {
	c := cron.New()

	s := &Scheduler{
		cron:       c,
		aggregator: agg,
		monitor:    mon,
	}

	if _, err := c.AddFunc(refreshSpec, s.syncContent); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(healthSpec, s.syncHealth); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	// 延迟执行首轮同步，避免与用户首次打开页面的请求争抢资源
	const startupDelay = 15 * time.Second
	time.AfterFunc(startupDelay, func() {
		go s.syncContent()
		go s.syncHealth()
	})
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce 强制刷新内容并完成一次完整健康探测，方便手动触发
func (s *Scheduler) RunOnce(ctx context.Context) (*storage.Snapshot, []storage.HealthRecord, error) {
	log.Println("start one-shot sync...")
	snap, err := s.aggregator.Refresh(ctx)
	if err != nil {
		log.Printf("refresh error: %v", err)
	}
	s.aggregator.WaitLate()
	if cached, ok := s.aggregator.GetCached(ctx); ok {
		snap = cached
	}

	var records []storage.HealthRecord
	for rec := range s.monitor.CheckAll(ctx) {
		records = append(records, rec)
	}
	log.Printf("one-shot sync done, health records=%d", len(records))
	return snap, records, err
}

func (s *Scheduler) syncContent() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, ok := s.aggregator.GetCached(ctx); ok {
		return
	}
	log.Println("content cache expired, refreshing...")
	snap, err := s.aggregator.Refresh(ctx)
	if err != nil {
		log.Printf("scheduled refresh error: %v", err)
		return
	}
	log.Printf("scheduled refresh done, items=%d", len(snap.Items))
}

func (s *Scheduler) syncHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if _, ok := s.monitor.Cached(ctx); ok {
		return
	}
	log.Println("health report expired, probing sources...")
	n := 0
	for range s.monitor.CheckAll(ctx) {
		n++
	}
	log.Printf("scheduled health check done, probed=%d", n)
}
