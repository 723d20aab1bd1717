package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/LJTian/trendfeed/internal/clock"
	"github.com/LJTian/trendfeed/internal/collector"
	"github.com/LJTian/trendfeed/internal/processor"
	"github.com/LJTian/trendfeed/internal/storage"
)

var (
	// ErrAllSourcesFailed 所有数据源都失败且没有种子数据，可稍后重试
	ErrAllSourcesFailed = errors.New("aggregator: all sources failed and no seed data available")
	// ErrUnknownSource 注册表中不存在该数据源
	ErrUnknownSource = errors.New("aggregator: unknown source")
)

const (
	defaultTTL    = 30 * time.Minute
	defaultSafety = 4 * time.Second
)

type Options struct {
	TTL time.Duration
	// SafetyTimeout 一轮抓取最多等待的时间，0 表示等待全部数据源
	SafetyTimeout time.Duration
}

// Aggregator 带 TTL 的聚合缓存：抓取、合并、排序、提取热词，再整体写入 Store。
// 每轮刷新分配递增的轮次号，只有最近发起的一轮可以写缓存
type Aggregator struct {
	registry  *collector.Registry
	collector *collector.Collector
	store     *storage.Store
	clock     clock.Clock
	seed      []collector.ContentItem
	ttl       time.Duration
	safety    time.Duration

	// mu 保护 seq 与 retried，并串行化所有快照写入
	mu     sync.Mutex
	seq    uint64
	loaded bool
	// retried 记录手动重试写入时所在的轮次，同一轮的迟到结果不再覆盖它
	retried map[string]uint64

	// flight 让并发的 Get 共用同一轮刷新
	flight singleflight.Group
	late   sync.WaitGroup
}

func New(reg *collector.Registry, c *collector.Collector, store *storage.Store, seed []collector.ContentItem, clk clock.Clock, opts Options) *Aggregator {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.SafetyTimeout < 0 {
		opts.SafetyTimeout = defaultSafety
	}
	return &Aggregator{
		registry:  reg,
		collector: c,
		store:     store,
		clock:     clk,
		seed:      append([]collector.ContentItem(nil), seed...),
		ttl:       opts.TTL,
		safety:    opts.SafetyTimeout,
		retried:   map[string]uint64{},
	}
}

func (a *Aggregator) Registry() *collector.Registry {
	return a.registry
}

// GetCached 返回未过期的快照，不发起任何请求
func (a *Aggregator) GetCached(ctx context.Context) (*storage.Snapshot, bool) {
	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		log.Printf("aggregator: %v", err)
		return nil, false
	}
	if !snap.Valid(a.clock.Now()) {
		return nil, false
	}
	return snap, true
}

// Get 缓存有效时直接返回，否则刷新。并发调用共用同一轮刷新，
// 单个调用方取消只影响自己的等待，不会中断这一轮
func (a *Aggregator) Get(ctx context.Context) (*storage.Snapshot, error) {
	if snap, ok := a.GetCached(ctx); ok {
		return snap, nil
	}
	ch := a.flight.DoChan("refresh", func() (any, error) {
		bg := context.WithoutCancel(ctx)
		// 上一轮可能刚好在本次检查之后写入
		if snap, ok := a.GetCached(bg); ok {
			return snap, nil
		}
		return a.Refresh(bg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*storage.Snapshot).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refresh 强制执行一轮完整抓取。单个数据源失败不会导致刷新失败；
// 只有全部失败且没有种子数据时返回 ErrAllSourcesFailed，此时不改动已有缓存。
// ctx 在安全计时器之前被取消时不写缓存，由迟到结果补齐本轮快照
func (a *Aggregator) Refresh(ctx context.Context) (*storage.Snapshot, error) {
	seq := a.begin(ctx)
	log.Printf("aggregator: cycle %d started (%d sources)", seq, a.registry.Len())

	// 安全计时器到期后仍在进行的请求要继续跑完，不能随调用方 ctx 一起取消
	bg := context.WithoutCancel(ctx)
	cy := a.collector.Start(bg, a.registry)
	results := cy.Wait(ctx, a.safety)

	now := a.clock.Now()
	expires := now.Add(a.ttl)
	if ctx.Err() != nil && cy.TimedOut() {
		log.Printf("aggregator: cycle %d caller gone with %d sources pending, waiting for late results", seq, cy.Pending())
		a.followLate(bg, cy, seq, results, expires)
		return nil, ctx.Err()
	}

	snap, err := a.build(results, seq, now, expires)
	if err == nil {
		a.commit(bg, snap)
	}
	if cy.Pending() > 0 {
		log.Printf("aggregator: cycle %d returned with %d sources still pending", seq, cy.Pending())
	}
	a.followLate(bg, cy, seq, results, expires)

	if err != nil {
		log.Printf("aggregator: cycle %d failed: %v", seq, err)
		return nil, err
	}
	return snap, nil
}

// RetrySource 重新抓取单个数据源，只替换当前快照中该源的结果并重新合并。
// 不受轮次限制，不改变 TTL 与轮次号
func (a *Aggregator) RetrySource(ctx context.Context, id string) (collector.FetchResult, error) {
	d, ok := a.registry.Get(id)
	if !ok {
		return collector.FetchResult{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}
	res := a.collector.FetchSource(ctx, d)
	log.Printf("aggregator: retry %s -> %s (%d items)", id, res.Outcome, len(res.Items))

	a.mu.Lock()
	defer a.mu.Unlock()
	cur, err := a.store.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	if cur == nil {
		log.Printf("aggregator: retry %s: no snapshot to update", id)
		return res, nil
	}
	next := a.replace(cur, res)
	if err := a.store.SaveSnapshot(ctx, next, a.remaining(next)); err != nil {
		return res, err
	}
	a.retried[id] = next.Sequence
	return res, nil
}

// WaitLate 等待所有迟到结果处理完毕
func (a *Aggregator) WaitLate() {
	a.late.Wait()
}

func (a *Aggregator) begin(ctx context.Context) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loaded {
		// 从已持久化的快照继续编号，重启后轮次号仍然递增
		if snap, err := a.store.Snapshot(ctx); err == nil && snap != nil && snap.Sequence > a.seq {
			a.seq = snap.Sequence
		}
		a.loaded = true
	}
	a.seq++
	return a.seq
}

func (a *Aggregator) build(results []collector.FetchResult, seq uint64, now, expires time.Time) (*storage.Snapshot, error) {
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	if succeeded == 0 && len(a.seed) == 0 {
		return nil, ErrAllSourcesFailed
	}

	items := processor.Rank(processor.Merge(results, a.seed))
	return &storage.Snapshot{
		Items:          items,
		SourceResults:  append([]collector.FetchResult(nil), results...),
		TrendingTopics: processor.Trending(items, processor.DefaultTrendingSize),
		GeneratedAt:    now,
		TTLExpiresAt:   expires,
		Sequence:       seq,
	}, nil
}

// commit 仅当 snap 属于最近发起的一轮时写入
func (a *Aggregator) commit(ctx context.Context, snap *storage.Snapshot) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if snap.Sequence != a.seq {
		log.Printf("aggregator: cycle %d superseded by %d, result not cached", snap.Sequence, a.seq)
		return false
	}
	if err := a.store.SaveSnapshot(ctx, snap, a.remaining(snap)); err != nil {
		log.Printf("aggregator: cycle %d: %v", snap.Sequence, err)
		return false
	}
	log.Printf("aggregator: cycle %d cached %d items, trending %v", snap.Sequence, len(snap.Items), snap.TrendingTopics)
	return true
}

// followLate 把安全计时器之后才完成的结果合并进同一轮的快照
func (a *Aggregator) followLate(ctx context.Context, cy *collector.Cycle, seq uint64, results []collector.FetchResult, expires time.Time) {
	current := append([]collector.FetchResult(nil), results...)
	a.late.Add(1)
	go func() {
		defer a.late.Done()
		for r := range cy.Late() {
			current = replaceResult(current, r)
			a.mergeLate(ctx, seq, r, current, expires)
		}
	}()
}

func (a *Aggregator) mergeLate(ctx context.Context, seq uint64, r collector.FetchResult, current []collector.FetchResult, expires time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq != a.seq {
		log.Printf("aggregator: late result from %s dropped, cycle %d superseded by %d", r.SourceID, seq, a.seq)
		return
	}

	if a.retried[r.SourceID] == seq {
		log.Printf("aggregator: late result from %s dropped, source was retried during cycle %d", r.SourceID, seq)
		return
	}

	var next *storage.Snapshot
	cur, err := a.store.Snapshot(ctx)
	if err == nil && cur != nil && cur.Sequence == seq {
		next = a.replace(cur, r)
	} else {
		// 本轮尚未成功写入过（例如此前全部失败），用已收到的结果重新构建
		next, err = a.build(current, seq, a.clock.Now(), expires)
		if err != nil {
			return
		}
	}
	if err := a.store.SaveSnapshot(ctx, next, a.remaining(next)); err != nil {
		log.Printf("aggregator: late merge %s: %v", r.SourceID, err)
		return
	}
	log.Printf("aggregator: late result from %s merged into cycle %d (%s, %d items)", r.SourceID, seq, r.Outcome, len(r.Items))
}

// replace 用单个数据源的新结果替换快照中的旧结果并重新合并，保留 TTL 与轮次号
func (a *Aggregator) replace(cur *storage.Snapshot, r collector.FetchResult) *storage.Snapshot {
	next := cur.Clone()
	next.SourceResults = replaceResult(next.SourceResults, r)
	next.Items = processor.Rank(processor.Merge(next.SourceResults, a.seed))
	next.TrendingTopics = processor.Trending(next.Items, processor.DefaultTrendingSize)
	return next
}

func (a *Aggregator) remaining(snap *storage.Snapshot) time.Duration {
	ttl := snap.TTLExpiresAt.Sub(a.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// replaceResult 按 SourceID 替换，找不到时追加
func replaceResult(results []collector.FetchResult, r collector.FetchResult) []collector.FetchResult {
	out := append([]collector.FetchResult(nil), results...)
	for i := range out {
		if out[i].SourceID == r.SourceID {
			out[i] = r
			return out
		}
	}
	return append(out, r)
}
