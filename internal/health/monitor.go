package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/LJTian/trendfeed/internal/clock"
	"github.com/LJTian/trendfeed/internal/collector"
	"github.com/LJTian/trendfeed/internal/storage"
)

// ErrUnknownSource 注册表中不存在该数据源
var ErrUnknownSource = errors.New("health: unknown source")

const (
	defaultDelay   = 3 * time.Second
	defaultTTL     = time.Hour
	defaultTimeout = 15 * time.Second
)

type Options struct {
	// Delay 相邻两次限流敏感探测之间的等待
	Delay time.Duration
	TTL   time.Duration
	// RequestTimeout 单次探测超时
	RequestTimeout time.Duration
}

// Monitor 逐个探测数据源（不并发），结果单独缓存
type Monitor struct {
	registry  *collector.Registry
	transport collector.Transport
	store     *storage.Store
	clock     clock.Clock
	delay     time.Duration
	ttl       time.Duration
	timeout   time.Duration

	// probeMu 保证同一时刻只有一个探测在进行
	probeMu sync.Mutex
}

func New(reg *collector.Registry, tr collector.Transport, store *storage.Store, clk clock.Clock, opts Options) *Monitor {
	if clk == nil {
		clk = clock.Real{}
	}
	if opts.Delay < 0 {
		opts.Delay = defaultDelay
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultTimeout
	}
	return &Monitor{
		registry:  reg,
		transport: tr,
		store:     store,
		clock:     clk,
		delay:     opts.Delay,
		ttl:       opts.TTL,
		timeout:   opts.RequestTimeout,
	}
}

// Pending 返回所有数据源的初始状态，供界面在探测开始前展示
func (m *Monitor) Pending() []storage.HealthRecord {
	out := make([]storage.HealthRecord, 0, m.registry.Len())
	for _, d := range m.registry.All() {
		out = append(out, storage.HealthRecord{SourceID: d.ID, Status: storage.StatusPending})
	}
	return out
}

// CheckAll 按注册顺序逐个探测，每完成一个就从通道送出一条记录。
// 全部完成后写入缓存并关闭通道；ctx 取消时停止后续探测，不写缓存
func (m *Monitor) CheckAll(ctx context.Context) <-chan storage.HealthRecord {
	sources := m.registry.All()
	out := make(chan storage.HealthRecord, len(sources))

	go func() {
		defer close(out)
		m.probeMu.Lock()
		defer m.probeMu.Unlock()

		records := make([]storage.HealthRecord, 0, len(sources))
		sensitiveProbed := false
		for _, d := range sources {
			if d.RateSensitive {
				if sensitiveProbed {
					if err := m.clock.Sleep(ctx, m.delay); err != nil {
						log.Printf("health: check cancelled before %s: %v", d.ID, err)
						return
					}
				}
				sensitiveProbed = true
			}
			if ctx.Err() != nil {
				log.Printf("health: check cancelled before %s", d.ID)
				return
			}

			rec := m.probe(ctx, d)
			if ctx.Err() != nil {
				log.Printf("health: check cancelled during %s", d.ID)
				return
			}
			records = append(records, rec)
			out <- rec
		}

		report := &storage.HealthReport{Feeds: records, Timestamp: m.clock.Now()}
		if err := m.store.SaveHealth(context.WithoutCancel(ctx), report, m.ttl); err != nil {
			log.Printf("health: %v", err)
			return
		}
		log.Printf("health: checked %d sources", len(records))
	}()
	return out
}

// CheckOne 探测单个数据源；若存在未过期的缓存报告，则替换其中对应记录，保持报告时间不变
func (m *Monitor) CheckOne(ctx context.Context, id string) (storage.HealthRecord, error) {
	d, ok := m.registry.Get(id)
	if !ok {
		return storage.HealthRecord{}, fmt.Errorf("%w: %s", ErrUnknownSource, id)
	}

	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	rec := m.probe(ctx, d)

	report, err := m.store.Health(ctx)
	if err != nil {
		return rec, err
	}
	now := m.clock.Now()
	if report == nil || !now.Before(m.ExpiresAt(report)) {
		return rec, nil
	}
	next := report.Clone()
	replaced := false
	for i := range next.Feeds {
		if next.Feeds[i].SourceID == id {
			next.Feeds[i] = rec
			replaced = true
		}
	}
	if !replaced {
		next.Feeds = append(next.Feeds, rec)
	}
	if err := m.store.SaveHealth(ctx, next, m.ExpiresAt(next).Sub(now)); err != nil {
		return rec, err
	}
	return rec, nil
}

// Cached 返回未过期的健康报告，每条记录的状态标为 cached，原状态放在 CachedStatus
func (m *Monitor) Cached(ctx context.Context) (*storage.HealthReport, bool) {
	report, err := m.store.Health(ctx)
	if err != nil {
		log.Printf("health: %v", err)
		return nil, false
	}
	if report == nil || !m.clock.Now().Before(m.ExpiresAt(report)) {
		return nil, false
	}
	out := report.Clone()
	for i := range out.Feeds {
		out.Feeds[i].CachedStatus = out.Feeds[i].Status
		out.Feeds[i].Status = storage.StatusCached
	}
	return out, true
}

// ExpiresAt 报告过期时间
func (m *Monitor) ExpiresAt(r *storage.HealthReport) time.Time {
	return r.Timestamp.Add(m.ttl)
}

// NextSync 距离下一次自动探测的剩余时间，每次调用按当前时间重新计算
func (m *Monitor) NextSync(r *storage.HealthReport, now time.Time) time.Duration {
	if r == nil {
		return 0
	}
	if left := m.ExpiresAt(r).Sub(now); left > 0 {
		return left
	}
	return 0
}

// probe 只请求代理链中的第一项，验证可达性与响应结构
func (m *Monitor) probe(ctx context.Context, d collector.Descriptor) storage.HealthRecord {
	a := d.Attempts()[0]
	start := m.clock.Now()
	rec := storage.HealthRecord{SourceID: d.ID}
	finish := func(status storage.HealthStatus, err error) storage.HealthRecord {
		rec.Status = status
		rec.LastCheckedAt = m.clock.Now()
		rec.LatencyMs = rec.LastCheckedAt.Sub(start).Milliseconds()
		if err != nil {
			rec.ErrorMessage = err.Error()
			rec.ErrorKind = collector.Classify(err)
		}
		if status != storage.StatusHealthy {
			log.Printf("health: %s via %s -> %s: %v", d.ID, a.Proxy, status, err)
		}
		return rec
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	resp, err := m.transport.Get(reqCtx, a.URL)
	if err != nil {
		return finish(storage.StatusError, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return finish(storage.StatusError, &collector.HTTPError{StatusCode: resp.StatusCode})
	}

	parsed, err := parseSafely(d, a.Shape, resp.Body, m.clock.Now())
	switch {
	case errors.Is(err, collector.ErrRateLimited):
		return finish(storage.StatusWarning, err)
	case err != nil:
		return finish(storage.StatusError, err)
	case len(parsed.Items) == 0:
		return finish(storage.StatusWarning, collector.ErrEmptyResult)
	}
	rec.ItemCount = len(parsed.Items)
	return finish(storage.StatusHealthy, nil)
}

func parseSafely(d collector.Descriptor, shape collector.Shape, body []byte, now time.Time) (p collector.Parsed, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", collector.ErrParse, r)
		}
	}()
	return collector.Parse(d, shape, body, now)
}
