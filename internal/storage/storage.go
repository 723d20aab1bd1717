package storage

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/LJTian/trendfeed/internal/collector"
)

// Snapshot 一轮聚合的完整输出，整体替换，不做局部覆盖
type Snapshot struct {
	Items          []collector.ContentItem `json:"items"`
	SourceResults  []collector.FetchResult `json:"sourceResults"`
	TrendingTopics []string                `json:"trendingTopics"`
	GeneratedAt    time.Time               `json:"generatedAt"`
	TTLExpiresAt   time.Time               `json:"ttlExpiresAt"`
	// Sequence 产生该快照的刷新轮次编号
	Sequence uint64 `json:"sequence"`
}

// Valid 快照存在且未过期
func (s *Snapshot) Valid(now time.Time) bool {
	return s != nil && now.Before(s.TTLExpiresAt)
}

// Clone 返回可独立修改的副本（条目本身不可变，只复制切片）
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Items = append([]collector.ContentItem(nil), s.Items...)
	cp.SourceResults = append([]collector.FetchResult(nil), s.SourceResults...)
	cp.TrendingTopics = append([]string(nil), s.TrendingTopics...)
	return &cp
}

// HealthStatus 数据源健康状态
type HealthStatus string

const (
	StatusPending HealthStatus = "pending"
	StatusHealthy HealthStatus = "healthy"
	StatusWarning HealthStatus = "warning"
	StatusError   HealthStatus = "error"
	// StatusCached 来自缓存的记录，真实状态见 CachedStatus
	StatusCached HealthStatus = "cached"
)

// HealthRecord 单个数据源的探测结果
type HealthRecord struct {
	SourceID      string              `json:"sourceId"`
	Status        HealthStatus        `json:"status"`
	CachedStatus  HealthStatus        `json:"cachedStatus,omitempty"`
	LatencyMs     int64               `json:"latencyMs"`
	LastCheckedAt time.Time           `json:"lastCheckedAt"`
	ErrorMessage  string              `json:"errorMessage,omitempty"`
	ErrorKind     collector.ErrorKind `json:"errorKind,omitempty"`
	ItemCount     int                 `json:"itemCount"`
}

// HealthReport 一次完整探测的结果集合
type HealthReport struct {
	Feeds     []HealthRecord `json:"feeds"`
	Timestamp time.Time      `json:"timestamp"`
}

func (r *HealthReport) Clone() *HealthReport {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Feeds = append([]HealthRecord(nil), r.Feeds...)
	return &cp
}

// Backend 持久化快照与健康报告。Load 在数据不存在时返回 (nil, nil)
type Backend interface {
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
	// SaveSnapshot ttl<=0 表示不设置过期
	SaveSnapshot(ctx context.Context, snap *Snapshot, ttl time.Duration) error
	LoadHealth(ctx context.Context) (*HealthReport, error)
	SaveHealth(ctx context.Context, report *HealthReport, ttl time.Duration) error
}

// Watcher 可选能力：订阅其他进程写入产生的变更事件
type Watcher interface {
	Watch(ctx context.Context, fn func(Event)) error
}

// EventKind 变更事件类型
type EventKind string

const (
	EventSnapshot EventKind = "snapshot"
	EventHealth   EventKind = "health"
)

// Event 写入成功后发出的变更信号，仅作提示，不参与写入协调
type Event struct {
	Kind     EventKind `json:"kind"`
	Sequence uint64    `json:"sequence,omitempty"`
	Origin   string    `json:"origin,omitempty"`
	Remote   bool      `json:"-"`
}

// Listener 变更回调，在写入方的 goroutine 中同步调用，不应阻塞
type Listener func(Event)

// Store 快照与健康报告的唯一入口，写入成功后通知订阅者
type Store struct {
	backend Backend

	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

func NewStore(b Backend) *Store {
	if b == nil {
		b = NewMemoryBackend()
	}
	return &Store{backend: b, listeners: make(map[int]Listener)}
}

// Subscribe 注册监听器，返回取消函数
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Notify 按注册顺序同步通知所有监听器
func (s *Store) Notify(ev Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range ls {
		l(ev)
	}
}

func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := s.backend.LoadSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	return snap, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	if err := s.backend.SaveSnapshot(ctx, snap, ttl); err != nil {
		return fmt.Errorf("storage: save snapshot: %w", err)
	}
	s.Notify(Event{Kind: EventSnapshot, Sequence: snap.Sequence})
	return nil
}

func (s *Store) Health(ctx context.Context) (*HealthReport, error) {
	r, err := s.backend.LoadHealth(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: load health: %w", err)
	}
	return r, nil
}

func (s *Store) SaveHealth(ctx context.Context, report *HealthReport, ttl time.Duration) error {
	if err := s.backend.SaveHealth(ctx, report, ttl); err != nil {
		return fmt.Errorf("storage: save health: %w", err)
	}
	s.Notify(Event{Kind: EventHealth})
	return nil
}

// Watch 后端支持时，把其他进程的写入转发给本地订阅者；否则直接返回
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.backend.(Watcher)
	if !ok {
		return nil
	}
	if err := w.Watch(ctx, func(ev Event) {
		ev.Remote = true
		s.Notify(ev)
	}); err != nil {
		return fmt.Errorf("storage: watch: %w", err)
	}
	log.Printf("storage: watching remote changes")
	return nil
}
