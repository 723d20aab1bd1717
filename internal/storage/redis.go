package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "trendfeed:"

// RedisBackend 把快照与健康报告各存为一个带 TTL 的 key，写入后 PUBLISH 变更事件
type RedisBackend struct {
	client *redis.Client
	prefix string
	// origin 标识本进程，订阅时忽略自己发出的事件
	origin string
}

// NewRedisBackend 连接 Redis；ping 失败只记录警告，后续读写再返回错误
func NewRedisBackend(addr, prefix string) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("warn: redis ping failed: %v", err)
	}
	return NewRedisBackendFromClient(rdb, prefix)
}

func NewRedisBackendFromClient(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBackend{client: rdb, prefix: prefix, origin: uuid.NewString()}
}

func (r *RedisBackend) snapshotKey() string { return r.prefix + "snapshot" }
func (r *RedisBackend) healthKey() string   { return r.prefix + "health" }
func (r *RedisBackend) channel() string     { return r.prefix + "events" }

func (r *RedisBackend) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	ok, err := r.load(ctx, r.snapshotKey(), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

func (r *RedisBackend) SaveSnapshot(ctx context.Context, snap *Snapshot, ttl time.Duration) error {
	if err := r.save(ctx, r.snapshotKey(), snap, ttl); err != nil {
		return err
	}
	r.publish(ctx, Event{Kind: EventSnapshot, Sequence: snap.Sequence})
	return nil
}

func (r *RedisBackend) LoadHealth(ctx context.Context) (*HealthReport, error) {
	var report HealthReport
	ok, err := r.load(ctx, r.healthKey(), &report)
	if err != nil || !ok {
		return nil, err
	}
	return &report, nil
}

func (r *RedisBackend) SaveHealth(ctx context.Context, report *HealthReport, ttl time.Duration) error {
	if err := r.save(ctx, r.healthKey(), report, ttl); err != nil {
		return err
	}
	r.publish(ctx, Event{Kind: EventHealth})
	return nil
}

func (r *RedisBackend) load(ctx context.Context, key string, v any) (bool, error) {
	bs, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisBackend) save(ctx context.Context, key string, v any, ttl time.Duration) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, key, bs, ttl).Err()
}

// publish 失败只记录日志，变更通知是尽力而为的
func (r *RedisBackend) publish(ctx context.Context, ev Event) {
	ev.Origin = r.origin
	bs, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(), bs).Err(); err != nil {
		log.Printf("warn: redis publish %s failed: %v", ev.Kind, err)
	}
}

// Watch 订阅变更频道，订阅建立后返回；回调在后台 goroutine 中执行，ctx 取消时停止
func (r *RedisBackend) Watch(ctx context.Context, fn func(Event)) error {
	sub := r.client.Subscribe(ctx, r.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("warn: bad change event %q: %v", msg.Payload, err)
					continue
				}
				if ev.Origin == r.origin {
					continue
				}
				fn(ev)
			}
		}
	}()
	return nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
