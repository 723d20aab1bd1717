package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBackend 进程内存储，以 JSON 保存副本，读出的值与内部状态互不影响。
// 不处理过期，由调用方根据 TTLExpiresAt 判断
type MemoryBackend struct {
	mu       sync.RWMutex
	snapshot []byte
	health   []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) LoadSnapshot(_ context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(m.snapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *MemoryBackend) SaveSnapshot(_ context.Context, snap *Snapshot, _ time.Duration) error {
	bs, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.snapshot = bs
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) LoadHealth(_ context.Context) (*HealthReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.health == nil {
		return nil, nil
	}
	var r HealthReport
	if err := json.Unmarshal(m.health, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *MemoryBackend) SaveHealth(_ context.Context, report *HealthReport, _ time.Duration) error {
	bs, err := json.Marshal(report)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.health = bs
	m.mu.Unlock()
	return nil
}
