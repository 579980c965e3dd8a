package certify

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

// MemoryStore 将认证记录保存在进程内存中，供测试与单机部署使用。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建内存认证存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Create 插入新记录。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "认证记录已存在")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Version == 0 {
		record.Version = 1
	}
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// Get 返回记录副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// GetByProduct 返回商品当前占用认证席位的记录。
func (m *MemoryStore) GetByProduct(_ context.Context, productID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.ProductID == productID && IsLive(record.Status) {
			return cloneRecord(record), nil
		}
	}
	return nil, ErrRecordNotFound
}

// Update 以乐观锁更新记录。
func (m *MemoryStore) Update(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[record.ID]
	if !ok {
		return ErrRecordNotFound
	}
	if current.Version != record.Version {
		return ErrVersionConflict
	}

	clone := cloneRecord(record)
	clone.Version = current.Version + 1
	clone.UpdatedAt = time.Now().Unix()
	clone.CreatedAt = current.CreatedAt
	m.records[record.ID] = clone
	record.Version = clone.Version
	record.UpdatedAt = clone.UpdatedAt
	return nil
}

// List 按过滤条件返回记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if matchesRecordFilters(record, opts) {
			results = append(results, cloneRecord(record))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID > results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Record{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Count 统计指定状态的记录数。
func (m *MemoryStore) Count(_ context.Context, status Status) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status == "" {
		return int64(len(m.records)), nil
	}
	var total int64
	for _, record := range m.records {
		if record.Status == status {
			total++
		}
	}
	return total, nil
}

// Expire 将已过期的 certified 记录置为 expired。
func (m *MemoryStore) Expire(_ context.Context, now int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for _, record := range m.records {
		if record.Status != StatusCertified {
			continue
		}
		if record.ExpiresAt <= 0 || record.ExpiresAt > now {
			continue
		}
		record.Status = StatusExpired
		record.Version++
		record.UpdatedAt = now
		expired = append(expired, record.ID)
	}
	sort.Strings(expired)
	return expired, nil
}

// Close 释放资源，内存实现无需处理。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesRecordFilters(record *Record, opts ListOptions) bool {
	if opts.Status != "" && record.Status != opts.Status {
		return false
	}
	if opts.ProductID != "" && record.ProductID != opts.ProductID {
		return false
	}
	if opts.Authority != "" && record.Authority != opts.Authority {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
