package certify

import "context"

// Store 定义认证记录的持久化接口。
type Store interface {
	// Create 插入新记录。
	Create(ctx context.Context, record *Record) error
	// Get 按 ID 查询记录。
	Get(ctx context.Context, id string) (*Record, error)
	// GetByProduct 返回商品当前占用认证席位的记录（pending/certified/suspended）。
	GetByProduct(ctx context.Context, productID string) (*Record, error)
	// Update 以乐观锁更新记录：版本落后返回 ErrVersionConflict，
	// 成功后记录版本加一。
	Update(ctx context.Context, record *Record) error
	// List 按过滤条件返回记录列表。
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	// Count 统计指定状态的记录数，状态为空时统计全部。
	Count(ctx context.Context, status Status) (int64, error)
	// Expire 将已过期的 certified 记录置为 expired，返回受影响的记录 ID。
	Expire(ctx context.Context, now int64) ([]string, error)
	// Close 释放底层资源。
	Close() error
}

// ListOptions 控制认证记录查询的过滤条件。
type ListOptions struct {
	Limit     int
	Offset    int
	Status    Status
	ProductID string
	Authority string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
}
