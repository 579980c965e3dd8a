package market

import "context"

// Store 定义商品目录与订单台账的持久化接口。
type Store interface {
	// CreateProduct 插入新商品，SKU 冲突返回 ErrProductExists。
	CreateProduct(ctx context.Context, product *Product) error
	// GetProduct 按 ID 查询商品。
	GetProduct(ctx context.Context, id string) (*Product, error)
	// GetProductBySKU 按 SKU 查询商品。
	GetProductBySKU(ctx context.Context, sku string) (*Product, error)
	// UpdateProduct 以乐观锁更新商品：版本落后返回 ErrVersionConflict，
	// 成功后商品版本加一。
	UpdateProduct(ctx context.Context, product *Product) error
	// ListProducts 按过滤条件返回商品列表。
	ListProducts(ctx context.Context, opts ListOptions) ([]*Product, error)
	// CountProducts 返回商品总数。
	CountProducts(ctx context.Context) (int64, error)
	// CreateOrder 追加订单记录。
	CreateOrder(ctx context.Context, order *Order) error
	// GetOrder 按 ID 查询订单。
	GetOrder(ctx context.Context, id string) (*Order, error)
	// ListOrders 按过滤条件返回订单列表。
	ListOrders(ctx context.Context, opts OrderListOptions) ([]*Order, error)
	// Close 释放底层资源。
	Close() error
}

// OrderListOptions 控制订单查询的过滤条件。
type OrderListOptions struct {
	Limit     int
	Offset    int
	Buyer     string
	ProductID string
}

func (opts *OrderListOptions) applyDefaults() {
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
