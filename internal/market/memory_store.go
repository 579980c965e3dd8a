package market

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

// MemoryStore 以内存方式保存商品与订单，用于单机部署和测试。
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*Product
	skus     map[string]string
	orders   map[string]*Order
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*Product),
		skus:     make(map[string]string),
		orders:   make(map[string]*Order),
	}
}

// CreateProduct 实现 Store 接口。
func (m *MemoryStore) CreateProduct(_ context.Context, product *Product) error {
	if product == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "product 不能为空")
	}
	if product.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "商品 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[product.ID]; ok {
		return ErrProductExists
	}
	if _, ok := m.skus[product.SKU]; ok {
		return ErrProductExists
	}
	now := time.Now().Unix()
	if product.CreatedAt == 0 {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if product.Version == 0 {
		product.Version = 1
	}
	clone := cloneProduct(product)
	m.products[product.ID] = clone
	m.skus[product.SKU] = product.ID
	return nil
}

// GetProduct 返回商品。
func (m *MemoryStore) GetProduct(_ context.Context, id string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	product, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return cloneProduct(product), nil
}

// GetProductBySKU 按 SKU 返回商品。
func (m *MemoryStore) GetProductBySKU(_ context.Context, sku string) (*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.skus[sku]
	if !ok {
		return nil, ErrProductNotFound
	}
	return cloneProduct(m.products[id]), nil
}

// UpdateProduct 以乐观锁更新商品。
func (m *MemoryStore) UpdateProduct(_ context.Context, product *Product) error {
	if product == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "product 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.products[product.ID]
	if !ok {
		return ErrProductNotFound
	}
	if current.Version != product.Version {
		return ErrVersionConflict
	}
	clone := cloneProduct(product)
	clone.Version = current.Version + 1
	clone.UpdatedAt = time.Now().Unix()
	clone.CreatedAt = current.CreatedAt
	m.products[product.ID] = clone
	product.Version = clone.Version
	product.UpdatedAt = clone.UpdatedAt
	return nil
}

// ListProducts 按过滤条件返回商品。
func (m *MemoryStore) ListProducts(_ context.Context, opts ListOptions) ([]*Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Product, 0, len(m.products))
	for _, product := range m.products {
		if !matchesProductFilters(product, opts) {
			continue
		}
		results = append(results, cloneProduct(product))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Product{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// CountProducts 返回商品总数。
func (m *MemoryStore) CountProducts(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.products)), nil
}

// CreateOrder 追加订单。
func (m *MemoryStore) CreateOrder(_ context.Context, order *Order) error {
	if order == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if order.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "订单已存在")
	}
	if order.CreatedAt == 0 {
		order.CreatedAt = time.Now().Unix()
	}
	m.orders[order.ID] = cloneOrder(order)
	return nil
}

// GetOrder 返回订单。
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListOrders 按过滤条件返回订单，最新的在前。
func (m *MemoryStore) ListOrders(_ context.Context, opts OrderListOptions) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Order, 0, len(m.orders))
	for _, order := range m.orders {
		if opts.Buyer != "" && order.Buyer != opts.Buyer {
			continue
		}
		if opts.ProductID != "" && order.ProductID != opts.ProductID {
			continue
		}
		results = append(results, cloneOrder(order))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})

	if opts.Offset >= len(results) {
		return []*Order{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesProductFilters(product *Product, opts ListOptions) bool {
	if opts.Category != "" && product.Category != opts.Category {
		return false
	}
	if opts.Seller != "" && product.Seller != opts.Seller {
		return false
	}
	if opts.Certified != nil && (product.CertificationID != "") != *opts.Certified {
		return false
	}
	if opts.Query != "" {
		query := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(product.Name), query) &&
			!strings.Contains(strings.ToLower(product.SKU), query) &&
			!strings.Contains(strings.ToLower(product.Brand), query) {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
