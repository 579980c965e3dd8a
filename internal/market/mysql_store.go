package market

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenSouk-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存商品与订单。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于既有连接创建存储并初始化表结构。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const products = `CREATE TABLE IF NOT EXISTS souk_products (
        id VARCHAR(64) PRIMARY KEY,
        sku VARCHAR(128) NOT NULL,
        name VARCHAR(255) NOT NULL,
        brand VARCHAR(128) DEFAULT '',
        category VARCHAR(128) DEFAULT '',
        price_amount BIGINT NOT NULL,
        price_currency VARCHAR(8) NOT NULL,
        stock BIGINT NOT NULL DEFAULT 0,
        certification_id VARCHAR(64) DEFAULT '',
        seller VARCHAR(128) NOT NULL,
        version BIGINT NOT NULL DEFAULT 1,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_product_sku (sku),
        INDEX idx_product_category (category),
        INDEX idx_product_seller (seller),
        INDEX idx_product_updated (updated_at)
)`
	const orders = `CREATE TABLE IF NOT EXISTS souk_orders (
        id VARCHAR(64) PRIMARY KEY,
        product_id VARCHAR(64) NOT NULL,
        buyer VARCHAR(128) NOT NULL,
        quantity BIGINT NOT NULL,
        amount_paid BIGINT NOT NULL,
        currency VARCHAR(8) NOT NULL,
        status VARCHAR(32) NOT NULL,
        tx_hash VARCHAR(66) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_order_product (product_id),
        INDEX idx_order_buyer (buyer),
        INDEX idx_order_created (created_at)
)`

	if _, err := s.db.Exec(products); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 souk_products 表失败")
	}
	if _, err := s.db.Exec(orders); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 souk_orders 表失败")
	}
	if _, err := s.db.Exec(`ALTER TABLE souk_products ADD COLUMN certification_id VARCHAR(64) DEFAULT '' AFTER stock`); err != nil {
		var mysqlErr *mysql.MySQLError
		if !(stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1060) {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扩展 souk_products.certification_id 失败")
		}
	}
	return nil
}

// CreateProduct 插入新商品记录。
func (s *MySQLStore) CreateProduct(ctx context.Context, product *Product) error {
	if product == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "product 不能为空")
	}
	if strings.TrimSpace(product.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "商品 ID 不能为空")
	}

	now := time.Now().Unix()
	if product.CreatedAt == 0 {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	if product.Version == 0 {
		product.Version = 1
	}

	const stmt = `INSERT INTO souk_products
        (id, sku, name, brand, category, price_amount, price_currency, stock, certification_id, seller, version, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		product.ID,
		product.SKU,
		product.Name,
		product.Brand,
		product.Category,
		product.PriceAmount,
		product.PriceCurrency,
		product.Stock,
		product.CertificationID,
		product.Seller,
		product.Version,
		product.CreatedAt,
		product.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrProductExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入商品失败")
	}
	return nil
}

const productColumns = `id, sku, name, brand, category, price_amount, price_currency, stock, certification_id, seller, version, created_at, updated_at`

func scanProduct(scanner interface{ Scan(...any) error }) (*Product, error) {
	var product Product
	if err := scanner.Scan(
		&product.ID,
		&product.SKU,
		&product.Name,
		&product.Brand,
		&product.Category,
		&product.PriceAmount,
		&product.PriceCurrency,
		&product.Stock,
		&product.CertificationID,
		&product.Seller,
		&product.Version,
		&product.CreatedAt,
		&product.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProduct 查询指定商品。
func (s *MySQLStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	stmt := `SELECT ` + productColumns + ` FROM souk_products WHERE id = ?`
	product, err := scanProduct(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询商品失败")
	}
	return product, nil
}

// GetProductBySKU 按 SKU 查询商品。
func (s *MySQLStore) GetProductBySKU(ctx context.Context, sku string) (*Product, error) {
	stmt := `SELECT ` + productColumns + ` FROM souk_products WHERE sku = ?`
	product, err := scanProduct(s.db.QueryRowContext(ctx, stmt, sku))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询商品失败")
	}
	return product, nil
}

// UpdateProduct 以乐观锁更新商品，版本不匹配时返回 ErrVersionConflict。
func (s *MySQLStore) UpdateProduct(ctx context.Context, product *Product) error {
	if product == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "product 不能为空")
	}

	const stmt = `UPDATE souk_products SET name = ?, brand = ?, category = ?, price_amount = ?, price_currency = ?,
        stock = ?, certification_id = ?, version = version + 1, updated_at = ?
        WHERE id = ? AND version = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt,
		product.Name,
		product.Brand,
		product.Category,
		product.PriceAmount,
		product.PriceCurrency,
		product.Stock,
		product.CertificationID,
		now,
		product.ID,
		product.Version,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新商品失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetProduct(ctx, product.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	product.Version++
	product.UpdatedAt = now
	return nil
}

// ListProducts 返回符合过滤条件的商品。
func (s *MySQLStore) ListProducts(ctx context.Context, opts ListOptions) ([]*Product, error) {
	opts.applyDefaults()

	query := `SELECT ` + productColumns + ` FROM souk_products`
	clause, filterArgs := buildProductFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询商品列表失败")
	}
	defer rows.Close()

	products := make([]*Product, 0, opts.Limit)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析商品记录失败")
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历商品失败")
	}
	return products, nil
}

// CountProducts 返回商品总数。
func (s *MySQLStore) CountProducts(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM souk_products`).Scan(&count); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计商品数量失败")
	}
	return count, nil
}

// CreateOrder 插入订单记录。
func (s *MySQLStore) CreateOrder(ctx context.Context, order *Order) error {
	if order == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "order 不能为空")
	}
	if strings.TrimSpace(order.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "订单 ID 不能为空")
	}
	if order.CreatedAt == 0 {
		order.CreatedAt = time.Now().Unix()
	}

	const stmt = `INSERT INTO souk_orders
        (id, product_id, buyer, quantity, amount_paid, currency, status, tx_hash, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		order.ID,
		order.ProductID,
		order.Buyer,
		order.Quantity,
		order.AmountPaid,
		order.Currency,
		order.Status,
		order.TxHash,
		order.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "订单已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入订单失败")
	}
	return nil
}

// GetOrder 查询指定订单。
func (s *MySQLStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	const stmt = `SELECT id, product_id, buyer, quantity, amount_paid, currency, status, tx_hash, created_at
        FROM souk_orders WHERE id = ?`

	var order Order
	if err := s.db.QueryRowContext(ctx, stmt, id).Scan(
		&order.ID,
		&order.ProductID,
		&order.Buyer,
		&order.Quantity,
		&order.AmountPaid,
		&order.Currency,
		&order.Status,
		&order.TxHash,
		&order.CreatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单失败")
	}
	return &order, nil
}

// ListOrders 返回符合过滤条件的订单，最新的在前。
func (s *MySQLStore) ListOrders(ctx context.Context, opts OrderListOptions) ([]*Order, error) {
	opts.applyDefaults()

	query := `SELECT id, product_id, buyer, quantity, amount_paid, currency, status, tx_hash, created_at FROM souk_orders`
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if opts.Buyer != "" {
		conditions = append(conditions, "buyer = ?")
		args = append(args, opts.Buyer)
	}
	if opts.ProductID != "" {
		conditions = append(conditions, "product_id = ?")
		args = append(args, opts.ProductID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询订单列表失败")
	}
	defer rows.Close()

	orders := make([]*Order, 0, opts.Limit)
	for rows.Next() {
		var order Order
		if err := rows.Scan(
			&order.ID,
			&order.ProductID,
			&order.Buyer,
			&order.Quantity,
			&order.AmountPaid,
			&order.Currency,
			&order.Status,
			&order.TxHash,
			&order.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析订单记录失败")
		}
		orderCopy := order
		orders = append(orders, &orderCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历订单失败")
	}
	return orders, nil
}

// Close 释放存储引用。连接池由调用方统一管理，这里不关闭。
func (s *MySQLStore) Close() error {
	return nil
}

func buildProductFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if opts.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, opts.Category)
	}
	if opts.Seller != "" {
		conditions = append(conditions, "seller = ?")
		args = append(args, opts.Seller)
	}
	if opts.Certified != nil {
		if *opts.Certified {
			conditions = append(conditions, "certification_id <> ''")
		} else {
			conditions = append(conditions, "certification_id = ''")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(name LIKE ? OR sku LIKE ? OR brand LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
