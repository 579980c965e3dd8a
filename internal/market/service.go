package market

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/pkg/logger"
)

const defaultCurrency = "MYR"

// Service 封装商品与订单的业务规则。
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService 创建市场服务。
func NewService(store Store) *Service {
	return &Service{
		store: store,
		log:   logger.Named("market"),
	}
}

// AddProductInput 描述新增商品所需的字段。
type AddProductInput struct {
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Brand           string `json:"brand,omitempty"`
	Category        string `json:"category,omitempty"`
	PriceAmount     int64  `json:"price_amount"`
	PriceCurrency   string `json:"price_currency,omitempty"`
	Stock           int64  `json:"stock"`
	Seller          string `json:"seller"`
	CertificationID string `json:"certification_id,omitempty"`
}

// AddProduct 校验并登记新商品。
func (s *Service) AddProduct(ctx context.Context, input AddProductInput) (*Product, error) {
	if strings.TrimSpace(input.SKU) == "" {
		return nil, xerrors.New(CodeValidation, "商品 SKU 不能为空")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, xerrors.New(CodeValidation, "商品名称不能为空")
	}
	if strings.TrimSpace(input.Seller) == "" {
		return nil, xerrors.New(CodeValidation, "商品必须归属某个卖家")
	}
	if input.PriceAmount <= 0 {
		return nil, xerrors.New(CodeValidation, "商品价格必须大于零")
	}
	if input.Stock < 0 {
		return nil, xerrors.New(CodeValidation, "商品库存不能为负数")
	}
	currency := input.PriceCurrency
	if currency == "" {
		currency = defaultCurrency
	}

	product := &Product{
		ID:              uuid.NewString(),
		SKU:             strings.TrimSpace(input.SKU),
		Name:            strings.TrimSpace(input.Name),
		Brand:           strings.TrimSpace(input.Brand),
		Category:        strings.TrimSpace(input.Category),
		PriceAmount:     input.PriceAmount,
		PriceCurrency:   currency,
		Stock:           input.Stock,
		CertificationID: input.CertificationID,
		Seller:          strings.TrimSpace(input.Seller),
	}
	if err := s.store.CreateProduct(ctx, product); err != nil {
		return nil, err
	}
	logger.Audit().Info("商品已登记",
		slog.String("product_id", product.ID),
		slog.String("sku", product.SKU),
		slog.String("seller", product.Seller),
	)
	return product, nil
}

// PurchaseInput 描述一次购买请求。Payment 必须与应付金额完全一致。
type PurchaseInput struct {
	ProductID string `json:"product_id"`
	Buyer     string `json:"buyer"`
	Quantity  int64  `json:"quantity"`
	Payment   int64  `json:"payment"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// Purchase 执行购买。前置条件依次为：商品存在、数量合法、库存充足、
// 金额与应付完全一致。扣减库存使用乐观锁，版本冲突时重读重试一次，
// 并发抢购最后一件库存时只有一个买家成功。
func (s *Service) Purchase(ctx context.Context, input PurchaseInput) (*Order, error) {
	if strings.TrimSpace(input.Buyer) == "" {
		return nil, xerrors.New(CodeValidation, "买家不能为空")
	}
	if input.Quantity < 1 {
		return nil, ErrQuantityInvalid
	}

	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		product, err := s.store.GetProduct(ctx, input.ProductID)
		if err != nil {
			return nil, err
		}
		if product.Stock < input.Quantity {
			return nil, ErrStockInsufficient
		}
		total := product.PriceAmount * input.Quantity
		if input.Payment != total {
			return nil, xerrors.New(CodePaymentIncorrect, "incorrect payment amount",
				xerrors.WithMetadata("expected", strconv.FormatInt(total, 10)),
				xerrors.WithMetadata("paid", strconv.FormatInt(input.Payment, 10)),
			)
		}

		product.Stock -= input.Quantity
		if err := s.store.UpdateProduct(ctx, product); err != nil {
			if xerrors.CodeOf(err) == CodeVersionConflict && attempt < maxAttempts-1 {
				continue
			}
			return nil, err
		}

		order := &Order{
			ID:         uuid.NewString(),
			ProductID:  product.ID,
			Buyer:      strings.TrimSpace(input.Buyer),
			Quantity:   input.Quantity,
			AmountPaid: input.Payment,
			Currency:   product.PriceCurrency,
			Status:     OrderStatusPaid,
			TxHash:     input.TxHash,
		}
		if err := s.store.CreateOrder(ctx, order); err != nil {
			return nil, err
		}
		logger.Audit().Info("订单已成交",
			slog.String("order_id", order.ID),
			slog.String("product_id", order.ProductID),
			slog.String("buyer", order.Buyer),
			slog.Int64("quantity", order.Quantity),
			slog.Int64("amount", order.AmountPaid),
		)
		return order, nil
	}
	return nil, ErrVersionConflict
}

// AttachCertification 把认证记录挂到商品上。
func (s *Service) AttachCertification(ctx context.Context, productID, certificationID string) error {
	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		product, err := s.store.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		product.CertificationID = certificationID
		if err := s.store.UpdateProduct(ctx, product); err != nil {
			if xerrors.CodeOf(err) == CodeVersionConflict && attempt < maxAttempts-1 {
				continue
			}
			return err
		}
		return nil
	}
	return ErrVersionConflict
}

// GetProduct 返回商品详情。
func (s *Service) GetProduct(ctx context.Context, id string) (*Product, error) {
	return s.store.GetProduct(ctx, id)
}

// ListProducts 返回商品列表。
func (s *Service) ListProducts(ctx context.Context, opts ...ListOption) ([]*Product, error) {
	return s.store.ListProducts(ctx, buildListOptions(opts))
}

// ProductCount 返回商品总数。
func (s *Service) ProductCount(ctx context.Context) (int64, error) {
	return s.store.CountProducts(ctx)
}

// GetOrder 返回订单详情。
func (s *Service) GetOrder(ctx context.Context, id string) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

// ListOrders 返回订单列表。
func (s *Service) ListOrders(ctx context.Context, opts OrderListOptions) ([]*Order, error) {
	return s.store.ListOrders(ctx, opts)
}
