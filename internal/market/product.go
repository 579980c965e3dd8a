package market

import (
	xerrors "OpenSouk-Chain/internal/errors"
)

// OrderStatus 表示订单状态。当前一旦支付校验通过即落账。
type OrderStatus string

const (
	OrderStatusPaid OrderStatus = "paid"
)

// Product 描述商城中的一件商品。价格以最小货币单位保存，
// Version 用于乐观锁，任何更新都会递增。
type Product struct {
	ID              string `json:"id"`
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Brand           string `json:"brand,omitempty"`
	Category        string `json:"category,omitempty"`
	PriceAmount     int64  `json:"price_amount"`
	PriceCurrency   string `json:"price_currency"`
	Stock           int64  `json:"stock"`
	CertificationID string `json:"certification_id,omitempty"`
	Seller          string `json:"seller"`
	Version         int64  `json:"version"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// Order 记录一次已完成支付校验的购买。订单创建后不可变更。
type Order struct {
	ID         string      `json:"id"`
	ProductID  string      `json:"product_id"`
	Buyer      string      `json:"buyer"`
	Quantity   int64       `json:"quantity"`
	AmountPaid int64       `json:"amount_paid"`
	Currency   string      `json:"currency"`
	Status     OrderStatus `json:"status"`
	TxHash     string      `json:"tx_hash,omitempty"`
	CreatedAt  int64       `json:"created_at"`
}

var (
	// ErrProductNotFound 表示商品不存在。
	ErrProductNotFound = xerrors.New(CodeProductNotFound, "product not found")
	// ErrProductExists 表示 SKU 已被占用。
	ErrProductExists = xerrors.New(CodeProductExists, "product sku already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrOrderNotFound 表示订单不存在。
	ErrOrderNotFound = xerrors.New(CodeOrderNotFound, "order not found")
	// ErrStockInsufficient 表示库存不足以完成本次购买。
	ErrStockInsufficient = xerrors.New(CodeStockInsufficient, "insufficient stock", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrPaymentIncorrect 表示支付金额与应付金额不一致。
	ErrPaymentIncorrect = xerrors.New(CodePaymentIncorrect, "incorrect payment amount", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrQuantityInvalid 表示购买数量不合法。
	ErrQuantityInvalid = xerrors.New(CodeQuantityInvalid, "invalid purchase quantity")
	// ErrVersionConflict 表示乐观锁版本落后，更新被拒绝。
	ErrVersionConflict = xerrors.New(CodeVersionConflict, "product version conflict", xerrors.WithSeverity(xerrors.SeverityWarning), xerrors.WithRetryable(true))
)

const (
	CodeProductNotFound   xerrors.Code = "MARKET_PRODUCT_NOT_FOUND"
	CodeProductExists     xerrors.Code = "MARKET_PRODUCT_EXISTS"
	CodeOrderNotFound     xerrors.Code = "MARKET_ORDER_NOT_FOUND"
	CodeStockInsufficient xerrors.Code = "MARKET_STOCK_INSUFFICIENT"
	CodePaymentIncorrect  xerrors.Code = "MARKET_PAYMENT_INCORRECT"
	CodeQuantityInvalid   xerrors.Code = "MARKET_QUANTITY_INVALID"
	CodeVersionConflict   xerrors.Code = "MARKET_VERSION_CONFLICT"
	CodeValidation        xerrors.Code = "MARKET_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeProductNotFound, xerrors.Attributes{
		Message:   "product not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeProductExists, xerrors.Attributes{
		Message:   "product sku already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOrderNotFound, xerrors.Attributes{
		Message:   "order not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStockInsufficient, xerrors.Attributes{
		Message:   "insufficient stock",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePaymentIncorrect, xerrors.Attributes{
		Message:   "incorrect payment amount",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeQuantityInvalid, xerrors.Attributes{
		Message:   "invalid purchase quantity",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVersionConflict, xerrors.Attributes{
		Message:   "product version conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "market validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidOrderStatus 检查订单状态是否为受支持的枚举值。
func IsValidOrderStatus(status OrderStatus) bool {
	return status == OrderStatusPaid
}

func cloneProduct(p *Product) *Product {
	clone := *p
	return &clone
}

func cloneOrder(o *Order) *Order {
	clone := *o
	return &clone
}
