package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/internal/web3"
	"OpenSouk-Chain/pkg/logger"
)

// SellerAgent 代表商家：执行上架委派，应答买家询价，
// 并在报价被接受后完成成交。
type SellerAgent struct {
	name    string
	market  *market.Service
	chain   web3.Client
	address string
	log     *slog.Logger
}

// SellerConfig 描述商家智能体的依赖。
type SellerConfig struct {
	Name   string
	Market *market.Service
	// Chain 可选，缺省时跳过所有上链动作。
	Chain web3.Client
	// Address 执行链上操作使用的账户地址。
	Address string
}

// NewSeller 创建商家智能体。
func NewSeller(cfg SellerConfig) (*SellerAgent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "商家智能体需要名字")
	}
	if cfg.Market == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "商家智能体需要商城服务")
	}
	return &SellerAgent{
		name:    name,
		market:  cfg.Market,
		chain:   cfg.Chain,
		address: strings.TrimSpace(cfg.Address),
		log:     logger.Named("agent.seller"),
	}, nil
}

// Name 返回智能体名字，同时也是它的邮箱名。
func (a *SellerAgent) Name() string { return a.name }

// Role 返回注册表中的角色标识。
func (a *SellerAgent) Role() string { return "seller" }

// Address 返回链上操作使用的账户地址。
func (a *SellerAgent) Address() string { return a.address }

// Capabilities 声明可以承接的任务类型。
func (a *SellerAgent) Capabilities() []string { return []string{"product.add"} }

// Handle 按言语行为分流消息。
func (a *SellerAgent) Handle(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	switch msg.Performative {
	case protocol.PerformativeRequest:
		return a.handleAssignment(ctx, msg)
	case protocol.PerformativeCFP:
		return a.handleInquiry(ctx, msg)
	case protocol.PerformativeAcceptProposal:
		return a.handleAcceptance(ctx, msg)
	case protocol.PerformativeRejectProposal:
		a.log.Debug("报价被拒绝",
			slog.String("buyer", msg.Sender),
			slog.String("conversation_id", msg.ConversationID),
		)
		return nil, nil
	default:
		a.log.Debug("忽略不支持的消息",
			slog.String("performative", string(msg.Performative)),
			slog.String("sender", msg.Sender),
		)
		return nil, nil
	}
}

// handleAssignment 执行调度器委派的上架任务：登记商品并把上架动作
// 同步到链上，应答里带回商品快照。
func (a *SellerAgent) handleAssignment(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var assignment protocol.TaskAssignment
	if err := protocol.DecodeBody(msg, &assignment); err != nil {
		return nil, err
	}
	if assignment.Kind != "product.add" {
		return failureReply(msg, assignment.TaskID,
			xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("商家不支持任务类型 %s", assignment.Kind)))
	}

	var input market.AddProductInput
	if len(assignment.Payload) > 0 {
		if err := json.Unmarshal(assignment.Payload, &input); err != nil {
			return failureReply(msg, assignment.TaskID,
				xerrors.Wrap(market.CodeValidation, err, "解析上架参数失败"))
		}
	}
	if strings.TrimSpace(input.Seller) == "" {
		input.Seller = a.name
	}

	product, err := a.market.AddProduct(ctx, input)
	if err != nil {
		return failureReply(msg, assignment.TaskID, err)
	}

	txHash := a.anchorListing(ctx, product)
	output, _ := json.Marshal(product)
	return informResult(msg, protocol.TaskResult{
		TaskID:  assignment.TaskID,
		Summary: fmt.Sprintf("商品 %s 已上架", product.SKU),
		TxHash:  txHash,
		Output:  output,
	})
}

// handleInquiry 应答买家询价：商品在售且库存满足数量时报价，否则拒绝。
func (a *SellerAgent) handleInquiry(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var inquiry protocol.CallForProposal
	if err := protocol.DecodeBody(msg, &inquiry); err != nil {
		return nil, err
	}

	product, err := a.market.GetProduct(ctx, inquiry.ProductID)
	if err != nil {
		return refuseReply(msg, fmt.Sprintf("商品 %s 不存在", inquiry.ProductID))
	}
	quantity := inquiry.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	if product.Stock < quantity {
		return refuseReply(msg, fmt.Sprintf("商品 %s 库存不足", product.SKU))
	}

	reply, err := protocol.Reply(msg, protocol.PerformativePropose, protocol.Proposal{
		ProductID:       product.ID,
		PriceAmount:     product.PriceAmount,
		PriceCurrency:   product.PriceCurrency,
		AvailableStock:  product.Stock,
		CertificationID: product.CertificationID,
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// handleAcceptance 在买家接受报价后成交：本地落账，再把交易同步上链。
// 金额校验交给商城服务，支付不符的买家会收到 failure 应答。
func (a *SellerAgent) handleAcceptance(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var acceptance protocol.ProposalAcceptance
	if err := protocol.DecodeBody(msg, &acceptance); err != nil {
		return nil, err
	}

	buyer := strings.TrimSpace(acceptance.Buyer)
	if buyer == "" {
		buyer = msg.Sender
	}
	order, err := a.market.Purchase(ctx, market.PurchaseInput{
		ProductID: acceptance.ProductID,
		Buyer:     buyer,
		Quantity:  acceptance.Quantity,
		Payment:   acceptance.Payment,
	})
	if err != nil {
		return failureReply(msg, "", err)
	}

	txHash := chainPurchase(ctx, a.chain, a.address, order, a.log)
	output, _ := json.Marshal(order)
	return informResult(msg, protocol.TaskResult{
		Summary: fmt.Sprintf("订单 %s 已成交", order.ID),
		TxHash:  txHash,
		Output:  output,
	})
}

// anchorListing 把上架动作同步到链上。链上失败不影响本地上架，只记日志。
func (a *SellerAgent) anchorListing(ctx context.Context, product *market.Product) string {
	if a.chain == nil {
		return ""
	}
	action := fmt.Sprintf("souk:add:%s:%d", product.ID, product.PriceAmount)
	receipt, err := a.chain.ExecuteAction(ctx, action, a.address)
	if err != nil {
		a.log.Warn("商品上链失败",
			slog.String("product_id", product.ID),
			slog.String("action", action),
			slog.Any("error", err),
		)
		return ""
	}
	return receipt.TxHash
}

var _ Worker = (*SellerAgent)(nil)
