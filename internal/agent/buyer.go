package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"OpenSouk-Chain/internal/bus"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/internal/web3"
	"OpenSouk-Chain/pkg/logger"
)

// BuyerAgent 代表买家：执行购买委派，也能主动向商家询价，
// 收到报价后按预算自动决定接受或拒绝。
type BuyerAgent struct {
	name    string
	market  *market.Service
	chain   web3.Client
	bus     bus.Bus
	address string
	budget  int64
	log     *slog.Logger

	mu        sync.Mutex
	inquiries map[string]protocol.CallForProposal // 会话 ID -> 在途询价
}

// BuyerConfig 描述买家智能体的依赖。
type BuyerConfig struct {
	Name   string
	Market *market.Service
	// Chain 可选，缺省时跳过上链动作。
	Chain web3.Client
	// Bus 可选，只有主动询价需要；应答一律由运行时发布。
	Bus bus.Bus
	// Address 链上操作与订单落账使用的买家标识，缺省用智能体名字。
	Address string
	// Budget 单笔成交可接受的最高总价，0 表示不设限。
	Budget int64
}

// NewBuyer 创建买家智能体。
func NewBuyer(cfg BuyerConfig) (*BuyerAgent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "买家智能体需要名字")
	}
	if cfg.Market == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "买家智能体需要商城服务")
	}
	return &BuyerAgent{
		name:      name,
		market:    cfg.Market,
		chain:     cfg.Chain,
		bus:       cfg.Bus,
		address:   strings.TrimSpace(cfg.Address),
		budget:    cfg.Budget,
		log:       logger.Named("agent.buyer"),
		inquiries: make(map[string]protocol.CallForProposal),
	}, nil
}

// Name 返回智能体名字，同时也是它的邮箱名。
func (a *BuyerAgent) Name() string { return a.name }

// Role 返回注册表中的角色标识。
func (a *BuyerAgent) Role() string { return "buyer" }

// Address 返回链上操作使用的账户地址。
func (a *BuyerAgent) Address() string { return a.address }

// Capabilities 声明可以承接的任务类型。
func (a *BuyerAgent) Capabilities() []string { return []string{"order.purchase"} }

// Handle 按言语行为分流消息。
func (a *BuyerAgent) Handle(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	switch msg.Performative {
	case protocol.PerformativeRequest:
		return a.handleAssignment(ctx, msg)
	case protocol.PerformativePropose:
		return a.handleProposal(ctx, msg)
	case protocol.PerformativeInform:
		a.log.Info("收到成交确认",
			slog.String("seller", msg.Sender),
			slog.String("conversation_id", msg.ConversationID),
		)
		return nil, nil
	case protocol.PerformativeRefuse, protocol.PerformativeFailure:
		a.forgetInquiry(msg.ConversationID)
		a.log.Warn("询价或成交被对方拒绝",
			slog.String("seller", msg.Sender),
			slog.String("performative", string(msg.Performative)),
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

// Inquire 向指定商家发起询价。应答的报价会按预算自动决定接受或拒绝。
func (a *BuyerAgent) Inquire(ctx context.Context, seller, productID string, quantity int64) error {
	if a.bus == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "买家智能体未配置消息总线，无法主动询价")
	}
	if quantity <= 0 {
		quantity = 1
	}
	inquiry := protocol.CallForProposal{ProductID: productID, Quantity: quantity}
	msg, err := protocol.New(a.name, seller, protocol.PerformativeCFP, inquiry)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.inquiries[msg.ConversationID] = inquiry
	a.mu.Unlock()

	if err := a.bus.Publish(ctx, msg); err != nil {
		a.forgetInquiry(msg.ConversationID)
		return err
	}
	return nil
}

// handleAssignment 执行调度器委派的购买任务。支付金额必须与应付
// 完全一致，校验由商城服务完成。
func (a *BuyerAgent) handleAssignment(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var assignment protocol.TaskAssignment
	if err := protocol.DecodeBody(msg, &assignment); err != nil {
		return nil, err
	}
	if assignment.Kind != "order.purchase" {
		return failureReply(msg, assignment.TaskID,
			xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("买家不支持任务类型 %s", assignment.Kind)))
	}

	var input market.PurchaseInput
	if len(assignment.Payload) > 0 {
		if err := json.Unmarshal(assignment.Payload, &input); err != nil {
			return failureReply(msg, assignment.TaskID,
				xerrors.Wrap(market.CodeValidation, err, "解析购买参数失败"))
		}
	}
	if strings.TrimSpace(input.Buyer) == "" {
		input.Buyer = a.buyerID()
	}

	order, err := a.market.Purchase(ctx, input)
	if err != nil {
		return failureReply(msg, assignment.TaskID, err)
	}

	txHash := chainPurchase(ctx, a.chain, a.address, order, a.log)
	output, _ := json.Marshal(order)
	return informResult(msg, protocol.TaskResult{
		TaskID:  assignment.TaskID,
		Summary: fmt.Sprintf("订单 %s 支付完成", order.ID),
		TxHash:  txHash,
		Output:  output,
	})
}

// handleProposal 评估商家报价。库存满足且总价不超预算就接受成交，
// 否则拒绝；没有对应询价记录的报价直接忽略。
func (a *BuyerAgent) handleProposal(_ context.Context, msg protocol.Message) (*protocol.Message, error) {
	var proposal protocol.Proposal
	if err := protocol.DecodeBody(msg, &proposal); err != nil {
		return nil, err
	}

	a.mu.Lock()
	inquiry, ok := a.inquiries[msg.ConversationID]
	if ok {
		delete(a.inquiries, msg.ConversationID)
	}
	a.mu.Unlock()
	if !ok {
		a.log.Debug("收到未发起询价的报价，忽略",
			slog.String("seller", msg.Sender),
			slog.String("conversation_id", msg.ConversationID),
		)
		return nil, nil
	}

	quantity := inquiry.Quantity
	total := proposal.PriceAmount * quantity
	if proposal.AvailableStock < quantity {
		return rejectReply(msg, fmt.Sprintf("库存 %d 不满足数量 %d", proposal.AvailableStock, quantity))
	}
	if a.budget > 0 && total > a.budget {
		return rejectReply(msg, fmt.Sprintf("总价 %d 超出预算 %d", total, a.budget))
	}

	reply, err := protocol.Reply(msg, protocol.PerformativeAcceptProposal, protocol.ProposalAcceptance{
		ProductID: proposal.ProductID,
		Buyer:     a.buyerID(),
		Quantity:  quantity,
		Payment:   total,
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

func (a *BuyerAgent) forgetInquiry(conversationID string) {
	a.mu.Lock()
	delete(a.inquiries, conversationID)
	a.mu.Unlock()
}

// buyerID 返回订单落账使用的买家标识。
func (a *BuyerAgent) buyerID() string {
	if a.address != "" {
		return a.address
	}
	return a.name
}

var _ Worker = (*BuyerAgent)(nil)
