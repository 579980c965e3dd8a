package agent

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/internal/web3"
)

// Worker 是一个挂在消息总线上的智能体角色。Name 同时是它的邮箱名，
// Capabilities 声明可以承接的任务类型，分配器只会把匹配的任务派给它。
//
// Handle 返回的消息（若非 nil）由运行时作为应答发布。业务失败应当
// 转换成 failure 应答而不是返回错误：返回错误会触发总线重投，只适合
// 消息本身无法解析这类无人可答的情况。
type Worker interface {
	Name() string
	Capabilities() []string
	Handle(ctx context.Context, msg protocol.Message) (*protocol.Message, error)
}

// CodeHandlerPanic 智能体处理消息时发生 panic，由运行时捕获。
const CodeHandlerPanic xerrors.Code = "AGENT_HANDLER_PANIC"

func init() {
	xerrors.Register(CodeHandlerPanic, xerrors.Attributes{
		Message:   "agent handler panicked",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// failureReply 把业务错误转换成 failure 应答，错误码随消息回传，
// 调度器据此还原错误并决定是否重试。
func failureReply(in protocol.Message, taskID string, cause error) (*protocol.Message, error) {
	reply, err := protocol.Reply(in, protocol.PerformativeFailure, protocol.TaskResult{
		TaskID:       taskID,
		ErrorCode:    string(xerrors.CodeOf(cause)),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// informResult 构造携带执行结果的 inform 应答。
func informResult(in protocol.Message, result protocol.TaskResult) (*protocol.Message, error) {
	reply, err := protocol.Reply(in, protocol.PerformativeInform, result)
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// refuseReply 拒绝一次询价。
func refuseReply(in protocol.Message, reason string) (*protocol.Message, error) {
	reply, err := protocol.Reply(in, protocol.PerformativeRefuse, protocol.Refusal{Reason: reason})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// rejectReply 拒绝一份报价。
func rejectReply(in protocol.Message, reason string) (*protocol.Message, error) {
	reply, err := protocol.Reply(in, protocol.PerformativeRejectProposal, protocol.Refusal{Reason: reason})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// chainPurchase 把成交同步到链上。链上失败不回滚本地订单，
// 只记日志，交易哈希留空。
func chainPurchase(ctx context.Context, chain web3.Client, address string, order *market.Order, log *slog.Logger) string {
	if chain == nil {
		return ""
	}
	action := fmt.Sprintf("souk:purchase:%s:%d:%d", order.ProductID, order.Quantity, order.AmountPaid)
	receipt, err := chain.ExecuteAction(ctx, action, address)
	if err != nil {
		log.Warn("订单上链失败",
			slog.String("order_id", order.ID),
			slog.String("action", action),
			slog.Any("error", err),
		)
		return ""
	}
	return receipt.TxHash
}
