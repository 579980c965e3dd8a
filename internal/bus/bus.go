package bus

import (
	"context"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/protocol"
)

// Handler 处理投递到邮箱的消息。返回非 nil 错误会触发重投。
type Handler func(ctx context.Context, msg protocol.Message) error

// Bus 是邮箱消息总线的统一抽象。
type Bus interface {
	// Publish 校验并投递消息到收件邮箱，投递前分配 ID 与序号。
	Publish(ctx context.Context, msg protocol.Message) error
	// Subscribe 注册邮箱的唯一订阅者并启动投递循环，ctx 取消后停止。
	Subscribe(ctx context.Context, mailbox string, handler Handler) error
	// Close 关闭总线，之后的 Publish 返回 ErrBusClosed。
	Close() error
}

var (
	// ErrBusClosed 表示总线已经关闭。
	ErrBusClosed = xerrors.New(CodeBusClosed, "bus closed")
	// ErrMailboxTaken 表示邮箱已有订阅者。
	ErrMailboxTaken = xerrors.New(CodeMailboxTaken, "mailbox already subscribed")
)

const (
	CodeBusClosed    xerrors.Code = "BUS_CLOSED"
	CodeMailboxTaken xerrors.Code = "BUS_MAILBOX_TAKEN"
	CodePublish      xerrors.Code = "BUS_PUBLISH_FAILED"
	CodeSubscribe    xerrors.Code = "BUS_SUBSCRIBE_FAILED"
)

func init() {
	xerrors.Register(CodeBusClosed, xerrors.Attributes{
		Message:   "bus closed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeMailboxTaken, xerrors.Attributes{
		Message:   "mailbox already subscribed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePublish, xerrors.Attributes{
		Message:   "failed to publish message",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSubscribe, xerrors.Attributes{
		Message:   "failed to subscribe mailbox",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
