package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	xerrors "OpenSouk-Chain/internal/errors"
)

// Performative 表示消息的言语行为类型，取值是封闭集合。
type Performative string

const (
	PerformativeInform         Performative = "inform"
	PerformativeRequest        Performative = "request"
	PerformativeCFP            Performative = "cfp"
	PerformativePropose        Performative = "propose"
	PerformativeAcceptProposal Performative = "accept-proposal"
	PerformativeRejectProposal Performative = "reject-proposal"
	PerformativeAgree          Performative = "agree"
	PerformativeRefuse         Performative = "refuse"
	PerformativeFailure        Performative = "failure"
	PerformativeConfirm        Performative = "confirm"
	PerformativeCancel         Performative = "cancel"
)

// Valid 检查言语行为是否为受支持的枚举值。
func (p Performative) Valid() bool {
	switch p {
	case PerformativeInform, PerformativeRequest, PerformativeCFP,
		PerformativePropose, PerformativeAcceptProposal, PerformativeRejectProposal,
		PerformativeAgree, PerformativeRefuse, PerformativeFailure,
		PerformativeConfirm, PerformativeCancel:
		return true
	default:
		return false
	}
}

// Message 是智能体之间传递的统一信封。Sequence 由总线在投递前分配，
// 同一邮箱内严格递增。
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Recipient      string          `json:"recipient"`
	Performative   Performative    `json:"performative"`
	Body           json.RawMessage `json:"body,omitempty"`
	ReplyWith      string          `json:"reply_with,omitempty"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	Sequence       uint64          `json:"sequence,omitempty"`
	SentAt         int64           `json:"sent_at,omitempty"`
}

var (
	// ErrRecipientMissing 表示信封缺少收件邮箱。
	ErrRecipientMissing = xerrors.New(CodeRecipientMissing, "message recipient missing")
	// ErrPerformativeUnknown 表示信封携带了未定义的言语行为。
	ErrPerformativeUnknown = xerrors.New(CodePerformativeUnknown, "unknown performative")
)

const (
	CodeEnvelopeInvalid     xerrors.Code = "PROTO_ENVELOPE_INVALID"
	CodeRecipientMissing    xerrors.Code = "PROTO_RECIPIENT_MISSING"
	CodePerformativeUnknown xerrors.Code = "PROTO_PERFORMATIVE_UNKNOWN"
	CodeBodyInvalid         xerrors.Code = "PROTO_BODY_INVALID"
)

func init() {
	xerrors.Register(CodeEnvelopeInvalid, xerrors.Attributes{
		Message:   "message envelope invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecipientMissing, xerrors.Attributes{
		Message:   "message recipient missing",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePerformativeUnknown, xerrors.Attributes{
		Message:   "unknown performative",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBodyInvalid, xerrors.Attributes{
		Message:   "message body invalid",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// New 构造一条新消息并编码消息体。会话标识与应答标记自动生成。
func New(sender, recipient string, performative Performative, body any) (Message, error) {
	raw, err := EncodeBody(body)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		Sender:         sender,
		Recipient:      recipient,
		Performative:   performative,
		Body:           raw,
		ReplyWith:      uuid.NewString(),
		SentAt:         time.Now().Unix(),
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Reply 基于收到的消息构造应答：收发双方互换，会话标识保持不变，
// in_reply_to 指向原消息的 reply_with。
func Reply(in Message, performative Performative, body any) (Message, error) {
	raw, err := EncodeBody(body)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Sender:         in.Recipient,
		Recipient:      in.Sender,
		Performative:   performative,
		Body:           raw,
		ReplyWith:      uuid.NewString(),
		InReplyTo:      in.ReplyWith,
		SentAt:         time.Now().Unix(),
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate 校验信封的必填字段。
func (m Message) Validate() error {
	if m.Recipient == "" {
		return ErrRecipientMissing
	}
	if !m.Performative.Valid() {
		return xerrors.New(CodePerformativeUnknown, "unknown performative",
			xerrors.WithMetadata("performative", string(m.Performative)))
	}
	return nil
}

// Encode 将消息序列化为 JSON 线格式。
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, xerrors.Wrap(CodeEnvelopeInvalid, err, "encode message")
	}
	return raw, nil
}

// Decode 从 JSON 线格式还原消息并校验信封。
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, xerrors.Wrap(CodeEnvelopeInvalid, err, "decode message")
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
