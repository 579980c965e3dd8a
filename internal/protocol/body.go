package protocol

import (
	"encoding/json"

	xerrors "OpenSouk-Chain/internal/errors"
)

// TaskAssignment 是调度器发给智能体的任务委派消息体。
type TaskAssignment struct {
	TaskID      string          `json:"task_id"`
	Kind        string          `json:"kind"`
	Goal        string          `json:"goal,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ChainAction string          `json:"chain_action,omitempty"`
	Attempt     int             `json:"attempt"`
	ReplyTo     string          `json:"reply_to"`
}

// TaskResult 是智能体回传的任务执行结果消息体。
type TaskResult struct {
	TaskID       string          `json:"task_id"`
	Summary      string          `json:"summary,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// CallForProposal 是买家智能体发起询价（cfp）的消息体。
type CallForProposal struct {
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// Proposal 是卖家智能体对询价（cfp）的报价消息体。
type Proposal struct {
	ProductID       string `json:"product_id"`
	PriceAmount     int64  `json:"price_amount"`
	PriceCurrency   string `json:"price_currency"`
	AvailableStock  int64  `json:"available_stock"`
	CertificationID string `json:"certification_id,omitempty"`
	Note            string `json:"note,omitempty"`
}

// ProposalAcceptance 是买家接受报价、请求成交的消息体。
// Payment 必须等于报价单价乘以数量，卖家侧会做严格校验。
type ProposalAcceptance struct {
	ProductID string `json:"product_id"`
	Buyer     string `json:"buyer"`
	Quantity  int64  `json:"quantity"`
	Payment   int64  `json:"payment"`
}

// Refusal 说明 refuse 或 reject-proposal 的原因。
type Refusal struct {
	Reason string `json:"reason"`
}

// CertificationNotice 通知认证记录的状态变化。
type CertificationNotice struct {
	RecordID  string `json:"record_id"`
	ProductID string `json:"product_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// EncodeBody 将任意消息体编码为 JSON。nil 返回空体，
// json.RawMessage 原样透传。
func EncodeBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Wrap(CodeBodyInvalid, err, "encode message body")
		}
		return raw, nil
	}
}

// DecodeBody 将消息体解码到目标结构。
func DecodeBody(m Message, out any) error {
	if len(m.Body) == 0 {
		return xerrors.New(CodeBodyInvalid, "message body empty")
	}
	if err := json.Unmarshal(m.Body, out); err != nil {
		return xerrors.Wrap(CodeBodyInvalid, err, "decode message body")
	}
	return nil
}
