package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"OpenSouk-Chain/internal/certify"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/pkg/logger"
)

// CertifierAgent 代表认证员：承接评审委派，对照规则库检查商品，
// 给出 approve 或 reject 背书。
type CertifierAgent struct {
	name     string
	certify  *certify.Service
	catalog  certify.Catalog
	rulebook certify.Rulebook
	log      *slog.Logger
}

// CertifierConfig 描述认证员智能体的依赖。
type CertifierConfig struct {
	Name    string
	Certify *certify.Service
	// Catalog 提供商品读取能力，由 market.Service 实现。
	Catalog certify.Catalog
	// Rulebook 可选，缺省使用内置规则库。
	Rulebook certify.Rulebook
}

// ReviewRequest 是 certification.review 任务的载荷。
type ReviewRequest struct {
	RecordID string `json:"record_id"`
}

// NewCertifier 创建认证员智能体。
func NewCertifier(cfg CertifierConfig) (*CertifierAgent, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认证员智能体需要名字")
	}
	if cfg.Certify == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认证员智能体需要认证服务")
	}
	if cfg.Catalog == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认证员智能体需要商品目录")
	}
	rulebook := cfg.Rulebook
	if rulebook == nil {
		rulebook = certify.DefaultRulebook()
	}
	return &CertifierAgent{
		name:     name,
		certify:  cfg.Certify,
		catalog:  cfg.Catalog,
		rulebook: rulebook,
		log:      logger.Named("agent.certifier"),
	}, nil
}

// Name 返回智能体名字，同时也是它的邮箱名。
func (a *CertifierAgent) Name() string { return a.name }

// Role 返回注册表中的角色标识。
func (a *CertifierAgent) Role() string { return "certifier" }

// Capabilities 声明可以承接的任务类型。
func (a *CertifierAgent) Capabilities() []string { return []string{"certification.review"} }

// Handle 按言语行为分流消息。
func (a *CertifierAgent) Handle(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	switch msg.Performative {
	case protocol.PerformativeRequest:
		return a.handleAssignment(ctx, msg)
	case protocol.PerformativeInform:
		return a.handleNotice(ctx, msg)
	default:
		a.log.Debug("忽略不支持的消息",
			slog.String("performative", string(msg.Performative)),
			slog.String("sender", msg.Sender),
		)
		return nil, nil
	}
}

// handleAssignment 执行评审委派：读取认证记录与商品，对照规则库
// 得出结论后背书。重复背书等业务错误以 failure 应答回传。
func (a *CertifierAgent) handleAssignment(ctx context.Context, msg protocol.Message) (*protocol.Message, error) {
	var assignment protocol.TaskAssignment
	if err := protocol.DecodeBody(msg, &assignment); err != nil {
		return nil, err
	}
	if assignment.Kind != "certification.review" {
		return failureReply(msg, assignment.TaskID,
			xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("认证员不支持任务类型 %s", assignment.Kind)))
	}

	var request ReviewRequest
	if len(assignment.Payload) > 0 {
		if err := json.Unmarshal(assignment.Payload, &request); err != nil {
			return failureReply(msg, assignment.TaskID,
				xerrors.Wrap(certify.CodeValidation, err, "解析评审参数失败"))
		}
	}
	if strings.TrimSpace(request.RecordID) == "" {
		return failureReply(msg, assignment.TaskID,
			xerrors.New(certify.CodeValidation, "评审任务缺少记录 ID"))
	}

	record, err := a.certify.Get(ctx, request.RecordID)
	if err != nil {
		return failureReply(msg, assignment.TaskID, err)
	}

	verdict, note, err := a.review(ctx, record)
	if err != nil {
		return failureReply(msg, assignment.TaskID, err)
	}

	endorsed, err := a.certify.Endorse(ctx, certify.EndorseInput{
		RecordID:  record.ID,
		Certifier: a.name,
		Verdict:   verdict,
		Note:      note,
	})
	if err != nil {
		return failureReply(msg, assignment.TaskID, err)
	}

	output, _ := json.Marshal(endorsed)
	return informResult(msg, protocol.TaskResult{
		TaskID:  assignment.TaskID,
		Summary: fmt.Sprintf("记录 %s 已背书: %s", endorsed.ID, verdict),
		Output:  output,
	})
}

// review 对照规则库给出结论：命中 reject 规则一票否决，其余情况
// approve，review 级规则在备注中留痕。读不到商品时返回错误，
// 让任务走重试而不是盲目背书。
func (a *CertifierAgent) review(ctx context.Context, record *certify.Record) (certify.Verdict, string, error) {
	product, err := a.catalog.GetProduct(ctx, record.ProductID)
	if err != nil {
		return "", "", xerrors.Wrap(certify.CodeValidation, err, "评审时无法读取商品信息")
	}

	terms := []string{product.Name, product.Brand}
	rules := a.rulebook.Match(product.Category, terms)
	for _, rule := range rules {
		if strings.EqualFold(rule.Verdict, "reject") {
			return certify.VerdictReject, fmt.Sprintf("命中规则 %s: %s", rule.ID, rule.Title), nil
		}
	}

	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	note := ""
	if len(ids) > 0 {
		note = "需人工复核规则: " + strings.Join(ids, ", ")
	}
	return certify.VerdictApprove, note, nil
}

// handleNotice 记录认证状态变化通知，暂停与吊销需要认证员知晓。
func (a *CertifierAgent) handleNotice(_ context.Context, msg protocol.Message) (*protocol.Message, error) {
	var notice protocol.CertificationNotice
	if err := protocol.DecodeBody(msg, &notice); err != nil {
		a.log.Debug("忽略无法解析的通知", slog.Any("error", err))
		return nil, nil
	}
	a.log.Info("收到认证状态通知",
		slog.String("record_id", notice.RecordID),
		slog.String("product_id", notice.ProductID),
		slog.String("status", notice.Status),
		slog.String("reason", notice.Reason),
	)
	return nil, nil
}

var _ Worker = (*CertifierAgent)(nil)
