package certify

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenSouk-Chain/internal/authority"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/market"
	"OpenSouk-Chain/internal/observability/alerting"
	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/internal/web3"
	"OpenSouk-Chain/pkg/logger"
)

// Catalog 提供认证流程需要的商品读写能力，由 market.Service 实现。
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*market.Product, error)
	AttachCertification(ctx context.Context, productID, certificationID string) error
}

// Config 描述认证服务的依赖与策略。
type Config struct {
	Store         Store
	Catalog       Catalog
	Rulebook      Rulebook
	Registry      authority.Client
	Chain         web3.Client
	Alerts        alerting.Dispatcher
	DefaultQuorum int
	Validity      time.Duration
}

// Service 管理认证记录从申请、背书、生效到过期的完整生命周期。
type Service struct {
	store    Store
	catalog  Catalog
	rulebook Rulebook
	registry authority.Client
	chain    web3.Client
	alerts   alerting.Dispatcher
	quorum   int
	validity time.Duration
	log      *slog.Logger
}

// NewService 创建认证服务。Store 为必填；规则库缺省时退回内置规则，
// 链客户端与注册表客户端缺省时跳过对应步骤。
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "认证服务需要存储后端")
	}
	if cfg.Rulebook == nil {
		cfg.Rulebook = DefaultRulebook()
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alerting.NewFanout()
	}
	if cfg.DefaultQuorum <= 0 {
		cfg.DefaultQuorum = 2
	}
	if cfg.Validity <= 0 {
		cfg.Validity = 365 * 24 * time.Hour
	}
	return &Service{
		store:    cfg.Store,
		catalog:  cfg.Catalog,
		rulebook: cfg.Rulebook,
		registry: cfg.Registry,
		chain:    cfg.Chain,
		alerts:   cfg.Alerts,
		quorum:   cfg.DefaultQuorum,
		validity: cfg.Validity,
		log:      logger.Named("certify"),
	}, nil
}

// OpenInput 描述一次认证申请。
type OpenInput struct {
	ProductID     string `json:"product_id"`
	Authority     string `json:"authority"`
	CertificateNo string `json:"certificate_no"`
	Quorum        int    `json:"quorum,omitempty"`
}

// Open 为商品开启认证流程。同一商品同时只允许存在一条
// pending/certified/suspended 记录。
func (s *Service) Open(ctx context.Context, input OpenInput) (*Record, error) {
	productID := strings.TrimSpace(input.ProductID)
	authorityName := strings.TrimSpace(input.Authority)
	certificateNo := strings.TrimSpace(input.CertificateNo)
	if productID == "" {
		return nil, xerrors.New(CodeValidation, "商品 ID 不能为空")
	}
	if authorityName == "" {
		return nil, xerrors.New(CodeValidation, "认证机构不能为空")
	}
	if certificateNo == "" {
		return nil, xerrors.New(CodeValidation, "证书编号不能为空")
	}

	if s.catalog != nil {
		if _, err := s.catalog.GetProduct(ctx, productID); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.GetByProduct(ctx, productID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !stdErrors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	quorum := input.Quorum
	if quorum <= 0 {
		quorum = s.quorum
	}
	record := &Record{
		ID:            uuid.NewString(),
		ProductID:     productID,
		Authority:     authorityName,
		CertificateNo: certificateNo,
		Status:        StatusPending,
		Quorum:        quorum,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}
	logger.Audit().Info("认证申请已登记",
		slog.String("record_id", record.ID),
		slog.String("product_id", record.ProductID),
		slog.String("authority", record.Authority),
		slog.Int("quorum", record.Quorum),
	)
	return record, nil
}

// EndorseInput 描述一次认证背书。
type EndorseInput struct {
	RecordID  string  `json:"record_id"`
	Certifier string  `json:"certifier"`
	Verdict   Verdict `json:"verdict"`
	Note      string  `json:"note,omitempty"`
}

// Endorse 记录认证员的背书。reject 一票否决并立即吊销；不同认证员的
// approve 达到法定人数后记录生效，计算规范摘要并锚定到链上。
// 写入使用乐观锁，版本冲突时重读重试一次。
func (s *Service) Endorse(ctx context.Context, input EndorseInput) (*Record, error) {
	certifier := strings.TrimSpace(input.Certifier)
	if certifier == "" {
		return nil, xerrors.New(CodeValidation, "认证员不能为空")
	}
	if input.Verdict != VerdictApprove && input.Verdict != VerdictReject {
		return nil, xerrors.New(CodeValidation, "背书结论只能是 approve 或 reject")
	}

	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		record, err := s.store.Get(ctx, input.RecordID)
		if err != nil {
			return nil, err
		}
		if record.Status != StatusPending {
			return nil, ErrStateInvalid
		}
		if record.HasEndorsed(certifier) {
			return nil, ErrDuplicateEndorsement
		}

		now := time.Now().Unix()
		record.Endorsements = append(record.Endorsements, Endorsement{
			Certifier: certifier,
			Verdict:   input.Verdict,
			Note:      strings.TrimSpace(input.Note),
			At:        now,
		})

		certified := false
		switch {
		case input.Verdict == VerdictReject:
			// 任何一票 reject 都直接吊销，不等剩余背书。
			record.Status = StatusRevoked
		case record.Approvals() >= record.Quorum:
			record.Status = StatusCertified
			record.IssuedAt = now
			record.ExpiresAt = now + int64(s.validity/time.Second)
			record.Digest = ComputeDigest(record.ProductID, record.Authority, record.CertificateNo, record.IssuedAt)
			certified = true
		}

		if err := s.store.Update(ctx, record); err != nil {
			if xerrors.CodeOf(err) == CodeVersionConflict && attempt < maxAttempts-1 {
				continue
			}
			return nil, err
		}

		logger.Audit().Info("认证背书已记录",
			slog.String("record_id", record.ID),
			slog.String("certifier", certifier),
			slog.String("verdict", string(input.Verdict)),
			slog.String("status", string(record.Status)),
		)

		switch {
		case record.Status == StatusRevoked:
			s.emitAlert(ctx, alerting.Event{
				Code:     CodeRevoked,
				Message:  "认证在评审中被否决",
				Severity: xerrors.SeverityCritical,
				Subject:  record.ID,
				Metadata: map[string]string{"certifier": certifier},
			})
			s.refreshActiveGauge(ctx)
		case certified:
			s.finalizeCertification(ctx, record)
		}
		return record, nil
	}
	return nil, ErrVersionConflict
}

// finalizeCertification 在记录生效后完成商品挂接与摘要上链。
// 两步失败都不回滚已生效的记录，通过告警留待补偿。
func (s *Service) finalizeCertification(ctx context.Context, record *Record) {
	logger.Audit().Info("认证已生效",
		slog.String("record_id", record.ID),
		slog.String("product_id", record.ProductID),
		slog.String("digest", record.Digest),
		slog.Int("approvals", record.Approvals()),
	)
	if s.catalog != nil {
		if err := s.catalog.AttachCertification(ctx, record.ProductID, record.ID); err != nil {
			s.log.Warn("商品挂接认证失败",
				slog.String("record_id", record.ID),
				slog.String("product_id", record.ProductID),
				slog.Any("error", err),
			)
		}
	}
	s.anchorBestEffort(ctx, record)
	s.refreshActiveGauge(ctx)
}

// Anchor 把已生效记录的摘要锚定到链上。重复调用幂等，
// 已有交易哈希时直接返回，供锚定失败后的补偿重试使用。
func (s *Service) Anchor(ctx context.Context, recordID string) (*Record, error) {
	record, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusCertified && record.Status != StatusSuspended {
		return nil, ErrStateInvalid
	}
	if record.AnchorTxHash != "" {
		return record, nil
	}
	if s.chain == nil {
		return nil, xerrors.New(CodeAnchorFailed, "未配置链客户端")
	}
	if err := s.anchorOnce(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) anchorBestEffort(ctx context.Context, record *Record) {
	if s.chain == nil {
		s.log.Warn("未配置链客户端，跳过摘要上链", slog.String("record_id", record.ID))
		return
	}
	if err := s.anchorOnce(ctx, record); err != nil {
		s.log.Error("认证摘要上链失败",
			slog.String("record_id", record.ID),
			slog.Any("error", err),
		)
		s.emitAlert(ctx, alerting.Event{
			Code:     CodeAnchorFailed,
			Message:  "认证摘要上链失败，等待重新锚定",
			Severity: xerrors.SeverityCritical,
			Subject:  record.ID,
		})
	}
}

func (s *Service) anchorOnce(ctx context.Context, record *Record) error {
	receipt, err := s.chain.ExecuteAction(ctx, "anchor:"+record.Digest, "")
	if err != nil {
		return xerrors.Wrap(CodeAnchorFailed, err, "锚定认证摘要失败")
	}
	record.AnchorTxHash = receipt.TxHash
	if err := s.store.Update(ctx, record); err != nil {
		return err
	}
	logger.Audit().Info("认证摘要已上链",
		slog.String("record_id", record.ID),
		slog.String("digest", record.Digest),
		slog.String("tx_hash", record.AnchorTxHash),
	)
	return nil
}

// Suspend 暂停生效中的认证，等待复查。
func (s *Service) Suspend(ctx context.Context, recordID, reason string) (*Record, error) {
	record, err := s.transition(ctx, recordID, StatusCertified, StatusSuspended)
	if err != nil {
		return nil, err
	}
	logger.Audit().Warn("认证已暂停",
		slog.String("record_id", record.ID),
		slog.String("reason", reason),
	)
	s.emitAlert(ctx, alerting.Event{
		Code:     CodeSuspended,
		Message:  "认证已暂停: " + reason,
		Severity: xerrors.SeverityWarning,
		Subject:  record.ID,
	})
	s.refreshActiveGauge(ctx)
	return record, nil
}

// Reinstate 恢复被暂停的认证。
func (s *Service) Reinstate(ctx context.Context, recordID string) (*Record, error) {
	record, err := s.transition(ctx, recordID, StatusSuspended, StatusCertified)
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("认证已恢复", slog.String("record_id", record.ID))
	s.refreshActiveGauge(ctx)
	return record, nil
}

// Revoke 吊销认证。pending、certified、suspended 状态均可吊销，终态不可。
func (s *Service) Revoke(ctx context.Context, recordID, reason string) (*Record, error) {
	record, err := s.transition(ctx, recordID, "", StatusRevoked)
	if err != nil {
		return nil, err
	}
	logger.Audit().Warn("认证已吊销",
		slog.String("record_id", record.ID),
		slog.String("reason", reason),
	)
	s.emitAlert(ctx, alerting.Event{
		Code:     CodeRevoked,
		Message:  "认证已吊销: " + reason,
		Severity: xerrors.SeverityCritical,
		Subject:  record.ID,
	})
	s.refreshActiveGauge(ctx)
	return record, nil
}

// transition 按状态机流转记录。from 非空时要求当前状态精确匹配，
// 乐观锁冲突时重读重试一次。
func (s *Service) transition(ctx context.Context, recordID string, from, to Status) (*Record, error) {
	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		record, err := s.store.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if from != "" && record.Status != from {
			return nil, ErrStateInvalid
		}
		if !CanTransition(record.Status, to) {
			return nil, ErrStateInvalid
		}
		record.Status = to
		if err := s.store.Update(ctx, record); err != nil {
			if xerrors.CodeOf(err) == CodeVersionConflict && attempt < maxAttempts-1 {
				continue
			}
			return nil, err
		}
		return record, nil
	}
	return nil, ErrVersionConflict
}

// Verification 是一次商品认证核查的结论。
type Verification struct {
	ProductID          string   `json:"product_id"`
	RecordID           string   `json:"record_id,omitempty"`
	Certified          bool     `json:"certified"`
	Status             Status   `json:"status,omitempty"`
	Authority          string   `json:"authority,omitempty"`
	CertificateNo      string   `json:"certificate_no,omitempty"`
	ExpiresAt          int64    `json:"expires_at,omitempty"`
	Digest             string   `json:"digest,omitempty"`
	AnchorTxHash       string   `json:"anchor_tx_hash,omitempty"`
	AuthorityConfirmed bool     `json:"authority_confirmed"`
	RuleMatches        []Rule   `json:"rule_matches,omitempty"`
	Notes              []string `json:"notes,omitempty"`
	CheckedAt          int64    `json:"checked_at"`
}

// Verify 核查商品当前的认证状态，返回规则匹配与注册表确认结果。
// 注册表不可达不阻断核查，只在结论里降级为未确认。
func (s *Service) Verify(ctx context.Context, productID string) (*Verification, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return nil, xerrors.New(CodeValidation, "商品 ID 不能为空")
	}

	now := time.Now().Unix()
	result := &Verification{ProductID: productID, CheckedAt: now}

	record, err := s.store.GetByProduct(ctx, productID)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			result.Notes = append(result.Notes, "商品没有认证记录")
			s.matchRules(ctx, productID, result)
			return result, nil
		}
		return nil, err
	}

	result.RecordID = record.ID
	result.Status = record.Status
	result.Authority = record.Authority
	result.CertificateNo = record.CertificateNo
	result.ExpiresAt = record.ExpiresAt
	result.Digest = record.Digest
	result.AnchorTxHash = record.AnchorTxHash

	switch {
	case record.Status != StatusCertified:
		result.Notes = append(result.Notes, "认证记录尚未生效或已失效")
	case record.ExpiresAt > 0 && record.ExpiresAt <= now:
		result.Notes = append(result.Notes, "认证已过有效期")
	default:
		result.Certified = true
	}

	s.matchRules(ctx, productID, result)
	s.confirmAuthority(ctx, record, result)
	return result, nil
}

// RequireCertified 校验商品当前持有有效认证，供下单前的准入检查使用。
func (s *Service) RequireCertified(ctx context.Context, productID string) error {
	record, err := s.store.GetByProduct(ctx, productID)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			return ErrNotCertified
		}
		return err
	}
	if record.Status != StatusCertified {
		return ErrNotCertified
	}
	if record.ExpiresAt > 0 && record.ExpiresAt <= time.Now().Unix() {
		return ErrNotCertified
	}
	return nil
}

func (s *Service) matchRules(ctx context.Context, productID string, result *Verification) {
	if s.catalog == nil || s.rulebook == nil {
		return
	}
	product, err := s.catalog.GetProduct(ctx, productID)
	if err != nil {
		result.Notes = append(result.Notes, "无法读取商品资料，跳过规则匹配")
		return
	}
	terms := strings.Fields(strings.ToLower(product.Name + " " + product.Brand))
	result.RuleMatches = s.rulebook.Match(product.Category, terms)
	for _, rule := range result.RuleMatches {
		if rule.Verdict == "reject" {
			result.Notes = append(result.Notes, "命中禁止规则: "+rule.ID)
		}
	}
}

func (s *Service) confirmAuthority(ctx context.Context, record *Record, result *Verification) {
	if s.registry == nil {
		return
	}
	attestation, err := s.registry.Lookup(ctx, record.CertificateNo)
	if err != nil {
		result.Notes = append(result.Notes, "认证机构注册表无法确认该证书")
		s.log.Warn("注册表核查失败",
			slog.String("certificate_no", record.CertificateNo),
			slog.Any("error", err),
		)
		return
	}
	result.AuthorityConfirmed = attestation.Valid
	if !attestation.Valid {
		result.Notes = append(result.Notes, "注册表标记该证书为失效")
	}
}

// SweepExpired 将已过有效期的 certified 记录置为 expired，
// 每条过期记录都会产生审计与告警。
func (s *Service) SweepExpired(ctx context.Context) ([]string, error) {
	expired, err := s.store.Expire(ctx, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	for _, id := range expired {
		logger.Audit().Warn("认证已过期", slog.String("record_id", id))
		s.emitAlert(ctx, alerting.Event{
			Code:     CodeExpired,
			Message:  "认证记录已过有效期",
			Severity: xerrors.SeverityWarning,
			Subject:  id,
		})
	}
	if len(expired) > 0 {
		s.refreshActiveGauge(ctx)
	}
	return expired, nil
}

// StartSweeper 启动后台过期巡检，直到 ctx 取消。
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.log.Error("过期巡检失败", slog.Any("error", err))
				}
			}
		}
	}()
}

// Get 返回指定认证记录。
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// GetByProduct 返回商品当前占用认证席位的记录。
func (s *Service) GetByProduct(ctx context.Context, productID string) (*Record, error) {
	return s.store.GetByProduct(ctx, productID)
}

// List 返回符合过滤条件的认证记录。
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	return s.store.List(ctx, opts)
}

func (s *Service) emitAlert(ctx context.Context, event alerting.Event) {
	event.Source = "certify"
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := s.alerts.Notify(ctx, event); err != nil {
		s.log.Warn("告警发送失败", slog.Any("error", err))
	}
}

func (s *Service) refreshActiveGauge(ctx context.Context) {
	total, err := s.store.Count(ctx, StatusCertified)
	if err != nil {
		s.log.Warn("统计生效认证数量失败", slog.Any("error", err))
		return
	}
	metrics.SetActiveCertifications(total)
}
