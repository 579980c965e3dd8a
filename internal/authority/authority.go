package authority

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

// Client 定义认证机构公开注册表的查询接口。
type Client interface {
	// Lookup 校验证书编号是否真实有效。
	Lookup(ctx context.Context, certificateNo string) (*Attestation, error)
}

// Attestation 是注册表针对某张证书给出的查询结果。
type Attestation struct {
	CertificateNo string `json:"certificate_no"`
	Authority     string `json:"authority"`
	HolderName    string `json:"holder_name,omitempty"`
	Scheme        string `json:"scheme,omitempty"`
	Valid         bool   `json:"valid"`
	ExpiresAt     int64  `json:"expires_at,omitempty"`
	CheckedAt     int64  `json:"checked_at"`
}

const (
	// CodeUnavailable 表示注册表暂时不可达，可重试。
	CodeUnavailable xerrors.Code = "AUTHORITY_UNAVAILABLE"
	// CodeRejected 表示注册表明确否认该证书。
	CodeRejected xerrors.Code = "AUTHORITY_REJECTED"
)

var (
	// ErrUnavailable 表示注册表查询失败。
	ErrUnavailable = xerrors.New(CodeUnavailable, "authority registry unavailable", xerrors.WithRetryable(true))
	// ErrRejected 表示证书未被注册表承认。
	ErrRejected = xerrors.New(CodeRejected, "certificate not recognized by authority", xerrors.WithSeverity(xerrors.SeverityWarning))
)

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "authority registry unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:  "certificate not recognized by authority",
		Severity: xerrors.SeverityWarning,
	})
}

// Static 使用内存登记的证书集合应答查询，供测试与无外网部署使用。
type Static struct {
	mu      sync.RWMutex
	entries map[string]Attestation
}

// NewStatic 创建空的内存注册表。
func NewStatic(entries ...Attestation) *Static {
	s := &Static{entries: make(map[string]Attestation, len(entries))}
	for _, entry := range entries {
		s.Register(entry)
	}
	return s
}

// Register 登记一张证书。
func (s *Static) Register(att Attestation) {
	no := strings.TrimSpace(att.CertificateNo)
	if no == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[no] = att
}

// Lookup 返回登记过的证书信息，未登记的证书视为被拒绝。
func (s *Static) Lookup(_ context.Context, certificateNo string) (*Attestation, error) {
	no := strings.TrimSpace(certificateNo)
	if no == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "证书编号不能为空")
	}
	s.mu.RLock()
	entry, ok := s.entries[no]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRejected
	}
	entry.CheckedAt = time.Now().Unix()
	return &entry, nil
}

var _ Client = (*Static)(nil)
