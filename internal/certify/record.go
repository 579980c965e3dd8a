package certify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	xerrors "OpenSouk-Chain/internal/errors"
)

// Status 表示认证记录在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusCertified Status = "certified"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// Verdict 是认证方背书时给出的结论。
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Endorsement 记录一次认证方背书。
type Endorsement struct {
	Certifier string  `json:"certifier"`
	Verdict   Verdict `json:"verdict"`
	Note      string  `json:"note,omitempty"`
	At        int64   `json:"at"`
}

// Record 描述一条待共识或已生效的认证记录。
type Record struct {
	ID            string        `json:"id"`
	ProductID     string        `json:"product_id"`
	Authority     string        `json:"authority"`
	CertificateNo string        `json:"certificate_no"`
	Status        Status        `json:"status"`
	Endorsements  []Endorsement `json:"endorsements,omitempty"`
	Quorum        int           `json:"quorum"`
	IssuedAt      int64         `json:"issued_at,omitempty"`
	ExpiresAt     int64         `json:"expires_at,omitempty"`
	Digest        string        `json:"digest,omitempty"`
	AnchorTxHash  string        `json:"anchor_tx_hash,omitempty"`
	Version       int64         `json:"version"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at"`
}

var (
	// ErrRecordNotFound 表示认证记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "certification record not found")
	// ErrAlreadyOpen 表示商品已有未关闭的认证记录。
	ErrAlreadyOpen = xerrors.New(CodeAlreadyOpen, "certification already open for product", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrDuplicateEndorsement 表示同一认证方重复背书。
	ErrDuplicateEndorsement = xerrors.New(CodeEndorsementDuplicate, "certifier already endorsed this record", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStateInvalid 表示当前状态不允许所请求的流转。
	ErrStateInvalid = xerrors.New(CodeStateInvalid, "certification state does not allow this transition", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrVersionConflict 表示乐观锁版本落后，更新被拒绝。
	ErrVersionConflict = xerrors.New(CodeVersionConflict, "certification version conflict", xerrors.WithSeverity(xerrors.SeverityWarning), xerrors.WithRetryable(true))
	// ErrNotCertified 表示商品当前没有生效的认证。
	ErrNotCertified = xerrors.New(CodeNotCertified, "product is not certified", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeRecordNotFound       xerrors.Code = "CERT_RECORD_NOT_FOUND"
	CodeAlreadyOpen          xerrors.Code = "CERT_ALREADY_OPEN"
	CodeEndorsementDuplicate xerrors.Code = "CERT_ENDORSEMENT_DUPLICATE"
	CodeStateInvalid         xerrors.Code = "CERT_STATE_INVALID"
	CodeVersionConflict      xerrors.Code = "CERT_VERSION_CONFLICT"
	CodeNotCertified         xerrors.Code = "CERT_NOT_CERTIFIED"
	CodeValidation           xerrors.Code = "CERT_VALIDATION_FAILED"
	CodeAnchorFailed         xerrors.Code = "CERT_ANCHOR_FAILED"
	CodeExpired              xerrors.Code = "CERT_EXPIRED"
	CodeSuspended            xerrors.Code = "CERT_SUSPENDED"
	CodeRevoked              xerrors.Code = "CERT_REVOKED"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "certification record not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAlreadyOpen, xerrors.Attributes{
		Message:  "certification already open for product",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeEndorsementDuplicate, xerrors.Attributes{
		Message:  "certifier already endorsed this record",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeStateInvalid, xerrors.Attributes{
		Message:  "certification state does not allow this transition",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeVersionConflict, xerrors.Attributes{
		Message:   "certification version conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeNotCertified, xerrors.Attributes{
		Message:  "product is not certified",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "certification request validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAnchorFailed, xerrors.Attributes{
		Message:   "failed to anchor certification digest on chain",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:  "certification has expired",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeSuspended, xerrors.Attributes{
		Message:  "certification suspended pending review",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeRevoked, xerrors.Attributes{
		Message:  "certification revoked",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// CanTransition 判断状态机是否允许 from 到 to 的流转。
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCertified || to == StatusRevoked
	case StatusCertified:
		return to == StatusSuspended || to == StatusRevoked || to == StatusExpired
	case StatusSuspended:
		return to == StatusCertified || to == StatusRevoked
	default:
		// revoked 与 expired 是终态。
		return false
	}
}

// IsTerminal 判断状态是否为终态。
func IsTerminal(status Status) bool {
	return status == StatusRevoked || status == StatusExpired
}

// IsLive 判断记录是否仍占用商品的认证席位。
func IsLive(status Status) bool {
	return status == StatusPending || status == StatusCertified || status == StatusSuspended
}

// Approvals 统计互不相同的认证方给出的 approve 背书数量。
func (r *Record) Approvals() int {
	seen := make(map[string]struct{}, len(r.Endorsements))
	for _, e := range r.Endorsements {
		if e.Verdict != VerdictApprove {
			continue
		}
		seen[e.Certifier] = struct{}{}
	}
	return len(seen)
}

// HasEndorsed 判断认证方是否已经背书过该记录。
func (r *Record) HasEndorsed(certifier string) bool {
	for _, e := range r.Endorsements {
		if e.Certifier == certifier {
			return true
		}
	}
	return false
}

// ComputeDigest 基于记录的稳定字段计算 sha256 摘要，
// 同一条记录重复计算结果不变。
func ComputeDigest(productID, authority, certificateNo string, issuedAt int64) string {
	payload := fmt.Sprintf("%s|%s|%s|%d", productID, authority, certificateNo, issuedAt)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.Endorsements != nil {
		cloned.Endorsements = make([]Endorsement, len(r.Endorsements))
		copy(cloned.Endorsements, r.Endorsements)
	}
	return &cloned
}

// IsValidStatus 检查给定状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusCertified, StatusSuspended, StatusRevoked, StatusExpired:
		return true
	default:
		return false
	}
}
