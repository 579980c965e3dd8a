package opensouk

import "encoding/json"

// Credentials carries the login material exchanged for a bearer token.
// GrantType may be left empty; the gateway treats it as a password grant.
type Credentials struct {
	GrantType string   `json:"grant_type,omitempty"`
	Username  string   `json:"username"`
	Password  string   `json:"password"`
	Scope     []string `json:"scope,omitempty"`
}

// Token is the gateway's answer to a successful authentication.
type Token struct {
	AccessToken      string   `json:"access_token"`
	ExpiresIn        int64    `json:"expires_in"`
	RefreshToken     string   `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64    `json:"refresh_expires_in,omitempty"`
	TokenType        string   `json:"token_type"`
	GrantedScopes    []string `json:"scope,omitempty"`
}

// Product mirrors a catalogue entry as served by the gateway.
type Product struct {
	ID              string `json:"id"`
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Brand           string `json:"brand,omitempty"`
	Category        string `json:"category,omitempty"`
	PriceAmount     int64  `json:"price_amount"`
	PriceCurrency   string `json:"price_currency"`
	Stock           int64  `json:"stock"`
	CertificationID string `json:"certification_id,omitempty"`
	Seller          string `json:"seller"`
	Version         int64  `json:"version"`
	CreatedAt       int64  `json:"created_at"`
	UpdatedAt       int64  `json:"updated_at"`
}

// AddProductInput describes a new catalogue entry. PriceAmount is the
// unit price in minor units (cents).
type AddProductInput struct {
	SKU             string `json:"sku"`
	Name            string `json:"name"`
	Brand           string `json:"brand,omitempty"`
	Category        string `json:"category,omitempty"`
	PriceAmount     int64  `json:"price_amount"`
	PriceCurrency   string `json:"price_currency,omitempty"`
	Stock           int64  `json:"stock"`
	Seller          string `json:"seller"`
	CertificationID string `json:"certification_id,omitempty"`
}

// Order is a settled purchase.
type Order struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id"`
	Buyer      string `json:"buyer"`
	Quantity   int64  `json:"quantity"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	TxHash     string `json:"tx_hash,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// PurchaseInput describes an order to place. Payment must equal
// quantity times the product's unit price or the gateway rejects the
// purchase with CodePaymentIncorrect.
type PurchaseInput struct {
	ProductID string `json:"product_id"`
	Buyer     string `json:"buyer"`
	Quantity  int64  `json:"quantity"`
	Payment   int64  `json:"payment"`
	TxHash    string `json:"tx_hash,omitempty"`
}

// Certification lifecycle states.
const (
	CertificationPending   = "pending"
	CertificationCertified = "certified"
	CertificationSuspended = "suspended"
	CertificationRevoked   = "revoked"
	CertificationExpired   = "expired"
)

// Endorsement verdicts accepted by the certification board.
const (
	VerdictApprove = "approve"
	VerdictReject  = "reject"
)

// Endorsement is a single certifier vote on a record.
type Endorsement struct {
	Certifier string `json:"certifier"`
	Verdict   string `json:"verdict"`
	Note      string `json:"note,omitempty"`
	At        int64  `json:"at"`
}

// Certification is a consensus record tracking a product's halal status.
type Certification struct {
	ID            string        `json:"id"`
	ProductID     string        `json:"product_id"`
	Authority     string        `json:"authority"`
	CertificateNo string        `json:"certificate_no"`
	Status        string        `json:"status"`
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

// OpenCertificationInput starts a new certification round for a product.
type OpenCertificationInput struct {
	ProductID     string `json:"product_id"`
	Authority     string `json:"authority"`
	CertificateNo string `json:"certificate_no"`
	Quorum        int    `json:"quorum,omitempty"`
}

// EndorsementInput casts one certifier vote.
type EndorsementInput struct {
	Certifier string `json:"certifier"`
	Verdict   string `json:"verdict"`
	Note      string `json:"note,omitempty"`
}

// Rule is a rulebook entry matched during verification.
type Rule struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
	Verdict  string   `json:"verdict"`
}

// Verification is the gateway's combined answer to "is this product
// certified right now": record state, registry cross-check and any
// rulebook findings.
type Verification struct {
	ProductID          string   `json:"product_id"`
	RecordID           string   `json:"record_id,omitempty"`
	Certified          bool     `json:"certified"`
	Status             string   `json:"status,omitempty"`
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

// Task lifecycle states.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Well-known task kinds understood by the agent pool.
const (
	KindProductAdd          = "product.add"
	KindOrderPurchase       = "order.purchase"
	KindCertificationReview = "certification.review"
)

// TaskResult is the terminal output of a finished task.
type TaskResult struct {
	Summary     string          `json:"summary,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Agent       string          `json:"agent,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
}

// Task mirrors a queued unit of work and its allocation state.
type Task struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Goal        string          `json:"goal,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ChainAction string          `json:"chain_action,omitempty"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxRetries  int             `json:"max_retries"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	TriedAgents []string        `json:"tried_agents,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	FailureCode string          `json:"failure_code,omitempty"`
	Result      *TaskResult     `json:"result,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// SubmitTaskInput enqueues a new task. ID is optional; the gateway
// assigns one when absent.
type SubmitTaskInput struct {
	ID          string          `json:"id,omitempty"`
	Kind        string          `json:"kind"`
	Goal        string          `json:"goal,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ChainAction string          `json:"chain_action,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
}

// TaskStats is an aggregate snapshot of the task store.
type TaskStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Agent is a registry snapshot entry for one worker.
type Agent struct {
	Name             string   `json:"name"`
	Role             string   `json:"role,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	Address          string   `json:"address,omitempty"`
	Inflight         int      `json:"inflight"`
	Assigned         int64    `json:"assigned"`
	Failures         int      `json:"failures"`
	LastBeat         int64    `json:"last_beat"`
	QuarantinedUntil int64    `json:"quarantined_until,omitempty"`
	RegisteredAt     int64    `json:"registered_at"`
}

// Health reports gateway liveness and which components are wired.
type Health struct {
	Status     string          `json:"status"`
	Time       int64           `json:"time"`
	Components map[string]bool `json:"components"`
	Agents     int             `json:"agents"`
}
