package task

import (
	"encoding/json"

	xerrors "OpenSouk-Chain/internal/errors"
)

// Status 是任务生命周期的枚举状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// 任务类型是开放集合，这里只枚举内置智能体认识的三种。
const (
	KindProductAdd          = "product.add"
	KindOrderPurchase       = "order.purchase"
	KindCertificationReview = "certification.review"
)

// ExecutionResult 保存一次任务执行成功后的产出。
// Output 是智能体返回的原始 JSON，内容由任务类型决定。
type ExecutionResult struct {
	Summary     string          `json:"summary,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Agent       string          `json:"agent,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
}

// Empty 报告结果是否没有任何内容。
func (r ExecutionResult) Empty() bool {
	return r.Summary == "" && r.TxHash == "" && len(r.Output) == 0 && r.Agent == ""
}

// Task 描述一次排队执行的异步作业。Kind 决定需要什么能力的智能体，
// TriedAgents 记录本轮已经试过的执行者，分配时跳过这些名字。
type Task struct {
	ID          string           `json:"id"`
	Kind        string           `json:"kind"`
	Goal        string           `json:"goal,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	ChainAction string           `json:"chain_action,omitempty"`
	Status      Status           `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxRetries  int              `json:"max_retries"`
	AssignedTo  string           `json:"assigned_to,omitempty"`
	TriedAgents []string         `json:"tried_agents,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	FailureCode string           `json:"failure_code,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	CreatedAt   int64            `json:"created_at"`
	UpdatedAt   int64            `json:"updated_at"`
}

var (
	// ErrTaskNotFound 目标任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 任务正在执行中，无法重复认领。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrNoAgentAvailable 当前没有合格的智能体可以承接任务。
	ErrNoAgentAvailable = xerrors.New(CodeNoAgentAvailable, "no agent available", xerrors.WithRetryable(true))
)

const (
	CodeTaskNotFound      xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict      xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted     xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted     xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish       xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing    xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate    xerrors.Code = "TASK_COMPENSATION_FAILED"
	CodeNoAgentAvailable  xerrors.Code = "NO_AGENT_AVAILABLE"
	CodeDispatchTimeout   xerrors.Code = "TASK_DISPATCH_TIMEOUT"
	CodeAllocationFailure xerrors.Code = "TASK_ALLOCATION_FAILED"
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:      {Message: "task not found", Severity: xerrors.SeverityInfo},
		CodeTaskConflict:      {Message: "task conflict", Severity: xerrors.SeverityWarning},
		CodeTaskCompleted:     {Message: "task already completed", Severity: xerrors.SeverityInfo},
		CodeTaskExhausted:     {Message: "task retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation:    {Message: "task validation failed", Severity: xerrors.SeverityInfo},
		CodeTaskPublish:       {Message: "failed to publish task", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing:    {Message: "task execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
		CodeTaskCompensate:    {Message: "task compensation failed", Severity: xerrors.SeverityCritical, Alert: true},
		CodeNoAgentAvailable:  {Message: "no agent available", Severity: xerrors.SeverityWarning, Retryable: true},
		CodeDispatchTimeout:   {Message: "dispatch timed out", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
		CodeAllocationFailure: {Message: "task allocation failed", Severity: xerrors.SeverityWarning, Retryable: true},
	} {
		xerrors.Register(code, attr)
	}
}

func cloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cloned := *t
	if len(t.Payload) > 0 {
		cloned.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if len(t.TriedAgents) > 0 {
		cloned.TriedAgents = append([]string(nil), t.TriedAgents...)
	}
	if t.Result != nil {
		result := *t.Result
		if len(t.Result.Output) > 0 {
			result.Output = append(json.RawMessage(nil), t.Result.Output...)
		}
		cloned.Result = &result
	}
	return &cloned
}

// IsValidStatus 报告 status 是否为已定义的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}
