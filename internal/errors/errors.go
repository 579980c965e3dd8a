package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 是整个系统共享的错误码类型。
type Code string

// Severity 表示错误的严重级别，告警与审计按级别分流。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 描述错误码的默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeBusFailure            Code = "BUS_FAILURE"
	CodeDispatchFailure       Code = "DISPATCH_FAILURE"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeTimeout               Code = "TIMEOUT"
)

func attrs(message string, sev Severity, retryable, alert bool) Attributes {
	return Attributes{Message: message, Severity: sev, Retryable: retryable, Alert: alert}
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               attrs("unknown error", SeverityCritical, false, true),
		CodeInvalidArgument:       attrs("invalid argument", SeverityInfo, false, false),
		CodeNotFound:              attrs("resource not found", SeverityInfo, false, false),
		CodeConflict:              attrs("resource conflict", SeverityWarning, false, false),
		CodeAlreadyCompleted:      attrs("resource already completed", SeverityInfo, false, false),
		CodeRetriesExhausted:      attrs("retries exhausted", SeverityWarning, false, true),
		CodeInitializationFailure: attrs("service not initialized", SeverityWarning, true, true),
		CodeStorageFailure:        attrs("storage failure", SeverityCritical, true, true),
		CodeQueueFailure:          attrs("queue failure", SeverityCritical, true, true),
		CodeBusFailure:            attrs("message bus failure", SeverityCritical, true, true),
		CodeDispatchFailure:       attrs("dispatch failure", SeverityWarning, true, true),
		CodeUnavailable:           attrs("dependency unavailable", SeverityWarning, true, true),
		CodeTimeout:               attrs("operation timed out", SeverityWarning, true, true),
	}
)

// Register 供业务包在 init 阶段登记自己的错误码。重复登记以后者为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 查询错误码属性，未登记的错误码回退到 UNKNOWN。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统统一的错误类型。行为默认跟随错误码，
// 个别实例可以通过 Option 覆盖重试、告警与级别。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string

	retryOverride    *bool
	alertOverride    *bool
	severityOverride *Severity
}

// Option 定义错误实例的可选配置。
type Option func(*Error)

// WithMetadata 附加键值元数据。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试行为。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryOverride = &retryable
	}
}

// WithAlert 覆盖错误码默认的告警行为。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alertOverride = &alert
	}
}

// WithSeverity 覆盖错误码默认的严重级别。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severityOverride = &sev
	}
}

// New 创建错误实例。message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在底层错误外套上统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// resolved 把实例级覆盖合并进错误码的默认属性。
func (e *Error) resolved() Attributes {
	attr := AttributesOf(e.code)
	if e.retryOverride != nil {
		attr.Retryable = *e.retryOverride
	}
	if e.alertOverride != nil {
		attr.Alert = *e.alertOverride
	}
	if e.severityOverride != nil {
		attr.Severity = *e.severityOverride
	}
	return attr
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回元数据副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 报告错误是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.resolved().Retryable
}

// ShouldAlert 报告错误是否需要触发告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	return e.resolved().Alert
}

// Severity 返回错误严重级别。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.resolved().Severity
}

// From 尝试从任意 error 中提取统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回任意 error 的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 报告任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 报告任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回任意 error 的严重级别。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
