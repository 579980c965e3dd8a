package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/observability/alerting"
	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/pkg/logger"
)

// Executor 执行一个已认领的任务，Dispatcher 是默认实现。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// Processor 从队列取任务 ID，认领后交给执行器，并按失败语义落库、
// 告警与重投。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 调整 Processor 的可选行为。
type ProcessorOption func(*Processor)

// WithProcessorLogger 注入调试日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 注入不可重试失败的补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 注入告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 组装 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 开始消费，阻塞直到 ctx 取消或消费端退出。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle 处理单个任务 ID。返回非 nil 会触发队列层的重入队，
// 因此只有希望稍后重试的瞬时错误才向上返回。
func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}

	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) {
			p.logDebug(ctx, "任务无需处理", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("认领任务出错", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, task)
	if execErr != nil {
		return p.settleFailure(ctx, task, execErr)
	}
	return p.recordSuccess(ctx, task, result)
}

// recordSuccess 落库执行结果；落库失败时任务回到 pending 并重投。
func (p *Processor) recordSuccess(ctx context.Context, task *Task, result *ExecutionResult) error {
	var record ExecutionResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		logger.L().Error("写入任务结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return p.requeueAfterStoreFailure(ctx, task, CodeTaskProcessing, err)
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("agent", record.Agent),
		slog.String("tx_hash", record.TxHash),
	)
	return nil
}

// settleFailure 归档一次执行失败：尝试补偿，落失败状态，按需告警与重投。
func (p *Processor) settleFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable
	metrics.ObserveTaskFailure(task.Kind, string(code))

	if !retryable && p.recovery != nil {
		done, err := p.runRecovery(ctx, task, code, execErr)
		if done || err != nil {
			return err
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("写入任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("agent", task.AssignedTo),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	p.emitAlert(ctx, task, code, execErr, stage)

	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		p.logDebug(ctx, "任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

// runRecovery 调用补偿策略。返回 done=true 表示任务已按降级结果收尾，
// 调用方不再走失败落库。补偿自身出错只告警，任务仍按原失败归档。
func (p *Processor) runRecovery(ctx context.Context, task *Task, code xerrors.Code, execErr error) (bool, error) {
	fallback, recErr := p.recovery.Recover(ctx, task, execErr)
	if recErr != nil {
		wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
		logger.L().Error("补偿策略执行失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		return false, nil
	}
	if fallback == nil {
		return false, nil
	}

	if fallback.Summary == "" {
		fallback.Summary = fmt.Sprintf("补偿降级: %v", execErr)
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err != nil {
		logger.L().Error("写入降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return true, p.requeueAfterStoreFailure(ctx, task, code, err)
	}
	logger.Audit().Warn("任务降级完成",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("summary", fallback.Summary),
	)
	p.emitAlert(ctx, task, code, execErr, "degraded")
	return true, nil
}

// requeueAfterStoreFailure 在结果落库失败后把任务退回 pending 并重投，
// 让后续认领重跑一遍。
func (p *Processor) requeueAfterStoreFailure(ctx context.Context, task *Task, code xerrors.Code, cause error) error {
	if storeErr := p.store.MarkFailed(ctx, task.ID, code, cause.Error(), false); storeErr != nil {
		logger.L().Error("回退任务状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 落库失败后重投失败", task.ID))
	}
	logger.Audit().Warn("任务落库失败后重试",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (p *Processor) logDebug(ctx context.Context, msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		p.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{"stage": stage}
	if task.Kind != "" {
		metadata["kind"] = task.Kind
	}
	if task.AssignedTo != "" {
		metadata["agent"] = task.AssignedTo
	}
	event := alerting.Event{
		Source:     "task",
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Subject:    task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警派发失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
