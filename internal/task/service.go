package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/pkg/logger"
)

// SubmitInput 描述一次任务提交。ID 可选，携带时提交是幂等的。
type SubmitInput struct {
	ID          string          `json:"id,omitempty"`
	Kind        string          `json:"kind"`
	Goal        string          `json:"goal,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ChainAction string          `json:"chain_action,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的任务并推送到队列。
// 带 ID 的重复提交返回既有任务，不会排队第二次。
func (s *Service) Submit(ctx context.Context, input SubmitInput) (*Task, error) {
	if strings.TrimSpace(input.Kind) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务类型不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	if id := strings.TrimSpace(input.ID); id != "" {
		existing, err := s.store.Get(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	}

	task := s.newTask(input)
	if err := s.store.Create(ctx, task); err != nil {
		return s.resolveCreateConflict(ctx, task.ID, err)
	}
	return s.enqueue(ctx, task)
}

func (s *Service) newTask(input SubmitInput) *Task {
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	}
	retries := input.MaxRetries
	if retries <= 0 {
		retries = s.maxRetries
	}
	return &Task{
		ID:          id,
		Kind:        strings.TrimSpace(input.Kind),
		Goal:        strings.TrimSpace(input.Goal),
		Payload:     input.Payload,
		ChainAction: strings.TrimSpace(input.ChainAction),
		Status:      StatusPending,
		MaxRetries:  retries,
	}
}

// resolveCreateConflict 处理并发提交同一 ID 的竞争:
// 另一方先建成时返回它的任务, 否则把原始错误交还调用方。
func (s *Service) resolveCreateConflict(ctx context.Context, id string, createErr error) (*Task, error) {
	if !stdErrors.Is(createErr, ErrTaskConflict) {
		return nil, createErr
	}
	existing, err := s.store.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if stdErrors.Is(err, ErrTaskNotFound) {
		return nil, createErr
	}
	return nil, err
}

// enqueue 将新任务推入队列, 失败时把任务标记为可重试并返回包装错误。
func (s *Service) enqueue(ctx context.Context, task *Task) (*Task, error) {
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("kind", task.Kind),
		slog.String("goal", task.Goal),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

func (s *Service) ready() error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, opts...)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if err := s.ready(); err != nil {
		return TaskStats{}, err
	}
	return s.store.Stats(ctx, opts...)
}

// Close 依次释放存储与队列, 任一失败不影响另一方的关闭。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 按 interval 轮询任务, 直到终态或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status == StatusSucceeded || task.Status == StatusFailed {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
