package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于单机部署和测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 将任务状态更新为运行中并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	switch task.Status {
	case StatusSucceeded:
		return cloneTask(task), ErrTaskCompleted
	case StatusRunning:
		return cloneTask(task), ErrTaskConflict
	}
	if task.Attempts >= task.MaxRetries {
		return cloneTask(task), ErrTaskExhausted
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.FailureCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// Assign 记录任务的执行者。该智能体已在尝试名单中时重置名单。
func (m *MemoryStore) Assign(_ context.Context, id, agentName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.AssignedTo = agentName
	tried := false
	for _, name := range task.TriedAgents {
		if name == agentName {
			tried = true
			break
		}
	}
	if tried {
		task.TriedAgents = []string{agentName}
	} else {
		task.TriedAgents = append(task.TriedAgents, agentName)
	}
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if result.CompletedAt == 0 {
		result.CompletedAt = time.Now().Unix()
	}
	task.Status = StatusSucceeded
	task.Result = &result
	task.LastError = ""
	task.FailureCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记任务失败并记录失败编码。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusFailed
	task.LastError = lastError
	task.FailureCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 按过滤条件返回任务，默认最近更新的在前。
func (m *MemoryStore) List(_ context.Context, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, options) {
			continue
		}
		results = append(results, cloneTask(task))
	}

	sort.Slice(results, func(i, j int) bool {
		if options.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if options.Offset > 0 {
		if options.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[options.Offset:]
	}
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围，不受分页影响。
func (m *MemoryStore) Stats(_ context.Context, opts ...ListOption) (TaskStats, error) {
	options := buildListOptions(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, options) {
			continue
		}
		stats.observe(task)
	}
	stats.finalize()
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Kinds) > 0 {
		matched := false
		for _, kind := range opts.Kinds {
			if task.Kind == kind {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AssignedTo != "" && task.AssignedTo != opts.AssignedTo {
		return false
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && task.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && taskHasResult(task) != *opts.HasResult {
		return false
	}
	if opts.Query != "" && !matchesQuery(task, opts.Query) {
		return false
	}
	return true
}

func taskHasResult(task *Task) bool {
	if task == nil || task.Result == nil {
		return false
	}
	return !task.Result.Empty()
}

func matchesQuery(task *Task, query string) bool {
	needle := strings.ToLower(query)
	fields := []string{task.ID, task.Kind, task.Goal, task.AssignedTo, task.LastError, task.FailureCode}
	if task.Result != nil {
		fields = append(fields, task.Result.Summary, task.Result.TxHash, task.Result.Agent)
	}
	for _, field := range fields {
		if field == "" {
			continue
		}
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)
