package task

import (
	"strings"
	"sync"

	"OpenSouk-Chain/internal/agent"
	xerrors "OpenSouk-Chain/internal/errors"
)

// Strategy 决定从候选智能体中挑选哪一个。
// 候选列表由注册表给出，按名字有序且保证非空。
type Strategy interface {
	Name() string
	Pick(kind string, candidates []agent.Entry) agent.Entry
}

// NewStrategy 根据配置名创建分配策略，未知名字回退到轮转。
func NewStrategy(name string) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "least_loaded":
		return NewLeastLoaded()
	default:
		return NewRoundRobin()
	}
}

// RoundRobin 按任务类型维护游标，在候选者之间轮流分配。
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobin 创建轮转策略。
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

// Name 实现 Strategy。
func (r *RoundRobin) Name() string { return "round_robin" }

// Pick 返回游标指向的候选者并推进游标。
func (r *RoundRobin) Pick(kind string, candidates []agent.Entry) agent.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.cursors[kind] % len(candidates)
	r.cursors[kind]++
	return candidates[idx]
}

// LeastLoaded 挑选在途任务最少的候选者，
// 平手时比较累计分配数，仍平手时取名字靠前的。
type LeastLoaded struct{}

// NewLeastLoaded 创建最小负载策略。
func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

// Name 实现 Strategy。
func (l *LeastLoaded) Name() string { return "least_loaded" }

// Pick 实现 Strategy。候选列表按名字有序，首个最小值即名字靠前者。
func (l *LeastLoaded) Pick(_ string, candidates []agent.Entry) agent.Entry {
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Inflight < best.Inflight {
			best = candidate
			continue
		}
		if candidate.Inflight == best.Inflight && candidate.Assigned < best.Assigned {
			best = candidate
		}
	}
	return best
}

// Allocator 为任务挑选执行者，只考虑注册表中合格的智能体：
// 能力匹配任务类型、心跳存活且不在隔离期。
type Allocator struct {
	registry *agent.Registry
	strategy Strategy
}

// NewAllocator 创建任务分配器。strategy 为空时使用轮转。
func NewAllocator(registry *agent.Registry, strategy Strategy) *Allocator {
	if strategy == nil {
		strategy = NewRoundRobin()
	}
	return &Allocator{registry: registry, strategy: strategy}
}

// Allocate 返回承接任务的智能体。优先挑选本轮没有试过的候选者，
// 全部试过时从头再轮，一个合格者都没有时返回 ErrNoAgentAvailable。
func (a *Allocator) Allocate(task *Task) (agent.Entry, error) {
	if a == nil || a.registry == nil {
		return agent.Entry{}, xerrors.New(CodeAllocationFailure, "分配器缺少注册表")
	}
	if task == nil {
		return agent.Entry{}, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	candidates := a.registry.Eligible(task.Kind, task.TriedAgents)
	if len(candidates) == 0 && len(task.TriedAgents) > 0 {
		candidates = a.registry.Eligible(task.Kind, nil)
	}
	if len(candidates) == 0 {
		return agent.Entry{}, ErrNoAgentAvailable
	}
	return a.strategy.Pick(task.Kind, candidates), nil
}
