package agent

import (
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
)

const (
	// CodeAgentNotRegistered 操作引用了不存在的智能体。
	CodeAgentNotRegistered xerrors.Code = "AGENT_NOT_REGISTERED"
	// CodeAgentDuplicate 注册时名字已被占用。
	CodeAgentDuplicate xerrors.Code = "AGENT_DUPLICATE"
)

func init() {
	xerrors.Register(CodeAgentNotRegistered, xerrors.Attributes{
		Message:  "agent not registered",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAgentDuplicate, xerrors.Attributes{
		Message:  "agent name already registered",
		Severity: xerrors.SeverityWarning,
	})
}

// ErrNotRegistered 智能体未注册。
var ErrNotRegistered = xerrors.New(CodeAgentNotRegistered, "智能体未注册")

// ErrDuplicateName 智能体名字已存在，邮箱名不允许复用。
var ErrDuplicateName = xerrors.New(CodeAgentDuplicate, "智能体名字已存在")

// Entry 描述注册表里一个智能体的目录信息与健康状态。
// Inflight 是正在执行的任务数，Assigned 是累计分配数，
// Failures 只统计连续失败，成功一次即清零。
type Entry struct {
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

// QuarantinedAt 报告智能体在给定时刻是否处于隔离期。
func (e Entry) QuarantinedAt(now time.Time) bool {
	return e.QuarantinedUntil > 0 && now.Unix() < e.QuarantinedUntil
}

// AliveAt 报告智能体在给定时刻的心跳是否仍在存活窗口内。
func (e Entry) AliveAt(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return now.Unix()-e.LastBeat <= int64(window/time.Second)
}

func (e Entry) hasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

func cloneEntry(e *Entry) Entry {
	out := *e
	if len(e.Capabilities) > 0 {
		out.Capabilities = append([]string(nil), e.Capabilities...)
	}
	return out
}

// RegistryConfig 控制注册表的健康判定。
type RegistryConfig struct {
	// FailureThreshold 连续失败多少次进入隔离，<=0 使用默认值 3。
	FailureThreshold int
	// Quarantine 隔离时长，<=0 使用默认值 60 秒。
	Quarantine time.Duration
	// LivenessWindow 心跳存活窗口，超窗的智能体不参与分配。<=0 使用默认值 45 秒。
	LivenessWindow time.Duration
}

// Registry 维护智能体目录，任务分配只从这里挑选候选者。
// 隔离与心跳超时的智能体不会出现在 Eligible 的结果里。
type Registry struct {
	mu               sync.RWMutex
	entries          map[string]*Entry
	failureThreshold int
	quarantine       time.Duration
	livenessWindow   time.Duration
}

// NewRegistry 创建智能体注册表。
func NewRegistry(cfg RegistryConfig) *Registry {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 3
	}
	quarantine := cfg.Quarantine
	if quarantine <= 0 {
		quarantine = 60 * time.Second
	}
	window := cfg.LivenessWindow
	if window <= 0 {
		window = 45 * time.Second
	}
	return &Registry{
		entries:          make(map[string]*Entry),
		failureThreshold: threshold,
		quarantine:       quarantine,
		livenessWindow:   window,
	}
}

// Register 登记一个智能体。名字同时是它的邮箱名，不允许重复。
func (r *Registry) Register(entry Entry) error {
	name := strings.TrimSpace(entry.Name)
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名字不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return ErrDuplicateName
	}
	now := time.Now().Unix()
	stored := cloneEntry(&entry)
	stored.Name = name
	stored.Inflight = 0
	stored.Assigned = 0
	stored.Failures = 0
	stored.QuarantinedUntil = 0
	stored.LastBeat = now
	stored.RegisteredAt = now
	r.entries[name] = &stored
	return nil
}

// Deregister 注销智能体，未注册时静默返回。
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Beat 刷新智能体的心跳时间。
func (r *Registry) Beat(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return ErrNotRegistered
	}
	entry.LastBeat = time.Now().Unix()
	return nil
}

// Get 返回智能体的当前快照。
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	if !ok {
		return Entry{}, false
	}
	return cloneEntry(entry), true
}

// Snapshot 返回全部智能体的快照，按名字排序。
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Eligible 返回具备能力、心跳存活且不在隔离期的智能体快照，
// exclude 中的名字被跳过。结果按名字排序，轮转策略依赖这个确定顺序。
func (r *Registry) Eligible(capability string, exclude []string) []Entry {
	var excluded map[string]struct{}
	if len(exclude) > 0 {
		excluded = make(map[string]struct{}, len(exclude))
		for _, name := range exclude {
			excluded[name] = struct{}{}
		}
	}
	now := time.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for name, entry := range r.entries {
		if _, skip := excluded[name]; skip {
			continue
		}
		if !entry.hasCapability(capability) {
			continue
		}
		if !entry.AliveAt(now, r.livenessWindow) {
			continue
		}
		if entry.QuarantinedAt(now) {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BeginWork 记录一次任务分配，增加在途与累计计数。
func (r *Registry) BeginWork(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return ErrNotRegistered
	}
	entry.Inflight++
	entry.Assigned++
	return nil
}

// EndWork 记录任务结束。失败累计到连续失败数，达到阈值即进入隔离期，
// 计数同时清零，隔离结束后重新累计；成功则直接清零。
func (r *Registry) EndWork(name string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[name]
	if !ok {
		return
	}
	if entry.Inflight > 0 {
		entry.Inflight--
	}
	if !failed {
		entry.Failures = 0
		return
	}
	entry.Failures++
	if entry.Failures >= r.failureThreshold {
		entry.QuarantinedUntil = time.Now().Add(r.quarantine).Unix()
		entry.Failures = 0
	}
}
