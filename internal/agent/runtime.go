package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"OpenSouk-Chain/internal/bus"
	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/internal/observability/alerting"
	"OpenSouk-Chain/internal/protocol"
	"OpenSouk-Chain/pkg/logger"
)

// defaultHeartbeat 是心跳上报间隔的默认值，必须小于注册表的存活窗口。
const defaultHeartbeat = 15 * time.Second

// RuntimeConfig 描述智能体运行时的依赖。
type RuntimeConfig struct {
	Bus      bus.Bus
	Registry *Registry
	// Heartbeat 心跳上报间隔，<=0 使用默认值 15 秒。
	Heartbeat time.Duration
	Alerts    alerting.Dispatcher
}

// Runtime 托管一组智能体：为每个智能体订阅与其同名的邮箱，把 Handle
// 返回的应答发布回总线，并定期向注册表上报心跳。处理过程中的 panic
// 被就地捕获，不会拖垮投递循环。
type Runtime struct {
	bus       bus.Bus
	registry  *Registry
	heartbeat time.Duration
	alerts    alerting.Dispatcher
	log       *slog.Logger

	mu      sync.Mutex
	workers map[string]Worker
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewRuntime 创建运行时。总线与注册表为必填。
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Bus == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "运行时需要消息总线")
	}
	if cfg.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "运行时需要智能体注册表")
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alerting.NewFanout()
	}
	return &Runtime{
		bus:       cfg.Bus,
		registry:  cfg.Registry,
		heartbeat: cfg.Heartbeat,
		alerts:    cfg.Alerts,
		log:       logger.Named("agent"),
		workers:   make(map[string]Worker),
	}, nil
}

// Register 登记一个智能体并写入注册表。邮箱名就是智能体名字，
// 必须在 Start 之前调用。实现了 Role/Address 方法的智能体，
// 其角色与链上地址一并进入目录。
func (r *Runtime) Register(w Worker) error {
	if w == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体不能为空")
	}
	name := strings.TrimSpace(w.Name())
	if name == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体名字不能为空")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return xerrors.New(xerrors.CodeInvalidArgument, "运行时已启动，不能再登记智能体")
	}
	if _, ok := r.workers[name]; ok {
		return ErrDuplicateName
	}

	entry := Entry{Name: name, Capabilities: w.Capabilities()}
	if role, ok := w.(interface{ Role() string }); ok {
		entry.Role = role.Role()
	}
	if addr, ok := w.(interface{ Address() string }); ok {
		entry.Address = addr.Address()
	}
	if err := r.registry.Register(entry); err != nil {
		return err
	}

	r.workers[name] = w
	r.order = append(r.order, name)
	return nil
}

// Start 为所有已登记的智能体订阅邮箱并启动心跳上报。
// ctx 取消后投递与心跳随之停止。
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeInvalidArgument, "运行时已启动")
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	names := append([]string(nil), r.order...)
	workers := make([]Worker, 0, len(names))
	for _, name := range names {
		workers = append(workers, r.workers[name])
	}
	r.mu.Unlock()

	for _, w := range workers {
		if err := r.bus.Subscribe(runCtx, w.Name(), r.handlerFor(w)); err != nil {
			cancel()
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "订阅智能体邮箱失败")
		}
		r.log.Info("智能体已上线",
			slog.String("agent", w.Name()),
			slog.Any("capabilities", w.Capabilities()),
		)
	}

	r.wg.Add(1)
	go r.beatLoop(runCtx, names)
	return nil
}

// Stop 停止心跳并从注册表注销全部智能体，重复调用无害。
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	cancel := r.cancel
	r.cancel = nil
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	for _, name := range names {
		r.registry.Deregister(name)
	}
	return nil
}

// beatLoop 周期性刷新所有托管智能体的心跳。
func (r *Runtime) beatLoop(ctx context.Context, names []string) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range names {
				if err := r.registry.Beat(name); err != nil {
					r.log.Warn("上报心跳失败",
						slog.String("agent", name),
						slog.Any("error", err),
					)
				}
			}
		}
	}
}

// handlerFor 把智能体包装成总线处理函数：捕获 panic，发布非空应答。
func (r *Runtime) handlerFor(w Worker) bus.Handler {
	return func(ctx context.Context, msg protocol.Message) error {
		reply, err := r.dispatch(ctx, w, msg)
		if err != nil {
			return err
		}
		if reply == nil {
			return nil
		}
		if err := r.bus.Publish(ctx, *reply); err != nil {
			r.log.Error("发布智能体应答失败",
				slog.String("agent", w.Name()),
				slog.String("recipient", reply.Recipient),
				slog.Any("error", err),
			)
			return err
		}
		return nil
	}
}

// dispatch 调用 Handle 并把 panic 转换成错误。能够回执的委派改以
// failure 应答收尾且不再重投，同一条消息大概率会再次触发同样的崩溃。
func (r *Runtime) dispatch(ctx context.Context, w Worker, msg protocol.Message) (reply *protocol.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cause := xerrors.New(CodeHandlerPanic,
				fmt.Sprintf("智能体 %s 处理消息时崩溃: %v", w.Name(), rec))
			r.log.Error("智能体处理消息时崩溃",
				slog.String("agent", w.Name()),
				slog.String("message_id", msg.ID),
				slog.String("performative", string(msg.Performative)),
				slog.Any("panic", rec),
			)
			r.emitPanicAlert(ctx, w.Name(), msg, rec)
			if failure := panicReply(msg, cause); failure != nil {
				reply, err = failure, nil
				return
			}
			reply, err = nil, cause
		}
	}()
	return w.Handle(ctx, msg)
}

// panicReply 对携带任务委派的请求尽量回一条 failure，
// 调度器就不必空等超时。
func panicReply(msg protocol.Message, cause error) *protocol.Message {
	if msg.Performative != protocol.PerformativeRequest {
		return nil
	}
	var assignment protocol.TaskAssignment
	if err := protocol.DecodeBody(msg, &assignment); err != nil || assignment.TaskID == "" {
		return nil
	}
	reply, err := protocol.Reply(msg, protocol.PerformativeFailure, protocol.TaskResult{
		TaskID:       assignment.TaskID,
		ErrorCode:    string(CodeHandlerPanic),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		return nil
	}
	return &reply
}

func (r *Runtime) emitPanicAlert(ctx context.Context, name string, msg protocol.Message, rec any) {
	event := alerting.Event{
		Source:   "agent",
		Code:     CodeHandlerPanic,
		Message:  fmt.Sprintf("%v", rec),
		Severity: xerrors.SeverityCritical,
		Metadata: map[string]string{
			"agent":        name,
			"performative": string(msg.Performative),
		},
		OccurredAt: time.Now(),
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		r.log.Warn("发送崩溃告警失败", slog.Any("error", err))
	}
}
