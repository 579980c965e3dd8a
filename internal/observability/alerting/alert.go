package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "OpenSouk-Chain/internal/errors"
	"OpenSouk-Chain/pkg/logger"
)

// Channel 标识一种告警投递渠道。
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Event 是一条待投递的告警。Subject 指向事发对象：任务事件填任务 ID，
// 认证事件填认证记录 ID。
type Event struct {
	Source     string
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	Subject    string
	Attempts   int
	MaxRetries int
	Metadata   map[string]string
	OccurredAt time.Time
}

// summary 渲染渠道无关的正文骨架，邮件与钉钉复用。
func (e Event) summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "来源: %s\n对象: %s\n重试: %d/%d\n%s",
		e.Source, e.Subject, e.Attempts, e.MaxRetries, e.Message)
	return b.String()
}

// sortedMetadata 按键名排序返回元数据，保证正文稳定可比对。
func (e Event) sortedMetadata() []string {
	if len(e.Metadata) == 0 {
		return nil
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, e.Metadata[k]))
	}
	return lines
}

// Notifier 对接一个具体渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 是告警入口，业务代码只依赖这个接口。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把事件依注册顺序广播给全部通知器。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 组装 FanoutDispatcher，nil 通知器被丢弃。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			kept = append(kept, n)
		}
	}
	return &FanoutDispatcher{notifiers: kept}
}

// Notify 广播事件。单个渠道失败不阻断其余渠道，错误合并后返回。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// EmailSender 抽象实际的邮件发送方。
type EmailSender interface {
	Send(ctx context.Context, subject, content string, to []string) error
}

// EmailNotifier 走邮件渠道。收件人或发送方缺失时静默跳过。
type EmailNotifier struct {
	Sender        EmailSender
	To            []string
	SubjectPrefix string
}

func (n *EmailNotifier) Channel() Channel { return ChannelEmail }

// Notify 拼装邮件并发送。
func (n *EmailNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || len(n.To) == 0 {
		logger.L().Warn("EmailNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	subject := fmt.Sprintf("%s[%s] %s", n.SubjectPrefix, event.Severity, event.Code)

	var body strings.Builder
	fmt.Fprintf(&body, "告警时间: %s\n错误码: %s\n%s",
		event.OccurredAt.Format(time.RFC3339), event.Code, event.summary())
	if details := event.sortedMetadata(); len(details) > 0 {
		body.WriteString("\n详情:\n")
		body.WriteString(strings.Join(details, "\n"))
		body.WriteString("\n")
	}
	return n.Sender.Send(ctx, subject, body.String(), n.To)
}

// DingTalkSender 抽象钉钉机器人调用。
type DingTalkSender interface {
	Send(ctx context.Context, content string) error
}

// DingTalkNotifier 走钉钉机器人渠道。
type DingTalkNotifier struct {
	Sender DingTalkSender
}

func (n *DingTalkNotifier) Channel() Channel { return ChannelDingTalk }

// Notify 发送钉钉文本消息。
func (n *DingTalkNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("DingTalkNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	payload := fmt.Sprintf("[%s] %s\n%s", event.Severity, event.Code, event.summary())
	return n.Sender.Send(ctx, payload)
}

// SlackSender 抽象 Slack 调用。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 走 Slack 渠道，消息压成单行。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil || n.ChannelID == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s · %s (重试 %d/%d)",
		event.Severity, event.Code, event.Source, event.Message, event.Attempts, event.MaxRetries)
	return n.Sender.Send(ctx, n.ChannelID, content)
}
