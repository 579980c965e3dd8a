package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/internal/protocol"
)

const defaultRedeliveryLimit = 3

// mailbox 持有单个邮箱的投递通道与序号计数。
type mailbox struct {
	ch    chan protocol.Message
	seq   uint64
	taken bool
}

// MemoryBus 使用进程内 channel 实现邮箱总线，主要用于单机部署和测试。
// 投递循环对失败的消息就地重试，顺序保证因此不会被重投打破。
type MemoryBus struct {
	mu            sync.Mutex
	boxes         map[string]*mailbox
	size          int
	redeliveries  int
	redeliveryGap time.Duration
	done          chan struct{}
	closed        bool
	wg            sync.WaitGroup
}

// NewMemoryBus 创建内存总线。size 是每个邮箱的缓冲长度。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{
		boxes:         make(map[string]*mailbox),
		size:          size,
		redeliveries:  defaultRedeliveryLimit,
		redeliveryGap: 50 * time.Millisecond,
		done:          make(chan struct{}),
	}
}

func (b *MemoryBus) ensureMailbox(name string) *mailbox {
	box, ok := b.boxes[name]
	if !ok {
		box = &mailbox{ch: make(chan protocol.Message, b.size)}
		b.boxes[name] = box
	}
	return box
}

// Publish 投递消息到收件邮箱。缓冲已满时阻塞直至 ctx 取消或总线关闭。
func (b *MemoryBus) Publish(ctx context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	box := b.ensureMailbox(msg.Recipient)
	box.seq++
	msg.Sequence = box.seq
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().Unix()
	}
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBusClosed
	case box.ch <- msg:
		metrics.ObserveBusPublish(msg.Recipient)
		return nil
	}
}

// Subscribe 注册邮箱唯一订阅者并启动投递循环。
func (b *MemoryBus) Subscribe(ctx context.Context, name string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	box := b.ensureMailbox(name)
	if box.taken {
		b.mu.Unlock()
		return ErrMailboxTaken
	}
	box.taken = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliver(ctx, name, box, handler)
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, name string, box *mailbox, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg := <-box.ch:
			for attempt := 0; ; attempt++ {
				err := handler(ctx, msg)
				if err == nil {
					metrics.ObserveBusDelivery(name)
					break
				}
				if attempt >= b.redeliveries {
					// 超过重投上限的消息被丢弃，留给上层的任务重试兜底。
					metrics.ObserveBusDrop(name)
					break
				}
				metrics.ObserveBusRedelivery(name)
				select {
				case <-ctx.Done():
					return
				case <-b.done:
					return
				case <-time.After(b.redeliveryGap):
				}
			}
		}
	}
}

// Close 关闭总线并等待所有投递循环退出。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
