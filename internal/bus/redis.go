package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"OpenSouk-Chain/internal/observability/metrics"
	"OpenSouk-Chain/internal/protocol"
	storageredis "OpenSouk-Chain/internal/storage/redis"
	"OpenSouk-Chain/pkg/logger"
)

const envelopeField = "envelope"

// RedisBusConfig 描述 Redis Streams 总线的连接与投递参数。
type RedisBusConfig struct {
	Address      string
	Password     string
	DB           int
	StreamPrefix string
	BlockWait    time.Duration
	MaxStreamLen int64
}

// RedisBus 使用每邮箱一个 stream 实现跨进程的邮箱总线。
// 序号通过 INCR 分配，消费端按 last-ID 顺序读取，投递失败的消息
// 追加回 stream 尾部等待重投。
type RedisBus struct {
	client *redis.Client
	prefix string
	wait   time.Duration
	maxLen int64

	mu     sync.Mutex
	subs   map[string]bool
	closed bool
	wg     sync.WaitGroup
}

// NewRedisBus 建立 Redis 连接并创建总线实例。
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	client, err := storageredis.Open(storageredis.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	prefix := cfg.StreamPrefix
	if prefix == "" {
		prefix = "souk:mailbox:"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	maxLen := cfg.MaxStreamLen
	if maxLen <= 0 {
		maxLen = 4096
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		wait:   wait,
		maxLen: maxLen,
		subs:   make(map[string]bool),
	}, nil
}

func (b *RedisBus) stream(mailbox string) string {
	return b.prefix + mailbox
}

func (b *RedisBus) seqKey(mailbox string) string {
	return b.prefix + mailbox + ":seq"
}

// Publish 将消息编码后追加到收件邮箱的 stream。
func (b *RedisBus) Publish(ctx context.Context, msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt == 0 {
		msg.SentAt = time.Now().Unix()
	}
	seq, err := b.client.Incr(ctx, b.seqKey(msg.Recipient)).Result()
	if err != nil {
		return fmt.Errorf("Redis 分配序号失败: %w", err)
	}
	msg.Sequence = uint64(seq)

	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(msg.Recipient),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{envelopeField: string(raw)},
	}).Err()
	if err != nil {
		return fmt.Errorf("Redis 发布消息失败: %w", err)
	}
	metrics.ObserveBusPublish(msg.Recipient)
	return nil
}

// Subscribe 注册邮箱唯一订阅者并启动消费循环。循环从 stream 起点读起，
// 邮箱里积压的消息会先于新消息投递。
func (b *RedisBus) Subscribe(ctx context.Context, name string, handler Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.subs[name] {
		b.mu.Unlock()
		return ErrMailboxTaken
	}
	b.subs[name] = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(ctx, name, handler)
	return nil
}

func (b *RedisBus) consume(ctx context.Context, name string, handler Handler) {
	defer b.wg.Done()
	log := logger.Named("bus")
	stream := b.stream(name)
	lastID := "0"
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   10,
			Block:   b.wait,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
				return
			}
			if err == redis.Nil {
				continue
			}
			log.Error("读取邮箱 stream 失败", "mailbox", name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.wait):
			}
			continue
		}
		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				lastID = entry.ID
				raw, ok := entry.Values[envelopeField].(string)
				if !ok {
					continue
				}
				msg, err := protocol.Decode([]byte(raw))
				if err != nil {
					log.Warn("丢弃无法解析的消息", "mailbox", name, "entry", entry.ID, "error", err)
					continue
				}
				if handlerErr := handler(ctx, msg); handlerErr != nil {
					// 处理失败时重新追加到 stream 尾部。
					if requeueErr := b.requeue(ctx, stream, raw); requeueErr != nil {
						log.Error("重投消息失败", "mailbox", name, "message", msg.ID, "error", requeueErr)
					} else {
						metrics.ObserveBusRedelivery(name)
					}
					continue
				}
				metrics.ObserveBusDelivery(name)
			}
		}
	}
}

func (b *RedisBus) requeue(ctx context.Context, stream, raw string) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{envelopeField: raw},
	}).Err()
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	err := b.client.Close()
	b.wg.Wait()
	return err
}
