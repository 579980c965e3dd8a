package task

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 是 RabbitMQ 任务队列的连接与声明参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 把任务 ID 作为消息体走 AMQP：手动确认，失败 Nack
// 重回队列。声明为持久化队列时消息也按持久化投递。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	durable bool
}

// NewRabbitMQQueue 建立连接、设置预取并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "souk.tasks"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("打开 RabbitMQ channel 失败: %w", err)
	}

	cleanup := func() {
		ch.Close()
		conn.Close()
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			cleanup()
			return nil, fmt.Errorf("设置 RabbitMQ 预取失败: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		cleanup()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, durable: cfg.Durable}, nil
}

// Publish 发送一个任务 ID。
func (q *RabbitMQQueue) Publish(ctx context.Context, taskID string) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	publishing := amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(taskID),
	}
	if q.durable {
		publishing.DeliveryMode = amqp.Persistent
	}
	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, publishing)
}

// Consume 以手动确认模式消费。处理失败 Nack 并重回队列，行为与
// Redis 队列的重投一致；消费通道被服务端关闭时返回错误。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return errors.New("RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			defer wg.Done()
			q.deliverLoop(ctx, msgs, handler)
		}()
	}

	idle := make(chan struct{})
	go func() {
		wg.Wait()
		close(idle)
	}()

	select {
	case <-ctx.Done():
		<-idle
		return ctx.Err()
	case <-idle:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("RabbitMQ 消费通道已关闭")
	}
}

func (q *RabbitMQQueue) deliverLoop(ctx context.Context, msgs <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := handler(ctx, string(msg.Body)); err != nil {
				_ = msg.Nack(false, true)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// Close 依次关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
