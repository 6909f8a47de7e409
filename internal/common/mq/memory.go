package mq

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ojeval/pkg/utils/logger"
)

// MemoryQueue is an in-process MessageQueue for single-box deployments and
// tests. Published messages wait in a FIFO per topic; Drain delivers them
// synchronously and Start runs the same delivery loop in the background.
// Delivered messages are released unless the queue keeps a history.
type MemoryQueue struct {
	mu          sync.Mutex
	pending     map[string][]*Message
	keepHistory bool
	published   map[string][]*Message
	subs        []*memorySubscription
	dead        []*Message
	notify      chan struct{}

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	closed  bool
}

type memorySubscription struct {
	topics   []WeightedTopic
	schedule []int
	next     int
	handler  HandlerFunc
	opts     SubscribeOptions
}

// MemoryOption configures a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithHistory keeps every published and dead-lettered message for
// inspection through Published and DeadLetters. Meant for tests: the
// history grows for the life of the queue.
func WithHistory() MemoryOption {
	return func(q *MemoryQueue) {
		q.keepHistory = true
	}
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		pending:   make(map[string][]*Message),
		published: make(map[string][]*Message),
		notify:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Publish enqueues a copy of message on topic.
func (q *MemoryQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if topic == "" {
		return errTopicRequired
	}
	if message == nil {
		return errHandlerRequired
	}
	msg := *message
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errQueueClosed
	}
	q.pending[topic] = append(q.pending[topic], &msg)
	if q.keepHistory {
		q.published[topic] = append(q.published[topic], &msg)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers handler for one topic.
func (q *MemoryQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errTopicRequired
	}
	return q.SubscribeWeighted(ctx, []WeightedTopic{{Topic: topic, Weight: 1}}, handler, opts, nil)
}

// SubscribeWeighted registers handler over several topics. The limiter is
// ignored because delivery is sequential.
func (q *MemoryQueue) SubscribeWeighted(_ context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions, _ FetchLimiter) error {
	if err := validateWeighted(topics); err != nil {
		return err
	}
	if handler == nil {
		return errHandlerRequired
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	q.subs = append(q.subs, &memorySubscription{
		topics:   topics,
		schedule: buildWeightedSchedule(topics),
		handler:  handler,
		opts:     options,
	})
	return nil
}

// Drain delivers pending messages until every subscribed topic is empty and
// returns how many were delivered. Messages published by handlers are
// delivered in the same call.
func (q *MemoryQueue) Drain(ctx context.Context) int {
	delivered := 0
	for ctx.Err() == nil {
		sub, topic, msg := q.pop()
		if msg == nil {
			return delivered
		}
		if !q.deliver(ctx, sub, topic, msg) {
			return delivered
		}
		delivered++
	}
	return delivered
}

// pop picks the next message following each subscription's weighted schedule.
func (q *MemoryQueue) pop() (*memorySubscription, string, *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, sub := range q.subs {
		for range sub.schedule {
			topic := sub.topics[sub.schedule[sub.next%len(sub.schedule)]].Topic
			sub.next++
			queue := q.pending[topic]
			if len(queue) == 0 {
				continue
			}
			msg := queue[0]
			queue[0] = nil
			q.pending[topic] = queue[1:]
			if len(q.pending[topic]) == 0 {
				delete(q.pending, topic)
			}
			return sub, topic, msg
		}
	}
	return nil, "", nil
}

// requeue puts msg back at the head of topic.
func (q *MemoryQueue) requeue(topic string, msg *Message) {
	q.mu.Lock()
	q.pending[topic] = append([]*Message{msg}, q.pending[topic]...)
	q.mu.Unlock()
}

// deliver runs the handler with the same backoff as the Kafka consumer. A
// message whose retry wait is cut short by ctx goes back to the queue.
func (q *MemoryQueue) deliver(ctx context.Context, sub *memorySubscription, topic string, msg *Message) bool {
	if msg.MaxRetries == 0 {
		msg.MaxRetries = sub.opts.MaxRetries
	}
	for {
		err := sub.handler(ctx, msg)
		if err == nil {
			return true
		}
		msg.RetryCount++
		if msg.RetryCount > msg.MaxRetries {
			logger.Error(ctx, "message exhausted retries", zap.String("message_id", msg.ID), zap.Error(err))
			if q.keepHistory {
				q.mu.Lock()
				q.dead = append(q.dead, msg)
				q.mu.Unlock()
			}
			if sub.opts.DeadLetterTopic != "" {
				_ = q.Publish(ctx, sub.opts.DeadLetterTopic, msg)
			}
			return true
		}
		logger.Warn(ctx, "message handler failed, retrying",
			zap.String("message_id", msg.ID), zap.Int("attempt", msg.RetryCount), zap.Error(err))
		timer := time.NewTimer(retryDelay(sub.opts.RetryDelay, msg.RetryCount))
		select {
		case <-ctx.Done():
			timer.Stop()
			q.requeue(topic, msg)
			return false
		case <-timer.C:
		}
	}
}

// Start runs Drain whenever a message is published.
func (q *MemoryQueue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errQueueClosed
	}
	if q.started {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.started = true
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			q.Drain(ctx)
			select {
			case <-ctx.Done():
				return
			case <-q.notify:
			}
		}
	}()
	return nil
}

// Stop halts background delivery after the message in flight.
func (q *MemoryQueue) Stop() error {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.started = false
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	return nil
}

// Ping always succeeds.
func (q *MemoryQueue) Ping(context.Context) error {
	return nil
}

// Close stops delivery and rejects further publishes.
func (q *MemoryQueue) Close() error {
	_ = q.Stop()
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

// Published returns every message published on topic. It is empty unless
// the queue was created WithHistory.
func (q *MemoryQueue) Published(topic string) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.published[topic]))
	copy(out, q.published[topic])
	return out
}

// Pending returns how many messages on topic await delivery.
func (q *MemoryQueue) Pending(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[topic])
}

// DeadLetters returns messages whose handler kept failing. It is empty
// unless the queue was created WithHistory.
func (q *MemoryQueue) DeadLetters() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, len(q.dead))
	copy(out, q.dead)
	return out
}
