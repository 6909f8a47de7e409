package mq

import (
	"context"
	"time"
)

// MessageQueue carries evaluation dispatches between the manager and its
// consumers. Kafka backs it in production and MemoryQueue in single-box mode.
type MessageQueue interface {
	Producer
	Consumer

	// Ping verifies the message queue connection is alive
	Ping(ctx context.Context) error

	// Close closes the message queue connection
	Close() error
}

// Producer publishes messages.
type Producer interface {
	Publish(ctx context.Context, topic string, message *Message) error
}

// Consumer delivers messages to handlers.
type Consumer interface {
	// Subscribe registers handler for one topic.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// SubscribeWeighted registers one handler over several topics. Topics with
	// a larger weight are fetched proportionally more often, which is how
	// priority queues are drained.
	SubscribeWeighted(ctx context.Context, topics []WeightedTopic, handler HandlerFunc, opts *SubscribeOptions, limiter FetchLimiter) error

	// Start starts consuming messages
	Start() error

	// Stop gracefully stops consuming messages
	Stop() error
}

// FetchLimiter bounds the number of messages in flight across a weighted
// subscription.
type FetchLimiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// WeightedTopic defines a topic with fetch weight.
type WeightedTopic struct {
	Topic  string
	Weight int
}

// Message represents a message in the queue
type Message struct {
	ID        string            `json:"id"`
	Body      []byte            `json:"body"`
	Headers   map[string]string `json:"headers"`
	Timestamp time.Time         `json:"timestamp"`

	// Priority is informational; routing by priority happens through topics.
	Priority uint8 `json:"priority"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// HandlerFunc processes one message. A non-nil error means the message could
// not be handled at all and should be retried, then dead-lettered.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the Kafka consumer group name
	ConsumerGroup string

	// Concurrency sets the number of concurrent workers for single-topic
	// subscriptions. Default: 1
	Concurrency int

	// MaxRetries sets the maximum number of handler retries. Default: 3
	MaxRetries int

	// RetryDelay sets the delay before the first retry; it doubles on every
	// further attempt. Default: 1 second
	RetryDelay time.Duration

	// DeadLetterTopic is where messages go after max retries
	DeadLetterTopic string
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}

// NewMessage creates a new message with the given body
func NewMessage(id string, body []byte) *Message {
	return &Message{
		ID:        id,
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}

// retryDelay returns the backoff before attempt number attempt (1-based).
func retryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < time.Minute; i++ {
		delay *= 2
	}
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

// buildWeightedSchedule expands weights into a round-robin index schedule,
// e.g. weights 3,1 become [0 0 0 1].
func buildWeightedSchedule(topics []WeightedTopic) []int {
	schedule := make([]int, 0, len(topics))
	for idx, t := range topics {
		for i := 0; i < t.Weight; i++ {
			schedule = append(schedule, idx)
		}
	}
	return schedule
}

func validateWeighted(topics []WeightedTopic) error {
	if len(topics) == 0 {
		return errTopicsRequired
	}
	for _, t := range topics {
		if t.Topic == "" {
			return errTopicRequired
		}
		if t.Weight <= 0 {
			return errWeightNotPositive
		}
	}
	return nil
}
