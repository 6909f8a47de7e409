package mq

import (
	"context"
	"errors"
)

var (
	errTopicRequired     = errors.New("topic is required")
	errTopicsRequired    = errors.New("topics are required")
	errWeightNotPositive = errors.New("topic weight must be positive")
	errHandlerRequired   = errors.New("handler is required")
	errQueueClosed       = errors.New("message queue is closed")
)

// TokenLimiter is a counting FetchLimiter backed by a buffered channel.
type TokenLimiter struct {
	tokens chan struct{}
}

// NewTokenLimiter creates a limiter with a fixed capacity.
func NewTokenLimiter(size int) *TokenLimiter {
	if size <= 0 {
		size = 1
	}
	tokens := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		tokens <- struct{}{}
	}
	return &TokenLimiter{tokens: tokens}
}

// Acquire blocks until a token is available or ctx is canceled.
func (l *TokenLimiter) Acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.tokens:
		return nil
	}
}

// Release returns a token to the limiter. Extra releases are ignored.
func (l *TokenLimiter) Release() {
	select {
	case l.tokens <- struct{}{}:
	default:
	}
}

// Available reports how many tokens can be acquired without blocking.
func (l *TokenLimiter) Available() int {
	return len(l.tokens)
}
