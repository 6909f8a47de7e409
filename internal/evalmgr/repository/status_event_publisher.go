package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"ojeval/internal/common/mq"
	"ojeval/internal/evalmgr/model"
	appErr "ojeval/pkg/errors"
)

// StatusEventPublisher publishes job outcomes for downstream consumers.
type StatusEventPublisher interface {
	PublishOutcome(ctx context.Context, event model.JobStatusEvent) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	queue mq.Producer
	topic string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(queue mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{queue: queue, topic: topic}
}

// PublishOutcome publishes one job outcome keyed by job id.
func (p *MQStatusEventPublisher) PublishOutcome(ctx context.Context, event model.JobStatusEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if event.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	if err := p.queue.Publish(ctx, p.topic, mq.NewMessage(event.JobID, payload)); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishErr, "publish status event failed")
	}
	return nil
}
