package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"dwoj/internal/common/mq"
	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"
)

// StatusEventPublisher announces persisted verdicts.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, sub *model.Submission) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	queue mq.Producer
	topic string
	now   func() time.Time
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(queue mq.Producer, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{queue: queue, topic: topic, now: time.Now}
}

// PublishFinalStatus publishes a final status event keyed by submission id.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, sub *model.Submission) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if sub == nil || sub.ID <= 0 {
		return appErr.ValidationError("submission_id", "required")
	}
	if !sub.Status.IsTerminal() {
		return appErr.New(appErr.InvalidParams).WithMessagef("status %q is not final", sub.Status)
	}
	event := model.StatusEvent{
		Type:      model.StatusEventFinal,
		Status:    model.ViewOf(sub),
		CreatedAt: p.now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = strconv.FormatInt(sub.ID, 10)
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event failed")
	}
	return nil
}
