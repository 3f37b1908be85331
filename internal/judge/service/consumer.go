package service

import (
	"context"
	"encoding/json"

	"dwoj/internal/common/mq"
	"dwoj/internal/judge/model"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

// Submitter queues submissions for judging.
type Submitter interface {
	Submit(submissionID int64) error
}

// Consumer turns intake messages into pool submissions.
type Consumer struct {
	pool  Submitter
	retry *PoolRetry
}

// NewConsumer creates a consumer. retry may be nil, in which case a full pool is left to the queue's own retries.
func NewConsumer(pool Submitter, retry *PoolRetry) *Consumer {
	return &Consumer{pool: pool, retry: retry}
}

// HandleMessage processes a judge request message.
// Malformed messages are dropped; they would fail the same way on every retry.
func (c *Consumer) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var payload model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		logger.Warn(ctx, "drop undecodable judge message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if payload.SubmissionID <= 0 {
		logger.Warn(ctx, "drop judge message without submission id", zap.String("message_id", msg.ID))
		return nil
	}

	err := c.pool.Submit(payload.SubmissionID)
	if err == nil {
		return nil
	}
	if appErr.Is(err, appErr.JudgeQueueFull) && c.retry != nil {
		return c.retry.Requeue(ctx, msg)
	}
	return err
}
