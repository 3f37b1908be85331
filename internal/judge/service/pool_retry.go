package service

import (
	"context"
	"strconv"
	"time"

	"dwoj/internal/common/mq"
	appErr "dwoj/pkg/errors"
	"dwoj/pkg/utils/logger"

	"go.uber.org/zap"
)

const poolRetryHeader = "x-pool-retry"

// PoolRetryConfig controls how intake messages are re-published while the pool is full.
type PoolRetryConfig struct {
	Topic           string
	DeadLetterTopic string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
}

// PoolRetry re-publishes intake messages that found the pool full.
type PoolRetry struct {
	producer mq.Producer
	cfg      PoolRetryConfig
}

// NewPoolRetry creates a requeuer. Topic is usually the intake topic itself.
func NewPoolRetry(producer mq.Producer, cfg PoolRetryConfig) *PoolRetry {
	return &PoolRetry{producer: producer, cfg: cfg}
}

// Requeue waits out the backoff for msg's retry count and publishes it again,
// or to the dead-letter topic once retries are exhausted.
func (r *PoolRetry) Requeue(ctx context.Context, msg *mq.Message) error {
	if r == nil || r.producer == nil || r.cfg.Topic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParsePoolRetryCount(msg.Headers)
	if r.cfg.MaxRetries > 0 && retryCount >= r.cfg.MaxRetries {
		if r.cfg.DeadLetterTopic == "" {
			logger.Warn(ctx, "worker pool retry exhausted without dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID))
			return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
		}
		logger.Warn(ctx, "worker pool retry exhausted, sending to dead letter", zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("topic", r.cfg.DeadLetterTopic))
		return r.producer.Publish(ctx, r.cfg.DeadLetterTopic, CloneMessageForRetry(msg, retryCount))
	}
	delay := ComputePoolBackoff(retryCount, r.cfg.BaseDelay, r.cfg.MaxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "worker pool requeue", zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
	return r.producer.Publish(ctx, r.cfg.Topic, CloneMessageForRetry(msg, retryCount+1))
}

// ParsePoolRetryCount reads the pool retry header; missing or malformed is 0.
func ParsePoolRetryCount(headers map[string]string) int {
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies msg with a fresh timestamp and the given pool retry count.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	out := &mq.Message{
		ID:         msg.ID,
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// ComputePoolBackoff doubles base per retry, capped at max.
func ComputePoolBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay >= max/2 {
			delay = max
			break
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
