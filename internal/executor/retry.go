package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// RetryConfig bounds the exponential backoff around provider calls.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig is used when no retry settings are configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  30 * time.Second,
	}
}

// Retry runs op with exponential backoff. Non-retriable provider errors and
// context cancellation stop immediately; everything else retries until the
// elapsed budget runs out.
func Retry(ctx context.Context, log *logger.Logger, opName string, cfg RetryConfig, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		bo.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		bo.MaxInterval = cfg.MaxInterval
	}
	if cfg.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = cfg.MaxElapsedTime
	}

	attempt := 0
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(domain.ErrCancelled)
		}
		attempt++
		err := op()
		if err == nil {
			return nil
		}

		var llmErr *domain.LlmError
		if errors.As(err, &llmErr) && !llmErr.Retriable() {
			return backoff.Permanent(err)
		}
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrCancelled) {
			return backoff.Permanent(err)
		}

		log.WithFields(logger.Fields{
			"operation": opName,
			"attempt":   attempt,
		}).WithError(err).Warn("Retrying after transient failure")
		return err
	}, backoff.WithContext(bo, ctx))
}
