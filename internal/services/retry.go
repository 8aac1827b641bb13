package services

import (
	"context"
	"errors"
	"time"

	"listing-chat/internal/apperrors"
	"listing-chat/internal/logger"
	"listing-chat/internal/store"
)

// readRetryBackoff is the pause before the single retry of an idempotent read.
var readRetryBackoff = 100 * time.Millisecond

// retryRead runs an idempotent read and retries it once after a short backoff
// when the failure looks transient. Writes must never go through here.
func retryRead(ctx context.Context, name string, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !retryable(ctx, err) {
		return err
	}

	logger.Warn("[retry] %s failed, retrying once: %v", name, err)
	timer := time.NewTimer(readRetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	return op(ctx)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var appErr *apperrors.AppError
	return !errors.As(err, &appErr)
}

// storeError translates a storage failure into the caller-facing taxonomy.
func storeError(err error, resource string) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, store.ErrNotFound):
		return apperrors.NotFound(resource, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Timeout("operation timed out, it may still have completed", err)
	case errors.Is(err, context.Canceled):
		return apperrors.Timeout("operation cancelled", err)
	default:
		return apperrors.Unavailable("chat store unavailable", err)
	}
}
