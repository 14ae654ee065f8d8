package backend

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"
)

// retryPolicy retries connection-class failures only. HTTP error statuses
// and read timeouts surface directly: the former are answers, the latter
// already consumed their budget.
type retryPolicy struct {
	attempts int
	base     time.Duration
}

// isConnError reports whether err is a connection-class failure: a dial
// failure (refused, unreachable, dial timeout) or a reset connection.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return false
}

// do runs fn up to attempts+1 times, sleeping base<<k before retry k.
// Only connection-class errors trigger another attempt.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isConnError(err) {
			return err
		}
		if attempt >= p.attempts {
			return err
		}
		delay := p.base << attempt
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
