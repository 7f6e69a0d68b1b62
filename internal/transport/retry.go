package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mtzanidakis/parley/internal/protocol"
)

// RetryPolicy bounds the retries of transient send failures. Attempts counts
// the first try.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// SendWithRetry sends msg and retries transient failures with a fixed
// backoff until the policy or ctx runs out. Protocol errors and timeouts are
// returned immediately.
func SendWithRetry(ctx context.Context, t Transport, msg *protocol.Message, p RetryPolicy) (*protocol.Message, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	resp, err := backoff.Retry(ctx, func() (*protocol.Message, error) {
		resp, err := t.Send(ctx, msg)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.Backoff)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, err
	}
	return resp, nil
}
