package beacon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectDelay is how long a platform runtime waits between connection
// attempts.
const reconnectDelay = 5 * time.Second

// AuthError marks a credential-class connection failure. Retrying cannot
// fix it, so supervision gives up and withdraws the platform.
type AuthError struct {
	Platform string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("beacon: authentication failed for %q: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Supervise runs a platform connection until the context ends, retrying
// transient failures on a constant delay. Auth failures stop the loop,
// withdraw the platform's reservation, and remove any registered driver so
// the rest of the bridge comes up without it.
func Supervise(ctx context.Context, log *slog.Logger, registry *DriverRegistry, platform string, run func(ctx context.Context) error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "supervisor"), slog.String("platform", platform))

	policy := backoff.WithContext(backoff.NewConstantBackOff(reconnectDelay), ctx)
	err := backoff.Retry(func() error {
		err := run(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return backoff.Permanent(err)
		}
		log.Warn("connection lost, retrying", slog.Any("error", err))
		return err
	}, policy)

	var authErr *AuthError
	if errors.As(err, &authErr) {
		log.Error("authentication failed, withdrawing platform", slog.Any("error", authErr.Err))
		registry.Unreserve(platform)
		registry.Remove(platform, true)
	}
}
