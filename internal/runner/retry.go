package runner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"report-scheduler/internal/errs"
	"report-scheduler/internal/telemetry"
)

// retry calls fn up to attempts times with a fixed pause between calls. Permanent
// errors end the loop at once.
func retry[T any](ctx context.Context, attempts int, backoff time.Duration, log zerolog.Logger, step string, fn func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var err error
	for i := 1; i <= attempts; i++ {
		var v T
		v, err = fn()
		if err == nil {
			return v, nil
		}
		if errs.IsPermanent(err) || i == attempts {
			break
		}
		telemetry.FetchRetries.Inc()
		log.Warn().Err(err).Str("step", step).Int("attempt", i).Int("of", attempts).Msg("retrying")
		if err := sleep(ctx, backoff); err != nil {
			return zero, err
		}
	}
	return zero, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
