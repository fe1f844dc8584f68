package throttle

import (
	"context"
	"time"
)

// Wait blocks until ev grants tokens for name, sleeping the RetryAfter of
// each denied decision between attempts. It can wait forever on a denied
// throttle; cancel ctx to give up.
func Wait(ctx context.Context, ev Evaluator, name string, tokens int64) error {
	for {
		d, err := ev.Evaluate(ctx, name, tokens)
		if err != nil {
			return err
		}
		if d.Allowed {
			return nil
		}

		timer := time.NewTimer(d.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
