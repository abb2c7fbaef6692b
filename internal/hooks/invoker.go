package hooks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Result reports the outcome of a hook invocation. Failures are captured
// here and never propagate as faults into the orchestrator.
type Result struct {
	OK       bool
	Err      error
	TimedOut bool
	Elapsed  time.Duration
}

// Invoker runs hooks with a bounded execution timeout and panic capture.
type Invoker struct {
	timeout time.Duration
	logger  zerolog.Logger
}

func NewInvoker(timeout time.Duration, logger zerolog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Invoker{
		timeout: timeout,
		logger:  logger.With().Str("component", "hook-invoker").Logger(),
	}
}

// Invoke runs fn with hc under the configured timeout. A nil fn (the plugin
// does not hook this transition) succeeds immediately. A hook that panics or
// exceeds the timeout is reported as failed; the goroutine of a timed-out
// hook is abandoned and its eventual return discarded.
func (i *Invoker) Invoke(ctx context.Context, name string, fn Func, hc HookContext) Result {
	if fn == nil {
		return Result{OK: true}
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panicked: %v", r)
			}
		}()
		done <- fn(ctx, hc)
	}()

	select {
	case err := <-done:
		elapsed := time.Since(start)
		if err != nil {
			i.logger.Warn().Str("hook", name).Str("slug", hc.Slug).
				Dur("elapsed", elapsed).Err(err).Msg("hook failed")
			return Result{Err: fmt.Errorf("%s: %w", name, err), Elapsed: elapsed}
		}
		i.logger.Debug().Str("hook", name).Str("slug", hc.Slug).
			Dur("elapsed", elapsed).Msg("hook completed")
		return Result{OK: true, Elapsed: elapsed}

	case <-ctx.Done():
		elapsed := time.Since(start)
		i.logger.Warn().Str("hook", name).Str("slug", hc.Slug).
			Dur("elapsed", elapsed).Msg("hook timed out")
		return Result{
			Err:      fmt.Errorf("%s: timed out after %s", name, i.timeout),
			TimedOut: true,
			Elapsed:  elapsed,
		}
	}
}
