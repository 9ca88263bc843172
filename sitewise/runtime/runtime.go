// Package runtime provides panic-safe goroutine helpers for the library's
// background workers.
package runtime

import (
	"context"
	"fmt"

	"github.com/sitewise-io/lib-sitewise/sitewise/log"
)

// RestartPolicy controls whether SafeGo relaunches the function after a
// recovered panic.
type RestartPolicy bool

const (
	// KeepRunning relaunches the goroutine after a recovered panic.
	KeepRunning RestartPolicy = true
	// StopOnPanic lets the goroutine die after a recovered panic.
	StopOnPanic RestartPolicy = false
)

// maxRestarts bounds KeepRunning relaunches so a hot panic loop cannot spin
// forever.
const maxRestarts = 5

// RecoverAndLog recovers a panic in the deferring goroutine and logs it with
// component identification. Use as `defer runtime.RecoverAndLog(ctx, logger,
// "outbox", "dispatcher_tick")`.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	recovered := recover()
	if recovered == nil {
		return
	}

	log.OrNop(logger).Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("goroutine", name),
		log.Any("panic", recovered),
	)
}

// SafeGo launches fn on a new goroutine with panic recovery. A recovered
// panic is logged; with KeepRunning the function is relaunched up to a fixed
// restart budget.
func SafeGo(ctx context.Context, logger log.Logger, name string, policy RestartPolicy, fn func(ctx context.Context)) {
	go run(ctx, log.OrNop(logger), name, policy, 0, fn)
}

func run(ctx context.Context, logger log.Logger, name string, policy RestartPolicy, restarts int, fn func(ctx context.Context)) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}

		logger.Log(ctx, log.LevelError, "recovered from panic",
			log.String("goroutine", name),
			log.Int("restarts", restarts),
			log.Any("panic", recovered),
		)

		if policy != KeepRunning || ctx.Err() != nil {
			return
		}

		if restarts >= maxRestarts {
			logger.Log(ctx, log.LevelError, "goroutine restart budget exhausted",
				log.String("goroutine", name))

			return
		}

		go run(ctx, logger, name, policy, restarts+1, fn)
	}()

	fn(ctx)
}

// PanicError converts a recovered panic value to an error.
func PanicError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return err
	}

	return fmt.Errorf("panic: %v", recovered)
}
