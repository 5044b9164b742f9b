// Package supervisor runs the daemon's long-lived subsystems side by side,
// restarting the ones that fail transiently and shutting every subsystem
// down together on cancellation.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/clusterdns/clusterd/internal/clusterr"
)

// minBackoff and maxBackoff are vars, not consts, so tests can shrink
// them instead of waiting out real restart delays.
var (
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Task is one subsystem's run loop. It must return promptly once ctx is
// canceled.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	// Restart reports whether a failure of this task should be retried
	// with backoff rather than treated as fatal to the whole process.
	Restart bool
}

// Run starts every task in its own goroutine and blocks until ctx is
// canceled or a non-restartable task returns an error. Restartable tasks
// that fail are retried with exponential backoff, reset to minBackoff
// after a run that survives past four times the current backoff interval.
func Run(ctx context.Context, log *slog.Logger, tasks []Task) error {
	errCh := make(chan error, len(tasks))
	for _, t := range tasks {
		go supervise(ctx, log, t, errCh)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func supervise(ctx context.Context, log *slog.Logger, t Task, fatal chan<- error) {
	backoff := minBackoff
	for {
		start := time.Now()
		err := t.Run(ctx)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// A task returning nil without ctx being canceled means it
			// considers its job permanently done (e.g. no bootstrap
			// source configured); nothing more to do.
			return
		}

		if !t.Restart || isFatalKind(err) {
			fatal <- err
			return
		}

		log.Error("subsystem failed, restarting", "task", t.Name, "error", err, "backoff", backoff)
		if time.Since(start) > backoff*4 {
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// isFatalKind reports whether err's clusterr.Kind should always abort the
// process even for a task marked Restart, because retrying cannot help:
// a bind failure or bad config will fail identically on the next attempt.
func isFatalKind(err error) bool {
	kind, ok := clusterr.Of(err)
	if !ok {
		return false
	}
	return kind == clusterr.ConfigInvalid || kind == clusterr.BindFailure
}
