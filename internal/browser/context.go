package browser

import (
	"context"
)

// CombineContext returns a context derived from primary that is also canceled when secondary
// is done. Values and deadline come from primary only. Drivers use it to run an operation
// inside a session context (which carries the connection) under the caller's deadline.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := context.AfterFunc(secondary, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// Detach returns a context carrying ctx's values that is never canceled with it.
// Cleanup that must finish after a workflow is canceled (closing a session, recording a
// result) runs on a detached context with its own timeout.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
