// Package async provides panic-safe goroutine launching for background
// tasks that must not take the whole process down with them (the
// scheduler's delayed-retry timers).
package async

import (
	"log/slog"
	"runtime/debug"
)

// Go runs fn in a goroutine guarded by panic recovery. A panic is logged at
// error level with a stack trace and otherwise swallowed; the goroutine
// simply exits.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process. Call it deferred
// at the top of any goroutine body that isn't already wrapped by Go.
func Recover(logger *slog.Logger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	logger.Error("goroutine panic", "name", name, "recovered", r, "stack", string(debug.Stack()))
}
