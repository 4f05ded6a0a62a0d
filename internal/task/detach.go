package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// detachTimeout bounds a detached call so a hung collaborator cannot pile up
// goroutines.
const detachTimeout = 10 * time.Second

// Detach runs fn in the background for best-effort side work such as usage
// analytics. It is never awaited: errors and panics are logged and dropped.
// fn receives a context that survives cancellation of ctx.
func Detach(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) {
	go func() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), detachTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("detached call panicked", "call", name, "panic", fmt.Sprint(r))
			}
		}()
		if err := fn(dctx); err != nil {
			logger.Warn("detached call failed", "call", name, "error", err)
		}
	}()
}
