package ui

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// busEmitter bridges the server's event bus onto wails events. The
// wails context only exists after startup; events emitted before then
// (e.g. load errors during construction) are logged and dropped, which
// is fine because the shell re-queries state once it is up.
type busEmitter struct {
	log *slog.Logger
	mu  sync.RWMutex
	ctx context.Context
}

func newBusEmitter(log *slog.Logger) *busEmitter {
	return &busEmitter{log: log.With("component", "event_bus")}
}

func (e *busEmitter) bind(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
}

func (e *busEmitter) Emit(event string, payload any) {
	e.mu.RLock()
	ctx := e.ctx
	e.mu.RUnlock()

	if ctx == nil {
		e.log.Debug("dropped event before shell startup", "event", event)
		return
	}

	runtime.EventsEmit(ctx, event, payload)
}
