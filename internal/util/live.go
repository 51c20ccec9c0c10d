package util

import (
	"context"
	"sync"
)

// LiveViews ends long-lived websocket handlers on shutdown. http.Server
// stops tracking a connection once it is hijacked, so Shutdown alone never
// cancels their request contexts.
type LiveViews struct {
	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

// NewLiveViews returns an open set of live views.
func NewLiveViews() *LiveViews {
	ctx, cancel := context.WithCancel(context.Background())
	return &LiveViews{ctx: ctx, cancel: cancel}
}

// Bind derives a context that ends with parent or when Close is called.
// The returned release must be called when the view ends.
func (l *LiveViews) Bind(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(l.ctx, cancel)
	l.active.Add(1)
	return ctx, func() {
		stop()
		cancel()
		l.active.Done()
	}
}

// Closing reports whether Close has been called.
func (l *LiveViews) Closing() bool {
	return l.ctx.Err() != nil
}

// Close cancels every bound view. It does not wait; use Wait for that.
func (l *LiveViews) Close() {
	l.cancel()
}

// Wait blocks until every bound view has been released.
func (l *LiveViews) Wait() {
	l.active.Wait()
}
