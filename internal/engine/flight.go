// internal/engine/flight.go
package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// flightGroup coalesces concurrent resolutions by key. The shared execution runs under a context
// of its own that stays live while at least one caller still waits on it, so a caller giving up
// early never cuts the others short.
type flightGroup struct {
	group singleflight.Group
	mu    sync.Mutex
	calls map[string]*flightCall
}

type flightCall struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// Do runs fn once per key among concurrent callers. The bool reports whether the result was
// delivered to more than one caller.
func (g *flightGroup) Do(ctx context.Context, key string, fn func(context.Context) (*Result, error)) (*Result, bool, error) {
	c := g.join(ctx, key)
	var once sync.Once
	leave := func() { once.Do(func() { g.leave(key, c) }) }
	stop := context.AfterFunc(ctx, leave)
	defer func() {
		stop()
		leave()
	}()

	v, err, shared := g.group.Do(key, func() (any, error) {
		return fn(c.ctx)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*Result), shared, nil
}

func (g *flightGroup) join(ctx context.Context, key string) *flightCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		c.refs++
		return c
	}
	if g.calls == nil {
		g.calls = make(map[string]*flightCall)
	}
	cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &flightCall{ctx: cctx, cancel: cancel, refs: 1}
	g.calls[key] = c
	return c
}

// leave drops one caller. The last one out cancels the execution and lets the next caller for
// key start a fresh one.
func (g *flightGroup) leave(key string, c *flightCall) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c.refs--
	if c.refs > 0 {
		return
	}
	c.cancel()
	if g.calls[key] == c {
		delete(g.calls, key)
		g.group.Forget(key)
	}
}
