// Package dedup collapses concurrent fetches of the same resource into a
// single upstream call.
package dedup

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group deduplicates in-flight fetches by key. The zero value is ready to
// use. Scope is process-local.
type Group[T any] struct {
	sf       singleflight.Group
	inflight atomic.Int64
}

// Do runs fetch for key unless a fetch for key is already running, in
// which case it waits for that one. Every waiter observes the same value
// and error. shared reports whether the result was handed to more than one
// caller.
//
// fetch runs with a context detached from the caller's cancellation so a
// single impatient caller cannot fail the others; ctx only bounds how long
// this caller waits.
func (g *Group[T]) Do(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (v T, shared bool, err error) {
	fetchCtx := context.WithoutCancel(ctx)

	ch := g.sf.DoChan(key, func() (any, error) {
		g.inflight.Add(1)
		defer g.inflight.Add(-1)
		return fetch(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Val != nil {
			v = res.Val.(T)
		}
		return v, res.Shared, res.Err
	}
}

// Forget drops key from the in-flight set; the next Do starts a new fetch
// even if the current one is still running.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}

// InFlight returns the number of fetches currently running.
func (g *Group[T]) InFlight() int {
	return int(g.inflight.Load())
}
