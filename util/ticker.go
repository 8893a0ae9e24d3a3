package util

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Ticker runs a function on a fixed interval in a background goroutine
// between Start and Stop. It is the lifecycle handle for periodic jobs such
// as the cache sweeper and the cache warmer.
type Ticker struct {
	ctx     context.Context
	ctxStop context.CancelFunc
	started bool
	running sync.WaitGroup
	mu      sync.Mutex

	name      string
	interval  time.Duration
	immediate bool
	fn        func(ctx context.Context)
}

// NewTicker returns a stopped ticker. When immediate is set, fn also runs
// once right after Start.
func NewTicker(name string, interval time.Duration, immediate bool, fn func(ctx context.Context)) *Ticker {
	return &Ticker{name: name, interval: interval, immediate: immediate, fn: fn}
}

func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("%s: already started", t.name)
	}
	if t.interval <= 0 {
		return fmt.Errorf("%s: interval must be positive", t.name)
	}
	t.started = true

	t.ctx, t.ctxStop = context.WithCancel(ctx)

	t.running.Add(1)
	go func() {
		defer t.running.Done()
		t.run()
	}()

	return nil
}

// Stop cancels the background goroutine and waits for any in-progress run
// of fn to return.
func (t *Ticker) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}

	t.started = false
	t.ctxStop()
	t.mu.Unlock()

	t.running.Wait()
	return nil
}

func (t *Ticker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *Ticker) run() {
	ctx := t.ctx
	if t.immediate {
		t.fn(ctx)
	}

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.fn(ctx)
		}
	}
}
