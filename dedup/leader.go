package dedup

import (
	"context"
	"sync"
)

// Leaders elects one caller per key to perform work in its own goroutine
// while later callers wait for it to finish. Unlike Group, the result is
// not handed over; followers re-read whatever the leader left behind (for
// example a cache entry). The zero value is ready to use.
type Leaders struct {
	mu      sync.Mutex
	flights map[string]*Flight
}

type Flight struct {
	done chan struct{}
	err  error
}

// Join returns the flight for key. When leader is true the caller owns the
// flight and must call Done exactly once.
func (l *Leaders) Join(key string) (f *Flight, leader bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.flights == nil {
		l.flights = map[string]*Flight{}
	}
	if f, ok := l.flights[key]; ok {
		return f, false
	}
	f = &Flight{done: make(chan struct{})}
	l.flights[key] = f
	return f, true
}

// Done completes the flight for key with err and releases its waiters.
func (l *Leaders) Done(key string, f *Flight, err error) {
	l.mu.Lock()
	if l.flights[key] == f {
		delete(l.flights, key)
	}
	l.mu.Unlock()
	f.err = err
	close(f.done)
}

// Wait blocks until the leader is done and returns its error, or until ctx
// is done.
func (f *Flight) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return f.err
	}
}

// InFlight returns the number of keys with an active leader.
func (l *Leaders) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.flights)
}
