// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"sync"

	"zb.256lights.llc/rebuilder"
)

// refLeases coordinates use of runtime refs in a shared installation.
// Any number of builds may hold a lease on the same pin,
// but a lease on a different commit of the same ref
// waits until every lease on the ref has been released.
// The zero value has no leases.
type refLeases struct {
	mu sync.Mutex
	m  map[string]*refLease
}

type refLease struct {
	commit  rebuilder.Commit
	holders int
	// ready is closed once installation has finished.
	ready chan struct{}
	// err is the result of installation.
	// It must not be read until ready is closed.
	err error
	// abandoned is set if installation failed
	// because the installing caller's context ended.
	// It must not be read until ready is closed.
	abandoned bool
	// released is closed once holders drops to zero.
	released chan struct{}
}

// acquire waits until it can lease pin or ctx.Done is closed.
// The first holder of a lease calls install,
// and concurrent holders of the same pin wait for it to finish
// and share its result.
// If install fails after the first holder's ctx ends,
// a waiting holder calls install again with its own context.
// If acquire succeeds, it returns a function that releases the lease.
// Otherwise, it returns a nil release function and an error.
func (rl *refLeases) acquire(ctx context.Context, pin rebuilder.Pin, install func(context.Context) error) (release func(), err error) {
	for {
		rl.mu.Lock()
		l := rl.m[pin.Ref]
		switch {
		case l == nil:
			l = &refLease{
				commit:   pin.Commit,
				holders:  1,
				ready:    make(chan struct{}),
				released: make(chan struct{}),
			}
			if rl.m == nil {
				rl.m = make(map[string]*refLease)
			}
			rl.m[pin.Ref] = l
			rl.mu.Unlock()

			l.err = install(ctx)
			if l.err != nil && ctx.Err() != nil {
				rl.mu.Lock()
				l.abandoned = true
				if rl.m[pin.Ref] == l {
					delete(rl.m, pin.Ref)
				}
				rl.mu.Unlock()
			}
			close(l.ready)
			return rl.finish(pin.Ref, l)
		case l.commit == pin.Commit:
			l.holders++
			rl.mu.Unlock()

			select {
			case <-l.ready:
				if l.abandoned {
					rl.release(pin.Ref, l)
					continue
				}
				return rl.finish(pin.Ref, l)
			case <-ctx.Done():
				rl.release(pin.Ref, l)
				return nil, ctx.Err()
			}
		default:
			rl.mu.Unlock()

			select {
			case <-l.released:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// finish converts a held lease whose installation completed
// into the return values of acquire.
func (rl *refLeases) finish(ref string, l *refLease) (release func(), err error) {
	if l.err != nil {
		rl.release(ref, l)
		return nil, l.err
	}
	return sync.OnceFunc(func() { rl.release(ref, l) }), nil
}

func (rl *refLeases) release(ref string, l *refLease) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l.holders--
	if l.holders > 0 {
		return
	}
	if rl.m[ref] == l {
		delete(rl.m, ref)
	}
	close(l.released)
}
