package signer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// WaitOptions configure one pending request
type WaitOptions struct {
	Method    string
	Timeout   time.Duration // zero means no abandon timer
	WarnAfter time.Duration // zero means no warning
	OnWarning func(id string)
	Meta      interface{} // caller data kept alongside the request
}

type outcome[T any] struct {
	value T
	err   error
}

type pendingEntry[T any] struct {
	id        string
	method    string
	meta      interface{}
	createdAt time.Time
	seq       uint64
	done      chan outcome[T]
	warn      *clock.Timer
	abandon   *clock.Timer
}

func (e *pendingEntry[T]) stopTimers() {
	if e.warn != nil {
		e.warn.Stop()
	}
	if e.abandon != nil {
		e.abandon.Stop()
	}
}

// Pending correlates outstanding requests with their asynchronous replies.
// Each entry is removed exactly once: by reply, timeout, teardown or
// cancellation of the waiting caller.
type Pending[T any] struct {
	op    string
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]*pendingEntry[T]
	seq     uint64
}

// NewPending creates a table; op prefixes timeout errors
func NewPending[T any](op string, clk clock.Clock) *Pending[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Pending[T]{
		op:      op,
		clock:   clk,
		entries: make(map[string]*pendingEntry[T]),
	}
}

// Request is the caller's handle on one registered entry
type Request[T any] struct {
	ID    string
	table *Pending[T]
	entry *pendingEntry[T]
}

// Register adds an entry; ids must be unique among outstanding requests
func (p *Pending[T]) Register(id string, opts WaitOptions) (*Request[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[id]; exists {
		return nil, fmt.Errorf("request %s already pending", id)
	}

	p.seq++
	e := &pendingEntry[T]{
		id:        id,
		method:    opts.Method,
		meta:      opts.Meta,
		createdAt: p.clock.Now(),
		seq:       p.seq,
		done:      make(chan outcome[T], 1),
	}

	if opts.WarnAfter > 0 && opts.OnWarning != nil && (opts.Timeout == 0 || opts.WarnAfter < opts.Timeout) {
		onWarning := opts.OnWarning
		e.warn = p.clock.AfterFunc(opts.WarnAfter, func() {
			if p.Has(id) {
				onWarning(id)
			}
		})
	}
	if opts.Timeout > 0 {
		timeout := opts.Timeout
		method := opts.Method
		e.abandon = p.clock.AfterFunc(timeout, func() {
			p.Reject(id, Errorf(Timeout, p.op, "%s request %s got no reply within %s", method, id, timeout))
		})
	}

	p.entries[id] = e
	return &Request[T]{ID: id, table: p, entry: e}, nil
}

// Wait blocks until the request completes or ctx ends. A cancelled
// caller removes its own entry.
func (r *Request[T]) Wait(ctx context.Context) (T, error) {
	select {
	case res := <-r.entry.done:
		return res.value, res.err
	case <-ctx.Done():
		if r.table.take(r.ID) != nil {
			var zero T
			if ctx.Err() == context.DeadlineExceeded {
				return zero, E(Timeout, r.table.op, ctx.Err())
			}
			return zero, E(ConnectionClosed, r.table.op, ctx.Err())
		}
		// completed concurrently
		res := <-r.entry.done
		return res.value, res.err
	}
}

func (p *Pending[T]) take(id string) *pendingEntry[T] {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	e.stopTimers()
	return e
}

// Resolve completes an entry with a value; false when id is not pending
func (p *Pending[T]) Resolve(id string, value T) bool {
	e := p.take(id)
	if e == nil {
		return false
	}
	e.done <- outcome[T]{value: value}
	return true
}

// Reject completes an entry with an error; false when id is not pending
func (p *Pending[T]) Reject(id string, err error) bool {
	e := p.take(id)
	if e == nil {
		return false
	}
	e.done <- outcome[T]{err: err}
	return true
}

// RejectAll fails every outstanding entry and returns how many there were
func (p *Pending[T]) RejectAll(err error) int {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingEntry[T])
	p.mu.Unlock()

	for _, e := range entries {
		e.stopTimers()
		e.done <- outcome[T]{err: err}
	}
	return len(entries)
}

// Has reports whether id is outstanding
func (p *Pending[T]) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[id]
	return ok
}

// Len returns the number of outstanding entries
func (p *Pending[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Meta returns the caller data registered with id
func (p *Pending[T]) Meta(id string) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return nil, false
	}
	return e.meta, true
}

// Method returns the method registered with id
func (p *Pending[T]) Method(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[id]
	if !ok {
		return "", false
	}
	return e.method, true
}

// Oldest returns the longest outstanding entry for method
func (p *Pending[T]) Oldest(method string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var oldest *pendingEntry[T]
	for _, e := range p.entries {
		if e.method != method {
			continue
		}
		if oldest == nil || e.seq < oldest.seq {
			oldest = e
		}
	}
	if oldest == nil {
		return "", false
	}
	return oldest.id, true
}
