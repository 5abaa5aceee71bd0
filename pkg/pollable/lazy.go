package pollable

import "sync"

// Lazy is a readiness handle that can be created before the real readiness
// source exists. Callers may subscribe and block on it immediately; once Bind
// is called (exactly once) every waiter is woken and forwarded to the bound
// handle. A durable stream replaying from its ledger hands these out, then
// binds them to the live network stream when the replay is exhausted.
type Lazy struct {
	mu     sync.Mutex
	target Pollable
	bound  chan struct{}
}

func NewLazy() *Lazy {
	return &Lazy{bound: make(chan struct{})}
}

// Bind attaches the concrete readiness source. Binding twice is a programming
// error and panics.
func (l *Lazy) Bind(target Pollable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.target != nil {
		panic("pollable: Lazy bound twice")
	}
	l.target = target
	close(l.bound)
}

// Bound reports whether Bind has been called.
func (l *Lazy) Bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.target != nil
}

func (l *Lazy) Block() {
	<-l.bound
	l.mu.Lock()
	target := l.target
	l.mu.Unlock()
	target.Block()
}

func (l *Lazy) IsReady() bool {
	l.mu.Lock()
	target := l.target
	l.mu.Unlock()
	if target == nil {
		return false
	}
	return target.IsReady()
}
