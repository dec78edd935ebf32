// Package txnwaiter provides per-transaction-index wait queues for
// threads blocked on an unresolved dependency during parallel
// execution. A waiter is woken either when the transaction it waits on
// finishes executing, or when the whole engine halts.
package txnwaiter

import (
	"sync"

	"github.com/ngaut/log"
)

// Result tells a released waiter why it was woken.
type Result struct {
	Halted bool
}

// Waiter is one blocked thread's handle. The channel is buffered so a
// wake never blocks the waker.
type Waiter struct {
	txn int
	ch  chan Result
}

// Wait blocks until the waiter is woken.
func (w *Waiter) Wait() Result {
	return <-w.ch
}

// Manager tracks the waiters blocked on each transaction index.
type Manager struct {
	mu     sync.Mutex
	queues map[int][]*Waiter
	halted bool
}

// NewManager creates an empty waiter manager.
func NewManager() *Manager {
	return &Manager{queues: make(map[int][]*Waiter)}
}

// NewWaiter registers a waiter blocked on txn. Registration happens
// before the caller re-checks its predicate, so a concurrent wake
// cannot be missed. If the manager has already been halted the waiter
// comes back pre-released.
func (m *Manager) NewWaiter(txn int) *Waiter {
	w := &Waiter{txn: txn, ch: make(chan Result, 1)}
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		w.ch <- Result{Halted: true}
		return w
	}
	m.queues[txn] = append(m.queues[txn], w)
	m.mu.Unlock()
	return w
}

// Cancel removes a waiter whose predicate turned out to be already
// satisfied. A waiter that was concurrently woken stays woken; Cancel
// only prevents a future wake from going to a channel nobody reads.
func (m *Manager) Cancel(w *Waiter) {
	m.mu.Lock()
	q := m.queues[w.txn]
	for i, waiter := range q {
		if waiter == w {
			m.queues[w.txn] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(m.queues[w.txn]) == 0 {
		delete(m.queues, w.txn)
	}
	m.mu.Unlock()
}

// WakeUp releases every waiter blocked on txn.
func (m *Manager) WakeUp(txn int) {
	m.mu.Lock()
	q := m.queues[txn]
	delete(m.queues, txn)
	m.mu.Unlock()
	if len(q) > 0 {
		log.Debugf("txnwaiter: waking %d waiters blocked on txn %d", len(q), txn)
	}
	for _, w := range q {
		w.ch <- Result{}
	}
}

// WakeUpAll halts the manager: every current waiter is released with a
// halted result and every future waiter returns halted immediately.
func (m *Manager) WakeUpAll() {
	m.mu.Lock()
	m.halted = true
	queues := m.queues
	m.queues = make(map[int][]*Waiter)
	m.mu.Unlock()
	for _, q := range queues {
		for _, w := range q {
			w.ch <- Result{Halted: true}
		}
	}
}
