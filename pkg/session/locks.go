package session

import "sync"

// sessionQueue is a ticket lock: goroutines acquire in the order they asked.
// A plain mutex gives no ordering guarantee, and turns within a session must
// observe state in acceptance order.
type sessionQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
	waiters int
}

// Locks serializes turn processing per session while leaving different
// sessions fully concurrent. Queues for idle sessions are reaped when the
// last holder releases.
type Locks struct {
	mu     sync.Mutex
	queues map[string]*sessionQueue
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{queues: make(map[string]*sessionQueue)}
}

// Held reports whether any caller currently holds or waits on the session's
// lock. A queue exists only while the session is held or contended; it is
// reaped on the last release.
func (l *Locks) Held(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.queues[sessionID]
	return ok
}

// Acquire blocks until this caller holds the session's lock, then returns
// the release function. Callers that Acquire earlier are granted the lock
// earlier.
func (l *Locks) Acquire(sessionID string) (release func()) {
	l.mu.Lock()
	q, ok := l.queues[sessionID]
	if !ok {
		q = &sessionQueue{}
		q.cond = sync.NewCond(&q.mu)
		l.queues[sessionID] = q
	}
	q.mu.Lock()
	ticket := q.next
	q.next++
	q.waiters++
	q.mu.Unlock()
	l.mu.Unlock()

	q.mu.Lock()
	for q.serving != ticket {
		q.cond.Wait()
	}
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		q.serving++
		q.waiters--
		idle := q.waiters == 0
		q.mu.Unlock()
		q.cond.Broadcast()

		if idle {
			l.mu.Lock()
			if cur, ok := l.queues[sessionID]; ok && cur == q {
				cur.mu.Lock()
				if cur.waiters == 0 {
					delete(l.queues, sessionID)
				}
				cur.mu.Unlock()
			}
			l.mu.Unlock()
		}
	}
}
