package session

import (
	"context"
	"sync"
	"time"

	"github.com/banyu-tech/bulwark/pkg/gate"
)

// sessionState is the mutable per-session record. Guarded by the store mutex.
type sessionState struct {
	turnCount int
	turns     []gate.TurnSummary
	risk      map[gate.Category]float64
	entities  []gate.SeenEntity
	lastSeen  time.Time
}

// MemoryStore keeps session state in process memory. Suitable for single
// instance deployments; a background sweeper evicts idle sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	params   Params

	// guard, when set, marks sessions EvictIdle must skip because a turn
	// is in flight between its context read and its context update.
	guard func(sessionID string) bool

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewMemoryStore creates an in-memory store and starts the idle-session
// sweeper. sweepInterval <= 0 disables the sweeper (useful in tests).
func NewMemoryStore(params Params, sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions:  make(map[string]*sessionState),
		params:    params,
		stopSweep: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.EvictIdle(time.Now())
		case <-s.stopSweep:
			return
		}
	}
}

// SetEvictionGuard installs the in-flight predicate consulted by EvictIdle.
func (s *MemoryStore) SetEvictionGuard(busy func(sessionID string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = busy
}

// EvictIdle removes sessions idle longer than the TTL and returns how many
// were evicted. Sessions with a turn in flight are skipped so eviction never
// interleaves with an active evaluation; they are picked up on a later sweep.
func (s *MemoryStore) EvictIdle(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, st := range s.sessions {
		if now.Sub(st.lastSeen) <= s.params.TTL {
			continue
		}
		if s.guard != nil && s.guard(id) {
			continue
		}
		delete(s.sessions, id)
		evicted++
	}
	return evicted
}

// Snapshot returns a copy of the session state. The copy is detached: the
// caller can read it without holding any lock while later turns mutate the
// live state.
func (s *MemoryStore) Snapshot(_ context.Context, sessionID string) (*gate.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		return &gate.Snapshot{SessionID: sessionID, Risk: map[gate.Category]float64{}}, nil
	}

	snap := &gate.Snapshot{
		SessionID: sessionID,
		TurnCount: st.turnCount,
		Turns:     make([]gate.TurnSummary, len(st.turns)),
		Risk:      make(map[gate.Category]float64, len(st.risk)),
		Entities:  make([]gate.SeenEntity, len(st.entities)),
	}
	copy(snap.Turns, st.turns)
	copy(snap.Entities, st.entities)
	for cat, r := range st.risk {
		snap.Risk[cat] = r
	}
	return snap, nil
}

// Update applies a turn delta.
func (s *MemoryStore) Update(_ context.Context, sessionID string, up Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{risk: make(map[gate.Category]float64)}
		s.sessions[sessionID] = st
	}

	applyRisk(st.risk, up.RiskAdd, s.params.Decay)

	turn := up.Turn
	turn.Excerpt = truncateExcerpt(turn.Excerpt, s.params.ExcerptLimit)
	st.turns = append(st.turns, turn)
	if len(st.turns) > s.params.Window {
		st.turns = st.turns[len(st.turns)-s.params.Window:]
	}
	st.turnCount++
	st.entities = mergeEntities(st.entities, up.Entities)
	st.lastSeen = time.Now()
	return nil
}

// CloseSession discards the session.
func (s *MemoryStore) CloseSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
	return nil
}

// mergeEntities appends new entities, skipping exact duplicates.
func mergeEntities(existing, incoming []gate.SeenEntity) []gate.SeenEntity {
	for _, e := range incoming {
		dup := false
		for _, have := range existing {
			if have.Subtype == e.Subtype && have.Text == e.Text {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, e)
		}
	}
	return existing
}
