package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/biblechat/internal/observability"
	"github.com/rs/zerolog/log"
)

type entry struct {
	mu    sync.Mutex
	turns []Turn
	pins  int
	dead  bool

	lastUsed atomic.Int64 // unix nanos
}

func (e *entry) touch(now time.Time) {
	e.lastUsed.Store(now.UnixNano())
}

// MemoryStore is a process-local Store. The key space is a sync.Map so
// lookups for different sessions never contend; each session has its own lock.
type MemoryStore struct {
	sessions sync.Map // string -> *entry
	count    atomic.Int64

	maxSessions int
	idleTTL     time.Duration
	now         func() time.Time
	onEvict     func(sessionID, reason string)

	evictMu sync.Mutex

	// releases counts pins dropping to zero. stalledAt is releases+1 as of
	// the last capacity scan that found every candidate pinned, or zero.
	releases      atomic.Uint64
	stalledAt     atomic.Uint64
	capacityScans atomic.Int64
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithMaxSessions caps the number of live sessions. Zero means unbounded.
func WithMaxSessions(n int) Option {
	return func(s *MemoryStore) { s.maxSessions = n }
}

// WithIdleTTL evicts sessions unused for longer than d. Zero disables idle eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(s *MemoryStore) { s.idleTTL = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithEvictionHook is called once per removed session, outside any session lock.
func WithEvictionHook(fn func(sessionID, reason string)) Option {
	return func(s *MemoryStore) { s.onEvict = fn }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	observability.EnsureRegistered()

	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// loadOrCreate returns the live or freshly inserted entry for id.
func (s *MemoryStore) loadOrCreate(id string) *entry {
	if v, ok := s.sessions.Load(id); ok {
		return v.(*entry)
	}

	fresh := &entry{}
	fresh.touch(s.now())
	actual, loaded := s.sessions.LoadOrStore(id, fresh)
	if loaded {
		return actual.(*entry)
	}

	n := s.count.Add(1)
	observability.SetActiveSessions(int(n))
	if s.maxSessions > 0 && int(n) > s.maxSessions && !s.capacityStalled() {
		s.evictCapacity(id)
	}
	return fresh
}

// AppendTurn records turn at the end of the session's transcript, creating
// the session if needed.
func (s *MemoryStore) AppendTurn(sessionID string, turn Turn) {
	for {
		e := s.loadOrCreate(sessionID)
		e.mu.Lock()
		if e.dead {
			// lost a race with eviction; the key is already gone from the map
			e.mu.Unlock()
			continue
		}
		e.turns = append(e.turns, turn)
		e.touch(s.now())
		e.mu.Unlock()
		return
	}
}

// GetHistory returns a copy of the session's turns in order. Unknown ids
// yield an empty slice.
func (s *MemoryStore) GetHistory(sessionID string) []Turn {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return []Turn{}
	}
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead {
		return []Turn{}
	}
	e.touch(s.now())

	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// Hold creates the session if needed and pins it against eviction until
// release is called. release is idempotent.
func (s *MemoryStore) Hold(sessionID string) (release func()) {
	for {
		e := s.loadOrCreate(sessionID)
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		e.pins++
		e.touch(s.now())
		e.mu.Unlock()

		var once sync.Once
		return func() {
			once.Do(func() {
				e.mu.Lock()
				e.pins--
				unpinned := e.pins == 0
				e.touch(s.now())
				e.mu.Unlock()
				if unpinned {
					s.releases.Add(1)
				}
			})
		}
	}
}

// Delete drops a session regardless of pins. It reports whether the session existed.
func (s *MemoryStore) Delete(sessionID string) bool {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return false
	}
	e := v.(*entry)

	e.mu.Lock()
	removed := s.kill(sessionID, e)
	e.mu.Unlock()

	if removed {
		s.evicted(sessionID, ReasonDeleted)
	}
	return removed
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	return int(s.count.Load())
}

// kill must be called with e.mu held.
func (s *MemoryStore) kill(id string, e *entry) bool {
	if e.dead {
		return false
	}
	e.dead = true
	e.turns = nil
	if s.sessions.CompareAndDelete(id, e) {
		observability.SetActiveSessions(int(s.count.Add(-1)))
	}
	return true
}

func (s *MemoryStore) evicted(id, reason string) {
	observability.RecordEviction(reason, 1)
	if s.onEvict != nil {
		s.onEvict(id, reason)
	}
}

// Evict removes sessions idle longer than the TTL, then the least recently
// used unpinned sessions until the store is within capacity. It returns the
// number of sessions removed.
func (s *MemoryStore) Evict(now time.Time) int {
	removed := s.evictIdle(now)
	if s.maxSessions > 0 && s.Len() > s.maxSessions {
		removed += s.evictCapacity("")
	}
	return removed
}

func (s *MemoryStore) evictIdle(now time.Time) int {
	if s.idleTTL <= 0 {
		return 0
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	cutoff := now.Add(-s.idleTTL).UnixNano()
	removed := 0
	s.sessions.Range(func(key, value any) bool {
		id, e := key.(string), value.(*entry)
		if e.lastUsed.Load() >= cutoff {
			return true
		}

		e.mu.Lock()
		ok := e.pins == 0 && e.lastUsed.Load() < cutoff && s.kill(id, e)
		e.mu.Unlock()

		if ok {
			removed++
			s.evicted(id, ReasonIdle)
		}
		return true
	})

	if removed > 0 {
		log.Debug().Int("removed", removed).Dur("idle_ttl", s.idleTTL).Msg("Evicted idle sessions")
	}
	return removed
}

// evictCapacity trims unpinned sessions other than keep, oldest first, down
// to the low-water mark (capacity minus ten percent) so bursts of new
// sessions do not rescan on every insert.
func (s *MemoryStore) evictCapacity(keep string) int {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	target := s.maxSessions - s.maxSessions/10
	if s.Len() <= s.maxSessions {
		return 0
	}

	gen := s.releases.Load()
	s.capacityScans.Add(1)

	type candidate struct {
		id       string
		e        *entry
		lastUsed int64
	}
	var candidates []candidate
	s.sessions.Range(func(key, value any) bool {
		id, e := key.(string), value.(*entry)
		if id != keep {
			candidates = append(candidates, candidate{id: id, e: e, lastUsed: e.lastUsed.Load()})
		}
		return true
	})
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed < candidates[j].lastUsed
	})

	removed := 0
	for _, c := range candidates {
		if s.Len() <= target {
			break
		}
		c.e.mu.Lock()
		ok := c.e.pins == 0 && s.kill(c.id, c.e)
		c.e.mu.Unlock()

		if ok {
			removed++
			s.evicted(c.id, ReasonCapacity)
		}
	}

	if removed > 0 {
		s.stalledAt.Store(0)
		log.Debug().Int("removed", removed).Int("max_sessions", s.maxSessions).Msg("Evicted sessions over capacity")
	} else if s.stalledAt.Swap(gen+1) != gen+1 {
		log.Warn().Int("sessions", s.Len()).Int("max_sessions", s.maxSessions).Msg("Over capacity with every session pinned")
	}
	return removed
}

// capacityStalled reports that the last capacity scan found nothing to evict
// and no pin has been released since. Inserts skip the scan while it holds;
// the janitor's Evict always rescans.
func (s *MemoryStore) capacityStalled() bool {
	stalled := s.stalledAt.Load()
	return stalled != 0 && stalled == s.releases.Load()+1
}
