package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func texts(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = string(t.Role) + ":" + t.Text
	}
	return out
}

func TestAppendAndGetHistory(t *testing.T) {
	store := NewMemoryStore()

	store.AppendTurn("s1", UserTurn("What is grace?"))
	store.AppendTurn("s1", ModelTurn("Grace is unmerited favor."))

	history := store.GetHistory("s1")
	assert.Equal(t, []string{"user:What is grace?", "model:Grace is unmerited favor."}, texts(history))
	assert.Equal(t, 1, store.Len())
}

func TestGetHistory_UnknownSession(t *testing.T) {
	store := NewMemoryStore()

	history := store.GetHistory("missing")
	require.NotNil(t, history)
	assert.Empty(t, history)
	assert.Equal(t, 0, store.Len(), "reads must not create sessions")
}

func TestGetHistory_ReturnsSnapshot(t *testing.T) {
	store := NewMemoryStore()
	store.AppendTurn("s1", UserTurn("first"))

	snapshot := store.GetHistory("s1")
	snapshot[0].Text = "mutated"
	store.AppendTurn("s1", UserTurn("second"))

	assert.Len(t, snapshot, 1)
	assert.Equal(t, []string{"user:first", "user:second"}, texts(store.GetHistory("s1")))
}

func TestConcurrentAppends_DistinctSessions(t *testing.T) {
	store := NewMemoryStore()

	const sessions = 50
	const turns = 40

	var wg sync.WaitGroup
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			id := fmt.Sprintf("session-%d", s)
			for i := 0; i < turns; i++ {
				store.AppendTurn(id, UserTurn(fmt.Sprintf("%d-%d", s, i)))
			}
		}(s)
	}
	wg.Wait()

	assert.Equal(t, sessions, store.Len())
	for s := 0; s < sessions; s++ {
		history := store.GetHistory(fmt.Sprintf("session-%d", s))
		require.Len(t, history, turns)
		for i, turn := range history {
			assert.Equal(t, fmt.Sprintf("%d-%d", s, i), turn.Text)
		}
	}
}

func TestConcurrentAppends_SameSession(t *testing.T) {
	store := NewMemoryStore()

	const writers = 20
	const turns = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				store.AppendTurn("shared", UserTurn(fmt.Sprintf("%d-%d", w, i)))
			}
		}(w)
	}
	wg.Wait()

	history := store.GetHistory("shared")
	require.Len(t, history, writers*turns, "no turn may be lost on concurrent first write")
	assert.Equal(t, 1, store.Len())

	// per-writer order is preserved
	next := make(map[int]int)
	for _, turn := range history {
		var w, i int
		_, err := fmt.Sscanf(turn.Text, "%d-%d", &w, &i)
		require.NoError(t, err)
		assert.Equal(t, next[w], i)
		next[w] = i + 1
	}
}

func TestHold_CreatesAndPins(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithIdleTTL(time.Minute), WithClock(clock.Now))

	release := store.Hold("pinned")
	assert.Equal(t, 1, store.Len())

	clock.Advance(time.Hour)
	assert.Equal(t, 0, store.Evict(clock.Now()))
	assert.Equal(t, 1, store.Len())

	release()
	release() // idempotent

	clock.Advance(time.Hour)
	assert.Equal(t, 1, store.Evict(clock.Now()))
	assert.Equal(t, 0, store.Len())
}

func TestDelete(t *testing.T) {
	var hooked []string
	store := NewMemoryStore(WithEvictionHook(func(id, reason string) {
		hooked = append(hooked, id+":"+reason)
	}))
	store.AppendTurn("s1", UserTurn("hello"))

	assert.True(t, store.Delete("s1"))
	assert.False(t, store.Delete("s1"))
	assert.Empty(t, store.GetHistory("s1"))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, []string{"s1:deleted"}, hooked)

	store.AppendTurn("s1", UserTurn("again"))
	assert.Equal(t, []string{"user:again"}, texts(store.GetHistory("s1")))
}

func TestEvict_IdleTTL(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithIdleTTL(30*time.Minute), WithClock(clock.Now))

	store.AppendTurn("old", UserTurn("a"))
	clock.Advance(20 * time.Minute)
	store.AppendTurn("fresh", UserTurn("b"))
	clock.Advance(20 * time.Minute)

	assert.Equal(t, 1, store.Evict(clock.Now()))
	assert.Empty(t, store.GetHistory("old"))
	assert.Len(t, store.GetHistory("fresh"), 1)
}

func TestEvict_ReadsKeepSessionAlive(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithIdleTTL(30*time.Minute), WithClock(clock.Now))

	store.AppendTurn("s1", UserTurn("a"))
	clock.Advance(20 * time.Minute)
	store.GetHistory("s1")
	clock.Advance(20 * time.Minute)

	assert.Equal(t, 0, store.Evict(clock.Now()))
}

func TestEvict_CapacityLRU(t *testing.T) {
	clock := newFakeClock()
	var reasons []string
	store := NewMemoryStore(
		WithMaxSessions(3),
		WithClock(clock.Now),
		WithEvictionHook(func(id, reason string) { reasons = append(reasons, id+":"+reason) }),
	)

	for _, id := range []string{"a", "b", "c"} {
		store.AppendTurn(id, UserTurn(id))
		clock.Advance(time.Second)
	}
	// touching a makes b the least recently used
	store.GetHistory("a")
	clock.Advance(time.Second)

	store.AppendTurn("d", UserTurn("d"))

	assert.Equal(t, 3, store.Len())
	assert.Empty(t, store.GetHistory("b"))
	assert.Len(t, store.GetHistory("a"), 1)
	assert.Len(t, store.GetHistory("d"), 1)
	assert.Equal(t, []string{"b:capacity"}, reasons)
}

func TestEvict_CapacitySkipsPinned(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithMaxSessions(2), WithClock(clock.Now))

	release := store.Hold("a")
	defer release()
	clock.Advance(time.Second)
	store.AppendTurn("b", UserTurn("b"))
	clock.Advance(time.Second)
	store.AppendTurn("c", UserTurn("c"))

	// a is the oldest but pinned, so b goes instead
	assert.Equal(t, 2, store.Len())
	assert.Empty(t, store.GetHistory("b"))
	assert.Len(t, store.GetHistory("c"), 1)
}

func TestEvict_AllPinnedSkipsRescanUntilRelease(t *testing.T) {
	clock := newFakeClock()
	var reasons []string
	store := NewMemoryStore(
		WithMaxSessions(2),
		WithClock(clock.Now),
		WithEvictionHook(func(id, reason string) { reasons = append(reasons, id+":"+reason) }),
	)

	releaseA := store.Hold("a")
	for _, id := range []string{"b", "c"} {
		release := store.Hold(id)
		defer release()
		clock.Advance(time.Second)
	}
	require.Equal(t, int64(1), store.capacityScans.Load())
	require.True(t, store.capacityStalled())

	for _, id := range []string{"d", "e", "f"} {
		release := store.Hold(id)
		defer release()
	}
	assert.Equal(t, int64(1), store.capacityScans.Load())
	assert.Equal(t, 6, store.Len())
	assert.Empty(t, reasons)

	releaseA()
	assert.False(t, store.capacityStalled())

	release := store.Hold("g")
	defer release()
	assert.Equal(t, int64(2), store.capacityScans.Load())
	assert.Equal(t, []string{"a:capacity"}, reasons)
	assert.Equal(t, 6, store.Len())

	// the janitor rescans regardless
	assert.Equal(t, 0, store.Evict(clock.Now()))
	assert.Equal(t, int64(3), store.capacityScans.Load())
}

func TestAppendRacingEviction(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithMaxSessions(5), WithClock(clock.Now))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				store.AppendTurn(fmt.Sprintf("s-%d-%d", w, i%10), UserTurn("x"))
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, store.Len(), 5)
}
