package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSink records deliveries. It doubles as the session implementation for
// router tests.
type fakeSink struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	full     bool // when true, TrySend rejects everything
	username string
}

func (f *fakeSink) TrySend(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full || f.closed {
		return false
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return true
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) label() string { return "test-conn" }

func (f *fakeSink) bindUser(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = username
}

func (f *fakeSink) clearUser() { f.bindUser("") }

func (f *fakeSink) payloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, p := range f.sent {
		out[i] = string(p)
	}
	return out
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistryAddFindRemove(t *testing.T) {
	r := NewRegistry()
	sink := &fakeSink{}

	require.Nil(t, r.Add("bob", sink))

	found, ok := r.Find("bob")
	require.True(t, ok)
	require.Same(t, sink, found.(*fakeSink))
	require.True(t, r.IsOnline("bob"))

	r.Remove("bob")
	_, ok = r.Find("bob")
	require.False(t, ok)
	require.False(t, r.IsOnline("bob"))
}

func TestRegistryRemoveUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Remove("nobody")
	require.Empty(t, r.OnlineUsers())
}

func TestRegistryIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	sink := &fakeSink{}
	r.Add("Alice", sink)

	require.True(t, r.IsOnline("alice"))
	require.True(t, r.IsOnline("ALICE"))
	require.Equal(t, []string{"Alice"}, r.OnlineUsers(), "display form is preserved")

	r.Remove("aLiCe")
	require.False(t, r.IsOnline("Alice"))
}

func TestRegistryAddReturnsDisplacedSink(t *testing.T) {
	r := NewRegistry()
	first := &fakeSink{}
	second := &fakeSink{}

	require.Nil(t, r.Add("alice", first))
	displaced := r.Add("alice", second)
	require.Same(t, first, displaced.(*fakeSink))

	found, ok := r.Find("alice")
	require.True(t, ok)
	require.Same(t, second, found.(*fakeSink))
	require.Equal(t, []string{"alice"}, r.OnlineUsers(), "no duplicate registration")
}

func TestRegistryReleaseOnlyRemovesOwner(t *testing.T) {
	r := NewRegistry()
	old := &fakeSink{}
	replacement := &fakeSink{}

	r.Add("alice", old)
	r.Add("alice", replacement)

	require.False(t, r.Release("alice", old), "stale connection must not evict its replacement")
	require.True(t, r.IsOnline("alice"))

	require.True(t, r.Release("alice", replacement))
	require.False(t, r.IsOnline("alice"))
}

func TestBroadcastToAllDeliversOnceEach(t *testing.T) {
	r := NewRegistry()
	sinks := make([]*fakeSink, 3)
	for i := range sinks {
		sinks[i] = &fakeSink{}
		r.Add(fmt.Sprintf("user%d", i), sinks[i])
	}

	r.BroadcastToAll([]byte("hello"))

	for _, sink := range sinks {
		require.Equal(t, []string{"hello"}, sink.payloads())
	}
}

func TestBroadcastToSetFiltersTargets(t *testing.T) {
	r := NewRegistry()
	bob := &fakeSink{}
	carol := &fakeSink{}
	dave := &fakeSink{}
	r.Add("bob", bob)
	r.Add("carol", carol)
	r.Add("dave", dave)

	r.BroadcastToSet([]byte("secret"), []string{"Bob", "carol"})

	require.Equal(t, []string{"secret"}, bob.payloads())
	require.Equal(t, []string{"secret"}, carol.payloads())
	require.Empty(t, dave.payloads())
}

func TestBroadcastDropsFailedSinks(t *testing.T) {
	r := NewRegistry()
	healthy := &fakeSink{}
	stuck := &fakeSink{full: true}
	r.Add("alice", healthy)
	r.Add("bob", stuck)

	r.BroadcastToAll([]byte("ping"))

	require.True(t, r.IsOnline("alice"))
	require.False(t, r.IsOnline("bob"), "a sink that rejects delivery is dropped")
	require.True(t, stuck.isClosed())
}

func TestOnlineUsersRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		r.Add(name, &fakeSink{})
	}
	require.Equal(t, []string{"carol", "alice", "bob"}, r.OnlineUsers())

	r.Remove("alice")
	require.Equal(t, []string{"carol", "bob"}, r.OnlineUsers())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("user%d", i)
			r.Add(name, &fakeSink{})
			r.BroadcastToAll([]byte("x"))
			r.IsOnline(name)
			r.Remove(name)
		}(i)
	}
	wg.Wait()

	require.Empty(t, r.OnlineUsers())
}
