package peers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/message"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

func newTestDirectory() (*Directory, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	d := NewDirectory(3 * time.Second)
	d.SetClock(clock.Now)
	return d, clock
}

func header(id identity.ID, ip string, port int, kind message.Kind) message.Header {
	return message.Header{Sender: id, OriginIP: ip, OriginPort: port, Kind: kind, Label: "Grace"}
}

// TestNewDirectory verifies defaults are applied.
func TestNewDirectory(t *testing.T) {
	d := NewDirectory(0)
	assert.Equal(t, DefaultOfflineTimeout, d.OfflineTimeout())
	assert.Equal(t, 0, d.Len())
}

// TestObserveCreatesPeer verifies the first message from an unknown identity
// creates an entry with the advertised address.
func TestObserveCreatesPeer(t *testing.T) {
	d, clock := newTestDirectory()
	id := identity.MustNew()

	isNew := d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat))
	assert.True(t, isNew)

	p, ok := d.Get(id)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", p.Addr)
	assert.Equal(t, 5009, p.Port)
	assert.Equal(t, "Grace", p.Label)
	assert.Equal(t, clock.Now(), p.LastAlive)
	assert.Equal(t, uint64(1), p.HeartbeatsReceived)

	assert.False(t, d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat)))
}

// TestObserveMigratesAddress verifies a changed origin address replaces the
// stored one.
func TestObserveMigratesAddress(t *testing.T) {
	d, _ := newTestDirectory()
	id := identity.MustNew()

	d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat))
	d.Observe(header(id, "10.0.0.6", 5010, message.KindApplication))

	p, _ := d.Get(id)
	assert.Equal(t, "10.0.0.6", p.Addr)
	assert.Equal(t, 5010, p.Port)
}

// TestHeartbeatCounterOnlyCountsHeartbeats verifies that other message kinds
// refresh liveness without touching the counter.
func TestHeartbeatCounterOnlyCountsHeartbeats(t *testing.T) {
	d, clock := newTestDirectory()
	id := identity.MustNew()

	d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat))
	clock.Advance(time.Second)
	d.Observe(header(id, "10.0.0.5", 5009, message.KindCoordinator))
	d.Observe(header(id, "10.0.0.5", 5009, message.KindElection))

	p, _ := d.Get(id)
	assert.Equal(t, uint64(1), p.HeartbeatsReceived)
	assert.Equal(t, clock.Now(), p.LastAlive)
}

// TestIsOnlineIsDerivedFromTime verifies the online predicate is strictly
// now - last_alive < timeout, evaluated at query time.
func TestIsOnlineIsDerivedFromTime(t *testing.T) {
	d, clock := newTestDirectory()
	id := identity.MustNew()

	assert.False(t, d.IsOnline(id), "unknown peers are offline")

	d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat))
	assert.True(t, d.IsOnline(id))

	clock.Advance(3*time.Second - time.Nanosecond)
	assert.True(t, d.IsOnline(id))

	clock.Advance(time.Nanosecond)
	assert.False(t, d.IsOnline(id), "exactly the timeout is offline")

	// offline peers stay listed
	_, ok := d.Get(id)
	assert.True(t, ok)
	assert.Equal(t, 1, d.Len())

	d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat))
	assert.True(t, d.IsOnline(id))
}

// TestAllAndOnlineOrdering verifies snapshots are rank-ordered and Online
// filters silent peers.
func TestAllAndOnlineOrdering(t *testing.T) {
	d, clock := newTestDirectory()
	first, second, third := identity.MustNew(), identity.MustNew(), identity.MustNew()

	d.Observe(header(third, "10.0.0.3", 1, message.KindHeartbeat))
	d.Observe(header(first, "10.0.0.1", 1, message.KindHeartbeat))
	clock.Advance(2 * time.Second)
	d.Observe(header(second, "10.0.0.2", 1, message.KindHeartbeat))
	clock.Advance(2 * time.Second)

	all := d.All()
	require.Len(t, all, 3)
	assert.Equal(t, []identity.ID{first, second, third}, []identity.ID{all[0].ID, all[1].ID, all[2].ID})

	online := d.Online()
	require.Len(t, online, 1)
	assert.Equal(t, second, online[0].ID)
}

// TestObserveIgnoresAnonymous verifies headers without a sender are ignored.
func TestObserveIgnoresAnonymous(t *testing.T) {
	d, _ := newTestDirectory()
	assert.False(t, d.Observe(message.Header{OriginIP: "10.0.0.1"}))
	assert.Equal(t, 0, d.Len())
}

// TestGetReturnsCopy verifies snapshots cannot modify the directory.
func TestGetReturnsCopy(t *testing.T) {
	d, _ := newTestDirectory()
	id := identity.MustNew()
	d.Observe(header(id, "10.0.0.5", 5009, message.KindHeartbeat))

	p, _ := d.Get(id)
	p.Addr = "changed"

	again, _ := d.Get(id)
	assert.Equal(t, "10.0.0.5", again.Addr)
}

// TestConcurrentObserve exercises the directory from several goroutines.
func TestConcurrentObserve(t *testing.T) {
	d := NewDirectory(time.Second)
	ids := []identity.ID{identity.MustNew(), identity.MustNew(), identity.MustNew()}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				id := ids[(i+j)%len(ids)]
				d.Observe(header(id, "10.0.0.1", 1, message.KindHeartbeat))
				_ = d.IsOnline(id)
				_ = d.Online()
			}
		}(i)
	}
	wg.Wait()

	var total uint64
	for _, p := range d.All() {
		total += p.HeartbeatsReceived
	}
	assert.Equal(t, uint64(800), total)
}
