package rmcast

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/message"
	"github.com/Jokel64/droneworks/internal/transport"
)

type unicastCall struct {
	ip   string
	port int
	env  *message.Envelope
}

// fakeSender records everything the multicast layer tries to send.
type fakeSender struct {
	mu         sync.Mutex
	multicasts []*message.Envelope
	unicasts   []unicastCall
	failNext   error
}

func (f *fakeSender) Multicast(env *message.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.multicasts = append(f.multicasts, env)
	return nil
}

func (f *fakeSender) Unicast(ip string, port int, env *message.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unicasts = append(f.unicasts, unicastCall{ip: ip, port: port, env: env})
	return nil
}

func (f *fakeSender) nacks(t *testing.T) []uint64 {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var seqs []uint64
	for _, u := range f.unicasts {
		seq, err := u.env.NegativeAckSeq()
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	return seqs
}

// delivered collects (sender, seq) pairs in delivery order.
type delivered struct {
	mu  sync.Mutex
	got []*message.Envelope
}

func (d *delivered) fn(env *message.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, env)
}

func (d *delivered) seqs(from identity.ID) []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []uint64{}
	for _, env := range d.got {
		if env.Header.Sender == from {
			out = append(out, env.Seq)
		}
	}
	return out
}

// stamped sets the sender identity on everything sent through it.
type stamped struct {
	tr transport.Transport
	id identity.ID
}

func (s stamped) Multicast(env *message.Envelope) error {
	env.Header.Sender = s.id
	return s.tr.Multicast(env)
}

func (s stamped) Unicast(ip string, port int, env *message.Envelope) error {
	env.Header.Sender = s.id
	return s.tr.Unicast(ip, port, env)
}

func newTestMulticast(cfg Config) (*Multicast, *fakeSender, *delivered) {
	out := &fakeSender{}
	d := &delivered{}
	m := New(out, cfg)
	m.SetDeliverFunc(d.fn)
	return m, out, d
}

func msg(sender identity.ID, seq uint64) *message.Envelope {
	return &message.Envelope{
		Header: message.Header{
			Sender:     sender,
			Kind:       message.KindHeartbeat,
			OriginIP:   "10.0.0.9",
			OriginPort: 6000,
		},
		Seq: seq,
	}
}

// TestInOrderDeliveryAcrossSenders verifies that in-order messages from two
// interleaved senders are each delivered exactly once, in order, with no
// retransmission requests.
func TestInOrderDeliveryAcrossSenders(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a, b := identity.MustNew(), identity.MustNew()

	for seq := uint64(1); seq <= 20; seq++ {
		m.Receive(msg(a, seq))
		if seq%2 == 0 {
			m.Receive(msg(b, seq/2))
		}
	}

	// sequence 1 only anchors each sender
	want := make([]uint64, 0, 19)
	for seq := uint64(2); seq <= 20; seq++ {
		want = append(want, seq)
	}
	assert.Equal(t, want, d.seqs(a))
	assert.Equal(t, want[:9], d.seqs(b))
	assert.Empty(t, out.nacks(t))

	r, ok := m.LatestDelivered(a)
	require.True(t, ok)
	assert.Equal(t, uint64(20), r)
}

// TestGapHoldsBackAndRequestsMissing verifies that 3 arriving before 2 is
// held, triggers a negative ack for 2 to the sender's advertised address, and
// is delivered right after 2 without another request.
func TestGapHoldsBackAndRequestsMissing(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a := identity.MustNew()

	m.Receive(msg(a, 1))
	m.Receive(msg(a, 3))

	assert.Empty(t, d.seqs(a))
	assert.Equal(t, []uint64{3}, m.HeldBack(a))
	assert.Equal(t, []uint64{2}, out.nacks(t))
	out.mu.Lock()
	assert.Equal(t, "10.0.0.9", out.unicasts[0].ip)
	assert.Equal(t, 6000, out.unicasts[0].port)
	out.mu.Unlock()

	m.Receive(msg(a, 2))

	assert.Equal(t, []uint64{2, 3}, d.seqs(a))
	assert.Empty(t, m.HeldBack(a))
	assert.Equal(t, []uint64{2}, out.nacks(t), "no further requests after the gap closed")
}

// TestDuplicatesAreDropped verifies {1,2,2,3,1} delivers 2 and 3 once each.
func TestDuplicatesAreDropped(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a := identity.MustNew()

	for _, seq := range []uint64{1, 2, 2, 3, 1} {
		m.Receive(msg(a, seq))
	}

	assert.Equal(t, []uint64{2, 3}, d.seqs(a))
	assert.Equal(t, uint64(2), m.Stats().Duplicates)
	assert.Empty(t, out.nacks(t))
}

// TestFirstMessageIsAcceptedInOrder verifies the first message from an unseen
// sender never causes a request for earlier history. A first message with
// sequence 1 counts as already delivered; any other is delivered.
func TestFirstMessageIsAcceptedInOrder(t *testing.T) {
	tests := []struct {
		name  string
		first uint64
		want  []uint64
	}{
		{"sequence one", 1, []uint64{2}},
		{"late joiner", 7, []uint64{7, 8}},
		{"far ahead", 10000, []uint64{10000, 10001}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, out, d := newTestMulticast(Config{})
			a := identity.MustNew()

			m.Receive(msg(a, tt.first))
			m.Receive(msg(a, tt.first+1))

			assert.Equal(t, tt.want, d.seqs(a))
			assert.Empty(t, out.nacks(t))
			assert.Zero(t, m.Stats().FastForwards)
		})
	}
}

// TestGapWithinWindowIsFullyRequested verifies that s == R+3 is still a
// normal gap: nothing is skipped and R+1 is requested.
func TestGapWithinWindowIsFullyRequested(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a := identity.MustNew()

	m.Receive(msg(a, 1))
	m.Receive(msg(a, 4))

	assert.Zero(t, m.Stats().FastForwards)
	assert.Equal(t, []uint64{2}, out.nacks(t))

	m.Receive(msg(a, 3))
	m.Receive(msg(a, 2))
	assert.Equal(t, []uint64{2, 3, 4}, d.seqs(a))
}

// TestSequenceOneAnchorsNewSender verifies a first message with sequence 1
// sets R to 1 without a delivery, a request or a duplicate count.
func TestSequenceOneAnchorsNewSender(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a := identity.MustNew()

	m.Receive(msg(a, 1))

	assert.Empty(t, d.seqs(a))
	r, known := m.LatestDelivered(a)
	require.True(t, known)
	assert.Equal(t, uint64(1), r)
	assert.Empty(t, out.nacks(t))
	assert.Empty(t, m.HeldBack(a))
	assert.Zero(t, m.Stats().Duplicates)

	m.Receive(msg(a, 1))
	assert.Empty(t, d.seqs(a))
	assert.Equal(t, uint64(1), m.Stats().Duplicates)
}

// TestGapBeyondWindowFastForwards verifies the bound triggers at exactly
// s > R+3: only the two messages before s stay recoverable.
func TestGapBeyondWindowFastForwards(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a := identity.MustNew()

	m.Receive(msg(a, 1))
	m.Receive(msg(a, 5))

	assert.Equal(t, uint64(1), m.Stats().FastForwards)
	r, _ := m.LatestDelivered(a)
	assert.Equal(t, uint64(2), r, "seq 2 is abandoned")
	assert.Equal(t, []uint64{3}, out.nacks(t))

	m.Receive(msg(a, 2))
	assert.Empty(t, d.seqs(a), "abandoned sequence is a duplicate now")

	m.Receive(msg(a, 3))
	m.Receive(msg(a, 4))
	assert.Equal(t, []uint64{3, 4, 5}, d.seqs(a))
	assert.Empty(t, m.HeldBack(a))
}

// TestFastForwardDeliversHeldMessages verifies that a fast-forward skips only
// sequences that never arrived: held messages at or below the new R are
// delivered in order, then the contiguous run above it drains.
func TestFastForwardDeliversHeldMessages(t *testing.T) {
	m, out, d := newTestMulticast(Config{})
	a := identity.MustNew()

	m.Receive(msg(a, 1))
	m.Receive(msg(a, 3)) // held, request 2
	m.Receive(msg(a, 4)) // held, request 2
	m.Receive(msg(a, 6)) // fast-forward to 3: 2 is skipped, 3 and 4 delivered

	assert.Equal(t, []uint64{3, 4}, d.seqs(a))
	assert.Equal(t, []uint64{6}, m.HeldBack(a))
	assert.Equal(t, []uint64{2, 2, 5}, out.nacks(t))
	assert.Equal(t, uint64(1), m.Stats().FastForwards)

	m.Receive(msg(a, 5))
	assert.Equal(t, []uint64{3, 4, 5, 6}, d.seqs(a))
	assert.Empty(t, m.HeldBack(a))
}

// TestFastForwardDeliversSeveralHeldInOrder verifies held messages below the
// new R come out ascending even when they arrived out of order.
func TestFastForwardDeliversSeveralHeldInOrder(t *testing.T) {
	m, _, d := newTestMulticast(Config{Window: 4})
	a := identity.MustNew()

	m.Receive(msg(a, 1))
	m.Receive(msg(a, 5))
	m.Receive(msg(a, 3))
	m.Receive(msg(a, 4))
	m.Receive(msg(a, 10)) // fast-forward to 6

	assert.Equal(t, []uint64{3, 4, 5}, d.seqs(a))
	r, _ := m.LatestDelivered(a)
	assert.Equal(t, uint64(6), r)
	assert.Equal(t, []uint64{10}, m.HeldBack(a))
}

// TestLongRunDrainsIteratively verifies a long contiguous run held back in
// reverse order is delivered in one cascade.
func TestLongRunDrainsIteratively(t *testing.T) {
	const n = 1000
	m, _, d := newTestMulticast(Config{Window: n + 1})
	a := identity.MustNew()

	m.Receive(msg(a, 1))
	for seq := uint64(n); seq >= 3; seq-- {
		m.Receive(msg(a, seq))
	}
	assert.Empty(t, d.seqs(a))

	m.Receive(msg(a, 2))
	got := d.seqs(a)
	require.Len(t, got, n-1)
	for i, seq := range got {
		assert.Equal(t, uint64(i+2), seq)
	}
}

// TestUnsequencedMessagesAreIgnored verifies sequence zero never reaches the
// ordering state.
func TestUnsequencedMessagesAreIgnored(t *testing.T) {
	m, _, d := newTestMulticast(Config{})
	a := identity.MustNew()

	m.Receive(msg(a, 0))
	assert.Empty(t, d.seqs(a))
	_, known := m.LatestDelivered(a)
	assert.False(t, known)
}

// TestSendStampsAndArchives verifies outgoing messages get increasing
// sequence numbers starting at 1 and the current acknowledgment vector.
func TestSendStampsAndArchives(t *testing.T) {
	m, out, _ := newTestMulticast(Config{})
	peer := identity.MustNew()
	m.Receive(msg(peer, 4))

	for i := 0; i < 3; i++ {
		env, err := message.NewHeartbeat(i)
		require.NoError(t, err)
		require.NoError(t, m.Send(env))
	}

	require.Len(t, out.multicasts, 3)
	for i, env := range out.multicasts {
		assert.Equal(t, uint64(i+1), env.Seq)
		assert.Equal(t, uint64(4), env.Acks[peer])
	}
	assert.Equal(t, uint64(3), m.LastSent())
	assert.Equal(t, uint64(3), m.Stats().Sent)
}

// TestSendFailureStillConsumesSequence verifies a transport failure is
// reported and the message stays archived for later retransmission.
func TestSendFailureStillConsumesSequence(t *testing.T) {
	m, out, _ := newTestMulticast(Config{})
	out.failNext = errors.New("network is unreachable")

	env, err := message.NewHeartbeat("x")
	require.NoError(t, err)
	assert.Error(t, m.Send(env))

	nack := message.NewNegativeAck(1)
	nack.Header.Sender = identity.MustNew()
	m.HandleNegativeAck(nack)

	require.Len(t, out.multicasts, 1)
	assert.Equal(t, uint64(1), out.multicasts[0].Seq)
}

// TestNegativeAckRetransmitsToGroup verifies a request is answered from the
// sent log with a fresh acknowledgment vector, and unknown sequences are
// ignored.
func TestNegativeAckRetransmitsToGroup(t *testing.T) {
	m, out, _ := newTestMulticast(Config{})
	for i := 0; i < 3; i++ {
		env, err := message.NewHeartbeat(i)
		require.NoError(t, err)
		require.NoError(t, m.Send(env))
	}

	peer := identity.MustNew()
	m.Receive(msg(peer, 9))

	nack := message.NewNegativeAck(2)
	nack.Header.Sender = peer
	m.HandleNegativeAck(nack)

	require.Len(t, out.multicasts, 4)
	resent := out.multicasts[3]
	assert.Equal(t, uint64(2), resent.Seq)
	assert.Equal(t, out.multicasts[1].Body, resent.Body)
	assert.Equal(t, uint64(9), resent.Acks[peer])
	assert.NotContains(t, out.multicasts[1].Acks, peer, "archived message is not re-stamped in place")

	unknown := message.NewNegativeAck(99)
	unknown.Header.Sender = peer
	m.HandleNegativeAck(unknown)
	assert.Len(t, out.multicasts, 4)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Retransmitted)
	assert.Equal(t, uint64(1), stats.Unanswerable)
}

// TestDeliveryPanicIsContained verifies a misbehaving callback does not stop
// later deliveries.
func TestDeliveryPanicIsContained(t *testing.T) {
	m := New(&fakeSender{}, Config{})
	a := identity.MustNew()

	var got []uint64
	m.SetDeliverFunc(func(env *message.Envelope) {
		if env.Seq == 2 {
			panic("boom")
		}
		got = append(got, env.Seq)
	})

	m.Receive(msg(a, 1))
	m.Receive(msg(a, 2))
	m.Receive(msg(a, 3))
	assert.Equal(t, []uint64{3}, got)
}

// TestMemoryLogRetention verifies the oldest entries are evicted beyond the
// retention window.
func TestMemoryLogRetention(t *testing.T) {
	l := NewMemoryLog(2)
	for seq := uint64(1); seq <= 3; seq++ {
		l.Put(seq, &message.Envelope{Seq: seq})
	}

	_, ok := l.Get(1)
	assert.False(t, ok)
	env, ok := l.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), env.Seq)
	assert.Equal(t, 2, l.Len())

	unbounded := NewMemoryLog(0)
	for seq := uint64(1); seq <= 100; seq++ {
		unbounded.Put(seq, &message.Envelope{Seq: seq})
	}
	assert.Equal(t, 100, unbounded.Len())
}

// TestRecoveryOverLossyNetwork runs two members over the in-memory network,
// drops one multicast to the receiver and checks the negative ack round trip
// restores complete FIFO delivery.
func TestRecoveryOverLossyNetwork(t *testing.T) {
	network := transport.NewMemNetwork()
	ta, tb := network.Join("10.0.0.1"), network.Join("10.0.0.2")
	defer ta.Close()
	defer tb.Close()

	idA, idB := identity.MustNew(), identity.MustNew()
	rmA := New(stamped{ta, idA}, Config{})
	rmB := New(stamped{tb, idB}, Config{})
	d := &delivered{}
	rmB.SetDeliverFunc(d.fn)

	var dropped sync.Once
	bIP, bPort := tb.Addr()
	bKey := fmt.Sprintf("%s:%d", bIP, bPort)
	network.SetDropFunc(func(_, dst string, env *message.Envelope, ch transport.Channel) bool {
		if ch != transport.Multicast || env.Seq != 3 || dst != bKey {
			return false
		}
		drop := false
		dropped.Do(func() { drop = true })
		return drop
	})

	route := func(self identity.ID, rm *Multicast) transport.Handler {
		return func(env *message.Envelope, ch transport.Channel) {
			if env.Header.Sender == self {
				return
			}
			if ch == transport.Unicast && env.Header.Kind == message.KindNegativeAck {
				rm.HandleNegativeAck(env)
				return
			}
			if ch == transport.Multicast {
				rm.Receive(env)
			}
		}
	}
	require.NoError(t, ta.Start(route(idA, rmA)))
	require.NoError(t, tb.Start(route(idB, rmB)))

	for i := 1; i <= 5; i++ {
		env, err := message.NewHeartbeat(i)
		require.NoError(t, err)
		env.Header.Sender = idA
		require.NoError(t, rmA.Send(env))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(d.seqs(idA)) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{2, 3, 4, 5}, d.seqs(idA))
	assert.GreaterOrEqual(t, rmA.Stats().Retransmitted, uint64(1))
}
