package rmcast

import (
	"fmt"
	"log"
	"maps"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/slices"

	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/message"
)

// DefaultWindow is how far a sender may run ahead of the last delivered
// sequence before older gaps are abandoned. A message more than DefaultWindow
// ahead moves R to s-DefaultWindow, leaving the DefaultWindow-1 sequences
// directly before s recoverable.
const DefaultWindow = 3

// Sender is the transport surface the multicast layer sends through.
type Sender interface {
	Multicast(env *message.Envelope) error
	Unicast(ip string, port int, env *message.Envelope) error
}

// DeliverFunc receives messages in per-sender FIFO order.
type DeliverFunc func(env *message.Envelope)

// Config tunes the multicast layer. Zero values select the defaults.
type Config struct {
	Window    int     // Lead over R that triggers a fast-forward (default 3)
	Retention int     // Sent messages kept for retransmission (default 4096, -1 unbounded)
	Log       SentLog // Sent log implementation (default MemoryLog)
}

// Stats counts protocol events since start.
type Stats struct {
	Sent             uint64 `json:"sent"`               // Messages multicast with a fresh sequence number
	Delivered        uint64 `json:"delivered"`          // Messages handed to the application
	Duplicates       uint64 `json:"duplicates"`         // Messages dropped as already delivered
	HeldBack         uint64 `json:"held_back"`          // Messages placed in the hold-back queue
	FastForwards     uint64 `json:"fast_forwards"`      // Times a sender's sequence was advanced past a gap
	NegativeAcksSent uint64 `json:"negative_acks_sent"` // Retransmission requests sent
	Retransmitted    uint64 `json:"retransmitted"`      // Retransmission requests answered
	Unanswerable     uint64 `json:"unanswerable"`       // Retransmission requests for unknown sequences
}

// Multicast implements reliable FIFO multicast for one node.
// Thread-safe: All methods are safe for concurrent access.
type Multicast struct {
	out     Sender
	sent    SentLog
	window  uint64
	deliver atomic.Pointer[DeliverFunc]

	sendMu sync.Mutex // Serialises sequence assignment, archiving and sending
	seq    uint64     // Last sequence number assigned

	recvMu sync.Mutex // Serialises receive processing and delivery

	mu       sync.Mutex                                   // Protects latest and holdback
	latest   map[identity.ID]uint64                       // Highest in-order sequence delivered per sender
	holdback map[identity.ID]map[uint64]*message.Envelope // Early messages per sender

	stats Stats
}

// New creates a multicast layer sending through out.
//
// Example:
//
//	rm := rmcast.New(tr, rmcast.Config{})
//	rm.SetDeliverFunc(func(env *message.Envelope) {
//	    log.Printf("delivered %s", env)
//	})
//	_ = rm.Send(env)
func New(out Sender, cfg Config) *Multicast {
	window := cfg.Window
	if window <= 0 {
		window = DefaultWindow
	}
	sent := cfg.Log
	if sent == nil {
		retention := cfg.Retention
		switch {
		case retention == 0:
			retention = DefaultRetention
		case retention < 0:
			retention = 0
		}
		sent = NewMemoryLog(retention)
	}
	return &Multicast{
		out:      out,
		sent:     sent,
		window:   uint64(window),
		latest:   make(map[identity.ID]uint64),
		holdback: make(map[identity.ID]map[uint64]*message.Envelope),
	}
}

// SetDeliverFunc sets the callback invoked for every in-order message. It runs
// on the receive path and must not block for long.
func (m *Multicast) SetDeliverFunc(fn DeliverFunc) {
	m.deliver.Store(&fn)
}

// Send stamps env with the next sequence number and the current
// acknowledgment vector, archives it and multicasts it. The envelope must not
// be modified by the caller afterwards.
func (m *Multicast) Send(env *message.Envelope) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.seq++
	env.Seq = m.seq
	env.Acks = m.Acks()
	m.sent.Put(env.Seq, env)
	atomic.AddUint64(&m.stats.Sent, 1)

	if err := m.out.Multicast(env); err != nil {
		return fmt.Errorf("rmcast send seq %d: %w", env.Seq, err)
	}
	return nil
}

// Receive processes a multicast message from the group.
func (m *Multicast) Receive(env *message.Envelope) {
	if env.Seq == 0 {
		log.Printf("rmcast: dropping unsequenced %s", env)
		return
	}

	m.recvMu.Lock()
	defer m.recvMu.Unlock()

	ready, missing := m.order(env)

	for _, r := range ready {
		m.deliverOne(r)
	}

	if missing != 0 {
		m.requestRetransmission(env.Header, missing)
	}
}

// order applies the receive rules and returns the messages that became
// deliverable, in order, and the sequence to request if a gap remains.
func (m *Multicast) order(env *message.Envelope) (ready []*message.Envelope, missing uint64) {
	sender, s := env.Header.Sender, env.Seq

	m.mu.Lock()
	defer m.mu.Unlock()

	r, known := m.latest[sender]
	if !known {
		if s == 1 {
			// sequence 1 counts as delivered, there is no 0 to anchor R on
			m.latest[sender] = 1
			return nil, 0
		}
		// nothing before the first message is reconstructed
		r = s - 1
		m.latest[sender] = r
	}

	if s <= r {
		atomic.AddUint64(&m.stats.Duplicates, 1)
		return nil, 0
	}

	held := m.holdback[sender]
	if held == nil {
		held = make(map[uint64]*message.Envelope)
		m.holdback[sender] = held
	}

	if s > r+m.window {
		floor := s - m.window
		log.Printf("rmcast: [%s] is %d messages ahead, skipping unreceived sequences up to %d", sender.Short(), s-r-1, floor)
		// messages already held below the new floor are still in order
		var passed []uint64
		for seq := range held {
			if seq <= floor {
				passed = append(passed, seq)
			}
		}
		slices.Sort(passed)
		for _, seq := range passed {
			ready = append(ready, held[seq])
			delete(held, seq)
		}
		r = floor
		atomic.AddUint64(&m.stats.FastForwards, 1)
	}
	held[s] = env

	// iterative drain of every contiguous run
	for {
		next, ok := held[r+1]
		if !ok {
			break
		}
		delete(held, r+1)
		ready = append(ready, next)
		r++
	}
	m.latest[sender] = r

	if r < s {
		atomic.AddUint64(&m.stats.HeldBack, 1)
		log.Printf("rmcast: holding back seq %d from [%s], expected %d", s, sender.Short(), r+1)
		return ready, r + 1
	}
	return ready, 0
}

func (m *Multicast) deliverOne(env *message.Envelope) {
	atomic.AddUint64(&m.stats.Delivered, 1)

	fn := m.deliver.Load()
	if fn == nil || *fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("rmcast: delivery callback panicked on %s: %v", env, r)
		}
	}()
	(*fn)(env)
}

func (m *Multicast) requestRetransmission(h message.Header, seq uint64) {
	log.Printf("rmcast: sending negative ack for seq %d to [%s] %s:%d", seq, h.Sender.Short(), h.OriginIP, h.OriginPort)
	atomic.AddUint64(&m.stats.NegativeAcksSent, 1)
	if err := m.out.Unicast(h.OriginIP, h.OriginPort, message.NewNegativeAck(seq)); err != nil {
		log.Printf("rmcast: negative ack for seq %d failed: %v", seq, err)
	}
}

// HandleNegativeAck answers a retransmission request by re-multicasting the
// archived message with a fresh acknowledgment vector.
func (m *Multicast) HandleNegativeAck(env *message.Envelope) {
	seq, err := env.NegativeAckSeq()
	if err != nil {
		log.Printf("rmcast: malformed negative ack from [%s]: %v", env.Header.Sender.Short(), err)
		return
	}
	log.Printf("rmcast: received negative ack for seq %d from [%s]", seq, env.Header.Sender.Short())

	archived, ok := m.sent.Get(seq)
	if !ok {
		atomic.AddUint64(&m.stats.Unanswerable, 1)
		log.Printf("rmcast: seq %d not in sent log, cannot retransmit", seq)
		return
	}

	resend := archived.Clone()
	resend.Seq = seq
	resend.Acks = m.Acks()
	if err := m.out.Multicast(resend); err != nil {
		log.Printf("rmcast: retransmission of seq %d failed: %v", seq, err)
		return
	}
	atomic.AddUint64(&m.stats.Retransmitted, 1)
}

// Acks returns a copy of the latest-delivered vector.
func (m *Multicast) Acks() map[identity.ID]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.latest)
}

// LatestDelivered returns the highest in-order sequence delivered from sender.
func (m *Multicast) LatestDelivered(sender identity.ID) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.latest[sender]
	return r, ok
}

// HeldBack returns the sequence numbers waiting in the hold-back queue for
// sender, ascending.
func (m *Multicast) HeldBack(sender identity.ID) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	seqs := make([]uint64, 0, len(m.holdback[sender]))
	for s := range m.holdback[sender] {
		seqs = append(seqs, s)
	}
	slices.Sort(seqs)
	return seqs
}

// LastSent returns the last sequence number this node assigned.
func (m *Multicast) LastSent() uint64 {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.seq
}

// Stats returns a snapshot of the protocol counters.
func (m *Multicast) Stats() Stats {
	return Stats{
		Sent:             atomic.LoadUint64(&m.stats.Sent),
		Delivered:        atomic.LoadUint64(&m.stats.Delivered),
		Duplicates:       atomic.LoadUint64(&m.stats.Duplicates),
		HeldBack:         atomic.LoadUint64(&m.stats.HeldBack),
		FastForwards:     atomic.LoadUint64(&m.stats.FastForwards),
		NegativeAcksSent: atomic.LoadUint64(&m.stats.NegativeAcksSent),
		Retransmitted:    atomic.LoadUint64(&m.stats.Retransmitted),
		Unanswerable:     atomic.LoadUint64(&m.stats.Unanswerable),
	}
}
