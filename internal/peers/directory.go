// Package peers tracks the members of the swarm this node has heard from.
package peers

import (
	"log"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/message"
)

// DefaultOfflineTimeout is how long a peer may stay silent before it is
// considered offline.
const DefaultOfflineTimeout = 3 * time.Second

// Peer is a snapshot of what is known about one member of the swarm.
// Snapshots are copies; mutating one does not affect the directory.
type Peer struct {
	LastAlive          time.Time   // Time the last message from this peer was observed
	ID                 identity.ID // Unique identity of the peer
	Addr               string      // Last known origin address
	Label              string      // Human-readable name advertised by the peer
	Port               int         // Advertised unicast port
	HeartbeatsReceived uint64      // Number of heartbeats observed
}

// OnlineAt reports whether the peer was heard from within timeout of now.
func (p Peer) OnlineAt(now time.Time, timeout time.Duration) bool {
	return now.Sub(p.LastAlive) < timeout
}

// Directory maps peer identities to their last known address and liveness.
// Peers are never removed: a silent peer stays listed for diagnostics and is
// classified offline on every query.
// Thread-safe: All methods are safe for concurrent access.
type Directory struct {
	peers          map[identity.ID]*Peer // Known peers by identity
	now            func() time.Time      // Clock, replaceable in tests
	offlineTimeout time.Duration         // Silence after which a peer is offline
	mu             sync.RWMutex          // Protects peers
}

// NewDirectory creates an empty directory.
//
// Parameters:
//   - offlineTimeout: Silence after which a peer is offline (default 3s when <= 0)
//
// Example:
//
//	dir := NewDirectory(3 * time.Second)
//	dir.Observe(env.Header)
//	if dir.IsOnline(leader) {
//	    // leader is alive
//	}
func NewDirectory(offlineTimeout time.Duration) *Directory {
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	return &Directory{
		peers:          make(map[identity.ID]*Peer),
		now:            time.Now,
		offlineTimeout: offlineTimeout,
	}
}

// SetClock replaces the time source. Intended for tests.
func (d *Directory) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// OfflineTimeout returns the configured offline timeout.
func (d *Directory) OfflineTimeout() time.Duration {
	return d.offlineTimeout
}

// Observe records that a message with header h was received.
//
// Behavior:
//   - Unknown sender: a new entry is created and the discovery is logged
//   - Known sender: liveness is refreshed and a changed address or port is migrated
//   - Heartbeat counter grows only when h is a heartbeat
//
// Returns:
//   - bool: true if the sender was not known before
func (d *Directory) Observe(h message.Header) bool {
	if h.Sender == identity.None {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	p, exists := d.peers[h.Sender]
	if !exists {
		p = &Peer{
			ID:    h.Sender,
			Addr:  h.OriginIP,
			Port:  h.OriginPort,
			Label: h.Label,
		}
		d.peers[h.Sender] = p
		log.Printf("peers: found new peer [%s] %q at %s:%d", h.Sender.Short(), h.Label, h.OriginIP, h.OriginPort)
	} else {
		if h.OriginIP != "" && p.Addr != h.OriginIP {
			log.Printf("peers: address of [%s] changed from %s to %s", h.Sender.Short(), p.Addr, h.OriginIP)
			p.Addr = h.OriginIP
		}
		if h.OriginPort != 0 && p.Port != h.OriginPort {
			p.Port = h.OriginPort
		}
		if h.Label != "" {
			p.Label = h.Label
		}
	}

	p.LastAlive = now
	if h.Kind == message.KindHeartbeat {
		p.HeartbeatsReceived++
	}
	return !exists
}

// IsOnline reports whether the peer has been heard from within the offline
// timeout. Unknown peers are offline.
func (d *Directory) IsOnline(id identity.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, exists := d.peers[id]
	if !exists {
		return false
	}
	return p.OnlineAt(d.now(), d.offlineTimeout)
}

// Get returns a snapshot of the peer, or false if it was never observed.
func (d *Directory) Get(id identity.ID) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p, exists := d.peers[id]
	if !exists {
		return Peer{}, false
	}
	return *p, true
}

// All returns snapshots of every known peer ordered by election rank,
// highest first.
func (d *Directory) All() []Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Peer) int {
		return identity.Compare(a.ID, b.ID)
	})
	return out
}

// Online returns the peers currently considered online, ordered by rank.
func (d *Directory) Online() []Peer {
	all := d.All()

	d.mu.RLock()
	now := d.now()
	d.mu.RUnlock()

	return slices.DeleteFunc(all, func(p Peer) bool {
		return !p.OnlineAt(now, d.offlineTimeout)
	})
}

// Len returns the number of known peers, online or not.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
