package swarm

import (
	"time"

	"github.com/Jokel64/droneworks/internal/election"
	"github.com/Jokel64/droneworks/internal/rmcast"
)

// PeerInfo is the diagnostic view of one peer.
type PeerInfo struct {
	ID         string  `json:"id"`
	Label      string  `json:"label,omitempty"`
	Addr       string  `json:"addr"`
	Port       int     `json:"port"`
	Online     bool    `json:"online"`
	Leader     bool    `json:"leader"`
	LastSeen   float64 `json:"last_seen_s"`
	Heartbeats uint64  `json:"heartbeats"`
}

// Snapshot is a point-in-time view of a node for operators.
type Snapshot struct {
	ID        string         `json:"id"`
	Label     string         `json:"label"`
	Addr      string         `json:"addr"`
	Port      int            `json:"port"`
	Leader    string         `json:"leader,omitempty"`
	IsLeader  bool           `json:"is_leader"`
	State     string         `json:"state"`
	Uptime    float64        `json:"uptime_s"`
	Peers     []PeerInfo     `json:"peers"`
	Multicast rmcast.Stats   `json:"multicast"`
	Election  election.Stats `json:"election"`
}

// Snapshot collects the node's current state. Online flags are computed at
// call time.
func (n *Node) Snapshot() Snapshot {
	now := time.Now()
	ip, port := n.tr.Addr()
	leader, _ := n.Leader()

	s := Snapshot{
		ID:        n.id.String(),
		Label:     n.label,
		Addr:      ip,
		Port:      port,
		Leader:    leader.String(),
		IsLeader:  leader == n.id,
		State:     n.elect.State().String(),
		Multicast: n.rm.Stats(),
		Election:  n.elect.Stats(),
	}
	if started := n.startedAt.Load(); started != 0 {
		s.Uptime = now.Sub(time.Unix(0, started)).Seconds()
	}

	all := n.dir.All()
	s.Peers = make([]PeerInfo, 0, len(all))
	for _, p := range all {
		s.Peers = append(s.Peers, PeerInfo{
			ID:         p.ID.String(),
			Label:      p.Label,
			Addr:       p.Addr,
			Port:       p.Port,
			Online:     p.OnlineAt(now, n.dir.OfflineTimeout()),
			Leader:     p.ID == leader,
			LastSeen:   now.Sub(p.LastAlive).Seconds(),
			Heartbeats: p.HeartbeatsReceived,
		})
	}
	return s
}
