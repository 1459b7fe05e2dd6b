package election

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jokel64/droneworks/internal/events"
	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/message"
	"github.com/Jokel64/droneworks/internal/peers"
)

// DefaultVotingTimeout is how long a round waits for answers.
const DefaultVotingTimeout = 2 * time.Second

// ErrRoundInProgress is returned by Run when another round has not finished.
var ErrRoundInProgress = errors.New("election round already in progress")

// Outbox sends election control messages. Implementations stamp the sender
// identity; Broadcast goes through the reliable multicast layer.
type Outbox interface {
	Unicast(ip string, port int, env *message.Envelope) error
	Broadcast(env *message.Envelope) error
}

// PeerView lists the peers currently believed online.
type PeerView interface {
	Online() []peers.Peer
}

// State is the election state as seen by one node.
type State int

const (
	NoLeader State = iota
	InProgress
	Follower
	Leader
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case NoLeader:
		return "no_leader"
	case InProgress:
		return "election_in_progress"
	case Follower:
		return "follower"
	case Leader:
		return "leader"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the result of one round from the initiator's point of view.
type Outcome int

const (
	Won Outcome = iota + 1
	Lost
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Won:
		return "won"
	case Lost:
		return "lost"
	}
	return "none"
}

// Stats counts election activity since start.
type Stats struct {
	RoundsStarted            uint64 `json:"rounds_started"`
	RoundsWon                uint64 `json:"rounds_won"`
	RoundsLost               uint64 `json:"rounds_lost"`
	AnswersSent              uint64 `json:"answers_sent"`
	IllegitimateCoordinators uint64 `json:"illegitimate_coordinators"`
}

// Bully is the per-node election state machine.
// Thread-safe: All methods are safe for concurrent access.
type Bully struct {
	self          identity.ID
	out           Outbox
	view          PeerView
	bus           *events.Bus
	votingTimeout time.Duration

	running atomic.Bool // Set while a round is in flight

	mu             sync.Mutex  // Protects the fields below
	leader         identity.ID // Current believed leader, None if unknown
	necessary      bool        // A new round has been requested by protocol traffic
	receivedAnswer bool        // An ANSWER arrived during the current round

	stats struct {
		roundsStarted, roundsWon, roundsLost atomic.Uint64
		answersSent, illegitimate            atomic.Uint64
	}
}

// New creates the state machine for self.
//
// Parameters:
//   - self: This node's identity
//   - out: Sends ELECTION, ANSWER and COORDINATOR messages
//   - view: Source of online peers, usually a *peers.Directory
//   - bus: Receives leadership events; nil discards them
//   - votingTimeout: Wait per round (default 2s when <= 0)
func New(self identity.ID, out Outbox, view PeerView, bus *events.Bus, votingTimeout time.Duration) *Bully {
	if votingTimeout <= 0 {
		votingTimeout = DefaultVotingTimeout
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Bully{
		self:          self,
		out:           out,
		view:          view,
		bus:           bus,
		votingTimeout: votingTimeout,
	}
}

// Run executes one election round and blocks for its full duration. Only one
// round runs at a time; a concurrent call returns ErrRoundInProgress.
//
// Returns:
//   - Outcome: Won if this node declared itself leader, Lost otherwise
//   - error: ErrRoundInProgress, or ctx.Err() if cancelled mid-round
func (b *Bully) Run(ctx context.Context) (Outcome, error) {
	if !b.running.CompareAndSwap(false, true) {
		return 0, ErrRoundInProgress
	}
	defer b.running.Store(false)

	b.stats.roundsStarted.Add(1)

	b.mu.Lock()
	b.receivedAnswer = false
	b.necessary = false
	b.mu.Unlock()

	log.Printf("election: [%s] starting round", b.self.Short())
	b.sendElection()

	if err := b.wait(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	answered := b.receivedAnswer
	b.mu.Unlock()

	if answered {
		b.stats.roundsLost.Add(1)
		log.Printf("election: [%s] round completed as follower, waiting for coordinator", b.self.Short())
		if err := b.wait(ctx); err != nil {
			return Lost, err
		}
		return Lost, nil
	}

	b.stats.roundsWon.Add(1)
	b.becomeLeader()
	return Won, nil
}

func (b *Bully) wait(ctx context.Context) error {
	timer := time.NewTimer(b.votingTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendElection contacts every online peer that outranks this node.
func (b *Bully) sendElection() {
	sent := 0
	for _, p := range b.view.Online() {
		if p.ID == b.self || !identity.Outranks(p.ID, b.self) {
			continue
		}
		if err := b.out.Unicast(p.Addr, p.Port, message.NewControl(message.KindElection)); err != nil {
			log.Printf("election: sending election to [%s] failed: %v", p.ID.Short(), err)
			continue
		}
		sent++
		log.Printf("election: sent election message to %s:%d [%s]", p.Addr, p.Port, p.ID.Short())
	}
	if sent == 0 {
		log.Printf("election: [%s] no higher-ranked peer online", b.self.Short())
	}
}

func (b *Bully) becomeLeader() {
	b.mu.Lock()
	prev := b.leader
	b.leader = b.self
	b.mu.Unlock()

	log.Printf("election: [%s] round completed as leader", b.self.Short())
	if err := b.out.Broadcast(message.NewControl(message.KindCoordinator)); err != nil {
		log.Printf("election: coordinator broadcast failed: %v", err)
	}
	if prev != b.self {
		b.bus.Emit(events.Event{Kind: events.SelfElectedLeader, Self: b.self, Leader: b.self, Previous: prev})
	}
}

// HandleElection answers an ELECTION from a lower-ranked node. ELECTION from
// a node that outranks this one is not contested.
func (b *Bully) HandleElection(env *message.Envelope) {
	from := env.Header.Sender
	if from == b.self {
		return
	}
	if !identity.Outranks(b.self, from) {
		log.Printf("election: lost election to %s [%s]", env.Header.OriginIP, from.Short())
		return
	}

	if err := b.out.Unicast(env.Header.OriginIP, env.Header.OriginPort, message.NewControl(message.KindAnswer)); err != nil {
		log.Printf("election: answer to [%s] failed: %v", from.Short(), err)
	} else {
		b.stats.answersSent.Add(1)
	}

	if b.running.Load() {
		log.Printf("election: answered %s [%s], own round already running", env.Header.OriginIP, from.Short())
		return
	}
	b.mu.Lock()
	b.necessary = true
	b.mu.Unlock()
	log.Printf("election: answered %s [%s], new election necessary", env.Header.OriginIP, from.Short())
}

// HandleAnswer records an ANSWER for the running round. Outside a round it
// has no effect.
func (b *Bully) HandleAnswer(env *message.Envelope) {
	if !b.running.Load() {
		log.Printf("election: ignoring answer from [%s] outside a round", env.Header.Sender.Short())
		return
	}
	b.mu.Lock()
	b.receivedAnswer = true
	b.mu.Unlock()
	log.Printf("election: answer from %s [%s]", env.Header.OriginIP, env.Header.Sender.Short())
}

// HandleCoordinator processes a leadership announcement. Only a node that
// outranks this one is accepted.
func (b *Bully) HandleCoordinator(env *message.Envelope) {
	from := env.Header.Sender
	if from == b.self {
		return
	}

	if !identity.Outranks(from, b.self) {
		b.stats.illegitimate.Add(1)
		b.mu.Lock()
		b.necessary = true
		b.mu.Unlock()
		log.Printf("election: leader %s [%s] illegitimately announced", env.Header.OriginIP, from.Short())
		return
	}

	b.mu.Lock()
	prev := b.leader
	b.leader = from
	b.necessary = false
	b.mu.Unlock()

	log.Printf("election: accepting leader %s [%s]", env.Header.OriginIP, from.Short())
	if prev == b.self {
		b.bus.Emit(events.Event{Kind: events.LostLeadership, Self: b.self, Leader: from, Previous: prev})
	}
	if prev != from {
		b.bus.Emit(events.Event{Kind: events.NewLeader, Self: b.self, Leader: from, Previous: prev})
	}
}

// Leader returns the believed leader, or identity.None.
func (b *Bully) Leader() identity.ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leader
}

// IsLeader reports whether id is the believed leader.
func (b *Bully) IsLeader(id identity.ID) bool {
	return id != identity.None && b.Leader() == id
}

// ElectionNecessary reports whether protocol traffic requested a new round.
func (b *Bully) ElectionNecessary() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.necessary
}

// InProgress reports whether a round is running.
func (b *Bully) InProgress() bool {
	return b.running.Load()
}

// State summarises the node's election state.
func (b *Bully) State() State {
	if b.running.Load() {
		return InProgress
	}
	switch leader := b.Leader(); leader {
	case identity.None:
		return NoLeader
	case b.self:
		return Leader
	default:
		return Follower
	}
}

// Self returns the identity this state machine runs for.
func (b *Bully) Self() identity.ID {
	return b.self
}

// Stats returns a snapshot of the election counters.
func (b *Bully) Stats() Stats {
	return Stats{
		RoundsStarted:            b.stats.roundsStarted.Load(),
		RoundsWon:                b.stats.roundsWon.Load(),
		RoundsLost:               b.stats.roundsLost.Load(),
		AnswersSent:              b.stats.answersSent.Load(),
		IllegitimateCoordinators: b.stats.illegitimate.Load(),
	}
}
