// Package swarm wires transport, peer tracking, reliable multicast and leader
// election into a single coordination node.
//
// A Node runs four kinds of goroutines: the transport's two receive loops, a
// heartbeat loop, a leadership supervisor and at most one election round at
// a time. Applications register handlers for delivered messages and ask the
// node who leads the swarm.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Jokel64/droneworks/internal/election"
	"github.com/Jokel64/droneworks/internal/events"
	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/message"
	"github.com/Jokel64/droneworks/internal/peers"
	"github.com/Jokel64/droneworks/internal/rmcast"
	"github.com/Jokel64/droneworks/internal/transport"
)

// ErrAlreadyStarted is returned by Start on a running node.
var ErrAlreadyStarted = errors.New("node already started")

// MessageHandler receives application-level messages.
type MessageHandler func(env *message.Envelope)

// PayloadFunc supplies the body of the next heartbeat.
type PayloadFunc func() (any, error)

// Placeholder heartbeat bodies.
const (
	payloadUnspecified = "not specified"
	payloadFailed      = "error at payload function"
)

// Node is one member of the swarm.
// Thread-safe: All methods are safe for concurrent access.
type Node struct {
	cfg   Config
	id    identity.ID
	label string

	tr    transport.Transport
	dir   *peers.Directory
	rm    *rmcast.Multicast
	elect *election.Bully
	bus   *events.Bus

	onMessage atomic.Pointer[MessageHandler]
	onUnicast atomic.Pointer[MessageHandler]
	payload   atomic.Pointer[PayloadFunc]

	roundActive atomic.Bool // Set while the supervisor's round goroutine runs
	rounds      sync.WaitGroup

	staleMu       sync.Mutex
	reportedStale identity.ID // Last leader reported offline

	started   atomic.Bool
	startedAt atomic.Int64 // Unix nanoseconds of Start
	cancel    context.CancelFunc
	group     *errgroup.Group
	stopOnce  sync.Once
	stopErr   error
}

// New assembles a node on top of tr. The node takes ownership of tr and
// closes it on Stop.
//
// Returns an error wrapping ErrInvalidConfig when cfg fails validation.
//
// Example:
//
//	n, err := swarm.New(swarm.DefaultConfig(), tr)
//	if err != nil {
//	    return err
//	}
//	n.OnMessage(func(env *message.Envelope) { ... })
//	err = n.Start(ctx)
func New(cfg Config, tr transport.Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	id := cfg.ID
	if id == identity.None {
		var err error
		if id, err = identity.New(); err != nil {
			return nil, err
		}
	}
	label := cfg.Label
	if label == "" {
		label = defaultLabel(id)
	}

	n := &Node{
		cfg:   cfg,
		id:    id,
		label: label,
		tr:    tr,
		dir:   peers.NewDirectory(cfg.OfflineTimeout),
		bus:   events.NewBus(),
	}
	out := &outbox{n: n}
	n.rm = rmcast.New(out, rmcast.Config{Window: cfg.Window, Retention: cfg.Retention})
	n.rm.SetDeliverFunc(n.deliver)
	n.elect = election.New(id, out, n.dir, n.bus, cfg.VotingTimeout)
	return n, nil
}

// Open builds the UDP transport described by cfg and a node on top of it.
func Open(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tr, err := transport.NewUDP(transport.UDPConfig{
		GroupAddr:   cfg.GroupAddr,
		GroupPort:   cfg.GroupPort,
		BindIP:      cfg.BindIP,
		UnicastPort: cfg.UnicastPort,
		Interface:   cfg.Interface,
		OnConnectionLost: func(err error) {
			log.Printf("swarm: multicast connection lost, rejoined group: %v", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}
	n, err := New(cfg, tr)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	return n, nil
}

// Start begins receiving and launches the heartbeat and supervisor loops.
// The loops stop when ctx is cancelled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	n.startedAt.Store(time.Now().UnixNano())

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.tr.Start(n.dispatch); err != nil {
		cancel()
		return fmt.Errorf("start transport: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.heartbeatLoop(gctx) })
	g.Go(func() error { return n.supervisorLoop(gctx) })
	n.group = g

	ip, port := n.tr.Addr()
	log.Printf("swarm: node [%s] %q started at %s:%d", n.id.Short(), n.label, ip, port)
	return nil
}

// Stop cancels all loops, waits for a running election round to return and
// closes the transport. Calling Stop more than once is safe.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		var err error
		if n.started.Load() && n.group != nil {
			n.cancel()
			err = n.group.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			n.rounds.Wait()
		}
		n.stopErr = errors.Join(err, n.tr.Close())
		log.Printf("swarm: node [%s] stopped", n.id.Short())
	})
	return n.stopErr
}

// dispatch is the transport handler for both channels.
func (n *Node) dispatch(env *message.Envelope, ch transport.Channel) {
	if env.Header.Sender == n.id {
		return
	}
	n.dir.Observe(env.Header)

	if ch == transport.Multicast {
		n.rm.Receive(env)
		return
	}

	switch env.Header.Kind {
	case message.KindAnswer:
		n.elect.HandleAnswer(env)
	case message.KindElection:
		n.elect.HandleElection(env)
	case message.KindCoordinator:
		n.elect.HandleCoordinator(env)
	case message.KindNegativeAck:
		n.rm.HandleNegativeAck(env)
	default:
		n.callHandler(&n.onUnicast, env, "unicast")
	}
}

// deliver receives multicast messages in FIFO order from rmcast.
func (n *Node) deliver(env *message.Envelope) {
	switch env.Header.Kind {
	case message.KindElection:
		n.elect.HandleElection(env)
	case message.KindCoordinator:
		n.elect.HandleCoordinator(env)
	case message.KindAnswer, message.KindNegativeAck:
		log.Printf("swarm: %s from [%s] sent to the group instead of unicast", env.Header.Kind, env.Header.Sender.Short())
	default:
		n.callHandler(&n.onMessage, env, "multicast")
	}
}

func (n *Node) callHandler(p *atomic.Pointer[MessageHandler], env *message.Envelope, what string) {
	h := p.Load()
	if h == nil || *h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("swarm: %s message handler failed: %v", what, r)
		}
	}()
	(*h)(env)
}

func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		n.sendHeartbeat()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) sendHeartbeat() {
	env, err := message.NewHeartbeat(n.heartbeatPayload())
	if err != nil {
		log.Printf("swarm: heartbeat payload not encodable: %v", err)
		env, _ = message.NewHeartbeat(payloadFailed)
	}
	if err := n.rm.Send(env); err != nil {
		log.Printf("swarm: heartbeat: %v", err)
	}
}

// heartbeatPayload calls the payload function and substitutes a placeholder
// when it fails.
func (n *Node) heartbeatPayload() (body any) {
	fn := n.payload.Load()
	if fn == nil || *fn == nil {
		return payloadUnspecified
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("swarm: heartbeat payload function failed: %v", r)
			body = payloadFailed
		}
	}()
	body, err := (*fn)()
	if err != nil {
		log.Printf("swarm: heartbeat payload function failed: %v", err)
		return payloadFailed
	}
	return body
}

func (n *Node) supervisorLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.ControlInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.supervise(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// supervise starts an election round when no valid leader is known.
func (n *Node) supervise(ctx context.Context) {
	if n.roundActive.Load() || n.elect.InProgress() {
		return
	}

	var reason string
	leader := n.elect.Leader()
	switch {
	case leader == identity.None:
		reason = "no leader known"
	case leader != n.id && !n.dir.IsOnline(leader):
		reason = "leader offline"
		n.reportStale(leader)
	case n.elect.ElectionNecessary():
		reason = "election requested"
	default:
		return
	}

	if !n.roundActive.CompareAndSwap(false, true) {
		return
	}
	log.Printf("swarm: %s, starting leader election", reason)
	n.rounds.Add(1)
	go func() {
		defer n.rounds.Done()
		defer n.roundActive.Store(false)
		if _, err := n.elect.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("swarm: election round: %v", err)
		}
	}()
}

// reportStale emits NoValidLeader once per leader that went offline.
func (n *Node) reportStale(leader identity.ID) {
	n.staleMu.Lock()
	if n.reportedStale == leader {
		n.staleMu.Unlock()
		return
	}
	n.reportedStale = leader
	n.staleMu.Unlock()

	log.Printf("swarm: leader [%s] is offline", leader.Short())
	n.bus.Emit(events.Event{Kind: events.NoValidLeader, Self: n.id, Previous: leader})
}

// OnMessage registers the handler for heartbeats and application multicasts,
// delivered in per-sender FIFO order. It runs on the receive path.
func (n *Node) OnMessage(h MessageHandler) {
	n.onMessage.Store(&h)
}

// OnUnicast registers the handler for application unicast messages.
func (n *Node) OnUnicast(h MessageHandler) {
	n.onUnicast.Store(&h)
}

// SetHeartbeatPayload registers the function that supplies heartbeat bodies.
// It is called once per heartbeat; errors and panics are replaced with a
// placeholder body.
func (n *Node) SetHeartbeatPayload(fn PayloadFunc) {
	n.payload.Store(&fn)
}

// SendMulticast sends an application message to the whole swarm with
// reliable FIFO delivery.
func (n *Node) SendMulticast(body any, extra map[string]string) error {
	env, err := message.NewApplication(body, extra)
	if err != nil {
		return err
	}
	return n.rm.Send(env)
}

// SendUnicast sends an application message to one address. Delivery is best
// effort.
func (n *Node) SendUnicast(ip string, port int, body any, extra map[string]string) error {
	env, err := message.NewApplication(body, extra)
	if err != nil {
		return err
	}
	return (&outbox{n: n}).Unicast(ip, port, env)
}

// Leader returns the current leader and whether one is known.
func (n *Node) Leader() (identity.ID, bool) {
	leader := n.elect.Leader()
	return leader, leader != identity.None
}

// IsLeader reports whether id is the current leader.
func (n *Node) IsLeader(id identity.ID) bool {
	return n.elect.IsLeader(id)
}

// LeaderPeer returns the directory entry of the current leader. When this
// node leads, an entry describing itself is returned.
func (n *Node) LeaderPeer() (peers.Peer, bool) {
	leader, ok := n.Leader()
	if !ok {
		return peers.Peer{}, false
	}
	if leader == n.id {
		ip, port := n.tr.Addr()
		return peers.Peer{ID: n.id, Addr: ip, Port: port, Label: n.label, LastAlive: time.Now()}, true
	}
	return n.dir.Get(leader)
}

// ID returns this node's identity.
func (n *Node) ID() identity.ID { return n.id }

// Label returns this node's readable name.
func (n *Node) Label() string { return n.label }

// Addr returns the advertised unicast address.
func (n *Node) Addr() (string, int) { return n.tr.Addr() }

// Peers returns every peer heard from, online or not, highest rank first.
func (n *Node) Peers() []peers.Peer { return n.dir.All() }

// IsOnline reports whether the peer is currently considered online.
func (n *Node) IsOnline(id identity.ID) bool { return n.dir.IsOnline(id) }

// Events returns the node's event bus.
func (n *Node) Events() *events.Bus { return n.bus }

// Subscribe registers h for leadership events of the given kind.
func (n *Node) Subscribe(kind events.Kind, h events.Handler) {
	n.bus.Subscribe(kind, h)
}

// ElectionState returns the node's election state.
func (n *Node) ElectionState() election.State { return n.elect.State() }

// outbox stamps outgoing messages with this node's identity and label. It is
// the sender for both rmcast and election.
type outbox struct {
	n *Node
}

func (o *outbox) stamp(env *message.Envelope) {
	env.Header.Sender = o.n.id
	env.Header.Label = o.n.label
}

func (o *outbox) Multicast(env *message.Envelope) error {
	o.stamp(env)
	return o.n.tr.Multicast(env)
}

func (o *outbox) Unicast(ip string, port int, env *message.Envelope) error {
	o.stamp(env)
	if err := o.n.tr.Unicast(ip, port, env); err != nil {
		return fmt.Errorf("unicast %s to %s:%d: %w", env.Header.Kind, ip, port, err)
	}
	return nil
}

func (o *outbox) Broadcast(env *message.Envelope) error {
	return o.n.rm.Send(env)
}
