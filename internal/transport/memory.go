package transport

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/Jokel64/droneworks/internal/message"
)

// DropFunc decides whether a datagram from src to dst is lost. Group sends
// consult it once per receiving member.
type DropFunc func(src, dst string, env *message.Envelope, ch Channel) bool

// MemNetwork is an in-process network for tests and simulations. Group sends
// reach every joined member, the sender included, as real multicast loopback
// does. Every delivery goes through the wire codec.
type MemNetwork struct {
	mu        sync.RWMutex
	members   map[string]*MemTransport
	nextPort  int
	drop      DropFunc
	queueSize int
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		members:   make(map[string]*MemTransport),
		nextPort:  DefaultUnicastPort,
		queueSize: 1024,
	}
}

// SetDropFunc installs a loss model. nil disables loss.
func (n *MemNetwork) SetDropFunc(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Join attaches a new member with the given address and a fresh port.
func (n *MemNetwork) Join(ip string) *MemTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	port := n.nextPort
	n.nextPort++

	t := &MemTransport{
		net:     n,
		ip:      ip,
		port:    port,
		group:   make(chan []byte, n.queueSize),
		unicast: make(chan []byte, n.queueSize),
		closed:  make(chan struct{}),
	}
	n.members[t.key()] = t
	return t
}

func (n *MemNetwork) leave(t *MemTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.members, t.key())
}

func (n *MemNetwork) dropped(src, dst string, env *message.Envelope, ch Channel) bool {
	n.mu.RLock()
	f := n.drop
	n.mu.RUnlock()
	return f != nil && f(src, dst, env, ch)
}

// MemTransport is one member of a MemNetwork.
type MemTransport struct {
	net  *MemNetwork
	ip   string
	port int

	group   chan []byte
	unicast chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func (t *MemTransport) key() string {
	return net.JoinHostPort(t.ip, strconv.Itoa(t.port))
}

// Start launches the two receive loops.
func (t *MemTransport) Start(h Handler) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.wg.Add(2)
	go t.receiveLoop(t.group, Multicast, h)
	go t.receiveLoop(t.unicast, Unicast, h)
	return nil
}

func (t *MemTransport) receiveLoop(in <-chan []byte, ch Channel, h Handler) {
	defer t.wg.Done()
	for {
		select {
		case <-t.closed:
			return
		case b := <-in:
			env, err := message.Decode(b)
			if err != nil {
				log.Printf("transport: dropping %s datagram: %v", ch, err)
				continue
			}
			h(env, ch)
		}
	}
}

func (t *MemTransport) encode(env *message.Envelope, dst string) ([]byte, error) {
	out := *env
	out.Header.OriginIP = t.ip
	out.Header.OriginPort = t.port
	out.Header.DestinationIP = dst
	return message.Encode(&out)
}

func (t *MemTransport) enqueue(q chan []byte, b []byte) {
	select {
	case q <- b:
	default:
		// a full socket buffer drops, like the kernel would
	}
}

// Multicast fans env out to every member, the sender included.
func (t *MemTransport) Multicast(env *message.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	b, err := t.encode(env, DefaultGroupAddr)
	if err != nil {
		return err
	}

	t.net.mu.RLock()
	targets := make([]*MemTransport, 0, len(t.net.members))
	for _, m := range t.net.members {
		targets = append(targets, m)
	}
	t.net.mu.RUnlock()

	for _, m := range targets {
		if t.net.dropped(t.key(), m.key(), env, Multicast) {
			continue
		}
		t.enqueue(m.group, b)
	}
	return nil
}

// Unicast delivers env to the member at ip:port. Unknown destinations are
// silently lost, as with UDP.
func (t *MemTransport) Unicast(ip string, port int, env *message.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	dst := net.JoinHostPort(ip, strconv.Itoa(port))
	b, err := t.encode(env, ip)
	if err != nil {
		return err
	}

	t.net.mu.RLock()
	m, ok := t.net.members[dst]
	t.net.mu.RUnlock()
	if !ok {
		return nil
	}
	if t.net.dropped(t.key(), dst, env, Unicast) {
		return nil
	}
	t.enqueue(m.unicast, b)
	return nil
}

// Addr returns the member's address and port.
func (t *MemTransport) Addr() (string, int) {
	return t.ip, t.port
}

// String implements fmt.Stringer.
func (t *MemTransport) String() string {
	return fmt.Sprintf("mem(%s)", t.key())
}

// Close detaches the member and stops its receive loops.
func (t *MemTransport) Close() error {
	t.closeOnce.Do(func() {
		t.net.leave(t)
		close(t.closed)
		t.wg.Wait()
	})
	return nil
}
