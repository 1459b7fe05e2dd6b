package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/Jokel64/droneworks/internal/message"
)

// Defaults for the group and unicast sockets.
const (
	DefaultGroupAddr   = "224.1.1.1"
	DefaultGroupPort   = 5007
	DefaultUnicastPort = 5008
	DefaultPortSearch  = 100
	DefaultTTL         = 2
)

// UDPConfig configures a UDP transport.
type UDPConfig struct {
	// GroupAddr and GroupPort name the multicast group all members join.
	GroupAddr string
	GroupPort int

	// BindIP is the local address the unicast socket binds to and the address
	// advertised in every header. Empty selects the address of the interface
	// that routes to the group.
	BindIP string

	// UnicastPort is the first port tried for the unicast socket. When it is
	// busy the next PortSearch ports are probed.
	UnicastPort int
	PortSearch  int

	// Interface optionally names the interface used for the group.
	Interface string

	// TTL is the multicast time-to-live.
	TTL int

	// OnConnectionLost is called after a failed group send, once the group
	// socket has been re-created and membership re-joined.
	OnConnectionLost func(err error)
}

func (c *UDPConfig) setDefaults() {
	if c.GroupAddr == "" {
		c.GroupAddr = DefaultGroupAddr
	}
	if c.GroupPort == 0 {
		c.GroupPort = DefaultGroupPort
	}
	if c.UnicastPort == 0 {
		c.UnicastPort = DefaultUnicastPort
	}
	if c.PortSearch == 0 {
		c.PortSearch = DefaultPortSearch
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
}

// UDP is the production transport: IPv4 multicast for the group channel and a
// plain UDP socket for unicast.
type UDP struct {
	cfg   UDPConfig
	group *net.UDPAddr
	ifi   *net.Interface
	ip    string
	port  int

	// mu guards the group sockets, which are replaced on reset.
	mu        sync.Mutex
	groupRecv *ipv4.PacketConn
	groupSend *ipv4.PacketConn

	unicast *net.UDPConn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewUDP opens the group and unicast sockets and joins the group. Receiving
// does not begin until Start.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	cfg.setDefaults()

	groupIP := net.ParseIP(cfg.GroupAddr)
	if groupIP == nil || !groupIP.IsMulticast() {
		return nil, fmt.Errorf("group address %q is not a multicast address", cfg.GroupAddr)
	}

	t := &UDP{
		cfg:    cfg,
		group:  &net.UDPAddr{IP: groupIP, Port: cfg.GroupPort},
		closed: make(chan struct{}),
	}

	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface: %w", err)
		}
		t.ifi = ifi
	}

	t.ip = cfg.BindIP
	if t.ip == "" {
		t.ip = LocalIP(t.group)
	}

	uc, err := listenUnicast(t.ip, cfg.UnicastPort, cfg.PortSearch)
	if err != nil {
		return nil, err
	}
	t.unicast = uc
	t.port = uc.LocalAddr().(*net.UDPAddr).Port

	if err := t.openGroup(); err != nil {
		_ = uc.Close()
		return nil, err
	}

	log.Printf("transport: group %s, unicast %s", t.group, net.JoinHostPort(t.ip, strconv.Itoa(t.port)))
	return t, nil
}

// LocalIP returns the address of the interface that routes towards dst, or
// the loopback address when no route exists. No packet is sent.
func LocalIP(dst *net.UDPAddr) string {
	c, err := net.DialUDP("udp4", nil, dst)
	if err != nil {
		return "127.0.0.1"
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.String()
}

// listenUnicast binds the first free port in [start, start+search].
func listenUnicast(ip string, start, search int) (*net.UDPConn, error) {
	bind := net.ParseIP(ip)
	var lastErr error
	for p := start; p <= start+search && p <= 65535; p++ {
		c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bind, Port: p})
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free unicast port in [%d, %d]: %w", start, start+search, lastErr)
}

func (t *UDP) openGroup() error {
	lc := net.ListenConfig{Control: reuseControl}
	rc, err := lc.ListenPacket(context.Background(), "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(t.cfg.GroupPort)))
	if err != nil {
		return fmt.Errorf("listen group port %d: %w", t.cfg.GroupPort, err)
	}
	recv := ipv4.NewPacketConn(rc)
	if err := recv.JoinGroup(t.ifi, t.group); err != nil {
		_ = recv.Close()
		return fmt.Errorf("join group %s: %w", t.group, err)
	}

	send, err := t.newGroupSender()
	if err != nil {
		_ = recv.Close()
		return err
	}

	t.mu.Lock()
	t.groupRecv = recv
	t.groupSend = send
	t.mu.Unlock()
	return nil
}

func (t *UDP) newGroupSender() (*ipv4.PacketConn, error) {
	sc, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("open group sender: %w", err)
	}
	send := ipv4.NewPacketConn(sc)
	if err := send.SetMulticastTTL(t.cfg.TTL); err != nil {
		_ = send.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	// members on the same host must hear each other
	if err := send.SetMulticastLoopback(true); err != nil {
		_ = send.Close()
		return nil, fmt.Errorf("set multicast loopback: %w", err)
	}
	if t.ifi != nil {
		if err := send.SetMulticastInterface(t.ifi); err != nil {
			_ = send.Close()
			return nil, fmt.Errorf("set multicast interface: %w", err)
		}
	}
	return send, nil
}

// Start launches the receive loops.
func (t *UDP) Start(h Handler) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	recv := t.groupRecv
	t.mu.Unlock()

	t.wg.Add(2)
	go t.receiveLoop(groupReader{recv}, Multicast, h)
	go t.receiveLoop(t.unicast, Unicast, h)
	return nil
}

type packetReader interface {
	ReadFrom(b []byte) (int, net.Addr, error)
}

// groupReader adapts the ipv4 wrapper so both loops share one body.
type groupReader struct{ *ipv4.PacketConn }

func (g groupReader) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := g.PacketConn.ReadFrom(b)
	return n, src, err
}

func (t *UDP) receiveLoop(r packetReader, ch Channel, h Handler) {
	defer t.wg.Done()

	buf := make([]byte, message.MaxDatagramSize)
	for {
		n, src, err := r.ReadFrom(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				log.Printf("transport: %s socket closed, receive loop exiting", ch)
				return
			}
			log.Printf("transport: %s receive failed: %v", ch, err)
			continue
		}

		env, err := message.Decode(buf[:n])
		if err != nil {
			log.Printf("transport: dropping %s datagram from %s: %v", ch, src, err)
			continue
		}
		h(env, ch)
	}
}

// stamp fills the origin and destination on a copy of env.
func (t *UDP) stamp(env *message.Envelope, dst string) *message.Envelope {
	out := *env
	out.Header.OriginIP = t.ip
	out.Header.OriginPort = t.port
	out.Header.DestinationIP = dst
	return &out
}

// Multicast sends env to the group. On failure the group sockets are reset
// and membership re-joined before the error is returned.
func (t *UDP) Multicast(env *message.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	b, err := message.Encode(t.stamp(env, t.group.IP.String()))
	if err != nil {
		return err
	}

	t.mu.Lock()
	send := t.groupSend
	t.mu.Unlock()

	if _, err := send.WriteTo(b, nil, t.group); err != nil {
		log.Printf("transport: multicast send failed: %v, resetting group socket", err)
		t.resetGroup()
		if t.cfg.OnConnectionLost != nil {
			t.cfg.OnConnectionLost(err)
		}
		return fmt.Errorf("multicast send: %w", err)
	}
	return nil
}

// resetGroup replaces the group sender and re-joins the group on the
// receiving socket.
func (t *UDP) resetGroup() {
	send, err := t.newGroupSender()
	if err != nil {
		log.Printf("transport: recreate group sender: %v", err)
		return
	}

	t.mu.Lock()
	old := t.groupSend
	t.groupSend = send
	recv := t.groupRecv
	t.mu.Unlock()
	_ = old.Close()

	// leaving may fail if membership was already lost
	_ = recv.LeaveGroup(t.ifi, t.group)
	if err := recv.JoinGroup(t.ifi, t.group); err != nil {
		log.Printf("transport: rejoin group %s: %v", t.group, err)
	}
}

// Unicast sends env to ip:port.
func (t *UDP) Unicast(ip string, port int, env *message.Envelope) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	dst := net.ParseIP(ip)
	if dst == nil {
		return fmt.Errorf("unicast: invalid address %q", ip)
	}
	b, err := message.Encode(t.stamp(env, ip))
	if err != nil {
		return err
	}
	if _, err := t.unicast.WriteToUDP(b, &net.UDPAddr{IP: dst, Port: port}); err != nil {
		return fmt.Errorf("unicast to %s:%d: %w", ip, port, err)
	}
	return nil
}

// Addr returns the advertised address and unicast port.
func (t *UDP) Addr() (string, int) {
	return t.ip, t.port
}

// Close closes all sockets and waits for the receive loops to exit.
func (t *UDP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		err = errors.Join(t.groupRecv.Close(), t.groupSend.Close(), t.unicast.Close())
		t.mu.Unlock()
		t.wg.Wait()
	})
	return err
}
