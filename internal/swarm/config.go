package swarm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Jokel64/droneworks/internal/election"
	"github.com/Jokel64/droneworks/internal/identity"
	"github.com/Jokel64/droneworks/internal/peers"
	"github.com/Jokel64/droneworks/internal/rmcast"
	"github.com/Jokel64/droneworks/internal/transport"
)

// DefaultHeartbeatInterval is how often a node announces itself.
const DefaultHeartbeatInterval = time.Second

// DefaultControlInterval is how often the supervisor checks leadership.
const DefaultControlInterval = 100 * time.Millisecond

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("invalid swarm configuration")

// Config holds the settings of one swarm node.
type Config struct {
	// ID is this node's identity. Empty generates a fresh one.
	ID identity.ID

	// Label is the human-readable name advertised to peers. Empty derives one
	// from the host name and the identity.
	Label string

	// Network settings, used by Open to build the UDP transport.
	GroupAddr   string
	GroupPort   int
	UnicastPort int
	BindIP      string
	Interface   string

	// Timing. HeartbeatInterval must be strictly less than OfflineTimeout.
	HeartbeatInterval time.Duration
	OfflineTimeout    time.Duration
	VotingTimeout     time.Duration
	ControlInterval   time.Duration

	// Reliable multicast tuning.
	Retention int
	Window    int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		GroupAddr:         transport.DefaultGroupAddr,
		GroupPort:         transport.DefaultGroupPort,
		UnicastPort:       transport.DefaultUnicastPort,
		HeartbeatInterval: DefaultHeartbeatInterval,
		OfflineTimeout:    peers.DefaultOfflineTimeout,
		VotingTimeout:     election.DefaultVotingTimeout,
		ControlInterval:   DefaultControlInterval,
		Retention:         rmcast.DefaultRetention,
		Window:            rmcast.DefaultWindow,
	}
}

// Validate checks the configuration for values the node cannot run with.
func (c Config) Validate() error {
	var errs []error
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"heartbeat interval", c.HeartbeatInterval},
		{"offline timeout", c.OfflineTimeout},
		{"voting timeout", c.VotingTimeout},
		{"control interval", c.ControlInterval},
	}
	for _, v := range durations {
		if v.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", v.name, v.d))
		}
	}
	if c.HeartbeatInterval >= c.OfflineTimeout {
		errs = append(errs, fmt.Errorf("heartbeat interval %v must be less than offline timeout %v", c.HeartbeatInterval, c.OfflineTimeout))
	}
	if c.GroupPort < 0 || c.GroupPort > 65535 {
		errs = append(errs, fmt.Errorf("group port %d out of range", c.GroupPort))
	}
	if c.UnicastPort < 0 || c.UnicastPort > 65535 {
		errs = append(errs, fmt.Errorf("unicast port %d out of range", c.UnicastPort))
	}
	if c.Window < 0 {
		errs = append(errs, fmt.Errorf("window %d must not be negative", c.Window))
	}
	if c.ID != identity.None {
		if _, err := identity.Parse(c.ID.String()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// defaultLabel builds a readable name such as "hostname-1a2b3c4d".
func defaultLabel(id identity.ID) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "drone"
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	return host + "-" + id.Short()
}
