// Package events provides the leadership notification bus owned by a swarm
// node. Subscribers register per event kind and are invoked synchronously, in
// subscription order, whenever the node emits an event of that kind.
package events

import (
	"fmt"
	"log"
	"sync"

	"github.com/Jokel64/droneworks/internal/identity"
)

// Kind identifies a leadership change.
type Kind int

const (
	// SelfElectedLeader fires when this node wins an election round.
	SelfElectedLeader Kind = iota + 1
	// LostLeadership fires when this node was leader and accepts another.
	LostLeadership
	// NewLeader fires whenever a different node is accepted as leader.
	NewLeader
	// NoValidLeader fires when the known leader is found offline.
	NoValidLeader
)

var kindNames = map[Kind]string{
	SelfElectedLeader: "self_elected_leader",
	LostLeadership:    "lost_leadership",
	NewLeader:         "new_leader",
	NoValidLeader:     "no_valid_leader",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event describes a leadership change as seen by one node.
type Event struct {
	Kind     Kind
	Self     identity.ID // Node that emitted the event
	Leader   identity.ID // Leader after the change, None if unknown
	Previous identity.ID // Leader before the change, None if unknown
}

// Handler receives events.
type Handler interface {
	HandleEvent(ev Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev Event)

// HandleEvent calls f(ev).
func (f HandlerFunc) HandleEvent(ev Event) { f(ev) }

// Bus dispatches events to subscribers.
// Thread-safe: All methods are safe for concurrent access.
type Bus struct {
	handlers map[Kind][]Handler // Subscribers per kind, in subscription order
	mu       sync.RWMutex       // Protects handlers
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Kind][]Handler)}
}

// Subscribe registers h for kind. A handler may subscribe to several kinds.
//
// Example:
//
//	bus.Subscribe(events.SelfElectedLeader, events.HandlerFunc(func(ev events.Event) {
//	    log.Printf("now leading the swarm")
//	}))
func (b *Bus) Subscribe(kind Kind, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// Emit delivers ev to every subscriber of ev.Kind. A panicking subscriber is
// logged and skipped. Emit must not be called while holding a lock a handler
// might take.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Kind]...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h, ev)
	}
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: %s handler panicked: %v", ev.Kind, r)
		}
	}()
	h.HandleEvent(ev)
}

// Subscribers returns the number of handlers registered for kind.
func (b *Bus) Subscribers(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[kind])
}
