package rmcast

import (
	"sync"

	"github.com/Jokel64/droneworks/internal/message"
)

// DefaultRetention is the number of sent messages kept for retransmission.
const DefaultRetention = 4096

// SentLog archives multicast messages this node sent, keyed by sequence
// number, so negative acknowledgments can be answered.
//
// Implementations must be safe for concurrent use.
type SentLog interface {
	// Put archives env under seq. Sequence numbers are strictly increasing.
	Put(seq uint64, env *message.Envelope)

	// Get returns the archived message for seq.
	Get(seq uint64) (*message.Envelope, bool)

	// Len returns the number of archived messages.
	Len() int
}

// MemoryLog is an in-memory SentLog with an optional retention window.
type MemoryLog struct {
	entries   map[uint64]*message.Envelope // Archived messages by sequence
	oldest    uint64                       // Lowest sequence possibly still present
	retention int                          // Maximum entries kept, 0 for no bound
	mu        sync.RWMutex                 // Protects entries and oldest
}

// NewMemoryLog creates a log that keeps at most retention messages. A
// retention of zero keeps everything.
func NewMemoryLog(retention int) *MemoryLog {
	return &MemoryLog{
		entries:   make(map[uint64]*message.Envelope),
		retention: retention,
	}
}

// Put archives env and evicts the oldest entries beyond the retention window.
func (l *MemoryLog) Put(seq uint64, env *message.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) == 0 && l.oldest == 0 {
		l.oldest = seq
	}
	l.entries[seq] = env

	if l.retention <= 0 {
		return
	}
	for len(l.entries) > l.retention {
		delete(l.entries, l.oldest)
		l.oldest++
	}
}

// Get returns the archived message for seq.
func (l *MemoryLog) Get(seq uint64) (*message.Envelope, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	env, ok := l.entries[seq]
	return env, ok
}

// Len returns the number of archived messages.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
