// Package identity defines participant identities and the total order used to
// break ties between them during leader election.
//
// Identities are time-based UUIDs (version 1). Their creation timestamp is the
// primary ordering key: a participant created earlier outranks one created
// later. When two timestamps are exactly equal the canonical string form is
// compared and the lexicographically smaller identity wins.
//
// The order is deliberately not a plain byte comparison of the UUIDs. Version 1
// UUIDs store the low bits of the timestamp first, so byte order and creation
// order disagree.
package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID is an opaque participant identity in canonical UUID text form.
type ID string

// None is the zero identity. It never outranks anything.
const None ID = ""

// New generates a fresh time-based identity.
func New() (ID, error) {
	u, err := uuid.NewUUID()
	if err != nil {
		return None, fmt.Errorf("generate identity: %w", err)
	}
	return ID(u.String()), nil
}

// MustNew is New for process start-up paths where failing to read the clock
// or a node address leaves nothing sensible to do.
func MustNew() ID {
	id, err := New()
	if err != nil {
		panic(err)
	}
	return id
}

// Parse validates s as a UUID and returns it in canonical form.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return None, fmt.Errorf("parse identity %q: %w", s, err)
	}
	return ID(u.String()), nil
}

// String implements fmt.Stringer.
func (id ID) String() string { return string(id) }

// Short returns the first eight characters, enough to tell peers apart in logs.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Timestamp returns the 60-bit creation time embedded in the identity, in
// 100ns intervals since 15 Oct 1582. Identities that do not parse as UUIDs
// report zero, which keeps the order total.
func (id ID) Timestamp() uuid.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return 0
	}
	return u.Time()
}

// Created returns the embedded creation time as wall-clock time.
func (id ID) Created() time.Time {
	sec, nsec := id.Timestamp().UnixTime()
	return time.Unix(sec, nsec)
}

// Compare orders identities by rank. It returns a negative number when a
// outranks b, zero when they are the same identity and a positive number when
// b outranks a.
func Compare(a, b ID) int {
	ta, tb := a.Timestamp(), b.Timestamp()
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Outranks reports whether a beats b in an election. An identity never
// outranks itself.
func Outranks(a, b ID) bool {
	return Compare(a, b) < 0
}

// LosesTo reports whether other would lose an election against self. It is
// the exact complement of "other outranks self or is self".
func LosesTo(other, self ID) bool {
	return Outranks(self, other)
}
