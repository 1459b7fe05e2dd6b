// Package rmcast provides reliable FIFO multicast on top of an unreliable
// group transport.
//
// # Overview
//
// Each sender numbers its multicast messages 1, 2, 3, ... and archives every
// message it sends. Each receiver remembers, per sender, the highest sequence
// number it has delivered in order (R). Acknowledgments are never sent for
// individual messages; instead a receiver pulls what it is missing with a
// negative acknowledgment (NACK) once a gap becomes visible. Overhead stays
// O(peers) per message rather than O(peers²).
//
// # Receive rules
//
// For a message with sequence s from sender p, and R = latest delivered from p:
//
//	s <= R        duplicate, dropped
//	s == R+1      delivered, R advances, contiguous held messages follow
//	s >  R+1      held back, NACK for R+1 unicast to p
//	s >  R+window fast-forward: R := s-window before holding back
//
// The fast-forward bounds recovery under sustained loss. Held messages at or
// below the new R are delivered in order first; only sequence numbers that
// never arrived are skipped. With the default window of 3 the two messages
// directly before s remain recoverable.
//
// The first message ever seen from a sender initialises R to s-1, so a member
// that joins late starts with whatever it hears first and never requests
// history from before it joined. A first message with sequence 1 sets R to 1
// and is treated as already delivered.
//
// # Retransmission
//
// A NACK for sequence s is answered from the sent log: the archived message is
// re-stamped with the current acknowledgment vector and multicast to the whole
// group, so every receiver missing it benefits from one retransmission. A NACK
// for a sequence that was evicted from the log is ignored; the requester
// recovers through the fast-forward rule.
//
// # Concurrency
//
// Receive processing is serialised, so deliveries from one sender always reach
// the application in sequence order. Sequence state and the hold-back queue are
// guarded by a mutex that is never held while the delivery callback runs or
// while a datagram is being sent.
package rmcast
