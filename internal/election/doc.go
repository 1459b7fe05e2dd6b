// Package election implements a Bully variant for choosing a single swarm
// leader.
//
// Ranks come from identity.Compare: a node created earlier outranks one
// created later. A round works as follows:
//
//  1. The initiator sends ELECTION by unicast to every online peer that
//     outranks it.
//  2. It waits one full voting timeout.
//  3. Without an ANSWER it declares itself leader and broadcasts COORDINATOR
//     through the reliable multicast layer. With an ANSWER it waits one more
//     voting timeout for the winner's announcement.
//
// A node receiving ELECTION from a lower-ranked peer replies with ANSWER and,
// unless it is already running a round, flags that a round of its own is
// needed. COORDINATOR announcements from peers that do not outrank the
// receiver are rejected and also flag a new round.
//
// Bully does not start rounds on its own. The swarm supervisor decides when
// one is needed and calls Run.
package election
