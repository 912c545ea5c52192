package finality

import (
	"time"

	"golang.org/x/exp/constraints"
)

// RoundData is everything the voter needs to participate in one round.
type RoundData[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	// PrevoteTimer fires when prevotes may be cast: round start + 2T where T
	// is the environment's gossip-time estimate.
	PrevoteTimer <-chan time.Time
	// PrecommitTimer fires when precommits may be cast: round start + 4T.
	PrecommitTimer <-chan time.Time
	// Voters maps each authority to its weight. Fixed for the round.
	Voters map[ID]uint64
	// Incoming delivers signed votes for this round. The environment must
	// only deliver messages whose targets are known blocks and whose
	// signatures have been verified.
	Incoming <-chan SignedMessage[H, N, Sig, ID]
	// Outgoing receives the unsigned votes this node wants to cast. The
	// environment decides whether to sign and multicast them, and loops any
	// signed copy back through Incoming.
	Outgoing chan<- Message[H, N]
}

// IncomingCommit is a commit received from the network for a given round.
type IncomingCommit[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	RoundNumber uint64
	Commit      CompactCommit[H, N, Sig, ID]
}

// OutgoingCommit is a commit this node broadcasts for a given round.
type OutgoingCommit[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	RoundNumber uint64
	Commit      Commit[H, N, Sig, ID]
}

// Environment supplies the voter with everything outside the finality core:
// chain ancestry, per-round timers and vote streams, the commit channels,
// voter sets, and durable checkpoints. All channels remain open for the
// lifetime of the voter; closing an incoming channel is treated as a fatal
// stream error.
type Environment[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] interface {
	Chain[H, N]

	// RoundData produces the data necessary to start the given round.
	RoundData(round uint64) RoundData[H, N, Sig, ID]

	// CommitterData produces the input and output channels of the commit
	// protocol. The environment validates signatures on incoming commits.
	CommitterData() (<-chan IncomingCommit[H, N, Sig, ID], chan<- OutgoingCommit[H, N, Sig, ID])

	// RoundCommitTimer returns a timer delaying the broadcast of a commit.
	// The delay should be randomized (e.g. uniform on [0, 1] seconds) so
	// that not every voter re-broadcasts the same finalization.
	RoundCommitTimer() <-chan time.Time

	// Voters returns the authority set and weights for the given round.
	Voters(round uint64) map[ID]uint64

	// Completed records that a round was voted in and is no longer current.
	// Implementations are expected to persist the state; an error is fatal
	// to the voter.
	Completed(round uint64, state RoundState[H, N]) error

	// FinalizeBlock marks a block as irreversible. May be called more than
	// once with the same block; an error is fatal to the voter.
	FinalizeBlock(hash H, number N) error

	// PrevoteEquivocation reports a double prevote. Informational.
	PrevoteEquivocation(round uint64, equivocation Equivocation[ID, Prevote[H, N], Sig])

	// PrecommitEquivocation reports a double precommit. Informational.
	PrecommitEquivocation(round uint64, equivocation Equivocation[ID, Precommit[H, N], Sig])
}
