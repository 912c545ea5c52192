// Package finality defines the core types and external interfaces of a
// GHOST-based two-phase finality gadget for permissioned authority sets.
// Voting logic lives in the subpackages: votegraph holds the weighted vote
// DAG, round holds the per-round tally, and voter drives rounds to
// completion against an Environment supplied by the embedding node.
package finality

import (
	"golang.org/x/exp/constraints"
)

// HashNumber identifies a block as a hash paired with its height.
type HashNumber[H constraints.Ordered, N constraints.Unsigned] struct {
	Hash   H
	Number N
}

// Prevote is a first-phase vote for a block and all of its ancestors.
type Prevote[H constraints.Ordered, N constraints.Unsigned] struct {
	TargetHash   H
	TargetNumber N
}

// Precommit is a second-phase vote for a block and all of its ancestors.
type Precommit[H constraints.Ordered, N constraints.Unsigned] struct {
	TargetHash   H
	TargetNumber N
}

// MessageKind discriminates the vote variants carried by a Message.
type MessageKind int8

const (
	// MsgPrevote marks a message carrying a prevote.
	MsgPrevote MessageKind = iota
	// MsgPrecommit marks a message carrying a precommit.
	MsgPrecommit
)

func (k MessageKind) String() string {
	switch k {
	case MsgPrevote:
		return "prevote"
	case MsgPrecommit:
		return "precommit"
	default:
		return "unknown"
	}
}

// Message is a tagged vote variant cast in a round.
type Message[H constraints.Ordered, N constraints.Unsigned] struct {
	Kind         MessageKind
	TargetHash   H
	TargetNumber N
}

// NewPrevoteMessage wraps a prevote as a message.
func NewPrevoteMessage[H constraints.Ordered, N constraints.Unsigned](v Prevote[H, N]) Message[H, N] {
	return Message[H, N]{Kind: MsgPrevote, TargetHash: v.TargetHash, TargetNumber: v.TargetNumber}
}

// NewPrecommitMessage wraps a precommit as a message.
func NewPrecommitMessage[H constraints.Ordered, N constraints.Unsigned](v Precommit[H, N]) Message[H, N] {
	return Message[H, N]{Kind: MsgPrecommit, TargetHash: v.TargetHash, TargetNumber: v.TargetNumber}
}

// Prevote returns the message's payload as a prevote. Only meaningful when
// Kind == MsgPrevote.
func (m Message[H, N]) Prevote() Prevote[H, N] {
	return Prevote[H, N]{TargetHash: m.TargetHash, TargetNumber: m.TargetNumber}
}

// Precommit returns the message's payload as a precommit. Only meaningful
// when Kind == MsgPrecommit.
func (m Message[H, N]) Precommit() Precommit[H, N] {
	return Precommit[H, N]{TargetHash: m.TargetHash, TargetNumber: m.TargetNumber}
}

// Target returns the block the vote inside this message is cast for.
func (m Message[H, N]) Target() HashNumber[H, N] {
	return HashNumber[H, N]{Hash: m.TargetHash, Number: m.TargetNumber}
}

// SignedMessage is a vote message attributed to a voter with a signature.
// Signature verification is the responsibility of the environment providing
// the incoming stream.
type SignedMessage[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	Message   Message[H, N]
	Signature Sig
	ID        ID
}

// SignedPrecommit is a precommit attributed to a voter with a signature.
type SignedPrecommit[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	Precommit Precommit[H, N]
	Signature Sig
	ID        ID
}

// Commit is a self-contained finalization proof: a target block plus enough
// precommits on descendants of the target to cross the round threshold.
type Commit[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	TargetHash   H
	TargetNumber N
	Precommits   []SignedPrecommit[H, N, Sig, ID]
}

// SignatureID pairs a signature with the voter that produced it.
type SignatureID[Sig comparable, ID constraints.Ordered] struct {
	Signature Sig
	ID        ID
}

// CompactCommit carries the same content as a Commit with the authentication
// data split out, deduplicating the per-precommit target encoding.
type CompactCommit[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	TargetHash   H
	TargetNumber N
	Precommits   []Precommit[H, N]
	AuthData     []SignatureID[Sig, ID]
}

// Compact converts the commit into its compact wire form.
func (c Commit[H, N, Sig, ID]) Compact() CompactCommit[H, N, Sig, ID] {
	compact := CompactCommit[H, N, Sig, ID]{
		TargetHash:   c.TargetHash,
		TargetNumber: c.TargetNumber,
		Precommits:   make([]Precommit[H, N], 0, len(c.Precommits)),
		AuthData:     make([]SignatureID[Sig, ID], 0, len(c.Precommits)),
	}
	for _, signed := range c.Precommits {
		compact.Precommits = append(compact.Precommits, signed.Precommit)
		compact.AuthData = append(compact.AuthData, SignatureID[Sig, ID]{Signature: signed.Signature, ID: signed.ID})
	}
	return compact
}

// Expand converts the compact form back into a Commit. Mismatched precommit
// and auth-data lengths truncate to the shorter of the two.
func (c CompactCommit[H, N, Sig, ID]) Expand() Commit[H, N, Sig, ID] {
	n := len(c.Precommits)
	if len(c.AuthData) < n {
		n = len(c.AuthData)
	}
	commit := Commit[H, N, Sig, ID]{
		TargetHash:   c.TargetHash,
		TargetNumber: c.TargetNumber,
		Precommits:   make([]SignedPrecommit[H, N, Sig, ID], 0, n),
	}
	for i := 0; i < n; i++ {
		commit.Precommits = append(commit.Precommits, SignedPrecommit[H, N, Sig, ID]{
			Precommit: c.Precommits[i],
			Signature: c.AuthData[i].Signature,
			ID:        c.AuthData[i].ID,
		})
	}
	return commit
}

// VoteSignature pairs a vote with the signature it arrived under.
type VoteSignature[V any, Sig comparable] struct {
	Vote      V
	Signature Sig
}

// Equivocation is evidence that a single voter cast two distinct votes of
// the same type in one round.
type Equivocation[ID constraints.Ordered, V any, Sig comparable] struct {
	RoundNumber uint64
	ID          ID
	First       VoteSignature[V, Sig]
	Second      VoteSignature[V, Sig]
}

// RoundState is the snapshot of a round's derived values.
type RoundState[H constraints.Ordered, N constraints.Unsigned] struct {
	// PrevoteGHOST is the GHOST of the prevote graph at the round threshold.
	PrevoteGHOST *HashNumber[H, N]
	// Finalized is the highest block with threshold precommit weight, at or
	// below the estimate.
	Finalized *HashNumber[H, N]
	// Estimate is the highest block that could still be finalized in this
	// round given the weight yet to precommit.
	Estimate *HashNumber[H, N]
	// Completable reports whether the estimate can no longer move above the
	// prevote-GHOST.
	Completable bool
}

// GenesisRoundState is the state of a notional completed round zero rooted
// at the given base. Used to seed the first real round.
func GenesisRoundState[H constraints.Ordered, N constraints.Unsigned](base HashNumber[H, N]) RoundState[H, N] {
	return RoundState[H, N]{
		PrevoteGHOST: &base,
		Finalized:    &base,
		Estimate:     &base,
		Completable:  true,
	}
}

// Equal reports whether two round states carry the same values.
func (rs RoundState[H, N]) Equal(other RoundState[H, N]) bool {
	return rs.Completable == other.Completable &&
		hashNumberEqual(rs.PrevoteGHOST, other.PrevoteGHOST) &&
		hashNumberEqual(rs.Finalized, other.Finalized) &&
		hashNumberEqual(rs.Estimate, other.Estimate)
}

func hashNumberEqual[H constraints.Ordered, N constraints.Unsigned](a, b *HashNumber[H, N]) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
