// Package round accumulates the prevotes and precommits of a single round
// and derives the round's prevote-GHOST, estimate, finalized block, and
// completability from the two weighted vote graphs.
package round

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/finality/votegraph"
	"github.com/grovelabs/grandpa/shared/mathutil"
)

// Params configure a new round.
type Params[H constraints.Ordered, N constraints.Unsigned, ID constraints.Ordered] struct {
	// RoundNumber of this round.
	RoundNumber uint64
	// Voters maps every authority of the round to its weight.
	Voters map[ID]uint64
	// Base is the last finalized block; every vote in the round must target
	// a descendant of it.
	Base finality.HashNumber[H, N]
}

// tracker records the first vote of each voter for one vote type, along
// with the total weight cast so far.
type tracker[V comparable, Sig comparable, ID constraints.Ordered] struct {
	votes      map[ID]finality.VoteSignature[V, Sig]
	castWeight uint64
}

func newTracker[V comparable, Sig comparable, ID constraints.Ordered]() tracker[V, Sig, ID] {
	return tracker[V, Sig, ID]{votes: make(map[ID]finality.VoteSignature[V, Sig])}
}

// Round is the tally of one voting round. It is not safe for concurrent
// use; callers serialize access.
type Round[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	number      uint64
	voters      map[ID]uint64
	base        finality.HashNumber[H, N]
	totalWeight uint64
	threshold   uint64

	prevoteGraph   *votegraph.Graph[H, N]
	precommitGraph *votegraph.Graph[H, N]
	prevotes       tracker[finality.Prevote[H, N], Sig, ID]
	precommits     tracker[finality.Precommit[H, N], Sig, ID]

	state finality.RoundState[H, N]
}

// New creates an empty round tally from the given parameters.
func New[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered](p Params[H, N, ID]) *Round[H, N, Sig, ID] {
	var total uint64
	for _, weight := range p.Voters {
		total += weight
	}
	return &Round[H, N, Sig, ID]{
		number:         p.RoundNumber,
		voters:         p.Voters,
		base:           p.Base,
		totalWeight:    total,
		threshold:      finality.Threshold(total),
		prevoteGraph:   votegraph.New(p.Base.Hash, p.Base.Number),
		precommitGraph: votegraph.New(p.Base.Hash, p.Base.Number),
		prevotes:       newTracker[finality.Prevote[H, N], Sig, ID](),
		precommits:     newTracker[finality.Precommit[H, N], Sig, ID](),
	}
}

// ImportPrevote records a prevote. A voter's weight is credited to its
// first prevote only: an identical repeat is a no-op, and a distinct second
// prevote is returned as an equivocation without any weight credit. Fails
// only when the chain reports the vote target is not a descendant of the
// round base.
func (r *Round[H, N, Sig, ID]) ImportPrevote(
	chain finality.Chain[H, N],
	vote finality.Prevote[H, N],
	id ID,
	signature Sig,
) (*finality.Equivocation[ID, finality.Prevote[H, N], Sig], error) {
	weight, ok := r.voters[id]
	if !ok {
		return nil, nil
	}
	if existing, voted := r.prevotes.votes[id]; voted {
		if existing.Vote == vote {
			return nil, nil
		}
		return &finality.Equivocation[ID, finality.Prevote[H, N], Sig]{
			RoundNumber: r.number,
			ID:          id,
			First:       existing,
			Second:      finality.VoteSignature[finality.Prevote[H, N], Sig]{Vote: vote, Signature: signature},
		}, nil
	}

	if err := r.prevoteGraph.Insert(vote.TargetHash, vote.TargetNumber, weight, chain); err != nil {
		return nil, err
	}
	r.prevotes.votes[id] = finality.VoteSignature[finality.Prevote[H, N], Sig]{Vote: vote, Signature: signature}
	r.prevotes.castWeight += weight

	r.update()
	return nil, nil
}

// ImportPrecommit records a precommit with the same weight accounting as
// ImportPrevote.
func (r *Round[H, N, Sig, ID]) ImportPrecommit(
	chain finality.Chain[H, N],
	vote finality.Precommit[H, N],
	id ID,
	signature Sig,
) (*finality.Equivocation[ID, finality.Precommit[H, N], Sig], error) {
	weight, ok := r.voters[id]
	if !ok {
		return nil, nil
	}
	if existing, voted := r.precommits.votes[id]; voted {
		if existing.Vote == vote {
			return nil, nil
		}
		return &finality.Equivocation[ID, finality.Precommit[H, N], Sig]{
			RoundNumber: r.number,
			ID:          id,
			First:       existing,
			Second:      finality.VoteSignature[finality.Precommit[H, N], Sig]{Vote: vote, Signature: signature},
		}, nil
	}

	if err := r.precommitGraph.Insert(vote.TargetHash, vote.TargetNumber, weight, chain); err != nil {
		return nil, err
	}
	r.precommits.votes[id] = finality.VoteSignature[finality.Precommit[H, N], Sig]{Vote: vote, Signature: signature}
	r.precommits.castWeight += weight

	r.update()
	return nil, nil
}

// update recomputes the cached round state after a vote import.
func (r *Round[H, N, Sig, ID]) update() {
	if r.prevotes.castWeight < r.threshold {
		return
	}

	r.state.PrevoteGHOST = r.prevoteGraph.FindGHOST(r.state.PrevoteGHOST, func(w uint64) bool {
		return w >= r.threshold
	})
	ghost := r.state.PrevoteGHOST
	if ghost == nil {
		return
	}

	if r.precommits.castWeight >= r.threshold {
		r.state.Finalized = r.precommitGraph.FindAncestor(ghost.Hash, ghost.Number, func(w uint64) bool {
			return w >= r.threshold
		})
	}

	// A block can still be precommitted as long as its subtree weight plus
	// every vote not yet cast reaches the threshold. Weight from voters who
	// already precommitted elsewhere cannot be discounted, since they may
	// still equivocate onto this chain.
	remaining := mathutil.SaturatingSub(r.totalWeight, r.precommits.castWeight)
	possible := func(w uint64) bool {
		return w+remaining >= r.threshold
	}

	r.state.Estimate = r.precommitGraph.FindAncestor(ghost.Hash, ghost.Number, possible)
	estimate := r.state.Estimate
	switch {
	case estimate == nil:
		r.state.Completable = false
	case estimate.Hash != ghost.Hash:
		r.state.Completable = true
	default:
		// The estimate sits at the prevote-GHOST. The round is complete
		// only if no descendant of it could still reach the threshold.
		g := r.precommitGraph.FindGHOST(estimate, possible)
		r.state.Completable = g == nil || (g.Hash == ghost.Hash && g.Number == ghost.Number)
	}
}

// State returns the cached round state.
func (r *Round[H, N, Sig, ID]) State() finality.RoundState[H, N] {
	return r.state
}

// Completable reports whether the estimate can no longer move above the
// prevote-GHOST.
func (r *Round[H, N, Sig, ID]) Completable() bool {
	return r.state.Completable
}

// Finalized returns the block finalized by this round, if any.
func (r *Round[H, N, Sig, ID]) Finalized() *finality.HashNumber[H, N] {
	return r.state.Finalized
}

// Number returns the round number.
func (r *Round[H, N, Sig, ID]) Number() uint64 {
	return r.number
}

// Base returns the block all of the round's votes descend from.
func (r *Round[H, N, Sig, ID]) Base() finality.HashNumber[H, N] {
	return r.base
}

// Threshold returns the weight required for a supermajority in this round.
func (r *Round[H, N, Sig, ID]) Threshold() uint64 {
	return r.threshold
}

// TotalWeight returns the combined weight of all voters.
func (r *Round[H, N, Sig, ID]) TotalWeight() uint64 {
	return r.totalWeight
}

// Voters returns the round's authority set. Callers must not mutate it.
func (r *Round[H, N, Sig, ID]) Voters() map[ID]uint64 {
	return r.voters
}

// Precommits returns every first precommit of the round in voter order.
func (r *Round[H, N, Sig, ID]) Precommits() []finality.SignedPrecommit[H, N, Sig, ID] {
	ids := make([]ID, 0, len(r.precommits.votes))
	for id := range r.precommits.votes {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	signed := make([]finality.SignedPrecommit[H, N, Sig, ID], 0, len(ids))
	for _, id := range ids {
		vs := r.precommits.votes[id]
		signed = append(signed, finality.SignedPrecommit[H, N, Sig, ID]{
			Precommit: vs.Vote,
			Signature: vs.Signature,
			ID:        id,
		})
	}
	return signed
}
