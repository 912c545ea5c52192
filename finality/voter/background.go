package voter

import (
	"golang.org/x/exp/constraints"
)

// backgroundRound keeps a completed round alive so late votes and commits
// still land in its tally. The round can be dropped once its estimate is
// at or below the latest finalized height, because no further vote can
// move the estimate back up.
type backgroundRound[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	round *votingRound[H, N, Sig, ID]
}

// done reports whether the round is no longer worth listening to given
// the highest finalized height.
func (b *backgroundRound[H, N, Sig, ID]) done(finalized N) bool {
	estimate := b.round.roundState().Estimate
	return estimate != nil && estimate.Number <= finalized
}

// stop cancels the round's run loop.
func (b *backgroundRound[H, N, Sig, ID]) stop() {
	b.round.cancel()
}
