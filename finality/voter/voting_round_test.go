package voter

import (
	"testing"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/finality/chaintest"
	"github.com/grovelabs/grandpa/finality/round"
	"github.com/grovelabs/grandpa/shared/testutil/assert"
	"github.com/grovelabs/grandpa/shared/testutil/require"
)

func hn(hash string, number uint64) *finality.HashNumber[string, uint64] {
	return &finality.HashNumber[string, uint64]{Hash: hash, Number: number}
}

// prevoteRound builds a bare voting round over a forked chain:
//
//	genesis - A - B - C1 - D1 - E1
//	               \- C2 - D2
func prevoteRound(t *testing.T) (*votingRound[string, uint64, chaintest.Signature, chaintest.ID], *chaintest.Environment) {
	t.Helper()
	net := chaintest.NewNetwork()
	env := chaintest.NewEnvironment(map[chaintest.ID]uint64{5: 100}, net, 5)
	env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B")
	env.Chain().PushBlocks("B", "C1", "D1", "E1")
	env.Chain().PushBlocks("B", "C2", "D2")

	vr := &votingRound[string, uint64, chaintest.Signature, chaintest.ID]{
		env:         env,
		roundNumber: 2,
		votes: round.New[string, uint64, chaintest.Signature, chaintest.ID](round.Params[string, uint64, chaintest.ID]{
			RoundNumber: 2,
			Voters:      map[chaintest.ID]uint64{5: 100},
			Base:        finality.HashNumber[string, uint64]{Hash: chaintest.GenesisHash, Number: 1},
		}),
	}
	return vr, env
}

func TestConstructPrevote_NoPrimaryTargetsEstimateChain(t *testing.T) {
	vr, _ := prevoteRound(t)
	lastState := finality.RoundState[string, uint64]{
		PrevoteGHOST: hn("B", 3),
		Estimate:     hn("B", 3),
		Completable:  true,
	}

	prevote := vr.constructPrevote(lastState)
	require.NotNil(t, prevote)
	// The best chain through B is the longer fork.
	assert.Equal(t, "E1", prevote.TargetHash)
	assert.Equal(t, uint64(6), prevote.TargetNumber)
}

func TestConstructPrevote_PrimaryBetweenEstimateAndGhost(t *testing.T) {
	vr, _ := prevoteRound(t)
	vr.primaryBlock = hn("C2", 4)
	lastState := finality.RoundState[string, uint64]{
		PrevoteGHOST: hn("D2", 5),
		Estimate:     hn("B", 3),
		Completable:  true,
	}

	prevote := vr.constructPrevote(lastState)
	require.NotNil(t, prevote)
	// The hinted block is a strict descendant of the estimate on the
	// prevote-GHOST chain, so the vote follows the hint's fork.
	assert.Equal(t, "D2", prevote.TargetHash)
	assert.Equal(t, uint64(5), prevote.TargetNumber)
}

func TestConstructPrevote_PrimaryEqualToGhost(t *testing.T) {
	vr, _ := prevoteRound(t)
	vr.primaryBlock = hn("D2", 5)
	lastState := finality.RoundState[string, uint64]{
		PrevoteGHOST: hn("D2", 5),
		Estimate:     hn("B", 3),
		Completable:  true,
	}

	prevote := vr.constructPrevote(lastState)
	require.NotNil(t, prevote)
	assert.Equal(t, "D2", prevote.TargetHash)
}

func TestConstructPrevote_PrimaryAboveGhostIgnored(t *testing.T) {
	vr, _ := prevoteRound(t)
	vr.primaryBlock = hn("E1", 6)
	lastState := finality.RoundState[string, uint64]{
		PrevoteGHOST: hn("C1", 4),
		Estimate:     hn("B", 3),
		Completable:  true,
	}

	prevote := vr.constructPrevote(lastState)
	require.NotNil(t, prevote)
	assert.Equal(t, "E1", prevote.TargetHash, "hint above the prevote-GHOST falls back to the estimate chain")
}

func TestConstructPrevote_PrimaryOffGhostChainIgnored(t *testing.T) {
	vr, _ := prevoteRound(t)
	vr.primaryBlock = hn("C1", 4)
	lastState := finality.RoundState[string, uint64]{
		PrevoteGHOST: hn("D2", 5),
		Estimate:     hn("B", 3),
		Completable:  true,
	}

	prevote := vr.constructPrevote(lastState)
	require.NotNil(t, prevote)
	// C1 is not an ancestor of the prevote-GHOST D2, so the hint is
	// discarded and the vote follows the estimate's best chain.
	assert.Equal(t, "E1", prevote.TargetHash)
}

func TestConstructPrecommit_FallsBackToBase(t *testing.T) {
	vr, _ := prevoteRound(t)
	precommit := vr.constructPrecommit()
	assert.Equal(t, chaintest.GenesisHash, precommit.TargetHash)
	assert.Equal(t, uint64(1), precommit.TargetNumber)
}
