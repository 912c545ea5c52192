package round

import (
	"testing"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/finality/chaintest"
	"github.com/grovelabs/grandpa/shared/testutil/assert"
	"github.com/grovelabs/grandpa/shared/testutil/require"
)

type (
	testRound = Round[string, uint64, chaintest.Signature, chaintest.ID]
	testID    = chaintest.ID
)

func newTestRound(voters map[testID]uint64) *testRound {
	return New[string, uint64, chaintest.Signature, chaintest.ID](Params[string, uint64, testID]{
		RoundNumber: 1,
		Voters:      voters,
		Base:        finality.HashNumber[string, uint64]{Hash: chaintest.GenesisHash, Number: 1},
	})
}

func forkedChain() *chaintest.DummyChain {
	chain := chaintest.NewDummyChain()
	chain.PushBlocks(chaintest.GenesisHash, "A", "B", "C")
	chain.PushBlocks("C", "D1", "E1")
	chain.PushBlocks("C", "D2", "E2")
	return chain
}

func prevote(hash string, number uint64) finality.Prevote[string, uint64] {
	return finality.Prevote[string, uint64]{TargetHash: hash, TargetNumber: number}
}

func precommit(hash string, number uint64) finality.Precommit[string, uint64] {
	return finality.Precommit[string, uint64]{TargetHash: hash, TargetNumber: number}
}

func TestThresholdFromWeights(t *testing.T) {
	r := newTestRound(map[testID]uint64{1: 5, 2: 7})
	assert.Equal(t, uint64(12), r.TotalWeight())
	assert.Equal(t, uint64(12)-uint64(11)/3, r.Threshold())
	assert.Equal(t, uint64(1), r.Number())
}

func TestImportPrevote_StateEvolution(t *testing.T) {
	chain := forkedChain()
	voters := map[testID]uint64{1: 1, 2: 1, 3: 1, 4: 1}
	r := newTestRound(voters)
	require.Equal(t, uint64(3), r.Threshold())

	eq, err := r.ImportPrevote(chain, prevote("E1", 6), 1, 1)
	require.NoError(t, err)
	require.Equal(t, (*finality.Equivocation[testID, finality.Prevote[string, uint64], chaintest.Signature])(nil), eq)
	assert.Equal(t, (*finality.HashNumber[string, uint64])(nil), r.State().PrevoteGHOST)

	_, err = r.ImportPrevote(chain, prevote("E1", 6), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, (*finality.HashNumber[string, uint64])(nil), r.State().PrevoteGHOST)

	_, err = r.ImportPrevote(chain, prevote("E2", 6), 3, 3)
	require.NoError(t, err)
	ghost := r.State().PrevoteGHOST
	require.NotNil(t, ghost)
	// Three prevotes merge at the fork point.
	assert.DeepEqual(t, finality.HashNumber[string, uint64]{Hash: "C", Number: 4}, *ghost)
}

func TestImportPrecommit_FinalizesAndCompletes(t *testing.T) {
	chain := forkedChain()
	voters := map[testID]uint64{1: 1, 2: 1, 3: 1, 4: 1}
	r := newTestRound(voters)

	for id := testID(1); id <= 3; id++ {
		_, err := r.ImportPrevote(chain, prevote("E1", 6), id, chaintest.Signature(id))
		require.NoError(t, err)
	}
	ghost := r.State().PrevoteGHOST
	require.NotNil(t, ghost)
	assert.Equal(t, "E1", ghost.Hash)
	assert.Equal(t, false, r.Completable())

	for id := testID(1); id <= 2; id++ {
		_, err := r.ImportPrecommit(chain, precommit("E1", 6), id, chaintest.Signature(id))
		require.NoError(t, err)
	}
	// Two precommits out of four: the unvoted half could still finalize
	// E1, so the estimate stays at the prevote-GHOST and nothing is final.
	assert.Equal(t, (*finality.HashNumber[string, uint64])(nil), r.Finalized())
	require.NotNil(t, r.State().Estimate)
	assert.Equal(t, "E1", r.State().Estimate.Hash)

	_, err := r.ImportPrecommit(chain, precommit("E1", 6), 3, 3)
	require.NoError(t, err)
	finalized := r.Finalized()
	require.NotNil(t, finalized)
	assert.DeepEqual(t, finality.HashNumber[string, uint64]{Hash: "E1", Number: 6}, *finalized)
	assert.Equal(t, true, r.Completable())
}

func TestImportPrevote_Equivocation(t *testing.T) {
	chain := forkedChain()
	r := newTestRound(map[testID]uint64{1: 3, 2: 1})

	eq, err := r.ImportPrevote(chain, prevote("E1", 6), 1, 1)
	require.NoError(t, err)
	require.Equal(t, (*finality.Equivocation[testID, finality.Prevote[string, uint64], chaintest.Signature])(nil), eq)

	// A byte-for-byte repeat is a no-op.
	eq, err = r.ImportPrevote(chain, prevote("E1", 6), 1, 1)
	require.NoError(t, err)
	require.Equal(t, (*finality.Equivocation[testID, finality.Prevote[string, uint64], chaintest.Signature])(nil), eq)

	// A distinct second vote is an equivocation, and its weight must not
	// be double counted: the GHOST stays on the first vote's chain.
	eq, err = r.ImportPrevote(chain, prevote("E2", 6), 1, 1)
	require.NoError(t, err)
	require.NotNil(t, eq)
	assert.Equal(t, uint64(1), eq.RoundNumber)
	assert.Equal(t, testID(1), eq.ID)
	assert.Equal(t, "E1", eq.First.Vote.TargetHash)
	assert.Equal(t, "E2", eq.Second.Vote.TargetHash)

	ghost := r.State().PrevoteGHOST
	require.NotNil(t, ghost)
	assert.Equal(t, "E1", ghost.Hash)
}

func TestImportPrecommit_Equivocation(t *testing.T) {
	chain := forkedChain()
	r := newTestRound(map[testID]uint64{1: 3, 2: 1})

	_, err := r.ImportPrevote(chain, prevote("E1", 6), 1, 1)
	require.NoError(t, err)
	_, err = r.ImportPrecommit(chain, precommit("E1", 6), 1, 1)
	require.NoError(t, err)

	eq, err := r.ImportPrecommit(chain, precommit("D1", 5), 1, 2)
	require.NoError(t, err)
	require.NotNil(t, eq)
	assert.Equal(t, "E1", eq.First.Vote.TargetHash)
	assert.Equal(t, "D1", eq.Second.Vote.TargetHash)

	finalized := r.Finalized()
	require.NotNil(t, finalized)
	assert.Equal(t, "E1", finalized.Hash)
}

func TestImport_UnknownVoterIgnored(t *testing.T) {
	chain := forkedChain()
	r := newTestRound(map[testID]uint64{1: 1})

	eq, err := r.ImportPrevote(chain, prevote("E1", 6), 99, 99)
	require.NoError(t, err)
	require.Equal(t, (*finality.Equivocation[testID, finality.Prevote[string, uint64], chaintest.Signature])(nil), eq)
	assert.Equal(t, 0, len(r.Precommits()))
	assert.Equal(t, (*finality.HashNumber[string, uint64])(nil), r.State().PrevoteGHOST)
}

func TestImport_UnrelatedBlockFails(t *testing.T) {
	chain := forkedChain()
	r := New[string, uint64, chaintest.Signature, chaintest.ID](Params[string, uint64, testID]{
		RoundNumber: 1,
		Voters:      map[testID]uint64{1: 1},
		Base:        finality.HashNumber[string, uint64]{Hash: "D1", Number: 5},
	})

	_, err := r.ImportPrevote(chain, prevote("E2", 6), 1, 1)
	require.NotNil(t, err)
	assert.Equal(t, finality.ErrNotDescendent, err)
}

func TestPrecommits_SortedAndFirstVoteOnly(t *testing.T) {
	chain := forkedChain()
	r := newTestRound(map[testID]uint64{3: 1, 1: 1, 2: 1, 4: 1})

	for id := testID(1); id <= 3; id++ {
		_, err := r.ImportPrevote(chain, prevote("E1", 6), id, chaintest.Signature(id))
		require.NoError(t, err)
	}
	_, err := r.ImportPrecommit(chain, precommit("E1", 6), 3, 3)
	require.NoError(t, err)
	_, err = r.ImportPrecommit(chain, precommit("E1", 6), 1, 1)
	require.NoError(t, err)
	// The equivocating second vote of voter 3 is not part of the tally.
	_, err = r.ImportPrecommit(chain, precommit("E2", 6), 3, 4)
	require.NoError(t, err)

	precommits := r.Precommits()
	require.Equal(t, 2, len(precommits))
	assert.Equal(t, testID(1), precommits[0].ID)
	assert.Equal(t, testID(3), precommits[1].ID)
	assert.Equal(t, "E1", precommits[1].Precommit.TargetHash)
}
