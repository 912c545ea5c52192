package finality

import (
	"testing"

	"github.com/grovelabs/grandpa/shared/testutil/assert"
	"github.com/grovelabs/grandpa/shared/testutil/require"
)

type (
	testCommit        = Commit[string, uint64, uint32, uint32]
	testCompactCommit = CompactCommit[string, uint64, uint32, uint32]
)

func TestMessage_Accessors(t *testing.T) {
	prevote := Prevote[string, uint64]{TargetHash: "A", TargetNumber: 2}
	msg := NewPrevoteMessage(prevote)
	assert.Equal(t, MsgPrevote, msg.Kind)
	assert.Equal(t, prevote, msg.Prevote())
	assert.Equal(t, HashNumber[string, uint64]{Hash: "A", Number: 2}, msg.Target())

	precommit := Precommit[string, uint64]{TargetHash: "B", TargetNumber: 3}
	msg = NewPrecommitMessage(precommit)
	assert.Equal(t, MsgPrecommit, msg.Kind)
	assert.Equal(t, precommit, msg.Precommit())
	assert.Equal(t, "precommit", msg.Kind.String())
}

func TestCommit_CompactRoundTrip(t *testing.T) {
	commit := testCommit{
		TargetHash:   "C",
		TargetNumber: 4,
		Precommits: []SignedPrecommit[string, uint64, uint32, uint32]{
			{Precommit: Precommit[string, uint64]{TargetHash: "D", TargetNumber: 5}, Signature: 11, ID: 1},
			{Precommit: Precommit[string, uint64]{TargetHash: "E", TargetNumber: 6}, Signature: 22, ID: 2},
		},
	}

	compact := commit.Compact()
	assert.Equal(t, 2, len(compact.Precommits))
	assert.Equal(t, 2, len(compact.AuthData))
	assert.Equal(t, uint32(22), compact.AuthData[1].Signature)

	require.DeepEqual(t, commit, compact.Expand())
}

func TestCompactCommit_MismatchedAuthDataTruncates(t *testing.T) {
	compact := testCompactCommit{
		TargetHash:   "C",
		TargetNumber: 4,
		Precommits: []Precommit[string, uint64]{
			{TargetHash: "D", TargetNumber: 5},
			{TargetHash: "E", TargetNumber: 6},
		},
		AuthData: []SignatureID[uint32, uint32]{{Signature: 11, ID: 1}},
	}
	expanded := compact.Expand()
	require.Equal(t, 1, len(expanded.Precommits))
	assert.Equal(t, "D", expanded.Precommits[0].Precommit.TargetHash)
}

func TestRoundState_Equal(t *testing.T) {
	base := HashNumber[string, uint64]{Hash: "A", Number: 2}
	genesis := GenesisRoundState(base)
	assert.Equal(t, true, genesis.Completable)
	require.NotNil(t, genesis.Estimate)
	assert.Equal(t, base, *genesis.Estimate)

	other := GenesisRoundState(base)
	assert.Equal(t, true, genesis.Equal(other))

	other.Finalized = nil
	assert.Equal(t, false, genesis.Equal(other))

	higher := HashNumber[string, uint64]{Hash: "B", Number: 3}
	other = GenesisRoundState(base)
	other.Estimate = &higher
	assert.Equal(t, false, genesis.Equal(other))
}
