package voter

import (
	"testing"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/shared/testutil/assert"
	"github.com/grovelabs/grandpa/shared/testutil/require"
)

func testState(hash string, number uint64) finality.RoundState[string, uint64] {
	hn := finality.HashNumber[string, uint64]{Hash: hash, Number: number}
	return finality.RoundState[string, uint64]{
		PrevoteGHOST: &hn,
		Finalized:    &hn,
		Estimate:     &hn,
		Completable:  true,
	}
}

func TestBridge_ReadsLatestWrite(t *testing.T) {
	prior, latter := newBridge(testState("A", 2))
	assert.Equal(t, true, testState("A", 2).Equal(latter.get()))

	prior.update(testState("B", 3))
	prior.update(testState("C", 4))
	assert.Equal(t, true, testState("C", 4).Equal(latter.get()))
}

func TestBridge_UpdatesCollapseIntoOneWakeup(t *testing.T) {
	prior, latter := newBridge(testState("A", 2))
	prior.update(testState("B", 3))
	prior.update(testState("C", 4))
	prior.update(testState("D", 5))

	select {
	case <-latter.updated():
	default:
		t.Fatal("expected a pending wakeup")
	}
	select {
	case <-latter.updated():
		t.Fatal("updates must collapse into a single wakeup")
	default:
	}
	require.Equal(t, true, testState("D", 5).Equal(latter.get()))
}

func TestBridge_LastStateOutlivesWriter(t *testing.T) {
	prior, latter := newBridge(testState("A", 2))
	prior.update(testState("E", 6))
	prior = priorView[string, uint64]{}
	_ = prior

	assert.Equal(t, true, testState("E", 6).Equal(latter.get()))
}
