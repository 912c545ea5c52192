package voter

import (
	"context"
	"os"
	"testing"
	"time"

	logTest "github.com/sirupsen/logrus/hooks/test"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/finality/chaintest"
	"github.com/grovelabs/grandpa/shared/params"
	"github.com/grovelabs/grandpa/shared/testutil/assert"
	"github.com/grovelabs/grandpa/shared/testutil/require"
)

func TestMain(m *testing.M) {
	cfg := params.DefaultVoterConfig()
	cfg.GossipDuration = 50 * time.Millisecond
	cfg.CommitDelayMax = 200 * time.Millisecond
	params.OverrideVoterConfig(cfg)
	os.Exit(m.Run())
}

func genesisState() finality.RoundState[string, uint64] {
	return finality.GenesisRoundState(finality.HashNumber[string, uint64]{
		Hash:   chaintest.GenesisHash,
		Number: 1,
	})
}

func startVoter(t *testing.T, env *chaintest.Environment, lastRound uint64) *Voter[string, uint64, chaintest.Signature, chaintest.ID] {
	t.Helper()
	v, err := New(context.Background(), &Config[string, uint64, chaintest.Signature, chaintest.ID]{
		Environment:    env,
		LastRound:      lastRound,
		LastRoundState: genesisState(),
		LastFinalized:  env.LastFinalized(),
	})
	require.NoError(t, err)
	v.Start()
	t.Cleanup(func() {
		require.NoError(t, v.Stop())
	})
	return v
}

// waitForFinalized blocks until the environment reports a finalized block
// at or above the wanted height.
func waitForFinalized(t *testing.T, env *chaintest.Environment, number uint64, timeout time.Duration) finality.HashNumber[string, uint64] {
	t.Helper()
	stream, sub := env.FinalizedStream()
	defer sub.Unsubscribe()
	if last := env.LastFinalized(); last.Number >= number {
		return last
	}
	deadline := time.After(timeout)
	for {
		select {
		case finalized := <-stream:
			if finalized.Number >= number {
				return finalized
			}
		case <-deadline:
			t.Fatalf("no block at height >= %d finalized within %v", number, timeout)
			return finality.HashNumber[string, uint64]{}
		}
	}
}

func TestVoter_TalkingToMyself(t *testing.T) {
	hook := logTest.NewGlobal()
	local := chaintest.ID(5)
	voters := map[chaintest.ID]uint64{local: 100}

	net := chaintest.NewNetwork()
	env := chaintest.NewEnvironment(voters, net, local)
	env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B", "C", "D", "E")

	startVoter(t, env, 0)
	require.LogsContain(t, hook, "Starting finality voter")

	finalized := waitForFinalized(t, env, 6, 10*time.Second)
	assert.Equal(t, true, finalized.Number >= 6)

	// The first round went through the durable checkpoint.
	state, ok := env.CompletedRound(1)
	require.Equal(t, true, ok)
	require.NotNil(t, state.Finalized)
	assert.Equal(t, uint64(6), state.Finalized.Number)
}

func TestVoter_FinalizingAtFaultThreshold(t *testing.T) {
	// Ten voters of weight one; three stay offline, leaving exactly the
	// threshold weight online.
	voters := make(map[chaintest.ID]uint64)
	for i := chaintest.ID(0); i < 10; i++ {
		voters[i] = 1
	}
	require.Equal(t, uint64(7), finality.Threshold(10))

	net := chaintest.NewNetwork()
	envs := make([]*chaintest.Environment, 0, 7)
	for i := chaintest.ID(0); i < 7; i++ {
		env := chaintest.NewEnvironment(voters, net, i)
		env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B", "C", "D", "E")
		envs = append(envs, env)
		startVoter(t, env, 0)
	}

	for _, env := range envs {
		finalized := waitForFinalized(t, env, 6, 20*time.Second)
		assert.Equal(t, true, finalized.Number >= 6)
	}
}

func TestVoter_BroadcastsCommit(t *testing.T) {
	local := chaintest.ID(5)
	voters := map[chaintest.ID]uint64{local: 100}

	net := chaintest.NewNetwork()
	commits, _ := net.MakeCommitsComms()

	env := chaintest.NewEnvironment(voters, net, local)
	env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B", "C", "D", "E")

	startVoter(t, env, 0)

	select {
	case commit := <-commits:
		assert.Equal(t, uint64(1), commit.RoundNumber)
		assert.Equal(t, uint64(6), commit.Commit.TargetNumber)
		require.Equal(t, 1, len(commit.Commit.Precommits))
		assert.Equal(t, local, commit.Commit.AuthData[0].ID)
	case <-time.After(10 * time.Second):
		t.Fatal("no commit broadcast within 10s")
	}
}

func TestVoter_CommitBroadcastSuppressedWhenSuperseded(t *testing.T) {
	local := chaintest.ID(5)
	peer := chaintest.ID(42)
	voters := map[chaintest.ID]uint64{local: 100, peer: 201}

	net := chaintest.NewNetwork()
	commitsIn, commitsOut := net.MakeCommitsComms()
	roundIn, roundOut := net.MakeRoundComms(1)

	env := chaintest.NewEnvironment(voters, net, local)
	env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B", "C", "D", "E")

	startVoter(t, env, 0)

	// The peer echoes the local prevote with enough weight to finalize.
	go func() {
		for msg := range roundIn {
			if msg.ID == local && msg.Message.Kind == finality.MsgPrevote {
				break
			}
		}
		target := finality.Prevote[string, uint64]{TargetHash: "E", TargetNumber: 6}
		roundOut <- chaintest.SignedMessage{
			Message:   finality.NewPrevoteMessage(target),
			Signature: chaintest.Signature(peer),
			ID:        peer,
		}
		roundOut <- chaintest.SignedMessage{
			Message:   finality.NewPrecommitMessage(finality.Precommit[string, uint64]{TargetHash: "E", TargetNumber: 6}),
			Signature: chaintest.Signature(peer),
			ID:        peer,
		}
	}()

	// First commit for round one comes from the local voter's timer.
	var first chaintest.IncomingCommit
	select {
	case first = <-commitsIn:
	case <-time.After(10 * time.Second):
		t.Fatal("no commit broadcast within 10s")
	}
	assert.Equal(t, uint64(1), first.RoundNumber)
	assert.Equal(t, "E", first.Commit.TargetHash)
	assert.Equal(t, uint64(6), first.Commit.TargetNumber)

	// A peer commit for the same block arrives afterwards; the voter must
	// not answer it with another commit of its own.
	commitsOut <- chaintest.IncomingCommit{
		RoundNumber: 1,
		Commit: chaintest.Commit{
			TargetHash:   "E",
			TargetNumber: 6,
			Precommits: []finality.SignedPrecommit[string, uint64, chaintest.Signature, chaintest.ID]{
				{
					Precommit: finality.Precommit[string, uint64]{TargetHash: "E", TargetNumber: 6},
					Signature: chaintest.Signature(peer),
					ID:        peer,
				},
			},
		}.Compact(),
	}

	select {
	case extra := <-commitsIn:
		t.Fatalf("unexpected second commit for round %d", extra.RoundNumber)
	case <-time.After(700 * time.Millisecond):
	}
}

func TestVoter_PassiveCommitFinalizes(t *testing.T) {
	local := chaintest.ID(5)
	peer := chaintest.ID(42)
	voters := map[chaintest.ID]uint64{local: 100, peer: 201}

	net := chaintest.NewNetwork()
	_, commitsOut := net.MakeCommitsComms()

	env := chaintest.NewEnvironment(voters, net, local)
	env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B", "C", "D", "E")

	// The voter resumes after round one, so the incoming commit targets a
	// round it never ran.
	startVoter(t, env, 1)

	commitsOut <- chaintest.IncomingCommit{
		RoundNumber: 1,
		Commit: chaintest.Commit{
			TargetHash:   "E",
			TargetNumber: 6,
			Precommits: []finality.SignedPrecommit[string, uint64, chaintest.Signature, chaintest.ID]{
				{
					Precommit: finality.Precommit[string, uint64]{TargetHash: "E", TargetNumber: 6},
					Signature: chaintest.Signature(peer),
					ID:        peer,
				},
			},
		}.Compact(),
	}

	finalized := waitForFinalized(t, env, 6, 10*time.Second)
	assert.Equal(t, "E", finalized.Hash)
	assert.Equal(t, uint64(6), finalized.Number)
}

func TestVoter_RequiresCompletableStartState(t *testing.T) {
	net := chaintest.NewNetwork()
	env := chaintest.NewEnvironment(map[chaintest.ID]uint64{1: 1}, net, 1)

	_, err := New(context.Background(), &Config[string, uint64, chaintest.Signature, chaintest.ID]{
		Environment:    env,
		LastRoundState: finality.RoundState[string, uint64]{},
		LastFinalized:  env.LastFinalized(),
	})
	require.ErrorContains(t, "completable", err)
}

func TestVoter_EquivocationReported(t *testing.T) {
	local := chaintest.ID(5)
	peer := chaintest.ID(42)
	voters := map[chaintest.ID]uint64{local: 100, peer: 201}

	net := chaintest.NewNetwork()
	_, roundOut := net.MakeRoundComms(1)

	env := chaintest.NewEnvironment(voters, net, local)
	env.Chain().PushBlocks(chaintest.GenesisHash, "A", "B", "C", "D", "E")

	startVoter(t, env, 0)

	for _, target := range []string{"E", "D"} {
		roundOut <- chaintest.SignedMessage{
			Message: finality.NewPrevoteMessage(finality.Prevote[string, uint64]{
				TargetHash:   target,
				TargetNumber: env.Chain().Number(target),
			}),
			Signature: chaintest.Signature(peer),
			ID:        peer,
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		prevoteEqs, _ := env.EquivocationCounts()
		if prevoteEqs == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("prevote equivocation never reported")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
