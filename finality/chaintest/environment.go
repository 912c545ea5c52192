package chaintest

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/shared/params"
)

// Environment is a complete in-process implementation of the voter's
// environment: it signs outgoing votes with the local ID, routes traffic
// through a Network, and tracks finalized blocks and completed rounds.
type Environment struct {
	chain   *DummyChain
	network *Network
	local   ID
	voters  map[ID]uint64

	mu               sync.Mutex
	lastFinalized    HashNumber
	completed        map[uint64]finality.RoundState[string, uint64]
	prevoteEqCount   int
	precommitEqCount int

	finalizedFeed event.Feed
}

// NewEnvironment creates an environment for one voter with a fresh chain.
func NewEnvironment(voters map[ID]uint64, network *Network, local ID) *Environment {
	return &Environment{
		chain:         NewDummyChain(),
		network:       network,
		local:         local,
		voters:        voters,
		lastFinalized: HashNumber{Hash: GenesisHash, Number: 1},
		completed:     make(map[uint64]finality.RoundState[string, uint64]),
	}
}

// Chain exposes the underlying block tree for test setup.
func (e *Environment) Chain() *DummyChain {
	return e.chain
}

// LastFinalized returns the highest block finalized through this
// environment.
func (e *Environment) LastFinalized() HashNumber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastFinalized
}

// FinalizedStream subscribes to finalization events.
func (e *Environment) FinalizedStream() (<-chan HashNumber, event.Subscription) {
	ch := make(chan HashNumber, params.VoterConfig().FinalizedBufferSize)
	return ch, e.finalizedFeed.Subscribe(ch)
}

// CompletedRound returns the recorded state of a completed round.
func (e *Environment) CompletedRound(round uint64) (finality.RoundState[string, uint64], bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.completed[round]
	return st, ok
}

// EquivocationCounts returns how many prevote and precommit equivocations
// were reported.
func (e *Environment) EquivocationCounts() (prevote, precommit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prevoteEqCount, e.precommitEqCount
}

// Ancestry implements finality.Chain.
func (e *Environment) Ancestry(base, block string) ([]string, error) {
	return e.chain.Ancestry(base, block)
}

// IsEqualOrDescendentOf implements finality.Chain.
func (e *Environment) IsEqualOrDescendentOf(base, block string) bool {
	return e.chain.IsEqualOrDescendentOf(base, block)
}

// BestChainContaining implements finality.Chain.
func (e *Environment) BestChainContaining(base string) *HashNumber {
	return e.chain.BestChainContaining(base)
}

// RoundData implements finality.Environment. Outgoing votes are signed
// with the local ID and multicast, coming back through the incoming
// stream like every other vote.
func (e *Environment) RoundData(round uint64) finality.RoundData[string, uint64, Signature, ID] {
	cfg := params.VoterConfig()
	in, out := e.network.MakeRoundComms(round)
	outgoing := make(chan Message, cfg.MessageBufferSize)
	go func() {
		for m := range outgoing {
			out <- SignedMessage{Message: m, Signature: Signature(e.local), ID: e.local}
		}
	}()
	return finality.RoundData[string, uint64, Signature, ID]{
		PrevoteTimer:   time.After(2 * cfg.GossipDuration),
		PrecommitTimer: time.After(4 * cfg.GossipDuration),
		Voters:         e.voters,
		Incoming:       in,
		Outgoing:       outgoing,
	}
}

// CommitterData implements finality.Environment.
func (e *Environment) CommitterData() (<-chan IncomingCommit, chan<- OutgoingCommit) {
	in, out := e.network.MakeCommitsComms()
	outgoing := make(chan OutgoingCommit, params.VoterConfig().CommitBufferSize)
	go func() {
		for oc := range outgoing {
			out <- IncomingCommit{RoundNumber: oc.RoundNumber, Commit: oc.Commit.Compact()}
		}
	}()
	return in, outgoing
}

// RoundCommitTimer implements finality.Environment with a randomized
// delay bounded by the configured maximum.
func (e *Environment) RoundCommitTimer() <-chan time.Time {
	max := int64(params.VoterConfig().CommitDelayMax)
	return time.After(time.Duration(rand.Int63n(max)))
}

// Voters implements finality.Environment; the set is fixed across rounds.
func (e *Environment) Voters(_ uint64) map[ID]uint64 {
	return e.voters
}

// Completed implements finality.Environment by recording the round state.
func (e *Environment) Completed(round uint64, state finality.RoundState[string, uint64]) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed[round] = state
	return nil
}

// FinalizeBlock implements finality.Environment, tracking the highest
// finalized block and publishing every call on the finalized feed.
func (e *Environment) FinalizeBlock(hash string, number uint64) error {
	e.mu.Lock()
	if number > e.lastFinalized.Number {
		e.lastFinalized = HashNumber{Hash: hash, Number: number}
	}
	e.mu.Unlock()
	e.finalizedFeed.Send(HashNumber{Hash: hash, Number: number})
	return nil
}

// PrevoteEquivocation implements finality.Environment.
func (e *Environment) PrevoteEquivocation(_ uint64, _ finality.Equivocation[ID, finality.Prevote[string, uint64], Signature]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prevoteEqCount++
}

// PrecommitEquivocation implements finality.Environment.
func (e *Environment) PrecommitEquivocation(_ uint64, _ finality.Equivocation[ID, finality.Precommit[string, uint64], Signature]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.precommitEqCount++
}
