package chaintest

import (
	"sync"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/shared/params"
)

// ID identifies a test voter.
type ID uint32

// Signature is a fake signature: the numeric ID of the signer.
type Signature uint32

// Concrete instantiations used throughout the test harness.
type (
	// HashNumber is a block identified by a string hash and uint64 height.
	HashNumber = finality.HashNumber[string, uint64]
	// Message is a vote message over the test types.
	Message = finality.Message[string, uint64]
	// SignedMessage is a signed vote over the test types.
	SignedMessage = finality.SignedMessage[string, uint64, Signature, ID]
	// Commit is a finalization proof over the test types.
	Commit = finality.Commit[string, uint64, Signature, ID]
	// IncomingCommit is a received commit over the test types.
	IncomingCommit = finality.IncomingCommit[string, uint64, Signature, ID]
	// OutgoingCommit is a broadcast commit over the test types.
	OutgoingCommit = finality.OutgoingCommit[string, uint64, Signature, ID]
)

// broadcaster fans messages out to its subscribers, replaying the full
// history to late subscribers so joining order does not matter.
type broadcaster[M any] struct {
	mu          sync.Mutex
	history     []M
	subscribers []chan M
}

// subscribe registers a new receiver and returns it together with its
// index, which send can use to skip echoing to the sender.
func (b *broadcaster[M]) subscribe() (<-chan M, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan M, params.VoterConfig().MessageBufferSize*8)
	for _, m := range b.history {
		ch <- m
	}
	b.subscribers = append(b.subscribers, ch)
	return ch, len(b.subscribers) - 1
}

// send records the message and delivers it to every subscriber except the
// one at the given index. Pass a negative index to deliver to everyone.
func (b *broadcaster[M]) send(m M, except int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, m)
	for i, sub := range b.subscribers {
		if i == except {
			continue
		}
		sub <- m
	}
}

// Network routes round votes and commits between test participants. Round
// votes echo back to their sender, matching the contract that a voter's
// own signed votes come back through its incoming stream. Commits are
// delivered to every participant but the sender.
type Network struct {
	mu      sync.Mutex
	rounds  map[uint64]*broadcaster[SignedMessage]
	commits broadcaster[IncomingCommit]
}

// NewNetwork creates an empty test network.
func NewNetwork() *Network {
	return &Network{rounds: make(map[uint64]*broadcaster[SignedMessage])}
}

func (n *Network) round(number uint64) *broadcaster[SignedMessage] {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, ok := n.rounds[number]
	if !ok {
		b = &broadcaster[SignedMessage]{}
		n.rounds[number] = b
	}
	return b
}

// MakeRoundComms opens a vote stream and sink for the given round. The
// returned sink signs nothing: callers push fully signed messages.
func (n *Network) MakeRoundComms(round uint64) (<-chan SignedMessage, chan<- SignedMessage) {
	b := n.round(round)
	in, _ := b.subscribe()
	out := make(chan SignedMessage, params.VoterConfig().MessageBufferSize)
	go func() {
		for m := range out {
			b.send(m, -1)
		}
	}()
	return in, out
}

// MakeCommitsComms opens a commit stream and sink. Messages pushed into
// the sink are not echoed back on the paired stream.
func (n *Network) MakeCommitsComms() (<-chan IncomingCommit, chan<- IncomingCommit) {
	in, idx := n.commits.subscribe()
	out := make(chan IncomingCommit, params.VoterConfig().CommitBufferSize)
	go func() {
		for m := range out {
			n.commits.send(m, idx)
		}
	}()
	return in, out
}
