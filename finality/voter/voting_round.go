package voter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/finality/round"
)

// gateState tracks which votes this node has already cast in a round.
type gateState int8

const (
	gateStart gateState = iota
	gatePrevoted
	gatePrecommitted
)

func (g gateState) String() string {
	switch g {
	case gateStart:
		return "start"
	case gatePrevoted:
		return "prevoted"
	case gatePrecommitted:
		return "precommitted"
	default:
		return "unknown"
	}
}

// votingRound drives one round: it imports incoming votes into the tally,
// casts the node's own prevote and precommit when their gates open, and
// publishes state changes to the successor round and the voter.
//
// The tally and gate fields are shared with the committer under mu. The
// mutex is never held across a channel operation.
type votingRound[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	env         finality.Environment[H, N, Sig, ID]
	roundNumber uint64

	mu           sync.Mutex
	votes        *round.Round[H, N, Sig, ID]
	gate         gateState
	lastNotified finality.RoundState[H, N]
	primaryBlock *finality.HashNumber[H, N]
	bridged      *priorView[H, N]
	signalled    bool

	lastRoundState latterView[H, N]
	incoming       <-chan finality.SignedMessage[H, N, Sig, ID]
	outgoing       chan<- finality.Message[H, N]
	prevoteTimer   <-chan time.Time
	precommitTimer <-chan time.Time

	prevoteTimerFired   bool
	precommitTimerFired bool

	// poke wakes the run loop after an external vote import, e.g. the
	// committer pulling a commit's precommits into this round.
	poke chan struct{}

	finalizedSender chan<- finality.HashNumber[H, N]
	completion      chan<- uint64
	errs            chan<- error

	ctx    context.Context
	cancel context.CancelFunc
}

func newVotingRound[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered](
	env finality.Environment[H, N, Sig, ID],
	number uint64,
	data finality.RoundData[H, N, Sig, ID],
	base finality.HashNumber[H, N],
	lastRoundState latterView[H, N],
	finalizedSender chan<- finality.HashNumber[H, N],
	completion chan<- uint64,
	errs chan<- error,
) *votingRound[H, N, Sig, ID] {
	return &votingRound[H, N, Sig, ID]{
		env:         env,
		roundNumber: number,
		votes: round.New[H, N, Sig, ID](round.Params[H, N, ID]{
			RoundNumber: number,
			Voters:      data.Voters,
			Base:        base,
		}),
		lastRoundState:  lastRoundState,
		incoming:        data.Incoming,
		outgoing:        data.Outgoing,
		prevoteTimer:    data.PrevoteTimer,
		precommitTimer:  data.PrecommitTimer,
		poke:            make(chan struct{}, 1),
		finalizedSender: finalizedSender,
		completion:      completion,
		errs:            errs,
	}
}

// run reacts to incoming votes, timer expiry, and predecessor updates
// until the context is cancelled. The loop keeps serving votes after the
// round has completed, so late voters still contribute to the tally while
// the round lingers in the background.
func (vr *votingRound[H, N, Sig, ID]) run() {
	if err := vr.poll(); err != nil {
		vr.reportErr(err)
		return
	}
	for {
		select {
		case <-vr.ctx.Done():
			return
		case msg, ok := <-vr.incoming:
			if !ok {
				vr.reportErr(errors.Errorf("round %d: incoming message stream closed", vr.roundNumber))
				return
			}
			if err := vr.handleMessage(msg); err != nil {
				vr.reportErr(err)
				return
			}
		case <-vr.prevoteTimer:
			vr.mu.Lock()
			vr.prevoteTimerFired = true
			vr.mu.Unlock()
			vr.prevoteTimer = nil
		case <-vr.precommitTimer:
			vr.mu.Lock()
			vr.precommitTimerFired = true
			vr.mu.Unlock()
			vr.precommitTimer = nil
		case <-vr.lastRoundState.updated():
		case <-vr.poke:
		}
		if err := vr.poll(); err != nil {
			vr.reportErr(err)
			return
		}
	}
}

// handleMessage imports one signed vote into the tally, reporting any
// resulting equivocation to the environment.
func (vr *votingRound[H, N, Sig, ID]) handleMessage(msg finality.SignedMessage[H, N, Sig, ID]) error {
	switch msg.Message.Kind {
	case finality.MsgPrevote:
		vr.mu.Lock()
		eq, err := vr.votes.ImportPrevote(vr.env, msg.Message.Prevote(), msg.ID, msg.Signature)
		vr.mu.Unlock()
		if err != nil {
			return errors.Wrapf(err, "round %d: could not import prevote", vr.roundNumber)
		}
		votesImported.WithLabelValues("prevote").Inc()
		if eq != nil {
			equivocationsObserved.WithLabelValues("prevote").Inc()
			vr.env.PrevoteEquivocation(vr.roundNumber, *eq)
		}
	case finality.MsgPrecommit:
		vr.mu.Lock()
		eq, err := vr.votes.ImportPrecommit(vr.env, msg.Message.Precommit(), msg.ID, msg.Signature)
		vr.mu.Unlock()
		if err != nil {
			return errors.Wrapf(err, "round %d: could not import precommit", vr.roundNumber)
		}
		votesImported.WithLabelValues("precommit").Inc()
		if eq != nil {
			equivocationsObserved.WithLabelValues("precommit").Inc()
			vr.env.PrecommitEquivocation(vr.roundNumber, *eq)
		}
	default:
		log.WithField("kind", msg.Message.Kind).Debug("Dropping message of unknown kind")
	}
	return nil
}

// poll runs the vote gates against the current tally and predecessor
// state, flushes any cast votes, and publishes state changes.
func (vr *votingRound[H, N, Sig, ID]) poll() error {
	lastState := vr.lastRoundState.get()
	if lastState.Estimate == nil {
		return errors.Errorf("round %d: predecessor round has no estimate", vr.roundNumber)
	}

	var outbox []finality.Message[H, N]

	vr.mu.Lock()
	if vr.gate == gateStart && (vr.prevoteTimerFired || vr.votes.Completable()) {
		if prevote := vr.constructPrevote(lastState); prevote != nil {
			log.WithField("round", vr.roundNumber).Debug("Casting prevote")
			outbox = append(outbox, finality.NewPrevoteMessage(*prevote))
		}
		vr.gate = gatePrevoted
	}
	if vr.gate == gatePrevoted {
		state := vr.votes.State()
		// Wait for the predecessor's estimate to be at or below this
		// round's prevote-GHOST before precommitting.
		onChain := state.PrevoteGHOST != nil &&
			(*state.PrevoteGHOST == *lastState.Estimate ||
				vr.env.IsEqualOrDescendentOf(lastState.Estimate.Hash, state.PrevoteGHOST.Hash))
		if onChain && (vr.precommitTimerFired || vr.votes.Completable()) {
			log.WithField("round", vr.roundNumber).Debug("Casting precommit")
			outbox = append(outbox, finality.NewPrecommitMessage(vr.constructPrecommit()))
			vr.gate = gatePrecommitted
		}
	}
	state := vr.votes.State()
	notified := vr.lastNotified
	vr.lastNotified = state
	gate := vr.gate
	bridged := vr.bridged
	signal := state.Completable && gate == gatePrecommitted && !vr.signalled
	if signal {
		vr.signalled = true
	}
	vr.mu.Unlock()

	for _, m := range outbox {
		select {
		case vr.outgoing <- m:
		case <-vr.ctx.Done():
			return nil
		}
	}

	if !state.Equal(notified) {
		if bridged != nil {
			bridged.update(state)
		}
		finalityAdvanced := state.Finalized != nil &&
			(notified.Finalized == nil || *notified.Finalized != *state.Finalized)
		if finalityAdvanced && state.Completable && gate == gatePrecommitted {
			select {
			case vr.finalizedSender <- *state.Finalized:
			case <-vr.ctx.Done():
				return nil
			}
		}
	}

	if signal {
		select {
		case vr.completion <- vr.roundNumber:
		case <-vr.ctx.Done():
		}
	}
	return nil
}

// constructPrevote picks the prevote target from the predecessor round's
// state, honoring a primary-broadcast hint when the hinted block sits
// between the predecessor's estimate and prevote-GHOST. Returns nil when
// the chain no longer knows the block to build on. Callers hold mu.
func (vr *votingRound[H, N, Sig, ID]) constructPrevote(lastState finality.RoundState[H, N]) *finality.Prevote[H, N] {
	lastEstimate := lastState.Estimate

	var findDescendentOf H
	switch {
	case vr.primaryBlock == nil:
		findDescendentOf = lastEstimate.Hash
	default:
		primary := *vr.primaryBlock
		lastPrevoteGhost := lastState.PrevoteGHOST
		switch {
		case lastPrevoteGhost == nil:
			findDescendentOf = lastEstimate.Hash
		case primary == *lastPrevoteGhost:
			findDescendentOf = primary.Hash
		case primary.Number >= lastPrevoteGhost.Number:
			findDescendentOf = lastEstimate.Hash
		default:
			// The primary block is below the prevote-GHOST. Vote for the
			// best chain containing it only if it is a strict descendant of
			// the estimate, i.e. it appears in the ancestry of the
			// prevote-GHOST above the estimate.
			ancestry, err := vr.env.Ancestry(lastEstimate.Hash, lastPrevoteGhost.Hash)
			if err != nil {
				findDescendentOf = lastEstimate.Hash
				break
			}
			offset := int(lastPrevoteGhost.Number) - int(primary.Number) - 1
			if offset >= 0 && offset < len(ancestry) && ancestry[offset] == primary.Hash {
				findDescendentOf = primary.Hash
			} else {
				findDescendentOf = lastEstimate.Hash
			}
		}
	}

	best := vr.env.BestChainContaining(findDescendentOf)
	if best == nil {
		log.WithField("round", vr.roundNumber).Warn("Could not cast prevote: previously known block has disappeared")
		return nil
	}
	return &finality.Prevote[H, N]{TargetHash: best.Hash, TargetNumber: best.Number}
}

// constructPrecommit targets the round's prevote-GHOST, falling back to
// the round base. Callers hold mu.
func (vr *votingRound[H, N, Sig, ID]) constructPrecommit() finality.Precommit[H, N] {
	target := vr.votes.State().PrevoteGHOST
	if target == nil {
		base := vr.votes.Base()
		target = &base
	}
	return finality.Precommit[H, N]{TargetHash: target.Hash, TargetNumber: target.Number}
}

// bridgeState hands out a view of this round's future state updates.
// Called once when the successor round is created.
func (vr *votingRound[H, N, Sig, ID]) bridgeState() latterView[H, N] {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	prior, latter := newBridge(vr.votes.State())
	if vr.bridged != nil {
		log.WithField("round", vr.roundNumber).Warn("Round state bridged more than once")
	}
	vr.bridged = &prior
	return latter
}

// roundState returns the current tally snapshot.
func (vr *votingRound[H, N, Sig, ID]) roundState() finality.RoundState[H, N] {
	vr.mu.Lock()
	defer vr.mu.Unlock()
	return vr.votes.State()
}

// wake nudges the run loop to re-poll after external tally mutation.
func (vr *votingRound[H, N, Sig, ID]) wake() {
	select {
	case vr.poke <- struct{}{}:
	default:
	}
}

func (vr *votingRound[H, N, Sig, ID]) reportErr(err error) {
	select {
	case vr.errs <- err:
	default:
		log.WithError(err).Error("Dropping round error; voter already failing")
	}
}
