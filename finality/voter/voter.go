// Package voter drives the multi-round voting protocol: it owns the
// current voting round, keeps completed rounds around for late votes,
// runs the commit protocol, and reports finalized blocks to the
// environment as soon as rounds prove them irreversible.
package voter

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/shared/params"
)

// Config holds the start-up parameters of a Voter.
type Config[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	// Environment supplies chain access, round data, and checkpoints.
	Environment finality.Environment[H, N, Sig, ID]
	// LastRound is the number of the last completed round; zero when the
	// voter starts from genesis.
	LastRound uint64
	// LastRoundState is the final state of that round. Use
	// finality.GenesisRoundState for a fresh voter.
	LastRoundState finality.RoundState[H, N]
	// LastFinalized is the highest block known to be finalized; it becomes
	// the base of the first round.
	LastFinalized finality.HashNumber[H, N]
}

// Voter is the long-lived service multiplexing the current round, the
// background rounds, and the commit protocol.
type Voter[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	ctx    context.Context
	cancel context.CancelFunc
	env    finality.Environment[H, N, Sig, ID]

	best       *votingRound[H, N, Sig, ID]
	background []*backgroundRound[H, N, Sig, ID]
	committer  *committer[H, N, Sig, ID]

	finalizedCh   chan finality.HashNumber[H, N]
	completionCh  chan uint64
	errCh         chan error
	lastFinalized finality.HashNumber[H, N]

	finalizedFeed event.Feed

	lock    sync.Mutex
	runErr  error
	started bool
	done    chan struct{}
}

// New creates a voter resuming after the given completed round. The round
// state must be completable: rounds only ever start on top of completable
// predecessors.
func New[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered](
	ctx context.Context,
	cfg *Config[H, N, Sig, ID],
) (*Voter[H, N, Sig, ID], error) {
	if cfg.LastRoundState.Estimate == nil || !cfg.LastRoundState.Completable {
		return nil, errors.New("voter must start from a completable round state")
	}
	ctx, cancel := context.WithCancel(ctx)

	v := &Voter[H, N, Sig, ID]{
		ctx:           ctx,
		cancel:        cancel,
		env:           cfg.Environment,
		finalizedCh:   make(chan finality.HashNumber[H, N], params.VoterConfig().FinalizedBufferSize),
		completionCh:  make(chan uint64, 4),
		errCh:         make(chan error, 8),
		lastFinalized: cfg.LastFinalized,
		done:          make(chan struct{}),
	}

	commitIn, commitOut := cfg.Environment.CommitterData()
	committer, err := newCommitter(cfg.Environment, commitIn, commitOut, v.errCh)
	if err != nil {
		cancel()
		return nil, err
	}
	v.committer = committer

	nextNumber := cfg.LastRound + 1
	_, latter := newBridge(cfg.LastRoundState)
	v.best = newVotingRound(
		cfg.Environment,
		nextNumber,
		cfg.Environment.RoundData(nextNumber),
		cfg.LastFinalized,
		latter,
		v.finalizedCh,
		v.completionCh,
		v.errCh,
	)
	return v, nil
}

// Start launches the voter's goroutines.
func (v *Voter[H, N, Sig, ID]) Start() {
	v.lock.Lock()
	if v.started {
		v.lock.Unlock()
		return
	}
	v.started = true
	v.lock.Unlock()

	log.WithField("round", v.best.roundNumber).Info("Starting finality voter")
	go v.committer.run(v.ctx)
	v.startRound(v.best)
	go v.run()
}

// Stop terminates the voter and all of its rounds.
func (v *Voter[H, N, Sig, ID]) Stop() error {
	log.Info("Stopping finality voter")
	v.cancel()
	return nil
}

// Status returns the fatal error that stopped the voter, if any.
func (v *Voter[H, N, Sig, ID]) Status() error {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.runErr
}

// Done is closed once the voter has stopped, either by Stop or by a fatal
// error.
func (v *Voter[H, N, Sig, ID]) Done() <-chan struct{} {
	return v.done
}

// FinalizedFeed emits a finality.HashNumber for every newly finalized
// block, in order of increasing height.
func (v *Voter[H, N, Sig, ID]) FinalizedFeed() *event.Feed {
	return &v.finalizedFeed
}

// startRound gives the round its own cancellable context and spawns its
// run loop.
func (v *Voter[H, N, Sig, ID]) startRound(vr *votingRound[H, N, Sig, ID]) {
	vr.ctx, vr.cancel = context.WithCancel(v.ctx)
	go vr.run()
}

// run is the voter's event loop: it reacts to finalization notifications
// from any round and to the current round completing.
func (v *Voter[H, N, Sig, ID]) run() {
	defer close(v.done)
	for {
		select {
		case <-v.ctx.Done():
			return
		case err := <-v.errCh:
			v.abort(err)
			return
		case finalized := <-v.finalizedCh:
			if err := v.onFinalized(finalized); err != nil {
				v.abort(err)
				return
			}
		case number := <-v.completionCh:
			if err := v.advance(number); err != nil {
				v.abort(err)
				return
			}
		}
	}
}

// onFinalized prunes background rounds that can no longer make progress
// and pushes the finalization out to the environment when it is news.
func (v *Voter[H, N, Sig, ID]) onFinalized(finalized finality.HashNumber[H, N]) error {
	retained := v.background[:0]
	for _, bg := range v.background {
		if bg.done(finalized.Number) {
			log.WithField("round", bg.round.roundNumber).Debug("Dropping completed background round")
			bg.stop()
			continue
		}
		retained = append(retained, bg)
	}
	v.background = retained

	if finalized.Number > v.lastFinalized.Number {
		if err := v.env.FinalizeBlock(finalized.Hash, finalized.Number); err != nil {
			return errors.Wrap(err, "could not finalize block")
		}
		v.lastFinalized = finalized
		finalizedNumberGauge.Set(float64(finalized.Number))
		v.finalizedFeed.Send(finalized)
	}
	return nil
}

// advance moves the current round to the background and starts its
// successor once all of the current round's votes are cast and the round
// is completable.
func (v *Voter[H, N, Sig, ID]) advance(number uint64) error {
	current := v.best
	if number != current.roundNumber {
		return nil
	}

	state := current.roundState()
	if err := v.env.Completed(number, state); err != nil {
		return errors.Wrapf(err, "could not checkpoint round %d", number)
	}
	roundsCompleted.Inc()

	nextNumber := number + 1
	next := newVotingRound(
		v.env,
		nextNumber,
		v.env.RoundData(nextNumber),
		v.lastFinalized,
		current.bridgeState(),
		v.finalizedCh,
		v.completionCh,
		v.errCh,
	)

	v.background = append(v.background, &backgroundRound[H, N, Sig, ID]{round: current})
	v.committer.push(v.ctx, number, current)
	v.best = next
	v.startRound(next)

	log.WithField("round", nextNumber).Debug("Advanced to next round")
	return nil
}

func (v *Voter[H, N, Sig, ID]) abort(err error) {
	log.WithError(err).Error("Voter stopping on fatal error")
	v.lock.Lock()
	v.runErr = err
	v.lock.Unlock()
	v.cancel()
}
