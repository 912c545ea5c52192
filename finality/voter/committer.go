package voter

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/shared/params"
)

// roundCommitter tracks the commit protocol of one running round: the
// last commit seen for it and the tally shared with its voting round.
type roundCommitter[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	round      *votingRound[H, N, Sig, ID]
	lastCommit *finality.Commit[H, N, Sig, ID]
}

// importCommit validates a commit against the round and pulls its
// precommits into the round tally, catching weight from voters whose
// direct votes never arrived. Reports false when the commit is invalid.
func (rc *roundCommitter[H, N, Sig, ID]) importCommit(
	ctx context.Context,
	env finality.Environment[H, N, Sig, ID],
	commit finality.Commit[H, N, Sig, ID],
) (bool, error) {
	vr := rc.round

	vr.mu.Lock()
	// Commits for blocks below what the round already finalized carry no
	// new information.
	var finalizedNumber N
	if f := vr.votes.Finalized(); f != nil {
		finalizedNumber = f.Number
	}
	if commit.TargetNumber < finalizedNumber {
		vr.mu.Unlock()
		return true, nil
	}

	ghost, err := ValidateCommit[H, N, Sig, ID](ctx, commit, vr.votes.Voters(), vr.votes.Threshold(), env)
	if err != nil || ghost == nil {
		vr.mu.Unlock()
		return false, err
	}

	var equivocations []finality.Equivocation[ID, finality.Precommit[H, N], Sig]
	for _, signed := range commit.Precommits {
		eq, err := vr.votes.ImportPrecommit(env, signed.Precommit, signed.ID, signed.Signature)
		if err != nil {
			vr.mu.Unlock()
			return false, err
		}
		if eq != nil {
			equivocations = append(equivocations, *eq)
		}
	}
	rc.lastCommit = &commit
	vr.mu.Unlock()

	for _, eq := range equivocations {
		equivocationsObserved.WithLabelValues("precommit").Inc()
		env.PrecommitEquivocation(vr.roundNumber, eq)
	}
	vr.wake()
	return true, nil
}

// commit builds the commit to broadcast when the round's commit timer
// fires: one per finalized block, unless a commit at least as high was
// already seen from the network.
func (rc *roundCommitter[H, N, Sig, ID]) commit(env finality.Environment[H, N, Sig, ID]) *finality.Commit[H, N, Sig, ID] {
	vr := rc.round
	vr.mu.Lock()
	defer vr.mu.Unlock()

	finalized := vr.votes.Finalized()
	if finalized == nil {
		return nil
	}
	if rc.lastCommit != nil && rc.lastCommit.TargetNumber >= finalized.Number {
		return nil
	}

	commit := &finality.Commit[H, N, Sig, ID]{
		TargetHash:   finalized.Hash,
		TargetNumber: finalized.Number,
	}
	// The tally keeps only each voter's first precommit, so equivocators
	// contribute at most one justifying vote here.
	for _, signed := range vr.votes.Precommits() {
		if env.IsEqualOrDescendentOf(finalized.Hash, signed.Precommit.TargetHash) {
			commit.Precommits = append(commit.Precommits, signed)
		}
	}
	return commit
}

// committer runs the commit protocol: it imports commits from the network
// into running rounds, finalizes blocks proven by commits for unknown
// rounds, and broadcasts this voter's own commits after a randomized
// delay.
type committer[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered] struct {
	env      finality.Environment[H, N, Sig, ID]
	incoming <-chan finality.IncomingCommit[H, N, Sig, ID]
	outgoing chan<- finality.OutgoingCommit[H, N, Sig, ID]

	mu     sync.Mutex
	rounds map[uint64]*roundCommitter[H, N, Sig, ID]

	// timerFired carries the round numbers whose commit timers expired.
	timerFired chan uint64
	// seen skips re-validating commits that already went through.
	seen *lru.Cache

	errs chan<- error
}

func newCommitter[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered](
	env finality.Environment[H, N, Sig, ID],
	incoming <-chan finality.IncomingCommit[H, N, Sig, ID],
	outgoing chan<- finality.OutgoingCommit[H, N, Sig, ID],
	errs chan<- error,
) (*committer[H, N, Sig, ID], error) {
	seen, err := lru.New(params.VoterConfig().SeenCommitCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "could not create seen-commit cache")
	}
	return &committer[H, N, Sig, ID]{
		env:        env,
		incoming:   incoming,
		outgoing:   outgoing,
		rounds:     make(map[uint64]*roundCommitter[H, N, Sig, ID]),
		timerFired: make(chan uint64, params.VoterConfig().CommitBufferSize),
		seen:       seen,
		errs:       errs,
	}, nil
}

// push registers a round with the commit protocol and arms its commit
// timer.
func (c *committer[H, N, Sig, ID]) push(ctx context.Context, number uint64, vr *votingRound[H, N, Sig, ID]) {
	c.mu.Lock()
	if _, dup := c.rounds[number]; dup {
		c.mu.Unlock()
		log.WithField("round", number).Error("Round registered with committer twice")
		return
	}
	c.rounds[number] = &roundCommitter[H, N, Sig, ID]{round: vr}
	c.mu.Unlock()

	timer := c.env.RoundCommitTimer()
	go func() {
		select {
		case <-timer:
			select {
			case c.timerFired <- number:
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
}

// run is the committer's event loop.
func (c *committer[H, N, Sig, ID]) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case incoming, ok := <-c.incoming:
			if !ok {
				c.reportErr(errors.New("commit stream closed"))
				return
			}
			if err := c.processCommit(ctx, incoming); err != nil {
				c.reportErr(err)
				return
			}
		case number := <-c.timerFired:
			if err := c.processTimer(ctx, number); err != nil {
				c.reportErr(err)
				return
			}
		}
	}
}

// processCommit handles one commit from the network. Commits for running
// rounds feed the round tally; commits for unknown rounds are validated
// standalone and finalize their target directly. Invalid commits are
// logged and dropped.
func (c *committer[H, N, Sig, ID]) processCommit(ctx context.Context, incoming finality.IncomingCommit[H, N, Sig, ID]) error {
	commit := incoming.Commit.Expand()
	log.WithFields(logFields(incoming.RoundNumber, commit.TargetNumber)).Debug("Processing commit message")

	key := fmt.Sprintf("%d-%v", incoming.RoundNumber, commit)
	if _, ok := c.seen.Get(key); ok {
		return nil
	}
	c.seen.Add(key, struct{}{})

	c.mu.Lock()
	rc := c.rounds[incoming.RoundNumber]
	c.mu.Unlock()

	if rc != nil {
		ok, err := rc.importCommit(ctx, c.env, commit)
		if err != nil || !ok {
			commitsRejected.Inc()
			log.WithError(err).WithFields(logFields(incoming.RoundNumber, commit.TargetNumber)).
				Debug("Ignoring invalid commit")
			return nil
		}
		commitsValidated.Inc()
		return nil
	}

	// A round this voter never ran: validate the proof on its own and
	// finalize whatever it proves.
	voters := c.env.Voters(incoming.RoundNumber)
	var total uint64
	for _, weight := range voters {
		total += weight
	}
	ghost, err := ValidateCommit[H, N, Sig, ID](ctx, commit, voters, finality.Threshold(total), c.env)
	if err != nil || ghost == nil {
		commitsRejected.Inc()
		log.WithError(err).WithFields(logFields(incoming.RoundNumber, commit.TargetNumber)).
			Debug("Ignoring invalid commit")
		return nil
	}
	commitsValidated.Inc()
	if err := c.env.FinalizeBlock(commit.TargetHash, commit.TargetNumber); err != nil {
		return errors.Wrap(err, "could not finalize block from commit")
	}
	return nil
}

// processTimer broadcasts this round's commit if its finalized block has
// not been covered by a commit from the network. The round leaves the
// commit protocol either way.
func (c *committer[H, N, Sig, ID]) processTimer(ctx context.Context, number uint64) error {
	c.mu.Lock()
	rc := c.rounds[number]
	delete(c.rounds, number)
	c.mu.Unlock()
	if rc == nil {
		return nil
	}

	commit := rc.commit(c.env)
	if commit == nil {
		return nil
	}
	log.WithFields(logFields(number, commit.TargetNumber)).Debug("Broadcasting commit")
	select {
	case c.outgoing <- finality.OutgoingCommit[H, N, Sig, ID]{RoundNumber: number, Commit: *commit}:
		commitsBroadcast.Inc()
	case <-ctx.Done():
	}
	return nil
}

func (c *committer[H, N, Sig, ID]) reportErr(err error) {
	select {
	case c.errs <- err:
	default:
		log.WithError(err).Error("Dropping committer error; voter already failing")
	}
}

func logFields[N constraints.Unsigned](round uint64, target N) map[string]interface{} {
	return map[string]interface{}{
		"round":  round,
		"target": target,
	}
}
