package voter

import (
	"context"

	"go.opencensus.io/trace"
	"golang.org/x/exp/constraints"

	"github.com/grovelabs/grandpa/finality"
	"github.com/grovelabs/grandpa/finality/votegraph"
)

// ValidateCommit checks a commit against a voter set and threshold:
// every precommit must target a descendant-or-equal of the commit target,
// voters must not repeat, every signer must belong to the set, and the
// precommits replayed into a fresh vote graph rooted at the target must
// produce a GHOST at or above the target. Returns that GHOST, or nil when
// the commit does not prove finality. The error reports precommits on
// blocks unrelated to the target.
func ValidateCommit[H constraints.Ordered, N constraints.Unsigned, Sig comparable, ID constraints.Ordered](
	ctx context.Context,
	commit finality.Commit[H, N, Sig, ID],
	voters map[ID]uint64,
	threshold uint64,
	chain finality.Chain[H, N],
) (*finality.HashNumber[H, N], error) {
	_, span := trace.StartSpan(ctx, "grandpa.voter.ValidateCommit")
	defer span.End()

	seen := make(map[ID]struct{}, len(commit.Precommits))
	for _, signed := range commit.Precommits {
		if signed.Precommit.TargetNumber < commit.TargetNumber {
			return nil, nil
		}
		if !chain.IsEqualOrDescendentOf(commit.TargetHash, signed.Precommit.TargetHash) {
			return nil, nil
		}
		if _, dup := seen[signed.ID]; dup {
			return nil, nil
		}
		seen[signed.ID] = struct{}{}
		if _, ok := voters[signed.ID]; !ok {
			return nil, nil
		}
	}

	graph := votegraph.New(commit.TargetHash, commit.TargetNumber)
	for _, signed := range commit.Precommits {
		weight := voters[signed.ID]
		if err := graph.Insert(signed.Precommit.TargetHash, signed.Precommit.TargetNumber, weight, chain); err != nil {
			return nil, err
		}
	}

	target := finality.HashNumber[H, N]{Hash: commit.TargetHash, Number: commit.TargetNumber}
	return graph.FindGHOST(&target, func(w uint64) bool { return w >= threshold }), nil
}
