package finality

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrNotDescendent is returned by Chain.Ancestry when the queried block is
// not a descendant of the given base.
var ErrNotDescendent = errors.New("block is not a descendent of base")

// Chain is the read-only view of block ancestry the finality core requires
// from the embedding node. Implementations must answer for every block that
// appears in a vote delivered to the core.
type Chain[H constraints.Ordered, N constraints.Unsigned] interface {
	// Ancestry returns the hashes strictly between block and base, starting
	// with block's parent and ending with base's child. Returns
	// ErrNotDescendent when block is not a descendant of base.
	Ancestry(base, block H) ([]H, error)

	// IsEqualOrDescendentOf reports whether block is base or one of its
	// descendants.
	IsEqualOrDescendentOf(base, block H) bool

	// BestChainContaining returns the head of the node's best chain that
	// includes the given block, or nil when the block is unknown.
	BestChainContaining(base H) *HashNumber[H, N]
}
