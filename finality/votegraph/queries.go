package votegraph

import (
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/slices"

	"github.com/grovelabs/grandpa/finality"
)

// Condition evaluates accumulated vote weight, typically against the round
// threshold. Conditions must be monotone: once satisfied by some weight,
// they are satisfied by any larger weight.
type Condition func(weight uint64) bool

// FindGHOST returns the block with the highest number whose vote-node
// subtree satisfies the condition: the greedy heaviest observed subtree
// starting from currentBest, or from the base when currentBest is nil.
// Returns nil when not even the subtree containing currentBest satisfies
// the condition.
//
// The condition is assumed to hold for at most one child fork of any block,
// since only one fork can carry a supermajority.
func (g *Graph[H, N]) FindGHOST(currentBest *finality.HashNumber[H, N], condition Condition) *finality.HashNumber[H, N] {
	var (
		nodeKey        H
		forceConstrain bool
	)
	if currentBest == nil {
		nodeKey = g.base
	} else {
		containing, exists := g.containing(currentBest.Hash, currentBest.Number)
		switch {
		case exists:
			nodeKey = currentBest.Hash
		case len(containing) > 0:
			// currentBest lives on an edge; start from the vote-node the
			// edge descends from and only follow forks through currentBest.
			ancestor, ok := g.mustGetEntry(containing[0]).ancestorNode()
			if !ok {
				panic("votegraph: node containing a non-node block always has an ancestor")
			}
			nodeKey = ancestor
			forceConstrain = true
		default:
			nodeKey = g.base
		}
	}

	active := g.mustGetEntry(nodeKey)
	if !condition(active.cumulativeWeight) {
		return nil
	}

	// Descend into the heaviest qualifying subtree until no descendant
	// vote-node crosses the condition on its own.
	for {
		var next H
		found := false
		for _, key := range active.descendents {
			d := g.mustGetEntry(key)
			if forceConstrain {
				contained, known := d.inDirectAncestry(currentBest.Hash, currentBest.Number)
				if !known || !contained {
					continue
				}
			}
			if condition(d.cumulativeWeight) {
				next = key
				found = true
				break
			}
		}
		if !found {
			break
		}
		forceConstrain = false
		nodeKey = next
		active = g.mustGetEntry(next)
	}

	var constrain *finality.HashNumber[H, N]
	if forceConstrain {
		constrain = currentBest
	}
	return g.mergePoint(nodeKey, active, constrain, condition).best()
}

// FindAncestor returns the block with the highest number at or below the
// given block which satisfies the condition on accumulated weight. Returns
// nil when the block is not covered by the graph or no ancestor qualifies.
func (g *Graph[H, N]) FindAncestor(hash H, number N, condition Condition) *finality.HashNumber[H, N] {
	for {
		children, exists := g.containing(hash, number)
		if exists {
			node := g.mustGetEntry(hash)
			if condition(node.cumulativeWeight) {
				return &finality.HashNumber[H, N]{Hash: hash, Number: number}
			}
			// Not enough weight here; step to the parent block.
			if len(node.ancestors) == 0 {
				return nil
			}
			hash = node.ancestors[0]
			number = node.number - 1
			continue
		}

		// No vote-node at the block: it is either inside the ancestry edges
		// of the children found, or outside the graph entirely.
		if len(children) == 0 {
			return nil
		}
		var weight uint64
		for _, c := range children {
			weight += g.mustGetEntry(c).cumulativeWeight
		}
		if condition(weight) {
			return &finality.HashNumber[H, N]{Hash: hash, Number: number}
		}

		child := g.mustGetEntry(children[len(children)-1])
		offset := int(child.number - number)
		if offset >= len(child.ancestors) {
			// Walked past the base without enough weight.
			return nil
		}
		hash = child.ancestors[offset]
		number = number - 1
	}
}

// subChain is a run of blocks in forward order ending at the best block of
// a merge-point search.
type subChain[H constraints.Ordered, N constraints.Unsigned] struct {
	hashes     []H
	bestNumber N
}

func (sc subChain[H, N]) best() *finality.HashNumber[H, N] {
	if len(sc.hashes) == 0 {
		return nil
	}
	return &finality.HashNumber[H, N]{
		Hash:   sc.hashes[len(sc.hashes)-1],
		Number: sc.bestNumber,
	}
}

// mergePoint walks the ancestry edges below a qualifying vote-node to find
// the highest block at which enough of its descendants' weight still
// merges to satisfy the condition. The returned subchain starts at the
// node itself. When constrain is set, only descendants whose ancestry
// contains the constraining block participate.
func (g *Graph[H, N]) mergePoint(
	nodeKey H,
	node *entry[H, N],
	constrain *finality.HashNumber[H, N],
	condition Condition,
) subChain[H, N] {
	var descendents []*entry[H, N]
	for _, key := range node.descendents {
		d := g.mustGetEntry(key)
		if constrain != nil {
			contained, known := d.inDirectAncestry(constrain.Hash, constrain.Number)
			if !known || !contained {
				continue
			}
		}
		descendents = append(descendents, d)
	}

	baseNumber := node.number
	bestNumber := node.number
	hashes := []H{nodeKey}

	for offset := N(1); ; offset++ {
		// Group the descendants by their ancestor hash at this height and
		// merge weights per group. Ties break deterministically on the
		// smallest qualifying hash.
		weights := make(map[H]uint64)
		var order []H
		for _, d := range descendents {
			block, ok := d.ancestorBlock(baseNumber + offset)
			if !ok {
				continue
			}
			if _, seen := weights[block]; !seen {
				order = append(order, block)
			}
			weights[block] += d.cumulativeWeight
		}
		slices.Sort(order)

		advanced := false
		for _, block := range order {
			if !condition(weights[block]) {
				continue
			}
			bestNumber++
			hashes = append(hashes, block)
			retained := descendents[:0]
			for _, d := range descendents {
				if contained, known := d.inDirectAncestry(block, bestNumber); known && contained {
					retained = append(retained, d)
				}
			}
			descendents = retained
			advanced = true
			break
		}
		if !advanced {
			break
		}
	}

	return subChain[H, N]{hashes: hashes, bestNumber: bestNumber}
}
