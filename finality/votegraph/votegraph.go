// Package votegraph maintains a compacted DAG over the blocks of a chain
// that carry votes, accumulating vote weight along edges. Blocks without
// votes are kept implicitly inside the ancestry edges of vote-nodes, so the
// graph stays proportional to the number of distinct vote targets rather
// than the length of the chain.
package votegraph

import (
	"github.com/tidwall/btree"
	"golang.org/x/exp/constraints"

	"github.com/grovelabs/grandpa/finality"
)

// entry is a single vote-node: a block with votes cast directly on it, or a
// branch point between two such blocks.
type entry[H constraints.Ordered, N constraints.Unsigned] struct {
	number N
	// ancestors holds hashes from the parent up to the nearest ancestor
	// vote-node, child-to-parent. The last element names that vote-node.
	// Empty for the base entry.
	ancestors []H
	// descendents are the keys of the directly subordinate vote-nodes.
	descendents []H
	// cumulativeWeight is the weight of all votes on this block and every
	// block in its vote-node subtree.
	cumulativeWeight uint64
}

// ancestorBlock returns the hash at the given height within this entry's
// ancestry edge. ok is false when the height is at or above the entry, or
// below the nearest ancestor vote-node.
func (e *entry[H, N]) ancestorBlock(number N) (h H, ok bool) {
	if number >= e.number {
		return h, false
	}
	offset := int(e.number - number - 1)
	if offset >= len(e.ancestors) {
		return h, false
	}
	return e.ancestors[offset], true
}

// inDirectAncestry reports whether the given block sits on this entry's
// ancestry edge. known is false when the answer cannot be determined from
// this entry alone and the graph must be traversed further back.
func (e *entry[H, N]) inDirectAncestry(hash H, number N) (contained, known bool) {
	h, ok := e.ancestorBlock(number)
	if !ok {
		return false, false
	}
	return h == hash, true
}

// ancestorNode returns the key of the nearest ancestor vote-node, if any.
func (e *entry[H, N]) ancestorNode() (h H, ok bool) {
	if len(e.ancestors) == 0 {
		return h, false
	}
	return e.ancestors[len(e.ancestors)-1], true
}

// Graph is the vote DAG rooted at a base block. The zero value is not
// usable; construct with New.
type Graph[H constraints.Ordered, N constraints.Unsigned] struct {
	entries    *btree.Map[H, *entry[H, N]]
	heads      btree.Set[H]
	base       H
	baseNumber N
}

// New creates a graph with the given base as its sole entry and sole head,
// carrying zero weight.
func New[H constraints.Ordered, N constraints.Unsigned](baseHash H, baseNumber N) *Graph[H, N] {
	g := &Graph[H, N]{
		entries:    btree.NewMap[H, *entry[H, N]](2),
		base:       baseHash,
		baseNumber: baseNumber,
	}
	g.entries.Set(baseHash, &entry[H, N]{number: baseNumber})
	g.heads.Insert(baseHash)
	return g
}

// Base returns the base block of the graph.
func (g *Graph[H, N]) Base() finality.HashNumber[H, N] {
	return finality.HashNumber[H, N]{Hash: g.base, Number: g.baseNumber}
}

// Insert records weight on the block with the given hash and number,
// creating a vote-node for it if one does not exist, and propagates the
// weight through every ancestor vote-node up to the base. The only failure
// is the chain reporting that the block does not descend from the base.
func (g *Graph[H, N]) Insert(hash H, number N, weight uint64, chain finality.Chain[H, N]) error {
	containing, exists := g.containing(hash, number)
	switch {
	case exists:
		// Already a vote-node; nothing structural to do.
	case len(containing) == 0:
		if err := g.appendNode(hash, number, chain); err != nil {
			return err
		}
	default:
		g.introduceBranch(containing, hash, number)
	}

	// A vote-node for the hash exists past this point. Accumulate the new
	// weight on it and on every vote-node between it and the base.
	inspecting := hash
	for {
		active := g.mustGetEntry(inspecting)
		active.cumulativeWeight += weight
		parent, ok := active.ancestorNode()
		if !ok {
			return nil
		}
		inspecting = parent
	}
}

// containing finds the vote-nodes whose ancestry edge covers the given
// block. exists reports that the block is itself a vote-node, in which case
// no keys are returned.
func (g *Graph[H, N]) containing(hash H, number N) (keys []H, exists bool) {
	if _, ok := g.entries.Get(hash); ok {
		return nil, true
	}

	// Search every head backwards through ancestor-node pointers. The
	// visited set keeps shared ancestry from being walked once per head.
	visited := make(map[H]struct{})
	g.heads.Scan(func(head H) bool {
		active := head
		for {
			e, ok := g.entries.Get(active)
			if !ok {
				break
			}
			if _, seen := visited[active]; seen {
				break
			}
			visited[active] = struct{}{}

			contained, known := e.inDirectAncestry(hash, number)
			switch {
			case !known:
				if parent, ok := e.ancestorNode(); ok {
					active = parent
					continue
				}
			case contained:
				keys = append(keys, active)
			}
			break
		}
		return true
	})
	return keys, false
}

// appendNode attaches a new vote-node whose block is not covered by any
// existing ancestry edge. The ancestry is fetched from the chain and walked
// until it hits an existing entry, which becomes the new node's ancestor
// vote-node.
func (g *Graph[H, N]) appendNode(hash H, number N, chain finality.Chain[H, N]) error {
	ancestry, err := chain.Ancestry(g.base, hash)
	if err != nil {
		return err
	}
	ancestry = append(ancestry, g.base)

	ancestorIndex := -1
	for i, ancestor := range ancestry {
		if anc, ok := g.entries.Get(ancestor); ok {
			anc.descendents = append(anc.descendents, hash)
			ancestorIndex = i
			break
		}
	}
	if ancestorIndex < 0 {
		// The base is always an entry, and the chain only returns ancestry
		// for descendants of the base.
		panic("votegraph: ancestry of inserted block does not reach the base")
	}

	ancestorHash := ancestry[ancestorIndex]
	g.entries.Set(hash, &entry[H, N]{
		number:    number,
		ancestors: ancestry[:ancestorIndex+1],
	})
	g.heads.Delete(ancestorHash)
	g.heads.Insert(hash)
	return nil
}

// introduceBranch splits the ancestry edges of the given vote-nodes at a
// common ancestor, making that ancestor a vote-node of its own. Every key in
// descendents must be an existing entry whose edge covers the ancestor.
func (g *Graph[H, N]) introduceBranch(descendents []H, ancestorHash H, ancestorNumber N) {
	var branch *entry[H, N]
	var prevAncestor H
	var hasPrevAncestor bool

	for _, key := range descendents {
		d := g.mustGetEntry(key)
		if contained, known := d.inDirectAncestry(ancestorHash, ancestorNumber); !known || !contained {
			panic("votegraph: branch introduced on node outside its ancestry edge")
		}

		// Splitting an edge at the ancestor: the high portion stays with the
		// descendant and now terminates at the new vote-node; the low
		// portion seeds the new vote-node's own edge.
		offset := int(d.number - ancestorNumber)
		if branch == nil {
			prevAncestor, hasPrevAncestor = d.ancestorNode()
			branch = &entry[H, N]{
				number:    ancestorNumber,
				ancestors: d.ancestors[offset:],
			}
		}
		d.ancestors = d.ancestors[:offset]
		branch.descendents = append(branch.descendents, key)
		branch.cumulativeWeight += d.cumulativeWeight
	}

	if branch == nil {
		return
	}
	if hasPrevAncestor {
		prev := g.mustGetEntry(prevAncestor)
		retained := make([]H, 0, len(prev.descendents))
		for _, d := range prev.descendents {
			if !contains(branch.descendents, d) {
				retained = append(retained, d)
			}
		}
		prev.descendents = append(retained, ancestorHash)
	}
	g.entries.Set(ancestorHash, branch)
}

// AdjustBase rewrites the graph to sit on a deeper base. The proof holds the
// hashes from the old base's parent down to the new base, in that order. An
// empty or over-long proof is ignored.
func (g *Graph[H, N]) AdjustBase(ancestryProof []H) {
	if len(ancestryProof) == 0 || N(len(ancestryProof)) > g.baseNumber {
		return
	}
	newBase := ancestryProof[len(ancestryProof)-1]
	newNumber := g.baseNumber - N(len(ancestryProof))

	old := g.mustGetEntry(g.base)
	old.ancestors = append(old.ancestors, ancestryProof...)

	g.entries.Set(newBase, &entry[H, N]{
		number:           newNumber,
		descendents:      []H{g.base},
		cumulativeWeight: old.cumulativeWeight,
	})
	g.base = newBase
	g.baseNumber = newNumber
}

func (g *Graph[H, N]) mustGetEntry(hash H) *entry[H, N] {
	e, ok := g.entries.Get(hash)
	if !ok {
		panic("votegraph: entry referenced by the graph is missing")
	}
	return e
}

func contains[H comparable](haystack []H, needle H) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}
