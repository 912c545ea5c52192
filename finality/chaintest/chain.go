// Package chaintest provides an in-memory block tree, a message-routing
// network, and a complete test Environment for exercising the finality
// core without a real node behind it.
package chaintest

import (
	"sync"

	"github.com/grovelabs/grandpa/finality"
)

// GenesisHash names the root block every test chain starts from.
const GenesisHash = "genesis"

type blockRecord struct {
	number uint64
	parent string
}

// DummyChain is a thread-safe in-memory block tree keyed by string hashes.
// The genesis block sits at height 1 so votes on it stay distinguishable
// from the zero value.
type DummyChain struct {
	mu     sync.Mutex
	inner  map[string]blockRecord
	leaves []string
}

// NewDummyChain creates a chain holding only the genesis block.
func NewDummyChain() *DummyChain {
	return &DummyChain{
		inner:  map[string]blockRecord{GenesisHash: {number: 1}},
		leaves: []string{GenesisHash},
	}
}

// PushBlocks appends a run of blocks, each the child of the previous one,
// starting as a child of the given parent. The last block becomes a leaf.
func (c *DummyChain) PushBlocks(parent string, blocks ...string) {
	if len(blocks) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	base, ok := c.inner[parent]
	if !ok {
		panic("chaintest: pushing blocks onto unknown parent " + parent)
	}

	number := base.number
	for _, block := range blocks {
		number++
		c.inner[block] = blockRecord{number: number, parent: parent}
		parent = block
	}

	for i, leaf := range c.leaves {
		if leaf == c.inner[blocks[0]].parent {
			c.leaves = append(c.leaves[:i], c.leaves[i+1:]...)
			break
		}
	}
	c.leaves = append(c.leaves, blocks[len(blocks)-1])
}

// Number returns the height of a block, panicking on unknown hashes so
// test mistakes surface immediately.
func (c *DummyChain) Number(hash string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.inner[hash]
	if !ok {
		panic("chaintest: unknown block " + hash)
	}
	return rec.number
}

// Ancestry returns the hashes strictly between block and base, starting
// with block's parent.
func (c *DummyChain) Ancestry(base, block string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ancestryLocked(base, block)
}

func (c *DummyChain) ancestryLocked(base, block string) ([]string, error) {
	var ancestry []string
	for {
		rec, ok := c.inner[block]
		if !ok {
			return nil, finality.ErrNotDescendent
		}
		block = rec.parent
		if block == base {
			return ancestry, nil
		}
		if block == "" {
			return nil, finality.ErrNotDescendent
		}
		ancestry = append(ancestry, block)
	}
}

// IsEqualOrDescendentOf reports whether block equals base or descends
// from it.
func (c *DummyChain) IsEqualOrDescendentOf(base, block string) bool {
	if base == block {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ancestryLocked(base, block)
	return err == nil
}

// BestChainContaining returns the highest leaf descending from the given
// block, or nil when the block is unknown.
func (c *DummyChain) BestChainContaining(base string) *finality.HashNumber[string, uint64] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inner[base]; !ok {
		return nil
	}

	var best *finality.HashNumber[string, uint64]
	for _, leaf := range c.leaves {
		if leaf != base {
			if _, err := c.ancestryLocked(base, leaf); err != nil {
				continue
			}
		}
		number := c.inner[leaf].number
		if best == nil || number > best.Number {
			best = &finality.HashNumber[string, uint64]{Hash: leaf, Number: number}
		}
	}
	return best
}
