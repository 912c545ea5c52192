package voter

import (
	"sync"

	"golang.org/x/exp/constraints"

	"github.com/grovelabs/grandpa/finality"
)

// bridge passes the latest state of a round to its successor. The
// predecessor writes through a priorView, the successor reads through a
// latterView. Writes overwrite; a burst of updates collapses into one
// wakeup. Neither side ever blocks on the other, and the last written
// state remains readable after the predecessor is gone.
type bridge[H constraints.Ordered, N constraints.Unsigned] struct {
	mu    sync.RWMutex
	state finality.RoundState[H, N]
	wake  chan struct{}
}

// priorView is the writer half of a bridge.
type priorView[H constraints.Ordered, N constraints.Unsigned] struct {
	*bridge[H, N]
}

// latterView is the reader half of a bridge.
type latterView[H constraints.Ordered, N constraints.Unsigned] struct {
	*bridge[H, N]
}

// newBridge seeds a bridge with an initial state and splits it into its
// writer and reader halves.
func newBridge[H constraints.Ordered, N constraints.Unsigned](initial finality.RoundState[H, N]) (priorView[H, N], latterView[H, N]) {
	b := &bridge[H, N]{
		state: initial,
		wake:  make(chan struct{}, 1),
	}
	return priorView[H, N]{b}, latterView[H, N]{b}
}

// update publishes a new state and nudges the reader if it is waiting.
func (p priorView[H, N]) update(state finality.RoundState[H, N]) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// get returns the most recent snapshot.
func (l latterView[H, N]) get() finality.RoundState[H, N] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// updated signals at least once after every update.
func (l latterView[H, N]) updated() <-chan struct{} {
	return l.wake
}
