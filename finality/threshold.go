package finality

// Threshold computes the vote weight required for finality given the total
// weight of the voter set: W - floor((W-1)/3). Any set of votes carrying at
// least this much weight intersects every other such set in at least one
// honest voter, assuming fewer than a third of the total weight is faulty.
func Threshold(totalWeight uint64) uint64 {
	if totalWeight == 0 {
		return 0
	}
	faulty := (totalWeight - 1) / 3
	return totalWeight - faulty
}
