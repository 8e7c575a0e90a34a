package service

// allocateProportionally splits refund across weights by each weight's
// share of the total, in integer minor units. Each share is floored and the
// rounding remainder goes to the largest weight, so the result always sums
// to exactly refund.
func allocateProportionally(weights []int64, refund int64) []int64 {
	shares := make([]int64, len(weights))
	if len(weights) == 0 || refund == 0 {
		return shares
	}

	var total int64
	largest := 0
	for i, w := range weights {
		total += w
		if w > weights[largest] {
			largest = i
		}
	}
	if total <= 0 {
		shares[0] = refund
		return shares
	}

	var allocated int64
	for i, w := range weights {
		shares[i] = refund * w / total
		allocated += shares[i]
	}
	shares[largest] += refund - allocated
	return shares
}
