package lane

import "sort"

// Order selects the rounding direction of Locate.
type Order int

const (
	// Low snaps to the greatest index whose value is <= the target.
	Low Order = iota
	// High snaps to the least index whose value is >= the target.
	High
)

func (o Order) String() string {
	if o == High {
		return "high"
	}
	return "low"
}

// Locate maps v onto an index of the non-decreasing slice values. Low and
// High snap outward so that [Locate(a, Low), Locate(b, High)] always covers
// [a, b]. Low returns 0 when every value is greater than v; High returns the
// last index when every value is lower than v. values must not be empty.
func Locate(values []float64, v float64, order Order) int {
	n := len(values)
	if order == High {
		i := sort.Search(n, func(i int) bool { return values[i] >= v })
		if i == n {
			return n - 1
		}
		return i
	}

	// first index with values[i] > v
	i := sort.Search(n, func(i int) bool { return values[i] > v })
	if i == 0 {
		return 0
	}
	return i - 1
}
