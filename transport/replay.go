package transport

import "sort"

// maxNonceRanges bounds the memory a single connection's anti-replay
// window can consume. A peer that deliberately skips nonces (sending
// only evens, say) could otherwise force the range set to grow
// without bound; once the cap is exceeded the connection must be
// terminated (spec.md 4.2).
const maxNonceRanges = 4096

// nonceRange is a half-open range [Lo, Hi) of nonces already seen.
type nonceRange struct {
	Lo, Hi uint64
}

// nonceSet tracks which nonces have been seen on a single receive
// direction, represented as a sorted, non-overlapping, non-adjacent
// set of ranges for memory economy (spec.md 4.2: "may be represented
// as a union of contiguous ranges").
type nonceSet struct {
	ranges []nonceRange // sorted by Lo, pairwise disjoint and non-adjacent
}

// Contains reports whether n has already been recorded.
func (s *nonceSet) Contains(n uint64) bool {
	// first range whose Lo is > n
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Lo > n })
	if i == 0 {
		return false
	}
	return s.ranges[i-1].Hi > n
}

// Insert records n as seen, merging with adjacent/overlapping ranges.
// It reports ErrTooManyGaps if the range set grows beyond
// maxNonceRanges; the nonce is recorded regardless, since the caller
// is expected to terminate the connection on this error.
func (s *nonceSet) Insert(n uint64) error {
	if s.Contains(n) {
		return nil
	}
	// index of the first range with Lo > n; n must be inserted at or
	// merged around this position.
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Lo > n })

	touchesLeft := i > 0 && s.ranges[i-1].Hi == n
	touchesRight := i < len(s.ranges) && s.ranges[i].Lo == n+1

	switch {
	case touchesLeft && touchesRight:
		s.ranges[i-1].Hi = s.ranges[i].Hi
		s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
	case touchesLeft:
		s.ranges[i-1].Hi = n + 1
	case touchesRight:
		s.ranges[i].Lo = n
	default:
		s.ranges = append(s.ranges, nonceRange{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = nonceRange{Lo: n, Hi: n + 1}
	}

	if len(s.ranges) > maxNonceRanges {
		return ErrTooManyGaps
	}
	return nil
}
