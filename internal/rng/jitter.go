package rng

import "time"

// Fuzz returns a duration drawn uniformly from [d/2, 3*d/2), the jitter
// spec.md §5 mandates for every retransmit timer so concurrent peers do not
// resend in lockstep.
func (s *Source) Fuzz(d time.Duration) time.Duration {
	half := d / 2
	return half + time.Duration(s.Float64()*float64(d))
}
