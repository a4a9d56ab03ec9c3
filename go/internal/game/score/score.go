package score

import "time"

// MaxPoints is the score for a correct answer at elapsed zero.
const MaxPoints = 1000

// Points computes the score for one answer. Incorrect answers score zero.
// Correct answers decay linearly from MaxPoints at elapsed zero to
// MaxPoints/2 at the time limit.
//
// The curve is a policy choice kept behind this function. Callers rely only
// on: incorrect scores 0, correct at elapsed zero scores MaxPoints, the
// result is non-increasing in elapsed and always an integer in
// [0, MaxPoints].
func Points(correct bool, elapsed, limit time.Duration) int {
	if !correct {
		return 0
	}

	if limit <= 0 {
		return MaxPoints
	}

	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > limit {
		elapsed = limit
	}

	f := float64(elapsed) / float64(limit)
	return int(MaxPoints * (1 - 0.5*f))
}
