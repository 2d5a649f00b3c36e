package worker

import "time"

// Backoff is the fixed retry schedule of a delivery cycle. Entry i is the
// delay before retry i+1; its length is the retry budget.
type Backoff []time.Duration

// DefaultBackoff gives one initial attempt plus three retries.
var DefaultBackoff = Backoff{1 * time.Second, 5 * time.Second, 15 * time.Second}

// Next returns the delay before the next try after an attempt made with
// retryCount earlier attempts in the cycle. ok is false once the budget is spent.
func (b Backoff) Next(retryCount int) (delay time.Duration, ok bool) {
	if retryCount < 0 || retryCount >= len(b) {
		return 0, false
	}
	return b[retryCount], true
}
