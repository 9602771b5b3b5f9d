package dispatch

import "sync"

// RetryPolicy counts failed attempts per key and decides between a retry and
// a terminal failure. Safe for concurrent use.
type RetryPolicy[K comparable] struct {
	maxRetries int

	mu       sync.Mutex
	attempts map[K]int
}

// NewRetryPolicy allows up to maxRetries resubmissions per key, so a key fails
// terminally on its maxRetries+1'th failed attempt. Negative values mean zero.
func NewRetryPolicy[K comparable](maxRetries int) *RetryPolicy[K] {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryPolicy[K]{
		maxRetries: maxRetries,
		attempts:   make(map[K]int),
	}
}

// Retry records one failed attempt for key and reports whether another
// attempt is allowed.
func (r *RetryPolicy[K]) Retry(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[key]++
	return r.attempts[key] <= r.maxRetries
}

// Failures returns the number of failed attempts recorded for key.
func (r *RetryPolicy[K]) Failures(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[key]
}

// Forget drops the counter for key.
func (r *RetryPolicy[K]) Forget(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, key)
}

// MaxRetries returns the configured retry budget.
func (r *RetryPolicy[K]) MaxRetries() int { return r.maxRetries }
