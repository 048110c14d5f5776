package engine

// retryPolicy bounds a repeated model interaction. When the bound is
// exhausted the caller falls back to its terminal behavior instead of
// looping forever.
type retryPolicy struct {
	maxAttempts int
}

// run invokes fn until it reports done, an error, or the attempt bound
// is reached. It returns false when the bound ran out without success.
func (p retryPolicy) run(fn func(attempt int) (bool, error)) (bool, error) {
	attempts := p.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		done, err := fn(i)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}
