package resilience

// Budget bounds how many times an operation may be attempted. It backs both
// per-call provider retries and the monitor's reprocess cap.
type Budget struct {
	Max int
}

// Allows reports whether another attempt fits after used attempts.
func (b Budget) Allows(used int) bool {
	return used < b.Max
}

// Check returns a BudgetExceededError when used has reached the cap.
func (b Budget) Check(used int) error {
	if b.Allows(used) {
		return nil
	}
	return &BudgetExceededError{Attempts: used, Max: b.Max}
}

// Remaining returns the attempts left, never negative.
func (b Budget) Remaining(used int) int {
	if used >= b.Max {
		return 0
	}
	return b.Max - used
}
