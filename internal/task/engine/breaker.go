package engine

import "sync"

// breaker counts consecutive failed runs per task. Once the count reaches
// trip the task is moved to failed; a success resets it. trip <= 0 disables
// it, which keeps a failing task polling forever.
type breaker struct {
	mu    sync.Mutex
	fails map[int64]int
}

func newBreaker() *breaker {
	return &breaker{fails: map[int64]int{}}
}

// record folds one run result in and reports whether the task just tripped.
func (b *breaker) record(taskID int64, success bool, trip int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success || trip <= 0 {
		delete(b.fails, taskID)
		return false
	}
	b.fails[taskID]++
	if b.fails[taskID] < trip {
		return false
	}
	delete(b.fails, taskID)
	return true
}

func (b *breaker) failures(taskID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails[taskID]
}
