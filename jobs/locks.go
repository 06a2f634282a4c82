package jobs

import "sync"

// jobLocks serializes mutations per job identifier so the winner commit is
// atomic without a global lock across all jobs.
type jobLocks struct {
	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func newJobLocks() *jobLocks {
	return &jobLocks{locks: make(map[string]*jobLock)}
}

// lock acquires the per-job mutex and returns its release func. Entries are
// reference counted so the map does not grow with every job ever seen.
func (j *jobLocks) lock(jobID string) func() {
	j.mu.Lock()
	entry, ok := j.locks[jobID]
	if !ok {
		entry = &jobLock{}
		j.locks[jobID] = entry
	}
	entry.refs++
	j.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		j.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(j.locks, jobID)
		}
		j.mu.Unlock()
	}
}
