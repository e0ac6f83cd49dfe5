package engine

import "sync"

// folderJob is a source folder whose destination counterpart already exists
// and is recorded in the mapping.
type folderJob struct {
	source string
	dest   string
}

// folderQueue feeds folder jobs to traversal workers. A job is pushed only
// after its destination folder is mapped, so every worker that pops a job
// can copy into it immediately. pop blocks while jobs are in flight that may
// still push children, and reports exhaustion once none remain.
type folderQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []folderJob
	pending int // pushed but not yet completed
	aborted bool
}

func newFolderQueue() *folderQueue {
	q := &folderQueue{}
	q.cond = sync.NewCond(&q.mu)

	return q
}

func (q *folderQueue) push(j folderJob) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.aborted {
		return
	}

	q.jobs = append(q.jobs, j)
	q.pending++
	q.cond.Signal()
}

// pop returns the next job, or false once the queue is drained or aborted.
func (q *folderQueue) pop() (folderJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.jobs) == 0 && q.pending > 0 && !q.aborted {
		q.cond.Wait()
	}

	if q.aborted || len(q.jobs) == 0 {
		return folderJob{}, false
	}

	j := q.jobs[0]
	q.jobs[0] = folderJob{}
	q.jobs = q.jobs[1:]

	return j, true
}

// complete marks one popped job done.
func (q *folderQueue) complete() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending--
	if q.pending == 0 {
		q.cond.Broadcast()
	}
}

// abort wakes every waiting worker and rejects further jobs.
func (q *folderQueue) abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.aborted = true
	q.jobs = nil
	q.cond.Broadcast()
}
