package client

import (
	"sync"
	"time"
)

// job is the shared state of one render command: the pending frame list all
// workers pull from and the completion counter. Owned by the Render call,
// passed by reference to each per-server worker.
type job struct {
	mu       sync.Mutex
	pending  []int
	total    int
	rendered int
	end      time.Time
}

func newJob(frames []int) *job {
	return &job{
		pending: append([]int(nil), frames...),
		total:   len(frames),
	}
}

// pop hands out the next pending frame.
func (j *job) pop() (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return 0, false
	}
	frame := j.pending[0]
	j.pending = j.pending[1:]
	return frame, true
}

// empty reports whether any frames remain to hand out.
func (j *job) empty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending) == 0
}

// frameDone counts one collected frame. The worker that collects the last
// frame stamps the end-of-render time; reconnect timeouts on other workers
// can delay their exit well past that moment.
func (j *job) frameDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rendered++
	if j.rendered == j.total {
		j.end = time.Now()
	}
}

func (j *job) result() (int, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rendered, j.end
}
