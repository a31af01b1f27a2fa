package genpool

import (
	"log"
	"sync"
	"time"

	"github.com/hochfrequenz/genpipe/internal/genprotocol"
)

// PendingJob tracks a job waiting for dispatch or completion
type PendingJob struct {
	Job         *genprotocol.JobMessage
	ResultCh    chan *genprotocol.JobResult
	WorkerID    string // assigned worker, empty while queued or running locally
	SubmittedAt time.Time
}

// SendFunc sends a job to a worker
type SendFunc func(w *ConnectedWorker, job *genprotocol.JobMessage) error

// CancelFunc asks a worker to abandon a job
type CancelFunc func(workerID, jobID string) error

// LocalRunFunc runs a job on the embedded local runner
type LocalRunFunc func(job *genprotocol.JobMessage) *genprotocol.JobResult

// Dispatcher owns the job queue and assigns jobs to worker slots.
// Exactly one of Complete and Cancel settles a job; whichever removes
// the pending entry first owns the result channel.
type Dispatcher struct {
	registry *Registry
	local    LocalRunFunc

	sendFunc   SendFunc
	cancelFunc CancelFunc

	queue   []*PendingJob
	pending map[string]*PendingJob // jobID -> pending job
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher. local may be nil to disable the
// embedded fallback, in which case jobs queue until a worker connects.
func NewDispatcher(registry *Registry, local LocalRunFunc) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		local:    local,
		pending:  make(map[string]*PendingJob),
	}
}

// SetSendFunc sets the function used to send jobs to workers
func (d *Dispatcher) SetSendFunc(fn SendFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendFunc = fn
}

// SetCancelFunc sets the function used to cancel jobs on workers
func (d *Dispatcher) SetCancelFunc(fn CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelFunc = fn
}

// Submit queues a job and returns the channel its result will arrive
// on. The channel is buffered and closed after the result is sent.
func (d *Dispatcher) Submit(job *genprotocol.JobMessage) chan *genprotocol.JobResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	pj := &PendingJob{
		Job:         job,
		ResultCh:    make(chan *genprotocol.JobResult, 1),
		SubmittedAt: time.Now(),
	}
	d.queue = append(d.queue, pj)
	d.pending[job.JobID] = pj

	return pj.ResultCh
}

// TryDispatch assigns queued jobs to free worker slots. Jobs that find
// no slot fall through to the embedded runner when no worker is
// connected at all; otherwise they stay queued for the next slot.
func (d *Dispatcher) TryDispatch() {
	d.mu.Lock()
	defer d.mu.Unlock()

	var remaining []*PendingJob

	for _, pj := range d.queue {
		worker := d.registry.FindReady()

		switch {
		case worker != nil && d.sendFunc != nil:
			if err := d.sendFunc(worker, pj.Job); err != nil {
				// The job never reached the worker, so its slot count
				// is untouched
				log.Printf("genpool: sending job %s to %s: %v", pj.Job.JobID, worker.ID, err)
				remaining = append(remaining, pj)
				break
			}
			worker.DecrementSlots()
			pj.WorkerID = worker.ID

		case d.local != nil && d.registry.Count() == 0:
			go func(pj *PendingJob) {
				d.Complete(pj.Job.JobID, d.local(pj.Job))
			}(pj)

		default:
			remaining = append(remaining, pj)
		}
	}

	d.queue = remaining
}

// Complete settles a job with its result. Unknown job IDs are dropped;
// a worker may report a job the dispatcher already canceled.
func (d *Dispatcher) Complete(jobID string, result *genprotocol.JobResult) {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if ok {
		delete(d.pending, jobID)
	}
	d.mu.Unlock()

	if ok && pj.ResultCh != nil {
		pj.ResultCh <- result
		close(pj.ResultCh)
	}
}

// Cancel withdraws a job. Queued jobs are removed outright; jobs
// already on a worker get a cancel message. The result channel closes
// without a result.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	pj, ok := d.pending[jobID]
	if ok {
		delete(d.pending, jobID)
		for i, q := range d.queue {
			if q.Job.JobID == jobID {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				break
			}
		}
	}
	workerID := ""
	cancelFn := d.cancelFunc
	if ok {
		workerID = pj.WorkerID
	}
	d.mu.Unlock()

	if !ok {
		return nil
	}

	if workerID != "" && cancelFn != nil {
		if err := cancelFn(workerID, jobID); err != nil {
			log.Printf("genpool: canceling job %s on %s: %v", jobID, workerID, err)
		}
	}

	close(pj.ResultCh)
	return nil
}

// RequeueWorkerJobs returns a lost worker's assigned jobs to the queue
// so the next dispatch can reassign them
func (d *Dispatcher) RequeueWorkerJobs(workerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	requeued := 0
	for _, pj := range d.pending {
		if pj.WorkerID != workerID {
			continue
		}
		pj.WorkerID = ""
		d.queue = append(d.queue, pj)
		requeued++
	}

	if requeued > 0 {
		log.Printf("genpool: requeued %d jobs from lost worker %s", requeued, workerID)
	}
}

// QueueLength returns the number of jobs waiting for a slot
func (d *Dispatcher) QueueLength() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// PendingCount returns queued plus in-flight jobs
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// LocalFallbackActive reports whether submitted jobs would run on the
// embedded runner right now
func (d *Dispatcher) LocalFallbackActive() bool {
	d.mu.Lock()
	local := d.local
	d.mu.Unlock()
	return local != nil && d.registry.Count() == 0
}
