package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"trackingest/logger"
	"trackingest/model"
)

// JobTracker persists job status so callers can poll it.
type JobTracker interface {
	Save(ctx context.Context, job *model.Job) error
	// Load returns model.ErrJobNotFound for unknown or expired ids.
	Load(ctx context.Context, id string) (*model.Job, error)
}

// ingestTask is one queued upload.
type ingestTask struct {
	job *model.Job
	req model.UploadRequest
}

// Dispatcher runs ingestions on a fixed pool of workers so request handlers
// only enqueue and return.
type Dispatcher struct {
	orch        *Orchestrator
	jobs        JobTracker
	tasks       chan *ingestTask
	workerCount int
	wg          sync.WaitGroup
	stopChan    chan struct{}

	mu      sync.RWMutex // guards stopped against Submit
	stopped bool
}

// NewDispatcher starts workerCount workers reading a queue of queueSize.
func NewDispatcher(orch *Orchestrator, jobs JobTracker, workerCount, queueSize int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	d := &Dispatcher{
		orch:        orch,
		jobs:        jobs,
		tasks:       make(chan *ingestTask, queueSize),
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}

	// 启动工作池
	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Orchestrator exposes the synchronous operations.
func (d *Dispatcher) Orchestrator() *Orchestrator { return d.orch }

func (d *Dispatcher) save(job *model.Job) {
	job.UpdatedAt = time.Now().UTC()
	snapshot := *job
	// Status writes must not depend on the submitter's request context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.jobs.Save(ctx, &snapshot); err != nil {
		logger.Warn("failed to save job status",
			logger.String("jobId", job.ID),
			logger.String("state", string(job.State)),
			logger.ErrorField(err))
	}
}

// Submit queues req and returns its job id without waiting for ingestion.
// Invalid or duplicate titles are rejected here, before a job exists.
// A saturated queue rejects the upload with ErrQueueFull.
func (d *Dispatcher) Submit(ctx context.Context, req model.UploadRequest) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return "", ErrStopped
	}

	_, titleSlug, err := d.orch.validateUpload(req)
	if err != nil {
		ingestTotal.WithLabelValues(outcomeRejected).Inc()
		return "", newError(KindValidation, StateValidating, err)
	}
	if err := d.orch.checkSlugFree(ctx, req.OwnerID, titleSlug, ""); err != nil {
		ingestTotal.WithLabelValues(outcomeRejected).Inc()
		return "", err
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Title:     req.Title,
		State:     model.JobQueued,
		CreatedAt: now,
	}
	if err := d.jobs.Save(ctx, job); err != nil {
		return "", err
	}

	select {
	case d.tasks <- &ingestTask{job: job, req: req}:
		queueDepth.Inc()
		logger.Debug("upload queued", logger.String("jobId", job.ID), logger.String("owner", req.OwnerID))
		return job.ID, nil
	default:
		job.State = model.JobFailed
		job.Error = ErrQueueFull.Error()
		job.Retryable = true
		d.save(job)
		return "", ErrQueueFull
	}
}

// Status returns the latest saved state of a job.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*model.Job, error) {
	return d.jobs.Load(ctx, jobID)
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case task := <-d.tasks:
			queueDepth.Dec()
			d.process(task)
		case <-d.stopChan:
			return
		}
	}
}

func (d *Dispatcher) process(task *ingestTask) {
	job := task.job
	job.State = model.JobRunning
	d.save(job)

	// Jobs outlive the HTTP request that submitted them.
	rec, err := d.orch.IngestWithProgress(context.Background(), task.req, func(trackID string, state State) {
		job.TrackID = trackID
		job.Stage = string(state)
		d.save(job)
	})
	if err != nil {
		job.State = model.JobFailed
		job.Error = err.Error()
		job.ErrorKind = string(KindOf(err))
		job.Retryable = IsRetryable(err)
	} else {
		job.State = model.JobSucceeded
		job.Track = rec
		job.TrackID = rec.ID
	}
	d.save(job)
}

// Stop lets running ingestions finish, then fails anything still queued.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	for {
		select {
		case task := <-d.tasks:
			queueDepth.Dec()
			task.job.State = model.JobFailed
			task.job.Error = ErrStopped.Error()
			task.job.Retryable = true
			d.save(task.job)
		default:
			return
		}
	}
}
