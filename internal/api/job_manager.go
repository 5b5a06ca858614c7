package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iqtiles/server/internal/jobstore"
)

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent thumbnail jobs (default 1)
	QueueSize     int    // Jobs waiting for a worker (default 100)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	Logger        *zap.Logger
}

// ErrQueueFull is returned by Submit when no worker slot is free.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManager manages thumbnail jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	log      *zap.Logger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	stopped  bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to render the thumbnail.
	Executor func(ctx context.Context, store *jobstore.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	jm := &JobManager{
		cfg:     cfg,
		store:   store,
		log:     cfg.Logger.Named("jobs"),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
	return jm, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.Error("failed to mark running jobs as failed", zap.Error(err))
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.Error("failed to list queued jobs", zap.Error(err))
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.Info("re-queued job", zap.String("job_id", job.ID))
			default:
				jm.log.Warn("queue full, cannot re-queue job", zap.String("job_id", job.ID))
			}
		}
	}

	// Start workers
	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	// Start cleanup ticker
	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.stopped = true
		for _, cancel := range jm.running {
			cancel()
		}
		close(jm.queue)
		jm.mu.Unlock()

		close(jm.stopCh)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	if jm.stopped {
		jm.mu.Unlock()
		return
	}
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	// Mark as running; jobs cancelled while queued are skipped
	started, err := jm.store.UpdateJobStarted(jobID)
	if err != nil {
		jm.log.Error("failed to mark job started", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if !started {
		return
	}

	start := time.Now()
	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// Update final status
	status, msg := jobstore.JobStatusCompleted, ""
	switch {
	case ctx.Err() == context.Canceled:
		status, msg = jobstore.JobStatusCancelled, "cancelled by user"
	case execErr != nil:
		status, msg = jobstore.JobStatusFailed, execErr.Error()
	}
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		jm.log.Error("failed to update job status", zap.String("job_id", jobID), zap.Error(err))
	}
	jm.log.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("error", msg))
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -jm.cfg.RetentionDays)
	deleted, err := jm.store.DeleteExpiredJobs(cutoff)
	if err != nil {
		jm.log.Error("cleanup failed", zap.Error(err))
	} else if deleted > 0 {
		jm.log.Info("cleaned up expired jobs", zap.Int64("deleted", deleted))
	}
}

// Submit creates a new job and enqueues it for execution. When the queue is
// full the job is recorded as failed and ErrQueueFull is returned with it.
func (jm *JobManager) Submit(params jobstore.ThumbnailParams) (*jobstore.Job, error) {
	job := &jobstore.Job{
		ID:          uuid.NewString(),
		RecordingID: params.RecordingID,
		Status:      jobstore.JobStatusQueued,
		Params:      params,
		CreatedAt:   time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if !jm.stopped {
		select {
		case jm.queue <- job.ID:
			return job, nil
		default:
		}
	}
	job.Status = jobstore.JobStatusFailed
	job.Error = ErrQueueFull.Error()
	if err := jm.store.UpdateJobStatus(job.ID, job.Status, job.Error); err != nil {
		return nil, err
	}
	return job, ErrQueueFull
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *jobstore.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.log.Error("failed to get job", zap.String("job_id", id), zap.Error(err))
		return nil
	}
	return job
}

// Result returns the thumbnail of a completed job.
func (jm *JobManager) Result(id string) (*jobstore.Result, error) {
	return jm.store.GetResult(id)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		if err := jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start"); err != nil {
			jm.log.Error("failed to cancel queued job", zap.String("job_id", id), zap.Error(err))
			return false
		}
		return true
	}
	return false
}

// Delete deletes a job and its result.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}
