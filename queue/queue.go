// Package queue runs artifact generation in the background. It tracks at
// most one job per key: enqueueing a key that is already queued or running
// joins the existing job. A fixed pool of workers takes jobs in FIFO order.
package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/snapshot-labs/sidekick/telemetry"
)

const (
	DefaultWorkers    = 2
	DefaultJobTimeout = 10 * time.Minute
)

// Task is one generation unit, typically a cache artifact.
type Task interface {
	Key() string
	CreateCache(ctx context.Context) error
}

// artifactNamer is implemented by tasks that report their artifact type.
type artifactNamer interface {
	Artifact() string
}

// State is the lifecycle state of a job.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Job is a snapshot of a tracked generation.
type Job struct {
	Key        string    `json:"key"`
	Artifact   string    `json:"artifact"`
	State      State     `json:"state"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	// Attempts counts the Enqueue calls folded into this job.
	Attempts int `json:"attempts"`
}

type job struct {
	Job
	task Task
}

// Queue is a single-flight FIFO generation queue.
type Queue struct {
	mu      sync.Mutex
	jobs    map[string]*job
	pending []string

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	workers    int
	jobTimeout time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of concurrent generations.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithJobTimeout bounds the run time of a single job.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.jobTimeout = d
		}
	}
}

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates a queue. Jobs accumulate until Start is called.
func New(opts ...Option) *Queue {
	q := &Queue{
		jobs:       make(map[string]*job),
		wake:       make(chan struct{}, 1),
		workers:    DefaultWorkers,
		jobTimeout: DefaultJobTimeout,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the workers. They stop taking new jobs when ctx is done
// or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.cancel != nil {
		q.mu.Unlock()
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.logger.Info("starting generation queue", "workers", q.workers, "job_timeout", q.jobTimeout)
	for i := range q.workers {
		q.wg.Add(1)
		go q.work(ctx, i)
	}
	q.signal()
}

// Stop stops the workers and waits for running jobs to finish. Queued jobs
// are left in place.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}

// Enqueue adds a job for t unless one is already queued or running for the
// same key. It reports whether a new job was created.
func (q *Queue) Enqueue(t Task) bool {
	_, created := q.Submit(t)
	return created
}

// Submit is Enqueue that also returns the job's progress, read under the
// same lock so it cannot race with the job finishing.
func (q *Queue) Submit(t Task) (Progress, bool) {
	key := t.Key()
	artifact := artifactOf(t)

	q.mu.Lock()
	if j, ok := q.jobs[key]; ok {
		j.Attempts++
		p := q.progressLocked(key)
		q.mu.Unlock()
		telemetry.RecordEnqueue(context.Background(), artifact, false)
		q.logger.Debug("job already tracked", "key", key, "state", j.State)
		return p, false
	}
	q.jobs[key] = &job{
		Job: Job{
			Key:        key,
			Artifact:   artifact,
			State:      StateQueued,
			EnqueuedAt: q.now(),
			Attempts:   1,
		},
		task: t,
	}
	q.pending = append(q.pending, key)
	p := Position(len(q.pending))
	size := len(q.jobs)
	q.mu.Unlock()

	telemetry.RecordEnqueue(context.Background(), artifact, true)
	telemetry.RecordQueueSize(context.Background(), size)
	q.logger.Debug("job enqueued", "key", key, "artifact", artifact)
	q.signal()
	return p, true
}

// Progress reports where the job for key stands.
func (q *Queue) Progress(key string) Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progressLocked(key)
}

func (q *Queue) progressLocked(key string) Progress {
	j, ok := q.jobs[key]
	if !ok {
		return NotFound
	}
	if j.State == StateRunning {
		return Running
	}
	for i, k := range q.pending {
		if k == key {
			return Position(i + 1)
		}
	}
	return NotFound
}

// Size returns the number of queued and running jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Jobs returns a snapshot of all tracked jobs: running jobs first, then
// queued jobs in FIFO order.
func (q *Queue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if j.State == StateRunning {
			out = append(out, j.Job)
		}
	}
	for _, k := range q.pending {
		out = append(out, q.jobs[k].Job)
	}
	return out
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) work(ctx context.Context, id int) {
	defer q.wg.Done()
	logger := q.logger.With("worker", id)

	for {
		if ctx.Err() != nil {
			return
		}
		j, ok := q.take()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		q.run(ctx, logger, j)
	}
}

// take moves the oldest queued job to running.
func (q *Queue) take() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	key := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]

	j := q.jobs[key]
	j.State = StateRunning
	j.StartedAt = q.now()

	if len(q.pending) > 0 {
		q.signal()
	}
	return j, true
}

func (q *Queue) run(ctx context.Context, logger *slog.Logger, j *job) {
	// Running jobs outlive Stop; only the timeout ends them early.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.jobTimeout)
	defer cancel()

	logger.Info("generation started", "key", j.Key, "artifact", j.Artifact)
	err := q.invoke(jobCtx, j.task)

	q.mu.Lock()
	if err != nil {
		j.State = StateFailed
	} else {
		j.State = StateDone
	}
	snapshot := j.Job
	delete(q.jobs, j.Key)
	size := len(q.jobs)
	q.mu.Unlock()

	telemetry.RecordQueueSize(ctx, size)
	elapsed := q.now().Sub(snapshot.StartedAt)
	if err != nil {
		logger.Error("generation failed",
			"key", snapshot.Key,
			"artifact", snapshot.Artifact,
			"attempts", snapshot.Attempts,
			"duration", elapsed,
			"error", err,
		)
		return
	}
	logger.Info("generation finished", "key", snapshot.Key, "artifact", snapshot.Artifact, "duration", elapsed)
}

// invoke runs the task, turning a panic into a failed job.
func (q *Queue) invoke(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return t.CreateCache(ctx)
}

type panicError struct{ value any }

func (e *panicError) Error() string {
	switch v := e.value.(type) {
	case error:
		return "panic: " + v.Error()
	case string:
		return "panic: " + v
	default:
		return "panic in generation task"
	}
}

func artifactOf(t Task) string {
	if n, ok := t.(artifactNamer); ok {
		return n.Artifact()
	}
	return "unknown"
}

type progressKind int

const (
	progressNotFound progressKind = iota
	progressQueued
	progressRunning
)

// Progress is the computed standing of a key in the queue.
type Progress struct {
	kind     progressKind
	position int
}

var (
	// NotFound means no job is tracked for the key.
	NotFound = Progress{kind: progressNotFound}
	// Running means a worker is generating the key.
	Running = Progress{kind: progressRunning}
)

// Position returns the progress of a job queued at 1-based position n.
func Position(n int) Progress {
	return Progress{kind: progressQueued, position: n}
}

// Position returns the 1-based queue position, or 0 when not queued.
func (p Progress) Position() int {
	return p.position
}

func (p Progress) IsRunning() bool  { return p.kind == progressRunning }
func (p Progress) IsNotFound() bool { return p.kind == progressNotFound }

// String renders the progress token sent to clients.
func (p Progress) String() string {
	switch p.kind {
	case progressQueued:
		return strconv.Itoa(p.position)
	case progressRunning:
		return "running"
	default:
		return "not_found"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Progress) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
