package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// blockingTask runs until released and records how often it ran.
type blockingTask struct {
	key     string
	started chan struct{}
	release chan struct{}
	err     error
	runs    atomic.Int32
}

func newBlockingTask(key string) *blockingTask {
	return &blockingTask{
		key:     key,
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (t *blockingTask) Key() string      { return t.key }
func (t *blockingTask) Artifact() string { return "votes-report" }

func (t *blockingTask) CreateCache(ctx context.Context) error {
	t.runs.Add(1)
	t.started <- struct{}{}
	select {
	case <-t.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.err
}

func waitStarted(t *testing.T, task *blockingTask) {
	t.Helper()
	select {
	case <-task.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("task %s did not start", task.key)
	}
}

func waitEmpty(t *testing.T, q *Queue) {
	t.Helper()
	require.Eventually(t, func() bool { return q.Size() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEnqueue_Deduplicates(t *testing.T) {
	q := New()
	task := newBlockingTask("snapshot-votes-report-a.csv")

	require.True(t, q.Enqueue(task))
	require.False(t, q.Enqueue(task))
	require.False(t, q.Enqueue(newBlockingTask("snapshot-votes-report-a.csv")))

	require.Equal(t, 1, q.Size())
	jobs := q.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, 3, jobs[0].Attempts)
	require.Equal(t, StateQueued, jobs[0].State)
	require.Equal(t, "votes-report", jobs[0].Artifact)
}

func TestEnqueue_ConcurrentDeduplication(t *testing.T) {
	q := New()

	var created atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.Enqueue(newBlockingTask("k")) {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, created.Load())
	require.Equal(t, 1, q.Size())
}

func TestProgress_FIFOPositions(t *testing.T) {
	q := New()

	require.Equal(t, NotFound, q.Progress("a"))
	q.Enqueue(newBlockingTask("a"))
	q.Enqueue(newBlockingTask("b"))
	q.Enqueue(newBlockingTask("c"))

	require.Equal(t, "1", q.Progress("a").String())
	require.Equal(t, "2", q.Progress("b").String())
	require.Equal(t, "3", q.Progress("c").String())
	require.Equal(t, "not_found", q.Progress("d").String())
	require.Equal(t, 3, q.Size())
}

func TestProgress_RunningThenRemoved(t *testing.T) {
	q := New(WithWorkers(1))
	a := newBlockingTask("a")
	b := newBlockingTask("b")
	q.Enqueue(a)
	q.Enqueue(b)

	q.Start(context.Background())
	defer q.Stop()

	waitStarted(t, a)
	require.True(t, q.Progress("a").IsRunning())
	require.Equal(t, "running", q.Progress("a").String())
	require.Equal(t, 1, q.Progress("b").Position())
	require.Equal(t, 2, q.Size())

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	require.Equal(t, "a", jobs[0].Key)
	require.Equal(t, StateRunning, jobs[0].State)
	require.False(t, jobs[0].StartedAt.IsZero())

	close(a.release)
	waitStarted(t, b)
	require.True(t, q.Progress("a").IsNotFound())
	require.True(t, q.Progress("b").IsRunning())

	close(b.release)
	waitEmpty(t, q)
}

func TestEnqueue_WhileRunningJoinsJob(t *testing.T) {
	q := New(WithWorkers(1))
	a := newBlockingTask("a")
	q.Enqueue(a)
	q.Start(context.Background())
	defer q.Stop()

	waitStarted(t, a)
	require.False(t, q.Enqueue(a))
	close(a.release)
	waitEmpty(t, q)

	require.EqualValues(t, 1, a.runs.Load())
}

func TestFailedJobIsDroppedNotRetried(t *testing.T) {
	q := New(WithWorkers(1))
	a := newBlockingTask("a")
	a.err = errors.New("upstream unavailable")
	close(a.release)

	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(a)
	waitEmpty(t, q)
	require.EqualValues(t, 1, a.runs.Load())
	require.True(t, q.Progress("a").IsNotFound())

	// a later request starts over
	require.True(t, q.Enqueue(a))
	waitEmpty(t, q)
	require.EqualValues(t, 2, a.runs.Load())
}

func TestJobTimeout(t *testing.T) {
	q := New(WithWorkers(1), WithJobTimeout(20*time.Millisecond))
	a := newBlockingTask("a")

	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(a)
	waitStarted(t, a)
	waitEmpty(t, q)
}

type panicTask struct{}

func (panicTask) Key() string                       { return "panic" }
func (panicTask) CreateCache(context.Context) error { panic("boom") }

func TestPanicFailsJob(t *testing.T) {
	q := New(WithWorkers(1))
	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(panicTask{})
	waitEmpty(t, q)

	ok := newBlockingTask("after")
	close(ok.release)
	q.Enqueue(ok)
	waitEmpty(t, q)
	require.EqualValues(t, 1, ok.runs.Load())
}

func TestWorkersRunDistinctKeysConcurrently(t *testing.T) {
	q := New(WithWorkers(2))
	a := newBlockingTask("a")
	b := newBlockingTask("b")

	q.Start(context.Background())
	defer q.Stop()

	q.Enqueue(a)
	q.Enqueue(b)
	waitStarted(t, a)
	waitStarted(t, b)
	require.True(t, q.Progress("a").IsRunning())
	require.True(t, q.Progress("b").IsRunning())

	close(a.release)
	close(b.release)
	waitEmpty(t, q)
}

func TestStopWaitsForRunningJob(t *testing.T) {
	q := New(WithWorkers(1))
	a := newBlockingTask("a")
	q.Enqueue(a)
	q.Start(context.Background())
	waitStarted(t, a)

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(30 * time.Millisecond):
	}

	close(a.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.EqualValues(t, 1, a.runs.Load())
}

func TestProgressMarshalText(t *testing.T) {
	b, err := Position(4).MarshalText()
	require.NoError(t, err)
	require.Equal(t, "4", string(b))
	require.Equal(t, "running", Running.String())
	require.Equal(t, "not_found", NotFound.String())
}

func TestSubmit_ReturnsProgressOfTrackedJob(t *testing.T) {
	q := New(WithWorkers(1))
	a := newBlockingTask("a")
	b := newBlockingTask("b")

	p, created := q.Submit(a)
	require.True(t, created)
	require.Equal(t, "1", p.String())

	p, created = q.Submit(b)
	require.True(t, created)
	require.Equal(t, "2", p.String())

	q.Start(context.Background())
	defer q.Stop()
	waitStarted(t, a)

	p, created = q.Submit(newBlockingTask("a"))
	require.False(t, created)
	require.True(t, p.IsRunning())

	p, created = q.Submit(newBlockingTask("b"))
	require.False(t, created)
	require.Equal(t, 1, p.Position())

	close(a.release)
	waitStarted(t, b)
	close(b.release)
	waitEmpty(t, q)
}
