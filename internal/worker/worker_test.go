package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingJob counts iterations and remembers payloads.
type recordingJob struct {
	mu       sync.Mutex
	runs     int
	payloads []any
	cleaned  bool
	block    chan struct{}
}

func (j *recordingJob) Work(ctx context.Context, payload any) {
	j.mu.Lock()
	j.runs++
	j.payloads = append(j.payloads, payload)
	block := j.block
	j.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
}

func (j *recordingJob) Cleanup() {
	j.mu.Lock()
	j.cleaned = true
	j.mu.Unlock()
}

func (j *recordingJob) snapshot() (int, []any, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs, append([]any(nil), j.payloads...), j.cleaned
}

func TestWorkerRunsFirstIterationImmediately(t *testing.T) {
	job := &recordingJob{}
	w := New("test", job)
	defer w.Cancel()

	require.True(t, w.TryPause(time.Second))
	runs, payloads, _ := job.snapshot()
	assert.Equal(t, 1, runs)
	assert.Equal(t, []any{nil}, payloads)
	w.Resume()
}

func waitForRuns(t *testing.T, job *recordingJob, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		runs, _, _ := job.snapshot()
		if runs >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	runs, _, _ := job.snapshot()
	t.Fatalf("expected %d iterations, got %d", want, runs)
}

func TestWorkerTriggerWakesIteration(t *testing.T) {
	job := &recordingJob{}
	w := New("test", job)
	defer w.Cancel()

	waitForRuns(t, job, 1)
	w.Trigger("payload")
	waitForRuns(t, job, 2)

	_, payloads, _ := job.snapshot()
	assert.Equal(t, "payload", payloads[1])
}

func TestWorkerTriggersCoalesce(t *testing.T) {
	job := &recordingJob{block: make(chan struct{})}
	w := New("test", job)
	defer w.Cancel()

	// The first iteration is blocked; all triggers must collapse into
	// one pending wakeup carrying the latest payload.
	for i := 0; i < 5; i++ {
		w.Trigger(i)
	}
	close(job.block)
	job.mu.Lock()
	job.block = nil
	job.mu.Unlock()

	waitForRuns(t, job, 2)
	runs, payloads, _ := job.snapshot()
	require.Equal(t, 2, runs)
	assert.Equal(t, 4, payloads[1])
}

func TestWorkerCancelRunsCleanup(t *testing.T) {
	job := &recordingJob{}
	w := New("test", job)

	w.Cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit")
	}
	_, _, cleaned := job.snapshot()
	assert.True(t, cleaned)
}

func TestWorkerCancelInterruptsWork(t *testing.T) {
	job := &recordingJob{block: make(chan struct{})}
	w := New("test", job)

	// Work blocks on its context; Cancel must unblock it.
	w.Cancel()
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit while blocked in work")
	}
}

func TestWorkerQuery(t *testing.T) {
	job := &recordingJob{}
	w := New("test", job)
	defer w.Cancel()

	result := w.Query(func() any { return 42 })
	assert.Equal(t, 42, result)
}

func TestWorkerQueryAfterExit(t *testing.T) {
	job := &recordingJob{}
	w := New("test", job)
	w.Cancel()
	<-w.Done()

	assert.Nil(t, w.Query(func() any { return 42 }))
}

func TestWorkerReschedule(t *testing.T) {
	job := &recordingJob{}
	w := New("test", job)
	defer w.Cancel()

	require.True(t, w.TryPause(time.Second))
	w.Resume()
	w.Reschedule(10*time.Millisecond, "later")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		runs, _, _ := job.snapshot()
		if runs >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, w.TryPause(time.Second))
	defer w.Resume()
	runs, payloads, _ := job.snapshot()
	require.GreaterOrEqual(t, runs, 2)
	assert.Equal(t, "later", payloads[1])
}

func TestTryPauseTimesOutWhileBusy(t *testing.T) {
	job := &recordingJob{block: make(chan struct{})}
	w := New("test", job)
	defer w.Cancel()

	assert.False(t, w.TryPause(50*time.Millisecond))
	close(job.block)
}
