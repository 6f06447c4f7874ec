package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/bookextract/internal/jobmanager"
	"github.com/ChuLiYu/bookextract/internal/metrics"
	"github.com/ChuLiYu/bookextract/internal/worker"
	"github.com/ChuLiYu/bookextract/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func pdf(name string) types.NewJob {
	return types.NewJob{Name: name, Input: &types.BytesInput{Filename: name + ".pdf", Mime: "application/pdf", Data: []byte("%PDF")}}
}

// startScheduler runs s in the background and stops it on cleanup
func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitStatus waits until job id reaches status
func waitStatus(t *testing.T, store *jobmanager.JobManager, id types.JobID, status types.JobStatus) types.Job {
	t.Helper()
	var job types.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = store.GetJob(id)
		return ok && job.Status == status
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

// watchExclusion fails the test if two jobs are ever Processing at once
func watchExclusion(t *testing.T, store *jobmanager.JobManager) *atomic.Int32 {
	t.Helper()
	var maxSeen atomic.Int32
	store.Subscribe(func(jobmanager.Event) {
		n := int32(store.Stats()[types.StatusProcessing])
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
	})
	return &maxSeen
}

// ============================================================================
// Tests
// ============================================================================

// TestScenario_FailThenSucceed follows the documented example:
// A logs, reaches 50%, fails with "network timeout"; B then completes.
func TestScenario_FailThenSucceed(t *testing.T) {
	store := jobmanager.NewJobManager()
	maxProcessing := watchExclusion(t, store)

	var order []string
	var mu sync.Mutex
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		mu.Lock()
		order = append(order, in.Name())
		mu.Unlock()
		if in.Name() == "A.pdf" {
			onLog("[start]")
			onProgress(50)
			return nil, errors.New("network timeout")
		}
		onProgress(80)
		return &types.BookData{Title: "B"}, nil
	})

	a := store.AddJobs([]types.NewJob{pdf("A")})[0]
	b := store.AddJobs([]types.NewJob{pdf("B")})[0]

	s := New(store, extractor, Config{RecheckInterval: time.Hour})
	startScheduler(t, s)

	jobB := waitStatus(t, store, b.ID, types.StatusCompleted)
	jobA, _ := store.GetJob(a.ID)

	assert.Equal(t, types.StatusError, jobA.Status)
	assert.Equal(t, "network timeout", jobA.Error)
	assert.Equal(t, 50, jobA.Progress)
	assert.Equal(t, []string{"[start]", "Error: network timeout"}, jobA.Logs)
	assert.Nil(t, jobA.Result)
	assert.Nil(t, jobA.Input)

	assert.Equal(t, 100, jobB.Progress)
	require.NotNil(t, jobB.Result)
	assert.Equal(t, "B", jobB.Result.Title)
	assert.Empty(t, jobB.Error)

	mu.Lock()
	assert.Equal(t, []string{"A.pdf", "B.pdf"}, order)
	mu.Unlock()
	assert.LessOrEqual(t, maxProcessing.Load(), int32(1))
}

// TestMutualExclusionAndFIFO blocks each extraction to observe one-at-a-time FIFO processing
func TestMutualExclusionAndFIFO(t *testing.T) {
	store := jobmanager.NewJobManager()
	maxProcessing := watchExclusion(t, store)

	started := make(chan string, 10)
	release := make(chan struct{})
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		started <- in.Name()
		<-release
		return &types.BookData{Title: in.Name()}, nil
	})

	jobs := store.AddJobs([]types.NewJob{pdf("one"), pdf("two"), pdf("three")})
	s := New(store, extractor, Config{RecheckInterval: 10 * time.Millisecond})
	startScheduler(t, s)

	for i, want := range []string{"one.pdf", "two.pdf", "three.pdf"} {
		select {
		case got := <-started:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("extraction %d never started", i)
		}

		assert.True(t, s.Busy())
		// nothing else may start while this one is blocked
		select {
		case extra := <-started:
			t.Fatalf("second extraction %s started concurrently", extra)
		case <-time.After(30 * time.Millisecond):
		}
		job, _ := store.GetJob(jobs[i].ID)
		assert.Equal(t, types.StatusProcessing, job.Status)

		release <- struct{}{}
		waitStatus(t, store, jobs[i].ID, types.StatusCompleted)
	}

	assert.Equal(t, int32(1), maxProcessing.Load())
}

// TestMissingInput verifies no extractor call is made for a job without input
func TestMissingInput(t *testing.T) {
	store := jobmanager.NewJobManager()
	var calls atomic.Int32
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		calls.Add(1)
		return &types.BookData{Title: "x"}, nil
	})

	lost := store.AddJobs([]types.NewJob{{Name: "lost"}})[0]
	next := store.AddJobs([]types.NewJob{pdf("next")})[0]

	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))

	job := waitStatus(t, store, lost.ID, types.StatusError)
	assert.Equal(t, ErrMissingInput.Error(), job.Error)
	assert.Empty(t, job.Logs, "failure before extraction leaves logs empty")

	waitStatus(t, store, next.ID, types.StatusCompleted)
	assert.Equal(t, int32(1), calls.Load(), "only the job with input reaches the extractor")
}

// TestProgressNeverRegresses verifies the progress callback drops regressions
func TestProgressNeverRegresses(t *testing.T) {
	store := jobmanager.NewJobManager()

	var mu sync.Mutex
	var observed []int
	job := store.AddJobs([]types.NewJob{pdf("book")})[0]
	store.Subscribe(func(ev jobmanager.Event) {
		if ev.Kind != jobmanager.EventProgress && ev.Kind != jobmanager.EventStatus {
			return
		}
		j, ok := store.GetJob(job.ID)
		if !ok {
			return
		}
		mu.Lock()
		observed = append(observed, j.Progress)
		mu.Unlock()
	})

	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		for _, p := range []int{5, 10, 25, 20, 30, 29, 95} {
			onProgress(p)
		}
		return &types.BookData{Title: "t"}, nil
	})

	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))
	waitStatus(t, store, job.ID, types.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, observed)
	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1], "progress regressed: %v", observed)
	}
	assert.Equal(t, 100, observed[len(observed)-1])
}

// TestPanicIsContained verifies a panicking extractor fails only its own job
func TestPanicIsContained(t *testing.T) {
	store := jobmanager.NewJobManager()
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		if in.Name() == "bad.pdf" {
			panic("corrupt xref table")
		}
		return &types.BookData{Title: "good"}, nil
	})

	jobs := store.AddJobs([]types.NewJob{pdf("bad"), pdf("good")})
	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))

	bad := waitStatus(t, store, jobs[0].ID, types.StatusError)
	assert.Contains(t, bad.Error, "corrupt xref table")
	waitStatus(t, store, jobs[1].ID, types.StatusCompleted)
}

// TestNilResultIsError verifies success without data is a failure
func TestNilResultIsError(t *testing.T) {
	store := jobmanager.NewJobManager()
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		return nil, nil
	})

	job := store.AddJobs([]types.NewJob{pdf("empty")})[0]
	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))

	got := waitStatus(t, store, job.ID, types.StatusError)
	assert.Equal(t, worker.ErrEmptyResult.Error(), got.Error)
}

// TestDeleteDuringProcessing verifies the in-flight call finishes and its writes are dropped
func TestDeleteDuringProcessing(t *testing.T) {
	store := jobmanager.NewJobManager()
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		if in.Name() == "victim.pdf" {
			close(started)
			<-release
			onLog("late log")
			onProgress(60)
			finished.Store(true)
		}
		return &types.BookData{Title: in.Name()}, nil
	})

	jobs := store.AddJobs([]types.NewJob{pdf("victim"), pdf("survivor")})
	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))

	<-started
	store.RemoveJob(jobs[0].ID)
	close(release)

	waitStatus(t, store, jobs[1].ID, types.StatusCompleted)
	assert.True(t, finished.Load(), "in-flight extraction is not cancelled")
	_, ok := store.GetJob(jobs[0].ID)
	assert.False(t, ok)
	assert.Equal(t, 1, store.Len())
}

// TestLateCallbacksDropped verifies callbacks after return do not touch the job
func TestLateCallbacksDropped(t *testing.T) {
	store := jobmanager.NewJobManager()
	var savedLog worker.LogFunc
	var savedProgress worker.ProgressFunc
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		savedLog, savedProgress = onLog, onProgress
		onLog("inside")
		return &types.BookData{Title: "t"}, nil
	})

	job := store.AddJobs([]types.NewJob{pdf("book")})[0]
	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))
	waitStatus(t, store, job.ID, types.StatusCompleted)

	savedLog("after return")
	savedProgress(10)

	got, _ := store.GetJob(job.ID)
	assert.Equal(t, []string{"inside"}, got.Logs)
	assert.Equal(t, 100, got.Progress)
}

// TestJobTimeout verifies a timed-out extraction becomes an Error
func TestJobTimeout(t *testing.T) {
	store := jobmanager.NewJobManager()
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg)
	job := store.AddJobs([]types.NewJob{pdf("slow")})[0]
	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour, JobTimeout: 20 * time.Millisecond}, WithMetrics(collector)))

	got := waitStatus(t, store, job.ID, types.StatusError)
	assert.Equal(t, context.DeadlineExceeded.Error(), got.Error)
	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(reg, "bookextract_jobs_failed_total")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)
}

// TestShutdownLeavesJobUnfinished verifies an interrupted job is not finalized
func TestShutdownLeavesJobUnfinished(t *testing.T) {
	store := jobmanager.NewJobManager()
	started := make(chan struct{})
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	job := store.AddJobs([]types.NewJob{pdf("book")})[0]
	s := New(store, extractor, Config{RecheckInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	got, _ := store.GetJob(job.ID)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.Empty(t, store.TerminalJobs())
	assert.False(t, s.Busy())
}

// TestNewJobsWakeIdleScheduler verifies edge-triggered re-evaluation
func TestNewJobsWakeIdleScheduler(t *testing.T) {
	store := jobmanager.NewJobManager()
	extractor := worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		return &types.BookData{Title: in.Name()}, nil
	})

	// a long recheck interval proves the store notification drives the loop
	startScheduler(t, New(store, extractor, Config{RecheckInterval: time.Hour}))
	time.Sleep(20 * time.Millisecond)

	job := store.AddJobs([]types.NewJob{pdf("late")})[0]
	waitStatus(t, store, job.ID, types.StatusCompleted)
}

// TestRunTwice verifies a second concurrent Run is rejected
func TestRunTwice(t *testing.T) {
	store := jobmanager.NewJobManager()
	s := New(store, worker.ExtractorFunc(func(ctx context.Context, in types.InputHandle, onLog worker.LogFunc, onProgress worker.ProgressFunc) (*types.BookData, error) {
		return &types.BookData{}, nil
	}), Config{})
	startScheduler(t, s)

	require.Eventually(t, func() bool { return s.running.Load() }, time.Second, 5*time.Millisecond)
	assert.Error(t, s.Run(context.Background()))
}
