package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflow-go/batchworker/pkg/logging"
	"github.com/dataflow-go/batchworker/pkg/worker/coordinator"
	"github.com/dataflow-go/batchworker/pkg/worker/executor"
	"github.com/dataflow-go/batchworker/pkg/worker/workitem"
)

// fakeClock lets tests fire report ticks on demand instead of waiting on
// wall-clock intervals.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time

	tickCh chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now(), tickCh: make(chan time.Time, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time { return c.tickCh }
func (c *fakeClock) Sleep(d time.Duration)                  {}
func (c *fakeClock) Tick()                                  { c.tickCh <- c.Now() }

type fakeExecutor struct {
	mu          sync.Mutex
	progress    executor.Progress
	splitResult *workitem.DynamicSplitResult
	lastSplitAt map[string]interface{}
}

func (e *fakeExecutor) Execute(ctx context.Context) error { return nil }
func (e *fakeExecutor) Progress() executor.Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}
func (e *fakeExecutor) setProgress(p executor.Progress) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}
func (e *fakeExecutor) RequestSplit(splitPoint map[string]interface{}) *workitem.DynamicSplitResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSplitAt = splitPoint
	return e.splitResult
}

func discardLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.ErrorLevel, Output: discardWriter{}})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestReporterSendsProgressAndAdvancesIndex(t *testing.T) {
	var reportCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/reportStatus" {
			atomic.AddInt32(&reportCount, 1)
		}
		json.NewEncoder(w).Encode(coordinator.ReportStatusResponse{})
	}))
	defer srv.Close()

	client, err := coordinator.NewClient(context.Background(), srv.URL, discardLogger())
	require.NoError(t, err)

	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(time.Hour), 5*time.Second)
	exec := &fakeExecutor{}
	log := discardLogger().WithWorkItem("item-1", "map_task")

	r := New(item, exec, client, coordinator.WorkerInfo{}, clock, log, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	clock.Tick()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&reportCount) >= 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))
	assert.GreaterOrEqual(t, item.NextReportIndex(), int64(1))
}

func TestReporterDeliversQueuedSplitAtLeastOnce(t *testing.T) {
	var gotSplit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req coordinator.ReportStatusRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DynamicSplitResult != nil {
			atomic.StoreInt32(&gotSplit, 1)
		}
		json.NewEncoder(w).Encode(coordinator.ReportStatusResponse{})
	}))
	defer srv.Close()

	client, err := coordinator.NewClient(context.Background(), srv.URL, discardLogger())
	require.NoError(t, err)

	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(time.Hour), 5*time.Second)
	exec := &fakeExecutor{}
	log := discardLogger().WithWorkItem("item-1", "map_task")

	r := New(item, exec, client, coordinator.WorkerInfo{}, clock, log, discardLogger())
	r.QueueSplit(&workitem.DynamicSplitResult{SourceSplit: map[string]interface{}{"index": 3}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	clock.Tick()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gotSplit) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))
}

// TestReporterFlushesPendingSplitOnStop covers the case where a split is
// queued on the item's last cycle, after the loop has already woken up
// for the final time but before Stop is called: nothing in the loop's
// own ticks will ever deliver it, so Stop itself must flush it.
func TestReporterFlushesPendingSplitOnStop(t *testing.T) {
	var gotSplit int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req coordinator.ReportStatusRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DynamicSplitResult != nil {
			atomic.StoreInt32(&gotSplit, 1)
		}
		json.NewEncoder(w).Encode(coordinator.ReportStatusResponse{})
	}))
	defer srv.Close()

	client, err := coordinator.NewClient(context.Background(), srv.URL, discardLogger())
	require.NoError(t, err)

	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(time.Hour), time.Hour)
	exec := &fakeExecutor{}
	log := discardLogger().WithWorkItem("item-1", "map_task")

	r := New(item, exec, client, coordinator.WorkerInfo{}, clock, log, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	// No tick is ever sent: the loop is parked waiting on the interval.
	// Queue the split only after Start, simulating it landing right as
	// the executor finishes.
	r.QueueSplit(&workitem.DynamicSplitResult{SourceSplit: map[string]interface{}{"index": 9}})

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&gotSplit))
}

// TestReporterFlushFailurePropagatesFromStop covers the failure half of
// the same path: if the flush report fails, Stop must surface that error
// so the caller reports the work item as failed.
func TestReporterFlushFailurePropagatesFromStop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := coordinator.NewClient(context.Background(), srv.URL, discardLogger())
	require.NoError(t, err)

	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(time.Hour), time.Hour)
	exec := &fakeExecutor{}
	log := discardLogger().WithWorkItem("item-1", "map_task")

	r := New(item, exec, client, coordinator.WorkerInfo{}, clock, log, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.QueueSplit(&workitem.DynamicSplitResult{SourceSplit: map[string]interface{}{"index": 9}})

	err = r.Stop(ctx)
	assert.Error(t, err)
}

// TestReporterAppliesSuggestedStopPoint covers the coordinator-initiated
// half of the split handshake: a ReportStatus response carrying a
// suggestedStopPoint must be translated into a RequestSplit call, with
// the result queued for delivery on the following cycle rather than sent
// immediately.
func TestReporterAppliesSuggestedStopPoint(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reportStatus" {
			return
		}
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			json.NewEncoder(w).Encode(coordinator.ReportStatusResponse{
				SuggestedStopPoint: map[string]interface{}{"input_index": float64(2)},
			})
			return
		}
		var req coordinator.ReportStatusRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DynamicSplitResult != nil {
			atomic.StoreInt32(&calls, 100)
		}
		json.NewEncoder(w).Encode(coordinator.ReportStatusResponse{})
	}))
	defer srv.Close()

	client, err := coordinator.NewClient(context.Background(), srv.URL, discardLogger())
	require.NoError(t, err)

	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(time.Hour), 5*time.Second)
	exec := &fakeExecutor{splitResult: &workitem.DynamicSplitResult{SourceSplit: map[string]interface{}{"input_index": 2}}}
	log := discardLogger().WithWorkItem("item-1", "map_task")

	r := New(item, exec, client, coordinator.WorkerInfo{}, clock, log, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	clock.Tick()
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return exec.lastSplitAt != nil
	}, time.Second, 10*time.Millisecond)

	clock.Tick()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 100
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(context.Background()))
}

func TestNextIntervalClampsToLeaseRemaining(t *testing.T) {
	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(10*time.Second), maxInterval)
	r := &Reporter{item: item, clock: clock}

	interval := r.nextInterval()
	assert.LessOrEqual(t, interval, 10*time.Second)
}

func TestNextIntervalClampsToMinAndMax(t *testing.T) {
	clock := newFakeClock()
	item := workitem.New("item-1", workitem.KindMapTask, 0, clock.Now().Add(time.Hour), time.Second)
	r := &Reporter{item: item, clock: clock}
	assert.Equal(t, minInterval, r.nextInterval())

	item.SetReportStatusInterval(time.Hour)
	assert.Equal(t, maxInterval, r.nextInterval())
}
