package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataflow-go/batchworker/pkg/common/config"
	"github.com/dataflow-go/batchworker/pkg/logging"
	"github.com/dataflow-go/batchworker/pkg/worker/coordinator"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.ErrorLevel, Output: discardWriter{}})
}

type captureBuf struct {
	mu sync.Mutex
	sb strings.Builder
}

func (c *captureBuf) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb.Write(p)
}

func (c *captureBuf) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sb.String()
}

func testConfig(rootURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ProjectID = "proj-1"
	cfg.JobID = "job-1"
	cfg.WorkerID = "worker-1"
	cfg.RootURL = rootURL
	cfg.LocalStagingDirectory = ""
	return cfg
}

// fakeCoordinator hands out exactly one work item, then 404s forever.
type fakeCoordinator struct {
	mu         sync.Mutex
	leased     bool
	completed  int32
	lastReport coordinator.ReportStatusRequest

	// sourceSplit, when set, is leased instead of the default map task.
	sourceSplit map[string]interface{}
}

func (f *fakeCoordinator) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lease":
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.leased {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			f.leased = true
			item := coordinator.WireWorkItem{
				ID:                   "item-1",
				LeaseExpireTime:      "2099-01-01T00:00:00Z",
				ReportStatusInterval: "300s",
			}
			if f.sourceSplit != nil {
				item.SourceOperationTask = &coordinator.WireSourceOperationTask{Split: f.sourceSplit}
			} else {
				item.MapTask = &coordinator.WireMapTask{
					Stage:      "stage-a",
					InputSpecs: []string{"a", "b"},
				}
			}
			json.NewEncoder(w).Encode(coordinator.LeaseWorkResponse{
				WorkItems: []coordinator.WireWorkItem{item},
			})
		case "/reportStatus":
			var req coordinator.ReportStatusRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.Completed {
				atomic.AddInt32(&f.completed, 1)
				f.mu.Lock()
				f.lastReport = req
				f.mu.Unlock()
			}
			json.NewEncoder(w).Encode(coordinator.ReportStatusResponse{})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

func TestWorkerLeasesExecutesAndReportsCompletion(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client, err := coordinator.NewClient(context.Background(), cfg.RootURL, testLogger())
	require.NoError(t, err)

	w := New(cfg, client, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = w.doWork(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fc.completed) == 1
	}, time.Second, 10*time.Millisecond)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	assert.Nil(t, fc.lastReport.CompletionError)
}

func TestWorkerAttachesAndClearsDeferredError(t *testing.T) {
	fc := &fakeCoordinator{}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client, err := coordinator.NewClient(context.Background(), cfg.RootURL, testLogger())
	require.NoError(t, err)

	var logOut captureBuf
	log := logging.NewLogger(&logging.Config{Level: logging.DebugLevel, Output: &logOut})

	w := New(cfg, client, log, nil)
	w.deferredErr = assertError("startup credential check failed")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = w.doWork(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fc.completed) == 1
	}, time.Second, 10*time.Millisecond)

	fc.mu.Lock()
	report := fc.lastReport
	fc.mu.Unlock()
	require.NotNil(t, report.CompletionError)
	assert.Contains(t, report.CompletionError.Message, "startup credential check failed")

	// The deferred error must not survive past the item that consumed it.
	assert.Nil(t, w.deferredErr)

	// The item was sacrificed without ever instantiating an executor: no
	// "Finished processing" sentinel, which only executeAndReport logs.
	assert.NotContains(t, logOut.String(), "Finished processing")
	assert.Contains(t, logOut.String(), "sacrificing work item")
}

func TestWorkerReportsSourceOperationResponseOnCompletion(t *testing.T) {
	fc := &fakeCoordinator{sourceSplit: map[string]interface{}{"offset": float64(42)}}
	srv := httptest.NewServer(fc.handler())
	defer srv.Close()

	cfg := testConfig(srv.URL)
	client, err := coordinator.NewClient(context.Background(), cfg.RootURL, testLogger())
	require.NoError(t, err)

	w := New(cfg, client, testLogger(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = w.doWork(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fc.completed) == 1
	}, time.Second, 10*time.Millisecond)

	fc.mu.Lock()
	report := fc.lastReport
	fc.mu.Unlock()
	require.NotNil(t, report.SourceOperationResponse)
	assert.Equal(t, map[string]interface{}{"offset": float64(42)}, report.SourceOperationResponse.SourceSplit)
}

type assertError string

func (e assertError) Error() string { return string(e) }
