// Package coordinator is the HTTP client the worker uses to lease work
// and report status to the pipeline coordinator service.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/net/http2"

	"github.com/dataflow-go/batchworker/pkg/logging"
	"github.com/dataflow-go/batchworker/pkg/worker/werrors"
)

// RequestMetrics tracks a rolling view of recent call health for one
// endpoint, in the style of the exponential-moving-average request
// metrics kept per peer by an IPFS client.
type RequestMetrics struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AverageLatency     time.Duration
	LastRequest        time.Time
}

// Client talks to the coordinator's lease and status-report endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logging.Logger

	metricsLock sync.RWMutex
	metrics     map[string]*RequestMetrics
}

// NewClient builds a Client against rootURL and probes its /healthz
// endpoint once before returning. A failed probe is logged as a warning
// and does not prevent construction; the probe's status code is not
// checked.
func NewClient(ctx context.Context, rootURL string, log *logging.Logger) (*Client, error) {
	transport := &http.Transport{}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("coordinator: configuring http2 transport: %w", err)
	}

	c := &Client{
		httpClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		baseURL:    rootURL,
		log:        log,
		metrics:    make(map[string]*RequestMetrics),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rootURL+"/healthz", nil)
	if err == nil {
		if resp, err := c.httpClient.Do(req); err == nil {
			resp.Body.Close()
		} else {
			log.Warn("coordinator health check failed, continuing anyway", map[string]interface{}{"error": err.Error()})
		}
	}
	return c, nil
}

func (c *Client) recordMetric(endpoint string, latency time.Duration, success bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	m, ok := c.metrics[endpoint]
	if !ok {
		m = &RequestMetrics{}
		c.metrics[endpoint] = m
	}
	m.TotalRequests++
	m.LastRequest = time.Now()
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	const alpha = 0.1
	if m.AverageLatency == 0 {
		m.AverageLatency = latency
	} else {
		m.AverageLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(m.AverageLatency))
	}
}

// Metrics returns a snapshot of request metrics keyed by endpoint.
func (c *Client) Metrics() map[string]RequestMetrics {
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()
	out := make(map[string]RequestMetrics, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = *v
	}
	return out
}

func (c *Client) doJSON(ctx context.Context, endpoint string, body interface{}, out interface{}) (int, error) {
	start := time.Now()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, fmt.Errorf("coordinator: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return 0, fmt.Errorf("coordinator: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordMetric(endpoint, time.Since(start), false)
		return 0, &werrors.Transient{Err: fmt.Errorf("coordinator: %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	c.recordMetric(endpoint, time.Since(start), success)

	if resp.StatusCode == http.StatusNotFound {
		return resp.StatusCode, werrors.ErrNoWorkAvailable
	}
	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &werrors.Transient{Err: fmt.Errorf("coordinator: %s: status %d: %s", endpoint, resp.StatusCode, data)}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, fmt.Errorf("coordinator: %s: status %d: %s", endpoint, resp.StatusCode, data)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("coordinator: %s: decoding response: %w", endpoint, err)
		}
	}
	return resp.StatusCode, nil
}

// LeaseWork requests up to one work item. werrors.ErrNoWorkAvailable is
// returned, not logged as an error, when the coordinator has nothing to
// hand out; callers are expected to back off and retry. 5xx responses are
// retried here with a short bounded backoff; a 404 is never retried, it
// falls straight through to the caller's no-work jitter sleep.
func (c *Client) LeaseWork(ctx context.Context, req LeaseWorkRequest) (*LeaseWorkResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 15 * time.Second

	var resp LeaseWorkResponse
	op := func() error {
		_, err := c.doJSON(ctx, "/lease", req, &resp)
		if err != nil && werrors.IsTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportStatus reports progress or completion for a work item. Progress
// reports are sent once, best-effort, with no retry: a dropped progress
// report only delays lease renewal, which the next report attempt will
// correct. Completion reports are retried with exponential backoff,
// because a dropped completion report would otherwise orphan the work
// item at the coordinator.
func (c *Client) ReportStatus(ctx context.Context, req ReportStatusRequest) (*ReportStatusResponse, error) {
	if !req.Completed {
		var resp ReportStatusResponse
		_, err := c.doJSON(ctx, "/reportStatus", req, &resp)
		if err != nil {
			return nil, err
		}
		return &resp, nil
	}
	return c.reportCompletionWithRetry(ctx, req)
}

func (c *Client) reportCompletionWithRetry(ctx context.Context, req ReportStatusRequest) (*ReportStatusResponse, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 10 * time.Minute

	var resp ReportStatusResponse
	op := func() error {
		_, err := c.doJSON(ctx, "/reportStatus", req, &resp)
		if err != nil && werrors.IsTransient(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("coordinator: reporting completion for %s: %w", req.WorkItemID, err)
	}
	return &resp, nil
}
