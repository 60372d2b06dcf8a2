// Package reporter runs the concurrent progress-reporting protocol
// alongside an executing work item: periodic progress reports with
// dynamic lease renewal, at-least-once delivery of dynamic splits, and a
// clean handoff to the final completion report.
package reporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dataflow-go/batchworker/pkg/logging"
	"github.com/dataflow-go/batchworker/pkg/worker/cloudtime"
	"github.com/dataflow-go/batchworker/pkg/worker/coordinator"
	"github.com/dataflow-go/batchworker/pkg/worker/executor"
	"github.com/dataflow-go/batchworker/pkg/worker/memstat"
	"github.com/dataflow-go/batchworker/pkg/worker/workitem"
)

const (
	// minInterval is the shortest cadence the reporter will ever report on,
	// regardless of what the coordinator requests.
	minInterval = 5 * time.Second
	// maxInterval is the longest cadence the reporter will ever report on.
	maxInterval = 600 * time.Second
	// leaseRenewalSafety is subtracted from the lease's remaining life when
	// computing the next report interval, so a report always lands with
	// margin before the lease would otherwise expire.
	leaseRenewalSafety = 5 * time.Second
)

// Reporter drives periodic ReportStatus calls for one leased work item
// while its Executor runs.
type Reporter struct {
	item    *workitem.Item
	exec    executor.Executor
	client  *coordinator.Client
	worker  coordinator.WorkerInfo
	clock   cloudtime.Clock
	log     *logging.FieldLogger
	baseLog *logging.Logger

	mu            sync.Mutex
	stopRequested chan struct{}
	stopped       chan struct{}
	started       bool
}

// New builds a Reporter for item, reporting exec's progress through
// client. baseLog is used only for the unforced, rate-limited memory log
// emitted at the top of each reporting cycle; log carries the work item's
// field context for everything else the reporter logs.
func New(item *workitem.Item, exec executor.Executor, client *coordinator.Client, worker coordinator.WorkerInfo, clock cloudtime.Clock, log *logging.FieldLogger, baseLog *logging.Logger) *Reporter {
	return &Reporter{
		item:    item,
		exec:    exec,
		client:  client,
		worker:  worker,
		clock:   clock,
		log:     log,
		baseLog: baseLog,
	}
}

// Start launches the reporting goroutine. Calling Start twice panics,
// matching the single-use-per-work-item contract of the caller.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		panic("reporter: Start called twice for the same work item")
	}
	r.started = true
	r.stopRequested = make(chan struct{})
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

// Stop signals the reporting goroutine to exit and blocks until it has,
// so the caller can safely send the final completion report without a
// progress report racing it. This replaces a fixed-interval polling
// wait with a direct channel handshake.
//
// If a dynamic split is still queued when the goroutine exits, Stop sends
// one extra ReportStatus call carrying it before returning, so a split
// requested on the item's last cycle is never silently dropped. A
// failure delivering that final report is returned to the caller, which
// must report the work item as failed rather than treat it as a clean
// completion.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	stopRequested := r.stopRequested
	stopped := r.stopped
	r.mu.Unlock()
	if stopRequested == nil {
		return nil
	}
	close(stopRequested)
	<-stopped

	if r.item.TakeSplit() == nil {
		return nil
	}
	if err := r.reportOnce(ctx); err != nil {
		return fmt.Errorf("reporter: flushing pending split at shutdown: %w", err)
	}
	return nil
}

// QueueSplit records a dynamic split request to be delivered on the next
// report. Safe to call from any goroutine.
func (r *Reporter) QueueSplit(result *workitem.DynamicSplitResult) {
	r.item.QueueSplit(result)
}

func (r *Reporter) loop(ctx context.Context) {
	defer close(r.stopped)

	interval := r.nextInterval()
	for {
		select {
		case <-r.stopRequested:
			return
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
		}

		memstat.LogIfNeeded(r.baseLog, false)

		if err := r.reportOnce(ctx); err != nil {
			r.log.Warnf("progress report failed, will retry on next interval: %v", err)
		}

		interval = r.nextInterval()
	}
}

func (r *Reporter) reportOnce(ctx context.Context) error {
	progress := r.exec.Progress()
	pendingSplit := r.item.TakeSplit()

	req := coordinator.ReportStatusRequest{
		WorkerInfo:  r.worker,
		WorkItemID:  r.item.ID,
		ReportIndex: r.item.NextReportIndex(),
		Completed:   false,
		Progress: &coordinator.WireProgress{
			PercentComplete: progress.PercentComplete,
			Position:        progress.Position,
		},
	}
	if pendingSplit != nil {
		req.DynamicSplitResult = &coordinator.WireDynamicSplit{SourceSplit: pendingSplit.SourceSplit}
	}

	resp, err := r.client.ReportStatus(ctx, req)
	if err != nil {
		// Progress reports are not retried: a dropped report simply
		// delays lease renewal until the next interval fires. The split
		// stays queued so it is not lost.
		return err
	}

	r.item.AdvanceReportIndex()
	if pendingSplit != nil {
		r.item.ClearSplit()
	}
	if resp.LeaseExpireTime != "" {
		r.item.SetLeaseExpireTime(cloudtime.ParseTimestamp(resp.LeaseExpireTime))
	}
	if resp.NextReportInterval != "" {
		r.item.SetReportStatusInterval(cloudtime.ParseDuration(resp.NextReportInterval))
	}

	// A suggested stop point is the coordinator asking this item to end
	// early so its remainder can be redistributed. The executor decides
	// whether and where it can actually split; the result, if any, is
	// queued for delivery on the next cycle rather than sent immediately.
	if resp.SuggestedStopPoint != nil {
		if split := r.exec.RequestSplit(resp.SuggestedStopPoint); split != nil {
			r.item.QueueSplit(split)
		}
	}

	return nil
}

// nextInterval computes the cadence for the following report: the
// coordinator-requested interval, capped at the lease's remaining life
// minus a safety margin, then clamped to [minInterval, maxInterval]. When
// less than minInterval of lease remains (or the expiry is unknown), the
// result is minInterval.
func (r *Reporter) nextInterval() time.Duration {
	interval := r.item.ReportStatusInterval()
	remaining := r.item.LeaseExpireTime().Sub(r.clock.Now()) - leaseRenewalSafety
	if remaining < interval {
		interval = remaining
	}
	if interval < minInterval {
		interval = minInterval
	}
	if interval > maxInterval {
		interval = maxInterval
	}
	return interval
}
