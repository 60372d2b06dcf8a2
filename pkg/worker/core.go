// Package worker implements the batch worker runtime: a long-lived
// process that leases work items from a coordinator, executes them, and
// reports progress and completion back, one item at a time.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime/debug"
	"runtime/pprof"
	"time"

	"github.com/google/uuid"

	"github.com/dataflow-go/batchworker/pkg/common/config"
	"github.com/dataflow-go/batchworker/pkg/logging"
	"github.com/dataflow-go/batchworker/pkg/worker/cloudtime"
	"github.com/dataflow-go/batchworker/pkg/worker/coordinator"
	"github.com/dataflow-go/batchworker/pkg/worker/executor"
	"github.com/dataflow-go/batchworker/pkg/worker/memstat"
	"github.com/dataflow-go/batchworker/pkg/worker/reporter"
	"github.com/dataflow-go/batchworker/pkg/worker/session"
	"github.com/dataflow-go/batchworker/pkg/worker/statusz"
	"github.com/dataflow-go/batchworker/pkg/worker/werrors"
	"github.com/dataflow-go/batchworker/pkg/worker/workitem"
)

// DefaultCapabilities returns the work-leasing capabilities this worker
// binary advertises to the coordinator.
func DefaultCapabilities() []string {
	return []string{"remote_source", "custom_source"}
}

// DefaultWorkTypes returns the work item kinds this worker binary is
// willing to accept leases for.
func DefaultWorkTypes() []string {
	return []string{"map_task", "seq_map_task", "remote_source_task"}
}

// defaultDesiredLeaseDuration is requested on every lease call; the
// coordinator may grant a shorter lease, never signaled as an error.
const defaultDesiredLeaseDuration = 3 * time.Minute

// noWorkMinSleep and noWorkMaxSleep bound the jittered backoff applied
// after a 404 (no work available) response, matching the original
// implementation's uniform jitter in [0.5s, 1.0s].
const (
	noWorkMinSleep = 500 * time.Millisecond
	noWorkMaxSleep = 1000 * time.Millisecond
)

// Worker runs the lease/execute/report loop for one worker process.
type Worker struct {
	cfg    *config.Config
	client *coordinator.Client
	log    *logging.Logger
	clock  cloudtime.Clock

	workerUUID string

	deferredErr error
}

// New constructs a Worker. cfg must already be validated (config.LoadConfig
// does this). clock defaults to the real wall clock when nil.
func New(cfg *config.Config, client *coordinator.Client, log *logging.Logger, clock cloudtime.Clock) *Worker {
	if clock == nil {
		clock = cloudtime.Real()
	}
	return &Worker{
		cfg:        cfg,
		client:     client,
		log:        log,
		clock:      clock,
		workerUUID: uuid.NewString(),
	}
}

// Run performs one-time startup, then loops leasing and executing work
// items until ctx is canceled or a fatal error occurs.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.RunningInManagedEnv() {
		w.log.Info("detected managed execution environment", map[string]interface{}{
			"temp_gcs_directory": w.cfg.TempGCSDirectory,
		})
		// Credential priming for the managed environment happens outside
		// this module's scope (spec.md Non-goals: credential acquisition
		// internals); this is the hook point where it would occur.
	}

	sess, err := session.Load(w.cfg.LocalStagingDirectory)
	if err != nil {
		w.deferredErr = err
		w.log.Warnf("failed to load staged main session, continuing without it: %v", err)
	} else if sess == nil {
		w.log.Warn("no staged main session found")
	} else {
		w.log.Info("loaded staged main session", map[string]interface{}{"bindings": len(sess.Values)})
	}

	statusSrv, err := statusz.Start(w.log)
	if err != nil {
		return fmt.Errorf("worker: starting status server: %w", err)
	}
	defer statusSrv.Close()
	w.log.Info("status server listening", map[string]interface{}{"addr": statusSrv.Addr().String()})

	memstat.LogIfNeeded(w.log, true)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := w.doWork(ctx); err != nil {
			if werrors.IsFatal(err) {
				return err
			}
			if !werrors.IsTransient(err) && err != werrors.ErrNoWorkAvailable {
				w.log.Errorf("unexpected error in work loop, continuing: %v", err)
			}
		}
	}
}

// workerInfo builds the WorkerInfo sent on every coordinator call.
func (w *Worker) workerInfo() coordinator.WorkerInfo {
	return coordinator.WorkerInfo{
		WorkerID:     w.cfg.WorkerID,
		JobID:        w.cfg.JobID,
		ProjectID:    w.cfg.ProjectID,
		WorkerUUID:   w.workerUUID,
		Capabilities: DefaultCapabilities(),
		WorkTypes:    DefaultWorkTypes(),
		CurrentTime:  cloudtime.FormatTimestamp(w.clock.Now()),
	}
}

// doWork leases a single work item, if one is available, runs it to
// completion, and reports the outcome. A 404 from the coordinator is not
// an error condition; it is handled here with the jittered backoff the
// original implementation applies.
func (w *Worker) doWork(ctx context.Context) error {
	leaseResp, err := w.client.LeaseWork(ctx, coordinator.LeaseWorkRequest{
		WorkerInfo:           w.workerInfo(),
		DesiredLeaseDuration: cloudtime.FormatDuration(defaultDesiredLeaseDuration),
	})
	if err != nil {
		if err == werrors.ErrNoWorkAvailable {
			w.sleepJittered()
			return nil
		}
		return err
	}
	if len(leaseResp.WorkItems) == 0 {
		w.sleepJittered()
		return nil
	}

	wire := leaseResp.WorkItems[0]
	item := decodeWorkItem(wire)

	itemLog := w.log.WithWorkItem(item.ID, item.Kind.String())
	itemLog.Info("leased work item")
	memstat.LogIfNeeded(w.log, true)

	// A deferred startup error from a previous failed initialization is
	// carried by the process, not by any particular item: the item this
	// worker just leased is sacrificed to report it. No executor is
	// instantiated and nothing is executed for this item.
	if w.deferredErr != nil {
		itemLog.Warnf("sacrificing work item for deferred startup error, no executor instantiated: %v", w.deferredErr)
		return w.reportExecutionOutcome(ctx, item, nil, nil)
	}

	exec, err := executor.New(item)
	if err != nil {
		return w.reportExecutionOutcome(ctx, item, err, nil)
	}

	return w.executeAndReport(ctx, item, exec, itemLog)
}

func (w *Worker) executeAndReport(ctx context.Context, item *workitem.Item, exec executor.Executor, itemLog *logging.FieldLogger) error {
	rep := reporter.New(item, exec, w.client, w.workerInfo(), w.clock, itemLog, w.log)
	rep.Start(ctx)

	var stopProfile func()
	if w.cfg.PipelineOptions.Profile {
		stopProfile = w.startProfiling(item.ID)
	}

	start := time.Now()
	execErr := exec.Execute(ctx)
	elapsed := time.Since(start)

	if stopProfile != nil {
		stopProfile()
	}

	// Stop the reporter before sending the completion report: the two
	// must never be in flight at once, since a progress report racing
	// the completion report could renew a lease the coordinator has
	// already closed out. If a split was still queued when the reporter
	// stopped, Stop has already flushed it in one extra report; a
	// failure doing so fails the whole item.
	if stopErr := rep.Stop(ctx); stopErr != nil {
		if execErr == nil {
			execErr = stopErr
		} else {
			execErr = fmt.Errorf("%w (also: %v)", execErr, stopErr)
		}
	}

	if execErr == nil {
		itemLog.Infof("Finished processing %s successfully in %.9f seconds", item.ID, elapsed.Seconds())
	} else {
		itemLog.Errorf("Finished processing %s with exception: %v", item.ID, execErr)
	}

	var sourceResp *workitem.DynamicSplitResult
	if responder, ok := exec.(executor.SplitResponder); ok {
		sourceResp = responder.Response()
	}

	memstat.LogIfNeeded(w.log, true)
	return w.reportExecutionOutcome(ctx, item, execErr, sourceResp)
}

// reportExecutionOutcome sends the final completion report for item,
// attaching any deferred error from a prior startup failure. The
// deferred error is cleared after being attached once: it describes a
// process-level startup problem that should surface on the next work
// item the worker gets to process, not on every item for the rest of
// the process's life.
func (w *Worker) reportExecutionOutcome(ctx context.Context, item *workitem.Item, execErr error, sourceResp *workitem.DynamicSplitResult) error {
	req := coordinator.ReportStatusRequest{
		WorkerInfo:  w.workerInfo(),
		WorkItemID:  item.ID,
		ReportIndex: item.NextReportIndex(),
		Completed:   true,
	}
	if sourceResp != nil {
		req.SourceOperationResponse = &coordinator.WireDynamicSplit{SourceSplit: sourceResp.SourceSplit}
	}

	combinedErr := execErr
	if w.deferredErr != nil {
		if combinedErr == nil {
			combinedErr = w.deferredErr
		} else {
			combinedErr = fmt.Errorf("%w (also: deferred startup error: %v)", execErr, w.deferredErr)
		}
		w.deferredErr = nil
	}

	if combinedErr != nil {
		req.CompletionError = &coordinator.WireError{
			Message:    combinedErr.Error(),
			StackTrace: string(debug.Stack()),
		}
	}

	if !w.cfg.ReportingEnabled {
		return nil
	}

	if _, err := w.client.ReportStatus(ctx, req); err != nil {
		return fmt.Errorf("worker: reporting completion for %s: %w", item.ID, err)
	}
	return nil
}

// startProfiling begins CPU profiling for one work item's execution,
// returning a function that stops profiling and closes the file.
func (w *Worker) startProfiling(workItemID string) func() {
	path := fmt.Sprintf("%s/%s.pprof", w.cfg.PipelineOptions.ProfileLocation, workItemID)
	f, err := os.Create(path)
	if err != nil {
		w.log.Warnf("failed to open profile output %s: %v", path, err)
		return nil
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		w.log.Warnf("failed to start CPU profile: %v", err)
		f.Close()
		return nil
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}
}

func (w *Worker) sleepJittered() {
	jitter := noWorkMinSleep + time.Duration(rand.Int63n(int64(noWorkMaxSleep-noWorkMinSleep)))
	w.clock.Sleep(jitter)
}

// decodeWorkItem translates the wire representation into an Item,
// tagging its Kind by which payload field is populated. An item with
// neither payload gets KindUnknown; executor.New is responsible for
// failing loudly on that, since only it knows which kinds it can run.
func decodeWorkItem(wire coordinator.WireWorkItem) *workitem.Item {
	leaseExpire := cloudtime.ParseTimestamp(wire.LeaseExpireTime)
	interval := cloudtime.ParseDuration(wire.ReportStatusInterval)

	var kind workitem.Kind
	switch {
	case wire.MapTask != nil:
		kind = workitem.KindMapTask
	case wire.SourceOperationTask != nil:
		kind = workitem.KindSourceOperationSplit
	default:
		kind = workitem.KindUnknown
	}

	item := workitem.New(wire.ID, kind, wire.InitialReportIndex, leaseExpire, interval)
	if wire.MapTask != nil {
		item.MapTask = &workitem.MapTask{
			Stage:       wire.MapTask.Stage,
			InputSpecs:  wire.MapTask.InputSpecs,
			OutputSpecs: wire.MapTask.OutputSpecs,
		}
	}
	if wire.SourceOperationTask != nil {
		item.SourceSplit = &workitem.SourceOperationSplitTask{Split: wire.SourceOperationTask.Split}
	}
	return item
}
