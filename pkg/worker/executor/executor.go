// Package executor adapts a leased work item into a runnable unit whose
// progress snapshot the reporter polls while it runs.
package executor

import (
	"context"
	"fmt"

	"github.com/dataflow-go/batchworker/pkg/worker/workitem"
)

// Progress is a snapshot an Executor publishes while running. The
// reporter goroutine reads this concurrently with Execute running; an
// Executor must treat Progress() as safe to call from another goroutine.
type Progress struct {
	PercentComplete float64
	Position        string
}

// Executor runs a single leased work item to completion. Implementations
// must be safe for Progress to be called concurrently with Execute.
type Executor interface {
	// Execute runs the work item. Cancellation via ctx is best-effort;
	// per spec the worker does not forcibly tear down a running executor
	// on shutdown, it lets the current item finish.
	Execute(ctx context.Context) error
	// Progress returns the latest progress snapshot.
	Progress() Progress
	// RequestSplit asks the executor to end its work item at (or before)
	// the given split point on its own next opportunity, returning the
	// split actually taken. A nil return means the executor could not
	// honor the request.
	RequestSplit(splitPoint map[string]interface{}) *workitem.DynamicSplitResult
}

// SplitResponder is implemented by executors whose work item is itself a
// split request: once Execute has returned, Response reports the split
// actually taken, to be carried on the completion report. Only
// source-split executors implement this; it is not part of the Executor
// interface because map task executors have no such response.
type SplitResponder interface {
	Response() *workitem.DynamicSplitResult
}

// New builds the Executor appropriate for item.Kind. An unrecognized
// kind is a fatal configuration error: the coordinator leased work this
// binary does not know how to run.
func New(item *workitem.Item) (Executor, error) {
	switch item.Kind {
	case workitem.KindMapTask:
		if item.MapTask == nil {
			return nil, fmt.Errorf("executor: work item %s declared as map_task but carries no payload", item.ID)
		}
		return newMapTaskExecutor(item.MapTask), nil
	case workitem.KindSourceOperationSplit:
		if item.SourceSplit == nil {
			return nil, fmt.Errorf("executor: work item %s declared as source_operation_split_task but carries no payload", item.ID)
		}
		return newSourceSplitExecutor(item.SourceSplit), nil
	default:
		return nil, fmt.Errorf("executor: no executor registered for work item kind %q (id=%s)", item.Kind, item.ID)
	}
}
