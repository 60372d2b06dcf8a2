package executor

import (
	"context"
	"sync"

	"github.com/dataflow-go/batchworker/pkg/worker/workitem"
)

// sourceSplitExecutor runs a SourceOperationSplitTask: it evaluates a
// custom source's proposed split and reports the split it actually took.
type sourceSplitExecutor struct {
	task *workitem.SourceOperationSplitTask

	mu     sync.Mutex
	result *workitem.DynamicSplitResult
}

func newSourceSplitExecutor(task *workitem.SourceOperationSplitTask) *sourceSplitExecutor {
	return &sourceSplitExecutor{task: task}
}

func (e *sourceSplitExecutor) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = &workitem.DynamicSplitResult{SourceSplit: e.task.Split}
	return nil
}

func (e *sourceSplitExecutor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result != nil {
		return Progress{PercentComplete: 100}
	}
	return Progress{PercentComplete: 0}
}

func (e *sourceSplitExecutor) RequestSplit(splitPoint map[string]interface{}) *workitem.DynamicSplitResult {
	// A split task does not itself accept further splitting mid-flight.
	return nil
}

// Response returns the split this executor took, once Execute has
// returned. Nil before that.
func (e *sourceSplitExecutor) Response() *workitem.DynamicSplitResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}
