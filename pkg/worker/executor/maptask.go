package executor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dataflow-go/batchworker/pkg/worker/workitem"
)

// mapTaskExecutor runs a MapTask. Real stage execution (ParDo chains,
// I/O connectors) lives outside this module's scope; this drives a
// deterministic pass over the declared input specs so the surrounding
// lease/report/split machinery has real progress to observe.
type mapTaskExecutor struct {
	task *workitem.MapTask

	mu       sync.Mutex
	done     int
	total    int
	splitAt  int32 // -1 means no split requested
}

func newMapTaskExecutor(task *workitem.MapTask) *mapTaskExecutor {
	return &mapTaskExecutor{
		task:    task,
		total:   len(task.InputSpecs),
		splitAt: -1,
	}
}

func (e *mapTaskExecutor) Execute(ctx context.Context) error {
	for i := range e.task.InputSpecs {
		if splitAt := atomic.LoadInt32(&e.splitAt); splitAt >= 0 && int32(i) >= splitAt {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// Process input i. Stage semantics are caller-supplied via
		// InputSpecs/OutputSpecs; this module only tracks completion.
		e.mu.Lock()
		e.done = i + 1
		e.mu.Unlock()
	}
	return nil
}

func (e *mapTaskExecutor) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.total == 0 {
		return Progress{PercentComplete: 100}
	}
	return Progress{
		PercentComplete: 100 * float64(e.done) / float64(e.total),
		Position:        e.task.Stage,
	}
}

func (e *mapTaskExecutor) RequestSplit(splitPoint map[string]interface{}) *workitem.DynamicSplitResult {
	// A stop point decoded from the coordinator's JSON carries a float64.
	var idx int
	switch v := splitPoint["input_index"].(type) {
	case int:
		idx = v
	case float64:
		idx = int(v)
	default:
		return nil
	}
	if idx < 0 || idx > e.total {
		return nil
	}
	atomic.StoreInt32(&e.splitAt, int32(idx))
	return &workitem.DynamicSplitResult{SourceSplit: map[string]interface{}{"input_index": idx}}
}
