// Package memstat periodically logs the worker process's resident set
// size, rate-limited so it does not spam logs on every invocation, with
// a forced path for work-item boundaries where a fresh reading matters.
package memstat

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/dataflow-go/batchworker/pkg/logging"
)

// minLogInterval bounds how often an unforced call actually emits a log
// line, matching the rate limit applied to the original's memory usage
// logging.
const minLogInterval = 300 * time.Second

// lastLoggedNanos is process-wide state guarding the rate limit; it is
// intentionally a package-level atomic rather than an instance field
// because the original rate limit is shared across every call site in
// the process, not per work item.
var lastLoggedNanos int64

// LogIfNeeded logs current RSS usage if at least minLogInterval has
// passed since the last emission, or unconditionally when force is
// true. Callers pass force=true at work-item boundaries (lease start,
// completion) where an accurate reading is worth an extra log line.
func LogIfNeeded(log *logging.Logger, force bool) {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&lastLoggedNanos)
	if !force && time.Duration(now-last) < minLogInterval {
		return
	}
	if !atomic.CompareAndSwapInt64(&lastLoggedNanos, last, now) && !force {
		return
	}
	atomic.StoreInt64(&lastLoggedNanos, now)

	rssKB, err := currentRSSKB()
	if err != nil {
		log.Warn("failed to read process memory usage", map[string]interface{}{"error": err.Error()})
		return
	}
	log.Info("memory usage", map[string]interface{}{"rss_kb": rssKB})
}

// currentRSSKB returns this process's current resident set size in
// kilobytes (RSS bytes / 1024). It is logged under "rss_kb"; no
// megabyte figure is computed or logged.
func currentRSSKB() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS / 1024, nil
}
