package coordinator

// WorkerInfo identifies this worker process to the coordinator on every
// lease and status call.
type WorkerInfo struct {
	WorkerID        string   `json:"workerId"`
	JobID           string   `json:"jobId"`
	ProjectID       string   `json:"projectId"`
	WorkerUUID      string   `json:"workerUuid"`
	Capabilities    []string `json:"capabilities"`
	WorkTypes       []string `json:"workTypes"`
	CurrentTime     string   `json:"currentTime"`
}

// LeaseWorkRequest asks the coordinator for up to one new work item.
type LeaseWorkRequest struct {
	WorkerInfo          WorkerInfo `json:"workerInfo"`
	DesiredLeaseDuration string    `json:"desiredLeaseDuration"`
}

// LeaseWorkResponse carries zero or one leased work items. Absence of
// work is signaled by the transport layer (HTTP 404), not by an empty
// WorkItems slice.
type LeaseWorkResponse struct {
	WorkItems []WireWorkItem `json:"workItems"`
}

// WireWorkItem is the coordinator's JSON representation of a leased item.
type WireWorkItem struct {
	ID                   string                     `json:"id"`
	InitialReportIndex   int64                      `json:"initialReportIndex"`
	LeaseExpireTime      string                     `json:"leaseExpireTime"`
	ReportStatusInterval string                     `json:"reportStatusInterval"`
	MapTask              *WireMapTask               `json:"mapTask,omitempty"`
	SourceOperationTask  *WireSourceOperationTask   `json:"sourceOperationTask,omitempty"`
}

// WireMapTask is the wire shape of a map task payload.
type WireMapTask struct {
	Stage       string   `json:"stage"`
	InputSpecs  []string `json:"inputSpecs"`
	OutputSpecs []string `json:"outputSpecs"`
}

// WireSourceOperationTask is the wire shape of a split task payload.
type WireSourceOperationTask struct {
	Split map[string]interface{} `json:"split"`
}

// ReportStatusRequest reports progress, completion, or a dynamic split
// for a single leased work item.
type ReportStatusRequest struct {
	WorkerInfo              WorkerInfo        `json:"workerInfo"`
	WorkItemID              string            `json:"workItemId"`
	ReportIndex             int64             `json:"reportIndex"`
	Completed               bool              `json:"completed"`
	Progress                *WireProgress     `json:"progress,omitempty"`
	DynamicSplitResult      *WireDynamicSplit `json:"dynamicSplitResult,omitempty"`
	SourceOperationResponse *WireDynamicSplit `json:"sourceOperationResponse,omitempty"`
	CompletionError         *WireError        `json:"error,omitempty"`
}

// WireProgress is the wire shape of an in-flight progress snapshot.
type WireProgress struct {
	PercentComplete float64 `json:"percentComplete"`
	Position        string  `json:"position,omitempty"`
}

// WireDynamicSplit is the wire shape of a requested dynamic split.
type WireDynamicSplit struct {
	SourceSplit map[string]interface{} `json:"sourceSplit"`
}

// WireError carries a failed work item's terminal error, including a
// deferred error attached from a previous item's startup failure.
type WireError struct {
	Message           string `json:"message"`
	StackTrace        string `json:"stackTrace,omitempty"`
}

// ReportStatusResponse is the coordinator's acknowledgement. A non-zero
// NextReportInterval instructs the reporter to adjust its cadence; a
// non-zero LeaseExpireTime renews the lease.
type ReportStatusResponse struct {
	NextReportInterval string                 `json:"nextReportInterval,omitempty"`
	LeaseExpireTime    string                 `json:"leaseExpireTime,omitempty"`
	WorkItemTruncated  bool                   `json:"workItemTruncated,omitempty"`
	SuggestedStopPoint map[string]interface{} `json:"suggestedStopPoint,omitempty"`
}
