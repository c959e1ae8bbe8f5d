// Package store implements the persistent work-unit bookkeeper: workflows,
// tasks, and per-workflow files/units tables, all mutated through bounded
//-retry transactions against a single local SQLite file.
package store

import "time"

// Status is the shared integer domain used by both units and tasks.
//
//	INITIALIZED -> ASSIGNED -> {SUCCESSFUL, FAILED, ABORTED}
//	successful processing tasks may enter MERGING -> MERGED
//	merged or successful tasks may enter PUBLISHED
type Status int

const (
	StatusInitialized Status = 0
	StatusAssigned    Status = 1
	StatusSuccessful  Status = 2
	StatusFailed      Status = 3
	StatusAborted     Status = 4
	StatusPublished   Status = 6
	StatusMerging     Status = 7
	StatusMerged      Status = 8
)

// TaskType distinguishes processing tasks from merge tasks.
type TaskType int

const (
	TaskProcess TaskType = 0
	TaskMerge   TaskType = 1
)

// Workflow mirrors the workflows table: dataset-wide identity, config
// snapshot, counters, and sizing parameters.
type Workflow struct {
	ID     int64
	Label  string
	UUID   string

	Dataset      string
	CfgPath      string
	Release      string
	GlobalTag    string
	PsetHash     string
	PublishLabel string

	Units        int64
	UnitsDone    int64
	UnitsLeft    int64
	UnitsPaused  int64
	UnitsRunning int64
	MaskedLumis  int64
	Events       int64

	TaskSize    int64
	TaskRuntime *int64 // seconds; nil if the adaptive sizer is disabled for this workflow

	EmptySource bool
	FileBased   bool
	Merged      bool

	CreatedAt time.Time
}

// FileInput describes one input file supplied by dataset discovery at
// registration time.
type FileInput struct {
	Filename string
	Units    int64
	Events   int64
	Bytes    int64
	Lumis    []LumiInput // empty for file-based datasets
}

// LumiInput is one run/lumi coordinate (with an optional per-unit argument)
// belonging to a file at registration time.
type LumiInput struct {
	Run  int64
	Lumi int64
	Arg  string
}

// File mirrors one row of a workflow's files_<label> table.
type File struct {
	ID           int64
	Filename     string
	Units        int64
	Events       int64
	Bytes        int64
	UnitsDone    int64
	UnitsRunning int64
	Skipped      int64
	EventsRead   int64
}

// Unit mirrors one row of a workflow's units_<label> table. Lumi <= 0
// encodes a file-based unit (no lumi granularity).
type Unit struct {
	ID     int64
	File   int64
	Run    int64
	Lumi   int64
	Arg    string
	Status Status
	Failed int64
	Task   *int64
}

// Task mirrors one row of the global tasks table.
type Task struct {
	ID       int64
	Workflow int64
	Type     TaskType
	Status   Status
	Units    int64

	Task                *int64 // enclosing merge task, if any
	PublishedFileBlock  *string

	Metrics TaskMetrics
}

// TaskMetrics is the explicit aggregate the spec's TaskUpdate generalizes
// to: every field the persistence layer enumerates to build an UPDATE
// statement. ID is the key, not a payload column.
type TaskMetrics struct {
	ID int64

	EventsRead    int64
	EventsWritten int64

	UnitsProcessed int64

	BytesOutput     int64
	BytesBareOutput int64

	CacheType      string
	CacheStartSize int64
	CacheEndSize   int64

	Host             string
	ExitCode         int64
	CmsswExitCode    *int64
	Submissions      int64
	LimitsExceeded   string
	ResidentMemory   int64
	SwapMemory       int64
	VirtualMemory    int64
	WorkdirNumFiles  int64
	WorkdirFootprint int64
	CPUTime          float64

	TotalBytesReceived int64
	TotalBytesSent     int64

	// Wrapper-reported timings, seconds.
	TimeWrapperStart    float64
	TimeWrapperReady    float64
	TimeStageInEnd      float64
	TimePrologueEnd     float64
	TimeFileRequested   float64
	TimeFileOpened      float64
	TimeFileProcessing  float64
	TimeProcessingEnd   float64
	TimeEpilogueEnd     float64
	TimeStageOutEnd     float64

	// Executor-reported timings, seconds (converted from microseconds).
	TimeSubmit            float64
	TimeSendInputStart    float64
	TimeSendInputFinish   float64
	TimeReceiveOutputStart  float64
	TimeReceiveOutputFinish float64
	TimeFinish              float64
	CmdExecutionTime        float64
	TotalCmdExecutionTime   float64
}
