package taskhandler

import "encoding/json"

// Report mirrors the per-task report.json document read from the task's
// working directory (§6 "Per-task report file"). The Files/EventsWritten/
// CmsswExitCode fields are only populated for cmssw tasks.
type Report struct {
	OutputSize     int64      `json:"output size"`
	OutputBareSize int64      `json:"output bare size"`
	Cache          ReportCache `json:"cache"`
	TaskTiming     TaskTiming  `json:"task timing"`
	CPUTime        float64     `json:"cpu time"`
	Files          ReportFiles `json:"files"`
	EventsWritten  int64       `json:"events written"`
	CmsswExitCode  *int64      `json:"cmssw exit code"`
}

type ReportCache struct {
	Type      string `json:"type"`
	StartSize int64  `json:"start size"`
	EndSize   int64  `json:"end size"`
}

type TaskTiming struct {
	WrapperStart   float64 `json:"wrapper start"`
	WrapperReady   float64 `json:"wrapper ready"`
	StageInEnd     float64 `json:"stage in end"`
	PrologueEnd    float64 `json:"prologue end"`
	FileRequested  float64 `json:"file requested"`
	FileOpened     float64 `json:"file opened"`
	FileProcessing float64 `json:"file processing"`
	ProcessingEnd  float64 `json:"processing end"`
	EpilogueEnd    float64 `json:"epilogue end"`
	StageOutEnd    float64 `json:"stage out end"`
}

// ReportFiles carries per-input-file accounting keyed by filename.
type ReportFiles struct {
	Info    map[string]FileInfo `json:"info"`
	Skipped []string            `json:"skipped"`
}

// FileInfo is the `[events_read, [[run,lumi], ...]]` tuple report.json
// encodes per input file.
type FileInfo struct {
	EventsRead int64
	Lumis      [][2]int64
}

// UnmarshalJSON decodes the report's heterogeneous 2-element array form.
func (f *FileInfo) UnmarshalJSON(data []byte) error {
	var raw [2]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if n, ok := raw[0].(float64); ok {
		f.EventsRead = int64(n)
	}
	if pairs, ok := raw[1].([]interface{}); ok {
		for _, p := range pairs {
			if pair, ok := p.([]interface{}); ok && len(pair) == 2 {
				run, _ := pair[0].(float64)
				lumi, _ := pair[1].(float64)
				f.Lumis = append(f.Lumis, [2]int64{int64(run), int64(lumi)})
			}
		}
	}
	return nil
}

// CompletedTask mirrors the executor completion record consumed read-only
// (§6 "Executor completion record"). Times are microseconds on the wire
// and divided by 1e6 before storage.
type CompletedTask struct {
	Hostname              string
	Tag                   string
	TotalSubmissions      int64
	TotalBytesReceived    int64
	TotalBytesSent        int64
	SubmitTime            int64
	SendInputStart        int64
	SendInputFinish       int64
	ReceiveOutputStart    int64
	ReceiveOutputFinish   int64
	FinishTime            int64
	CmdExecutionTime      int64
	TotalCmdExecutionTime int64
	ReturnStatus          int64
	Result                int64 // 0 == success per the executor's own bookkeeping
	Output                string
	ResourcesMeasured     ResourcesMeasured

	Stdout []byte // wrapper stdout/stderr blob, persisted as task.log.gz
}

// ResourcesMeasured mirrors resources_measured.* on the completion record.
// Any attribute the executor omits is left at its zero value (§7 "Missing
// resource-measurement attributes ... swallowed").
type ResourcesMeasured struct {
	WorkdirNumFiles  int64
	WorkdirFootprint int64
	LimitsExceeded   string
	ResidentMemory   int64
	SwapMemory       int64
	VirtualMemory    int64
}

const microsecondsPerSecond = 1e6

func microsToSeconds(us int64) float64 { return float64(us) / microsecondsPerSecond }
