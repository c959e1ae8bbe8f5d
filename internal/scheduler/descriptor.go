package scheduler

// FileRef identifies one input file bound to a processing task descriptor.
type FileRef struct {
	ID       int64
	Filename string
}

// UnitRef identifies one unit bound to a task descriptor. For merge
// descriptors this instead carries the constituent processing task id in
// ID with Run/Lumi set to -1 (§4.2.2 step 7).
type UnitRef struct {
	ID   int64
	Run  int64
	Lumi int64
	Arg  string
}

// TaskDescriptor is the ready-to-dispatch unit handed to a Dispatcher,
// produced by either PopUnits (processing) or PopMerge (merge) (§4.2,
// GLOSSARY "Descriptor").
type TaskDescriptor struct {
	TaskID      int64
	Label       string
	Files       []FileRef
	Units       []UnitRef
	Arg         string
	EmptySource bool
	Merge       bool
}
