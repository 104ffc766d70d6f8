package models

// WorkerStatus is the lifecycle state of a single Worker (spec.md §3, §4.7).
type WorkerStatus string

const (
	WorkerRunning   WorkerStatus = "running"
	WorkerIdle      WorkerStatus = "idle"
	WorkerCompleted WorkerStatus = "completed"
	WorkerFailed    WorkerStatus = "failed"
)

// RunRowStatus is the status column of the Run coordinator's per-worker
// table (§4.8).
type RunRowStatus string

const (
	RowRunning RunRowStatus = "running"
	RowDone    RunRowStatus = "done"
	RowCrashed RunRowStatus = "crashed"
)

// TaxonomyClass buckets an error into the categories of spec.md §7 so
// callers (and tests asserting on §8 properties) can branch on class
// without string-matching the reason.
type TaxonomyClass string

const (
	ClassAdmission  TaxonomyClass = "admission"
	ClassBudget     TaxonomyClass = "budget"
	ClassTransport  TaxonomyClass = "transport"
	ClassFormat     TaxonomyClass = "format"
	ClassEvaluation TaxonomyClass = "evaluation"
	ClassEvalCrash  TaxonomyClass = "eval_crash"
	ClassWorkerCrash TaxonomyClass = "worker_crash"
)
