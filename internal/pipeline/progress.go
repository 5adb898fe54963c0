package pipeline

import "sync"

// ProgressTotal is the denominator of every progress event.
const ProgressTotal = 100

// Progress is one checkpoint of a run.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Status  string `json:"status"`
}

// Checkpoints emitted by Run, in order.
var (
	StageInitializing = Progress{Current: 0, Total: ProgressTotal, Status: "Initializing Engine..."}
	StageParsing      = Progress{Current: 10, Total: ProgressTotal, Status: "Parsing File Structure..."}
	StageValidating   = Progress{Current: 30, Total: ProgressTotal, Status: "Running Profile Validator..."}
	StageAnalyzing    = Progress{Current: 60, Total: ProgressTotal, Status: "Running 11-Point Vitals Analysis..."}
	StageNarrative    = Progress{Current: 80, Total: ProgressTotal, Status: "Generating AI Narrative..."}
	StageComplete     = Progress{Current: 100, Total: ProgressTotal, Status: "Complete"}
)

// ProgressReporter receives checkpoints. Implementations must not block for
// long; the pipeline never reads anything back.
type ProgressReporter interface {
	Report(p Progress)
}

// ProgressFunc adapts a function to ProgressReporter.
type ProgressFunc func(Progress)

// Report implements ProgressReporter.
func (f ProgressFunc) Report(p Progress) { f(p) }

// Discard drops every checkpoint.
var Discard ProgressReporter = ProgressFunc(func(Progress) {})

// monotonic forwards only strictly increasing checkpoints.
type monotonic struct {
	mu   sync.Mutex
	last int
	sink ProgressReporter
}

func newMonotonic(sink ProgressReporter) *monotonic {
	if sink == nil {
		sink = Discard
	}
	return &monotonic{last: -1, sink: sink}
}

func (m *monotonic) Report(p Progress) {
	m.mu.Lock()
	if p.Current <= m.last {
		m.mu.Unlock()
		return
	}
	m.last = p.Current
	m.mu.Unlock()
	m.sink.Report(p)
}
