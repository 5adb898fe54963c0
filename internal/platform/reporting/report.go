package reporting

import (
	"fmt"
	"sync"
	"time"
)

// Summary describes one pipeline run.
type Summary struct {
	Filename       string `json:"filename"`
	FileSize       string `json:"file_size"`
	TotalResources int    `json:"total_resources"`
	ProcessingTime string `json:"processing_time"`
	NarrativeText  string `json:"ai_narrative"`
	Timestamp      string `json:"timestamp"`
}

// ResourceIssues groups the issues attributed to one resource label.
type ResourceIssues struct {
	Resource string  `json:"resource"`
	Issues   []Issue `json:"issues"`
}

// Report is the terminal result of a run.
type Report struct {
	Summary Summary          `json:"summary"`
	Issues  []ResourceIssues `json:"issues"`
}

// IssueCount returns the number of issues across all groups.
func (r *Report) IssueCount() int {
	n := 0
	for _, g := range r.Issues {
		n += len(g.Issues)
	}
	return n
}

// Find returns every issue attributed to resource.
func (r *Report) Find(resource string) []Issue {
	for _, g := range r.Issues {
		if g.Resource == resource {
			return g.Issues
		}
	}
	return nil
}

// Flatten returns every issue in group order.
func (r *Report) Flatten() []Issue {
	out := make([]Issue, 0, r.IssueCount())
	for _, g := range r.Issues {
		out = append(out, g.Issues...)
	}
	return out
}

// NewSummary builds a Summary using the report formatting conventions: size
// in kilobytes with two decimals, elapsed seconds with two decimals, and a
// wall-clock HH:MM:SS timestamp.
func NewSummary(filename string, size int, totalResources int, elapsed time.Duration, narrative string, at time.Time) Summary {
	return Summary{
		Filename:       filename,
		FileSize:       fmt.Sprintf("%.2f KB", float64(size)/1024),
		TotalResources: totalResources,
		ProcessingTime: fmt.Sprintf("%.2fs", elapsed.Seconds()),
		NarrativeText:  narrative,
		Timestamp:      at.Format("15:04:05"),
	}
}

// Assembler merges issue streams from independent layers. It is safe for
// concurrent use.
type Assembler struct {
	mu     sync.Mutex
	order  []string
	groups map[string][]Issue
}

// NewAssembler creates an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{groups: make(map[string][]Issue)}
}

// Add appends issues, grouping them by their Resource label. Groups keep the
// order in which their label was first seen.
func (a *Assembler) Add(issues ...Issue) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, is := range issues {
		if _, ok := a.groups[is.Resource]; !ok {
			a.order = append(a.order, is.Resource)
		}
		a.groups[is.Resource] = append(a.groups[is.Resource], is)
	}
}

// Len returns the number of issues added so far.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, g := range a.groups {
		n += len(g)
	}
	return n
}

// Build returns the assembled report. The Assembler may keep receiving
// issues afterwards; the returned report is a snapshot.
func (a *Assembler) Build(summary Summary) *Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	groups := make([]ResourceIssues, 0, len(a.order))
	for _, label := range a.order {
		issues := make([]Issue, len(a.groups[label]))
		copy(issues, a.groups[label])
		groups = append(groups, ResourceIssues{Resource: label, Issues: issues})
	}
	return &Report{Summary: summary, Issues: groups}
}
