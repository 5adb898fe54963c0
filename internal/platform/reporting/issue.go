// Package reporting holds the issue model shared by every analysis layer and
// the assembler that folds those issues into the final run report.
package reporting

import "fmt"

// Severity ranks an Issue. The three levels are the only values ever emitted.
type Severity string

const (
	SeverityLow    Severity = "Low"
	SeverityMedium Severity = "Medium"
	SeverityHigh   Severity = "High"
)

// Well-known attribution labels for issues that do not belong to a resource.
const (
	ResourceSystem = "System"
)

// Repair describes a JSON-Patch style fix that would make the resource valid.
type Repair struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// Issue is a single finding. Issues are values and are never mutated after
// they have been added to an Assembler.
type Issue struct {
	Resource    string   `json:"-"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Explanation string   `json:"explanation"`
	Repair      *Repair  `json:"repair,omitempty"`
}

// IsRepairable reports whether the issue carries a repair suggestion.
func (i Issue) IsRepairable() bool {
	return i.Repair != nil
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s (%s)", i.Severity, i.Resource, i.Title, i.Explanation)
}

// High creates a High-severity issue attributed to resource.
func High(resource, title, explanation string) Issue {
	return Issue{Resource: resource, Severity: SeverityHigh, Title: title, Explanation: explanation}
}

// Medium creates a Medium-severity issue attributed to resource.
func Medium(resource, title, explanation string) Issue {
	return Issue{Resource: resource, Severity: SeverityMedium, Title: title, Explanation: explanation}
}

// Low creates a Low-severity issue attributed to resource.
func Low(resource, title, explanation string) Issue {
	return Issue{Resource: resource, Severity: SeverityLow, Title: title, Explanation: explanation}
}

// WithRepair returns a copy of the issue carrying the given repair.
func (i Issue) WithRepair(op, path string, value interface{}) Issue {
	i.Repair = &Repair{Op: op, Path: path, Value: value}
	return i
}

// CountBySeverity tallies issues per severity level.
func CountBySeverity(issues []Issue) map[Severity]int {
	counts := map[Severity]int{
		SeverityLow:    0,
		SeverityMedium: 0,
		SeverityHigh:   0,
	}
	for _, is := range issues {
		counts[is.Severity]++
	}
	return counts
}
