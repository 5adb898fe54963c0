package cds

import (
	"fmt"
	"strconv"

	"github.com/fhirguard/fhirguard/internal/domain/patient"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// Rule thresholds.
const (
	HypoglycemiaBelow  = 70.0
	HyperglycemiaAbove = 300.0
	SeverePainAtLeast  = 7.0
)

// Rule evaluates one patient and returns zero or one issue.
type Rule func(r *patient.Record) (reporting.Issue, bool)

// DefaultRules is the clinical rule set, evaluated independently per patient.
var DefaultRules = []Rule{
	EarlyWarningRule,
	MetabolicRule,
	PainRule,
}

// Evaluate runs every rule against r.
func Evaluate(r *patient.Record, rules []Rule) []reporting.Issue {
	var issues []reporting.Issue
	for _, rule := range rules {
		if is, ok := rule(r); ok {
			issues = append(issues, is)
		}
	}
	return issues
}

// EarlyWarningRule alerts when NEWS2 reaches the High tier.
func EarlyWarningRule(r *patient.Record) (reporting.Issue, bool) {
	res := Score(r.Vitals)
	if res.Score < HighThreshold {
		return reporting.Issue{}, false
	}
	return reporting.High(r.Label(),
		fmt.Sprintf("NEWS2 Score Alert: %d", res.Score),
		fmt.Sprintf("Patient deterioration risk is %s. Immediate clinical review required.", res.Risk.Description()),
	), true
}

// MetabolicRule flags hypo- and hyperglycemia. The two are exclusive.
func MetabolicRule(r *patient.Record) (reporting.Issue, bool) {
	gluc, ok := r.Vitals.Get(patient.Glucose)
	if !ok {
		return reporting.Issue{}, false
	}
	switch {
	case gluc < HypoglycemiaBelow:
		return reporting.High(r.Label(), "Hypoglycemia",
			fmt.Sprintf("Blood glucose %s mg/dL is dangerously low.", FormatValue(gluc))), true
	case gluc > HyperglycemiaAbove:
		return reporting.High(r.Label(), "Hyperglycemic Crisis",
			fmt.Sprintf("Blood glucose %s mg/dL indicates diabetic ketoacidosis risk.", FormatValue(gluc))), true
	}
	return reporting.Issue{}, false
}

// PainRule flags severe pain scores.
func PainRule(r *patient.Record) (reporting.Issue, bool) {
	pain, ok := r.Vitals.Get(patient.Pain)
	if !ok || pain < SeverePainAtLeast {
		return reporting.Issue{}, false
	}
	return reporting.Medium(r.Label(), "Severe Pain",
		fmt.Sprintf("Pain score %s/10 requires management.", FormatValue(pain))), true
}

// FormatValue renders a reading without trailing zeros.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
