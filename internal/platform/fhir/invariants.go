package fhir

import (
	"fmt"

	"github.com/gofhir/fhirpath"

	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// Invariant is a FHIRPath rule that must hold for every resource of one type.
type Invariant struct {
	Key          string
	ResourceType string
	Expression   string
	Severity     reporting.Severity
	Title        string
	Human        string
}

// CoreInvariants are the required-element rules checked locally before the
// collection is sent to the profile validator.
var CoreInvariants = []Invariant{
	{
		Key: "obs-status", ResourceType: "Observation", Expression: "status.exists()",
		Severity: reporting.SeverityMedium, Title: "Missing Required Element",
		Human: "Observation.status is required.",
	},
	{
		Key: "obs-code", ResourceType: "Observation", Expression: "code.exists()",
		Severity: reporting.SeverityMedium, Title: "Missing Required Element",
		Human: "Observation.code is required.",
	},
	{
		Key: "obs-6", ResourceType: "Observation", Expression: "dataAbsentReason.empty() or valueQuantity.empty()",
		Severity: reporting.SeverityMedium, Title: "Invariant Violation",
		Human: "dataAbsentReason SHALL only be present if Observation.valueQuantity is not present.",
	},
	{
		Key: "cond-subject", ResourceType: "Condition", Expression: "subject.exists()",
		Severity: reporting.SeverityMedium, Title: "Missing Required Element",
		Human: "Condition.subject is required.",
	},
	{
		Key: "medreq-subject", ResourceType: "MedicationRequest", Expression: "subject.exists()",
		Severity: reporting.SeverityMedium, Title: "Missing Required Element",
		Human: "MedicationRequest.subject is required.",
	},
	{
		Key: "medreq-intent", ResourceType: "MedicationRequest", Expression: "intent.exists()",
		Severity: reporting.SeverityMedium, Title: "Missing Required Element",
		Human: "MedicationRequest.intent is required.",
	},
	{
		Key: "medreq-status", ResourceType: "MedicationRequest", Expression: "status.exists()",
		Severity: reporting.SeverityMedium, Title: "Missing Required Element",
		Human: "MedicationRequest.status is required.",
	},
	{
		Key: "pat-ident", ResourceType: "Patient", Expression: "name.exists() or identifier.exists()",
		Severity: reporting.SeverityLow, Title: "Unidentifiable Patient",
		Human: "Patient has neither a name nor an identifier.",
	},
}

type compiledInvariant struct {
	Invariant
	expr *fhirpath.Expression
}

func compileInvariants(invs []Invariant) (map[string][]compiledInvariant, error) {
	out := make(map[string][]compiledInvariant)
	for _, inv := range invs {
		expr, err := fhirpath.Compile(inv.Expression)
		if err != nil {
			return nil, fmt.Errorf("compile invariant %s: %w", inv.Key, err)
		}
		out[inv.ResourceType] = append(out[inv.ResourceType], compiledInvariant{Invariant: inv, expr: expr})
	}
	return out, nil
}

// passed applies FHIRPath truthiness: empty means not applicable, a single
// boolean is its value, anything else non-empty is true.
func passed(result fhirpath.Collection) bool {
	if result.Empty() {
		return true
	}
	b, err := result.ToBoolean()
	if err != nil {
		return true
	}
	return b
}

func (ci compiledInvariant) issue(label string) reporting.Issue {
	return reporting.Issue{
		Resource:    label,
		Severity:    ci.Severity,
		Title:       ci.Title,
		Explanation: fmt.Sprintf("%s (%s)", ci.Human, ci.Key),
	}
}
