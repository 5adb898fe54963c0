package fhir

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gofhir/fhir/r4"
	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// typedModels maps resource types to their r4 model constructors. Resources
// of other types are only checked for resourceType and invariants.
var typedModels = map[string]func() interface{}{
	"Patient":           func() interface{} { return &r4.Patient{} },
	"Observation":       func() interface{} { return &r4.Observation{} },
	"Condition":         func() interface{} { return &r4.Condition{} },
	"MedicationRequest": func() interface{} { return &r4.MedicationRequest{} },
	"Encounter":         func() interface{} { return &r4.Encounter{} },
}

// booleanFields lists the boolean elements that are commonly exported as
// strings and can be repaired in place.
var booleanFields = map[string][]string{
	"Patient": {"active", "deceasedBoolean", "multipleBirthBoolean"},
}

// StructuralValidator runs the local structural checks on every resource of
// a collection. It is immutable after construction and safe for concurrent
// use.
type StructuralValidator struct {
	logger     zerolog.Logger
	invariants map[string][]compiledInvariant
	models     map[string]func() interface{}
}

// NewStructuralValidator compiles the core invariants.
func NewStructuralValidator(logger zerolog.Logger) (*StructuralValidator, error) {
	invs, err := compileInvariants(CoreInvariants)
	if err != nil {
		return nil, err
	}
	return &StructuralValidator{
		logger:     logger.With().Str("component", "structural").Logger(),
		invariants: invs,
		models:     typedModels,
	}, nil
}

// Validate checks every entry and returns the issues in collection order.
func (v *StructuralValidator) Validate(c *Collection) []reporting.Issue {
	if c == nil {
		return nil
	}
	var issues []reporting.Issue
	for _, e := range c.Entries {
		issues = append(issues, v.ValidateEntry(e)...)
	}
	return issues
}

// ValidateEntry checks one entry. A resource without resourceType yields a
// single issue and no further checks.
func (v *StructuralValidator) ValidateEntry(e Entry) []reporting.Issue {
	label := e.Label()
	if !e.Resource.HasType() {
		return []reporting.Issue{reporting.High(label, "Missing 'resourceType' field",
			"Every FHIR resource must declare its resourceType.")}
	}

	rt := e.Resource.Type()
	repaired, issues := repairBooleans(e.Resource, label)

	data, err := json.Marshal(repaired)
	if err != nil {
		return append(issues, reporting.High(label, "Structural Validation Error", err.Error()))
	}

	if newModel, ok := v.models[rt]; ok {
		if err := json.Unmarshal(data, newModel()); err != nil {
			issues = append(issues, reporting.High(label, "Structural Validation Error",
				fmt.Sprintf("%s does not match the FHIR R4 %s structure: %v", label, rt, err)))
		}
	}

	for _, inv := range v.invariants[rt] {
		result, err := inv.expr.Evaluate(data)
		if err != nil {
			v.logger.Warn().Err(err).Str("invariant", inv.Key).Str("resource", label).Msg("invariant evaluation failed")
			continue
		}
		if !passed(result) {
			issues = append(issues, inv.issue(label))
		}
	}
	return issues
}

// repairBooleans returns a shallow copy of res with string booleans replaced
// by real booleans, plus one repairable issue per replaced field.
func repairBooleans(res Resource, label string) (Resource, []reporting.Issue) {
	fields := booleanFields[res.Type()]
	if len(fields) == 0 {
		return res, nil
	}

	var issues []reporting.Issue
	out := res
	copied := false
	for _, field := range fields {
		s, ok := res[field].(string)
		if !ok {
			continue
		}
		if !copied {
			out = make(Resource, len(res))
			for k, val := range res {
				out[k] = val
			}
			copied = true
		}
		value := strings.EqualFold(strings.TrimSpace(s), "true")
		out[field] = value
		issues = append(issues, reporting.Medium(label, "Invalid Data Type",
			fmt.Sprintf("The field '%s' is a string but should be a boolean (true/false).", field)).
			WithRepair("replace", "/"+field, value))
	}
	return out, issues
}
