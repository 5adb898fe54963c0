package patient

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/platform/fhir"
)

const (
	defaultAge   = 30
	unknownLabel = "Unknown"
)

var birthDateLayouts = []string{"2006-01-02", "2006-01", "2006"}

// Extractor builds patient records from a resource collection.
type Extractor struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewExtractor creates an Extractor that computes ages against the wall clock.
func NewExtractor(logger zerolog.Logger) *Extractor {
	return &Extractor{logger: logger, now: time.Now}
}

// WithClock returns a copy of the Extractor using now for age computation.
func (x *Extractor) WithClock(now func() time.Time) *Extractor {
	cp := *x
	cp.now = now
	return &cp
}

// Extract runs patient discovery and then context linking. Context resources
// whose subject does not resolve to a discovered patient, or names a
// resource type other than Patient, are dropped.
func (x *Extractor) Extract(c *fhir.Collection) *Records {
	records := NewRecords()
	if c == nil {
		return records
	}

	for _, e := range c.Entries {
		if e.Resource.Type() != "Patient" {
			continue
		}
		if r := x.discover(e.Resource); r != nil {
			records.Put(r)
		}
	}

	linked, dropped := 0, 0
	for _, e := range c.Entries {
		rt := e.Resource.Type()
		if rt == "Patient" || rt == "" {
			continue
		}
		raw := e.Resource.Reference("subject")
		if rt := fhir.ReferenceType(raw); rt != "" && rt != "Patient" {
			dropped++
			continue
		}
		r, ok := records.Get(fhir.NormalizeReference(raw))
		if !ok {
			dropped++
			continue
		}
		linked++
		link(r, e.Resource)
	}

	x.logger.Debug().
		Int("patients", records.Len()).
		Int("linked", linked).
		Int("unlinked", dropped).
		Msg("patient records extracted")
	return records
}

func (x *Extractor) discover(res fhir.Resource) *Record {
	id := fhir.NormalizeReference(res.ID())
	if id == "" {
		return nil
	}
	name := res.FirstFamilyName()
	if name == "" {
		name = unknownLabel
	}
	gender := res.StringField("gender")
	if gender == "" {
		gender = unknownLabel
	}
	return &Record{
		ID:          id,
		Name:        name,
		Age:         x.age(res.StringField("birthDate")),
		Gender:      gender,
		Conditions:  []string{},
		Medications: []string{},
	}
}

func (x *Extractor) age(birthDate string) int {
	for _, layout := range birthDateLayouts {
		if t, err := time.Parse(layout, birthDate); err == nil {
			return x.now().Year() - t.Year()
		}
	}
	return defaultAge
}

func link(r *Record, res fhir.Resource) {
	switch res.Type() {
	case "Condition":
		r.Conditions = append(r.Conditions, labelOr(res.ConceptText("code")))
	case "MedicationRequest":
		r.Medications = append(r.Medications, labelOr(res.ConceptText("medicationCodeableConcept")))
	case "Observation":
		if key, ok := LookupVital(res.FirstCode("code")); ok {
			if value, ok := res.QuantityValue(); ok {
				r.Vitals.Set(key, value)
			}
		}
		for _, comp := range res.Components() {
			key, ok := LookupVital(fhir.ComponentCode(comp))
			if !ok {
				continue
			}
			if value, ok := fhir.ComponentValue(comp); ok {
				r.Vitals.Set(key, value)
			}
		}
	}
}

func labelOr(s string) string {
	if s == "" {
		return unknownLabel
	}
	return s
}
