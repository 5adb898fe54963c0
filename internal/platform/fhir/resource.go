package fhir

import (
	"fmt"
	"strings"
)

// Resource is an untyped FHIR resource as decoded from JSON. No schema is
// applied before extraction; accessors tolerate missing or mistyped fields.
type Resource map[string]interface{}

// Entry is one resource in a Collection together with the label of the
// input unit it came from. The label is used for attribution only. Index is
// the 1-based position in the Collection.
type Entry struct {
	FullURL  string
	Resource Resource
	Source   string
	Index    int
}

// Label returns "<resourceType>/<id>" when both are known and the source
// label otherwise. Entries without a source are named by position.
func (e Entry) Label() string {
	rt := e.Resource.Type()
	id := e.Resource.ID()
	if rt != "" && id != "" {
		return rt + "/" + id
	}
	src := e.Source
	if src == "" {
		src = fmt.Sprintf("Entry %d", e.Index)
	}
	if rt != "" {
		return src + " (" + rt + ")"
	}
	return src
}

// Collection is the canonical, ordered set of resources for one run.
type Collection struct {
	Entries []Entry
}

// NewCollection returns an empty Collection.
func NewCollection() *Collection {
	return &Collection{}
}

// Len returns the number of entries.
func (c *Collection) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Entries)
}

// Add appends a resource.
func (c *Collection) Add(res Resource, fullURL, source string) {
	if res == nil {
		res = Resource{}
	}
	c.Entries = append(c.Entries, Entry{FullURL: fullURL, Resource: res, Source: source, Index: len(c.Entries) + 1})
}

// ToBundle renders the collection as a FHIR collection Bundle.
func (c *Collection) ToBundle() map[string]interface{} {
	entries := make([]interface{}, 0, c.Len())
	for _, e := range c.Entries {
		item := map[string]interface{}{"resource": map[string]interface{}(e.Resource)}
		if e.FullURL != "" {
			item["fullUrl"] = e.FullURL
		}
		entries = append(entries, item)
	}
	return map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "collection",
		"entry":        entries,
	}
}

// Type returns the resourceType discriminator, or "" when absent.
func (r Resource) Type() string {
	rt, _ := r["resourceType"].(string)
	return rt
}

// HasType reports whether the resource carries a non-empty resourceType.
func (r Resource) HasType() bool {
	return strings.TrimSpace(r.Type()) != ""
}

// ID returns the logical id, or "".
func (r Resource) ID() string {
	return strVal(r, "id")
}

// StringField returns a top-level string field, or "" when absent.
func (r Resource) StringField(field string) string {
	return strVal(r, field)
}

// Object returns a top-level object field.
func (r Resource) Object(field string) (map[string]interface{}, bool) {
	m, ok := r[field].(map[string]interface{})
	return m, ok
}

// Reference returns the reference string of a Reference-typed field.
func (r Resource) Reference(field string) string {
	return extractReference(r, field)
}

// FirstFamilyName returns name[0].family.
func (r Resource) FirstFamilyName() string {
	family, _ := extractName(r)
	return family
}

// FirstCode returns the code of the first coding of a CodeableConcept field.
func (r Resource) FirstCode(field string) string {
	cc, ok := r.Object(field)
	if !ok {
		return ""
	}
	_, code := firstCoding(cc)
	return code
}

// ConceptText returns a human label for a CodeableConcept field: its text,
// then its first coding display.
func (r Resource) ConceptText(field string) string {
	cc, ok := r.Object(field)
	if !ok {
		return ""
	}
	return conceptText(cc)
}

// QuantityValue returns valueQuantity.value when it is numeric.
func (r Resource) QuantityValue() (float64, bool) {
	return quantityValue(r)
}

// Components returns Observation.component as objects.
func (r Resource) Components() []map[string]interface{} {
	raw, ok := r["component"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, c := range raw {
		if m, ok := c.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// ComponentCode returns the first coding code of a component's code.
func ComponentCode(component map[string]interface{}) string {
	cc, ok := component["code"].(map[string]interface{})
	if !ok {
		return ""
	}
	_, code := firstCoding(cc)
	return code
}

// ComponentValue returns a component's valueQuantity.value when numeric.
func ComponentValue(component map[string]interface{}) (float64, bool) {
	return quantityValue(component)
}

func strVal(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	return s
}

// extractName extracts the first name's family and given (joined).
func extractName(resource map[string]interface{}) (family, given string) {
	names, ok := resource["name"].([]interface{})
	if !ok || len(names) == 0 {
		return "", ""
	}
	name, ok := names[0].(map[string]interface{})
	if !ok {
		return "", ""
	}
	family, _ = name["family"].(string)

	if givens, ok := name["given"].([]interface{}); ok {
		parts := make([]string, 0, len(givens))
		for _, g := range givens {
			if s, ok := g.(string); ok {
				parts = append(parts, s)
			}
		}
		given = strings.Join(parts, " ")
	}
	return family, given
}

func extractReference(resource map[string]interface{}, field string) string {
	ref, ok := resource[field].(map[string]interface{})
	if !ok {
		return ""
	}
	r, _ := ref["reference"].(string)
	return r
}

func firstCoding(cc map[string]interface{}) (display, code string) {
	codings, ok := cc["coding"].([]interface{})
	if !ok || len(codings) == 0 {
		return "", ""
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		return "", ""
	}
	display, _ = coding["display"].(string)
	code, _ = coding["code"].(string)
	return display, code
}

func conceptText(cc map[string]interface{}) string {
	if text, ok := cc["text"].(string); ok && text != "" {
		return text
	}
	display, _ := firstCoding(cc)
	return display
}

func quantityValue(m map[string]interface{}) (float64, bool) {
	vq, ok := m["valueQuantity"].(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := vq["value"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
