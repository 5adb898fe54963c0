package fhir

import "strings"

// urnPrefixes are identifier schemes that may precede a bare id.
var urnPrefixes = []string{"urn:uuid:", "urn:oid:"}

// NormalizeReference reduces a cross-resource reference to a bare
// identifier. It strips URN schemes ("urn:uuid:..."), resource-type paths
// ("Patient/123"), absolute server URLs and version suffixes
// ("Patient/123/_history/2"). The result is a fixed point: normalizing it
// again returns the same value.
func NormalizeReference(ref string) string {
	ref = strings.TrimSpace(ref)
	for {
		next := normalizeOnce(ref)
		if next == ref {
			return ref
		}
		ref = next
	}
}

func normalizeOnce(ref string) string {
	for _, p := range urnPrefixes {
		if len(ref) >= len(p) && strings.EqualFold(ref[:len(p)], p) {
			ref = ref[len(p):]
			break
		}
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		ref = ref[i+1:]
	}
	return strings.TrimSpace(ref)
}

// ReferenceType returns the resource-type segment of a relative or absolute
// reference ("Group" for "Group/7"), or "" when the reference is a bare id
// or a URN.
func ReferenceType(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, p := range urnPrefixes {
		if len(ref) >= len(p) && strings.EqualFold(ref[:len(p)], p) {
			return ""
		}
	}
	if i := strings.Index(ref, "/_history/"); i >= 0 {
		ref = ref[:i]
	}
	parts := strings.Split(strings.TrimRight(ref, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
