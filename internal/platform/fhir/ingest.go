package fhir

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// ErrArchive is returned when an archive upload cannot be opened at all.
var ErrArchive = errors.New("cannot open archive")

// Accepted upload suffixes.
const (
	ExtJSON   = ".json"
	ExtNDJSON = ".ndjson"
	ExtZIP    = ".zip"
)

var archiveContentTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
}

// Upload is the raw input of one run.
type Upload struct {
	Content     []byte
	Filename    string
	ContentType string
}

// IsArchive reports whether the upload should be read as a ZIP archive.
func (u Upload) IsArchive() bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(u.ContentType, ";", 2)[0]))
	return archiveContentTypes[ct] || strings.HasSuffix(strings.ToLower(u.Filename), ExtZIP)
}

// HasAcceptedSuffix reports whether filename ends in .json, .ndjson or .zip.
func HasAcceptedSuffix(filename string) bool {
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ExtJSON) || strings.HasSuffix(name, ExtNDJSON) || strings.HasSuffix(name, ExtZIP)
}

// Ingestor turns an Upload into one canonical Collection.
type Ingestor struct {
	logger zerolog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(logger zerolog.Logger) *Ingestor {
	return &Ingestor{logger: logger.With().Str("component", "ingest").Logger()}
}

// Ingest parses the upload. Malformed units (one archive member, one line,
// one document) become structural issues and processing continues. The
// returned error is non-nil only when the upload as a whole is unreadable;
// the collection is still valid (possibly empty) in that case.
func (in *Ingestor) Ingest(u Upload) (*Collection, []reporting.Issue, error) {
	c := NewCollection()
	if u.IsArchive() {
		issues, err := in.ingestArchive(u, c)
		return c, issues, err
	}
	issues := in.ingestDocument(u.Filename, u.Content, c)
	in.logger.Debug().
		Str("filename", u.Filename).
		Int("entries", c.Len()).
		Int("issues", len(issues)).
		Msg("document ingested")
	return c, issues, nil
}

func (in *Ingestor) ingestArchive(u Upload, c *Collection) ([]reporting.Issue, error) {
	zr, err := zip.NewReader(bytes.NewReader(u.Content), int64(len(u.Content)))
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrArchive, u.Filename, err)
	}

	var issues []reporting.Issue
	members := 0
	for _, f := range zr.File {
		if !isRecordMember(f) {
			continue
		}
		members++
		data, err := readMember(f)
		if err != nil {
			issues = append(issues, reporting.High(f.Name, "Unreadable Archive Member",
				fmt.Sprintf("Archive member '%s' could not be read: %v", f.Name, err)))
			continue
		}
		issues = append(issues, in.ingestDocument(f.Name, data, c)...)
	}

	in.logger.Debug().
		Str("filename", u.Filename).
		Int("members", members).
		Int("entries", c.Len()).
		Int("issues", len(issues)).
		Msg("archive ingested")
	return issues, nil
}

// isRecordMember filters archive members down to .json/.ndjson files that
// are neither directories nor hidden (any path segment starting with "."
// or "__", e.g. __MACOSX/).
func isRecordMember(f *zip.File) bool {
	if f.FileInfo().IsDir() {
		return false
	}
	name := f.Name
	for _, seg := range strings.Split(name, "/") {
		if strings.HasPrefix(seg, ".") || strings.HasPrefix(seg, "__") {
			return false
		}
	}
	ext := strings.ToLower(path.Ext(name))
	return ext == ExtJSON || ext == ExtNDJSON
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ingestDocument parses data as one JSON document and falls back to NDJSON
// when that fails.
func (in *Ingestor) ingestDocument(label string, data []byte, c *Collection) []reporting.Issue {
	var doc interface{}
	if err := json.Unmarshal(bytes.TrimSpace(data), &doc); err == nil {
		switch v := doc.(type) {
		case map[string]interface{}:
			addDocument(c, Resource(v), label)
			return nil
		case []interface{}:
			return addArray(c, v, label)
		}
	}

	var issues []reporting.Issue
	for _, line := range ParseNDJSON(data) {
		lineLabel := fmt.Sprintf("%s -> Line %d", label, line.Number)
		if line.Err != nil {
			issues = append(issues, reporting.High(lineLabel, "Malformed JSON",
				fmt.Sprintf("Line %d could not be parsed as a JSON object: %v", line.Number, line.Err)))
			continue
		}
		addDocument(c, line.Resource, lineLabel)
	}
	return issues
}

func addArray(c *Collection, items []interface{}, label string) []reporting.Issue {
	var issues []reporting.Issue
	for i, item := range items {
		itemLabel := fmt.Sprintf("%s -> Item %d", label, i+1)
		obj, ok := item.(map[string]interface{})
		if !ok {
			issues = append(issues, reporting.High(itemLabel, "Malformed JSON",
				fmt.Sprintf("Item %d is not a JSON object", i+1)))
			continue
		}
		addDocument(c, Resource(obj), itemLabel)
	}
	return issues
}

// addDocument expands a Bundle into its entries or wraps any other object
// as a single synthetic entry.
func addDocument(c *Collection, res Resource, label string) {
	if res.Type() != "Bundle" {
		c.Add(res, "", label)
		return
	}
	entries, _ := res["entry"].([]interface{})
	for i, raw := range entries {
		entryLabel := fmt.Sprintf("%s -> entry[%d]", label, i)
		entry, ok := raw.(map[string]interface{})
		if !ok {
			c.Add(nil, "", entryLabel)
			continue
		}
		fullURL, _ := entry["fullUrl"].(string)
		inner, _ := entry["resource"].(map[string]interface{})
		c.Add(Resource(inner), fullURL, entryLabel)
	}
}
