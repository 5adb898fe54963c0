package fhir

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// NDJSONLine is one decoded line of an NDJSON document. Err is set when the
// line is not a JSON object; Resource is nil in that case.
type NDJSONLine struct {
	Number   int
	Resource Resource
	Err      error
}

// ParseNDJSON splits data into lines and decodes every non-blank line as a
// JSON object. A bad line never stops the scan.
func ParseNDJSON(data []byte) []NDJSONLine {
	var lines []NDJSONLine
	for i, raw := range bytes.Split(data, []byte("\n")) {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		line := NDJSONLine{Number: i + 1}
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			line.Err = err
		} else if obj == nil {
			line.Err = fmt.Errorf("expected a JSON object, got null")
		} else {
			line.Resource = Resource(obj)
		}
		lines = append(lines, line)
	}
	return lines
}

// NDJSONWriter writes values in NDJSON (Newline Delimited JSON) format.
// Each value is serialised as a single JSON line followed by a newline.
type NDJSONWriter struct {
	w *bufio.Writer
}

// NewNDJSONWriter creates a new NDJSONWriter that writes to w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{
		w: bufio.NewWriter(w),
	}
}

// Write serialises v as a single JSON line followed by a newline character.
func (n *NDJSONWriter) Write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.WriteByte('\n')
}

// Flush flushes any buffered data to the underlying writer.
func (n *NDJSONWriter) Flush() error {
	return n.w.Flush()
}
