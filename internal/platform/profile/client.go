// Package profile is the client for the external HL7 profile validation
// service. The whole resource collection is submitted as one Bundle and the
// returned OperationOutcome issues are translated into report issues.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// Validator validates a whole collection in one batch.
type Validator interface {
	Validate(ctx context.Context, filename string, c *fhir.Collection) []reporting.Issue
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithVersion sets the FHIR version sent as sv and targetVer.
func WithVersion(v string) Option {
	return func(c *Client) { c.version = v }
}

// Client calls a validator-wrapper style HTTP endpoint.
type Client struct {
	url        string
	version    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Client posting to url.
func NewClient(url string, timeout time.Duration, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		url:        url,
		version:    "4.0.1",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "profile").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type cliContext struct {
	SV              string `json:"sv"`
	TargetVer       string `json:"targetVer"`
	DisplayWarnings bool   `json:"displayWarnings"`
}

type fileToValidate struct {
	FileName    string `json:"fileName"`
	FileContent string `json:"fileContent"`
}

type request struct {
	CLIContext      cliContext       `json:"cliContext"`
	FilesToValidate []fileToValidate `json:"filesToValidate"`
}

// BatchLabel is the attribution label for issues of one batch.
func BatchLabel(filename string) string {
	return filename + " (Batch Check)"
}

// Validate submits the collection. Any transport or protocol failure is
// reported as a single Validator Offline issue.
func (c *Client) Validate(ctx context.Context, filename string, col *fhir.Collection) []reporting.Issue {
	label := BatchLabel(filename)
	if col.Len() == 0 {
		return nil
	}

	bundle, err := json.Marshal(col.ToBundle())
	if err != nil {
		return []reporting.Issue{offline(label, fmt.Errorf("encode bundle: %w", err))}
	}
	body, err := json.Marshal(request{
		CLIContext: cliContext{SV: c.version, TargetVer: c.version, DisplayWarnings: true},
		FilesToValidate: []fileToValidate{
			{FileName: filename, FileContent: string(bundle)},
		},
	})
	if err != nil {
		return []reporting.Issue{offline(label, fmt.Errorf("encode request: %w", err))}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return []reporting.Issue{offline(label, err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Str("url", c.url).Msg("profile validator unreachable")
		return []reporting.Issue{offline(label, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Int("status", resp.StatusCode).Str("url", c.url).Msg("profile validator returned error status")
		return []reporting.Issue{offline(label, fmt.Errorf("status %d", resp.StatusCode))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return []reporting.Issue{offline(label, fmt.Errorf("read response: %w", err))}
	}
	raw, err := ParseResponse(data)
	if err != nil {
		c.logger.Warn().Err(err).Msg("profile validator response undecodable")
		return []reporting.Issue{offline(label, err)}
	}

	issues := Translate(label, raw)
	c.logger.Debug().
		Int("resources", col.Len()).
		Int("issues", len(issues)).
		Dur("elapsed", time.Since(start)).
		Msg("profile validation complete")
	return issues
}

func offline(label string, err error) reporting.Issue {
	return reporting.High(label, "Validator Offline",
		fmt.Sprintf("The profile validation service could not be reached: %v", err))
}

// RawIssue is one issue as returned by the service.
type RawIssue struct {
	Severity    string      `json:"severity"`
	Level       string      `json:"level"`
	Code        string      `json:"code"`
	Diagnostics string      `json:"diagnostics"`
	Message     string      `json:"message"`
	Location    interface{} `json:"location"`
}

func (r RawIssue) severity() string {
	if r.Severity != "" {
		return strings.ToLower(r.Severity)
	}
	return strings.ToLower(r.Level)
}

func (r RawIssue) text() string {
	if r.Diagnostics != "" {
		return r.Diagnostics
	}
	return r.Message
}

func (r RawIssue) location() string {
	switch v := r.Location.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}

type outcome struct {
	Issue  []RawIssue `json:"issue"`
	Issues []RawIssue `json:"issues"`
}

type envelope struct {
	outcome
	Outcomes []outcome `json:"outcomes"`
}

// ParseResponse extracts the issue list from a response body. Both a bare
// OperationOutcome and an outcomes wrapper are accepted.
func ParseResponse(data []byte) ([]RawIssue, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode validator response: %w", err)
	}
	out := append([]RawIssue{}, env.Issue...)
	out = append(out, env.Issues...)
	for _, o := range env.Outcomes {
		out = append(out, o.Issue...)
		out = append(out, o.Issues...)
	}
	return out, nil
}

// Translate maps raw issues to report issues: fatal and error become High,
// everything else Low. Informational success messages are dropped.
func Translate(label string, raw []RawIssue) []reporting.Issue {
	var issues []reporting.Issue
	for _, r := range raw {
		sev := r.severity()
		if sev == "information" && isSuccess(r.text()) {
			continue
		}
		title := "Profile Validation"
		if r.Code != "" {
			title = "Profile Validation: " + r.Code
		}
		explanation := r.text()
		if loc := r.location(); loc != "" {
			explanation = fmt.Sprintf("%s (at %s)", explanation, loc)
		}
		switch sev {
		case "fatal", "error":
			issues = append(issues, reporting.High(label, title, explanation))
		default:
			issues = append(issues, reporting.Low(label, title, explanation))
		}
	}
	return issues
}

func isSuccess(diagnostics string) bool {
	d := strings.ToLower(strings.TrimSpace(diagnostics))
	return d == "" || strings.Contains(d, "success") || strings.Contains(d, "all ok")
}

var _ Validator = (*Client)(nil)
