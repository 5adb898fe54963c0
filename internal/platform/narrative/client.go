// Package narrative generates the free-text case summary attached to each
// report through an Ollama-compatible text generation endpoint.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/domain/patient"
)

// Placeholder texts returned when generation is not possible.
const (
	NoPatientsText  = "No patient data found."
	UnavailableText = "**AI Unavailable:** Ensure Ollama is running."
	emptyResponse   = "No text."
)

// Generator summarizes patient records into narrative text. Implementations
// never fail; errors degrade to placeholder text.
type Generator interface {
	Summarize(ctx context.Context, records []*patient.Record) string
}

// Options are the generation options forwarded to the model runtime.
type Options struct {
	NumGPU int `json:"num_gpu"`
	NumCtx int `json:"num_ctx"`
}

type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Options Options `json:"options"`
}

type generateResponse struct {
	Response *string `json:"response"`
}

// Client posts prompts to /api/generate.
type Client struct {
	url        string
	model      string
	options    Options
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a Client for the generate endpoint at url.
func NewClient(url, model string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		url:        url,
		model:      model,
		options:    Options{NumGPU: 99, NumCtx: 4096},
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "narrative").Logger(),
	}
}

// Summarize implements Generator.
func (c *Client) Summarize(ctx context.Context, records []*patient.Record) string {
	if len(records) == 0 {
		return NoPatientsText
	}

	body, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  BuildPrompt(records),
		Stream:  false,
		Options: c.options,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("encode narrative request")
		return UnavailableText
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.logger.Error().Err(err).Msg("build narrative request")
		return UnavailableText
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info().Str("model", c.model).Int("patients", len(records)).Msg("requesting narrative")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Msg("narrative service unreachable")
		return UnavailableText
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("narrative service returned error status")
		return fmt.Sprintf("**AI Error:** Status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Error().Err(err).Msg("decode narrative response")
		return UnavailableText
	}
	text := emptyResponse
	if out.Response != nil {
		text = *out.Response
	}
	c.logger.Info().Int("chars", len(text)).Msg("narrative generated")
	return ToHTML(text)
}

// ToHTML converts newlines to <br> for display.
func ToHTML(text string) string {
	return strings.ReplaceAll(text, "\n", "<br>")
}

// Static is a Generator returning fixed text, used when no narrative service
// is configured.
type Static string

// Summarize implements Generator.
func (s Static) Summarize(_ context.Context, records []*patient.Record) string {
	if len(records) == 0 {
		return NoPatientsText
	}
	return string(s)
}

var (
	_ Generator = (*Client)(nil)
	_ Generator = Static("")
)
