// Package webhook posts signed task outcome callbacks to an external
// endpoint.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/platform/jobs"
)

// Event types sent to the endpoint.
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// ErrBacklogFull is returned by Notify when undelivered events have piled up.
var ErrBacklogFull = errors.New("webhook backlog full")

const backlogSize = 256

// Event is the JSON body posted for every terminal task.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Attempt records one delivery try.
type Attempt struct {
	Number     int
	StatusCode int
	Duration   time.Duration
	Err        error
}

// SignPayload computes an HMAC-SHA256 signature of payload, hex-encoded.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is the HMAC-SHA256 of payload
// under secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithMaxRetries sets how many times a failed delivery is retried.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry. The last delay repeats
// when there are more retries than delays.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// Dispatcher is a jobs.Notifier that queues terminal task states and posts
// them from a background loop, so slow endpoints never stall workers.
type Dispatcher struct {
	url         string
	secret      string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	backlog     chan Event
	logger      zerolog.Logger
}

// NewDispatcher validates rawURL and returns a Dispatcher posting to it.
// An empty secret disables signing.
func NewDispatcher(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  3,
		retryDelays: []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		backlog:     make(chan Event, backlogSize),
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.maxRetries < 0 {
		d.maxRetries = 0
	}
	return d, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url must include a host")
	}
	return nil
}

// NewEvent builds the callback body for a terminal status. ok is false for
// states that are not delivered.
func NewEvent(s jobs.Status) (Event, bool, error) {
	var typ string
	switch s.State {
	case jobs.StateSuccess:
		typ = EventTaskCompleted
	case jobs.StateFailure:
		typ = EventTaskFailed
	default:
		return Event{}, false, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return Event{}, false, fmt.Errorf("encode status %s: %w", s.TaskID, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		TaskID:    s.TaskID,
		Timestamp: s.UpdatedAt,
		Data:      data,
	}, true, nil
}

// Notify implements jobs.Notifier. Non-terminal states are ignored.
func (d *Dispatcher) Notify(_ context.Context, s jobs.Status) error {
	ev, ok, err := NewEvent(s)
	if err != nil || !ok {
		return err
	}
	select {
	case d.backlog <- ev:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for task %s", ErrBacklogFull, ev.Type, ev.TaskID)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().Str("url", d.url).Msg("webhook dispatcher started")
	for {
		select {
		case <-ctx.Done():
			if n := len(d.backlog); n > 0 {
				d.logger.Warn().Int("pending", n).Msg("webhook dispatcher stopped with undelivered events")
			}
			return
		case ev := <-d.backlog:
			d.Deliver(ctx, ev)
		}
	}
}

// Deliver posts ev, retrying on network errors, 429 and 5xx responses. It
// returns every attempt made.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event) []Attempt {
	payload, err := json.Marshal(ev)
	if err != nil {
		return []Attempt{{Number: 1, Err: err}}
	}
	log := d.logger.With().Str("task_id", ev.TaskID).Str("event", ev.Type).Logger()

	var attempts []Attempt
	for n := 1; n <= d.maxRetries+1; n++ {
		if n > 1 {
			select {
			case <-ctx.Done():
				log.Warn().Int("attempts", len(attempts)).Msg("webhook delivery abandoned")
				return attempts
			case <-time.After(d.delay(n - 2)):
			}
		}
		a := d.post(ctx, ev, payload)
		a.Number = n
		attempts = append(attempts, a)
		if a.Err == nil {
			log.Debug().Int("attempt", n).Int("status", a.StatusCode).Dur("duration", a.Duration).Msg("webhook delivered")
			return attempts
		}
		if !retryable(a.StatusCode) {
			break
		}
		log.Warn().Err(a.Err).Int("attempt", n).Msg("webhook delivery failed")
	}
	log.Error().Err(attempts[len(attempts)-1].Err).Int("attempts", len(attempts)).Msg("webhook delivery gave up")
	return attempts
}

func (d *Dispatcher) delay(i int) time.Duration {
	if len(d.retryDelays) == 0 {
		return 0
	}
	if i >= len(d.retryDelays) {
		i = len(d.retryDelays) - 1
	}
	return d.retryDelays[i]
}

// retryable reports whether a response code is worth retrying. Zero means
// the request never got a response.
func retryable(code int) bool {
	return code == 0 || code == http.StatusTooManyRequests || code >= 500
}

func (d *Dispatcher) post(ctx context.Context, ev Event, payload []byte) Attempt {
	var a Attempt
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		a.Err = err
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-ID", ev.ID)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+SignPayload(payload, d.secret))
	}

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Err = err
		return a
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	a.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.Err = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}

var _ jobs.Notifier = (*Dispatcher)(nil)
