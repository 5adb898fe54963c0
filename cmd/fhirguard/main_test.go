package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/config"
	"github.com/fhirguard/fhirguard/internal/platform/jobs"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
	"github.com/fhirguard/fhirguard/internal/platform/telemetry"
	"github.com/fhirguard/fhirguard/internal/platform/websocket"
)

const sample = `{"resourceType":"Patient","id":"P1","name":[{"family":"Doe"}],"birthDate":"1970-01-01"}
{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/P1"},"code":{"coding":[{"code":"2339-0"}]},"valueQuantity":{"value":65}}
`

func testConfig() *config.Config {
	return &config.Config{
		Port:                "8000",
		Env:                 "test",
		LogLevel:            "info",
		CORSOrigins:         []string{"*"},
		MaxUploadSize:       "1M",
		RequestTimeout:      5 * time.Second,
		RateLimitRPS:        100,
		RateLimitBurst:      100,
		JobTTL:              time.Hour,
		QueueSize:           4,
		WorkerCount:         1,
		AnalysisConcurrency: 2,
	}
}

func uploadRequest(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(jobs.UploadField, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte(content))
	w.Close()
	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestServer_Health(t *testing.T) {
	cfg := testConfig()
	b, _ := newBackend(context.Background(), cfg, zerolog.Nop())
	e := newServer(cfg, zerolog.Nop(), jobs.NewService(b.queue, b.store, nil, zerolog.Nop()), websocket.NewHub(zerolog.Nop()), telemetry.New())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}
}

func TestServer_UploadThenPollStatus(t *testing.T) {
	cfg := testConfig()
	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBackend(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("newBackend: %v", err)
	}
	p, err := newPipeline(cfg, logger)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}
	hub := websocket.NewHub(logger)
	metrics := telemetry.New()
	notifier := jobs.Fanout(jobs.NewHubNotifier(hub), metrics)
	go jobs.NewRunner(b.queue, b.store, p, notifier, 1, logger).Run(ctx)
	e := newServer(cfg, logger, jobs.NewService(b.queue, b.store, notifier, logger), hub, metrics)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "records.ndjson", sample))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var up jobs.UploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}

	var st jobs.Status
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+up.TaskID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status: expected 200, got %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.State.Terminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task did not finish, last state %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if st.State != jobs.StateSuccess || st.Result == nil {
		t.Fatalf("expected SUCCESS with a result, got %+v", st)
	}

	// The store is written before notifiers run.
	for {
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if strings.Contains(rec.Body.String(), `fhirguard_tasks_total{state="SUCCESS"} 1`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected completed task in metrics:\n%s", rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	var found bool
	for _, is := range st.Result.Find("Patient/P1") {
		if is.Title == "Hypoglycemia" && is.Severity == reporting.SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Hypoglycemia for Patient/P1, got %+v", st.Result.Issues)
	}
}

func TestServer_UnknownTaskAndBadUpload(t *testing.T) {
	cfg := testConfig()
	b, _ := newBackend(context.Background(), cfg, zerolog.Nop())
	e := newServer(cfg, zerolog.Nop(), jobs.NewService(b.queue, b.store, nil, zerolog.Nop()), websocket.NewHub(zerolog.Nop()), telemetry.New())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, uploadRequest(t, "notes.txt", "hello"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.ndjson")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write sample: %v", err)
	}
	return path
}

func TestAnalyzeCommand_JSON(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"analyze", writeSample(t), "--offline", "--pretty"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	var report reporting.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out.String())
	}
	if report.Summary.Filename != "records.ndjson" || report.Summary.TotalResources != 2 {
		t.Errorf("unexpected summary %+v", report.Summary)
	}
	if len(report.Find("Patient/P1")) == 0 {
		t.Error("expected patient issues in report")
	}
	if !strings.Contains(out.String(), "\n  ") {
		t.Error("expected indented output with --pretty")
	}
}

func TestAnalyzeCommand_NDJSON(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"analyze", writeSample(t), "--offline", "--format", "ndjson"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected summary and issue lines, got %q", out.String())
	}
	var summary reporting.Summary
	if err := json.Unmarshal([]byte(lines[0]), &summary); err != nil || summary.Filename != "records.ndjson" {
		t.Errorf("expected summary first, got %q", lines[0])
	}
	var group reporting.ResourceIssues
	if err := json.Unmarshal([]byte(lines[1]), &group); err != nil || group.Resource == "" {
		t.Errorf("expected a resource group, got %q", lines[1])
	}
}

func TestAnalyzeCommand_Rejects(t *testing.T) {
	for _, args := range [][]string{
		{"analyze", "notes.txt", "--offline"},
		{"analyze", "missing.json", "--offline"},
		{"analyze", "x.json", "--offline", "--format", "xml"},
	} {
		cmd := newRootCmd()
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestAnalyzeCommand_InvalidConfig(t *testing.T) {
	t.Setenv("ANALYSIS_CONCURRENCY", "0")
	cmd := newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"analyze", writeSample(t), "--offline"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "ANALYSIS_CONCURRENCY") {
		t.Errorf("expected configuration error, got %v", err)
	}
}
