package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/domain/anomaly"
	"github.com/fhirguard/fhirguard/internal/domain/cds"
	"github.com/fhirguard/fhirguard/internal/domain/patient"
	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/narrative"
	"github.com/fhirguard/fhirguard/internal/platform/profile"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

const sampleNDJSON = `{"resourceType":"Patient","id":"P1","name":[{"family":"Doe"}],"birthDate":"1970-01-01"}
{"resourceType":"Observation","status":"final","subject":{"reference":"urn:uuid:P1"},"code":{"coding":[{"code":"2339-0"}]},"valueQuantity":{"value":65}}
{"resourceType":"Patient","id":"P2","name":[{"family":"Roe"}]}
{"resourceType":"Observation","status":"final","subject":{"reference":"Patient/P2"},"code":{"coding":[{"code":"72514-3"}]},"valueQuantity":{"value":8}}
`

func fixedNow() time.Time {
	return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
}

type fakeProfile struct {
	issues []reporting.Issue
	calls  int
}

func (f *fakeProfile) Validate(_ context.Context, filename string, c *fhir.Collection) []reporting.Issue {
	f.calls++
	return f.issues
}

type recordingNarrator struct {
	mu    sync.Mutex
	seen  int
	reply string
}

func (n *recordingNarrator) Summarize(_ context.Context, records []*patient.Record) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = len(records)
	return n.reply
}

func newTestPipeline(t *testing.T, pv profile.Validator, gen narrative.Generator, opts ...Option) *Pipeline {
	t.Helper()
	sv, err := fhir.NewStructuralValidator(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStructuralValidator: %v", err)
	}
	opts = append([]Option{WithClock(fixedNow)}, opts...)
	return New(zerolog.Nop(), sv, pv, anomaly.NewDetector(nil, zerolog.Nop()), gen, opts...)
}

func upload(content string) fhir.Upload {
	return fhir.Upload{Content: []byte(content), Filename: "records.ndjson"}
}

func TestRun_ValidatorOfflineKeepsOtherLayers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	pv := profile.NewClient(url, time.Second, zerolog.Nop())
	gen := &recordingNarrator{reply: "summary"}
	p := newTestPipeline(t, pv, gen)

	report, err := p.Run(context.Background(), upload(sampleNDJSON), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	offline := 0
	for _, is := range report.Flatten() {
		if is.Title == "Validator Offline" {
			offline++
			if is.Severity != reporting.SeverityHigh {
				t.Errorf("expected High severity, got %s", is.Severity)
			}
		}
	}
	if offline != 1 {
		t.Errorf("expected exactly one Validator Offline issue, got %d", offline)
	}
	if len(report.Find("records.ndjson (Batch Check)")) != 1 {
		t.Error("expected offline issue attributed to the batch")
	}

	p1 := report.Find("Patient/P1")
	if len(p1) != 1 || p1[0].Title != "Hypoglycemia" {
		t.Errorf("expected Hypoglycemia for P1, got %v", p1)
	}
	p2 := report.Find("Patient/P2")
	if len(p2) != 1 || p2[0].Title != "Severe Pain" {
		t.Errorf("expected Severe Pain for P2, got %v", p2)
	}

	if report.Summary.NarrativeText != "summary" || gen.seen != 2 {
		t.Errorf("expected narrative over 2 patients, got %q (%d)", report.Summary.NarrativeText, gen.seen)
	}
	if report.Summary.TotalResources != 4 {
		t.Errorf("expected 4 resources, got %d", report.Summary.TotalResources)
	}
	if report.Summary.Filename != "records.ndjson" || report.Summary.Timestamp != "03:04:05" {
		t.Errorf("unexpected summary %+v", report.Summary)
	}
}

func TestRun_ProgressIsStrictlyIncreasing(t *testing.T) {
	var got []Progress
	p := newTestPipeline(t, &fakeProfile{}, narrative.Static("ok"))

	_, err := p.Run(context.Background(), upload(sampleNDJSON), ProgressFunc(func(pr Progress) {
		got = append(got, pr)
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []int{0, 10, 30, 60, 80, 100}
	if len(got) != len(want) {
		t.Fatalf("expected %d checkpoints, got %v", len(want), got)
	}
	for i, pr := range got {
		if pr.Current != want[i] || pr.Total != ProgressTotal || pr.Status == "" {
			t.Errorf("checkpoint %d: unexpected %+v", i, pr)
		}
	}
	if got[len(got)-1].Status != "Complete" {
		t.Errorf("expected final status Complete, got %q", got[len(got)-1].Status)
	}
}

func TestRun_CorruptArchiveYieldsSystemIssue(t *testing.T) {
	gen := &recordingNarrator{reply: "should not be used"}
	p := newTestPipeline(t, &fakeProfile{}, gen)

	report, err := p.Run(context.Background(), fhir.Upload{Content: []byte("PK garbage"), Filename: "batch.zip"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sys := report.Find(reporting.ResourceSystem)
	if len(sys) != 1 || sys[0].Title != "Error" {
		t.Fatalf("expected one System issue, got %v", report.Issues)
	}
	if !strings.Contains(sys[0].Explanation, fhir.ErrArchive.Error()) {
		t.Errorf("expected explanation to describe the archive failure, got %q", sys[0].Explanation)
	}
	if report.Summary.TotalResources != 0 {
		t.Errorf("expected 0 resources, got %d", report.Summary.TotalResources)
	}
	if report.Summary.NarrativeText != narrative.NoPatientsText {
		t.Errorf("expected placeholder narrative, got %q", report.Summary.NarrativeText)
	}
	if gen.seen != 0 {
		t.Error("expected narrator not to be called")
	}
}

func TestRun_MissingResourceTypeAndProfileIssues(t *testing.T) {
	pv := &fakeProfile{issues: []reporting.Issue{reporting.Low("records.ndjson (Batch Check)", "Profile Validation", "warn")}}
	p := newTestPipeline(t, pv, nil)

	content := `{"id":"orphan"}` + "\n" + `{"resourceType":"Patient","id":"x","name":[{"family":"X"}]}` + "\n"
	report, err := p.Run(context.Background(), upload(content), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if pv.calls != 1 {
		t.Errorf("expected one profile call, got %d", pv.calls)
	}
	missing := report.Find("records.ndjson -> Line 1")
	if len(missing) != 1 || missing[0].Title != "Missing 'resourceType' field" {
		t.Errorf("expected one missing resourceType issue, got %v", missing)
	}
	if len(report.Find("records.ndjson (Batch Check)")) != 1 {
		t.Error("expected profile issue in report")
	}
}

func TestRun_PanickingRuleIsContained(t *testing.T) {
	boom := func(r *patient.Record) (reporting.Issue, bool) {
		if r.ID == "P1" {
			panic("rule exploded")
		}
		return reporting.Issue{}, false
	}
	p := newTestPipeline(t, &fakeProfile{}, narrative.Static("ok"),
		WithRules([]cds.Rule{boom, cds.PainRule}), WithConcurrency(1))

	report, err := p.Run(context.Background(), upload(sampleNDJSON), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Find(reporting.ResourceSystem)) != 1 {
		t.Errorf("expected one System issue, got %v", report.Issues)
	}
	if p2 := report.Find("Patient/P2"); len(p2) != 1 || p2[0].Title != "Severe Pain" {
		t.Errorf("expected P2 to still be analyzed, got %v", p2)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newTestPipeline(t, &fakeProfile{}, narrative.Static("ok"))
	report, err := p.Run(ctx, upload(sampleNDJSON), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if report == nil {
		t.Fatal("expected a report even when cancelled")
	}
}

func TestRun_PatientIssuesFollowDiscoveryOrder(t *testing.T) {
	p := newTestPipeline(t, nil, narrative.Static("ok"), WithConcurrency(8))
	report, err := p.Run(context.Background(), upload(sampleNDJSON), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var order []string
	for _, g := range report.Issues {
		if g.Resource == "Patient/P1" || g.Resource == "Patient/P2" {
			order = append(order, g.Resource)
		}
	}
	if len(order) != 2 || order[0] != "Patient/P1" {
		t.Errorf("expected P1 before P2, got %v", order)
	}
}

func TestMonotonic_DropsNonIncreasing(t *testing.T) {
	var got []int
	m := newMonotonic(ProgressFunc(func(p Progress) { got = append(got, p.Current) }))
	for _, c := range []int{0, 10, 10, 5, 30, 100, 80} {
		m.Report(Progress{Current: c, Total: ProgressTotal})
	}
	want := []int{0, 10, 30, 100}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}
