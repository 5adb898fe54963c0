package anomaly

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/domain/patient"
)

// Single tree splitting on heart rate: hr <= 150 isolates late, hr > 150
// isolates after one split.
const testForest = `{
  "max_samples": 4,
  "offset": -0.5,
  "n_features": 11,
  "trees": [
    {"nodes": [
      {"feature": 3, "threshold": 150, "left": 1, "right": 2, "samples": 4},
      {"feature": -2, "threshold": -2, "left": -1, "right": -1, "samples": 3},
      {"feature": -2, "threshold": -2, "left": -1, "right": -1, "samples": 1}
    ]}
  ]
}`

func loadTestForest(t *testing.T) *Forest {
	t.Helper()
	f, err := ParseForest([]byte(testForest))
	if err != nil {
		t.Fatalf("ParseForest: %v", err)
	}
	return f
}

func vector(hr float64) []float64 {
	return []float64{40, 120, 80, hr, 16, 37, 98, 24, 100, 0, 15}
}

func TestAveragePathLength(t *testing.T) {
	if averagePathLength(1) != 0 || averagePathLength(2) != 1 {
		t.Error("unexpected small-n path lengths")
	}
	want := 2*(math.Log(3)+eulerGamma) - 1.5
	if got := averagePathLength(4); math.Abs(got-want) > 1e-12 {
		t.Errorf("c(4) = %v, want %v", got, want)
	}
}

func TestForest_ScoreAndOutlier(t *testing.T) {
	f := loadTestForest(t)

	normal, err := f.Score(vector(80))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	odd, err := f.Score(vector(190))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !(odd < normal) {
		t.Errorf("expected isolated point to score lower: normal=%v odd=%v", normal, odd)
	}

	if out, _ := f.IsOutlier(vector(80)); out {
		t.Error("expected hr 80 to be an inlier")
	}
	if out, _ := f.IsOutlier(vector(190)); !out {
		t.Error("expected hr 190 to be an outlier")
	}
}

func TestForest_FeatureCountMismatch(t *testing.T) {
	f := loadTestForest(t)
	_, err := f.IsOutlier([]float64{1, 2, 3})
	if !errors.Is(err, ErrFeatureCount) {
		t.Errorf("expected ErrFeatureCount, got %v", err)
	}
}

func TestParseForest_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":   `{`,
		"no trees":   `{"max_samples": 4, "n_features": 11, "trees": []}`,
		"bad shape":  `{"max_samples": 0, "n_features": 11, "trees": [{"nodes": [{"left": -1, "right": -1}]}]}`,
		"empty tree": `{"max_samples": 4, "n_features": 11, "trees": [{"nodes": []}]}`,
		"cycle":      `{"max_samples": 4, "n_features": 11, "trees": [{"nodes": [{"feature": 0, "left": 0, "right": 0}]}]}`,
		"feature":    `{"max_samples": 4, "n_features": 2, "trees": [{"nodes": [{"feature": 5, "left": 1, "right": 2}, {"left": -1}, {"left": -1}]}]}`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseForest([]byte(data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadForest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	if err := os.WriteFile(path, []byte(testForest), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := LoadForest(path)
	if err != nil {
		t.Fatalf("LoadForest: %v", err)
	}
	if len(f.Trees) != 1 || f.NFeatures != FeatureCount {
		t.Errorf("unexpected forest %+v", f)
	}
	if _, err := LoadForest(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestVector_RequiresCoreVitals(t *testing.T) {
	r := &patient.Record{ID: "p", Age: 50, Vitals: patient.Vitals{SysBP: patient.Of(130)}}
	if _, ok := Vector(r); ok {
		t.Error("expected no vector without heart rate")
	}
	r.Vitals = patient.Vitals{HR: patient.Of(80)}
	if _, ok := Vector(r); ok {
		t.Error("expected no vector without systolic pressure")
	}
}

func TestVector_OrderAndNeutralDefaults(t *testing.T) {
	r := &patient.Record{ID: "p", Age: 50, Vitals: patient.Vitals{
		SysBP: patient.Of(0),
		HR:    patient.Of(88),
		Gluc:  patient.Of(110),
		GCS:   patient.Of(15),
	}}
	x, ok := Vector(r)
	if !ok {
		t.Fatal("expected a vector")
	}
	want := []float64{50, 120, 80, 88, 0, 0, 0, 0, 110, 0, 15}
	if len(x) != FeatureCount {
		t.Fatalf("expected %d features, got %d", FeatureCount, len(x))
	}
	for i := range want {
		if x[i] != want[i] {
			t.Errorf("feature %d: got %v, want %v", i, x[i], want[i])
		}
	}
	if v, _ := r.Vitals.Get(patient.SystolicBP); v != 0 {
		t.Error("expected the record to be left untouched")
	}
}

type stubModel struct {
	outlier bool
	err     error
	calls   int
}

func (m *stubModel) IsOutlier([]float64) (bool, error) {
	m.calls++
	return m.outlier, m.err
}

func TestDetector_NilModelIsNoop(t *testing.T) {
	d := NewDetector(nil, zerolog.Nop())
	if d.Enabled() {
		t.Error("expected detector without model to be disabled")
	}
	r := &patient.Record{ID: "p", Vitals: patient.Vitals{SysBP: patient.Of(300), HR: patient.Of(200)}}
	if _, ok := d.Check(r); ok {
		t.Error("expected no issue without a model")
	}
}

func TestDetector_Check(t *testing.T) {
	m := &stubModel{outlier: true}
	d := NewDetector(m, zerolog.Nop())
	r := &patient.Record{ID: "p1", Vitals: patient.Vitals{SysBP: patient.Of(200), HR: patient.Of(150)}}

	is, ok := d.Check(r)
	if !ok {
		t.Fatal("expected an issue")
	}
	if is.Title != "Complex Clinical Anomaly" || is.Severity != "High" || is.Resource != "Patient/p1" {
		t.Errorf("unexpected issue %v", is)
	}

	r.Vitals.HR = nil
	if _, ok := d.Check(r); ok {
		t.Error("expected no issue without heart rate")
	}
	if m.calls != 1 {
		t.Errorf("expected model to be skipped when the precondition fails, got %d calls", m.calls)
	}
}

func TestDetector_ModelErrorYieldsNoIssue(t *testing.T) {
	d := NewDetector(&stubModel{outlier: true, err: errors.New("boom")}, zerolog.Nop())
	r := &patient.Record{ID: "p1", Vitals: patient.Vitals{SysBP: patient.Of(200), HR: patient.Of(150)}}
	if _, ok := d.Check(r); ok {
		t.Error("expected evaluation errors to be swallowed")
	}
}

func TestDetector_WithForest(t *testing.T) {
	d := NewDetector(loadTestForest(t), zerolog.Nop())
	r := &patient.Record{ID: "p1", Age: 40, Vitals: patient.Vitals{SysBP: patient.Of(120), HR: patient.Of(190)}}
	if _, ok := d.Check(r); !ok {
		t.Error("expected forest to flag hr 190")
	}
	r.Vitals.HR = patient.Of(75)
	if _, ok := d.Check(r); ok {
		t.Error("expected forest to accept hr 75")
	}
}
