package anomaly

import (
	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/domain/patient"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// FeatureCount is the width of the vector built by Vector.
const FeatureCount = 11

// Neutral blood-pressure substitutes for readings that would otherwise be zero.
const (
	neutralSystolic  = 120.0
	neutralDiastolic = 80.0
)

// Model is a fitted outlier classifier. *Forest implements it.
type Model interface {
	IsOutlier(x []float64) (bool, error)
}

// Detector adapts patient records to a Model. A Detector without a model
// never reports anything.
type Detector struct {
	model  Model
	logger zerolog.Logger
}

// NewDetector wraps model, which may be nil.
func NewDetector(model Model, logger zerolog.Logger) *Detector {
	return &Detector{model: model, logger: logger.With().Str("component", "anomaly").Logger()}
}

// Enabled reports whether a model is loaded.
func (d *Detector) Enabled() bool {
	return d != nil && d.model != nil
}

// Vector builds the fixed-order feature vector
// [age, sys_bp, dia_bp, hr, resp, temp, o2, bmi, gluc, pain, gcs]. It returns
// false unless both systolic pressure and heart rate are present. Missing
// vitals become 0 and zero blood pressures become 120/80.
func Vector(r *patient.Record) ([]float64, bool) {
	if _, ok := r.Vitals.Get(patient.SystolicBP); !ok {
		return nil, false
	}
	if _, ok := r.Vitals.Get(patient.HeartRate); !ok {
		return nil, false
	}

	get := func(k patient.VitalKey) float64 {
		v, _ := r.Vitals.Get(k)
		return v
	}
	sys, dia := get(patient.SystolicBP), get(patient.DiastolicBP)
	if sys == 0 {
		sys = neutralSystolic
	}
	if dia == 0 {
		dia = neutralDiastolic
	}
	return []float64{
		float64(r.Age), sys, dia,
		get(patient.HeartRate), get(patient.RespRate), get(patient.Temperature),
		get(patient.OxygenSat), get(patient.BMI), get(patient.Glucose),
		get(patient.Pain), get(patient.GCS),
	}, true
}

// Check returns a High issue when the record is an outlier.
func (d *Detector) Check(r *patient.Record) (reporting.Issue, bool) {
	if !d.Enabled() {
		return reporting.Issue{}, false
	}
	x, ok := Vector(r)
	if !ok {
		return reporting.Issue{}, false
	}
	outlier, err := d.model.IsOutlier(x)
	if err != nil {
		d.logger.Warn().Err(err).Str("patient", r.ID).Msg("anomaly model evaluation failed")
		return reporting.Issue{}, false
	}
	if !outlier {
		return reporting.Issue{}, false
	}
	return reporting.High(r.Label(), "Complex Clinical Anomaly",
		"Full-body vital signs pattern is statistically abnormal for this age group."), true
}
