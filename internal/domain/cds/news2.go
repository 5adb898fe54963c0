// Package cds holds the clinical decision support layer: the NEWS2 early
// warning score and the threshold rules evaluated per patient.
package cds

import "github.com/fhirguard/fhirguard/internal/domain/patient"

// Risk is the NEWS2 risk tier.
type Risk int

const (
	RiskLow Risk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// Risk tier thresholds on the aggregate score.
const (
	CriticalThreshold = 7
	HighThreshold     = 5
	MediumThreshold   = 1
)

func (r Risk) String() string {
	switch r {
	case RiskCritical:
		return "Critical"
	case RiskHigh:
		return "High"
	case RiskMedium:
		return "Medium"
	}
	return "Low"
}

// Description is the clinical wording used in alerts and narratives.
func (r Risk) Description() string {
	switch r {
	case RiskCritical:
		return "CRITICAL (Emergency Response)"
	case RiskHigh:
		return "High (Urgent Review)"
	case RiskMedium:
		return "Medium (Monitor)"
	}
	return "Low"
}

// MarshalText renders the tier name.
func (r Risk) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Result is a computed NEWS2 score.
type Result struct {
	Score int  `json:"score"`
	Risk  Risk `json:"risk"`
}

// RiskFor maps an aggregate score to its tier.
func RiskFor(score int) Risk {
	switch {
	case score >= CriticalThreshold:
		return RiskCritical
	case score >= HighThreshold:
		return RiskHigh
	case score >= MediumThreshold:
		return RiskMedium
	}
	return RiskLow
}

// Score computes NEWS2 from a vital snapshot. Every category contributes 0 to
// 3 points; a missing vital contributes nothing.
func Score(v patient.Vitals) Result {
	score := 0
	if x, ok := v.Get(patient.RespRate); ok {
		score += respPoints(x)
	}
	if x, ok := v.Get(patient.OxygenSat); ok {
		score += oxygenPoints(x)
	}
	if x, ok := v.Get(patient.SystolicBP); ok {
		score += systolicPoints(x)
	}
	if x, ok := v.Get(patient.HeartRate); ok {
		score += pulsePoints(x)
	}
	if x, ok := v.Get(patient.GCS); ok {
		score += consciousnessPoints(x)
	}
	if x, ok := v.Get(patient.Temperature); ok {
		score += temperaturePoints(x)
	}
	return Result{Score: score, Risk: RiskFor(score)}
}

func respPoints(rr float64) int {
	switch {
	case rr <= 8 || rr >= 25:
		return 3
	case rr >= 21:
		return 2
	case rr <= 11:
		return 1
	}
	return 0
}

func oxygenPoints(o2 float64) int {
	switch {
	case o2 <= 91:
		return 3
	case o2 <= 93:
		return 2
	case o2 <= 95:
		return 1
	}
	return 0
}

// systolicPoints also scores hypertensive crisis (>= 220) at 3.
func systolicPoints(sys float64) int {
	switch {
	case sys <= 90:
		return 3
	case sys <= 100:
		return 2
	case sys <= 110:
		return 1
	case sys >= 220:
		return 3
	}
	return 0
}

func pulsePoints(hr float64) int {
	switch {
	case hr <= 40 || hr >= 131:
		return 3
	case hr >= 111:
		return 2
	case hr <= 50 || hr >= 91:
		return 1
	}
	return 0
}

// consciousnessPoints treats any GCS below fully alert as maximal.
func consciousnessPoints(gcs float64) int {
	if gcs < 15 {
		return 3
	}
	return 0
}

func temperaturePoints(t float64) int {
	switch {
	case t <= 35.0:
		return 3
	case t >= 39.1:
		return 2
	case t <= 36.0 || t >= 38.1:
		return 1
	}
	return 0
}
