package narrative

import (
	"fmt"
	"strings"

	"github.com/fhirguard/fhirguard/internal/domain/cds"
	"github.com/fhirguard/fhirguard/internal/domain/patient"
)

// MaxPatients is the number of patients included in one prompt.
const MaxPatients = 3

const instructions = "You are a Senior Medical Case Manager. Analyze this patient data and generate a report.\n" +
	"IMPORTANT: Output ONLY the report content. Do NOT say 'Okay' or 'Here is the report'. Start directly with Section 1.\n\n" +
	"SECTION 1: PATIENT STORY & HISTORY\n" +
	"- Write a professional biography connecting history to current vitals.\n" +
	"- Mention the NEWS2 Score and what it implies for their stability.\n\n" +
	"SECTION 2: CLINICAL HANDOFF (Target: Doctors)\n" +
	"- SBAR format. Focus on acuity. If vitals are 'N/A', state that data is missing.\n\n" +
	"SECTION 3: PATIENT EXPLANATION (Target: Family)\n" +
	"- Simple 6th-grade English explanation.\n\n" +
	"SECTION 4: AUDIT & CODING (Target: Billers)\n" +
	"- Flag vague diagnoses or missing documentation."

// BuildPrompt renders the instruction block followed by the case data of the
// first MaxPatients records.
func BuildPrompt(records []*patient.Record) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nCASE DATA:\n")
	for i, r := range records {
		if i == MaxPatients {
			break
		}
		writeCase(&b, r)
	}
	return b.String()
}

func writeCase(b *strings.Builder, r *patient.Record) {
	v := r.Vitals
	news := cds.Score(v)
	fmt.Fprintf(b, "PATIENT: %s (%dy %s).\n", r.Name, r.Age, r.Gender)
	fmt.Fprintf(b, "  - RISK: NEWS2 Score %d (%s)\n", news.Score, news.Risk.Description())
	fmt.Fprintf(b, "  - NEURO: GCS %s | Pain %s\n", reading(v, patient.GCS, "N/A"), reading(v, patient.Pain, "N/A"))
	fmt.Fprintf(b, "  - VITALS: BP %s/%s | HR %s | RR %s | O2 %s%%\n",
		reading(v, patient.SystolicBP, "?"), reading(v, patient.DiastolicBP, "?"),
		reading(v, patient.HeartRate, "N/A"), reading(v, patient.RespRate, "N/A"),
		reading(v, patient.OxygenSat, "N/A"))
	fmt.Fprintf(b, "  - METABOLIC: Gluc %s | Temp %sC | BMI %s\n",
		reading(v, patient.Glucose, "N/A"), reading(v, patient.Temperature, "N/A"), reading(v, patient.BMI, "N/A"))
	fmt.Fprintf(b, "  - HISTORY: %s\n", joinOrNone(r.Conditions))
	fmt.Fprintf(b, "  - MEDS: %s\n\n", joinOrNone(r.Medications))
}

func reading(v patient.Vitals, k patient.VitalKey, missing string) string {
	x, ok := v.Get(k)
	if !ok {
		return missing
	}
	return cds.FormatValue(x)
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "None"
	}
	return strings.Join(items, ", ")
}
