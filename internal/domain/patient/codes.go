package patient

// VitalKey names one of the fixed vital-sign slots of a snapshot.
type VitalKey string

const (
	SystolicBP  VitalKey = "sys_bp"
	DiastolicBP VitalKey = "dia_bp"
	HeartRate   VitalKey = "hr"
	RespRate    VitalKey = "resp"
	Temperature VitalKey = "temp"
	OxygenSat   VitalKey = "o2"
	BMI         VitalKey = "bmi"
	Glucose     VitalKey = "gluc"
	Pain        VitalKey = "pain"
	GCS         VitalKey = "gcs"
)

// VitalKeys lists every vital key in canonical order.
var VitalKeys = []VitalKey{
	SystolicBP, DiastolicBP, HeartRate, RespRate, Temperature,
	OxygenSat, BMI, Glucose, Pain, GCS,
}

// LOINC codes mapped to vital keys.
var vitalCodes = map[string]VitalKey{
	"8480-6":  SystolicBP,
	"8462-4":  DiastolicBP,
	"8867-4":  HeartRate,
	"9279-1":  RespRate,
	"8310-5":  Temperature,
	"2708-6":  OxygenSat,
	"59408-5": OxygenSat,
	"39156-5": BMI,
	"2339-0":  Glucose,
	"2345-7":  Glucose,
	"72514-3": Pain,
	"38214-3": Pain,
	"9269-2":  GCS,
}

// LookupVital translates an observation code into its vital key.
func LookupVital(code string) (VitalKey, bool) {
	k, ok := vitalCodes[code]
	return k, ok
}
