package patient

// Vitals is one patient's vital snapshot. A nil field means the vital was
// never observed, which is distinct from a zero reading.
type Vitals struct {
	SysBP *float64 `json:"sys_bp"`
	DiaBP *float64 `json:"dia_bp"`
	HR    *float64 `json:"hr"`
	Resp  *float64 `json:"resp"`
	Temp  *float64 `json:"temp"`
	O2    *float64 `json:"o2"`
	BMI   *float64 `json:"bmi"`
	Gluc  *float64 `json:"gluc"`
	Pain  *float64 `json:"pain"`
	GCS   *float64 `json:"gcs"`
}

func (v *Vitals) slot(k VitalKey) **float64 {
	switch k {
	case SystolicBP:
		return &v.SysBP
	case DiastolicBP:
		return &v.DiaBP
	case HeartRate:
		return &v.HR
	case RespRate:
		return &v.Resp
	case Temperature:
		return &v.Temp
	case OxygenSat:
		return &v.O2
	case BMI:
		return &v.BMI
	case Glucose:
		return &v.Gluc
	case Pain:
		return &v.Pain
	case GCS:
		return &v.GCS
	}
	return nil
}

// Set records a reading. Keys outside the fixed set are ignored.
func (v *Vitals) Set(k VitalKey, value float64) {
	if p := v.slot(k); p != nil {
		val := value
		*p = &val
	}
}

// Get returns a reading and whether it is present.
func (v Vitals) Get(k VitalKey) (float64, bool) {
	p := v.slot(k)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// Present returns the number of observed vitals.
func (v Vitals) Present() int {
	n := 0
	for _, k := range VitalKeys {
		if _, ok := v.Get(k); ok {
			n++
		}
	}
	return n
}

// Of returns a pointer to value, for building snapshots in literals.
func Of(value float64) *float64 {
	return &value
}

// Record is the per-patient view derived from one collection.
type Record struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Age         int      `json:"age"`
	Gender      string   `json:"gender"`
	Vitals      Vitals   `json:"vitals"`
	Conditions  []string `json:"conditions"`
	Medications []string `json:"medications"`
}

// Label is the report attribution label for the patient.
func (r *Record) Label() string {
	return "Patient/" + r.ID
}

// Records holds patient records keyed by normalized id in discovery order.
type Records struct {
	order []string
	byID  map[string]*Record
}

// NewRecords returns an empty set.
func NewRecords() *Records {
	return &Records{byID: make(map[string]*Record)}
}

// Put inserts or replaces a record. A replaced record keeps its position.
func (rs *Records) Put(r *Record) {
	if _, ok := rs.byID[r.ID]; !ok {
		rs.order = append(rs.order, r.ID)
	}
	rs.byID[r.ID] = r
}

// Get looks up a record by normalized id.
func (rs *Records) Get(id string) (*Record, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// Len returns the number of records.
func (rs *Records) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.order)
}

// List returns the records in discovery order.
func (rs *Records) List() []*Record {
	if rs == nil {
		return nil
	}
	out := make([]*Record, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, rs.byID[id])
	}
	return out
}
