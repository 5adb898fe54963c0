// Package telemetry collects process metrics and serves them in the
// Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

var (
	durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	analysisBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}
)

// histogram keeps non-cumulative bucket counts; cumulative counts are
// computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// family is a named metric with one series per label set.
type family struct {
	name   string
	help   string
	kind   string
	labels []string

	mu       sync.RWMutex
	counters map[string]*int64
	hists    map[string]*histogram
	buckets  []float64
}

func newFamily(name, help, kind string, buckets []float64, labels ...string) *family {
	return &family{
		name:     name,
		help:     help,
		kind:     kind,
		labels:   labels,
		counters: make(map[string]*int64),
		hists:    make(map[string]*histogram),
		buckets:  buckets,
	}
}

func labelsKey(values []string) string {
	return strings.Join(values, "|")
}

func (f *family) counter(values ...string) *int64 {
	key := labelsKey(values)
	f.mu.RLock()
	c, ok := f.counters[key]
	f.mu.RUnlock()
	if ok {
		return c
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok = f.counters[key]; !ok {
		c = new(int64)
		f.counters[key] = c
	}
	return c
}

func (f *family) histogram(values ...string) *histogram {
	key := labelsKey(values)
	f.mu.RLock()
	h, ok := f.hists[key]
	f.mu.RUnlock()
	if ok {
		return h
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok = f.hists[key]; !ok {
		h = newHistogram(f.buckets)
		f.hists[key] = h
	}
	return h
}

// Add increments the counter series for values by delta.
func (f *family) Add(delta int64, values ...string) {
	atomic.AddInt64(f.counter(values...), delta)
}

// Observe records v in the histogram series for values.
func (f *family) Observe(v float64, values ...string) {
	f.histogram(values...).Observe(v)
}

func (f *family) value(values ...string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if c, ok := f.counters[labelsKey(values)]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (f *family) labelString(key string) string {
	if len(f.labels) == 0 {
		return ""
	}
	values := strings.Split(key, "|")
	pairs := make([]string, 0, len(f.labels))
	for i, l := range f.labels {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		pairs = append(pairs, fmt.Sprintf("%s=%q", l, v))
	}
	return strings.Join(pairs, ",")
}

func (f *family) write(b *strings.Builder) {
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.kind)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.kind == "histogram" {
		for _, key := range sortedKeys(f.hists) {
			writeHistogram(b, f.name, f.labelString(key), f.hists[key])
		}
	} else {
		for _, key := range sortedKeys(f.counters) {
			labels := f.labelString(key)
			if labels != "" {
				labels = "{" + labels + "}"
			}
			fmt.Fprintf(b, "%s%s %d\n", f.name, labels, atomic.LoadInt64(f.counters[key]))
		}
	}
	b.WriteByte('\n')
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}

// Metrics is the process-wide registry.
type Metrics struct {
	httpDuration *family
	httpActive   int64
	tasks        *family
	analysis     *family
	issues       *family

	mu      sync.Mutex
	started map[string]time.Time
}

// maxTracked bounds the number of in-flight tasks whose start time is kept
// for the analysis duration histogram.
const maxTracked = 4096

// New creates an empty registry.
func New() *Metrics {
	return &Metrics{
		httpDuration: newFamily("http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.", "histogram", durationBuckets,
			"method", "route", "status_code"),
		tasks: newFamily("fhirguard_tasks_total",
			"Analysis tasks by state transition.", "counter", nil, "state"),
		analysis: newFamily("fhirguard_analysis_duration_seconds",
			"Time from submission to terminal state.", "histogram", analysisBuckets, "state"),
		issues: newFamily("fhirguard_issues_total",
			"Issues reported by completed analyses.", "counter", nil, "severity"),
		started: make(map[string]time.Time),
	}
}

// Middleware records HTTP request duration and in-flight requests.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.httpActive, 1)
			defer atomic.AddInt64(&m.httpActive, -1)

			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpDuration.Observe(time.Since(start).Seconds(),
				c.Request().Method, route, strconv.Itoa(status))
			return err
		}
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		m.httpDuration.write(&b)

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.httpActive))

		m.tasks.write(&b)
		m.analysis.write(&b)
		m.issues.write(&b)

		m.mu.Lock()
		inflight := len(m.started)
		m.mu.Unlock()
		b.WriteString("# HELP fhirguard_tasks_in_flight Tasks submitted but not yet terminal.\n")
		b.WriteString("# TYPE fhirguard_tasks_in_flight gauge\n")
		fmt.Fprintf(&b, "fhirguard_tasks_in_flight %d\n", inflight)

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}
