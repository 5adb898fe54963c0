// Package pipeline runs one clinical resource analysis: ingestion,
// structural and profile validation, patient extraction, per-patient
// scoring, rules and anomaly checks, and report assembly.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fhirguard/fhirguard/internal/domain/anomaly"
	"github.com/fhirguard/fhirguard/internal/domain/cds"
	"github.com/fhirguard/fhirguard/internal/domain/patient"
	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/narrative"
	"github.com/fhirguard/fhirguard/internal/platform/profile"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

const defaultConcurrency = 4

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds the number of patients analyzed in parallel.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithClock overrides the wall clock used for ages and timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithRules replaces the clinical rule set.
func WithRules(rules []cds.Rule) Option {
	return func(p *Pipeline) { p.rules = rules }
}

// Pipeline holds the process-wide, read-only collaborators shared by runs.
type Pipeline struct {
	logger      zerolog.Logger
	ingestor    *fhir.Ingestor
	structural  *fhir.StructuralValidator
	profile     profile.Validator
	extractor   *patient.Extractor
	detector    *anomaly.Detector
	narrator    narrative.Generator
	rules       []cds.Rule
	concurrency int
	now         func() time.Time
}

// New creates a Pipeline. profileValidator and narrator may be nil; the
// detector may wrap a nil model.
func New(
	logger zerolog.Logger,
	structural *fhir.StructuralValidator,
	profileValidator profile.Validator,
	detector *anomaly.Detector,
	narrator narrative.Generator,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		logger:      logger.With().Str("component", "pipeline").Logger(),
		ingestor:    fhir.NewIngestor(logger),
		structural:  structural,
		profile:     profileValidator,
		detector:    detector,
		narrator:    narrator,
		rules:       cds.DefaultRules,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.narrator == nil {
		p.narrator = narrative.Static("Narrative generation is not configured.")
	}
	p.extractor = patient.NewExtractor(logger).WithClock(p.now)
	return p
}

// run is the mutable state of one invocation.
type run struct {
	upload     fhir.Upload
	assembler  *reporting.Assembler
	collection *fhir.Collection
	records    *patient.Records
	progress   *monotonic
}

// Run analyzes one upload. A report is always returned; the error is
// non-nil only when ctx was cancelled before the run finished.
func (p *Pipeline) Run(ctx context.Context, u fhir.Upload, progress ProgressReporter) (*reporting.Report, error) {
	start := p.now()
	r := &run{
		upload:     u,
		assembler:  reporting.NewAssembler(),
		collection: fhir.NewCollection(),
		records:    patient.NewRecords(),
		progress:   newMonotonic(progress),
	}
	log := p.logger.With().Str("filename", u.Filename).Int("bytes", len(u.Content)).Logger()
	log.Info().Msg("analysis started")

	r.progress.Report(StageInitializing)
	if err := p.guard(func() error { return p.analyze(ctx, r) }); err != nil {
		if ctx.Err() != nil {
			return p.build(r, start, ""), ctx.Err()
		}
		log.Error().Err(err).Msg("analysis aborted")
		r.assembler.Add(reporting.High(reporting.ResourceSystem, "Error", err.Error()))
	}

	r.progress.Report(StageNarrative)
	text := narrative.NoPatientsText
	if r.records.Len() > 0 {
		text = p.narrator.Summarize(ctx, r.records.List())
	}

	report := p.build(r, start, text)
	r.progress.Report(StageComplete)
	log.Info().
		Int("resources", r.collection.Len()).
		Int("patients", r.records.Len()).
		Int("issues", report.IssueCount()).
		Str("elapsed", report.Summary.ProcessingTime).
		Msg("analysis finished")
	return report, ctx.Err()
}

func (p *Pipeline) build(r *run, start time.Time, text string) *reporting.Report {
	now := p.now()
	summary := reporting.NewSummary(r.upload.Filename, len(r.upload.Content), r.collection.Len(), now.Sub(start), text, now)
	return r.assembler.Build(summary)
}

func (p *Pipeline) analyze(ctx context.Context, r *run) error {
	r.progress.Report(StageParsing)
	col, issues, err := p.ingestor.Ingest(r.upload)
	r.collection = col
	r.assembler.Add(issues...)
	if err != nil {
		return err
	}
	if p.structural != nil {
		r.assembler.Add(p.structural.Validate(col)...)
	}

	r.progress.Report(StageValidating)
	if p.profile != nil && col.Len() > 0 {
		r.assembler.Add(p.profile.Validate(ctx, r.upload.Filename, col)...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.progress.Report(StageAnalyzing)
	r.records = p.extractor.Extract(col)
	return p.analyzePatients(ctx, r)
}

// analyzePatients fans out over patients. Each patient writes into its own
// slot so the issue order follows discovery order.
func (p *Pipeline) analyzePatients(ctx context.Context, r *run) error {
	list := r.records.List()
	slots := make([][]reporting.Issue, len(list))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, rec := range list {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := p.guard(func() error {
				slots[i] = p.analyzePatient(rec)
				return nil
			})
			if err != nil {
				slots[i] = []reporting.Issue{reporting.High(reporting.ResourceSystem, "Error",
					fmt.Sprintf("Analysis of %s failed: %v", rec.Label(), err))}
			}
			return nil
		})
	}
	err := g.Wait()
	for _, issues := range slots {
		r.assembler.Add(issues...)
	}
	return err
}

func (p *Pipeline) analyzePatient(rec *patient.Record) []reporting.Issue {
	issues := cds.Evaluate(rec, p.rules)
	if is, ok := p.detector.Check(rec); ok {
		issues = append(issues, is)
	}
	return issues
}

// guard converts a panic in fn into an error.
func (p *Pipeline) guard(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().
				Str("panic", fmt.Sprintf("%v", rec)).
				Str("stack", string(debug.Stack())).
				Msg("panic recovered during analysis")
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	return fn()
}
