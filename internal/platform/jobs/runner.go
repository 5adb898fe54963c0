package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/pipeline"
	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/reporting"
)

// Analyzer runs one analysis. *pipeline.Pipeline satisfies it.
type Analyzer interface {
	Run(ctx context.Context, u fhir.Upload, progress pipeline.ProgressReporter) (*reporting.Report, error)
}

// Service accepts uploads and answers status queries.
type Service struct {
	queue    Queue
	store    Store
	notifier Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a Service. notifier may be nil.
func NewService(queue Queue, store Store, notifier Notifier, logger zerolog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier
	}
	return &Service{
		queue:    queue,
		store:    store,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With().Str("component", "jobs").Logger(),
	}
}

// Submit records a new PENDING task for u and enqueues it.
func (s *Service) Submit(ctx context.Context, u fhir.Upload) (string, error) {
	now := s.now().UTC()
	task := Task{
		ID:          uuid.New().String(),
		Filename:    u.Filename,
		ContentType: u.ContentType,
		Content:     u.Content,
		SubmittedAt: now,
	}
	pending := PendingStatus(task.ID, now)
	if err := s.store.Put(ctx, pending); err != nil {
		return "", fmt.Errorf("record task: %w", err)
	}
	// PENDING goes out before the task is visible to workers.
	s.notify(ctx, pending)
	if err := s.queue.Push(ctx, task); err != nil {
		failed := FailureStatus(task.ID, err, s.now().UTC())
		if perr := s.store.Put(ctx, failed); perr != nil {
			s.logger.Error().Err(perr).Str("task_id", task.ID).Str("state", string(failed.State)).Msg("store job state")
		}
		s.notify(ctx, failed)
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	s.logger.Info().
		Str("task_id", task.ID).
		Str("filename", task.Filename).
		Int("bytes", len(task.Content)).
		Msg("task submitted")
	return task.ID, nil
}

func (s *Service) notify(ctx context.Context, st Status) {
	if err := s.notifier.Notify(ctx, st); err != nil {
		s.logger.Warn().Err(err).Str("task_id", st.TaskID).Str("state", string(st.State)).Msg("notify job state")
	}
}

// Status returns the current state of task id. Unknown ids yield
// ErrJobNotFound.
func (s *Service) Status(ctx context.Context, id string) (*Status, error) {
	return s.store.Get(ctx, id)
}

// Runner pops tasks and drives them through the analyzer.
type Runner struct {
	queue    Queue
	store    Store
	analyzer Analyzer
	notifier Notifier
	workers  int
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRunner creates a Runner with the given number of workers. notifier may
// be nil.
func NewRunner(queue Queue, store Store, analyzer Analyzer, notifier Notifier, workers int, logger zerolog.Logger) *Runner {
	if notifier == nil {
		notifier = NopNotifier
	}
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		queue:    queue,
		store:    store,
		analyzer: analyzer,
		notifier: notifier,
		workers:  workers,
		now:      time.Now,
		logger:   logger.With().Str("component", "runner").Logger(),
	}
}

// Run starts the workers and blocks until ctx is done and every in-flight
// task has been recorded.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info().Int("workers", r.workers).Msg("job runner started")
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	r.logger.Info().Msg("job runner stopped")
}

func (r *Runner) work(ctx context.Context, worker int) {
	log := r.logger.With().Int("worker", worker).Logger()
	for {
		task, err := r.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("pop task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		r.Process(ctx, task)
	}
}

// Process runs a single task to a terminal state.
func (r *Runner) Process(ctx context.Context, task Task) {
	log := r.logger.With().Str("task_id", task.ID).Str("filename", task.Filename).Logger()
	log.Info().Msg("task started")

	progress := pipeline.ProgressFunc(func(p pipeline.Progress) {
		// The final checkpoint is replaced by the SUCCESS record.
		if p.Current >= pipeline.ProgressTotal {
			return
		}
		r.record(ctx, log, ProgressStatus(task.ID, p, r.now().UTC()))
	})

	report, err := r.run(ctx, task, progress)
	// Terminal state must be written even when ctx is done.
	final := context.WithoutCancel(ctx)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("task failed")
		r.record(final, log, FailureStatus(task.ID, err, r.now().UTC()))
	default:
		log.Info().Int("issues", report.IssueCount()).Msg("task complete")
		r.record(final, log, SuccessStatus(task.ID, report, r.now().UTC()))
	}
}

func (r *Runner) run(ctx context.Context, task Task, progress pipeline.ProgressReporter) (report *reporting.Report, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("internal error: %v", rec)
		}
	}()
	report, err = r.analyzer.Run(ctx, task.Upload(), progress)
	if err == nil && report == nil {
		err = errors.New("analysis produced no report")
	}
	return report, err
}

func (r *Runner) record(ctx context.Context, log zerolog.Logger, s Status) {
	if err := r.store.Put(ctx, s); err != nil {
		log.Error().Err(err).Str("state", string(s.State)).Msg("store job state")
	}
	if err := r.notifier.Notify(ctx, s); err != nil {
		log.Warn().Err(err).Str("state", string(s.State)).Msg("notify job state")
	}
}
