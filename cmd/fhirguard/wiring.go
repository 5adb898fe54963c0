package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fhirguard/fhirguard/internal/config"
	"github.com/fhirguard/fhirguard/internal/domain/anomaly"
	"github.com/fhirguard/fhirguard/internal/pipeline"
	"github.com/fhirguard/fhirguard/internal/platform/fhir"
	"github.com/fhirguard/fhirguard/internal/platform/jobs"
	"github.com/fhirguard/fhirguard/internal/platform/narrative"
	"github.com/fhirguard/fhirguard/internal/platform/profile"
	"github.com/fhirguard/fhirguard/internal/platform/webhook"
)

// newPipeline builds the analysis pipeline and its collaborators. Unset
// collaborator URLs and model path disable the corresponding layer.
func newPipeline(cfg *config.Config, logger zerolog.Logger) (*pipeline.Pipeline, error) {
	structural, err := fhir.NewStructuralValidator(logger)
	if err != nil {
		return nil, fmt.Errorf("structural validator: %w", err)
	}

	var pv profile.Validator
	if cfg.ProfileValidatorURL != "" {
		pv = profile.NewClient(cfg.ProfileValidatorURL, cfg.ProfileValidatorTimeout, logger,
			profile.WithVersion(cfg.FHIRVersion))
	}

	var gen narrative.Generator
	if cfg.NarrativeURL != "" {
		gen = narrative.NewClient(cfg.NarrativeURL, cfg.NarrativeModel, cfg.NarrativeTimeout, logger)
	}

	var model anomaly.Model
	if cfg.AnomalyModelPath != "" {
		forest, err := anomaly.LoadForest(cfg.AnomalyModelPath)
		if err != nil {
			return nil, fmt.Errorf("anomaly model: %w", err)
		}
		model = forest
		logger.Info().Str("path", cfg.AnomalyModelPath).Int("trees", len(forest.Trees)).Msg("anomaly model loaded")
	} else {
		logger.Warn().Msg("ANOMALY_MODEL_PATH not set, anomaly detection disabled")
	}

	return pipeline.New(logger, structural, pv, anomaly.NewDetector(model, logger), gen,
		pipeline.WithConcurrency(cfg.AnalysisConcurrency)), nil
}

// runnerNotifier adds the outcome webhook to n when WEBHOOK_URL is set and
// starts its delivery loop on wg.
func runnerNotifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger, n jobs.Notifier, wg *sync.WaitGroup) (jobs.Notifier, error) {
	if cfg.WebhookURL == "" {
		return n, nil
	}
	d, err := webhook.NewDispatcher(cfg.WebhookURL, cfg.WebhookSecret, logger,
		webhook.WithMaxRetries(cfg.WebhookMaxRetries))
	if err != nil {
		return nil, fmt.Errorf("webhook: %w", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()
	return jobs.Fanout(n, d), nil
}

// backend holds the queue and store shared by API and workers.
type backend struct {
	queue jobs.Queue
	store jobs.Store
	redis *redis.Client
}

func newBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	if !cfg.UsesRedis() {
		logger.Info().Msg("using in-memory job queue and store")
		return &backend{
			queue: jobs.NewMemoryQueue(cfg.QueueSize),
			store: jobs.NewMemoryStore(cfg.JobTTL),
		}, nil
	}

	client, err := jobs.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("prefix", cfg.RedisPrefix).Msg("connected to redis")
	return &backend{
		queue: jobs.NewRedisQueue(client, cfg.RedisPrefix),
		store: jobs.NewRedisStore(client, cfg.RedisPrefix, cfg.JobTTL),
		redis: client,
	}, nil
}

func (b *backend) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
}
