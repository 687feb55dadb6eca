package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/config"
	"github.com/ehr/registrationcore/internal/domain/biometrics"
	"github.com/ehr/registrationcore/internal/domain/idgen"
	"github.com/ehr/registrationcore/internal/domain/location"
	"github.com/ehr/registrationcore/internal/domain/matching"
	"github.com/ehr/registrationcore/internal/domain/mpi"
	"github.com/ehr/registrationcore/internal/domain/patient"
	"github.com/ehr/registrationcore/internal/domain/registration"
	"github.com/ehr/registrationcore/internal/platform/cache"
	"github.com/ehr/registrationcore/internal/platform/db"
	"github.com/ehr/registrationcore/internal/platform/events"
	"github.com/ehr/registrationcore/internal/platform/metrics"
	"github.com/ehr/registrationcore/internal/platform/settings"
)

// app holds the wired registration core shared by serve and the CLI commands.
type app struct {
	settings     *settings.Store
	registration *registration.Service
	redis        *cache.Redis
	metrics      *metrics.Metrics
	closers      []func() error
}

func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	a := &app{metrics: metrics.New()}

	// Runtime properties
	a.settings = settings.New(settings.NewPGBackend(pool), logger)

	// Stores
	patients := patient.NewRepo(pool)
	relationships := patient.NewRelationshipRepo(pool)
	types := patient.NewIdentifierTypeRepo(pool)
	tx := db.NewTransactor(pool)

	// Identifier allocation; the cached source is dropped when its property changes
	allocator := idgen.NewAllocator(idgen.NewSequentialProvider(pool), a.settings, logger, idgen.WithMetrics(a.metrics))
	a.settings.Subscribe(allocator)

	locations := location.NewDirectory(location.NewRepo(pool), a.settings)

	// Similarity matching
	weights := matching.DefaultWeights()
	if cfg.MatchWeightsFile != "" {
		w, err := matching.LoadWeights(cfg.MatchWeightsFile)
		if err != nil {
			return nil, err
		}
		weights = w
	}

	var names matching.NameSearch = matching.NewBasicNameSearch(patients, matching.DefaultNameLimit)
	rc, err := cache.New(ctx, cfg.RedisURL, "registration:")
	if err != nil {
		return nil, err
	}
	if rc != nil {
		a.redis = rc
		a.closers = append(a.closers, rc.Close)
		names = matching.NewCachedNameSearch(names, rc, cfg.NameCacheTTL, logger)
		logger.Info().Msg("name search cache enabled")
	}

	registry := matching.NewRegistry()
	registry.Register(matching.BindingBasicSimilar, matching.NewFastStrategy(patients, weights))
	registry.Register(matching.BindingBasicExact, matching.NewPreciseStrategy(patients))
	registry.Register(matching.BindingBasicNameSearch, names)
	matcher := matching.NewMatcher(registry, a.settings)

	// Remote master patient index
	var provider mpi.Provider
	if cfg.MPIEnabled {
		var opts []mpi.ClientOption
		if cfg.MPIToken != "" {
			opts = append(opts, mpi.WithBearerToken(cfg.MPIToken))
		}
		provider = mpi.NewFHIRClient(cfg.MPIBaseURL, cfg.MPITimeout, logger, opts...)
	}
	bridge := mpi.NewBridge(mpi.BridgeConfig{
		Enabled:  cfg.MPIEnabled,
		Provider: provider,
		Patients: patients,
		Types:    types,
		Props:    a.settings,
		Tx:       tx,
		Logger:   logger,
	})

	// Biometrics
	var engine biometrics.Engine
	if cfg.BiometricsBucket != "" {
		s3Engine, err := biometrics.NewS3Engine(ctx, biometrics.S3Config{
			Bucket:    cfg.BiometricsBucket,
			Prefix:    cfg.BiometricsPrefix,
			Region:    cfg.BiometricsRegion,
			Endpoint:  cfg.BiometricsEndpoint,
			PathStyle: cfg.BiometricsPathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("biometric engine: %w", err)
		}
		engine = s3Engine
	}
	enrollment := biometrics.NewEnrollment(engine, patients, types, a.settings, logger)

	// Events
	var publisher registration.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.KafkaBrokers,
			TopicPrefix:  cfg.KafkaTopicPrefix,
			KeyField:     registration.EventPatientUUID,
			WriteTimeout: cfg.KafkaWriteTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, kp.Close)
		publisher = kp
	} else {
		publisher = events.NewLogPublisher(logger)
	}

	a.registration = registration.NewService(registration.Config{
		Allocator:     allocator,
		Locations:     locations,
		Patients:      patients,
		Relationships: relationships,
		Matcher:       matcher,
		Remote:        bridge,
		Biometrics:    enrollment,
		Tx:            tx,
		Publisher:     publisher,
		Metrics:       a.metrics,
		Logger:        logger,
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}
