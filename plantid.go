// Package plantid identifies plants from photos by fanning each request out
// to several external identification providers, guarding them with shared
// circuit breakers and quotas, and de-duplicating repeated requests through
// a stampede-safe result cache.
package plantid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AnandSundar/go-plantid/cache"
	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/internal/metrics"
	"github.com/AnandSundar/go-plantid/model"
)

const (
	// DefaultTTL is the default time-to-live for cached results
	DefaultTTL = cache.DefaultTTL
	// DefaultMaxImageBytes is the largest accepted image
	DefaultMaxImageBytes = 10 << 20
)

var tracer = otel.Tracer("github.com/AnandSundar/go-plantid")

// Pipeline runs the uncached identification for a fingerprinted request
type Pipeline interface {
	Identify(ctx context.Context, fp model.Fingerprint, req model.Request) (*model.AggregatedResult, error)
}

// Cache returns cached results or computes and stores them
type Cache interface {
	GetOrCompute(ctx context.Context, fp model.Fingerprint, compute cache.ComputeFunc, ttl time.Duration) (*model.AggregatedResult, error)
}

// Service is the identification entry point used by the web layer
type Service struct {
	pipeline Pipeline
	config   *Config
	log      zerolog.Logger
}

// New creates a service over pipeline. Without WithCache every request runs
// the pipeline.
func New(pipeline Pipeline, opts ...Option) *Service {
	config := &Config{
		TTL:             DefaultTTL,
		MaxImageBytes:   DefaultMaxImageBytes,
		FingerprintFunc: model.NewFingerprint,
	}

	for _, opt := range opts {
		opt(config)
	}

	return &Service{
		pipeline: pipeline,
		config:   config,
		log:      logging.WithComponent("service"),
	}
}

// Identify validates req and returns its aggregated identification, from
// the cache when an unexpired result exists.
//
// Errors match ErrInvalidInput, ErrAllProvidersUnavailable or
// ErrQuotaExceeded via errors.Is.
func (s *Service) Identify(ctx context.Context, req model.Request) (*model.AggregatedResult, error) {
	ctx = logging.EnsureCorrelationID(ctx)
	ctx, span := tracer.Start(ctx, "plantid.identify")
	defer span.End()

	if err := s.validate(req); err != nil {
		metrics.Identifications.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	fp := s.config.FingerprintFunc(req)
	span.SetAttributes(attribute.String("plantid.fingerprint", fp.String()))
	log := logging.Ctx(ctx, s.log).With().Str("fingerprint", fp.String()).Logger()

	compute := func(ctx context.Context) (*model.AggregatedResult, error) {
		return s.pipeline.Identify(ctx, fp, req)
	}

	var (
		result *model.AggregatedResult
		err    error
	)
	if s.config.Cache != nil {
		result, err = s.config.Cache.GetOrCompute(ctx, fp, compute, s.config.TTL)
	} else {
		result, err = compute(ctx)
	}

	if err != nil {
		metrics.Identifications.WithLabelValues(outcome(err)).Inc()
		span.SetStatus(codes.Error, err.Error())
		log.Warn().Err(err).Msg("identification failed")
		return nil, err
	}

	label := "computed"
	if result.Cached {
		label = "cached"
	}
	metrics.Identifications.WithLabelValues(label).Inc()
	span.SetAttributes(attribute.Bool("plantid.cached", result.Cached))
	log.Info().
		Bool("cached", result.Cached).
		Strs("sources", result.SourceProviders).
		Int("suggestions", len(result.Suggestions)).
		Msg("identification finished")

	return result, nil
}

func (s *Service) validate(req model.Request) error {
	size := len(req.Image.Data)
	if size == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if s.config.MaxImageBytes > 0 && size > s.config.MaxImageBytes {
		return fmt.Errorf("%w: image is %d bytes, limit is %d", ErrInvalidInput, size, s.config.MaxImageBytes)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrAllProvidersUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
