// Package provider adapts external plant identification APIs to a common
// contract and guards every call with a circuit breaker and a quota check.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AnandSundar/go-plantid/breaker"
	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/internal/metrics"
	"github.com/AnandSundar/go-plantid/model"
)

// DefaultTimeout bounds a single provider network call
const DefaultTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/AnandSundar/go-plantid/provider")

// API is a provider-specific identification endpoint. Implementations make
// exactly one network call per Identify and never retry.
type API interface {
	Name() string
	Identify(ctx context.Context, req model.Request) ([]model.Suggestion, error)
}

// Breaker is the circuit breaker contract the client relies on
type Breaker interface {
	Admit(ctx context.Context, provider string) (breaker.Admission, bool)
	Release(ctx context.Context, provider string, adm breaker.Admission)
	RecordSuccess(ctx context.Context, provider string)
	RecordFailure(ctx context.Context, provider string)
}

// Quota is the quota tracker contract the client relies on
type Quota interface {
	TryConsume(ctx context.Context, provider string) bool
	Consume(ctx context.Context, provider string)
}

// Client guards one provider API
type Client struct {
	api     API
	breaker Breaker
	quota   Quota
	timeout time.Duration
	log     zerolog.Logger
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-call timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// NewClient wraps api with the given guards
func NewClient(api API, breaker Breaker, quota Quota, opts ...ClientOption) *Client {
	c := &Client{
		api:     api,
		breaker: breaker,
		quota:   quota,
		timeout: DefaultTimeout,
		log:     logging.WithComponent("provider").With().Str("provider", api.Name()).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.api.Name()
}

// Identify performs one guarded identification call. It never returns an
// error; failures are reported in the result.
//
// The network call runs on a context detached from ctx's cancellation, so
// a request that stops waiting does not cancel the call; its completion
// still updates breaker and quota state. Only the per-call timeout bounds it.
func (c *Client) Identify(ctx context.Context, req model.Request) model.ProviderResult {
	name := c.api.Name()
	ctx, span := tracer.Start(ctx, "provider.identify")
	defer span.End()
	span.SetAttributes(attribute.String("plantid.provider", name))

	adm, ok := c.breaker.Admit(ctx, name)
	if !ok {
		return c.fail(span, 0, &model.ProviderError{Provider: name, Kind: model.KindCircuitOpen, Err: model.ErrProviderUnavailable})
	}

	if !c.quota.TryConsume(ctx, name) {
		// No call is made, so a trial lease goes back unused
		c.breaker.Release(ctx, name, adm)
		return c.fail(span, 0, &model.ProviderError{Provider: name, Kind: model.KindQuotaExceeded, Err: model.ErrQuotaExceeded})
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	suggestions, err := c.api.Identify(callCtx, req)
	elapsed := time.Since(start)
	metrics.ProviderDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		perr := Classify(name, err)
		if perr.Kind.CountsAsFailure() {
			c.breaker.RecordFailure(callCtx, name)
		}
		return c.fail(span, elapsed, perr)
	}

	c.breaker.RecordSuccess(callCtx, name)
	c.quota.Consume(callCtx, name)

	metrics.ProviderCalls.WithLabelValues(name, "success").Inc()
	logging.Ctx(ctx, c.log).Debug().Int("suggestions", len(suggestions)).Dur("duration", elapsed).Msg("provider call succeeded")
	span.SetAttributes(attribute.Int("plantid.suggestions", len(suggestions)))

	return model.ProviderResult{
		Provider:    name,
		Suggestions: suggestions,
		Succeeded:   true,
		Duration:    elapsed,
	}
}

func (c *Client) fail(span trace.Span, elapsed time.Duration, perr *model.ProviderError) model.ProviderResult {
	metrics.ProviderCalls.WithLabelValues(perr.Provider, string(perr.Kind)).Inc()
	span.SetStatus(codes.Error, string(perr.Kind))

	event := c.log.Warn()
	if !perr.Kind.CountsAsFailure() {
		event = c.log.Info()
	}
	event.Err(perr.Err).Str("kind", string(perr.Kind)).Int("status", perr.StatusCode).Msg("provider call skipped or failed")

	return model.ProviderResult{
		Provider:  perr.Provider,
		Succeeded: false,
		Err:       perr,
		Duration:  elapsed,
	}
}

// Classify converts an API error into a ProviderError. Errors that already
// are ProviderErrors keep their kind; bare deadline errors become timeouts.
func Classify(provider string, err error) *model.ProviderError {
	var perr *model.ProviderError
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = provider
		}
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProviderError{Provider: provider, Kind: model.KindTimeout, Err: err}
	}
	return &model.ProviderError{Provider: provider, Kind: model.KindNetwork, Err: err}
}
