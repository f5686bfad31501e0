// Package orchestrator fans an identification request out to every
// provider concurrently and merges whatever comes back before the deadline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AnandSundar/go-plantid/aggregate"
	"github.com/AnandSundar/go-plantid/internal/logging"
	"github.com/AnandSundar/go-plantid/model"
)

// DefaultDeadline bounds a whole fan-out
const DefaultDeadline = 15 * time.Second

var tracer = otel.Tracer("github.com/AnandSundar/go-plantid/orchestrator")

// errAbandoned is the cause recorded for provider calls still pending at the deadline
var errAbandoned = errors.New("provider call abandoned at orchestration deadline")

// Identifier is a guarded provider client
type Identifier interface {
	Name() string
	Identify(ctx context.Context, req model.Request) model.ProviderResult
}

// UnavailableError is returned when no provider produced a result. It
// matches model.ErrAllProvidersUnavailable, and model.ErrQuotaExceeded
// as well when every provider was skipped for quota.
type UnavailableError struct {
	Results []model.ProviderResult
}

func (e *UnavailableError) Error() string {
	parts := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if r.Err != nil {
			parts = append(parts, r.Err.Error())
		}
	}
	if len(parts) == 0 {
		return model.ErrAllProvidersUnavailable.Error()
	}
	return fmt.Sprintf("%s: %s", model.ErrAllProvidersUnavailable, strings.Join(parts, "; "))
}

func (e *UnavailableError) Unwrap() []error {
	errs := []error{model.ErrAllProvidersUnavailable}
	if e.quotaOnly() {
		errs = append(errs, model.ErrQuotaExceeded)
	}
	return errs
}

func (e *UnavailableError) quotaOnly() bool {
	if len(e.Results) == 0 {
		return false
	}
	for _, r := range e.Results {
		if r.Err == nil || r.Err.Kind != model.KindQuotaExceeded {
			return false
		}
	}
	return true
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithDeadline sets the outer deadline for one fan-out
func WithDeadline(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// Orchestrator runs provider calls on a shared pool
type Orchestrator struct {
	pool       *Pool
	clients    []Identifier
	aggregator *aggregate.Aggregator
	deadline   time.Duration
	log        zerolog.Logger
}

// New creates an orchestrator. Clients are called concurrently; the
// aggregator decides ranking, so client order does not affect results.
func New(pool *Pool, aggregator *aggregate.Aggregator, clients []Identifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pool:       pool,
		clients:    clients,
		aggregator: aggregator,
		deadline:   DefaultDeadline,
		log:        logging.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type indexedResult struct {
	index  int
	result model.ProviderResult
}

// Identify calls every provider once and merges the successful results.
// Calls still running at the deadline are reported as timeouts; they keep
// running in the background and still update breaker and quota state.
func (o *Orchestrator) Identify(ctx context.Context, fp model.Fingerprint, req model.Request) (*model.AggregatedResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.identify")
	defer span.End()
	span.SetAttributes(
		attribute.String("plantid.fingerprint", fp.String()),
		attribute.Int("plantid.providers", len(o.clients)),
	)

	waitCtx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	// Buffered so abandoned tasks never block on send
	out := make(chan indexedResult, len(o.clients))
	results := make([]model.ProviderResult, len(o.clients))
	done := make([]bool, len(o.clients))
	pending := 0

	for i, client := range o.clients {
		err := o.pool.Submit(waitCtx, func() {
			// A task still queued when the request gives up never calls out
			if waitCtx.Err() != nil {
				out <- indexedResult{index: i, result: abandoned(client.Name(), errAbandoned)}
				return
			}
			out <- indexedResult{index: i, result: client.Identify(ctx, req)}
		})
		switch {
		case errors.Is(err, ErrPoolClosed):
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		case err != nil:
			results[i] = abandoned(client.Name(), err)
			done[i] = true
		default:
			pending++
		}
	}

collect:
	for pending > 0 {
		select {
		case r := <-out:
			results[r.index] = r.result
			done[r.index] = true
			pending--
		case <-waitCtx.Done():
			break collect
		}
	}

	for i, client := range o.clients {
		if !done[i] {
			results[i] = abandoned(client.Name(), errAbandoned)
			o.log.Warn().Str("provider", client.Name()).Dur("deadline", o.deadline).Msg("provider call abandoned")
		}
	}

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	succeeded := 0
	for _, r := range results {
		if r.Succeeded {
			succeeded++
		}
	}
	span.SetAttributes(attribute.Int("plantid.providers_succeeded", succeeded))

	if succeeded == 0 {
		err := &UnavailableError{Results: results}
		logging.Ctx(ctx, o.log).Warn().Err(err).Str("fingerprint", fp.String()).Msg("no provider produced a result")
		span.SetStatus(codes.Error, model.ErrAllProvidersUnavailable.Error())
		return nil, err
	}

	merged := o.aggregator.Merge(fp, results)
	logging.Ctx(ctx, o.log).Debug().
		Str("fingerprint", fp.String()).
		Strs("sources", merged.SourceProviders).
		Int("suggestions", len(merged.Suggestions)).
		Msg("identification merged")
	return merged, nil
}

func abandoned(provider string, cause error) model.ProviderResult {
	return model.ProviderResult{
		Provider: provider,
		Err:      &model.ProviderError{Provider: provider, Kind: model.KindTimeout, Err: cause},
	}
}
