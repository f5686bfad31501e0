package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnandSundar/go-plantid/aggregate"
	"github.com/AnandSundar/go-plantid/model"
)

// stubClient returns a fixed result after an optional delay
type stubClient struct {
	name   string
	result model.ProviderResult
	delay  time.Duration
	calls  atomic.Int32
	// finished is closed once a delayed call completes
	finished chan struct{}
}

func newStub(name string, result model.ProviderResult) *stubClient {
	result.Provider = name
	return &stubClient{name: name, result: result, finished: make(chan struct{})}
}

func (s *stubClient) Name() string { return s.name }

func (s *stubClient) Identify(_ context.Context, _ model.Request) model.ProviderResult {
	s.calls.Add(1)
	time.Sleep(s.delay)
	defer close(s.finished)
	return s.result
}

func ok(suggestions ...model.Suggestion) model.ProviderResult {
	return model.ProviderResult{Succeeded: true, Suggestions: suggestions}
}

func failed(kind model.ErrorKind) model.ProviderResult {
	return model.ProviderResult{Err: &model.ProviderError{Kind: kind}}
}

func newOrchestrator(t *testing.T, clients []Identifier, opts ...Option) *Orchestrator {
	pool := NewPool(4, 0)
	t.Cleanup(pool.Close)
	return New(pool, aggregate.New("plant_id", "plantnet"), clients, opts...)
}

func TestIdentify_BothSucceed(t *testing.T) {
	a := newStub("plant_id", ok(model.Suggestion{Name: "Monstera", ScientificName: "Monstera deliciosa", Confidence: 0.85}))
	b := newStub("plantnet", ok(model.Suggestion{Name: "Monstera", ScientificName: "Monstera deliciosa", Confidence: 0.92}))
	o := newOrchestrator(t, []Identifier{a, b})

	result, err := o.Identify(context.Background(), "abc123", model.Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"plant_id", "plantnet"}, result.SourceProviders)
	require.Len(t, result.Suggestions, 1)
	assert.InDelta(t, 0.92, result.Suggestions[0].Confidence, 1e-9)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestIdentify_OneProviderDown(t *testing.T) {
	a := newStub("plant_id", failed(model.KindCircuitOpen))
	b := newStub("plantnet", ok(model.Suggestion{Name: "Monstera", Confidence: 0.92}))
	o := newOrchestrator(t, []Identifier{a, b})

	result, err := o.Identify(context.Background(), "abc123", model.Request{})
	require.NoError(t, err)

	assert.Equal(t, []string{"plantnet"}, result.SourceProviders)
	require.Len(t, result.Suggestions, 1)
	assert.Equal(t, "Monstera", result.Suggestions[0].Name)
	assert.InDelta(t, 0.92, result.Suggestions[0].Confidence, 1e-9)
}

func TestIdentify_AllUnavailable(t *testing.T) {
	a := newStub("plant_id", failed(model.KindCircuitOpen))
	b := newStub("plantnet", failed(model.KindQuotaExceeded))
	o := newOrchestrator(t, []Identifier{a, b})

	result, err := o.Identify(context.Background(), "abc123", model.Request{})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, model.ErrAllProvidersUnavailable)
	assert.NotErrorIs(t, err, model.ErrQuotaExceeded, "only one provider was skipped for quota")

	var unavailable *UnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Len(t, unavailable.Results, 2)
}

func TestIdentify_AllQuotaExhausted(t *testing.T) {
	a := newStub("plant_id", failed(model.KindQuotaExceeded))
	b := newStub("plantnet", failed(model.KindQuotaExceeded))
	o := newOrchestrator(t, []Identifier{a, b})

	_, err := o.Identify(context.Background(), "abc123", model.Request{})
	assert.ErrorIs(t, err, model.ErrAllProvidersUnavailable)
	assert.ErrorIs(t, err, model.ErrQuotaExceeded)
}

func TestIdentify_SlowProviderAbandonedAtDeadline(t *testing.T) {
	slow := newStub("plant_id", ok(model.Suggestion{Name: "Fern", Confidence: 0.99}))
	slow.delay = 300 * time.Millisecond
	fast := newStub("plantnet", ok(model.Suggestion{Name: "Monstera", Confidence: 0.92}))
	o := newOrchestrator(t, []Identifier{slow, fast}, WithDeadline(50*time.Millisecond))

	start := time.Now()
	result, err := o.Identify(context.Background(), "abc123", model.Request{})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, []string{"plantnet"}, result.SourceProviders)

	// The abandoned call still runs to completion
	select {
	case <-slow.finished:
	case <-time.After(time.Second):
		t.Fatal("abandoned provider call never completed")
	}
}

func TestIdentify_QueuedCallSkippedAfterDeadline(t *testing.T) {
	slow := newStub("plant_id", ok(model.Suggestion{Name: "Fern", Confidence: 0.99}))
	slow.delay = 200 * time.Millisecond
	queued := newStub("plantnet", ok(model.Suggestion{Name: "Monstera", Confidence: 0.92}))

	// One worker: the second call waits in the queue behind the slow one
	pool := NewPool(1, 4)
	t.Cleanup(pool.Close)
	o := New(pool, aggregate.New("plant_id", "plantnet"), []Identifier{slow, queued}, WithDeadline(50*time.Millisecond))

	_, err := o.Identify(context.Background(), "abc123", model.Request{})
	require.ErrorIs(t, err, model.ErrAllProvidersUnavailable)

	select {
	case <-slow.finished:
	case <-time.After(time.Second):
		t.Fatal("slow provider call never completed")
	}
	assert.Never(t, func() bool { return queued.calls.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestIdentify_NoClients(t *testing.T) {
	o := newOrchestrator(t, nil)

	_, err := o.Identify(context.Background(), "abc123", model.Request{})
	assert.ErrorIs(t, err, model.ErrAllProvidersUnavailable)
}

func TestIdentify_ClosedPool(t *testing.T) {
	pool := NewPool(1, 0)
	pool.Close()
	o := New(pool, aggregate.New(), []Identifier{newStub("plant_id", ok())})

	_, err := o.Identify(context.Background(), "abc123", model.Request{})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestIdentify_CallerCancelled(t *testing.T) {
	slow := newStub("plant_id", ok())
	slow.delay = 200 * time.Millisecond
	o := newOrchestrator(t, []Identifier{slow})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := o.Identify(ctx, "abc123", model.Request{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestUnavailableError_Message(t *testing.T) {
	err := &UnavailableError{Results: []model.ProviderResult{
		{Provider: "plant_id", Err: &model.ProviderError{Provider: "plant_id", Kind: model.KindTimeout}},
	}}
	assert.Contains(t, err.Error(), "plant_id: timeout")
}
