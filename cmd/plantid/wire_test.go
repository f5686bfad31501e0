package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnandSundar/go-plantid/breaker"
)

func TestNewApp_MemoryDefaults(t *testing.T) {
	t.Setenv("PLANTID_CONFIG", "")

	a, err := newApp("")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"plant_id", "plantnet"}, a.providers)
	assert.Len(t, a.tracker.Windows("plant_id"), 2)

	snap, err := a.breaker.State(context.Background(), "plantnet")
	require.NoError(t, err)
	assert.Equal(t, breaker.StatusClosed, snap.Status)
}

func TestNewApp_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("PLANTID_CONFIG", "")
	t.Setenv("PLANTID_STORE__BACKEND", "redis")
	t.Setenv("PLANTID_STORE__REDIS__ADDR", mr.Addr())
	t.Setenv("PLANTID_PROVIDERS__PLANT_ID__ENABLED", "false")

	a, err := newApp("")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []string{"plantnet"}, a.providers)

	statuses, err := a.tracker.Status(context.Background(), "plantnet")
	require.NoError(t, err)
	assert.Len(t, statuses, 2)
}
