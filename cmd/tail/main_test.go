package main

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/eventstore-tail/config"
	"github.com/AntonStoeckl/eventstore-tail/eventstore/memengine"
	"github.com/AntonStoeckl/eventstore-tail/harness"
	"github.com/AntonStoeckl/eventstore-tail/testutil/helper"
)

func Test_resolveDSNs_When_NoDSNIsConfigured(t *testing.T) {
	t.Setenv(config.EnvPostgresDSN, "")

	_, _, _, err := resolveDSNs(context.Background(), Config{})

	assert.ErrorContains(t, err, config.EnvPostgresDSN)
}

func Test_resolveDSNs_When_PrimaryAndReplicaAreConfigured(t *testing.T) {
	t.Setenv(config.EnvPostgresDSN, "postgres://tail@primary/eventstore")
	t.Setenv(config.EnvPostgresReplicaDSN, "postgres://tail@replica/eventstore")

	dsn, replicaDSN, closeContainer, err := resolveDSNs(context.Background(), Config{})

	require.NoError(t, err)
	assert.Equal(t, "postgres://tail@primary/eventstore", dsn)
	assert.Equal(t, "postgres://tail@replica/eventstore", replicaDSN)
	assert.NoError(t, closeContainer(context.Background()))
}

func Test_newBackend_When_MemoryIsSelected(t *testing.T) {
	backend, closeBackend, err := newBackend(context.Background(), Config{Backend: backendMemory}, ObservabilityConfig{
		Logger: slog.New(helper.NewLogHandlerSpy(false)),
	})

	require.NoError(t, err)
	assert.IsType(t, &memengine.EventStore{}, backend)
	assert.NoError(t, closeBackend(context.Background()))
}

func Test_newBackend_When_FailureRateIsInvalid(t *testing.T) {
	_, _, err := newBackend(context.Background(), Config{Backend: backendMemory, MemoryFailureRate: 2}, ObservabilityConfig{})

	assert.ErrorIs(t, err, memengine.ErrInvalidFailureRate)
}

func Test_harnessOptions_DriveTheConfiguredHarness(t *testing.T) {
	// setup
	backend := helper.NewBackendFake()
	cfg := Config{
		Producers:      3,
		Consumers:      2,
		Mode:           harness.Singular,
		SingularPolicy: harness.SingularOnePerCall,
		MinDelay:       time.Millisecond,
		MaxDelay:       2 * time.Millisecond,
	}

	// act
	h, err := harness.New(backend, harnessOptions(cfg, ObservabilityConfig{})...)

	// assert
	require.NoError(t, err)
	assert.Len(t, h.Producers(), 3)
	assert.Len(t, h.Consumers(), 2)
	assert.NoError(t, h.Stop(context.Background()))
}
