package integration

import (
	"context"
	"net/http"
	"testing"

	"divera/internal/coordinator"
	"divera/internal/divera"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_AuthFailureKeepsSnapshot checks that a rejected key fails
// the coordinator without replacing the last good data.
func TestScenario_AuthFailureKeepsSnapshot(t *testing.T) {
	e := setupTest(t)
	e.start(t)
	before := e.coordinator.Snapshot()
	require.NotNil(t, before)

	var authErrors []error
	e.coordinator.OnAuthFailure(func(ucrID int, err error) {
		authErrors = append(authErrors, err)
	})

	t.Log("WHEN: Divera answers the next pull with HTTP 401")
	e.divera.FailNext(http.StatusUnauthorized, 1)
	e.divera.SetStatus(testUCR, 2)
	e.clock.Advance(pollInterval)

	t.Log("THEN: The coordinator fails with an auth error")
	assert.Equal(t, coordinator.StateFailed, e.coordinator.State())
	assert.True(t, e.coordinator.AuthFailed())
	assert.False(t, e.coordinator.Available())
	assert.ErrorIs(t, e.coordinator.LastError(), divera.ErrAuth)
	require.Len(t, authErrors, 1)

	t.Log("THEN: The previous snapshot is retained")
	assert.Same(t, before, e.coordinator.Snapshot())

	t.Log("THEN: Polling has stopped")
	pulls := len(e.divera.RequestsTo(divera.PullPath))
	e.clock.Advance(pollInterval)
	assert.Len(t, e.divera.RequestsTo(divera.PullPath), pulls)
}

// TestScenario_AuthFailureOnFirstPull checks that no snapshot exists after
// a rejected first pull.
func TestScenario_AuthFailureOnFirstPull(t *testing.T) {
	e := setupTest(t)
	e.divera.FailNext(http.StatusUnauthorized, 1)

	err := e.coordinator.Start(context.Background())
	require.ErrorIs(t, err, divera.ErrAuth)
	assert.Nil(t, e.coordinator.Snapshot())

	_, err = e.coordinator.Snapshot().UserState()
	assert.ErrorIs(t, err, divera.ErrNoData)
}

// TestScenario_TransientFailureRecovers checks that a server error is
// retried on the next tick.
func TestScenario_TransientFailureRecovers(t *testing.T) {
	e := setupTest(t)
	e.start(t)

	e.divera.FailNext(http.StatusBadGateway, 1)
	e.clock.Advance(pollInterval)
	assert.Equal(t, coordinator.StateFailed, e.coordinator.State())
	assert.ErrorIs(t, e.coordinator.LastError(), divera.ErrConnection)
	assert.False(t, e.coordinator.AuthFailed())

	e.clock.Advance(pollInterval)
	assert.Equal(t, coordinator.StateReady, e.coordinator.State())
	assert.True(t, e.coordinator.Available())
	assert.NoError(t, e.coordinator.LastError())
}
