// Package integration runs the bridge against a fake Divera server and a
// mock Home Assistant WebSocket server.
package integration

import (
	"context"
	"testing"
	"time"

	"divera/internal/clock"
	"divera/internal/coordinator"
	"divera/internal/divera"
	"divera/internal/ha"
	"divera/internal/plugins/hass"
	"divera/pkg/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAccessKey = "divera_test_key"
	testToken     = "test_token_12345"
	testUCR       = 100

	pollInterval = 30 * time.Second
)

var testStatuses = []testutil.Status{
	{ID: 1, Name: "Available"},
	{ID: 4, Name: "On the way"},
	{ID: 2, Name: "Not available"},
}

type env struct {
	divera      *testutil.FakeDivera
	ha          *testutil.MockHAServer
	clock       *clock.MockClock
	coordinator *coordinator.Coordinator
	logger      *zap.Logger
}

func newFakeDivera(t *testing.T) *testutil.FakeDivera {
	t.Helper()
	fake := testutil.NewFakeDivera(testAccessKey)
	t.Cleanup(fake.Close)
	fake.AddCluster(testutil.Cluster{
		UCRID:         testUCR,
		ClusterID:     10,
		Name:          "FF Musterstadt",
		VersionID:     3,
		Statuses:      testStatuses,
		StatusID:      1,
		StatusSetDate: 1700000000,
		Groups:        []testutil.Group{{ID: 5, Name: "Zug 1"}},
		Vehicles:      []testutil.Vehicle{{ID: 7, Name: "HLF 20", FMSStatusID: 2}},
	})
	return fake
}

// setupTest starts a coordinator on a fake Divera server without starting
// it, so scenarios can control the first pull.
func setupTest(t *testing.T) *env {
	t.Helper()

	logger, _ := zap.NewDevelopment()
	fake := newFakeDivera(t)
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC))
	transport := divera.NewTransport(fake.URL(), 5*time.Second, logger)

	c, err := coordinator.New(transport.Client(testAccessKey, testUCR), coordinator.Options{
		UCRID:    testUCR,
		Interval: pollInterval,
		BaseURL:  fake.URL(),
	}, clk, logger)
	require.NoError(t, err)
	t.Cleanup(c.Stop)

	return &env{divera: fake, clock: clk, coordinator: c, logger: logger}
}

// startHass connects the Home Assistant publisher over a real websocket.
func (e *env) startHass(t *testing.T, readOnly bool) *hass.Manager {
	t.Helper()

	e.ha = testutil.NewMockHAServer(testToken)
	t.Cleanup(e.ha.Close)

	client := ha.NewClient(e.ha.URL(), testToken, e.logger)
	m := hass.NewManager(client, []*coordinator.Coordinator{e.coordinator}, "", e.logger, readOnly)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func (e *env) start(t *testing.T) {
	t.Helper()
	require.NoError(t, e.coordinator.Start(context.Background()))
}

func stateOf(s *testutil.MockHAServer, entityID string) string {
	st := s.GetState(entityID)
	if st == nil {
		return ""
	}
	return st.State
}
