package integration

import (
	"context"
	"testing"
	"time"

	"divera/internal/divera"
	"divera/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	selectEntity  = "input_select.divera_100_user_status"
	alarmEntity   = "input_text.divera_100_alarm"
	vehicleEntity = "input_text.divera_100_vehicle_7"
)

// TestScenario_PushThenPullSelectsOption pushes a status, pulls, and
// checks the select in Home Assistant.
func TestScenario_PushThenPullSelectsOption(t *testing.T) {
	e := setupTest(t)
	e.divera.SetStatus(testUCR, 2)
	e.start(t)
	e.startHass(t, false)

	t.Log("GIVEN: The select mirrors the current status")
	assert.Equal(t, "Not available", stateOf(e.ha, selectEntity))
	assert.Equal(t, []string{"Available", "On the way", "Not available"}, e.ha.Options(selectEntity))
	assert.Equal(t, 1, e.ha.CountServiceCalls("input_select", "set_options", selectEntity))
	assert.Equal(t, []string{"Not available"}, testutil.Selections(e.ha.GetServiceCalls(), selectEntity))

	t.Log("WHEN: Pushing the id of \"Available\"")
	id, err := e.coordinator.Snapshot().StatusIDByName("Available")
	require.NoError(t, err)
	require.NoError(t, e.coordinator.SetStatusByID(context.Background(), id))

	t.Log("THEN: Divera holds the new status and the select shows it")
	assert.Equal(t, id, e.divera.StatusOf(testUCR))
	assert.Eventually(t, func() bool {
		return stateOf(e.ha, selectEntity) == "Available"
	}, 2*time.Second, 10*time.Millisecond)

	// the catalog did not change, so the options are not rewritten
	assert.Equal(t, 1, e.ha.CountServiceCalls("input_select", "set_options", selectEntity))
	assert.Equal(t, []string{"Not available", "Available"}, testutil.Selections(e.ha.GetServiceCalls(), selectEntity))
}

// TestScenario_SelectionInHomeAssistant checks that a user picking an
// option in Home Assistant changes the status in Divera.
func TestScenario_SelectionInHomeAssistant(t *testing.T) {
	e := setupTest(t)
	e.start(t)
	e.startHass(t, false)
	require.Equal(t, "Available", stateOf(e.ha, selectEntity))

	// publishing the select must not have pushed anything
	assert.Empty(t, e.divera.RequestsTo(divera.StatusPath))

	t.Log("WHEN: The user picks \"On the way\"")
	e.ha.SetState(selectEntity, "On the way", nil)

	t.Log("THEN: The status is pushed to Divera")
	assert.Eventually(t, func() bool {
		return e.divera.StatusOf(testUCR) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, e.divera.RequestsTo(divera.StatusPath), 1)

	state, err := e.coordinator.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "On the way", state)
}

// TestScenario_SelectionReadOnly checks that read-only mode never pushes.
func TestScenario_SelectionReadOnly(t *testing.T) {
	e := setupTest(t)
	e.start(t)
	m := e.startHass(t, true)

	e.ha.SetState(selectEntity, "Not available", nil)
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	assert.Empty(t, e.divera.RequestsTo(divera.StatusPath))
	assert.Equal(t, 1, e.divera.StatusOf(testUCR))
}

// TestScenario_TextHelpers checks alarm and vehicle helpers.
func TestScenario_TextHelpers(t *testing.T) {
	e := setupTest(t)
	e.start(t)
	m := e.startHass(t, false)

	assert.Equal(t, divera.StateUnknown, stateOf(e.ha, alarmEntity))
	assert.Equal(t, "2", stateOf(e.ha, vehicleEntity))
	assert.Equal(t, []string{divera.StateUnknown}, testutil.TextValues(e.ha.GetServiceCalls(), alarmEntity))

	e.ha.ClearServiceCalls()

	t.Log("WHEN: A poll brings nothing new")
	e.clock.Advance(pollInterval)
	require.Eventually(t, m.Idle, 2*time.Second, 10*time.Millisecond)

	t.Log("THEN: Nothing is written to Home Assistant")
	assert.Empty(t, e.ha.GetServiceCalls())

	t.Log("WHEN: A new alarm arrives")
	e.divera.AddAlarm(testUCR, testutil.Alarm{ID: 3, Title: "Brand 3", Date: 1700000000})
	e.clock.Advance(pollInterval)

	t.Log("THEN: Only the alarm helper is written")
	assert.Eventually(t, func() bool {
		return len(testutil.TextValues(e.ha.GetServiceCalls(), alarmEntity)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Brand 3"}, testutil.TextValues(e.ha.GetServiceCalls(), alarmEntity))
	assert.Empty(t, testutil.TextValues(e.ha.GetServiceCalls(), vehicleEntity))
	assert.Empty(t, testutil.Selections(e.ha.GetServiceCalls(), selectEntity))
}
