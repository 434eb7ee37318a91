package integration

import (
	"testing"

	"divera/internal/divera"
	"divera/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScenario_StatusCatalogRoundTrip checks name and id lookups against a
// pulled catalog.
func TestScenario_StatusCatalogRoundTrip(t *testing.T) {
	e := setupTest(t)
	e.start(t)

	snap := e.coordinator.Snapshot()

	t.Log("GIVEN: A pulled status catalog")
	names, err := snap.AllStateNames()
	require.NoError(t, err)

	t.Log("THEN: Names follow the server's sort order, not id order")
	assert.Equal(t, []string{"Available", "On the way", "Not available"}, names)

	t.Log("THEN: Every name survives a round trip through its id")
	for _, name := range names {
		id, err := snap.StatusIDByName(name)
		require.NoError(t, err)
		back, err := snap.StatusNameByID(id)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	}

	t.Log("THEN: Unknown names and ids are lookup failures")
	_, err = snap.StatusIDByName("On holiday")
	assert.ErrorIs(t, err, divera.ErrLookup)
	_, err = snap.StatusNameByID(99)
	assert.ErrorIs(t, err, divera.ErrLookup)
}

// TestScenario_LastAlarm checks the sentinel and that the first sorted
// alarm wins.
func TestScenario_LastAlarm(t *testing.T) {
	e := setupTest(t)
	e.start(t)

	t.Log("GIVEN: No alarms")
	title, err := e.coordinator.Snapshot().LastAlarm()
	require.NoError(t, err)
	assert.Equal(t, divera.StateUnknown, title)

	t.Log("WHEN: Two alarms arrive")
	e.divera.AddAlarm(testUCR, testutil.Alarm{ID: 1, Title: "Brand 1", Date: 1700000000})
	e.divera.AddAlarm(testUCR, testutil.Alarm{ID: 2, Title: "THL 2", Date: 1700000600})
	e.clock.Advance(pollInterval)

	t.Log("THEN: The alarm listed first is reported")
	title, err = e.coordinator.Snapshot().LastAlarm()
	require.NoError(t, err)
	assert.Equal(t, "THL 2", title)
}

// TestScenario_AnsweredState covers the response bucket rules.
func TestScenario_AnsweredState(t *testing.T) {
	tests := []struct {
		name          string
		answered      []testutil.Answer
		wantAnswered  string
		wantAmbiguous bool
	}{
		{
			name:         "no buckets",
			wantAnswered: divera.NotAnswered,
		},
		{
			name:         "other members only",
			answered:     []testutil.Answer{{StatusID: 1, UCRIDs: []int{200, 300}}},
			wantAnswered: divera.NotAnswered,
		},
		{
			name: "one bucket",
			answered: []testutil.Answer{
				{StatusID: 2, UCRIDs: []int{200}},
				{StatusID: 4, UCRIDs: []int{testUCR}},
			},
			wantAnswered: "On the way",
		},
		{
			name: "two buckets",
			answered: []testutil.Answer{
				{StatusID: 1, UCRIDs: []int{testUCR}},
				{StatusID: 2, UCRIDs: []int{testUCR}},
			},
			wantAmbiguous: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setupTest(t)
			e.divera.AddAlarm(testUCR, testutil.Alarm{ID: 9, Title: "Brand 3", Date: 1700000000, Answered: tt.answered})
			e.start(t)

			info, err := e.coordinator.Snapshot().LastAlarmInfo()
			require.NoError(t, err)
			require.NotNil(t, info)

			assert.Equal(t, tt.wantAmbiguous, info.AnsweredAmbiguous)
			if tt.wantAmbiguous {
				assert.Contains(t, []string{"Available", "Not available"}, info.Answered)
				return
			}
			assert.Equal(t, tt.wantAnswered, info.Answered)
		})
	}
}

// TestScenario_SequentialPullsReplaceState checks that each pull replaces
// the previous snapshot entirely.
func TestScenario_SequentialPullsReplaceState(t *testing.T) {
	e := setupTest(t)
	e.start(t)

	state, err := e.coordinator.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", state)

	t.Log("WHEN: The status changes on the server between two pulls")
	e.divera.SetStatus(testUCR, 2)
	e.clock.Advance(pollInterval)

	t.Log("THEN: Only the latest value is reported")
	state, err = e.coordinator.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Not available", state)

	e.divera.SetStatus(testUCR, 4)
	e.clock.Advance(pollInterval)
	state, err = e.coordinator.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "On the way", state)
}
