package coordinator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"divera/internal/clock"
	"divera/internal/divera"
	"divera/pkg/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newFakeAccount(t *testing.T) *testutil.FakeDivera {
	t.Helper()
	fake := testutil.NewFakeDivera("key")
	t.Cleanup(fake.Close)

	statuses := []testutil.Status{{ID: 1, Name: "Available"}, {ID: 2, Name: "Not available"}}
	fake.AddCluster(testutil.Cluster{UCRID: 100, ClusterID: 10, Name: "FF Musterstadt", VersionID: 3, Statuses: statuses, StatusID: 1})
	fake.AddCluster(testutil.Cluster{UCRID: 200, ClusterID: 20, Name: "FF Nachbarort", VersionID: 1, Statuses: statuses, StatusID: 2})
	fake.AddCluster(testutil.Cluster{UCRID: 300, ClusterID: 30, Name: "Werkfeuerwehr", VersionID: 2, Statuses: statuses, StatusID: 1})
	return fake
}

func TestResolveMemberships(t *testing.T) {
	fake := newFakeAccount(t)
	transport := divera.NewTransport(fake.URL(), time.Second, zap.NewNop())

	snapshot, err := Discover(context.Background(), transport, "key")
	require.NoError(t, err)

	t.Run("default membership when nothing is configured", func(t *testing.T) {
		got, err := ResolveMemberships(snapshot, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, []Membership{{UCRID: 100, ClusterName: "FF Musterstadt", ClusterID: 10}}, got)
	})

	t.Run("by cluster name", func(t *testing.T) {
		got, err := ResolveMemberships(snapshot, []string{"FF Nachbarort"}, nil)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 200, got[0].UCRID)
	})

	t.Run("names and ids combined without duplicates", func(t *testing.T) {
		got, err := ResolveMemberships(snapshot, []string{"Werkfeuerwehr"}, []int{300, 100})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 100, got[0].UCRID)
		assert.Equal(t, 300, got[1].UCRID)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := ResolveMemberships(snapshot, []string{"Nowhere"}, nil)
		assert.ErrorIs(t, err, ErrUnknownMembership)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := ResolveMemberships(snapshot, nil, []int{999})
		assert.ErrorIs(t, err, ErrUnknownMembership)
	})
}

func TestDiscover_AuthFailure(t *testing.T) {
	fake := newFakeAccount(t)
	transport := divera.NewTransport(fake.URL(), time.Second, zap.NewNop())

	_, err := Discover(context.Background(), transport, "wrong")
	assert.ErrorIs(t, err, divera.ErrAuth)
}

func TestGroup_StartsMembershipsIndependently(t *testing.T) {
	t.Log("Given three memberships, one of which Divera refuses")
	fake := newFakeAccount(t)
	transport := divera.NewTransport(fake.URL(), time.Second, zap.NewNop())
	clk := clock.NewMockClock(testStart)

	memberships := []Membership{{UCRID: 100}, {UCRID: 200}, {UCRID: 404}}
	group, err := NewGroup(transport, "key", memberships, 0, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(group.Stop)

	t.Log("When the group starts")
	err = group.Start(context.Background())

	t.Log("Then the failing membership is reported and the others run")
	require.Error(t, err)
	assert.ErrorIs(t, err, divera.ErrConnection)

	coords := group.Coordinators()
	require.Len(t, coords, 2)
	assert.Equal(t, 100, coords[0].UCRID())
	assert.Equal(t, 200, coords[1].UCRID())

	c, ok := group.Get(200)
	require.True(t, ok)
	state, err := c.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Not available", state)

	_, ok = group.Get(404)
	assert.False(t, ok)
}

func TestGroup_PushThenPull(t *testing.T) {
	t.Log("Given a running membership reporting 'Not available'")
	fake := newFakeAccount(t)
	transport := divera.NewTransport(fake.URL(), time.Second, zap.NewNop())
	group, err := NewGroup(transport, "key", []Membership{{UCRID: 200}}, 0, clock.NewMockClock(testStart), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, group.Start(context.Background()))
	t.Cleanup(group.Stop)

	c, ok := group.Get(200)
	require.True(t, ok)

	t.Log("When 'Available' is pushed")
	require.NoError(t, c.SetStatusByName(context.Background(), "Available"))

	t.Log("Then Divera and the refreshed snapshot agree")
	assert.Equal(t, 1, fake.StatusOf(200))
	state, err := c.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", state)

	pushes := fake.RequestsTo(divera.StatusPath)
	require.Len(t, pushes, 1)
	assert.Equal(t, "200", pushes[0].Query.Get("ucr"))
	assert.Equal(t, http.MethodPost, pushes[0].Method)
}
