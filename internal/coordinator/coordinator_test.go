package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"divera/internal/clock"
	"divera/internal/divera"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// pullDoc builds a minimal pull document with the given current status.
func pullDoc(statusID int) string {
	return fmt.Sprintf(`{"success": true, "data": {
	  "user": {"firstname": "Max", "lastname": "Mustermann"},
	  "status": {"status_id": %d, "status_set_date": 1700000000},
	  "cluster": {"name": "FF Musterstadt", "version_id": 2,
	    "status": {"1": {"id": 1, "name": "Available"}, "2": {"id": 2, "name": "Not available"}},
	    "statussorting": [1, 2]},
	  "alarm": {"sorting": [], "items": []},
	  "ucr": {"100": {"id": 100, "name": "FF Musterstadt", "cluster_id": 7}},
	  "ucr_default": 100, "ucr_active": 100}}`, statusID)
}

func snapshotOf(t *testing.T, doc string, at time.Time) *divera.Snapshot {
	t.Helper()
	var resp divera.PullResponse
	require.NoError(t, json.Unmarshal([]byte(doc), &resp))
	return divera.NewSnapshot(&resp, at)
}

// fakePuller serves queued results and records status pushes.
type fakePuller struct {
	t        *testing.T
	mu       sync.Mutex
	statusID int
	errs     []error
	pulls    int
	pushes   []int
	pushErr  error
}

func newFakePuller(t *testing.T, statusID int) *fakePuller {
	return &fakePuller{t: t, statusID: statusID}
}

func (f *fakePuller) Pull(ctx context.Context) (*divera.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return snapshotOf(f.t, pullDoc(f.statusID), testStart), nil
}

func (f *fakePuller) SetStatus(ctx context.Context, statusID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, statusID)
	f.statusID = statusID
	return nil
}

func (f *fakePuller) failNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

func (f *fakePuller) setStatus(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusID = id
}

func (f *fakePuller) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func newTestCoordinator(t *testing.T, p Puller) (*Coordinator, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(testStart)
	c, err := New(p, Options{UCRID: 100, Interval: 30 * time.Second}, clk, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, clk
}

func TestNew_Interval(t *testing.T) {
	p := newFakePuller(t, 1)

	c, err := New(p, Options{}, nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, c.Interval())
	assert.Equal(t, StateIdle, c.State())

	_, err = New(p, Options{Interval: 5 * time.Second}, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = New(p, Options{Interval: 301 * time.Second}, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidInterval)

	_, err = New(p, Options{Interval: MaxInterval}, nil, zap.NewNop())
	assert.NoError(t, err)
}

func TestCoordinator_StartPullsSynchronously(t *testing.T) {
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)

	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, 1, p.pullCount())
	assert.Equal(t, StateReady, c.State())
	assert.True(t, c.Available())
	assert.Equal(t, 1, clk.Pending(), "next poll should be scheduled")

	state, err := c.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", state)
}

func TestCoordinator_StartFailureIsFatal(t *testing.T) {
	p := newFakePuller(t, 1)
	p.failNext(fmt.Errorf("%w: boom", divera.ErrConnection))
	c, clk := newTestCoordinator(t, p)

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, divera.ErrConnection)
	assert.Equal(t, StateFailed, c.State())
	assert.Nil(t, c.Snapshot())
	assert.Equal(t, 0, clk.Pending(), "nothing should be scheduled after a failed start")
}

func TestCoordinator_PollsOnInterval(t *testing.T) {
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))

	var updates []Update
	c.Subscribe(func(u Update) { updates = append(updates, u) })

	clk.Advance(29 * time.Second)
	assert.Equal(t, 1, p.pullCount())

	clk.Advance(1 * time.Second)
	assert.Equal(t, 2, p.pullCount())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 3, p.pullCount())

	require.Len(t, updates, 2)
	assert.True(t, updates[1].Available)
	assert.Equal(t, 100, updates[1].UCRID)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Polls)
	assert.Equal(t, uint64(0), stats.Failures)
}

func TestCoordinator_SequentialPullsReplaceSnapshot(t *testing.T) {
	t.Log("Given a coordinator whose first pull reports 'Available'")
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))
	first := c.Snapshot()

	t.Log("When the next pull reports 'Not available'")
	p.setStatus(2)
	clk.Advance(30 * time.Second)

	t.Log("Then only the latest value is visible")
	state, err := c.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Not available", state)
	assert.NotSame(t, first, c.Snapshot())

	old, err := first.UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", old, "earlier snapshots are never mutated")
}

func TestCoordinator_ConnectionErrorKeepsSnapshot(t *testing.T) {
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))
	before := c.Snapshot()

	var updates []Update
	c.Subscribe(func(u Update) { updates = append(updates, u) })

	p.failNext(divera.ErrConnection, divera.ErrConnection)
	clk.Advance(30 * time.Second)

	assert.Equal(t, StateFailed, c.State())
	assert.False(t, c.Available())
	assert.False(t, c.AuthFailed())
	assert.Same(t, before, c.Snapshot())
	require.Len(t, updates, 1, "unavailability is announced once")
	assert.False(t, updates[0].Available)
	assert.Same(t, before, updates[0].Snapshot)

	clk.Advance(30 * time.Second)
	assert.Len(t, updates, 1, "second failure in a row is silent")

	t.Log("Recovery on the next tick")
	clk.Advance(30 * time.Second)
	assert.True(t, c.Available())
	assert.Equal(t, StateReady, c.State())
	require.Len(t, updates, 2)
	assert.True(t, updates[1].Available)
	assert.Equal(t, uint64(2), c.Stats().Failures)
}

func TestCoordinator_AuthErrorStopsPolling(t *testing.T) {
	t.Log("Given a running coordinator")
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))
	before := c.Snapshot()

	var authCalls []int
	c.OnAuthFailure(func(ucrID int, err error) {
		assert.ErrorIs(t, err, divera.ErrAuth)
		authCalls = append(authCalls, ucrID)
	})

	t.Log("When Divera answers 401")
	p.failNext(fmt.Errorf("%w: HTTP 401", divera.ErrAuth))
	clk.Advance(30 * time.Second)

	t.Log("Then the coordinator fails with an auth error and keeps its snapshot")
	assert.Equal(t, StateFailed, c.State())
	assert.True(t, c.AuthFailed())
	assert.ErrorIs(t, c.LastError(), divera.ErrAuth)
	assert.Same(t, before, c.Snapshot())
	assert.Equal(t, []int{100}, authCalls)

	t.Log("And no further polls are made")
	assert.Equal(t, 0, clk.Pending())
	clk.Advance(5 * time.Minute)
	assert.Equal(t, 2, p.pullCount())

	err := c.SetStatusByName(context.Background(), "Available")
	assert.ErrorIs(t, err, divera.ErrAuth)
}

func TestCoordinator_AuthErrorOnFirstPull(t *testing.T) {
	p := newFakePuller(t, 1)
	p.failNext(divera.ErrAuth)
	c, _ := newTestCoordinator(t, p)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, divera.ErrAuth)
	assert.True(t, c.AuthFailed())
	assert.Nil(t, c.Snapshot())
}

func TestCoordinator_SetStatusByName(t *testing.T) {
	t.Log("Given a coordinator reporting 'Not available'")
	p := newFakePuller(t, 2)
	c, _ := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))

	t.Log("When the user selects 'Available'")
	err := c.SetStatusByName(context.Background(), "Available")
	require.NoError(t, err)

	t.Log("Then the id is pushed and the snapshot refreshed")
	assert.Equal(t, []int{1}, p.pushes)
	assert.Equal(t, 2, p.pullCount())
	state, err := c.Snapshot().UserState()
	require.NoError(t, err)
	assert.Equal(t, "Available", state)

	err = c.SetStatusByName(context.Background(), "Vacation")
	assert.ErrorIs(t, err, divera.ErrLookup)
}

func TestCoordinator_SetStatusAuthFailure(t *testing.T) {
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))

	var notified []Update
	c.Subscribe(func(u Update) { notified = append(notified, u) })

	p.pushErr = divera.ErrAuth
	err := c.SetStatusByID(context.Background(), 2)
	assert.ErrorIs(t, err, divera.ErrAuth)
	assert.True(t, c.AuthFailed())
	assert.False(t, c.Available())
	assert.Equal(t, 0, clk.Pending())
	require.Len(t, notified, 1)
	assert.False(t, notified[0].Available)
}

func TestCoordinator_Unsubscribe(t *testing.T) {
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))

	calls := 0
	sub := c.Subscribe(func(Update) { calls++ })
	clk.Advance(30 * time.Second)
	sub.Unsubscribe()
	clk.Advance(30 * time.Second)

	assert.Equal(t, 1, calls)
}

func TestCoordinator_Stop(t *testing.T) {
	p := newFakePuller(t, 1)
	c, clk := newTestCoordinator(t, p)
	require.NoError(t, c.Start(context.Background()))

	c.Stop()
	clk.Advance(time.Minute)
	assert.Equal(t, 1, p.pullCount())
}

// blockingPuller holds every pull until released and tracks concurrency.
type blockingPuller struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	release  chan struct{}
	snapshot *divera.Snapshot
}

func (b *blockingPuller) Pull(ctx context.Context) (*divera.Snapshot, error) {
	b.mu.Lock()
	b.inFlight++
	if b.inFlight > b.maxSeen {
		b.maxSeen = b.inFlight
	}
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.inFlight--
	b.mu.Unlock()
	return b.snapshot, nil
}

func (b *blockingPuller) SetStatus(ctx context.Context, statusID int) error { return nil }

func TestCoordinator_OnePullInFlight(t *testing.T) {
	b := &blockingPuller{
		release:  make(chan struct{}),
		snapshot: snapshotOf(t, pullDoc(1), testStart),
	}
	c, err := New(b, Options{UCRID: 100}, clock.NewMockClock(testStart), zap.NewNop())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Refresh(context.Background())
		}()
	}
	for i := 0; i < 5; i++ {
		b.release <- struct{}{}
	}
	wg.Wait()

	assert.Equal(t, 1, b.maxSeen)
	assert.Equal(t, uint64(5), c.Stats().Polls)
}

func TestCoordinator_UpdatesDeliveredInPullOrder(t *testing.T) {
	f := newFakePuller(t, 1)
	c, err := New(f, Options{UCRID: 100}, clock.NewMockClock(testStart), zap.NewNop())
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []string
	c.Subscribe(func(u Update) {
		name, _ := u.Snapshot.UserState()
		mu.Lock()
		seen = append(seen, name)
		first := len(seen) == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
	})

	first := make(chan error, 1)
	go func() { first <- c.Refresh(context.Background()) }()
	<-entered

	// a second pull stores a newer snapshot while the first is still delivering
	f.mu.Lock()
	f.statusID = 2
	f.mu.Unlock()
	second := make(chan error, 1)
	go func() { second <- c.Refresh(context.Background()) }()
	require.Eventually(t, func() bool {
		name, err := c.Snapshot().UserState()
		return err == nil && name == "Not available"
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, "Not available", seen[len(seen)-1], "last delivered update must match the stored snapshot")
	assert.Equal(t, []string{"Available", "Not available"}, seen)
}

func TestCoordinator_SupersededUpdateDropped(t *testing.T) {
	f := newFakePuller(t, 1)
	c, err := New(f, Options{UCRID: 100}, clock.NewMockClock(testStart), zap.NewNop())
	require.NoError(t, err)

	var seen []int
	c.Subscribe(func(u Update) {
		id, _ := u.Snapshot.UserStatusID()
		seen = append(seen, id)
	})

	old := Update{UCRID: 100, Snapshot: snapshotOf(t, pullDoc(1), testStart), Available: true}
	newer := Update{UCRID: 100, Snapshot: snapshotOf(t, pullDoc(2), testStart), Available: true}
	c.deliver(newer, 2)
	c.deliver(old, 1)

	assert.Equal(t, []int{2}, seen)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
}
