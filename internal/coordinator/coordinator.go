// Package coordinator polls Divera for one membership on a fixed interval,
// keeps the latest snapshot and tells listeners about every change.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"divera/internal/clock"
	"divera/internal/divera"

	"go.uber.org/zap"
)

// Polling interval bounds.
const (
	DefaultInterval = 60 * time.Second
	MinInterval     = 10 * time.Second
	MaxInterval     = 300 * time.Second
)

// ErrInvalidInterval is returned by New for an interval outside
// [MinInterval, MaxInterval].
var ErrInvalidInterval = errors.New("coordinator: polling interval out of range")

// State is the lifecycle state of a coordinator.
type State int

const (
	StateIdle State = iota
	StatePolling
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Puller is the part of divera.Client the coordinator uses.
type Puller interface {
	Pull(ctx context.Context) (*divera.Snapshot, error)
	SetStatus(ctx context.Context, statusID int) error
}

// Update is delivered to listeners after every successful poll and once
// when the coordinator becomes unavailable.
type Update struct {
	UCRID     int
	Snapshot  *divera.Snapshot
	Available bool
	Err       error
}

// Listener receives coordinator updates in pull order. It runs on the
// polling goroutine, must not block for long and must not call Refresh.
type Listener func(Update)

// AuthHandler is called once when Divera rejects the access key.
type AuthHandler func(ucrID int, err error)

// Subscription represents a registered listener
type Subscription interface {
	Unsubscribe()
}

// Stats are counters read by the metrics endpoint.
type Stats struct {
	Polls        uint64
	Failures     uint64
	LastDuration time.Duration
	LastSuccess  time.Time
	LastFailure  time.Time
}

// Options configure a coordinator.
type Options struct {
	// UCRID is the membership polled; 0 means the account default.
	UCRID int

	// Interval between polls; 0 selects DefaultInterval.
	Interval time.Duration

	// BaseURL of the Divera server, reported as configuration URL.
	BaseURL string
}

// Coordinator owns the polling loop of one membership.
type Coordinator struct {
	ucrID    int
	baseURL  string
	interval time.Duration
	client   Puller
	clock    clock.Clock
	logger   *zap.Logger

	// pullMu keeps at most one pull in flight
	pullMu   sync.Mutex
	pullSeq  uint64
	snapshot atomic.Pointer[divera.Snapshot]

	// notifyMu orders deliveries; updates older than notifiedSeq are dropped
	notifyMu    sync.Mutex
	notifiedSeq uint64

	mu           sync.RWMutex
	state        State
	lastErr      error
	available    bool
	authFailed   bool
	running      bool
	timer        clock.Timer
	cancel       context.CancelFunc
	pollCtx      context.Context
	nextID       int
	listeners    []listenerEntry
	authHandlers []AuthHandler
	stats        Stats
}

type listenerEntry struct {
	id int
	fn Listener
}

type subscription struct {
	c  *Coordinator
	id int
}

func (s *subscription) Unsubscribe() {
	s.c.removeListener(s.id)
}

// New creates a coordinator for client. It does not poll until Start.
func New(client Puller, opts Options, clk clock.Clock, logger *zap.Logger) (*Coordinator, error) {
	interval := opts.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval || interval > MaxInterval {
		return nil, fmt.Errorf("%w: %s (allowed %s-%s)", ErrInvalidInterval, interval, MinInterval, MaxInterval)
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}

	return &Coordinator{
		ucrID:    opts.UCRID,
		baseURL:  opts.BaseURL,
		interval: interval,
		client:   client,
		clock:    clk,
		logger:   logger.Named("coordinator").With(zap.Int("ucr", opts.UCRID)),
		state:    StateIdle,
	}, nil
}

// Start performs the first pull synchronously and, if it succeeds,
// schedules the following ones. A failing first pull is returned and
// nothing is scheduled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("Starting coordinator", zap.Duration("interval", c.interval))

	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("initial pull for membership %d: %w", c.ucrID, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pollCtx = pollCtx
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.schedule()
	c.logger.Info("Coordinator started")
	return nil
}

// Stop cancels the polling loop and any pull it has in flight.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.timer = c.clock.AfterFunc(c.interval, c.tick)
}

func (c *Coordinator) tick() {
	c.mu.RLock()
	ctx := c.pollCtx
	running := c.running
	c.mu.RUnlock()
	if !running {
		return
	}

	// errors are logged and recorded by Refresh; the next tick retries
	_ = c.Refresh(ctx)
	c.schedule()
}

// Refresh pulls once and replaces the snapshot on success. Concurrent
// callers are serialised.
func (c *Coordinator) Refresh(ctx context.Context) error {
	update, seq, notify, err := c.pull(ctx)
	if notify {
		c.deliver(update, seq)
	}
	return err
}

func (c *Coordinator) pull(ctx context.Context) (Update, uint64, bool, error) {
	c.pullMu.Lock()
	defer c.pullMu.Unlock()

	c.pullSeq++
	seq := c.pullSeq

	c.mu.Lock()
	c.state = StatePolling
	c.mu.Unlock()

	start := c.clock.Now()
	snapshot, err := c.client.Pull(ctx)
	elapsed := c.clock.Since(start)

	c.mu.Lock()
	c.stats.Polls++
	c.stats.LastDuration = elapsed

	if err == nil {
		c.snapshot.Store(snapshot)
		c.state = StateReady
		c.lastErr = nil
		c.available = true
		c.stats.LastSuccess = snapshot.FetchedAt
		c.mu.Unlock()

		c.logger.Debug("Poll succeeded", zap.Duration("duration", elapsed))
		if invalid := snapshot.InvalidVehicles(); len(invalid) > 0 {
			c.logger.Warn("Skipped malformed vehicle entries", zap.Strings("vehicle_ids", invalid))
		}
		return Update{UCRID: c.ucrID, Snapshot: snapshot, Available: true}, seq, true, nil
	}

	c.stats.Failures++
	c.stats.LastFailure = c.clock.Now()
	c.state = StateFailed
	c.lastErr = err
	wasAvailable := c.available
	c.available = false

	authFailed := errors.Is(err, divera.ErrAuth)
	var handlers []AuthHandler
	if authFailed && !c.authFailed {
		c.authFailed = true
		handlers = append(handlers, c.authHandlers...)
	}
	if authFailed {
		c.running = false
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
	}
	c.mu.Unlock()

	if authFailed {
		c.logger.Error("Access key rejected, polling stopped", zap.Error(err))
	} else {
		c.logger.Warn("Poll failed, keeping previous data", zap.Error(err))
	}

	for _, h := range handlers {
		h(c.ucrID, err)
	}

	update := Update{UCRID: c.ucrID, Snapshot: c.snapshot.Load(), Available: false, Err: err}
	return update, seq, wasAvailable, err
}

// deliver notifies listeners unless a later pull was delivered first.
func (c *Coordinator) deliver(update Update, seq uint64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	if seq < c.notifiedSeq {
		c.logger.Debug("Dropping superseded update", zap.Uint64("seq", seq))
		return
	}
	c.notifiedSeq = seq
	c.notify(update)
}

func (c *Coordinator) notify(update Update) {
	c.mu.RLock()
	listeners := make([]listenerEntry, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.fn(update)
	}
}

// Subscribe registers a listener for updates.
func (c *Coordinator) Subscribe(l Listener) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	c.listeners = append(c.listeners, listenerEntry{id: c.nextID, fn: l})
	return &subscription{c: c, id: c.nextID}
}

func (c *Coordinator) removeListener(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.listeners {
		if l.id == id {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// OnAuthFailure registers a handler called when the access key is rejected.
func (c *Coordinator) OnAuthFailure(h AuthHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authHandlers = append(c.authHandlers, h)
}

// SetStatusByID pushes a status change and then refreshes the snapshot.
// A failed refresh is logged but does not fail the push.
func (c *Coordinator) SetStatusByID(ctx context.Context, statusID int) error {
	if c.AuthFailed() {
		return fmt.Errorf("%w: membership %d", divera.ErrAuth, c.ucrID)
	}

	if err := c.client.SetStatus(ctx, statusID); err != nil {
		if errors.Is(err, divera.ErrAuth) {
			c.markAuthFailed(err)
		}
		return err
	}

	c.logger.Info("Status pushed", zap.Int("status_id", statusID))
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Refresh after status push failed", zap.Error(err))
	}
	return nil
}

// SetStatusByName resolves name against the current status catalog and
// pushes it.
func (c *Coordinator) SetStatusByName(ctx context.Context, name string) error {
	id, err := c.Snapshot().StatusIDByName(name)
	if err != nil {
		return err
	}
	return c.SetStatusByID(ctx, id)
}

func (c *Coordinator) markAuthFailed(err error) {
	c.mu.Lock()
	first := !c.authFailed
	c.authFailed = true
	c.state = StateFailed
	c.lastErr = err
	wasAvailable := c.available
	c.available = false
	c.running = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	var handlers []AuthHandler
	if first {
		handlers = append(handlers, c.authHandlers...)
	}
	c.mu.Unlock()

	c.logger.Error("Access key rejected while pushing status", zap.Error(err))
	for _, h := range handlers {
		h(c.ucrID, err)
	}
	if wasAvailable {
		c.notifyMu.Lock()
		c.notify(Update{UCRID: c.ucrID, Snapshot: c.snapshot.Load(), Err: err})
		c.notifyMu.Unlock()
	}
}

// Snapshot returns the latest successful snapshot, or nil before the first
// successful poll.
func (c *Coordinator) Snapshot() *divera.Snapshot {
	return c.snapshot.Load()
}

// UCRID returns the polled membership id (0 = account default).
func (c *Coordinator) UCRID() int {
	return c.ucrID
}

// BaseURL returns the Divera server the membership lives on.
func (c *Coordinator) BaseURL() string {
	return c.baseURL
}

// Interval returns the polling interval.
func (c *Coordinator) Interval() time.Duration {
	return c.interval
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Available reports whether the last poll succeeded.
func (c *Coordinator) Available() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.available
}

// AuthFailed reports whether Divera rejected the access key.
func (c *Coordinator) AuthFailed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authFailed
}

// LastError returns the error of the last poll, nil after a success.
func (c *Coordinator) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Stats returns a copy of the poll counters.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
