package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"divera/internal/clock"
	"divera/internal/divera"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownMembership is returned by ResolveMemberships when a configured
// cluster name or membership id is not part of the account.
var ErrUnknownMembership = errors.New("coordinator: unknown membership")

// Membership is a membership selected for polling.
type Membership struct {
	UCRID       int    `json:"ucr_id"`
	ClusterName string `json:"cluster_name"`
	ClusterID   int    `json:"cluster_id"`
}

// Discover pulls without a membership id so Divera answers for the account
// default; the result lists every membership of the account.
func Discover(ctx context.Context, transport *divera.Transport, accessKey string) (*divera.Snapshot, error) {
	return transport.Client(accessKey, 0).Pull(ctx)
}

// ResolveMemberships picks the memberships to poll from a discovery
// snapshot. Cluster names and membership ids may be combined; with neither
// the account default is used. The result follows server order.
func ResolveMemberships(snapshot *divera.Snapshot, names []string, ids []int) ([]Membership, error) {
	all, err := snapshot.AllUCRs()
	if err != nil {
		return nil, err
	}

	selected := make(map[int]bool)
	if len(names) == 0 && len(ids) == 0 {
		def, err := snapshot.DefaultUCR()
		if err != nil {
			return nil, err
		}
		selected[def] = true
	}

	for _, name := range names {
		matched, err := snapshot.UCRIDs([]string{name})
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			return nil, fmt.Errorf("%w: cluster %q", ErrUnknownMembership, name)
		}
		for _, id := range matched {
			selected[id] = true
		}
	}

	known := make(map[int]bool, len(all))
	for _, id := range all {
		known[id] = true
	}
	for _, id := range ids {
		if !known[id] {
			return nil, fmt.Errorf("%w: id %d", ErrUnknownMembership, id)
		}
		selected[id] = true
	}

	var out []Membership
	for _, id := range all {
		if !selected[id] {
			continue
		}
		name, err := snapshot.ClusterNameFromUCR(id)
		if err != nil {
			return nil, err
		}
		clusterID, err := snapshot.ClusterIDFromUCR(id)
		if err != nil {
			return nil, err
		}
		out = append(out, Membership{UCRID: id, ClusterName: name, ClusterID: clusterID})
	}
	if len(out) == 0 {
		// the default membership is not listed in data.ucr
		for id := range selected {
			out = append(out, Membership{UCRID: id})
		}
	}
	return out, nil
}

// Group runs the coordinators of several memberships sharing one transport.
type Group struct {
	logger *zap.Logger

	mu           sync.RWMutex
	coordinators []*Coordinator
}

// NewGroup creates coordinators for memberships. They are not started.
func NewGroup(transport *divera.Transport, accessKey string, memberships []Membership, interval time.Duration, clk clock.Clock, logger *zap.Logger) (*Group, error) {
	g := &Group{logger: logger.Named("group")}
	for _, m := range memberships {
		c, err := New(transport.Client(accessKey, m.UCRID), Options{
			UCRID:    m.UCRID,
			Interval: interval,
			BaseURL:  transport.BaseURL(),
		}, clk, logger)
		if err != nil {
			return nil, err
		}
		g.coordinators = append(g.coordinators, c)
	}
	return g, nil
}

// NewGroupFrom wraps already constructed coordinators.
func NewGroupFrom(logger *zap.Logger, coordinators ...*Coordinator) *Group {
	return &Group{logger: logger.Named("group"), coordinators: coordinators}
}

// Start starts all coordinators in parallel. A membership whose first pull
// fails is dropped from the group without affecting the others; the joined
// errors of all failed memberships are returned and Coordinators lists the
// ones that are running.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	errs := make([]error, len(g.coordinators))
	var eg errgroup.Group
	for i, c := range g.coordinators {
		i, c := i, c
		eg.Go(func() error {
			errs[i] = c.Start(ctx)
			return nil
		})
	}
	_ = eg.Wait()

	started := make([]*Coordinator, 0, len(g.coordinators))
	for i, c := range g.coordinators {
		if errs[i] != nil {
			g.logger.Error("Membership failed to start", zap.Int("ucr", c.UCRID()), zap.Error(errs[i]))
			continue
		}
		started = append(started, c)
	}
	g.coordinators = started

	err := errors.Join(errs...)
	if err != nil && len(started) > 0 {
		g.logger.Warn("Some memberships are not polled", zap.Int("started", len(started)))
	}
	return err
}

// Stop stops every coordinator.
func (g *Group) Stop() {
	for _, c := range g.Coordinators() {
		c.Stop()
	}
}

// Coordinators returns the running coordinators ordered by membership id.
func (g *Group) Coordinators() []*Coordinator {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Coordinator, len(g.coordinators))
	copy(out, g.coordinators)
	sort.Slice(out, func(i, j int) bool { return out[i].UCRID() < out[j].UCRID() })
	return out
}

// Get returns the coordinator of a membership.
func (g *Group) Get(ucrID int) (*Coordinator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, c := range g.coordinators {
		if c.UCRID() == ucrID {
			return c, true
		}
	}
	return nil, false
}
