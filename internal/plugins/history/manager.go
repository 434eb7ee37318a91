// Package history records alarms and status changes of every membership
// in a local SQLite database.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"divera/internal/clock"
	"divera/internal/coordinator"
	"divera/internal/divera"

	"go.uber.org/zap"
)

// writeTimeout bounds the database writes done per update.
const writeTimeout = 5 * time.Second

// Manager writes coordinator updates to the store.
type Manager struct {
	path         string
	coordinators []*coordinator.Coordinator
	clock        clock.Clock
	logger       *zap.Logger

	mu    sync.Mutex
	store *Store
	subs  []coordinator.Subscription
}

// NewManager creates a history recorder writing to the database at path.
func NewManager(path string, coordinators []*coordinator.Coordinator, clk clock.Clock, logger *zap.Logger) *Manager {
	return &Manager{
		path:         path,
		coordinators: coordinators,
		clock:        clk,
		logger:       logger.Named("history"),
	}
}

// Start opens the database and records the current state of every
// membership.
func (m *Manager) Start() error {
	m.logger.Info("Starting history recorder", zap.String("path", m.path))

	store, err := Open(context.Background(), m.path)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}

	m.mu.Lock()
	m.store = store
	m.mu.Unlock()

	for _, c := range m.coordinators {
		c := c
		if snapshot := c.Snapshot(); snapshot != nil && c.Available() {
			m.record(c.UCRID(), snapshot)
		}
		sub := c.Subscribe(func(u coordinator.Update) {
			if u.Available && u.Snapshot != nil {
				m.record(c.UCRID(), u.Snapshot)
			}
		})
		m.mu.Lock()
		m.subs = append(m.subs, sub)
		m.mu.Unlock()
	}
	return nil
}

// Stop unsubscribes and closes the database.
func (m *Manager) Stop() {
	m.logger.Info("Stopping history recorder")

	m.mu.Lock()
	subs, store := m.subs, m.store
	m.subs, m.store = nil, nil
	m.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			m.logger.Warn("Failed to close history database", zap.Error(err))
		}
	}
}

// Store returns the open store, or nil when the recorder is stopped.
func (m *Manager) Store() *Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Healthy reports whether the database answers queries.
func (m *Manager) Healthy() bool {
	store := m.Store()
	if store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return store.HealthCheck(ctx) == nil
}

func (m *Manager) record(configured int, snapshot *divera.Snapshot) {
	store := m.Store()
	if store == nil {
		return
	}

	ucr, err := snapshot.ActiveUCR()
	if err != nil {
		ucr = configured
	}
	logger := m.logger.With(zap.Int("ucr_id", ucr))

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	now := m.clock.Now()

	if attrs, err := snapshot.UserStateAttributes(); err == nil {
		name, err := snapshot.StatusNameByID(attrs.ID)
		if err != nil {
			name = divera.StateUnknown
		}
		written, err := store.RecordStatus(ctx, ucr, attrs.ID, name, attrs.Timestamp, now)
		switch {
		case err != nil:
			logger.Warn("Failed to record status", zap.Error(err))
		case written:
			logger.Debug("Status recorded", zap.String("status", name))
		}
	}

	alarm, err := snapshot.LastAlarmInfo()
	if err != nil || alarm == nil {
		return
	}
	isNew, err := store.RecordAlarm(ctx, ucr, alarm, now)
	switch {
	case err != nil:
		logger.Warn("Failed to record alarm", zap.Int("alarm_id", alarm.ID), zap.Error(err))
	case isNew:
		logger.Info("New alarm recorded", zap.Int("alarm_id", alarm.ID), zap.String("title", alarm.Title))
	}
}
