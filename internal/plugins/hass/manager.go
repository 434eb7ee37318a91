// Package hass mirrors Divera entities into Home Assistant input helpers
// over the websocket API and feeds user status selections back to Divera.
package hass

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"divera/internal/coordinator"
	"divera/internal/entity"
	"divera/internal/ha"

	"go.uber.org/zap"
)

// MaxTextLength is the longest value an input_text accepts.
const MaxTextLength = 255

// CommandTimeout bounds a status push triggered from Home Assistant.
const CommandTimeout = 15 * time.Second

// Manager publishes the entities of every coordinator to Home Assistant.
type Manager struct {
	haClient     ha.HAClient
	coordinators []*coordinator.Coordinator
	logger       *zap.Logger
	readOnly     bool
	prefix       string

	mu        sync.Mutex
	selected  map[string]string
	options   map[string]string
	texts     map[string]string
	inFlight  map[string]int
	pending   map[*coordinator.Coordinator]struct{}
	busy      bool
	wake      chan struct{}
	quit      chan struct{}
	worker    sync.WaitGroup
	subs      []coordinator.Subscription
	haSubs    []ha.Subscription
	commands  sync.WaitGroup
	stopped   bool
	connected bool
}

// NewManager creates a new Home Assistant publisher. prefix replaces the
// "divera" part of the helper entity ids.
func NewManager(haClient ha.HAClient, coordinators []*coordinator.Coordinator, prefix string, logger *zap.Logger, readOnly bool) *Manager {
	if prefix == "" {
		prefix = entity.Domain
	}
	return &Manager{
		haClient:     haClient,
		coordinators: coordinators,
		logger:       logger.Named("hass"),
		readOnly:     readOnly,
		prefix:       prefix,
		selected:     make(map[string]string),
		options:      make(map[string]string),
		texts:        make(map[string]string),
		inFlight:     make(map[string]int),
		pending:      make(map[*coordinator.Coordinator]struct{}),
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
	}
}

// EntityID returns the helper entity id of a rendered state.
func (m *Manager) EntityID(st entity.State) string {
	domain := "input_text"
	if st.Kind == entity.KindSelect {
		domain = "input_select"
	}
	objectID := st.UniqueID
	if m.prefix != entity.Domain {
		objectID = m.prefix + strings.TrimPrefix(objectID, entity.Domain)
	}
	return domain + "." + objectID
}

// Start connects to Home Assistant, publishes the current entities and
// subscribes to coordinator updates and user selections.
func (m *Manager) Start() error {
	m.logger.Info("Starting Home Assistant publisher", zap.Int("memberships", len(m.coordinators)))

	if !m.haClient.IsConnected() {
		if err := m.haClient.Connect(); err != nil {
			return fmt.Errorf("failed to connect to Home Assistant: %w", err)
		}
		m.connected = true
	}

	m.worker.Add(1)
	go m.run()

	for _, c := range m.coordinators {
		c := c
		m.publish(c)

		m.subs = append(m.subs, c.Subscribe(func(coordinator.Update) {
			m.enqueue(c)
		}))

		selectID := m.EntityID(entity.UserStatus(c))
		sub, err := m.haClient.SubscribeStateChanges(selectID, func(_ string, _, newState *ha.State) {
			if newState == nil {
				return
			}
			// runs on the websocket receive loop, before the result of
			// any service call that caused the change
			m.mu.Lock()
			if m.stopped || m.inFlight[selectID] > 0 {
				m.mu.Unlock()
				return
			}
			m.commands.Add(1)
			m.mu.Unlock()
			go func() {
				defer m.commands.Done()
				m.handleSelection(c, selectID, newState.State)
			}()
		})
		if err != nil {
			m.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", selectID, err)
		}
		m.haSubs = append(m.haSubs, sub)
	}

	m.logger.Info("Home Assistant publisher started")
	return nil
}

// Stop unsubscribes and disconnects if the publisher opened the connection.
func (m *Manager) Stop() {
	m.logger.Info("Stopping Home Assistant publisher")

	m.mu.Lock()
	m.stopped = true
	subs, haSubs := m.subs, m.haSubs
	m.subs, m.haSubs = nil, nil
	m.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, s := range haSubs {
		if err := s.Unsubscribe(); err != nil {
			m.logger.Debug("Unsubscribe failed", zap.Error(err))
		}
	}
	m.commands.Wait()

	select {
	case <-m.quit:
	default:
		close(m.quit)
	}
	m.worker.Wait()

	if m.connected {
		if err := m.haClient.Disconnect(); err != nil {
			m.logger.Warn("Disconnect failed", zap.Error(err))
		}
		m.connected = false
	}
}

// Healthy reports whether the websocket connection is up.
func (m *Manager) Healthy() bool {
	return m.haClient.IsConnected()
}

// enqueue schedules a publish on the worker. Updates of one coordinator
// coalesce since publish reads its latest snapshot.
func (m *Manager) enqueue(c *coordinator.Coordinator) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.pending[c] = struct{}{}
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run publishes queued coordinators off the polling goroutine.
func (m *Manager) run() {
	defer m.worker.Done()
	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
		}

		m.mu.Lock()
		batch := m.pending
		m.pending = make(map[*coordinator.Coordinator]struct{})
		m.busy = true
		m.mu.Unlock()

		for c := range batch {
			m.publish(c)
		}

		m.mu.Lock()
		m.busy = false
		m.mu.Unlock()
	}
}

// Idle reports whether no publish is queued or running.
func (m *Manager) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) == 0 && !m.busy
}

// publish writes every entity of a coordinator. Unavailable entities keep
// their last value; input helpers have no unavailable state.
func (m *Manager) publish(src entity.Source) {
	status := entity.UserStatus(src)
	if status.Available {
		m.publishSelect(status)
	}

	alarm := entity.Alarm(src)
	if alarm.Available {
		m.publishText(alarm)
	}

	for _, v := range entity.Vehicles(src) {
		if v.Available {
			m.publishText(v)
		}
	}
}

func (m *Manager) publishSelect(st entity.State) {
	entityID := m.EntityID(st)
	joined := strings.Join(st.Options, "\x00")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	optionsChanged := m.options[entityID] != joined
	selectionChanged := m.selected[entityID] != st.State
	if !optionsChanged && !selectionChanged {
		m.mu.Unlock()
		return
	}
	// changes caused by set_options and select_option are not user input
	m.selected[entityID] = st.State
	m.inFlight[entityID]++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight[entityID]--
		m.mu.Unlock()
	}()

	if optionsChanged {
		if err := m.haClient.SetInputSelectOptions(entityID, st.Options); err != nil {
			m.logger.Warn("Failed to set select options", zap.String("entity_id", entityID), zap.Error(err))
			m.forget(entityID)
			return
		}
		m.mu.Lock()
		m.options[entityID] = joined
		m.mu.Unlock()
	}

	if err := m.haClient.SelectInputOption(entityID, st.State); err != nil {
		m.logger.Warn("Failed to select option", zap.String("entity_id", entityID), zap.Error(err))
		m.forget(entityID)
		return
	}
	m.logger.Debug("Published user status", zap.String("entity_id", entityID), zap.String("status", st.State))
}

func (m *Manager) publishText(st entity.State) {
	entityID := m.EntityID(st)
	value := truncate(st.State, MaxTextLength)

	m.mu.Lock()
	if m.stopped || m.texts[entityID] == value {
		m.mu.Unlock()
		return
	}
	m.texts[entityID] = value
	m.mu.Unlock()

	if err := m.haClient.SetInputText(entityID, value); err != nil {
		m.logger.Warn("Failed to set text", zap.String("entity_id", entityID), zap.Error(err))
		m.mu.Lock()
		delete(m.texts, entityID)
		m.mu.Unlock()
	}
}

// forget drops cached values so the next update republishes them.
func (m *Manager) forget(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.selected, entityID)
	delete(m.options, entityID)
}

// handleSelection pushes a status the user picked in Home Assistant.
func (m *Manager) handleSelection(c *coordinator.Coordinator, entityID, option string) {
	m.mu.Lock()
	published := m.selected[entityID]
	stopped := m.stopped
	m.mu.Unlock()

	if stopped || option == "" || option == published {
		return
	}

	logger := m.logger.With(zap.String("entity_id", entityID), zap.String("status", option))

	if m.readOnly {
		logger.Info("READ-ONLY: Would push user status to Divera")
		return
	}

	logger.Info("User status selected in Home Assistant")
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()

	if err := entity.SelectOption(ctx, c, option); err != nil {
		logger.Error("Failed to push user status", zap.Error(err))
		if published != "" {
			if err := m.haClient.SelectInputOption(entityID, published); err != nil {
				logger.Warn("Failed to restore selection", zap.Error(err))
			}
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
