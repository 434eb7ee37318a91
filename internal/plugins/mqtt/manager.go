// Package mqtt publishes Divera entities over MQTT with Home Assistant
// discovery and accepts status selections on the select command topic.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"divera/internal/coordinator"
	"divera/internal/entity"

	"go.uber.org/zap"
)

// CommandTimeout bounds a status push triggered over MQTT.
const CommandTimeout = 15 * time.Second

// DialFunc opens the broker connection.
type DialFunc func(avail Availability) (Broker, error)

// Manager publishes the entities of every coordinator to a broker.
type Manager struct {
	dial         DialFunc
	coordinators []*coordinator.Coordinator
	topics       Topics
	logger       *zap.Logger
	readOnly     bool

	mu            sync.Mutex
	broker        Broker
	published     map[string]string
	subs          []coordinator.Subscription
	commandTopics []string
	stopped       bool
}

// NewManager creates a new MQTT publisher.
func NewManager(dial DialFunc, coordinators []*coordinator.Coordinator, topics Topics, logger *zap.Logger, readOnly bool) *Manager {
	return &Manager{
		dial:         dial,
		coordinators: coordinators,
		topics:       topics,
		logger:       logger.Named("mqtt"),
		readOnly:     readOnly,
		published:    make(map[string]string),
	}
}

// Start connects to the broker, announces every entity and subscribes to
// coordinator updates and select commands.
func (m *Manager) Start() error {
	m.logger.Info("Starting MQTT publisher", zap.String("prefix", m.topics.Prefix))

	broker, err := m.dial(Availability{
		Topic:   m.topics.Bridge(),
		Online:  PayloadOnline,
		Offline: PayloadOffline,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	m.mu.Lock()
	m.broker = broker
	m.mu.Unlock()

	for _, c := range m.coordinators {
		c := c
		m.publish(c)

		m.mu.Lock()
		m.subs = append(m.subs, c.Subscribe(func(coordinator.Update) {
			m.publish(c)
		}))
		m.mu.Unlock()

		topic := m.topics.Command(entity.ActiveUCR(c), entity.UserStatusDescription.Key)
		if err := broker.Subscribe(topic, func(_ string, payload []byte) {
			m.handleCommand(c, string(payload))
		}); err != nil {
			m.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		m.mu.Lock()
		m.commandTopics = append(m.commandTopics, topic)
		m.mu.Unlock()
	}

	m.logger.Info("MQTT publisher started")
	return nil
}

// Stop unsubscribes and closes the broker connection.
func (m *Manager) Stop() {
	m.logger.Info("Stopping MQTT publisher")

	m.mu.Lock()
	m.stopped = true
	broker := m.broker
	subs, topics := m.subs, m.commandTopics
	m.subs, m.commandTopics = nil, nil
	m.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	if broker == nil {
		return
	}
	for _, topic := range topics {
		if err := broker.Unsubscribe(topic); err != nil {
			m.logger.Debug("Unsubscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
	broker.Close()
}

// Healthy reports whether the broker connection is up.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broker != nil && m.broker.IsConnected()
}

// publish sends discovery, availability, state and attributes of every
// entity. Retained payloads are only resent when they change.
func (m *Manager) publish(src entity.Source) {
	ucr := entity.ActiveUCR(src)
	device := entity.Device(src)

	for _, st := range entity.All(src) {
		if st.Kind == entity.KindSelect && len(st.Options) == 0 {
			// a select without options is rejected by Home Assistant
			m.send(m.topics.Availability(ucr, st.Key), PayloadOffline)
			continue
		}

		m.sendJSON(m.topics.Discovery(st.Kind, ucr, st.Key), m.topics.NewDiscoveryConfig(ucr, st, device))

		if !st.Available {
			m.send(m.topics.Availability(ucr, st.Key), PayloadOffline)
			continue
		}
		m.send(m.topics.State(ucr, st.Key), st.State)
		attrs := st.Attributes
		if attrs == nil {
			attrs = map[string]any{}
		}
		m.sendJSON(m.topics.Attributes(ucr, st.Key), attrs)
		m.send(m.topics.Availability(ucr, st.Key), PayloadOnline)
	}
}

func (m *Manager) sendJSON(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Failed to encode payload", zap.String("topic", topic), zap.Error(err))
		return
	}
	m.send(topic, string(payload))
}

func (m *Manager) send(topic, payload string) {
	m.mu.Lock()
	if m.stopped || m.broker == nil || m.published[topic] == payload {
		m.mu.Unlock()
		return
	}
	broker := m.broker
	m.published[topic] = payload
	m.mu.Unlock()

	if err := broker.Publish(topic, []byte(payload), true); err != nil {
		m.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
		m.mu.Lock()
		delete(m.published, topic)
		m.mu.Unlock()
	}
}

// handleCommand pushes the status named in a select command.
func (m *Manager) handleCommand(c *coordinator.Coordinator, option string) {
	logger := m.logger.With(zap.Int("ucr_id", c.UCRID()), zap.String("status", option))

	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return
	}

	if m.readOnly {
		logger.Info("READ-ONLY: Would push user status to Divera")
		return
	}

	logger.Info("User status command received")
	ctx, cancel := context.WithTimeout(context.Background(), CommandTimeout)
	defer cancel()

	if err := entity.SelectOption(ctx, c, option); err != nil {
		logger.Error("Failed to push user status", zap.Error(err))
	}
}
