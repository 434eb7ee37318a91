package ha

import (
	"fmt"
	"sync"
	"time"
)

// MockClient implements HAClient interface for testing. Service calls on
// input helpers update the stored state the way Home Assistant would.
type MockClient struct {
	states   map[string]*State
	statesMu sync.RWMutex

	subs   subscribers
	subsMu sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	serviceCalls []ServiceCall
	callsMu      sync.Mutex

	// FailCalls makes every service call return this error
	FailCalls error
}

// ServiceCall records a service call for testing
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]interface{}
	Time    time.Time
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		states: make(map[string]*State),
		subs:   newSubscribers(),
	}
}

// Connect simulates connecting to Home Assistant
func (m *MockClient) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if m.connected {
		return ErrAlreadyConnected
	}
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting
func (m *MockClient) Disconnect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	m.connected = false
	return nil
}

// IsConnected returns connection status
func (m *MockClient) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.connected
}

// GetState retrieves a mock state
func (m *MockClient) GetState(entityID string) (*State, error) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()

	state, ok := m.states[entityID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, entityID)
	}
	return state, nil
}

// CallService records a service call and applies it to the mock state
func (m *MockClient) CallService(domain, service string, data map[string]interface{}) error {
	if m.FailCalls != nil {
		return m.FailCalls
	}

	m.callsMu.Lock()
	m.serviceCalls = append(m.serviceCalls, ServiceCall{
		Domain:  domain,
		Service: service,
		Data:    data,
		Time:    time.Now(),
	})
	m.callsMu.Unlock()

	if entityID, ok := data["entity_id"].(string); ok {
		m.applyServiceCall(entityID, domain, service, data)
	}
	return nil
}

// SubscribeStateChanges subscribes to state changes
func (m *MockClient) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	m.subsMu.Lock()
	subID := m.subs.add(entityID, handler)
	m.subsMu.Unlock()

	return &subscription{entityID: entityID, subID: subID, remove: m.unsubscribe}, nil
}

func (m *MockClient) unsubscribe(entityID string, subID int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subs.remove(entityID, subID)
}

// SetInputSelectOptions replaces the options of a mock input_select
func (m *MockClient) SetInputSelectOptions(entityID string, options []string) error {
	return m.CallService("input_select", "set_options", map[string]interface{}{
		"entity_id": entityID,
		"options":   options,
	})
}

// SelectInputOption selects an option of a mock input_select
func (m *MockClient) SelectInputOption(entityID, option string) error {
	return m.CallService("input_select", "select_option", map[string]interface{}{
		"entity_id": entityID,
		"option":    option,
	})
}

// SetInputText sets a mock input_text
func (m *MockClient) SetInputText(entityID, value string) error {
	return m.CallService("input_text", "set_value", map[string]interface{}{
		"entity_id": entityID,
		"value":     value,
	})
}

// SimulateStateChange simulates a change made by a Home Assistant user
func (m *MockClient) SimulateStateChange(entityID string, newStateValue string) {
	m.statesMu.Lock()
	oldState := m.states[entityID]
	newState := &State{
		EntityID:    entityID,
		State:       newStateValue,
		Attributes:  make(map[string]interface{}),
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
	if oldState != nil {
		newState.Attributes = oldState.Attributes
	}
	m.states[entityID] = newState
	m.statesMu.Unlock()

	m.notifySubscribers(entityID, oldState, newState)
}

// GetServiceCalls returns all recorded service calls
func (m *MockClient) GetServiceCalls() []ServiceCall {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()

	calls := make([]ServiceCall, len(m.serviceCalls))
	copy(calls, m.serviceCalls)
	return calls
}

// ClearServiceCalls clears the service call history
func (m *MockClient) ClearServiceCalls() {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.serviceCalls = nil
}

// applyServiceCall updates state the way the input helper services do
func (m *MockClient) applyServiceCall(entityID, domain, service string, data map[string]interface{}) {
	m.statesMu.Lock()
	oldState := m.states[entityID]

	newState := &State{
		EntityID:    entityID,
		Attributes:  make(map[string]interface{}),
		LastChanged: time.Now(),
		LastUpdated: time.Now(),
	}
	if oldState != nil {
		newState.State = oldState.State
		for k, v := range oldState.Attributes {
			newState.Attributes[k] = v
		}
	}

	switch {
	case domain == "input_select" && service == "set_options":
		options, _ := data["options"].([]string)
		newState.Attributes["options"] = options
		if !contains(options, newState.State) && len(options) > 0 {
			newState.State = options[0]
		}
	case domain == "input_select" && service == "select_option":
		if option, ok := data["option"].(string); ok {
			newState.State = option
		}
	case domain == "input_text" && service == "set_value":
		if value, ok := data["value"].(string); ok {
			newState.State = value
		}
	}

	m.states[entityID] = newState
	m.statesMu.Unlock()

	if oldState == nil || oldState.State != newState.State {
		m.notifySubscribers(entityID, oldState, newState)
	}
}

func (m *MockClient) notifySubscribers(entityID string, oldState, newState *State) {
	m.subsMu.RLock()
	entries := m.subs.handlers(entityID)
	m.subsMu.RUnlock()

	for _, entry := range entries {
		entry.handler(entityID, oldState, newState)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
