package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// MockHAServer simulates the Home Assistant WebSocket API for the helper
// entities the bridge maintains: input_select and input_text.
type MockHAServer struct {
	server       *httptest.Server
	token        string
	states       map[string]*EntityState
	statesMu     sync.RWMutex
	connections  []*connWrapper
	connsMu      sync.Mutex
	serviceCalls []ServiceCall
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// Message represents a WebSocket message
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// ErrorInfo is the error of a failed result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents a Home Assistant event
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer starts a mock server accepting token.
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:  token,
		states: make(map[string]*EntityState),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the WebSocket endpoint.
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Close drops all connections and stops the server.
func (s *MockHAServer) Close() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// SetState sets a state and broadcasts the change, as the UI does when a
// user picks an option.
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]
	if attributes == nil && oldState != nil {
		attributes = oldState.Attributes
	}
	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// Options returns the options of an input_select.
func (s *MockHAServer) Options(entityID string) []string {
	st := s.GetState(entityID)
	if st == nil {
		return nil
	}
	opts, _ := st.Attributes["options"].([]string)
	return opts
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.write(Message{Type: "auth_required"})

	var auth authMessage
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(Message{Type: "auth_invalid"})
		return
	}
	wrapper.write(Message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "subscribe_events":
			wrapper.write(success(req.ID, nil))
		case "get_states":
			wrapper.write(success(req.ID, s.allStates()))
		case "call_service":
			if err := s.callService(req); err != nil {
				f := false
				wrapper.write(Message{ID: req.ID, Type: "result", Success: &f, Error: &ErrorInfo{Code: "invalid_format", Message: err.Error()}})
				continue
			}
			wrapper.write(success(req.ID, nil))
		}
	}
}

func success(id int, result any) Message {
	t := true
	msg := Message{ID: id, Type: "result", Success: &t}
	if result != nil {
		msg.Result, _ = json.Marshal(result)
	}
	return msg
}

func (s *MockHAServer) allStates() []*EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	states := make([]*EntityState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	return states
}

// callService applies the input_select and input_text services. Helpers
// are created on first use.
func (s *MockHAServer) callService(req request) error {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	s.callsMu.Unlock()

	entityID, _ := req.ServiceData["entity_id"].(string)
	current := s.GetState(entityID)

	switch req.Domain + "." + req.Service {
	case "input_select.set_options":
		raw, _ := req.ServiceData["options"].([]interface{})
		options := make([]string, 0, len(raw))
		for _, o := range raw {
			options = append(options, fmt.Sprint(o))
		}
		if len(options) == 0 {
			return fmt.Errorf("options must not be empty")
		}
		state := options[0]
		if current != nil && contains(options, current.State) {
			state = current.State
		}
		s.SetState(entityID, state, map[string]interface{}{"options": options})

	case "input_select.select_option":
		option, _ := req.ServiceData["option"].(string)
		if current == nil {
			return fmt.Errorf("entity %s not found", entityID)
		}
		if !contains(s.Options(entityID), option) {
			return fmt.Errorf("invalid option: %s", option)
		}
		if current.State != option {
			s.SetState(entityID, option, nil)
		}

	case "input_text.set_value":
		value, _ := req.ServiceData["value"].(string)
		if current == nil || current.State != value {
			s.SetState(entityID, value, map[string]interface{}{"max": 255})
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(StateChangedEvent{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := Message{
		Type: "event",
		Event: &Event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// CountServiceCalls counts domain.service calls targeting entityID
func (s *MockHAServer) CountServiceCalls(domain, service, entityID string) int {
	return len(CallsFor(s.GetServiceCalls(), domain, service, entityID))
}
