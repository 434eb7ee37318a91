package ha

import (
	"encoding/json"
	"errors"
	"time"
)

// Error kinds returned by the client.
var (
	ErrNotConnected     = errors.New("ha: not connected")
	ErrAlreadyConnected = errors.New("ha: already connected")
	ErrAuthInvalid      = errors.New("ha: authentication failed: invalid token")
	ErrTimeout          = errors.New("ha: timeout waiting for response")
	ErrEntityNotFound   = errors.New("ha: entity not found")
)

// Message represents a base WebSocket message to/from Home Assistant
type Message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Event   *Event          `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token,omitempty"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedEvent represents a state_changed event
type StateChangedEvent struct {
	EntityID string `json:"entity_id"`
	NewState *State `json:"new_state"`
	OldState *State `json:"old_state"`
}

// State represents an entity state
type State struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// request is implemented by every message that expects a result
type request interface {
	requestID() int
}

// CallServiceRequest represents a call_service request
type CallServiceRequest struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	Domain      string                 `json:"domain"`
	Service     string                 `json:"service"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

func (r *CallServiceRequest) requestID() int { return r.ID }

// GetStatesRequest represents a get_states request
type GetStatesRequest struct {
	ID   int    `json:"id"`
	Type string `json:"type"`
}

func (r *GetStatesRequest) requestID() int { return r.ID }

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

func (r *SubscribeEventsRequest) requestID() int { return r.ID }

// StateChangeHandler is called when a state change event is received.
// It runs on the receive loop and must not wait for another request.
type StateChangeHandler func(entityID string, oldState, newState *State)

// Subscription represents an active state subscription
type Subscription interface {
	Unsubscribe() error
}

// subscriberEntry holds a handler with its unique subscription ID
type subscriberEntry struct {
	subID   int
	handler StateChangeHandler
}

// subscribers is the entity id -> handlers registry shared by Client and
// MockClient
type subscribers struct {
	entries map[string][]subscriberEntry
	nextID  int
}

func newSubscribers() subscribers {
	return subscribers{entries: make(map[string][]subscriberEntry)}
}

func (s *subscribers) add(entityID string, handler StateChangeHandler) int {
	s.nextID++
	s.entries[entityID] = append(s.entries[entityID], subscriberEntry{subID: s.nextID, handler: handler})
	return s.nextID
}

func (s *subscribers) remove(entityID string, subID int) {
	list := s.entries[entityID]
	for i, entry := range list {
		if entry.subID == subID {
			s.entries[entityID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.entries[entityID]) == 0 {
		delete(s.entries, entityID)
	}
}

func (s *subscribers) handlers(entityID string) []subscriberEntry {
	return append([]subscriberEntry(nil), s.entries[entityID]...)
}

// subscription implements Subscription for both clients
type subscription struct {
	entityID string
	subID    int
	remove   func(entityID string, subID int)
}

func (s *subscription) Unsubscribe() error {
	s.remove(s.entityID, s.subID)
	return nil
}
