package testutil

import "time"

// ServiceCall is one input helper service call received by MockHAServer.
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// EntityID returns the entity the call targets.
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

// CallsFor returns the calls of domain.service that target entityID, in
// the order they were received.
func CallsFor(calls []ServiceCall, domain, service, entityID string) []ServiceCall {
	var matched []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service && call.EntityID() == entityID {
			matched = append(matched, call)
		}
	}
	return matched
}

// Selections returns the options passed to input_select.select_option for
// entityID, oldest first.
func Selections(calls []ServiceCall, entityID string) []string {
	var options []string
	for _, call := range CallsFor(calls, "input_select", "select_option", entityID) {
		if option, ok := call.ServiceData["option"].(string); ok {
			options = append(options, option)
		}
	}
	return options
}

// TextValues returns the values passed to input_text.set_value for
// entityID, oldest first.
func TextValues(calls []ServiceCall, entityID string) []string {
	var values []string
	for _, call := range CallsFor(calls, "input_text", "set_value", entityID) {
		if value, ok := call.ServiceData["value"].(string); ok {
			values = append(values, value)
		}
	}
	return values
}
