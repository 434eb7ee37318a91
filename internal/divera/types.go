package divera

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// PullResponse is the document returned by GET /api/v2/pull/all.
type PullResponse struct {
	Success bool `json:"success"`
	Data    Data `json:"data"`
}

// Data is the "data" object of a pull response. Sections that Divera may
// omit are pointers so that accessors can tell "absent" from "zero".
type Data struct {
	User       *User                  `json:"user"`
	Status     *UserStatus            `json:"status"`
	Cluster    *Cluster               `json:"cluster"`
	Alarm      *Alarms                `json:"alarm"`
	UCR        OrderedMap[Membership] `json:"ucr"`
	UCRDefault *int                   `json:"ucr_default"`
	UCRActive  *int                   `json:"ucr_active"`
}

// User identifies the account behind the access key.
type User struct {
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Email     string `json:"email"`
	AccessKey string `json:"accesskey"`
}

// UserStatus is the status the user currently reports.
type UserStatus struct {
	StatusID      *int   `json:"status_id"`
	StatusSetDate int64  `json:"status_set_date"`
	Note          string `json:"note"`
}

// Cluster is the organisational unit of the active membership.
type Cluster struct {
	Name          string                   `json:"name"`
	VersionID     int                      `json:"version_id"`
	Status        OrderedMap[StatusOption] `json:"status"`
	StatusSorting []int                    `json:"statussorting"`
	Group         OrderedMap[Group]        `json:"group"`
	Vehicle       TolerantMap[Vehicle]     `json:"vehicle"`
}

// StatusOption is one entry of the cluster's status catalog.
type StatusOption struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Group is an alarm group of the cluster.
type Group struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Vehicle is a vehicle of the cluster with its FMS radio status.
type Vehicle struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Shortname   string    `json:"shortname"`
	FMSStatusID int       `json:"fmsstatus_id"`
	FMSStatusTS int64     `json:"fmsstatus_ts"`
	Lat         FlexFloat `json:"lat"`
	Lng         FlexFloat `json:"lng"`
}

// Alarms holds the alarm items and the server-provided order (newest first).
type Alarms struct {
	Sorting []int             `json:"sorting"`
	Items   OrderedMap[Alarm] `json:"items"`
}

// Alarm is a single dispatch notification.
type Alarm struct {
	ID               int                   `json:"id"`
	ForeignID        FlexString            `json:"foreign_id"`
	Title            *string               `json:"title"`
	Text             string                `json:"text"`
	Date             int64                 `json:"date"`
	Address          string                `json:"address"`
	Lat              FlexFloat             `json:"lat"`
	Lng              FlexFloat             `json:"lng"`
	Group            []int                 `json:"group"`
	Priority         bool                  `json:"priority"`
	Closed           bool                  `json:"closed"`
	New              bool                  `json:"new"`
	UCRSelfAddressed bool                  `json:"ucr_self_addressed"`
	UCRAnswered      OrderedMap[MemberSet] `json:"ucr_answered"`
}

// Membership is one user-cluster relation (UCR) of the account.
type Membership struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	ClusterID int    `json:"cluster_id"`
}

// OrderedMap decodes a JSON object while keeping the server's key order.
// Divera is a PHP backend, so an empty object may arrive as [] and is
// accepted as an empty map.
type OrderedMap[V any] struct {
	keys   []string
	values map[string]V
}

// NewOrderedMap builds an OrderedMap from keys and values; keys missing
// from values are ignored.
func NewOrderedMap[V any](keys []string, values map[string]V) OrderedMap[V] {
	m := OrderedMap[V]{values: make(map[string]V, len(values))}
	for _, k := range keys {
		if v, ok := values[k]; ok {
			m.keys = append(m.keys, k)
			m.values[k] = v
		}
	}
	return m
}

// Get returns the value stored under key.
func (m OrderedMap[V]) Get(key string) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Keys returns the keys in server order.
func (m OrderedMap[V]) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m OrderedMap[V]) Len() int {
	return len(m.keys)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *OrderedMap[V]) UnmarshalJSON(data []byte) error {
	m.keys = nil
	m.values = make(map[string]V)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	switch tok {
	case nil:
		return nil
	case json.Delim('['):
		if dec.More() {
			return fmt.Errorf("expected object or empty array, got non-empty array")
		}
		return nil
	case json.Delim('{'):
	default:
		return fmt.Errorf("expected object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", keyTok)
		}

		var v V
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decoding key %q: %w", key, err)
		}
		if _, seen := m.values[key]; !seen {
			m.keys = append(m.keys, key)
		}
		m.values[key] = v
	}

	// closing brace
	_, err = dec.Token()
	return err
}

// TolerantMap is an OrderedMap that skips entries which fail to decode
// instead of failing the whole document. Skipped keys are kept for logging.
type TolerantMap[V any] struct {
	OrderedMap[V]
	invalid []string
}

// Invalid returns the keys of entries that could not be decoded.
func (m TolerantMap[V]) Invalid() []string {
	out := make([]string, len(m.invalid))
	copy(out, m.invalid)
	return out
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *TolerantMap[V]) UnmarshalJSON(data []byte) error {
	var raw OrderedMap[json.RawMessage]
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.invalid = nil
	values := make(map[string]V, raw.Len())
	keys := make([]string, 0, raw.Len())
	for _, key := range raw.Keys() {
		entry, _ := raw.Get(key)
		var v V
		if err := json.Unmarshal(entry, &v); err != nil {
			m.invalid = append(m.invalid, key)
			continue
		}
		keys = append(keys, key)
		values[key] = v
	}
	m.OrderedMap = NewOrderedMap(keys, values)
	return nil
}

// MemberSet is one bucket of an alarm's ucr_answered map. Divera has sent
// it both as a list of membership ids and as an object keyed by membership
// id; both decode to the list of ids.
type MemberSet []int

// Contains reports whether id is a member of the bucket.
func (s MemberSet) Contains(id int) bool {
	for _, m := range s {
		if m == id {
			return true
		}
	}
	return false
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *MemberSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = nil
		return nil
	}

	switch trimmed[0] {
	case '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		ids := make(MemberSet, 0, len(raw))
		for _, r := range raw {
			id, err := parseFlexInt(r)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		*s = ids
		return nil
	case '{':
		var obj OrderedMap[json.RawMessage]
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		ids := make(MemberSet, 0, obj.Len())
		for _, k := range obj.Keys() {
			id, err := strconv.Atoi(k)
			if err != nil {
				return fmt.Errorf("membership id %q: %w", k, err)
			}
			ids = append(ids, id)
		}
		*s = ids
		return nil
	default:
		return fmt.Errorf("expected list or object of membership ids, got %s", trimmed)
	}
}

// parseFlexInt accepts a JSON number or a quoted number.
func parseFlexInt(raw json.RawMessage) (int, error) {
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, fmt.Errorf("membership id %s: not a number", raw)
	}
	return strconv.Atoi(str)
}

// FlexString accepts a JSON string, number or null.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*f = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(trimmed, &num); err != nil {
		return err
	}
	*f = FlexString(num.String())
	return nil
}

// FlexFloat accepts a JSON number, a quoted number, an empty string or
// null. Empty values decode to 0.
type FlexFloat float64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*f = 0
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		if str == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return fmt.Errorf("coordinate %q: not a number", str)
		}
		*f = FlexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return err
	}
	*f = FlexFloat(v)
	return nil
}
