// Package entity maps coordinator data onto Home Assistant style entities:
// the last-alarm sensor, the user-status select and one sensor per vehicle.
// Publishers render these states; they never read snapshots themselves.
package entity

import (
	"context"
	"fmt"
	"time"

	"divera/internal/divera"
)

// Manufacturer is reported in every device block.
const Manufacturer = "DIVERA GmbH"

// Domain prefixes unique ids.
const Domain = "divera"

// Kind is the Home Assistant platform an entity belongs to.
type Kind string

const (
	KindSensor Kind = "sensor"
	KindSelect Kind = "select"
)

// Description is the static part of an entity.
type Description struct {
	Key  string
	Kind Kind
	Name string
	Icon string
}

// Entity descriptions.
var (
	AlarmDescription = Description{
		Key:  "alarm",
		Kind: KindSensor,
		Name: "Alarm",
		Icon: "mdi:message-text",
	}
	UserStatusDescription = Description{
		Key:  "user_status",
		Kind: KindSelect,
		Name: "User Status",
		Icon: "mdi:clock-time-nine-outline",
	}
	vehicleDescription = Description{
		Kind: KindSensor,
		Icon: "mdi:fire-truck",
	}
)

// Source is what an entity needs from its coordinator.
type Source interface {
	UCRID() int
	BaseURL() string
	Snapshot() *divera.Snapshot
	Available() bool
	SetStatusByName(ctx context.Context, name string) error
}

// DeviceInfo groups all entities of one membership.
type DeviceInfo struct {
	Identifier       string `json:"identifier"`
	Name             string `json:"name"`
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	ConfigurationURL string `json:"configuration_url,omitempty"`
}

// State is a rendered entity.
type State struct {
	UniqueID   string         `json:"unique_id"`
	Key        string         `json:"key"`
	Kind       Kind           `json:"kind"`
	Name       string         `json:"name"`
	Icon       string         `json:"icon"`
	Available  bool           `json:"available"`
	State      string         `json:"state"`
	Options    []string       `json:"options,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// UniqueID returns "divera_<ucr>_<key>".
func UniqueID(ucrID int, key string) string {
	return fmt.Sprintf("%s_%d_%s", Domain, ucrID, key)
}

// ActiveUCR returns the membership id the source's data belongs to. Before
// the first successful poll this is the configured id.
func ActiveUCR(src Source) int {
	if id, err := src.Snapshot().ActiveUCR(); err == nil {
		return id
	}
	return src.UCRID()
}

// Device describes the membership as a device.
func Device(src Source) DeviceInfo {
	ucr := ActiveUCR(src)
	snapshot := src.Snapshot()

	name, err := snapshot.ClusterNameFromUCR(ucr)
	if err != nil {
		name = fmt.Sprintf("Divera %d", ucr)
	}
	model := string(divera.VersionUnknown)
	if v, err := snapshot.ClusterVersion(); err == nil {
		model = string(v)
	}

	return DeviceInfo{
		Identifier:       fmt.Sprintf("%s_%d", Domain, ucr),
		Name:             name,
		Manufacturer:     Manufacturer,
		Model:            model,
		ConfigurationURL: src.BaseURL(),
	}
}

func newState(src Source, d Description) State {
	return State{
		UniqueID:  UniqueID(ActiveUCR(src), d.Key),
		Key:       d.Key,
		Kind:      d.Kind,
		Name:      d.Name,
		Icon:      d.Icon,
		Available: src.Available(),
	}
}

// Alarm renders the last-alarm sensor. Its state is the alarm title or
// "unknown"; the attributes carry the full alarm.
func Alarm(src Source) State {
	st := newState(src, AlarmDescription)
	snapshot := src.Snapshot()

	title, err := snapshot.LastAlarm()
	if err != nil {
		st.Available = false
		st.State = divera.StateUnknown
		return st
	}
	st.State = title

	info, err := snapshot.LastAlarmInfo()
	if err != nil || info == nil {
		return st
	}
	st.Attributes = map[string]any{
		"id":             info.ID,
		"foreign_id":     info.ForeignID,
		"text":           info.Text,
		"date":           info.Date.UTC().Format(time.RFC3339),
		"address":        info.Address,
		"latitude":       info.Latitude,
		"longitude":      info.Longitude,
		"groups":         info.Groups,
		"priority":       info.Priority,
		"closed":         info.Closed,
		"new":            info.New,
		"self_addressed": info.SelfAddressed,
		"answered":       info.Answered,
	}
	return st
}

// UserStatus renders the status select: the catalog as options and the
// current status as selected option.
func UserStatus(src Source) State {
	st := newState(src, UserStatusDescription)
	snapshot := src.Snapshot()

	options, err := snapshot.AllStateNames()
	if err != nil {
		st.Available = false
		return st
	}
	st.Options = options

	current, err := snapshot.UserState()
	if err != nil {
		st.Available = false
		return st
	}
	st.State = current

	if attrs, err := snapshot.UserStateAttributes(); err == nil {
		st.Attributes = map[string]any{
			"id":        attrs.ID,
			"timestamp": attrs.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	return st
}

// Vehicles renders one sensor per vehicle with its FMS status as state.
func Vehicles(src Source) []State {
	vehicles, err := src.Snapshot().Vehicles()
	if err != nil {
		return nil
	}

	states := make([]State, 0, len(vehicles))
	for _, v := range vehicles {
		d := vehicleDescription
		d.Key = fmt.Sprintf("vehicle_%d", v.ID)
		d.Name = v.Name

		st := newState(src, d)
		st.State = fmt.Sprintf("%d", v.FMSStatusID)
		st.Attributes = map[string]any{
			"id":        v.ID,
			"shortname": v.Shortname,
			"latitude":  float64(v.Lat),
			"longitude": float64(v.Lng),
		}
		states = append(states, st)
	}
	return states
}

// All renders every entity of a membership.
func All(src Source) []State {
	states := []State{Alarm(src), UserStatus(src)}
	return append(states, Vehicles(src)...)
}

// SelectOption handles a select command by pushing the named status.
func SelectOption(ctx context.Context, src Source, option string) error {
	if !src.Available() {
		return fmt.Errorf("membership %d is unavailable", src.UCRID())
	}
	return src.SetStatusByName(ctx, option)
}
