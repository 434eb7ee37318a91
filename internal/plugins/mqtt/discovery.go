package mqtt

import (
	"fmt"

	"divera/internal/entity"
)

// Availability payloads, the Home Assistant defaults.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds the topic layout below a prefix:
//
//	<prefix>/bridge/availability
//	<prefix>/<ucr>/<key>/state
//	<prefix>/<ucr>/<key>/attributes
//	<prefix>/<ucr>/<key>/availability
//	<prefix>/<ucr>/<key>/set
//	<discovery>/<component>/divera_<ucr>/<key>/config
type Topics struct {
	Prefix          string
	DiscoveryPrefix string
}

func (t Topics) Bridge() string {
	return t.Prefix + "/bridge/availability"
}

func (t Topics) entity(ucr int, key, leaf string) string {
	return fmt.Sprintf("%s/%d/%s/%s", t.Prefix, ucr, key, leaf)
}

func (t Topics) State(ucr int, key string) string {
	return t.entity(ucr, key, "state")
}

func (t Topics) Attributes(ucr int, key string) string {
	return t.entity(ucr, key, "attributes")
}

func (t Topics) Availability(ucr int, key string) string {
	return t.entity(ucr, key, "availability")
}

func (t Topics) Command(ucr int, key string) string {
	return t.entity(ucr, key, "set")
}

func (t Topics) Discovery(kind entity.Kind, ucr int, key string) string {
	return fmt.Sprintf("%s/%s/%s_%d/%s/config", t.DiscoveryPrefix, kind, entity.Domain, ucr, key)
}

// DiscoveryConfig is the Home Assistant MQTT discovery payload of one
// sensor or select.
type DiscoveryConfig struct {
	Name                string              `json:"name"`
	UniqueID            string              `json:"unique_id"`
	ObjectID            string              `json:"object_id"`
	Icon                string              `json:"icon,omitempty"`
	StateTopic          string              `json:"state_topic"`
	JSONAttributesTopic string              `json:"json_attributes_topic"`
	CommandTopic        string              `json:"command_topic,omitempty"`
	Options             []string            `json:"options,omitempty"`
	Availability        []AvailabilityTopic `json:"availability"`
	AvailabilityMode    string              `json:"availability_mode"`
	Device              Device              `json:"device"`
	Origin              Origin              `json:"origin"`
}

type AvailabilityTopic struct {
	Topic string `json:"topic"`
}

type Device struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer"`
	Model            string   `json:"model"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

type Origin struct {
	Name string `json:"name"`
}

// NewDiscoveryConfig describes st for Home Assistant. ucr is the
// membership the entity belongs to.
func (t Topics) NewDiscoveryConfig(ucr int, st entity.State, device entity.DeviceInfo) DiscoveryConfig {
	cfg := DiscoveryConfig{
		Name:                st.Name,
		UniqueID:            st.UniqueID,
		ObjectID:            st.UniqueID,
		Icon:                st.Icon,
		StateTopic:          t.State(ucr, st.Key),
		JSONAttributesTopic: t.Attributes(ucr, st.Key),
		Availability: []AvailabilityTopic{
			{Topic: t.Bridge()},
			{Topic: t.Availability(ucr, st.Key)},
		},
		AvailabilityMode: "all",
		Device: Device{
			Identifiers:      []string{device.Identifier},
			Name:             device.Name,
			Manufacturer:     device.Manufacturer,
			Model:            device.Model,
			ConfigurationURL: device.ConfigurationURL,
		},
		Origin: Origin{Name: "divera-bridge"},
	}
	if st.Kind == entity.KindSelect {
		cfg.CommandTopic = t.Command(ucr, st.Key)
		cfg.Options = st.Options
	}
	return cfg
}
