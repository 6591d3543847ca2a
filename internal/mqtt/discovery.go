//go:build !no_mqtt

package mqtt

import "strings"

// discoveryMsg is a Home Assistant MQTT discovery message.
type discoveryMsg struct {
	Topic   string
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	SWVersion   string   `json:"sw_version,omitempty"`
}

// haDiscovery is a JSON-schema light discovery payload.
type haDiscovery struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	JSONAttributesTopic string   `json:"json_attributes_topic,omitempty"`
	Optimistic          bool     `json:"optimistic"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	Effect              bool     `json:"effect,omitempty"`
	EffectList          []string `json:"effect_list,omitempty"`
	Device              haDevice `json:"device"`
}

// buildDiscovery announces the strip as a single JSON-schema light.
// The entity runs optimistic: commands flow through <prefix>/set and
// the full status document shows up as entity attributes.
func buildDiscovery(name, prefix, version string, modes []string) discoveryMsg {
	if name == "" {
		name = "BLE LED"
	}
	uid := topicName(prefix) + "_light"
	payload := haDiscovery{
		Name:                name,
		UniqueID:            uid,
		Schema:              "json",
		CommandTopic:        prefix + "/set",
		AvailabilityTopic:   prefix + "/bridge/state",
		JSONAttributesTopic: prefix + "/status",
		Optimistic:          true,
		Brightness:          true,
		BrightnessScale:     100,
		SupportedColorModes: []string{"rgb"},
		Effect:              len(modes) > 0,
		EffectList:          modes,
		Device: haDevice{
			Identifiers: []string{uid},
			Name:        name,
			Model:       "BLE RGB controller",
			SWVersion:   version,
		},
	}
	return discoveryMsg{
		Topic:   "homeassistant/light/" + uid + "/light/config",
		Payload: mustJSON(payload),
	}
}

// topicName keeps only characters safe in an MQTT topic level.
func topicName(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}
