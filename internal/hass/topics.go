package hass

import (
	"regexp"
	"strings"
)

// MQTTTopics configures MQTT topic generation. Site is the controller site
// the daemon is attached to.
type MQTTTopics struct {
	Site       string
	Prefix     string
	HASSPrefix string
}

// Will topic for the overall unifi-presence status.
func (m *MQTTTopics) Will() string {
	return mkTopic(m.Prefix, sanitizeTopic(m.Site), "status")
}

// Config topic for the tracked device set sent to unifi-presence.
func (m *MQTTTopics) Config() string {
	return mkTopic(m.Prefix, "config")
}

// Event topic for a named presence event.
func (m *MQTTTopics) Event(name string) string {
	return mkTopic(m.Prefix, sanitizeTopic(m.Site), "event", sanitizeTopic(name))
}

// DeviceDiscovery topic for Home Assistant device tracker configuration.
func (m *MQTTTopics) DeviceDiscovery(mac string) string {
	// https://www.home-assistant.io/docs/mqtt/discovery/#discovery-topic
	// Format: <discovery_prefix>/device_tracker/[<node_id>/]<object_id>/config
	// Both IDs may only contain [a-zA-Z0-9_-].
	return mkTopic(m.HASSPrefix, "device_tracker", sanitizeTopic(m.Site), sanitizeMACTopic(mac), "config")
}

// DeviceState topic for device's state.
func (m *MQTTTopics) DeviceState(mac string) string {
	return mkTopic(m.Prefix, "station", sanitizeTopic(m.Site), sanitizeMACTopic(mac), "state")
}

// DeviceJSONAttrs topic for device's attributes.
func (m *MQTTTopics) DeviceJSONAttrs(mac string) string {
	return mkTopic(m.Prefix, "station", sanitizeTopic(m.Site), sanitizeMACTopic(mac), "attrs")
}

func mkTopic(parts ...string) string {
	return strings.Join(parts, "/")
}

var hassTopicRe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func sanitizeTopic(v string) string {
	return strings.ToLower(hassTopicRe.ReplaceAllString(v, ""))
}

func sanitizeMACTopic(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, ":", "-"))
}
