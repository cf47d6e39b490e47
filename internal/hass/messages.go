package hass

import "time"

// Documentation:
// https://www.home-assistant.io/integrations/device_tracker.mqtt/

// Configuration describes the expected JSON configuration messages that
// are published to the config topic.
type Configuration struct {
	Devices []TrackConfig `json:"devices"`
}

// TrackConfig describes a single client to track.
type TrackConfig struct {
	Name string `json:"name"`
	MAC  string `json:"mac"`
}

// DeviceTracker is used to configure HomeAssistant to track a device.
type DeviceTracker struct {
	AvailabilityTopic   string `json:"availability_topic,omitempty"`    // The MQTT topic subscribed to receive availability (online/offline) updates.
	Device              Device `json:"device,omitempty"`                // Ties the tracker into the device registry. At least one of identifiers or connections must be present.
	Icon                string `json:"icon,omitempty"`                  // Icon for the entity. https://materialdesignicons.com
	JSONAttributesTopic string `json:"json_attributes_topic,omitempty"` // The MQTT topic subscribed to receive a JSON dictionary payload and then set as device_tracker attributes.
	Name                string `json:"name,omitempty"`                  // The name of the MQTT device_tracker.
	ObjectID            string `json:"object_id,omitempty"`             // Used instead of name for automatic generation of entity_id.
	PayloadAvailable    string `json:"payload_available,omitempty"`     // Default: online.
	PayloadHome         string `json:"payload_home,omitempty"`          // Default: home.
	PayloadNotAvailable string `json:"payload_not_available,omitempty"` // Default: offline.
	PayloadNotHome      string `json:"payload_not_home,omitempty"`      // Default: not_home.
	QOS                 int    `json:"qos"`                             // The QoS level of the topic.
	SourceType          string `json:"source_type,omitempty"`           // One of gps, router, bluetooth, or bluetooth_le.
	StateTopic          string `json:"state_topic"`                     // Required.
	UniqueID            string `json:"unique_id,omitempty"`             // An ID that uniquely identifies this device_tracker.
}

// Device is part of the DeviceTracker configuration.
type Device struct {
	Connections  [][2]string `json:"connections"` // e.g. [['mac', '02:5b:26:a8:dc:12']].
	Name         string      `json:"name,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
}

// Attrs are a tracked device's attributes.
type Attrs struct {
	Name          string    `json:"name"`
	MAC           string    `json:"mac"`
	Connected     bool      `json:"connected"`
	Site          string    `json:"site"`
	APName        *string   `json:"ap_name"`
	RSSI          *int      `json:"rssi"`
	SignalPercent *int      `json:"signal_percent"`
	UpdatedAt     time.Time `json:"updated_at"`
}
