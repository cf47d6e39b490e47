package presence

import "time"

// TrackedDeviceState is the connectivity of a tracked device as of the
// latest poll. When Connected is false all other fields are nil.
type TrackedDeviceState struct {
	Connected       bool    `json:"connected"`
	RSSI            *int    `json:"rssi"`
	SignalPercent   *int    `json:"signal_percent"`
	AccessPointName *string `json:"access_point_name"`
}

// Equal reports whether s and o hold the same values.
func (s TrackedDeviceState) Equal(o TrackedDeviceState) bool {
	return s.Connected == o.Connected &&
		equalPtr(s.RSSI, o.RSSI) &&
		equalPtr(s.SignalPercent, o.SignalPercent) &&
		equalPtr(s.AccessPointName, o.AccessPointName)
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// disconnectedState is the state of a device absent from the population.
func disconnectedState() TrackedDeviceState {
	return TrackedDeviceState{}
}

// observedState derives the state of a device present in the population.
func observedState(obs ClientObservation, aps accessPointNamer) TrackedDeviceState {
	rssi, pct := obs.RSSI, obs.SignalPercent
	s := TrackedDeviceState{
		Connected:     true,
		RSSI:          &rssi,
		SignalPercent: &pct,
	}
	if obs.AccessPointMAC != nil {
		if name, ok := aps.AccessPointName(*obs.AccessPointMAC); ok {
			s.AccessPointName = &name
		}
	}
	return s
}

type accessPointNamer interface {
	AccessPointName(MAC) (string, bool)
}

// TrackedDevice is a client selected for long-lived tracking.
type TrackedDevice struct {
	MAC MAC `json:"mac"`
	// Label is the name given when the device was registered. It may be
	// empty, in which case the controller's name for the client is used.
	Label string `json:"label,omitempty"`
	// ClientName is the latest name reported by the controller.
	ClientName string `json:"client_name,omitempty"`

	// State is nil until the device has been observed by a poll.
	State *TrackedDeviceState `json:"state"`

	AccessPointMAC         *MAC `json:"access_point_mac"`
	PreviousAccessPointMAC *MAC `json:"previous_access_point_mac"`

	// Last seen values, kept while disconnected for event tokens.
	GroupName string `json:"group,omitempty"`
	ESSID     string `json:"essid,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the label, the controller name, or the MAC.
func (d TrackedDevice) DisplayName() string {
	switch {
	case d.Label != "":
		return d.Label
	case d.ClientName != "":
		return d.ClientName
	default:
		return d.MAC.String()
	}
}

// Connected reports whether the last known state is connected.
func (d TrackedDevice) Connected() bool {
	return d.State != nil && d.State.Connected
}

func (d TrackedDevice) clone() TrackedDevice {
	c := d
	if d.State != nil {
		s := *d.State
		c.State = &s
	}
	if d.AccessPointMAC != nil {
		m := *d.AccessPointMAC
		c.AccessPointMAC = &m
	}
	if d.PreviousAccessPointMAC != nil {
		m := *d.PreviousAccessPointMAC
		c.PreviousAccessPointMAC = &m
	}
	return c
}

// AccessPoint is a known access point with its tracked device occupancy.
// NumClients is nil until the first client reconciliation after the access
// point became known.
type AccessPoint struct {
	MAC        MAC    `json:"mac"`
	Name       string `json:"name"`
	NumClients *int   `json:"num_clients"`
}

// Candidate is a client that may be registered as a tracked device.
type Candidate struct {
	MAC  MAC    `json:"mac"`
	Name string `json:"name"`
}
