package hass

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/presence"
)

// fakeClient records publishes in order.
type fakeClient struct {
	mu    sync.Mutex
	calls []string
	attrs map[string]Attrs
	err   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{attrs: make(map[string]Attrs)}
}

func (f *fakeClient) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeClient) PublishEvent(ctx context.Context, e presence.Event) error {
	return f.record("event " + e.Name)
}

func (f *fakeClient) RegisterDeviceTracker(ctx context.Context, dsc Discovery) error {
	return f.record("discovery " + dsc.MAC + " " + dsc.Name)
}

func (f *fakeClient) UnregisterDeviceTracker(ctx context.Context, mac string) error {
	return f.record("undiscovery " + mac)
}

func (f *fakeClient) StationHome(ctx context.Context, mac string) error {
	return f.record("home " + mac)
}

func (f *fakeClient) StationNotHome(ctx context.Context, mac string) error {
	return f.record("not_home " + mac)
}

func (f *fakeClient) StationAttributes(ctx context.Context, mac string, attrs Attrs) error {
	f.mu.Lock()
	f.attrs[mac] = attrs
	f.mu.Unlock()
	return f.record("attrs " + mac)
}

func (f *fakeClient) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// fakeTracker records the last synced configuration.
type fakeTracker struct {
	devices []presence.TrackedDevice
	synced  []presence.TrackConfig
}

func (f *fakeTracker) TrackedDevices() []presence.TrackedDevice {
	return f.devices
}

func (f *fakeTracker) SyncTrackedDevices(ctx context.Context, cfgs []presence.TrackConfig) error {
	f.synced = cfgs
	return nil
}

func newTestPublisher(tracker Tracker, discovery bool) *Publisher {
	return NewPublisher(tracker, PublisherOpts{
		MQTT:      MQTTOpts{Site: "default"},
		Discovery: discovery,
		Logger:    zerolog.Nop(),
	})
}

var pixelMAC = presence.MAC{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}

func connectedRef() *presence.DeviceRef {
	rssi, pct, ap := -60, 58, "Hallway"
	return &presence.DeviceRef{
		MAC:  pixelMAC,
		Name: "Pixel",
		State: &presence.TrackedDeviceState{
			Connected:       true,
			RSSI:            &rssi,
			SignalPercent:   &pct,
			AccessPointName: &ap,
		},
	}
}

func TestPublisher_HandleDisconnected(t *testing.T) {
	p := newTestPublisher(&fakeTracker{}, true)
	e := presence.Event{Name: presence.EventDeviceConnected, Device: connectedRef()}
	if err := p.Handle(context.Background(), e); err != nil {
		t.Fatalf("Handle() without a broker connection = %v; want nil", err)
	}
}

func TestPublisher_Handle(t *testing.T) {
	const mac = "aa:bb:cc:00:00:01"
	now := time.Now()

	cases := []struct {
		name      string
		event     presence.Event
		discovery bool
		want      []string
	}{
		{
			name:  "aggregate event",
			event: presence.Event{Name: presence.EventFirstDeviceOnline, Time: now},
			want:  []string{"event first_device_online"},
		},
		{
			name:  "device connected",
			event: presence.Event{Name: presence.EventDeviceConnected, Time: now, Device: connectedRef()},
			want:  []string{"event device_connected", "home " + mac, "attrs " + mac},
		},
		{
			name: "device disconnected",
			event: presence.Event{Name: presence.EventDeviceDisconnected, Time: now, Device: &presence.DeviceRef{
				MAC:   pixelMAC,
				Name:  "Pixel",
				State: &presence.TrackedDeviceState{},
			}},
			want: []string{"event device_disconnected", "not_home " + mac, "attrs " + mac},
		},
		{
			name:  "roam to access point is only an event",
			event: presence.Event{Name: presence.EventDeviceRoamedToAccessPoint, Time: now, Device: connectedRef()},
			want:  []string{"event device_roamed_to_access_point"},
		},
		{
			name:  "signal change refreshes attributes",
			event: presence.Event{Name: presence.EventDeviceSignalChanged, Time: now, Device: connectedRef()},
			want:  []string{"event device_signal_changed", "home " + mac, "attrs " + mac},
		},
		{
			name:      "registered with discovery",
			event:     presence.Event{Name: presence.EventDeviceRegistered, Time: now, Device: &presence.DeviceRef{MAC: pixelMAC, Name: "Pixel"}},
			discovery: true,
			want:      []string{"event tracked_device_registered", "discovery " + mac + " Pixel", "not_home " + mac, "attrs " + mac},
		},
		{
			name:      "unregistered with discovery",
			event:     presence.Event{Name: presence.EventDeviceUnregistered, Time: now, Device: &presence.DeviceRef{MAC: pixelMAC, Name: "Pixel"}},
			discovery: true,
			want:      []string{"event tracked_device_unregistered", "undiscovery " + mac},
		},
		{
			name:  "unregistered without discovery",
			event: presence.Event{Name: presence.EventDeviceUnregistered, Time: now, Device: &presence.DeviceRef{MAC: pixelMAC, Name: "Pixel"}},
			want:  []string{"event tracked_device_unregistered"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newFakeClient()
			p := newTestPublisher(&fakeTracker{}, tc.discovery)
			p.attach(c)

			if err := p.Handle(context.Background(), tc.event); err != nil {
				t.Fatal(err)
			}
			if got := c.got(); !slices.Equal(got, tc.want) {
				t.Errorf("publishes = %q; want %q", got, tc.want)
			}
		})
	}
}

func TestPublisher_HandleAttrs(t *testing.T) {
	c := newFakeClient()
	p := newTestPublisher(&fakeTracker{}, false)
	p.attach(c)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := presence.Event{Name: presence.EventDeviceRoamed, Time: at, Device: connectedRef()}
	if err := p.Handle(context.Background(), e); err != nil {
		t.Fatal(err)
	}

	attrs, ok := c.attrs[pixelMAC.String()]
	if !ok {
		t.Fatal("no attributes published")
	}
	t.Logf("attrs: %+v", attrs)
	if !attrs.Connected || attrs.Site != "default" || attrs.Name != "Pixel" || !attrs.UpdatedAt.Equal(at) {
		t.Errorf("attrs = %+v; want connected Pixel on site default at %v", attrs, at)
	}
	if attrs.APName == nil || *attrs.APName != "Hallway" {
		t.Errorf("APName = %v; want Hallway", attrs.APName)
	}
	if attrs.RSSI == nil || *attrs.RSSI != -60 || attrs.SignalPercent == nil || *attrs.SignalPercent != 58 {
		t.Errorf("RSSI, SignalPercent = %v, %v; want -60, 58", attrs.RSSI, attrs.SignalPercent)
	}
}

func TestPublisher_HandleErrors(t *testing.T) {
	c := newFakeClient()
	c.err = errors.New("broker gone")
	p := newTestPublisher(&fakeTracker{}, false)
	p.attach(c)

	err := p.Handle(context.Background(), presence.Event{Name: presence.EventDeviceConnected, Device: connectedRef()})
	if err == nil {
		t.Fatal("Handle() = nil; want publish error")
	}
	// The state publish fails, so the attributes are not attempted.
	want := []string{"event device_connected", "home " + pixelMAC.String()}
	if got := c.got(); !slices.Equal(got, want) {
		t.Errorf("publishes = %q; want %q", got, want)
	}
}

func TestPublisher_PublishAll(t *testing.T) {
	tracker := &fakeTracker{
		devices: []presence.TrackedDevice{
			{MAC: pixelMAC, Label: "Pixel", State: connectedRef().State},
			{MAC: presence.MAC{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x02}, ClientName: "ipad"},
		},
	}
	c := newFakeClient()
	p := newTestPublisher(tracker, true)

	if err := p.publishAll(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"discovery aa:bb:cc:00:00:01 Pixel",
		"home aa:bb:cc:00:00:01",
		"attrs aa:bb:cc:00:00:01",
		"discovery aa:bb:cc:00:00:02 ipad",
		"not_home aa:bb:cc:00:00:02",
		"attrs aa:bb:cc:00:00:02",
	}
	if got := c.got(); !slices.Equal(got, want) {
		t.Errorf("publishes = %q; want %q", got, want)
	}
}

func TestPublisher_OnConfig(t *testing.T) {
	tracker := &fakeTracker{}
	p := newTestPublisher(tracker, false)

	p.onConfig(context.Background(), true, Configuration{
		Devices: []TrackConfig{
			{Name: "Pixel", MAC: "AA:BB:CC:00:00:01"},
			{Name: "broken", MAC: "not-a-mac"},
			{Name: "iPad", MAC: "aa-bb-cc-00-00-02"},
		},
	})

	want := []presence.TrackConfig{
		{Name: "Pixel", MAC: pixelMAC},
		{Name: "iPad", MAC: presence.MAC{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x02}},
	}
	if !slices.Equal(tracker.synced, want) {
		t.Errorf("synced = %v; want %v", tracker.synced, want)
	}
}

func TestDeviceTracker(t *testing.T) {
	m := &MQTT{
		topics: &MQTTTopics{Site: "Main Site", Prefix: "unifi-presence", HASSPrefix: "homeassistant"},
		site:   "Main Site",
	}
	dt := m.deviceTracker(Discovery{Name: "Pixel", MAC: "00:03:93:00:00:01"})

	checks := []struct {
		field, got, want string
	}{
		{"ObjectID", dt.ObjectID, "000393000001_mainsite"},
		{"UniqueID", dt.UniqueID, "unifipresence_000393000001_mainsite"},
		{"StateTopic", dt.StateTopic, "unifi-presence/station/mainsite/00-03-93-00-00-01/state"},
		{"JSONAttributesTopic", dt.JSONAttributesTopic, "unifi-presence/station/mainsite/00-03-93-00-00-01/attrs"},
		{"AvailabilityTopic", dt.AvailabilityTopic, "unifi-presence/mainsite/status"},
		{"Manufacturer", dt.Device.Manufacturer, vendorApple},
		{"SourceType", dt.SourceType, SourceRouter},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q; want %q", c.field, c.got, c.want)
		}
	}
	if got := fmt.Sprint(dt.Device.Connections); got != "[[mac 00:03:93:00:00:01]]" {
		t.Errorf("Connections = %s; want [[mac 00:03:93:00:00:01]]", got)
	}
}
