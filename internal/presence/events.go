package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/metrics"
)

// Event names.
const (
	EventGuestConnected            = "guest_connected"
	EventGuestDisconnected         = "guest_disconnected"
	EventDeviceConnected           = "device_connected"
	EventDeviceDisconnected        = "device_disconnected"
	EventSomeClientConnected       = "some_client_connected"
	EventSomeClientDisconnected    = "some_client_disconnected"
	EventDeviceRoamed              = "device_roamed"
	EventDeviceRoamedToAccessPoint = "device_roamed_to_access_point"
	EventDeviceRoamedFromAP        = "device_roamed_from_access_point"
	EventDeviceSignalChanged       = "device_signal_changed"
	EventFirstDeviceOnline         = "first_device_online"
	EventLastDeviceOffline         = "last_device_offline"
	EventFirstDeviceConnectedToAP  = "first_device_connected_to_ap"
	EventLastDeviceDisconnectedAP  = "last_device_disconnected_from_ap"
	EventDeviceRegistered          = "tracked_device_registered"
	EventDeviceUnregistered        = "tracked_device_unregistered"
)

// Event is a named transition with its token payload.
type Event struct {
	ID     uuid.UUID      `json:"id"`
	Name   string         `json:"name"`
	Time   time.Time      `json:"time"`
	Device *DeviceRef     `json:"device,omitempty"`
	Tokens map[string]any `json:"tokens"`
}

// DeviceRef identifies the tracked device an event is about.
type DeviceRef struct {
	MAC   MAC                 `json:"mac"`
	Name  string              `json:"name"`
	State *TrackedDeviceState `json:"state,omitempty"`
}

func newEvent(name string, at time.Time, dev *TrackedDevice, tokens map[string]any) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if tokens == nil {
		tokens = map[string]any{}
	}
	e := Event{
		ID:     id,
		Name:   name,
		Time:   at,
		Tokens: tokens,
	}
	if dev != nil {
		c := dev.clone()
		e.Device = &DeviceRef{MAC: c.MAC, Name: c.DisplayName(), State: c.State}
	}
	return e
}

// optString converts a possibly nil string pointer into a token value.
func optString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// optInt converts a possibly nil int pointer into a token value.
func optInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// EventSink receives emitted events.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// Handler handles one event. Returned errors are logged.
type Handler func(ctx context.Context, e Event) error

// ErrDispatcherSealed is returned when registering a handler after the
// first event was dispatched.
var ErrDispatcherSealed = errors.New("dispatcher: handlers can only be registered before the first event")

// Dispatcher is an EventSink routing each event to the handlers registered
// for its name, in registration order, followed by the handlers registered
// for all events. Registration is closed once the first event is emitted.
type Dispatcher struct {
	logger zerolog.Logger

	mu       sync.Mutex
	sealed   bool
	handlers map[string][]Handler
	all      []Handler
}

// NewDispatcher returns an empty Dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string][]Handler),
	}
}

// On registers h for events named name.
func (d *Dispatcher) On(name string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return fmt.Errorf("register %q: %w", name, ErrDispatcherSealed)
	}
	d.handlers[name] = append(d.handlers[name], h)
	return nil
}

// OnAll registers h for every event.
func (d *Dispatcher) OnAll(h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return fmt.Errorf("register catch-all: %w", ErrDispatcherSealed)
	}
	d.all = append(d.all, h)
	return nil
}

// Emit calls each handler for e synchronously.
func (d *Dispatcher) Emit(ctx context.Context, e Event) {
	d.mu.Lock()
	d.sealed = true
	handlers := d.handlers[e.Name]
	all := d.all
	d.mu.Unlock()

	metrics.EventsTotal.WithLabelValues(e.Name).Inc()
	d.logger.Debug().
		Str("event", e.Name).
		Str("id", e.ID.String()).
		Interface("tokens", e.Tokens).
		Msg("emit")

	for _, list := range [][]Handler{handlers, all} {
		for _, h := range list {
			if err := h(ctx, e); err != nil {
				metrics.EventHandlerErrors.WithLabelValues(e.Name).Inc()
				d.logger.Error().Err(err).Str("event", e.Name).Msg("event handler failed")
			}
		}
	}
}
