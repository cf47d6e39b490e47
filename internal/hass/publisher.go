package hass

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/awilliams/unifi-presence/internal/metrics"
	"github.com/awilliams/unifi-presence/internal/presence"
)

const (
	defaultConnectTimeout = 10 * time.Second
	publishTimeout        = 2 * time.Second
)

// Tracker is the part of the presence daemon the publisher needs.
type Tracker interface {
	TrackedDevices() []presence.TrackedDevice
	SyncTrackedDevices(ctx context.Context, cfgs []presence.TrackConfig) error
}

// client is implemented by *MQTT.
type client interface {
	PublishEvent(ctx context.Context, e presence.Event) error
	RegisterDeviceTracker(ctx context.Context, dsc Discovery) error
	UnregisterDeviceTracker(ctx context.Context, mac string) error
	StationHome(ctx context.Context, mac string) error
	StationNotHome(ctx context.Context, mac string) error
	StationAttributes(ctx context.Context, mac string, attrs Attrs) error
}

// PublisherOpts configures a Publisher.
type PublisherOpts struct {
	MQTT MQTTOpts
	// Discovery publishes Home Assistant discovery messages for tracked
	// devices.
	Discovery      bool
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

// Publisher mirrors presence events and tracked device state to MQTT. Serve
// owns the broker connection; Handle drops events while disconnected.
type Publisher struct {
	opts    PublisherOpts
	tracker Tracker
	logger  zerolog.Logger

	mu sync.RWMutex
	c  client
}

// NewPublisher returns a Publisher for tracker's devices.
func NewPublisher(tracker Tracker, opts PublisherOpts) *Publisher {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	return &Publisher{
		opts:    opts,
		tracker: tracker,
		logger:  opts.Logger,
	}
}

func (p *Publisher) String() string {
	return "mqtt"
}

// Serve connects to the broker, publishes the tracked devices and applies
// tracking configuration messages until the connection is lost or ctx is
// done.
func (p *Publisher) Serve(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	m, err := NewMQTT(connCtx, p.opts.MQTT)
	cancel()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.StatusOnline(ctx); err != nil {
		return err
	}
	defer func() {
		// Cannot use original context since it may have already
		// been cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.StatusOffline(ctx)
	}()

	p.logger.Info().Str("broker", p.opts.MQTT.BrokerAddr).Msg("connected to MQTT broker")

	p.attach(m)
	defer p.attach(nil)

	if err := p.publishAll(ctx, m); err != nil {
		return err
	}

	// Config messages are applied outside the MQTT callback since applying
	// them publishes and waits for acknowledgements. Only the latest pending
	// message is kept.
	latest := make(chan configMsg, 1)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return m.OnConnectionLost(ctx)
	})
	eg.Go(func() error {
		p.logger.Info().Str("topic", m.ConfigTopic()).Msg("subscribed to config topic")
		return m.SubscribeConfig(ctx, func(retained bool, cfg Configuration) error {
			select {
			case <-latest:
			default:
			}
			latest <- configMsg{retained: retained, cfg: cfg}
			return nil
		})
	})
	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case msg := <-latest:
				p.onConfig(ctx, msg.retained, msg.cfg)
			}
		}
	})

	return eg.Wait()
}

type configMsg struct {
	retained bool
	cfg      Configuration
}

func (p *Publisher) attach(c client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.c = c
}

func (p *Publisher) current() client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.c
}

// Handle publishes e. It implements presence.Handler.
func (p *Publisher) Handle(ctx context.Context, e presence.Event) error {
	c := p.current()
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var errs []error
	if err := c.PublishEvent(ctx, e); err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("event").Inc()
		errs = append(errs, err)
	}

	if e.Device == nil {
		return errors.Join(errs...)
	}
	switch e.Name {
	case presence.EventDeviceConnected, presence.EventDeviceDisconnected, presence.EventDeviceRoamed, presence.EventDeviceSignalChanged:
		errs = append(errs, p.publishStation(ctx, c, *e.Device, e.Time))

	case presence.EventDeviceRegistered:
		if p.opts.Discovery {
			errs = append(errs, p.publishDiscovery(ctx, c, *e.Device))
		}
		errs = append(errs, p.publishStation(ctx, c, *e.Device, e.Time))

	case presence.EventDeviceUnregistered:
		if p.opts.Discovery {
			if err := c.UnregisterDeviceTracker(ctx, e.Device.MAC.String()); err != nil {
				metrics.MQTTPublishErrors.WithLabelValues("discovery").Inc()
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// publishAll publishes discovery and state for every tracked device.
func (p *Publisher) publishAll(ctx context.Context, c client) error {
	now := time.Now()
	for _, dev := range p.tracker.TrackedDevices() {
		ref := presence.DeviceRef{MAC: dev.MAC, Name: dev.DisplayName(), State: dev.State}
		if p.opts.Discovery {
			if err := p.publishDiscovery(ctx, c, ref); err != nil {
				return err
			}
		}
		if err := p.publishStation(ctx, c, ref, now); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishDiscovery(ctx context.Context, c client, ref presence.DeviceRef) error {
	err := c.RegisterDeviceTracker(ctx, Discovery{
		Name: ref.Name,
		MAC:  ref.MAC.String(),
	})
	if err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("discovery").Inc()
	}
	return err
}

// publishStation publishes the state and attributes of a tracked device. A
// device that was never observed is reported as not connected.
func (p *Publisher) publishStation(ctx context.Context, c client, ref presence.DeviceRef, at time.Time) error {
	mac := ref.MAC.String()
	attrs := Attrs{
		Name:      ref.Name,
		MAC:       mac,
		Site:      p.opts.MQTT.Site,
		UpdatedAt: at,
	}
	if ref.State != nil {
		attrs.Connected = ref.State.Connected
		attrs.APName = ref.State.AccessPointName
		attrs.RSSI = ref.State.RSSI
		attrs.SignalPercent = ref.State.SignalPercent
	}

	var err error
	if attrs.Connected {
		err = c.StationHome(ctx, mac)
	} else {
		err = c.StationNotHome(ctx, mac)
	}
	if err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("state").Inc()
		return err
	}

	if err := c.StationAttributes(ctx, mac, attrs); err != nil {
		metrics.MQTTPublishErrors.WithLabelValues("attrs").Inc()
		return err
	}
	return nil
}

// onConfig makes the tracked devices match cfg. Entries with an invalid MAC
// are skipped.
func (p *Publisher) onConfig(ctx context.Context, retained bool, cfg Configuration) {
	cfgs := make([]presence.TrackConfig, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		mac, err := presence.ParseMAC(dev.MAC)
		if err != nil {
			p.logger.Warn().Err(err).Str("name", dev.Name).Msg("ignoring tracked device config")
			continue
		}
		cfgs = append(cfgs, presence.TrackConfig{Name: dev.Name, MAC: mac})
	}

	p.logger.Info().
		Bool("retained", retained).
		Int("devices", len(cfgs)).
		Msg("received config update")

	if err := p.tracker.SyncTrackedDevices(ctx, cfgs); err != nil {
		p.logger.Error().Err(err).Msg("applying tracked device config")
	}
}
