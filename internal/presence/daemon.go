package presence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/awilliams/unifi-presence/internal/metrics"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

// Default intervals.
const (
	DefaultClientPollInterval    = 15 * time.Second
	DefaultReferencePollInterval = 12 * time.Hour
	DefaultReconnectInterval     = 30 * time.Second
	DefaultRecentWindowHours     = 24
	DefaultSettingsDebounce      = time.Second
)

// Store persists tracked devices.
type Store interface {
	TrackedDevices(ctx context.Context) ([]TrackedDevice, error)
	SaveTrackedDevice(ctx context.Context, dev TrackedDevice) error
	DeleteTrackedDevice(ctx context.Context, mac MAC) error
}

// Intervals configures the daemon's timers.
type Intervals struct {
	ClientPoll        time.Duration
	ReferencePoll     time.Duration
	Reconnect         time.Duration
	RecentWindowHours int
}

func (iv Intervals) withDefaults() Intervals {
	if iv.ClientPoll <= 0 {
		iv.ClientPoll = DefaultClientPollInterval
	}
	if iv.ReferencePoll <= 0 {
		iv.ReferencePoll = DefaultReferencePollInterval
	}
	if iv.Reconnect <= 0 {
		iv.Reconnect = DefaultReconnectInterval
	}
	if iv.RecentWindowHours <= 0 {
		iv.RecentWindowHours = DefaultRecentWindowHours
	}
	return iv
}

// Opt is a configuration option for Daemon.
type Opt func(*Daemon)

// WithConnector is required and sets how controller sessions are opened.
func WithConnector(c Connector) Opt {
	return func(d *Daemon) {
		d.connector = c
	}
}

// WithConfigSource is required and supplies the controller settings.
func WithConfigSource(c ConfigSource) Opt {
	return func(d *Daemon) {
		d.config = c
	}
}

// WithEventSink sets where events are emitted. Without it events are
// only logged.
func WithEventSink(s EventSink) Opt {
	return func(d *Daemon) {
		d.sink = s
	}
}

// WithStore is optional and persists tracked devices.
func WithStore(s Store) Opt {
	return func(d *Daemon) {
		d.store = s
	}
}

// WithLogger is optional and defines a logger for the daemon to use.
func WithLogger(l zerolog.Logger) Opt {
	return func(d *Daemon) {
		d.logger = l
	}
}

// WithIntervals overrides the timer intervals. Zero values keep the defaults.
func WithIntervals(iv Intervals) Opt {
	return func(d *Daemon) {
		d.intervals = iv
	}
}

// WithSettingsDebounce sets how long settings change notifications are
// coalesced before reconnecting.
func WithSettingsDebounce(db time.Duration) Opt {
	return func(d *Daemon) {
		d.settingsDebounce = db
	}
}

// Daemon polls the controller and turns changes in client connectivity
// into events.
type Daemon struct {
	connector        Connector
	config           ConfigSource
	sink             EventSink
	store            Store
	logger           zerolog.Logger
	intervals        Intervals
	settingsDebounce time.Duration

	refs   *ReferenceCache
	engine *Engine
	sup    *Supervisor
	db     *debouncer[string]

	// storeMu makes each engine mutation and its store write one step, so
	// the store never holds an older value than the engine.
	storeMu sync.Mutex

	// In-flight guards, one per timer.
	clientsBusy   atomic.Bool
	referenceBusy atomic.Bool
	reconnectBusy atomic.Bool
}

// NewDaemon returns a Daemon, configured via the Opt arguments. Tracked
// devices are loaded from the store, if any.
func NewDaemon(ctx context.Context, opts ...Opt) (*Daemon, error) {
	d := Daemon{
		logger:           zerolog.Nop(),
		settingsDebounce: DefaultSettingsDebounce,
	}
	for _, opt := range opts {
		opt(&d)
	}

	if d.connector == nil {
		return nil, errors.New("WithConnector is required")
	}
	if d.config == nil {
		return nil, errors.New("WithConfigSource is required")
	}
	if d.sink == nil {
		d.sink = NewDispatcher(d.logger)
	}
	d.intervals = d.intervals.withDefaults()

	d.refs = NewReferenceCache(d.logger)
	d.engine = NewEngine(d.refs, d.logger)
	d.db = newDebouncer[string](d.settingsDebounce)
	d.sup = NewSupervisor(SupervisorConfig{
		Connector:   d.connector,
		Config:      d.config,
		Logger:      d.logger,
		OnConnected: d.onConnected,
	})

	if d.store != nil {
		devs, err := d.store.TrackedDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading tracked devices: %w", err)
		}
		d.engine.Restore(devs)
		d.logger.Info().Int("count", len(devs)).Msg("restored tracked devices")
	}

	return &d, nil
}

// Run connects to the controller and drives the poll timers. It blocks
// until the context is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		d.every(ctx, d.intervals.Reconnect, true, "reconnect", &d.reconnectBusy, d.reconnect)
		return nil
	})
	eg.Go(func() error {
		d.every(ctx, d.intervals.ClientPoll, false, "clients", &d.clientsBusy, d.pollClients)
		return nil
	})
	eg.Go(func() error {
		d.every(ctx, d.intervals.ReferencePoll, false, "reference", &d.referenceBusy, d.pollReference)
		return nil
	})

	err := eg.Wait()

	d.db.stop()
	closeCtx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()
	if cerr := d.sup.Close(closeCtx); cerr != nil {
		d.logger.Debug().Err(cerr).Msg("closing controller session")
	}

	return err
}

// every runs fn each interval. A tick arriving while the previous one is
// still running is skipped.
func (d *Daemon) every(ctx context.Context, interval time.Duration, immediate bool, kind string, busy *atomic.Bool, fn func(context.Context)) {
	if immediate {
		d.guarded(ctx, kind, busy, fn)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.guarded(ctx, kind, busy, fn)
		}
	}
}

func (d *Daemon) guarded(ctx context.Context, kind string, busy *atomic.Bool, fn func(context.Context)) {
	if !busy.CompareAndSwap(false, true) {
		metrics.PollsTotal.WithLabelValues(kind, "skipped").Inc()
		d.logger.Debug().Str("kind", kind).Msg("previous tick still running; skipping")
		return
	}
	defer busy.Store(false)
	fn(ctx)
}

func (d *Daemon) reconnect(ctx context.Context) {
	if err := d.sup.Tick(ctx); err != nil && !errors.Is(err, ErrStaleAttempt) {
		d.logger.Debug().Err(err).Msg("reconnect tick")
	}
}

// onConnected runs the full refresh: reference data, then clients.
func (d *Daemon) onConnected(ctx context.Context, sess Session) {
	d.guarded(ctx, "reference", &d.referenceBusy, func(ctx context.Context) {
		d.refreshReference(ctx, sess)
	})
	if cur, ok := d.sup.Session(); !ok || cur != sess {
		return
	}
	d.guarded(ctx, "clients", &d.clientsBusy, func(ctx context.Context) {
		d.refreshClients(ctx, sess)
	})
}

// SettingsChanged notifies the daemon that controller settings may have
// changed. Bursts of notifications are coalesced.
func (d *Daemon) SettingsChanged(ctx context.Context) {
	d.db.enqueue("settings", func() {
		if _, err := d.sup.SettingsChanged(ctx); err != nil && !errors.Is(err, ErrStaleAttempt) {
			d.logger.Warn().Err(err).Msg("reconnect after settings change")
		}
	})
}

func (d *Daemon) pollClients(ctx context.Context) {
	sess, ok := d.sup.Session()
	if !ok {
		return
	}
	d.refreshClients(ctx, sess)
}

func (d *Daemon) pollReference(ctx context.Context) {
	sess, ok := d.sup.Session()
	if !ok {
		return
	}
	d.refreshReference(ctx, sess)
}

// refreshClients fetches the client list and reconciles it. A failed fetch
// leaves all state untouched.
func (d *Daemon) refreshClients(ctx context.Context, sess Session) {
	start := time.Now()
	records, err := sess.Clients(ctx)
	if err != nil {
		d.pollFailed(ctx, sess, "clients", err)
		return
	}

	pop := BuildPopulation(records, d.refs, time.Now(), d.logger)
	d.storeMu.Lock()
	res := d.engine.Reconcile(pop)
	d.persist(ctx, res.Changed)
	d.storeMu.Unlock()

	for _, e := range res.Events {
		d.sink.Emit(ctx, e)
	}

	d.sup.MarkPolled(pop.ObservedAt)
	metrics.PollsTotal.WithLabelValues("clients", "ok").Inc()
	metrics.PollDuration.WithLabelValues("clients").Observe(time.Since(start).Seconds())
	d.logger.Debug().
		Int("clients", len(pop.Clients)).
		Int("events", len(res.Events)).
		Dur("took", time.Since(start)).
		Msg("client poll")
}

// refreshReference updates the access point and user group directories,
// then refreshes tracked device names from the recent user history.
func (d *Daemon) refreshReference(ctx context.Context, sess Session) {
	start := time.Now()

	devices, err := sess.AccessPoints(ctx)
	if err != nil {
		d.pollFailed(ctx, sess, "reference", err)
		return
	}
	groups, err := sess.UserGroups(ctx)
	if err != nil {
		d.pollFailed(ctx, sess, "reference", err)
		return
	}

	if added := d.refs.UpdateAccessPoints(devices); len(added) > 0 {
		d.logger.Info().Int("count", len(added)).Msg("discovered access points")
	}
	d.refs.UpdateUserGroups(groups)

	metrics.PollsTotal.WithLabelValues("reference", "ok").Inc()
	metrics.PollDuration.WithLabelValues("reference").Observe(time.Since(start).Seconds())

	start = time.Now()
	users, err := sess.RecentUsers(ctx, d.intervals.RecentWindowHours)
	if err != nil {
		d.pollFailed(ctx, sess, "recent", err)
		return
	}
	d.storeMu.Lock()
	d.persist(ctx, d.engine.RefreshNames(users))
	d.storeMu.Unlock()
	metrics.PollsTotal.WithLabelValues("recent", "ok").Inc()
	metrics.PollDuration.WithLabelValues("recent").Observe(time.Since(start).Seconds())
}

func (d *Daemon) pollFailed(ctx context.Context, sess Session, kind string, err error) {
	metrics.PollsTotal.WithLabelValues(kind, "error").Inc()
	if ctx.Err() != nil {
		// Shutting down.
		return
	}
	d.logger.Warn().Err(err).Str("kind", kind).Msg("controller poll failed")
	d.sup.Fail(sess, err)
}

func (d *Daemon) persist(ctx context.Context, devs []TrackedDevice) {
	if d.store == nil {
		return
	}
	for _, dev := range devs {
		if err := d.store.SaveTrackedDevice(ctx, dev); err != nil {
			d.logger.Error().Err(err).Stringer("mac", dev.MAC).Msg("saving tracked device")
		}
	}
}

// Status returns the controller connection status.
func (d *Daemon) Status() Status {
	return d.sup.Status()
}

// ListOnlineCandidates returns the clients of the latest poll, sorted by name.
func (d *Daemon) ListOnlineCandidates() []Candidate {
	pop := d.engine.Population()
	if pop == nil {
		return nil
	}
	cs := make([]Candidate, 0, len(pop.Clients))
	for mac, obs := range pop.Clients {
		cs = append(cs, Candidate{MAC: mac, Name: obs.Name})
	}
	sortCandidates(cs)
	return cs
}

// ListRecentCandidates returns online clients merged with wireless clients
// seen within the last windowHours, excluding tracked devices.
func (d *Daemon) ListRecentCandidates(ctx context.Context, windowHours int) ([]Candidate, error) {
	sess, ok := d.sup.Session()
	if !ok {
		return nil, ErrNotConnected
	}
	if windowHours <= 0 {
		windowHours = d.intervals.RecentWindowHours
	}
	users, err := sess.RecentUsers(ctx, windowHours)
	if err != nil {
		d.pollFailed(ctx, sess, "recent", err)
		return nil, err
	}

	seen := make(map[MAC]bool)
	var cs []Candidate
	add := func(mac MAC, name string) {
		if seen[mac] {
			return
		}
		seen[mac] = true
		if _, tracked := d.engine.TrackedDevice(mac); tracked {
			return
		}
		cs = append(cs, Candidate{MAC: mac, Name: name})
	}

	for _, c := range d.ListOnlineCandidates() {
		add(c.MAC, c.Name)
	}
	for _, u := range users {
		if u.IsWired {
			continue
		}
		mac, err := ParseMAC(u.MAC)
		if err != nil {
			continue
		}
		add(mac, u.DisplayName())
	}

	sortCandidates(cs)
	return cs, nil
}

func sortCandidates(cs []Candidate) {
	slices.SortFunc(cs, func(a, b Candidate) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.MAC.String(), b.MAC.String())
	})
}

// RegisterTrackedDevice starts tracking mac under the given label.
func (d *Daemon) RegisterTrackedDevice(ctx context.Context, mac MAC, label string) (TrackedDevice, error) {
	d.storeMu.Lock()
	dev, created := d.engine.Register(mac, label)
	if d.store != nil {
		if err := d.store.SaveTrackedDevice(ctx, dev); err != nil {
			d.storeMu.Unlock()
			return dev, fmt.Errorf("saving tracked device %s: %w", mac, err)
		}
	}
	d.storeMu.Unlock()
	d.logger.Info().Stringer("mac", mac).Str("name", dev.DisplayName()).Bool("new", created).Msg("registered tracked device")
	d.sink.Emit(ctx, newEvent(EventDeviceRegistered, time.Now(), &dev, map[string]any{
		"mac":  mac.String(),
		"name": dev.DisplayName(),
	}))
	return dev, nil
}

// UnregisterTrackedDevice stops tracking mac.
func (d *Daemon) UnregisterTrackedDevice(ctx context.Context, mac MAC) error {
	d.storeMu.Lock()
	dev, ok := d.engine.Unregister(mac)
	if !ok {
		d.storeMu.Unlock()
		return fmt.Errorf("%s: %w", mac, ErrUnknownEntity)
	}
	if d.store != nil {
		if err := d.store.DeleteTrackedDevice(ctx, mac); err != nil {
			d.storeMu.Unlock()
			return fmt.Errorf("deleting tracked device %s: %w", mac, err)
		}
	}
	d.storeMu.Unlock()
	d.logger.Info().Stringer("mac", mac).Str("name", dev.DisplayName()).Msg("unregistered tracked device")
	d.sink.Emit(ctx, newEvent(EventDeviceUnregistered, time.Now(), &dev, map[string]any{
		"mac":  mac.String(),
		"name": dev.DisplayName(),
	}))
	return nil
}

// TrackConfig is one entry of a declarative tracked device set.
type TrackConfig struct {
	Name string
	MAC  MAC
}

const (
	staNoChange staChange = iota
	staRemoved
	staAdded
	staUpdated
)

type staChange int

func (s staChange) String() string {
	switch s {
	case staNoChange:
		return "no-change"
	case staRemoved:
		return "removed"
	case staAdded:
		return "added"
	case staUpdated:
		return "updated"
	default:
		return "?"
	}
}

// SyncTrackedDevices makes the tracked devices match cfgs: missing devices
// are registered, renamed devices updated and devices absent from cfgs
// unregistered.
func (d *Daemon) SyncTrackedDevices(ctx context.Context, cfgs []TrackConfig) error {
	changes := make(map[MAC]staChange, len(cfgs))
	labels := make(map[MAC]string, len(cfgs))
	for _, cfg := range cfgs {
		dev, ok := d.engine.TrackedDevice(cfg.MAC)
		switch {
		case !ok:
			changes[cfg.MAC] = staAdded
		case dev.Label != cfg.Name:
			changes[cfg.MAC] = staUpdated
		default:
			changes[cfg.MAC] = staNoChange
		}
		labels[cfg.MAC] = cfg.Name
	}
	for _, dev := range d.engine.TrackedDevices() {
		if _, ok := changes[dev.MAC]; !ok {
			changes[dev.MAC] = staRemoved
		}
	}

	var errs []error
	for _, mac := range sortedKeys(changes) {
		change := changes[mac]
		var err error
		switch change {
		case staAdded, staUpdated:
			_, err = d.RegisterTrackedDevice(ctx, mac, labels[mac])
		case staRemoved:
			err = d.UnregisterTrackedDevice(ctx, mac)
		}
		if err != nil {
			errs = append(errs, err)
		}
		d.logger.Debug().Stringer("mac", mac).Stringer("change", change).Msg("tracked device config")
	}
	return errors.Join(errs...)
}

// TrackedDevices returns all tracked devices.
func (d *Daemon) TrackedDevices() []TrackedDevice {
	return d.engine.TrackedDevices()
}

// TrackedDevice returns the tracked device for mac.
func (d *Daemon) TrackedDevice(mac MAC) (TrackedDevice, error) {
	dev, ok := d.engine.TrackedDevice(mac)
	if !ok {
		return TrackedDevice{}, fmt.Errorf("%s: %w", mac, ErrUnknownEntity)
	}
	return dev, nil
}

// TrackedDeviceState returns the last known state of a tracked device. A
// device not yet observed is reported as disconnected.
func (d *Daemon) TrackedDeviceState(mac MAC) (TrackedDeviceState, error) {
	dev, err := d.TrackedDevice(mac)
	if err != nil {
		return TrackedDeviceState{}, err
	}
	if dev.State == nil {
		return disconnectedState(), nil
	}
	return *dev.State, nil
}

// AccessPointName returns the name of the access point with the given MAC.
func (d *Daemon) AccessPointName(mac MAC) (string, bool) {
	return d.refs.AccessPointName(mac)
}

// AccessPoints returns the known access points whose name contains filter
// (case-sensitive), sorted by name.
func (d *Daemon) AccessPoints(filter string) []AccessPoint {
	aps := d.engine.AccessPoints()
	if filter == "" {
		return aps
	}
	return slices.DeleteFunc(aps, func(ap AccessPoint) bool {
		return !strings.Contains(ap.Name, filter)
	})
}

// IsConnected reports whether the tracked device is connected.
func (d *Daemon) IsConnected(mac MAC) (bool, error) {
	st, err := d.TrackedDeviceState(mac)
	return st.Connected, err
}

// IsConnectedTo reports whether the tracked device is connected to the
// access point named apName.
func (d *Daemon) IsConnectedTo(mac MAC, apName string) (bool, error) {
	st, err := d.TrackedDeviceState(mac)
	if err != nil {
		return false, err
	}
	return st.Connected && st.AccessPointName != nil && *st.AccessPointName == apName, nil
}

// Sites lists the sites visible to the configured controller account.
func (d *Daemon) Sites(ctx context.Context) ([]unifi.Site, error) {
	sess, ok := d.sup.Session()
	if !ok {
		return nil, ErrNotConnected
	}
	sites, err := sess.Sites(ctx)
	if err != nil {
		d.pollFailed(ctx, sess, "sites", err)
		return nil, err
	}
	return sites, nil
}
