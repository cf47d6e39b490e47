package presence

import (
	"bytes"
	"cmp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/metrics"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

// Engine diffs consecutive client populations against the tracked devices
// and produces transition events. It owns all reconciliation state; every
// mutation is serialized under mu. The population is additionally published
// through an atomic pointer for lock free readers.
type Engine struct {
	logger zerolog.Logger
	refs   *ReferenceCache
	now    func() time.Time

	pop atomic.Pointer[Population]

	mu        sync.RWMutex // Protects following.
	devices   map[MAC]*TrackedDevice
	occupancy map[MAC]*int
}

// Result is the outcome of one reconciliation.
type Result struct {
	// Events in emission order.
	Events []Event
	// Changed holds copies of tracked devices whose stored values changed.
	Changed []TrackedDevice
}

// NewEngine returns an Engine resolving names through refs.
func NewEngine(refs *ReferenceCache, logger zerolog.Logger) *Engine {
	return &Engine{
		logger:    logger,
		refs:      refs,
		now:       time.Now,
		devices:   make(map[MAC]*TrackedDevice),
		occupancy: make(map[MAC]*int),
	}
}

// Population returns the latest committed population, or nil before the
// first successful poll.
func (e *Engine) Population() *Population {
	return e.pop.Load()
}

// Reconcile commits pop as the current population and returns the events
// derived from the difference with the previous one. Steps run in order:
// guest detection, tracked devices, aggregate edges, access point occupancy.
func (e *Engine) Reconcile(pop *Population) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.pop.Load()
	at := pop.ObservedAt
	if at.IsZero() {
		at = e.now()
	}

	var res Result

	// Guests. The first population only seeds.
	if prev != nil {
		res.Events = append(res.Events, e.guestEvents(prev, pop, at)...)
	}

	// Tracked devices.
	var onlineBefore, onlineAfter int
	for _, mac := range sortedKeys(e.devices) {
		dev := e.devices[mac]
		events, wasConnected, changed := e.reconcileDevice(dev, pop, at)
		res.Events = append(res.Events, events...)
		if wasConnected {
			onlineBefore++
		}
		if dev.Connected() {
			onlineAfter++
		}
		if changed {
			res.Changed = append(res.Changed, dev.clone())
		}
	}

	// Aggregate edges.
	switch {
	case onlineBefore == 0 && onlineAfter > 0:
		res.Events = append(res.Events, newEvent(EventFirstDeviceOnline, at, nil, nil))
	case onlineBefore > 0 && onlineAfter == 0:
		res.Events = append(res.Events, newEvent(EventLastDeviceOffline, at, nil, nil))
	}

	// Access point occupancy.
	res.Events = append(res.Events, e.occupancyEvents(at)...)

	e.pop.Store(pop)
	e.updateGauges(pop)

	return res
}

func (e *Engine) guestEvents(prev, pop *Population, at time.Time) []Event {
	var events []Event
	for _, mac := range sortedKeys(pop.Clients) {
		if _, tracked := e.devices[mac]; tracked {
			continue
		}
		if _, seen := prev.Clients[mac]; seen {
			continue
		}
		events = append(events, newEvent(EventGuestConnected, at, nil, guestTokens(pop.Clients[mac])))
	}
	for _, mac := range sortedKeys(prev.Clients) {
		if _, tracked := e.devices[mac]; tracked {
			continue
		}
		if _, online := pop.Clients[mac]; online {
			continue
		}
		events = append(events, newEvent(EventGuestDisconnected, at, nil, guestTokens(prev.Clients[mac])))
	}
	return events
}

func guestTokens(obs ClientObservation) map[string]any {
	return map[string]any{
		"mac":   obs.MAC.String(),
		"name":  obs.Name,
		"essid": obs.ESSID,
		"group": obs.UserGroupName,
	}
}

// reconcileDevice applies pop to dev. It reports whether the device counted
// as connected before this poll, and whether stored values changed. A device
// with an unknown state is seeded without events and counts as unchanged for
// the aggregate edges.
func (e *Engine) reconcileDevice(dev *TrackedDevice, pop *Population, at time.Time) (events []Event, wasConnected, changed bool) {
	obs, online := pop.lookup(dev.MAC)

	next := disconnectedState()
	if online {
		next = observedState(obs, e.refs)
	}

	prevState := dev.State

	if online {
		if obs.Name != "" && obs.Name != dev.ClientName {
			dev.ClientName = obs.Name
			changed = true
		}
		if obs.UserGroupName != dev.GroupName || obs.ESSID != dev.ESSID {
			dev.GroupName, dev.ESSID = obs.UserGroupName, obs.ESSID
			changed = true
		}
		if !equalPtr(obs.AccessPointMAC, dev.AccessPointMAC) {
			if dev.AccessPointMAC != nil {
				p := *dev.AccessPointMAC
				dev.PreviousAccessPointMAC = &p
			}
			dev.AccessPointMAC = obs.AccessPointMAC
			changed = true
		}
	} else if dev.AccessPointMAC != nil {
		p := *dev.AccessPointMAC
		dev.PreviousAccessPointMAC = &p
		dev.AccessPointMAC = nil
		changed = true
	}

	if prevState == nil || !prevState.Equal(next) {
		changed = true
	}
	dev.State = &next
	if changed {
		dev.UpdatedAt = at
	}

	if prevState == nil {
		e.logger.Debug().Stringer("mac", dev.MAC).Bool("connected", next.Connected).Msg("seeded tracked device state")
		return nil, next.Connected, changed
	}
	wasConnected = prevState.Connected

	clientTokens := map[string]any{
		"mac":   dev.MAC.String(),
		"name":  dev.DisplayName(),
		"group": dev.GroupName,
	}

	switch {
	case !prevState.Connected && next.Connected:
		events = append(events,
			newEvent(EventDeviceConnected, at, dev, map[string]any{
				"rssi":          optInt(next.RSSI),
				"signalPercent": optInt(next.SignalPercent),
			}),
			newEvent(EventSomeClientConnected, at, dev, clientTokens),
		)

	case prevState.Connected && !next.Connected:
		events = append(events,
			newEvent(EventDeviceDisconnected, at, dev, nil),
			newEvent(EventSomeClientDisconnected, at, dev, clientTokens),
		)

	case prevState.Connected && next.Connected && !equalPtr(prevState.AccessPointName, next.AccessPointName):
		tokens := map[string]any{
			"accessPoint":      optString(next.AccessPointName),
			"accessPoint_prev": optString(prevState.AccessPointName),
			"roamCount":        obs.RoamCount,
			"radioProto":       obs.RadioProto,
		}
		events = append(events,
			newEvent(EventDeviceRoamed, at, dev, tokens),
			newEvent(EventDeviceRoamedToAccessPoint, at, dev, tokens),
			newEvent(EventDeviceRoamedFromAP, at, dev, tokens),
		)

	case prevState.Connected && next.Connected && (!equalPtr(prevState.RSSI, next.RSSI) || !equalPtr(prevState.SignalPercent, next.SignalPercent)):
		events = append(events, newEvent(EventDeviceSignalChanged, at, dev, map[string]any{
			"rssi":          optInt(next.RSSI),
			"signalPercent": optInt(next.SignalPercent),
			"accessPoint":   optString(next.AccessPointName),
		}))
	}

	return events, wasConnected, changed
}

func (e *Engine) occupancyEvents(at time.Time) []Event {
	counts := make(map[MAC]int)
	for _, dev := range e.devices {
		if dev.Connected() && dev.AccessPointMAC != nil {
			counts[*dev.AccessPointMAC]++
		}
	}

	aps := e.refs.AccessPoints()
	macs := sortedKeys(aps)
	slices.SortStableFunc(macs, func(a, b MAC) int {
		return cmp.Compare(aps[a], aps[b])
	})

	var events []Event
	for _, mac := range macs {
		cur := counts[mac]
		prev := e.occupancy[mac]
		if prev != nil && *prev != cur {
			tokens := map[string]any{
				"accessPoint":   aps[mac],
				"previousCount": *prev,
				"currentCount":  cur,
			}
			switch {
			case *prev == 0 && cur > 0:
				events = append(events, newEvent(EventFirstDeviceConnectedToAP, at, nil, tokens))
			case *prev > 0 && cur == 0:
				events = append(events, newEvent(EventLastDeviceDisconnectedAP, at, nil, tokens))
			}
		}
		e.occupancy[mac] = &cur
	}
	return events
}

func (e *Engine) updateGauges(pop *Population) {
	metrics.OnlineClients.Set(float64(len(pop.Clients)))
	var connected, disconnected, unknown int
	for _, dev := range e.devices {
		switch {
		case dev.State == nil:
			unknown++
		case dev.State.Connected:
			connected++
		default:
			disconnected++
		}
	}
	metrics.TrackedDevices.WithLabelValues("connected").Set(float64(connected))
	metrics.TrackedDevices.WithLabelValues("disconnected").Set(float64(disconnected))
	metrics.TrackedDevices.WithLabelValues("unknown").Set(float64(unknown))
}

// Register starts tracking mac. When a population is available the state is
// seeded from it, otherwise the state stays unknown until the next poll.
// Registering an already tracked device updates its label. The returned bool
// is true when the device was not tracked before.
func (e *Engine) Register(mac MAC, label string) (TrackedDevice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if dev, ok := e.devices[mac]; ok {
		dev.Label = label
		return dev.clone(), false
	}

	dev := &TrackedDevice{MAC: mac, Label: label, UpdatedAt: e.now()}
	if pop := e.pop.Load(); pop != nil {
		e.reconcileDevice(dev, pop, e.now())
	}
	e.devices[mac] = dev
	return dev.clone(), true
}

// Unregister stops tracking mac.
func (e *Engine) Unregister(mac MAC) (TrackedDevice, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	dev, ok := e.devices[mac]
	if !ok {
		return TrackedDevice{}, false
	}
	delete(e.devices, mac)
	return dev.clone(), true
}

// Restore loads previously persisted devices, keeping their last known state.
func (e *Engine) Restore(devs []TrackedDevice) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range devs {
		c := d.clone()
		e.devices[d.MAC] = &c
	}
}

// TrackedDevice returns a copy of the tracked device.
func (e *Engine) TrackedDevice(mac MAC) (TrackedDevice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dev, ok := e.devices[mac]
	if !ok {
		return TrackedDevice{}, false
	}
	return dev.clone(), true
}

// TrackedDevices returns copies of all tracked devices ordered by MAC.
func (e *Engine) TrackedDevices() []TrackedDevice {
	e.mu.RLock()
	defer e.mu.RUnlock()

	devs := make([]TrackedDevice, 0, len(e.devices))
	for _, mac := range sortedKeys(e.devices) {
		devs = append(devs, e.devices[mac].clone())
	}
	return devs
}

// RefreshNames updates controller names of tracked devices from the known
// user history and returns the devices that changed.
func (e *Engine) RefreshNames(users []unifi.UserRecord) []TrackedDevice {
	e.mu.Lock()
	defer e.mu.Unlock()

	var changed []TrackedDevice
	for _, u := range users {
		mac, err := ParseMAC(u.MAC)
		if err != nil {
			continue
		}
		dev, ok := e.devices[mac]
		if !ok {
			continue
		}
		if name := u.DisplayName(); name != "" && name != dev.ClientName {
			dev.ClientName = name
			changed = append(changed, dev.clone())
		}
	}
	return changed
}

// AccessPoints returns the known access points with their occupancy.
func (e *Engine) AccessPoints() []AccessPoint {
	e.mu.RLock()
	defer e.mu.RUnlock()

	dir := e.refs.AccessPoints()
	aps := make([]AccessPoint, 0, len(dir))
	for mac, name := range dir {
		ap := AccessPoint{MAC: mac, Name: name}
		if n := e.occupancy[mac]; n != nil {
			c := *n
			ap.NumClients = &c
		}
		aps = append(aps, ap)
	}
	slices.SortFunc(aps, func(a, b AccessPoint) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return bytes.Compare(a.MAC[:], b.MAC[:])
	})
	return aps
}

func sortedKeys[V any](m map[MAC]V) []MAC {
	keys := make([]MAC, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b MAC) int {
		return bytes.Compare(a[:], b[:])
	})
	return keys
}
