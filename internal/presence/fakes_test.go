package presence

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/awilliams/unifi-presence/internal/unifi"
)

// fakeController is an in-memory Connector. Every Connect returns a new
// fakeSession reading the controller's current data.
type fakeController struct {
	mu         sync.Mutex
	clients    []unifi.ClientRecord
	devices    []unifi.DeviceRecord
	groups     []unifi.UserGroupRecord
	users      []unifi.UserRecord
	sites      []unifi.Site
	fetchErr   error
	connectErr error
	calls      map[string]int
	sessions   []*fakeSession

	// beforeConnect, if set, runs at the start of each Connect with the
	// 1-based call number.
	beforeConnect func(n int)
	// beforeClients, if set, runs at the start of each Clients fetch.
	beforeClients func()
}

func newFakeController() *fakeController {
	return &fakeController{calls: make(map[string]int)}
}

func (c *fakeController) Connect(ctx context.Context, s unifi.Settings) (Session, error) {
	c.mu.Lock()
	c.calls["connect"]++
	n := c.calls["connect"]
	hook := c.beforeConnect
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	sess := &fakeSession{c: c, done: make(chan struct{})}
	c.sessions = append(c.sessions, sess)
	return sess, nil
}

func (c *fakeController) set(fn func(c *fakeController)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeController) callCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *fakeController) session(i int) *fakeSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[i]
}

type fakeSession struct {
	c *fakeController

	once   sync.Once
	done   chan struct{}
	closed bool
}

func fetch[T any](s *fakeSession, name string, data func() []T) ([]T, error) {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.calls[name]++
	if s.c.fetchErr != nil {
		return nil, s.c.fetchErr
	}
	return slices.Clone(data()), nil
}

func (s *fakeSession) Clients(ctx context.Context) ([]unifi.ClientRecord, error) {
	s.c.mu.Lock()
	hook := s.c.beforeClients
	s.c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return fetch(s, "clients", func() []unifi.ClientRecord { return s.c.clients })
}

func (s *fakeSession) AccessPoints(ctx context.Context) ([]unifi.DeviceRecord, error) {
	return fetch(s, "devices", func() []unifi.DeviceRecord { return s.c.devices })
}

func (s *fakeSession) UserGroups(ctx context.Context) ([]unifi.UserGroupRecord, error) {
	return fetch(s, "groups", func() []unifi.UserGroupRecord { return s.c.groups })
}

func (s *fakeSession) RecentUsers(ctx context.Context, withinHours int) ([]unifi.UserRecord, error) {
	return fetch(s, "users", func() []unifi.UserRecord { return s.c.users })
}

func (s *fakeSession) Sites(ctx context.Context) ([]unifi.Site, error) {
	return fetch(s, "sites", func() []unifi.Site { return s.c.sites })
}

func (s *fakeSession) Done() <-chan struct{} {
	return s.done
}

// expire simulates the controller invalidating the session.
func (s *fakeSession) expire() {
	s.once.Do(func() { close(s.done) })
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.c.mu.Lock()
	s.closed = true
	s.c.mu.Unlock()
	s.expire()
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.closed
}

// mutableConfig is a ConfigSource whose settings can be changed by tests.
type mutableConfig struct {
	mu sync.Mutex
	s  unifi.Settings
}

func (c *mutableConfig) ControllerSettings() (unifi.Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s, nil
}

func (c *mutableConfig) set(s unifi.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s = s
}

var validSettings = unifi.Settings{
	Host: "unifi",
	Port: 8443,
	User: "ubnt",
	Pass: "ubnt",
	Site: "default",
}

// recordingSink collects emitted events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	notify chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan Event, 64)}
}

func (r *recordingSink) Emit(ctx context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- e:
	default:
	}
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eventNames(r.events)
}

func (r *recordingSink) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// waitFor waits for an event named name.
func (r *recordingSink) waitFor(t *testing.T, name string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-r.notify:
			if e.Name == name {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s event; got %v", name, r.names())
			return Event{}
		}
	}
}

// memStore is an in-memory Store.
type memStore struct {
	mu   sync.Mutex
	devs map[MAC]TrackedDevice

	// beforeSave, if set, runs at the start of each save.
	beforeSave func(dev TrackedDevice)
}

func newMemStore() *memStore {
	return &memStore{devs: make(map[MAC]TrackedDevice)}
}

func (m *memStore) TrackedDevices(ctx context.Context) ([]TrackedDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var devs []TrackedDevice
	for _, d := range m.devs {
		devs = append(devs, d)
	}
	return devs, nil
}

func (m *memStore) SaveTrackedDevice(ctx context.Context, dev TrackedDevice) error {
	m.mu.Lock()
	hook := m.beforeSave
	m.mu.Unlock()
	if hook != nil {
		hook(dev)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.devs[dev.MAC] = dev
	return nil
}

func (m *memStore) DeleteTrackedDevice(ctx context.Context, mac MAC) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devs, mac)
	return nil
}

func (m *memStore) setBeforeSave(fn func(dev TrackedDevice)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeSave = fn
}

func (m *memStore) get(mac MAC) (TrackedDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devs[mac]
	return d, ok
}

// eventually polls cond until it returns true or the timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
