package presence

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/awilliams/unifi-presence/internal/unifi"
)

const (
	testAPA   = "f0:00:00:00:00:0a"
	testAPB   = "f0:00:00:00:00:0b"
	testPhone = "aa:00:00:00:00:0d"
	testGuest = "bb:00:00:00:00:01"
)

type daemonTest struct {
	ctrl  *fakeController
	sink  *recordingSink
	store *memStore
	d     *Daemon
}

func newDaemonTest(t *testing.T, opts ...Opt) *daemonTest {
	t.Helper()

	ctrl := newFakeController()
	ctrl.devices = []unifi.DeviceRecord{
		{MAC: testAPA, Name: "Hallway", Type: "uap", Adopted: true},
		{MAC: testAPB, Name: "Garage", Type: "uap", Adopted: true},
		{MAC: "f0:00:00:00:00:ff", Name: "Switch", Type: "usw", Adopted: true},
	}
	ctrl.groups = []unifi.UserGroupRecord{{ID: "g1", Name: "Family"}}

	dt := daemonTest{
		ctrl:  ctrl,
		sink:  newRecordingSink(),
		store: newMemStore(),
	}

	opts = append([]Opt{
		WithConnector(ctrl),
		WithConfigSource(StaticConfig(validSettings)),
		WithEventSink(dt.sink),
		WithStore(dt.store),
	}, opts...)

	d, err := NewDaemon(context.Background(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	dt.d = d
	return &dt
}

func (dt *daemonTest) connect(t *testing.T) Session {
	t.Helper()
	sess, err := dt.d.sup.Connect(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (dt *daemonTest) setClients(clients ...unifi.ClientRecord) {
	dt.ctrl.set(func(c *fakeController) { c.clients = clients })
}

func mustMAC(t *testing.T, s string) MAC {
	t.Helper()
	mac, err := ParseMAC(s)
	if err != nil {
		t.Fatal(err)
	}
	return mac
}

func TestNewDaemon_Required(t *testing.T) {
	if _, err := NewDaemon(context.Background(), WithConfigSource(StaticConfig(validSettings))); err == nil {
		t.Error("NewDaemon() without connector succeeded; want error")
	}
	if _, err := NewDaemon(context.Background(), WithConnector(newFakeController())); err == nil {
		t.Error("NewDaemon() without config source succeeded; want error")
	}
}

func TestDaemon_FullRefreshOnConnect(t *testing.T) {
	dt := newDaemonTest(t)
	phone := mustMAC(t, testPhone)

	if _, err := dt.d.RegisterTrackedDevice(context.Background(), phone, ""); err != nil {
		t.Fatal(err)
	}
	dt.ctrl.users = []unifi.UserRecord{{MAC: testPhone, Hostname: "pixel-7"}}
	dt.setClients(unifi.ClientRecord{MAC: testPhone, Hostname: "pixel-7", RSSI: 24, APMAC: testAPA, UserGroupID: "g1"})
	dt.sink.reset()

	dt.connect(t)

	for _, name := range []string{"devices", "groups", "users", "clients"} {
		if n := dt.ctrl.callCount(name); n != 1 {
			t.Errorf("%s fetched %d times on connect; want 1", name, n)
		}
	}

	if got := dt.sink.names(); len(got) != 0 {
		t.Errorf("seeding poll emitted %v; want none", got)
	}

	st, err := dt.d.TrackedDeviceState(phone)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Connected || *st.RSSI != -71 || *st.SignalPercent != 47 || *st.AccessPointName != "Hallway" {
		t.Errorf("TrackedDeviceState() = connected:%v rssi:%v pct:%v ap:%v", st.Connected, *st.RSSI, *st.SignalPercent, *st.AccessPointName)
	}

	dev, ok := dt.store.get(phone)
	if !ok || dev.DisplayName() != "pixel-7" || !dev.Connected() {
		t.Errorf("stored device = %+v, %v; want connected pixel-7", dev, ok)
	}

	if name, ok := dt.d.AccessPointName(mustMAC(t, testAPB)); !ok || name != "Garage" {
		t.Errorf("AccessPointName() = %q, %v; want Garage", name, ok)
	}
	if _, ok := dt.d.AccessPointName(mustMAC(t, "f0:00:00:00:00:ff")); ok {
		t.Error("switch resolved as access point")
	}
	if st := dt.d.Status(); st.State != StateConnected || st.LastPoll == nil {
		t.Errorf("Status() = %+v; want Connected with last poll", st)
	}
}

func TestDaemon_TransportFailuresLeaveStateUntouched(t *testing.T) {
	dt := newDaemonTest(t)
	ctx := context.Background()
	phone := mustMAC(t, testPhone)

	if _, err := dt.d.RegisterTrackedDevice(ctx, phone, "Phone"); err != nil {
		t.Fatal(err)
	}
	dt.setClients(unifi.ClientRecord{MAC: testPhone, RSSI: 35, APMAC: testAPA})
	sess := dt.connect(t)

	before, _ := dt.d.TrackedDeviceState(phone)
	apsBefore := dt.d.AccessPoints("")
	dt.sink.reset()

	dt.ctrl.set(func(c *fakeController) {
		c.fetchErr = &unifi.TransportError{Op: "stat/sta", StatusCode: 503}
		c.clients = nil
	})
	for i := 0; i < 3; i++ {
		dt.d.refreshClients(ctx, sess)
	}

	if st := dt.d.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s after transport failures; want %s", st.State, StateDisconnected)
	}
	after, _ := dt.d.TrackedDeviceState(phone)
	if !after.Equal(before) {
		t.Errorf("state changed by failed polls: %+v -> %+v", before, after)
	}
	apsAfter := dt.d.AccessPoints("")
	for i := range apsBefore {
		if !equalPtr(apsBefore[i].NumClients, apsAfter[i].NumClients) {
			t.Errorf("%s NumClients changed by failed polls", apsBefore[i].Name)
		}
	}
	if got := dt.sink.names(); len(got) != 0 {
		t.Errorf("failed polls emitted %v; want none", got)
	}

	// Pollers no-op while disconnected.
	calls := dt.ctrl.callCount("clients")
	dt.d.pollClients(ctx)
	if n := dt.ctrl.callCount("clients"); n != calls {
		t.Errorf("client poll while disconnected fetched clients")
	}

	// Recovery: the device went away while the controller was unreachable.
	dt.ctrl.set(func(c *fakeController) { c.fetchErr = nil })
	if err := dt.d.sup.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	want := []string{EventDeviceDisconnected, EventSomeClientDisconnected, EventLastDeviceOffline, EventLastDeviceDisconnectedAP}
	if got := dt.sink.names(); !slices.Equal(got, want) {
		t.Errorf("events after recovery = %v; want %v", got, want)
	}
}

func TestDaemon_Candidates(t *testing.T) {
	dt := newDaemonTest(t)
	ctx := context.Background()

	if _, err := dt.d.ListRecentCandidates(ctx, 24); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ListRecentCandidates() while disconnected err = %v; want %v", err, ErrNotConnected)
	}

	dt.setClients(
		unifi.ClientRecord{MAC: testPhone, Name: "Phone", RSSI: 30},
		unifi.ClientRecord{MAC: testGuest, Hostname: "visitor", RSSI: 30},
		unifi.ClientRecord{MAC: "cc:00:00:00:00:01", Name: "Printer", IsWired: true},
	)
	dt.ctrl.users = []unifi.UserRecord{
		{MAC: testGuest, Name: "Visitor (history)"},
		{MAC: "aa:00:00:00:00:99", Hostname: "old-tablet"},
		{MAC: "cc:00:00:00:00:02", Name: "NAS", IsWired: true},
	}
	dt.connect(t)

	online := dt.d.ListOnlineCandidates()
	if len(online) != 2 || online[0].Name != "Phone" || online[1].Name != "visitor" {
		t.Errorf("ListOnlineCandidates() = %+v; want Phone, visitor", online)
	}

	if _, err := dt.d.RegisterTrackedDevice(ctx, mustMAC(t, testPhone), "Phone"); err != nil {
		t.Fatal(err)
	}

	recent, err := dt.d.ListRecentCandidates(ctx, 48)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range recent {
		names = append(names, c.Name)
	}
	if want := []string{"old-tablet", "visitor"}; !slices.Equal(names, want) {
		t.Errorf("ListRecentCandidates() names = %v; want %v", names, want)
	}
}

func TestDaemon_SyncTrackedDevices(t *testing.T) {
	dt := newDaemonTest(t)
	ctx := context.Background()
	phone, tablet, laptop := mustMAC(t, testPhone), mustMAC(t, "aa:00:00:00:00:0e"), mustMAC(t, "aa:00:00:00:00:0f")

	err := dt.d.SyncTrackedDevices(ctx, []TrackConfig{
		{Name: "Phone", MAC: phone},
		{Name: "Tablet", MAC: tablet},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := len(dt.d.TrackedDevices()); got != 2 {
		t.Fatalf("tracked %d devices; want 2", got)
	}
	dt.sink.reset()

	err = dt.d.SyncTrackedDevices(ctx, []TrackConfig{
		{Name: "Phone", MAC: phone},
		{Name: "Tablet (kids)", MAC: tablet},
		{Name: "Laptop", MAC: laptop},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := dt.sink.names(), []string{EventDeviceRegistered, EventDeviceRegistered}; !slices.Equal(got, want) {
		t.Errorf("events = %v; want %v", got, want)
	}
	if dev, _ := dt.store.get(tablet); dev.Label != "Tablet (kids)" {
		t.Errorf("stored tablet label = %q; want %q", dev.Label, "Tablet (kids)")
	}
	dt.sink.reset()

	if err := dt.d.SyncTrackedDevices(ctx, []TrackConfig{{Name: "Laptop", MAC: laptop}}); err != nil {
		t.Fatal(err)
	}
	if got, want := dt.sink.names(), []string{EventDeviceUnregistered, EventDeviceUnregistered}; !slices.Equal(got, want) {
		t.Errorf("events = %v; want %v", got, want)
	}
	if _, ok := dt.store.get(phone); ok {
		t.Error("phone still stored after removal")
	}
	if _, err := dt.d.TrackedDeviceState(phone); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("TrackedDeviceState(removed) err = %v; want %v", err, ErrUnknownEntity)
	}
}

func TestDaemon_RestoreFromStore(t *testing.T) {
	store := newMemStore()
	phone := mustMAC(t, testPhone)
	ap := "Hallway"
	store.devs[phone] = TrackedDevice{
		MAC:   phone,
		Label: "Phone",
		State: &TrackedDeviceState{Connected: true, AccessPointName: &ap},
	}

	dt := newDaemonTest(t, WithStore(store))
	dt.store = store

	ok, err := dt.d.IsConnectedTo(phone, "Hallway")
	if err != nil || !ok {
		t.Fatalf("IsConnectedTo() = %v, %v; want restored state", ok, err)
	}

	// The phone left while the daemon was down.
	dt.connect(t)
	if got := dt.sink.names(); !slices.Contains(got, EventDeviceDisconnected) {
		t.Errorf("events = %v; want %s", got, EventDeviceDisconnected)
	}
	if connected, _ := dt.d.IsConnected(phone); connected {
		t.Error("IsConnected() = true after disconnect")
	}
}

func TestDaemon_AccessPointsFilter(t *testing.T) {
	dt := newDaemonTest(t)
	dt.ctrl.devices = append(dt.ctrl.devices, unifi.DeviceRecord{MAC: "f0:00:00:00:00:0c", Name: "Attic", Type: "uap", Adopted: true})
	dt.connect(t)

	names := func(aps []AccessPoint) []string {
		var n []string
		for _, ap := range aps {
			n = append(n, ap.Name)
		}
		return n
	}

	cases := []struct {
		filter string
		want   []string
	}{
		{"", []string{"Attic", "Garage", "Hallway"}},
		{"a", []string{"Garage", "Hallway"}},
		{"A", []string{"Attic"}},
		{"zzz", nil},
	}
	for _, tc := range cases {
		if got := names(dt.d.AccessPoints(tc.filter)); !slices.Equal(got, tc.want) {
			t.Errorf("AccessPoints(%q) = %v; want %v", tc.filter, got, tc.want)
		}
	}
}

func TestDaemon_Sites(t *testing.T) {
	dt := newDaemonTest(t)
	dt.ctrl.sites = []unifi.Site{{ID: "1", Name: "default", Desc: "Default"}}

	if _, err := dt.d.Sites(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Sites() while disconnected err = %v; want %v", err, ErrNotConnected)
	}
	dt.connect(t)
	sites, err := dt.d.Sites(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != 1 || sites[0].Name != "default" {
		t.Errorf("Sites() = %+v", sites)
	}
}

func TestDaemon_Run(t *testing.T) {
	dt := newDaemonTest(t, WithIntervals(Intervals{
		ClientPoll:    10 * time.Millisecond,
		ReferencePoll: time.Hour,
		Reconnect:     10 * time.Millisecond,
	}), WithSettingsDebounce(10*time.Millisecond))
	phone := mustMAC(t, testPhone)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := dt.d.RegisterTrackedDevice(ctx, phone, "Phone"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- dt.d.Run(ctx) }()

	eventually(t, time.Second, func() bool {
		return dt.d.Status().LastPoll != nil
	})

	dt.setClients(unifi.ClientRecord{MAC: testPhone, RSSI: 30, APMAC: testAPB})
	e := dt.sink.waitFor(t, EventDeviceConnected, time.Second)
	t.Logf("event: %s %v", e.Name, e.Tokens)

	// A settings change reconnects with a new session.
	dt.d.SettingsChanged(ctx)
	dt.d.SettingsChanged(ctx)
	eventually(t, time.Second, func() bool {
		return dt.ctrl.callCount("connect") == 2 && dt.d.Status().State == StateConnected
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v; want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Run to return")
	}

	if !dt.ctrl.session(1).isClosed() {
		t.Error("session not closed on shutdown")
	}
}

func TestDaemon_ConnectStopsAfterReferenceFailure(t *testing.T) {
	dt := newDaemonTest(t)
	dt.ctrl.set(func(c *fakeController) {
		c.fetchErr = &unifi.TransportError{Op: "stat/device", StatusCode: 502}
	})

	if _, err := dt.d.sup.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := dt.d.Status(); st.State != StateDisconnected {
		t.Errorf("state = %s; want %s", st.State, StateDisconnected)
	}
	if n := dt.ctrl.callCount("clients"); n != 0 {
		t.Errorf("clients fetched %d times after the session failed; want 0", n)
	}
}

func TestDaemon_OverlappingClientPollSkipped(t *testing.T) {
	dt := newDaemonTest(t)
	ctx := context.Background()
	dt.connect(t)
	before := dt.ctrl.callCount("clients")

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	dt.ctrl.set(func(c *fakeController) {
		c.beforeClients = func() {
			entered <- struct{}{}
			<-release
		}
	})

	first := make(chan struct{})
	go func() {
		dt.d.guarded(ctx, "clients", &dt.d.clientsBusy, dt.d.pollClients)
		close(first)
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("first poll did not start")
	}

	second := make(chan struct{})
	go func() {
		dt.d.guarded(ctx, "clients", &dt.d.clientsBusy, dt.d.pollClients)
		close(second)
	}()
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Error("overlapping poll blocked; want it skipped")
	}

	close(release)
	<-first
	if n := dt.ctrl.callCount("clients") - before; n != 1 {
		t.Errorf("clients fetched %d times; want 1", n)
	}
	if len(entered) != 0 {
		t.Error("overlapping poll ran concurrently")
	}
}

// overtake runs fn in a goroutine from within a store write and gives it a
// short window to finish before the write continues.
func overtake(fn func()) {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDaemon_UnregisterDuringClientPoll(t *testing.T) {
	dt := newDaemonTest(t)
	ctx := context.Background()
	phone, tablet := mustMAC(t, testPhone), mustMAC(t, "aa:00:00:00:00:0e")
	for _, mac := range []MAC{phone, tablet} {
		if _, err := dt.d.RegisterTrackedDevice(ctx, mac, ""); err != nil {
			t.Fatal(err)
		}
	}
	sess := dt.connect(t)
	dt.setClients(
		unifi.ClientRecord{MAC: testPhone, RSSI: 30, APMAC: testAPA},
		unifi.ClientRecord{MAC: "aa:00:00:00:00:0e", RSSI: 30, APMAC: testAPA},
	)

	unregistered := make(chan error, 1)
	var fired atomic.Bool
	dt.store.setBeforeSave(func(dev TrackedDevice) {
		if fired.CompareAndSwap(false, true) {
			overtake(func() { unregistered <- dt.d.UnregisterTrackedDevice(ctx, tablet) })
		}
	})
	dt.d.refreshClients(ctx, sess)

	select {
	case err := <-unregistered:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("unregister did not complete")
	}
	if _, ok := dt.d.engine.TrackedDevice(tablet); ok {
		t.Error("engine still tracks unregistered device")
	}
	if dev, ok := dt.store.get(tablet); ok {
		t.Errorf("store holds unregistered device %+v", dev)
	}
	if _, ok := dt.store.get(phone); !ok {
		t.Error("store lost the phone")
	}
}

func TestDaemon_ClientPollDuringNameRefresh(t *testing.T) {
	dt := newDaemonTest(t)
	ctx := context.Background()
	phone := mustMAC(t, testPhone)
	if _, err := dt.d.RegisterTrackedDevice(ctx, phone, ""); err != nil {
		t.Fatal(err)
	}
	sess := dt.connect(t)

	dt.ctrl.set(func(c *fakeController) {
		c.users = []unifi.UserRecord{{MAC: testPhone, Hostname: "pixel-7"}}
		c.clients = []unifi.ClientRecord{{MAC: testPhone, Hostname: "pixel-7", RSSI: 30, APMAC: testAPA}}
	})

	polled := make(chan struct{})
	var fired atomic.Bool
	dt.store.setBeforeSave(func(dev TrackedDevice) {
		if fired.CompareAndSwap(false, true) {
			overtake(func() {
				dt.d.refreshClients(ctx, sess)
				close(polled)
			})
		}
	})
	dt.d.refreshReference(ctx, sess)

	select {
	case <-polled:
	case <-time.After(time.Second):
		t.Fatal("client poll did not complete")
	}
	if st, err := dt.d.TrackedDeviceState(phone); err != nil || !st.Connected {
		t.Fatalf("TrackedDeviceState() = %+v, %v; want connected after client poll", st, err)
	}
	dev, ok := dt.store.get(phone)
	if !ok || !dev.Connected() {
		t.Errorf("stored device = %+v, %v; want connected like the engine", dev, ok)
	}
}
