package unifi_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/awilliams/unifi-presence/internal/unifi"
	"github.com/awilliams/unifi-presence/internal/unifi/unifitest"
)

func connect(t *testing.T, ctrl *unifitest.Controller, opts ...unifi.Opt) *unifi.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := unifi.NewConnector(opts...).Connect(ctx, ctrl.Settings())
	if err != nil {
		t.Fatalf("Connect() err: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close(context.Background()) })
	return sess
}

func TestConnect_Fetch(t *testing.T) {
	ctrl := unifitest.New("ubnt", "secret")
	defer ctrl.Close()

	idle := 3
	ctrl.SetClients(
		unifi.ClientRecord{MAC: "aa:bb:cc:00:00:01", Name: "phone", RSSI: 24, APMAC: "f0:9f:c2:00:00:01", ESSID: "home", IdleTime: &idle},
		unifi.ClientRecord{MAC: "aa:bb:cc:00:00:02", Hostname: "nas", IsWired: true},
	)
	ctrl.SetDevices(
		unifi.DeviceRecord{MAC: "f0:9f:c2:00:00:01", Name: "Hallway", Type: "uap", Adopted: true},
		unifi.DeviceRecord{MAC: "f0:9f:c2:00:00:02", Name: "Switch", Type: "usw", Adopted: true},
	)
	ctrl.SetUserGroups(unifi.UserGroupRecord{ID: "g1", Name: "Family"})
	ctrl.SetUsers(unifi.UserRecord{MAC: "aa:bb:cc:00:00:03", Hostname: "laptop"})

	sess := connect(t, ctrl)
	ctx := context.Background()

	clients, err := sess.Clients(ctx)
	if err != nil {
		t.Fatalf("Clients() err: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("got %d clients; want 2", len(clients))
	}
	if got := clients[0]; got.DisplayName() != "phone" || got.RSSI != 24 || got.IdleTime == nil || *got.IdleTime != 3 {
		t.Errorf("clients[0] = %+v; unexpected", got)
	}
	if got := clients[1].DisplayName(); got != "nas" {
		t.Errorf("clients[1].DisplayName() = %q; want %q", got, "nas")
	}

	devices, err := sess.AccessPoints(ctx)
	if err != nil {
		t.Fatalf("AccessPoints() err: %v", err)
	}
	var aps int
	for _, d := range devices {
		if d.IsAccessPoint() {
			aps++
		}
	}
	if aps != 1 {
		t.Errorf("got %d access points; want 1", aps)
	}

	groups, err := sess.UserGroups(ctx)
	if err != nil {
		t.Fatalf("UserGroups() err: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "Family" {
		t.Errorf("UserGroups() = %+v; unexpected", groups)
	}

	users, err := sess.RecentUsers(ctx, 12)
	if err != nil {
		t.Fatalf("RecentUsers() err: %v", err)
	}
	if len(users) != 1 || users[0].DisplayName() != "laptop" {
		t.Errorf("RecentUsers() = %+v; unexpected", users)
	}
	if got, want := ctrl.LastQuery("stat/alluser"), "within=12"; got != want {
		t.Errorf("stat/alluser query = %q; want %q", got, want)
	}

	sites, err := sess.Sites(ctx)
	if err != nil {
		t.Fatalf("Sites() err: %v", err)
	}
	if len(sites) != 1 || sites[0].Name != "default" {
		t.Errorf("Sites() = %+v; unexpected", sites)
	}
}

func TestConnect_BadCredentials(t *testing.T) {
	ctrl := unifitest.New("ubnt", "secret")
	defer ctrl.Close()

	s := ctrl.Settings()
	s.Pass = "wrong"

	_, err := unifi.NewConnector().Connect(context.Background(), s)
	if err == nil {
		t.Fatal("Connect() with bad password returned nil error")
	}
	t.Logf("Connect() err: %v", err)

	if !unifi.IsTransportError(err) {
		t.Errorf("err = %T; want *unifi.TransportError", err)
	}
	if !errors.Is(err, unifi.ErrUnauthorized) {
		t.Errorf("errors.Is(err, ErrUnauthorized) = false; want true")
	}
}

func TestSession_Expired(t *testing.T) {
	ctrl := unifitest.New("ubnt", "secret")
	defer ctrl.Close()

	sess := connect(t, ctrl)
	ctrl.ExpireSessions()

	_, err := sess.Clients(context.Background())
	if !errors.Is(err, unifi.ErrUnauthorized) {
		t.Fatalf("Clients() err = %v; want ErrUnauthorized", err)
	}

	select {
	case <-sess.Done():
		t.Log("session done after 401")
	case <-time.After(time.Second):
		t.Fatal("session not marked done after 401")
	}

	_, err = sess.Clients(context.Background())
	if !errors.Is(err, unifi.ErrSessionClosed) {
		t.Errorf("Clients() on expired session err = %v; want ErrSessionClosed", err)
	}
}

func TestSession_ServerError(t *testing.T) {
	ctrl := unifitest.New("ubnt", "secret")
	defer ctrl.Close()

	sess := connect(t, ctrl)
	ctrl.FailWith(http.StatusServiceUnavailable)

	_, err := sess.Clients(context.Background())
	var te *unifi.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Clients() err = %v; want *unifi.TransportError", err)
	}
	if te.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d; want %d", te.StatusCode, http.StatusServiceUnavailable)
	}

	select {
	case <-sess.Done():
		t.Error("session marked done after 503; want only on 401")
	default:
	}
}

func TestSession_BreakerOpens(t *testing.T) {
	ctrl := unifitest.New("ubnt", "secret")
	defer ctrl.Close()

	sess := connect(t, ctrl, unifi.WithBreaker(unifi.BreakerSettings{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	}))
	ctrl.FailWith(http.StatusInternalServerError)

	for i := 0; i < 2; i++ {
		if _, err := sess.Clients(context.Background()); err == nil {
			t.Fatalf("Clients() #%d err = nil; want error", i)
		}
	}
	before := ctrl.Requests("stat/sta")

	_, err := sess.Clients(context.Background())
	if !unifi.IsTransportError(err) {
		t.Fatalf("Clients() with open breaker err = %v; want *unifi.TransportError", err)
	}
	if after := ctrl.Requests("stat/sta"); after != before {
		t.Errorf("controller received %d requests with open breaker; want 0", after-before)
	}
}

func TestConnect_Timeout(t *testing.T) {
	blocking := unifi.WithRoundTripper(roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	}))

	s := unifi.Settings{Host: "controller.invalid", Port: 8443, User: "u", Pass: "p", Timeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := unifi.NewConnector(blocking).Connect(context.Background(), s)
	if !unifi.IsTransportError(err) {
		t.Fatalf("Connect() err = %v; want *unifi.TransportError", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Connect() returned after %s; want bounded by timeout", elapsed)
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
