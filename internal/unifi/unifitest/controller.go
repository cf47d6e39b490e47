// Package unifitest provides a fake UniFi controller for tests.
package unifitest

import (
	"crypto/rand"
	"encoding/hex"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/awilliams/unifi-presence/internal/unifi"
)

const sessionCookie = "unifises"

// Controller mocks a classic UniFi controller over TLS. The zero value is
// not usable; create with New.
type Controller struct {
	srv *httptest.Server

	mu        sync.Mutex // Protects following.
	username  string
	password  string
	site      string
	sessions  map[string]bool
	clients   []unifi.ClientRecord
	devices   []unifi.DeviceRecord
	groups    []unifi.UserGroupRecord
	users     []unifi.UserRecord
	sites     []unifi.Site
	failWith  int
	requests  map[string]int
	lastQuery map[string]string
}

// New starts a fake controller accepting the given credentials for the
// "default" site.
func New(username, password string) *Controller {
	c := &Controller{
		username:  username,
		password:  password,
		site:      "default",
		sessions:  make(map[string]bool),
		requests:  make(map[string]int),
		lastQuery: make(map[string]string),
		sites:     []unifi.Site{{ID: "site0", Name: "default", Desc: "Default"}},
	}
	c.srv = httptest.NewTLSServer(http.HandlerFunc(c.serveHTTP))
	return c
}

// Close shuts down the server.
func (c *Controller) Close() {
	c.srv.Close()
}

// Settings returns connection settings pointing at the fake controller.
func (c *Controller) Settings() unifi.Settings {
	host, port, _ := net.SplitHostPort(strings.TrimPrefix(c.srv.URL, "https://"))
	p, _ := strconv.Atoi(port)
	return unifi.Settings{
		Host: host,
		Port: p,
		User: c.username,
		Pass: c.password,
		Site: c.site,
	}
}

// SetClients replaces the stat/sta response.
func (c *Controller) SetClients(clients ...unifi.ClientRecord) {
	c.mu.Lock()
	c.clients = clients
	c.mu.Unlock()
}

// SetDevices replaces the stat/device response.
func (c *Controller) SetDevices(devices ...unifi.DeviceRecord) {
	c.mu.Lock()
	c.devices = devices
	c.mu.Unlock()
}

// SetUserGroups replaces the list/usergroup response.
func (c *Controller) SetUserGroups(groups ...unifi.UserGroupRecord) {
	c.mu.Lock()
	c.groups = groups
	c.mu.Unlock()
}

// SetUsers replaces the stat/alluser response.
func (c *Controller) SetUsers(users ...unifi.UserRecord) {
	c.mu.Lock()
	c.users = users
	c.mu.Unlock()
}

// SetSites replaces the self/sites response.
func (c *Controller) SetSites(sites ...unifi.Site) {
	c.mu.Lock()
	c.sites = sites
	c.mu.Unlock()
}

// FailWith makes every subsequent request, including login, respond with
// the given HTTP status. 0 restores normal behavior.
func (c *Controller) FailWith(status int) {
	c.mu.Lock()
	c.failWith = status
	c.mu.Unlock()
}

// ExpireSessions invalidates all issued session cookies.
func (c *Controller) ExpireSessions() {
	c.mu.Lock()
	c.sessions = make(map[string]bool)
	c.mu.Unlock()
}

// Requests returns how many requests were made to the endpoint, e.g.
// "login" or "stat/sta".
func (c *Controller) Requests(endpoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[endpoint]
}

// LastQuery returns the raw query string of the last request to the endpoint.
func (c *Controller) LastQuery(endpoint string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuery[endpoint]
}

func (c *Controller) serveHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := c.endpoint(r.URL.Path)

	c.mu.Lock()
	c.requests[endpoint]++
	c.lastQuery[endpoint] = r.URL.RawQuery
	failWith := c.failWith
	c.mu.Unlock()

	if failWith != 0 {
		http.Error(w, http.StatusText(failWith), failWith)
		return
	}

	switch endpoint {
	case "login":
		c.login(w, r)
		return
	case "logout":
		if ck, err := r.Cookie(sessionCookie); err == nil {
			c.mu.Lock()
			delete(c.sessions, ck.Value)
			c.mu.Unlock()
		}
		writeData(w, []struct{}{})
		return
	}

	if !c.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]any{
			"meta": map[string]string{"rc": "error", "msg": "api.err.LoginRequired"},
			"data": []struct{}{},
		})
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch endpoint {
	case "stat/sta":
		writeData(w, c.clients)
	case "stat/device":
		writeData(w, c.devices)
	case "list/usergroup":
		writeData(w, c.groups)
	case "stat/alluser":
		writeData(w, c.users)
	case "self/sites":
		writeData(w, c.sites)
	default:
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{
			"meta": map[string]string{"rc": "error", "msg": "api.err.NotFound"},
			"data": []struct{}{},
		})
	}
}

func (c *Controller) endpoint(path string) string {
	switch path {
	case "/api/login":
		return "login"
	case "/api/logout":
		return "logout"
	case "/api/self/sites":
		return "self/sites"
	}
	prefix := "/api/s/" + c.site + "/"
	if strings.HasPrefix(path, prefix) {
		return strings.TrimPrefix(path, prefix)
	}
	return path
}

func (c *Controller) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if creds.Username != c.username || creds.Password != c.password {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{
			"meta": map[string]string{"rc": "error", "msg": "api.err.Invalid"},
			"data": []struct{}{},
		})
		return
	}

	b := make([]byte, 16)
	_, _ = rand.Read(b)
	token := hex.EncodeToString(b)

	c.mu.Lock()
	c.sessions[token] = true
	c.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: token, Path: "/", HttpOnly: true, Secure: true})
	writeData(w, []struct{}{})
}

func (c *Controller) authorized(r *http.Request) bool {
	ck, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[ck.Value]
}

func writeData[T any](w http.ResponseWriter, data []T) {
	if data == nil {
		data = []T{}
	}
	writeJSON(w, map[string]any{
		"meta": map[string]string{"rc": "ok"},
		"data": data,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
