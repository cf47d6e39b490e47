// Package unifi is a minimal UniFi Network controller client covering the
// endpoints needed for presence tracking: clients, access points, user
// groups, recent users and sites.
package unifi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Opt is a configuration option for Connector.
type Opt func(*Connector)

// WithLogger is optional and defines a logger for the connector and its sessions.
func WithLogger(l zerolog.Logger) Opt {
	return func(c *Connector) {
		c.logger = l
	}
}

// WithBreaker is optional and overrides the circuit breaker defaults.
func WithBreaker(s BreakerSettings) Opt {
	return func(c *Connector) {
		c.breakerSettings = s
	}
}

// WithRoundTripper is optional and replaces the per-session transport. Used
// by tests.
func WithRoundTripper(rt http.RoundTripper) Opt {
	return func(c *Connector) {
		c.rt = rt
	}
}

// Connector opens controller sessions. All sessions share one circuit
// breaker, so a controller that keeps failing is not hammered by
// reconnect attempts.
type Connector struct {
	logger          zerolog.Logger
	breakerSettings BreakerSettings
	rt              http.RoundTripper
	breaker         *gobreaker.CircuitBreaker[[]byte]
}

// NewConnector returns a Connector, configured via the Opt arguments.
func NewConnector(opts ...Opt) *Connector {
	c := Connector{
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.breaker = newBreaker(c.breakerSettings, c.logger)
	return &c
}

// Connect logs in to the controller and returns an authenticated Session.
func (c *Connector) Connect(ctx context.Context, s Settings) (*Session, error) {
	rt := c.rt
	if rt == nil {
		rt = newTransport(s.VerifyTLS)
	}
	hc, err := newHTTPClient(rt, s.timeout())
	if err != nil {
		return nil, &TransportError{Op: "login", Err: err}
	}

	sess := &Session{
		c:        c,
		settings: s,
		base:     s.BaseURL(),
		hc:       hc,
		done:     make(chan struct{}),
	}

	login := struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Remember bool   `json:"remember"`
	}{
		Username: s.User,
		Password: s.Pass,
	}
	if _, err := sess.do(ctx, "login", http.MethodPost, s.loginPath(), login); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("controller", sess.base).
		Str("site", s.Site).
		Msg("controller login succeeded")

	return sess, nil
}

// Session is an authenticated controller session. It is safe for
// concurrent use.
type Session struct {
	c        *Connector
	settings Settings
	base     string
	hc       *http.Client

	mu   sync.Mutex // Protects csrf.
	csrf string

	doneOnce sync.Once
	done     chan struct{}
}

// Done is closed once the controller has rejected the session or Close
// has been called.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) expire() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Close logs out of the controller (best effort) and marks the session done.
func (s *Session) Close(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	defer s.expire()

	// Logout does not go through the breaker; a failed logout should not
	// count against controller health.
	req, err := s.newRequest(ctx, http.MethodPost, s.settings.logoutPath(), nil)
	if err != nil {
		return err
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return &TransportError{Op: "logout", Err: err}
	}
	drainAndClose(resp.Body, drainBodyBytes)
	return nil
}

// Clients returns all currently associated stations, wired and wireless.
func (s *Session) Clients(ctx context.Context) ([]ClientRecord, error) {
	return list[ClientRecord](ctx, s, "stat/sta", s.settings.sitePath("stat/sta"))
}

// AccessPoints returns all network devices. Use DeviceRecord.IsAccessPoint
// to select access points.
func (s *Session) AccessPoints(ctx context.Context) ([]DeviceRecord, error) {
	return list[DeviceRecord](ctx, s, "stat/device", s.settings.sitePath("stat/device"))
}

// UserGroups returns the site's user groups.
func (s *Session) UserGroups(ctx context.Context) ([]UserGroupRecord, error) {
	return list[UserGroupRecord](ctx, s, "list/usergroup", s.settings.sitePath("list/usergroup"))
}

// RecentUsers returns all clients seen within the given number of hours.
func (s *Session) RecentUsers(ctx context.Context, withinHours int) ([]UserRecord, error) {
	if withinHours <= 0 {
		withinHours = 24
	}
	path := s.settings.sitePath("stat/alluser?within=" + strconv.Itoa(withinHours))
	return list[UserRecord](ctx, s, "stat/alluser", path)
}

// Sites returns the sites visible to the logged in user.
func (s *Session) Sites(ctx context.Context) ([]Site, error) {
	return list[Site](ctx, s, "self/sites", s.settings.apiPath("self/sites"))
}

func list[T any](ctx context.Context, s *Session, op, path string) ([]T, error) {
	body, err := s.do(ctx, op, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var env envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return env.Data, nil
}

// do executes a request through the circuit breaker under the configured
// timeout, returning the response body of a successful call.
func (s *Session) do(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	select {
	case <-s.done:
		return nil, &TransportError{Op: op, Err: ErrSessionClosed}
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, s.settings.timeout())
	defer cancel()

	body, err := s.c.breaker.Execute(func() ([]byte, error) {
		return s.roundTrip(ctx, op, method, path, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &TransportError{Op: op, Err: err}
		}
		return nil, err
	}
	return body, nil
}

func (s *Session) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", defaultUserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	s.mu.Lock()
	if s.csrf != "" {
		req.Header.Set(csrfTokenHeader, s.csrf)
	}
	s.mu.Unlock()

	return req, nil
}

func (s *Session) roundTrip(ctx context.Context, op, method, path string, payload any) ([]byte, error) {
	req, err := s.newRequest(ctx, method, path, payload)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer drainAndClose(resp.Body, drainBodyBytes)

	// UniFi OS rotates the CSRF token on some responses.
	if tok := resp.Header.Get(updatedCSRFHeader); tok != "" {
		s.setCSRF(tok)
	} else if tok := resp.Header.Get(csrfTokenHeader); tok != "" {
		s.setCSRF(tok)
	}

	switch {
	case op == "login" && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden):
		// Classic controllers answer bad credentials with 400 api.err.Invalid.
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	case resp.StatusCode == http.StatusUnauthorized:
		if op != "login" {
			s.expire()
		}
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: ErrUnauthorized}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body := readErrorBody(resp.Body, maxErrorBodyBytes)
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected response: %q", body)}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	// UniFi OS login returns the user object without an envelope.
	var m struct {
		Meta *meta `json:"meta"`
	}
	if err := json.Unmarshal(b, &m); err == nil && m.Meta != nil && m.Meta.RC != "" && m.Meta.RC != "ok" {
		return nil, &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("controller error: %s", m.Meta.Msg)}
	}

	return b, nil
}

func (s *Session) setCSRF(tok string) {
	s.mu.Lock()
	s.csrf = tok
	s.mu.Unlock()
}
