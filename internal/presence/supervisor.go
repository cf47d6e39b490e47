package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/metrics"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

// ConnState is the state of the controller connection.
type ConnState int

const (
	StateInitializing ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateConnecting:
		return "Connecting…"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "?"
	}
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnState) UnmarshalText(b []byte) error {
	for c := StateInitializing; c <= StateDisconnected; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// Status describes the controller connection for diagnostics.
type Status struct {
	State    ConnState  `json:"state"`
	Reason   string     `json:"reason,omitempty"`
	Attempt  uint64     `json:"attempt"`
	Since    time.Time  `json:"since"`
	LastPoll *time.Time `json:"last_poll,omitempty"`
}

const sessionCloseTimeout = 5 * time.Second

var (
	errSessionExpired  = errors.New("controller session expired")
	errSettingsChanged = errors.New("controller settings changed")
)

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Connector Connector
	Config    ConfigSource
	Logger    zerolog.Logger
	// OnConnected is called after each successful connection, before
	// Connect returns.
	OnConnected func(ctx context.Context, sess Session)
}

// Supervisor owns the controller session. Every connection attempt is
// numbered; an attempt completing after a newer one started is discarded
// and its session closed.
type Supervisor struct {
	cfg    SupervisorConfig
	logger zerolog.Logger

	mu       sync.Mutex // Protects following.
	state    ConnState
	reason   error
	since    time.Time
	attempt  uint64
	pending  int
	session  Session
	lastPoll time.Time
}

// NewSupervisor returns a Supervisor in the Initializing state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateInitializing,
		since:  time.Now(),
	}
}

// Connect starts a new connection attempt, superseding any attempt in
// flight. It returns ErrStaleAttempt if a newer attempt starts before this
// one completes.
func (s *Supervisor) Connect(ctx context.Context) (Session, error) {
	s.mu.Lock()
	n, old := s.beginLocked()
	s.mu.Unlock()

	return s.run(ctx, n, old)
}

// Tick connects when not connected and no attempt is in flight. It is safe
// to call repeatedly.
func (s *Supervisor) Tick(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.pending > 0 {
		s.mu.Unlock()
		return nil
	}
	n, old := s.beginLocked()
	s.mu.Unlock()

	_, err := s.run(ctx, n, old)
	return err
}

// SettingsChanged drops the current session and reconnects with the new
// settings.
func (s *Supervisor) SettingsChanged(ctx context.Context) (Session, error) {
	s.mu.Lock()
	s.setStateLocked(StateDisconnected, errSettingsChanged)
	n, old := s.beginLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("controller settings changed; reconnecting")

	return s.run(ctx, n, old)
}

// Fail reports a transport error for sess. It is ignored unless sess is the
// current session. The return value reports whether the state changed.
func (s *Supervisor) Fail(sess Session, err error) bool {
	s.mu.Lock()
	if sess == nil || sess != s.session {
		s.mu.Unlock()
		return false
	}
	s.session = nil
	s.setStateLocked(StateDisconnected, err)
	s.mu.Unlock()

	s.logger.Warn().Err(err).Msg("controller connection lost")
	s.closeSession(sess)
	return true
}

// Session returns the current session, if connected.
func (s *Supervisor) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.session != nil
}

// MarkPolled records a successful client poll.
func (s *Supervisor) MarkPolled(t time.Time) {
	s.mu.Lock()
	s.lastPoll = t
	s.mu.Unlock()
	metrics.LastPollTimestamp.Set(float64(t.Unix()))
}

// Status returns the connection status.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:   s.state,
		Attempt: s.attempt,
		Since:   s.since,
	}
	if s.reason != nil {
		st.Reason = s.reason.Error()
	}
	if !s.lastPoll.IsZero() {
		lp := s.lastPoll
		st.LastPoll = &lp
	}
	return st
}

// Close invalidates any attempt in flight and closes the current session.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.attempt++
	old := s.session
	s.session = nil
	s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	return old.Close(ctx)
}

// beginLocked numbers a new attempt and detaches the current session,
// which the caller must close.
func (s *Supervisor) beginLocked() (uint64, Session) {
	s.attempt++
	s.pending++
	old := s.session
	s.session = nil
	s.setStateLocked(StateConnecting, s.reason)
	return s.attempt, old
}

func (s *Supervisor) run(ctx context.Context, n uint64, old Session) (Session, error) {
	s.closeSession(old)

	settings, err := s.cfg.Config.ControllerSettings()
	if err == nil {
		err = validateSettings(settings)
	}
	if err != nil {
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			cfgErr = &ConfigurationError{Reason: err.Error()}
		}
		return s.finish(ctx, n, nil, cfgErr)
	}

	s.logger.Debug().
		Uint64("attempt", n).
		Str("controller", settings.BaseURL()).
		Msg("connecting to controller")

	sess, err := s.cfg.Connector.Connect(ctx, settings)
	return s.finish(ctx, n, sess, err)
}

func (s *Supervisor) finish(ctx context.Context, n uint64, sess Session, err error) (Session, error) {
	s.mu.Lock()
	s.pending--
	if n != s.attempt {
		s.mu.Unlock()
		metrics.ConnectAttempts.WithLabelValues("stale").Inc()
		s.logger.Debug().Uint64("attempt", n).Msg("discarding stale connection attempt")
		s.closeSession(sess)
		return nil, ErrStaleAttempt
	}
	if err != nil {
		s.setStateLocked(StateDisconnected, err)
		s.mu.Unlock()

		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			metrics.ConnectAttempts.WithLabelValues("config").Inc()
		} else {
			metrics.ConnectAttempts.WithLabelValues("error").Inc()
		}
		s.logger.Warn().Err(err).Uint64("attempt", n).Msg("controller connection failed")
		return nil, err
	}
	s.session = sess
	s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("ok").Inc()
	s.logger.Info().Uint64("attempt", n).Msg("connected to controller")

	go s.watch(sess)

	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected(ctx, sess)
	}
	return sess, nil
}

// watch reports the session as failed once the controller invalidates it.
func (s *Supervisor) watch(sess Session) {
	<-sess.Done()
	s.Fail(sess, errSessionExpired)
}

func (s *Supervisor) closeSession(sess Session) {
	if sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionCloseTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("closing controller session")
	}
}

func (s *Supervisor) setStateLocked(state ConnState, reason error) {
	if s.state != state {
		s.since = time.Now()
	}
	s.state = state
	s.reason = reason
	if state == StateConnected {
		metrics.Connected.Set(1)
	} else {
		metrics.Connected.Set(0)
	}
}

func validateSettings(s unifi.Settings) error {
	switch {
	case s.Host == "":
		return &ConfigurationError{Reason: "host is required"}
	case s.Port <= 0 || s.Port > 65535:
		return &ConfigurationError{Reason: "port must be between 1 and 65535"}
	case s.User == "" || s.Pass == "":
		return &ConfigurationError{Reason: "username and password are required"}
	case s.Site == "":
		return &ConfigurationError{Reason: "site is required"}
	}
	return nil
}
