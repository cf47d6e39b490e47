package config

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/knadh/koanf/providers/file"
	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/presence"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

// ChangeFunc is called after a reload that changed the configuration.
type ChangeFunc func(ctx context.Context, old, cur *Config)

// SourceOpt is a configuration option for Source.
type SourceOpt func(*Source)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) SourceOpt {
	return func(s *Source) {
		s.logger = l
	}
}

// OnChange registers fn to run after every reload that changed the
// configuration.
func OnChange(fn ChangeFunc) SourceOpt {
	return func(s *Source) {
		s.onChange = append(s.onChange, fn)
	}
}

// Source holds the live configuration and reloads it when the file changes
// or the process receives SIGHUP. It implements presence.ConfigSource.
type Source struct {
	path     string
	logger   zerolog.Logger
	onChange []ChangeFunc

	cur    atomic.Pointer[Config]
	mu     sync.Mutex // Serializes reloads.
	reload chan struct{}
}

var _ presence.ConfigSource = (*Source)(nil)

// NewSource returns a Source starting from cfg, which was loaded from path.
func NewSource(path string, cfg *Config, opts ...SourceOpt) *Source {
	s := &Source{
		path:   path,
		logger: zerolog.Nop(),
		reload: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.cur.Store(cfg)
	return s
}

// Config returns the current configuration.
func (s *Source) Config() *Config {
	return s.cur.Load()
}

// ControllerSettings returns the current controller settings.
func (s *Source) ControllerSettings() (unifi.Settings, error) {
	return s.cur.Load().Controller.Settings(), nil
}

// Reload loads the configuration again. On error the current configuration
// is kept. The change callbacks run when the result differs.
func (s *Source) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := Load(s.path)
	if err != nil {
		return err
	}
	old := s.cur.Swap(next)
	if *old == *next {
		s.logger.Debug().Msg("configuration unchanged")
		return nil
	}

	s.logger.Info().
		Bool("controller_changed", old.Controller != next.Controller).
		Msg("configuration reloaded")
	if old.MQTT != next.MQTT || old.HTTP != next.HTTP || old.Store != next.Store || old.Poll != next.Poll {
		s.logger.Warn().Msg("mqtt, http, store and poll settings take effect after a restart")
	}

	for _, fn := range s.onChange {
		fn(ctx, old, next)
	}
	return nil
}

func (s *Source) String() string {
	return "config-source"
}

// Trigger requests a reload from Serve.
func (s *Source) Trigger() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Serve watches the config file and SIGHUP, reloading on either, until ctx
// is done.
func (s *Source) Serve(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if s.path != "" {
		fp := file.Provider(s.path)
		err := fp.Watch(func(event interface{}, err error) {
			if err != nil {
				s.logger.Warn().Err(err).Str("path", s.path).Msg("config file watch error")
				return
			}
			s.Trigger()
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = fp.Unwatch()
		}()
		s.logger.Debug().Str("path", s.path).Msg("watching config file")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-hup:
			s.logger.Info().Msg("received SIGHUP, reloading configuration")
		case <-s.reload:
		}

		if err := s.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("reloading configuration; keeping previous")
		}
	}
}
