package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/awilliams/unifi-presence/internal/presence"
)

// daemonService runs a presence.Daemon under a supervisor.
type daemonService struct {
	d *presence.Daemon
}

func (s daemonService) Serve(ctx context.Context) error {
	return s.d.Run(ctx)
}

func (s daemonService) String() string {
	return "presence-daemon"
}

// eventHook logs supervisor events. Resumes are informational and panics
// are errors; everything else is a warning.
func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeResume:
			ev = logger.Info()
		case suture.EventTypeServicePanic:
			ev = logger.Error()
		default:
			ev = logger.Warn()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}
