package presence

import (
	"context"

	"github.com/awilliams/unifi-presence/internal/unifi"
)

// Connector opens controller sessions.
type Connector interface {
	Connect(ctx context.Context, s unifi.Settings) (Session, error)
}

// Session is an authenticated controller session. Fetch errors are
// *unifi.TransportError values.
type Session interface {
	Clients(ctx context.Context) ([]unifi.ClientRecord, error)
	AccessPoints(ctx context.Context) ([]unifi.DeviceRecord, error)
	UserGroups(ctx context.Context) ([]unifi.UserGroupRecord, error)
	RecentUsers(ctx context.Context, withinHours int) ([]unifi.UserRecord, error)
	Sites(ctx context.Context) ([]unifi.Site, error)

	// Done is closed when the controller invalidates the session.
	Done() <-chan struct{}
	Close(ctx context.Context) error
}

// ConfigSource supplies the current controller settings. An error means
// the settings cannot be used.
type ConfigSource interface {
	ControllerSettings() (unifi.Settings, error)
}

// StaticConfig is a ConfigSource returning fixed settings.
type StaticConfig unifi.Settings

func (c StaticConfig) ControllerSettings() (unifi.Settings, error) {
	return unifi.Settings(c), nil
}

// UniFiConnector adapts a *unifi.Connector to Connector.
func UniFiConnector(c *unifi.Connector) Connector {
	return unifiConnector{c}
}

type unifiConnector struct {
	c *unifi.Connector
}

func (u unifiConnector) Connect(ctx context.Context, s unifi.Settings) (Session, error) {
	sess, err := u.c.Connect(ctx, s)
	if err != nil {
		// Avoid a non-nil Session holding a nil pointer.
		return nil, err
	}
	return sess, nil
}
