package unifi

import (
	"net"
	"strconv"
	"time"
)

// DefaultTimeout bounds every controller request unless Settings.Timeout is set.
const DefaultTimeout = 30 * time.Second

// Settings holds what is needed to open a controller session.
type Settings struct {
	Host string
	Port int
	User string
	Pass string
	Site string

	// UniFiOS selects the UniFi OS console layout (/api/auth/login and
	// /proxy/network prefixed paths) instead of the classic controller.
	UniFiOS bool

	// VerifyTLS enables certificate verification. Controllers typically
	// use self-signed certificates, so it is off by default.
	VerifyTLS bool

	Timeout time.Duration
}

// BaseURL returns the controller's https base URL.
func (s Settings) BaseURL() string {
	host := s.Host
	if s.Port != 0 {
		host = net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	}
	return "https://" + host
}

func (s Settings) timeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultTimeout
	}
	return s.Timeout
}

func (s Settings) loginPath() string {
	if s.UniFiOS {
		return "/api/auth/login"
	}
	return "/api/login"
}

func (s Settings) logoutPath() string {
	if s.UniFiOS {
		return "/api/auth/logout"
	}
	return "/api/logout"
}

// apiPath returns the path for a global (non-site) endpoint.
func (s Settings) apiPath(p string) string {
	if s.UniFiOS {
		return "/proxy/network/api/" + p
	}
	return "/api/" + p
}

// sitePath returns the path for an endpoint scoped to the configured site.
func (s Settings) sitePath(p string) string {
	site := s.Site
	if site == "" {
		site = "default"
	}
	return s.apiPath("s/" + site + "/" + p)
}
