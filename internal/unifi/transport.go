package unifi

import (
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Transport timeouts and pool limits.
const (
	dialTimeout           = 10 * time.Second
	keepAlive             = 30 * time.Second
	tlsHandshakeTimeout   = 10 * time.Second
	idleConnTimeout       = 90 * time.Second
	maxIdleConnsPerHost   = 2
	maxResponseBytes      = 32 << 20
	maxErrorBodyBytes     = 512
	drainBodyBytes        = 4096
	defaultUserAgent      = "unifi-presence"
	contentTypeJSON       = "application/json"
	csrfTokenHeader       = "X-Csrf-Token"
	updatedCSRFHeader     = "X-Updated-Csrf-Token"
	responseHeaderTimeout = 20 * time.Second
)

// newTransport returns the transport used for a single session. Each session
// gets its own so that idle connections die with the session.
func newTransport(verifyTLS bool) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ResponseHeaderTimeout: responseHeaderTimeout,
		IdleConnTimeout:       idleConnTimeout,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
	if !verifyTLS {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // controllers ship self-signed certs
	}
	return t
}

// newHTTPClient returns a client with a fresh cookie jar holding the
// session cookie set at login.
func newHTTPClient(rt http.RoundTripper, timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   timeout,
	}, nil
}

// drainAndClose reads up to limit bytes from rc and closes it so the
// connection can be reused.
func drainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// readErrorBody reads at most limit bytes of an error response body.
func readErrorBody(r io.Reader, limit int64) string {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return string(b)
}
