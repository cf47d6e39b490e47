// Package api serves the presence daemon over HTTP: tracked device
// management, candidate listing, access points, diagnostics and a
// websocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/awilliams/unifi-presence/internal/presence"
	"github.com/awilliams/unifi-presence/internal/unifi"
)

// Daemon is the part of presence.Daemon served over HTTP.
type Daemon interface {
	Status() presence.Status
	ListOnlineCandidates() []presence.Candidate
	ListRecentCandidates(ctx context.Context, windowHours int) ([]presence.Candidate, error)
	TrackedDevices() []presence.TrackedDevice
	TrackedDevice(mac presence.MAC) (presence.TrackedDevice, error)
	TrackedDeviceState(mac presence.MAC) (presence.TrackedDeviceState, error)
	RegisterTrackedDevice(ctx context.Context, mac presence.MAC, label string) (presence.TrackedDevice, error)
	UnregisterTrackedDevice(ctx context.Context, mac presence.MAC) error
	IsConnected(mac presence.MAC) (bool, error)
	IsConnectedTo(mac presence.MAC, apName string) (bool, error)
	AccessPoints(filter string) []presence.AccessPoint
	AccessPointName(mac presence.MAC) (string, bool)
	Sites(ctx context.Context) ([]unifi.Site, error)
}

var _ Daemon = (*presence.Daemon)(nil)

// Server holds the HTTP handlers.
type Server struct {
	daemon   Daemon
	hub      *Hub
	logger   zerolog.Logger
	validate *validator.Validate
}

// NewServer returns a Server for d. Events reach websocket clients through
// hub.
func NewServer(d Daemon, hub *Hub, logger zerolog.Logger) *Server {
	return &Server{
		daemon:   d,
		hub:      hub,
		logger:   logger,
		validate: validator.New(),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/candidates", s.candidates)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.listDevices)
			r.Route("/{mac}", func(r chi.Router) {
				r.Use(macParam)
				r.Get("/", s.getDevice)
				r.Put("/", s.putDevice)
				r.Delete("/", s.deleteDevice)
				r.Get("/connected", s.deviceConnected)
			})
		})

		r.Get("/accesspoints", s.listAccessPoints)
		r.With(macParam).Get("/accesspoints/{mac}", s.getAccessPoint)
		r.Get("/sites", s.sites)
		r.Get("/events", s.events)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

type macKey struct{}

// macParam parses the {mac} URL parameter.
func macParam(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mac, err := presence.ParseMAC(chi.URLParam(r, "mac"))
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), macKey{}, mac)))
	})
}

func macFrom(r *http.Request) presence.MAC {
	mac, _ := r.Context().Value(macKey{}).(presence.MAC)
	return mac
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"controller": s.daemon.Status().State,
	})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.daemon.Status())
}

// candidates lists online clients, or recently seen clients when the
// within parameter (hours) is present.
func (s *Server) candidates(w http.ResponseWriter, r *http.Request) {
	within := r.URL.Query().Get("within")
	if within == "" {
		respondJSON(w, http.StatusOK, nonNil(s.daemon.ListOnlineCandidates()))
		return
	}

	hours, err := strconv.Atoi(within)
	if err != nil || hours < 0 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid within %q; want hours", within))
		return
	}
	cs, err := s.daemon.ListRecentCandidates(r.Context(), hours)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(cs))
}

// deviceResponse is a tracked device with its state resolved.
type deviceResponse struct {
	MAC            presence.MAC                `json:"mac"`
	Name           string                      `json:"name"`
	Label          string                      `json:"label,omitempty"`
	ClientName     string                      `json:"client_name,omitempty"`
	State          presence.TrackedDeviceState `json:"state"`
	Observed       bool                        `json:"observed"`
	AccessPointMAC *presence.MAC               `json:"access_point_mac"`
	Group          string                      `json:"group,omitempty"`
	ESSID          string                      `json:"essid,omitempty"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

func newDeviceResponse(dev presence.TrackedDevice, state presence.TrackedDeviceState) deviceResponse {
	return deviceResponse{
		MAC:            dev.MAC,
		Name:           dev.DisplayName(),
		Label:          dev.Label,
		ClientName:     dev.ClientName,
		State:          state,
		Observed:       dev.State != nil,
		AccessPointMAC: dev.AccessPointMAC,
		Group:          dev.GroupName,
		ESSID:          dev.ESSID,
		UpdatedAt:      dev.UpdatedAt,
	}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devs := s.daemon.TrackedDevices()
	resp := make([]deviceResponse, 0, len(devs))
	for _, dev := range devs {
		var st presence.TrackedDeviceState
		if dev.State != nil {
			st = *dev.State
		}
		resp = append(resp, newDeviceResponse(dev, st))
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	mac := macFrom(r)
	dev, err := s.daemon.TrackedDevice(mac)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	st, err := s.daemon.TrackedDeviceState(mac)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newDeviceResponse(dev, st))
}

const maxBodySize = 4096

type registerRequest struct {
	Name string `json:"name" validate:"max=64"`
}

func (s *Server) putDevice(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req registerRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	dev, err := s.daemon.RegisterTrackedDevice(r.Context(), macFrom(r), req.Name)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	var st presence.TrackedDeviceState
	if dev.State != nil {
		st = *dev.State
	}
	respondJSON(w, http.StatusOK, newDeviceResponse(dev, st))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.UnregisterTrackedDevice(r.Context(), macFrom(r)); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deviceConnected reports whether the device is connected, to the access
// point named by the ap parameter when given.
func (s *Server) deviceConnected(w http.ResponseWriter, r *http.Request) {
	mac := macFrom(r)

	var (
		connected bool
		err       error
	)
	if ap := r.URL.Query().Get("ap"); ap != "" {
		connected, err = s.daemon.IsConnectedTo(mac, ap)
	} else {
		connected, err = s.daemon.IsConnected(mac)
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (s *Server) listAccessPoints(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, nonNil(s.daemon.AccessPoints(r.URL.Query().Get("q"))))
}

func (s *Server) getAccessPoint(w http.ResponseWriter, r *http.Request) {
	mac := macFrom(r)
	for _, ap := range s.daemon.AccessPoints("") {
		if ap.MAC == mac {
			respondJSON(w, http.StatusOK, ap)
			return
		}
	}
	if name, ok := s.daemon.AccessPointName(mac); ok {
		respondJSON(w, http.StatusOK, presence.AccessPoint{MAC: mac, Name: name})
		return
	}
	s.respondErr(w, fmt.Errorf("access point %s: %w", mac, presence.ErrUnknownEntity))
}

func (s *Server) sites(w http.ResponseWriter, r *http.Request) {
	sites, err := s.daemon.Sites(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nonNil(sites))
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, Message{Type: MessageTypeStatus, Data: s.daemon.Status()})
}

// respondErr maps daemon errors to status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, presence.ErrUnknownEntity):
		status = http.StatusNotFound
	case errors.Is(err, presence.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case unifi.IsTransportError(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("api error")
	}
	respondError(w, status, err.Error())
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// nonNil encodes empty lists as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
