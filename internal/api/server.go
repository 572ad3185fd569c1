package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/torrentstats/internal/export"
	"github.com/ethpandaops/torrentstats/internal/stats"
)

// Server serves the HTTP API.
type Server struct {
	log      logrus.FieldLogger
	cfg      Config
	backend  Backend
	health   *export.HealthMetrics
	hub      *Hub
	upgrader websocket.Upgrader

	mux      *http.ServeMux
	server   *http.Server
	listener net.Listener
}

// NewServer creates a Server. health may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg Config,
	backend Backend,
	health *export.HealthMetrics,
) *Server {
	cfg.ApplyDefaults()

	log = log.WithField("component", "api")

	s := &Server{
		log:     log,
		cfg:     cfg,
		backend: backend,
		health:  health,
		hub:     NewHub(log, health),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}

	s.route("GET /api/v1/stats", "stats", s.handleStats)
	s.route("GET /api/v1/totals", "totals", s.handleTotals)
	s.route("GET /api/v1/session_totals", "session_totals", s.handleSessionTotals)
	s.route("GET /api/v1/config", "config", s.handleGetConfig)
	s.route("PUT /api/v1/config", "set_config", s.handleSetConfig)
	s.route("GET /api/v1/intervals", "intervals", s.handleIntervals)
	s.mux.HandleFunc("GET /api/v1/ws", s.handleWS)

	return s
}

// Hub returns the websocket hub samples are broadcast through.
func (s *Server) Hub() *Hub { return s.hub }

// ServeHTTP serves the API routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", ln.Addr().String()).Info("API server started")

		if err := s.server.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("API server error")
		}
	}()

	return nil
}

// Addr returns the actual listener address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.cfg.Addr
}

// Stop closes the listener and every websocket client.
func (s *Server) Stop() error {
	s.hub.Close()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// route registers h under pattern, counting responses by endpoint.
func (s *Server) route(pattern, endpoint string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		if s.health != nil {
			s.health.APIRequests.
				WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		}
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	interval := stats.Resolution(1)

	if raw := q.Get("interval"); raw != "" {
		parsed, err := stats.ParseResolution(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)

			return
		}

		interval = parsed
	}

	// Without a keys parameter every tracked counter is returned.
	keys := s.backend.Counters()

	if q.Has("keys") {
		keys = nil

		for _, k := range strings.Split(q.Get("keys"), ",") {
			if k = strings.TrimSpace(k); k != "" {
				keys = append(keys, k)
			}
		}
	}

	res, err := s.backend.GetStats(keys, interval)
	if err != nil {
		s.writeBackendError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.backend.GetTotals(r.Context())
	if err != nil {
		s.writeBackendError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleSessionTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.backend.GetSessionTotals(r.Context())
	if err != nil {
		s.writeBackendError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetConfig())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()

	if err := dec.Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding body: %w", err))

		return
	}

	if err := s.backend.SetConfig(r.Context(), partial); err != nil {
		s.writeBackendError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIntervals(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetIntervals())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")

		return
	}

	c := s.hub.Register(conn)

	go func() {
		defer s.hub.Unregister(c)

		// Reads only detect the peer going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stats.ErrResolutionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, stats.ErrSourceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err)
	default:
		s.log.WithError(err).Error("API request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
