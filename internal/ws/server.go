package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/giftpulse/instance/internal/engine"
	"github.com/giftpulse/instance/internal/feed"
	"github.com/giftpulse/instance/internal/gift"
	"github.com/giftpulse/instance/internal/group"
	"github.com/giftpulse/instance/internal/health"
	"github.com/giftpulse/instance/internal/logging"
	"github.com/giftpulse/instance/internal/recorder"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Aggregate is the engine surface the HTTP API reads and mutates.
type Aggregate interface {
	StateSource
	Snapshot() engine.Snapshot
	Catalog() []gift.CatalogEntry
	Groups() []group.Group
	ResetAll()
	SetGroups(groups []group.Group) error
	OverrideCounter(groupID string, patch engine.CounterPatch) error
	SetTarget(target int64) error
}

// Controller drives the feed connection.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Status() feed.Status
}

type HealthReporter interface {
	Report(ctx context.Context) health.Report
}

// History reads recorded sessions. *recorder.SQLiteSink satisfies it.
type History interface {
	SessionHistory(ctx context.Context, instanceID string, limit int) ([]recorder.SessionRow, error)
	GiftAnalytics(ctx context.Context, sessionID string) ([]recorder.GiftTotals, error)
	SessionStats(ctx context.Context, instanceID string) (recorder.SessionStats, error)
}

type ServerOptions struct {
	AllowedOrigins []string

	// Basic auth credentials. Both empty disables basic auth.
	Username string
	Password string
	// Token is accepted as a bearer token, X-Instance-Token header or
	// token query parameter.
	Token string
	// ProtectObservers requires credentials on /ws too.
	ProtectObservers bool

	// RateLimitPerMinute limits API requests per client IP. Zero disables.
	RateLimitPerMinute int

	// InstanceID scopes session history. History nil disables the
	// session endpoints.
	InstanceID string
	History    History
}

type Server struct {
	agg    Aggregate
	ctrl   Controller
	hub    *Hub
	health HealthReporter
	opts   ServerOptions
	log    zerolog.Logger

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
}

func NewServer(agg Aggregate, ctrl Controller, hub *Hub, hr HealthReporter, opts ServerOptions) *Server {
	s := &Server{
		agg:            agg,
		ctrl:           ctrl,
		hub:            hub,
		health:         hr,
		opts:           opts,
		log:            logging.Component("http"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes builds the HTTP surface. POST /api/groups and POST /api/counter
// replace state and are not idempotent; every other mutation is safe to
// retry.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Instance-Token"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.opts.ProtectObservers {
			r.Use(s.requireAuth)
		}
		r.Get("/ws", s.handleWS)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		if s.opts.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(s.opts.RateLimitPerMinute, time.Minute))
		}

		r.Get("/api/state", s.handleState)
		r.Get("/api/catalog", s.handleCatalog)
		r.Get("/api/groups", s.handleGroups)
		if s.opts.History != nil {
			r.Get("/api/sessions", s.handleSessions)
			r.Get("/api/sessions/stats", s.handleSessionStats)
			r.Get("/api/sessions/{id}/gifts", s.handleSessionGifts)
		}

		r.Post("/api/connect", s.handleConnect)
		r.Post("/api/disconnect", s.handleDisconnect)
		r.Post("/api/reset", s.handleReset)
		r.Post("/api/groups", s.handleSetGroups)
		r.Post("/api/counter", s.handleCounter)
		r.Post("/api/target", s.handleTarget)
	})

	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub.Full() {
		writeFailure(w, ErrTooManyObservers)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	obs, err := s.hub.Attach(conn, r.RemoteAddr, s.agg)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	// Observers send nothing; reading only detects the disconnect and
	// answers control frames.
	pongWait := 2 * s.hub.opts.PingInterval
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		defer s.hub.Detach(obs)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type stateResponse struct {
	engine.Snapshot
	Feed feed.Status `json:"feed"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{Snapshot: s.agg.Snapshot(), Feed: s.ctrl.Status()})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Catalog())
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Groups())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, health.Report{Status: health.StatusOK})
		return
	}
	writeJSON(w, http.StatusOK, s.health.Report(r.Context()))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			writeFailure(w, fmt.Errorf("%w: limit must be 1-100", errBadRequest))
			return
		}
		limit = n
	}
	rows, err := s.opts.History.SessionHistory(r.Context(), s.opts.InstanceID, limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("reading session history failed")
		writeFailure(w, err)
		return
	}
	if rows == nil {
		rows = []recorder.SessionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.History.SessionStats(r.Context(), s.opts.InstanceID)
	if err != nil {
		s.log.Warn().Err(err).Msg("reading session stats failed")
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSessionGifts(w http.ResponseWriter, r *http.Request) {
	totals, err := s.opts.History.GiftAnalytics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Warn().Err(err).Msg("reading gift analytics failed")
		writeFailure(w, err)
		return
	}
	if totals == nil {
		totals = []recorder.GiftTotals{}
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Connect(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Disconnect(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.agg.ResetAll()
	s.log.Info().Msg("counters reset")
	writeOK(w)
}

func (s *Server) handleSetGroups(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeFailure(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	groups, err := group.ParseJSON(body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if err := s.agg.SetGroups(groups); err != nil {
		writeFailure(w, err)
		return
	}
	s.log.Info().Int("groups", len(groups)).Msg("groups replaced")
	writeOK(w)
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	var req counterRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.GroupID == "" {
		writeFailure(w, fmt.Errorf("%w: groupId is required", errBadRequest))
		return
	}
	patch := engine.CounterPatch{Count: req.Count, Diamonds: req.Diamonds}
	if err := s.agg.OverrideCounter(req.GroupID, patch); err != nil {
		writeFailure(w, err)
		return
	}
	s.log.Info().Str("group", req.GroupID).Msg("counter overridden")
	writeOK(w)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFailure(w, err)
		return
	}
	if req.Target == nil {
		writeFailure(w, fmt.Errorf("%w: target is required", errBadRequest))
		return
	}
	if err := s.agg.SetTarget(*req.Target); err != nil {
		writeFailure(w, err)
		return
	}
	writeOK(w)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, apiResponse{OK: true})
}

// writeFailure maps err onto a status code and failure body.
func writeFailure(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, engine.ErrUnknownGroup):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, group.ErrInvalidGroups),
		errors.Is(err, engine.ErrInvalidOverride),
		errors.Is(err, engine.ErrInvalidTarget):
		status, code = http.StatusBadRequest, CodeInvalid
	case errors.Is(err, feed.ErrFeedUnavailable),
		errors.Is(err, feed.ErrSuperseded),
		errors.Is(err, ErrTooManyObservers):
		status, code = http.StatusServiceUnavailable, CodeUnavailable
	}
	writeJSON(w, status, apiResponse{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authorize(r) {
			next.ServeHTTP(w, r)
			return
		}
		if s.opts.Username != "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="giftpulse"`)
		}
		writeJSON(w, http.StatusUnauthorized, apiResponse{Error: "unauthorized", Code: "unauthorized"})
	})
}

func (s *Server) authorize(r *http.Request) bool {
	basic := s.opts.Username != "" || s.opts.Password != ""
	if !basic && s.opts.Token == "" {
		return true
	}

	if basic {
		if user, pass, ok := r.BasicAuth(); ok && equal(user, s.opts.Username) && equal(pass, s.opts.Password) {
			return true
		}
	}

	if s.opts.Token != "" {
		if equal(r.URL.Query().Get("token"), s.opts.Token) {
			return true
		}
		if equal(r.Header.Get("X-Instance-Token"), s.opts.Token) {
			return true
		}
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") && equal(strings.TrimPrefix(auth, "Bearer "), s.opts.Token) {
			return true
		}
	}

	return false
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
