package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	wsadapter "github.com/CMDESIGN8/lupiback/adapters/websocket"
	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
	"github.com/CMDESIGN8/lupiback/realtime"
)

// Options configures the HTTP API surface.
type Options struct {
	// PathPrefix, if set, is prepended to all routes (e.g., "/api").
	PathPrefix string
	// AllowCORSOrigin, if non-empty, enables basic CORS with the given origin (use "*" for any).
	AllowCORSOrigin string
	// APIKeys, if non-empty, enables static API key auth via Authorization: Bearer or X-API-Key.
	APIKeys []string
	// AdminKeys, if non-empty, are the only keys allowed to create missions.
	AdminKeys []string
	// RateLimitEnabled toggles rate limiting.
	RateLimitEnabled bool
	// RateLimitRPM is the allowed requests per minute per client key.
	RateLimitRPM int
	// RateLimitBurst defines burst capacity.
	RateLimitBurst int
	// MaxBodyBytes caps request bodies; zero means 1 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type api struct {
	svc     *engine.Service
	admin   map[string]struct{}
	maxBody int64
	logger  *slog.Logger
}

// NewMux builds an http.Handler exposing the progression REST API and WebSocket stream.
//
// Routes (all under the prefix):
//
//	GET    /healthz
//	GET    /ws?character_id=&club_id=&types=
//	POST   /characters
//	GET    /characters/{id}
//	GET    /characters/{id}/wallet
//	POST   /characters/{id}/outcomes
//	POST   /characters/{id}/training
//	POST   /characters/{id}/skills
//	POST   /characters/{id}/bot-matches
//	POST   /characters/{id}/events
//	GET    /characters/{id}/club
//	GET    /settlements/{eventID}
//	POST   /missions
//	GET    /missions/{id}
//	POST   /missions/{id}/advance
//	GET    /missions/{id}/progress/{characterID}
//	POST   /clubs
//	GET    /clubs/{id}
//	GET    /clubs/{id}/members
//	POST   /clubs/{id}/members
//	DELETE /clubs/{id}/members/{characterID}
//	PUT    /clubs/{id}/members/{characterID}/role
//	POST   /clubs/{id}/contributions
//	GET    /clubs/{id}/ranking?limit=
//	GET    /clubs/{id}/totals?window=weekly|lifetime
func NewMux(svc *engine.Service, hub *realtime.Hub, opts Options) http.Handler {
	a := &api{svc: svc, admin: keySet(opts.AdminKeys), maxBody: opts.MaxBodyBytes, logger: opts.Logger}
	if a.maxBody <= 0 {
		a.maxBody = 1 << 20
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}

	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		method, path, _ := strings.Cut(pattern, " ")
		mux.HandleFunc(method+" "+withPrefix(opts.PathPrefix, path), h)
	}

	route("GET /healthz", a.healthCheck)
	if hub != nil {
		mux.Handle("GET "+withPrefix(opts.PathPrefix, "/ws"), wsadapter.Handler(hub, wsadapter.Options{AllowedOrigin: opts.AllowCORSOrigin}))
	}

	route("POST /characters", a.createCharacter)
	route("GET /characters/{id}", a.getCharacter)
	route("GET /characters/{id}/wallet", a.getWallet)
	route("POST /characters/{id}/outcomes", a.reportOutcome)
	route("POST /characters/{id}/training", a.train)
	route("POST /characters/{id}/skills", a.allocateSkill)
	route("POST /characters/{id}/bot-matches", a.playBotMatch)
	route("POST /characters/{id}/events", a.recordEvent)
	route("GET /characters/{id}/club", a.getMembership)
	route("GET /settlements/{eventID}", a.getSettlement)

	route("POST /missions", a.requireAdmin(a.createMission))
	route("GET /missions/{id}", a.getMission)
	route("POST /missions/{id}/advance", a.advanceMission)
	route("GET /missions/{id}/progress/{characterID}", a.missionProgress)

	route("POST /clubs", a.createClub)
	route("GET /clubs/{id}", a.getClub)
	route("GET /clubs/{id}/members", a.listMembers)
	route("POST /clubs/{id}/members", a.joinClub)
	route("DELETE /clubs/{id}/members/{characterID}", a.leaveClub)
	route("PUT /clubs/{id}/members/{characterID}/role", a.setRole)
	route("POST /clubs/{id}/contributions", a.contribute)
	route("GET /clubs/{id}/ranking", a.ranking)
	route("GET /clubs/{id}/totals", a.totals)

	var handler http.Handler = mux
	if opts.AllowCORSOrigin != "" {
		handler = withCORS(handler, opts.AllowCORSOrigin)
	}
	if len(opts.APIKeys) > 0 {
		handler = withAPIKeyAuth(handler, opts.APIKeys)
	}
	if opts.RateLimitEnabled && opts.RateLimitRPM > 0 && opts.RateLimitBurst > 0 {
		handler = withRateLimit(handler, opts.RateLimitRPM, opts.RateLimitBurst)
	}
	return withRequestLog(handler, a.logger)
}

// healthCheck probes storage with a lookup that is expected to miss.
func (a *api) healthCheck(w http.ResponseWriter, r *http.Request) {
	_, err := a.svc.GetCharacter(r.Context(), "healthcheck_probe")

	status := map[string]any{
		"status": "healthy",
		"checks": map[string]any{
			"storage": "ok",
		},
	}
	code := http.StatusOK
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		code = http.StatusServiceUnavailable
		status["status"] = "unhealthy"
		status["checks"].(map[string]any)["storage"] = "failed"
	}
	writeJSON(w, code, status)
}

func withPrefix(prefix, path string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	if prefix[len(prefix)-1] == '/' {
		return prefix[:len(prefix)-1] + path
	}
	return prefix + path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string, details any) {
	writeJSON(w, status, apiError{Code: code, Message: msg, Details: details})
}

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch core.KindOf(err) {
	case core.KindNotFound:
		return http.StatusNotFound, "not_found"
	case core.KindConflict:
		return http.StatusConflict, "conflict"
	case core.KindInvalidState:
		return http.StatusConflict, "invalid_state"
	case core.KindValidation:
		return http.StatusBadRequest, "validation"
	default:
		return http.StatusServiceUnavailable, "unavailable"
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "storage unavailable, retry later"
	}
	writeError(w, status, code, msg, nil)
}

// decode reads a JSON body into v, rejecting unknown fields and oversize bodies.
func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, a.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large", nil)
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid JSON body: %v", err), nil)
		return false
	}
	return true
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// withCORS wraps a handler with a minimal CORS policy.
func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-API-Key,X-Character-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withAPIKeyAuth enforces a shared API key list. Health checks stay open.
func withAPIKeyAuth(next http.Handler, apiKeys []string) http.Handler {
	allowed := keySet(apiKeys)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/healthz") {
			next.ServeHTTP(w, r)
			return
		}
		key := extractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing API key", nil)
			return
		}
		if _, ok := allowed[key]; !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin restricts a route to admin keys when any are configured.
func (a *api) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(a.admin) > 0 {
			if _, ok := a.admin[extractAPIKey(r)]; !ok {
				writeError(w, http.StatusForbidden, "forbidden", "admin key required", nil)
				return
			}
		}
		next(w, r)
	}
}

// withRateLimit applies a simple token-bucket limiter per client key.
func withRateLimit(next http.Handler, rpm int, burst int) http.Handler {
	limiter := newRateLimiter(rpm, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !limiter.allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func withRequestLog(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

// clientKey uses API key if present, otherwise remote IP.
func clientKey(r *http.Request) string {
	if key := extractAPIKey(r); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type rateLimiter struct {
	rpm   float64
	burst float64
	mu    sync.Mutex
	b     map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter(rpm, burst int) *rateLimiter {
	return &rateLimiter{
		rpm:   float64(rpm),
		burst: float64(burst),
		b:     make(map[string]*bucket),
	}
}

func (l *rateLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.b[key]
	if !ok {
		l.b[key] = &bucket{tokens: l.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(b.last).Minutes()
	b.tokens += elapsed * l.rpm
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	if b.tokens < 1 {
		b.last = now
		return false
	}
	b.tokens--
	b.last = now
	return true
}
