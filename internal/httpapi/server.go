package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"streamchat/internal/completion"
	"streamchat/internal/metrics"
	"streamchat/internal/queue"
	"streamchat/internal/session"
)

type Config struct {
	Manager *session.Manager
	// Client serves the stateless proxy endpoint.
	Client  completion.Client
	Catalog completion.Catalog
	System  string
	Smooth  bool
	Trimmer completion.Trimmer

	Limiter     *queue.RateLimiter
	Idempotency *queue.IdempotencyGuard

	// TrustForwardedFor keys the rate limit on X-Forwarded-For. Enable only
	// behind a proxy that overwrites the header.
	TrustForwardedFor bool

	// Ready reports whether the store finished opening. Nil means always ready.
	Ready func() (bool, error)

	HealthPath  string
	MetricsPath string
	CORSOrigin  string

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Server struct {
	cfg Config
	log zerolog.Logger
	mux *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.System == "" {
		cfg.System = completion.DefaultSystemPrompt
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "http").Logger(),
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET "+s.cfg.HealthPath, s.handleHealth)
	s.mux.Handle("GET "+s.cfg.MetricsPath, promhttp.Handler())

	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("POST /api/chat", s.limited(s.handleProxy))

	s.mux.HandleFunc("GET /api/chats", s.handleListChats)
	s.mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	s.mux.HandleFunc("GET /api/chats/{id}", s.handleGetChat)
	s.mux.HandleFunc("PATCH /api/chats/{id}", s.handleRenameChat)
	s.mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)

	s.mux.HandleFunc("GET /api/chats/{id}/state", s.handleState)
	s.mux.HandleFunc("GET /api/chats/{id}/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/chats/{id}/submit", s.limited(s.handleSubmit))
	s.mux.HandleFunc("POST /api/chats/{id}/retry", s.limited(s.handleRetry))
	s.mux.HandleFunc("POST /api/chats/{id}/edit", s.limited(s.handleEdit))
	s.mux.HandleFunc("POST /api/chats/{id}/stop", s.handleStop)
	s.mux.HandleFunc("PUT /api/chats/{id}/input", s.handleInput)
}

// Handler returns the routed handler wrapped with CORS and access logging.
func (s *Server) Handler() http.Handler {
	return s.accessLog(s.cors(s.mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Ready != nil {
		ready, err := s.cfg.Ready()
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("storage unavailable"))
			return
		}
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("starting"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Catalog)
}

func (s *Server) cors(next http.Handler) http.Handler {
	if s.cfg.CORSOrigin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Idempotency-Key")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limited applies the per-client hourly limit.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := s.clientID(r)
		allowed, used, resetAt, err := s.cfg.Limiter.Allow(r.Context(), client, s.cfg.Now())
		if err != nil {
			s.log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
			next(w, r)
			return
		}
		if !allowed {
			s.cfg.Metrics.RateLimited.Inc()
			wait := int(time.Until(resetAt).Seconds())
			if wait < 1 {
				wait = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(wait))
			writeMessage(w, http.StatusTooManyRequests, "Rate limit exceeded, try again later")
			s.log.Debug().Str("client", client).Int64("used", used).Msg("rate limited")
			return
		}
		next(w, r)
	}
}

func (s *Server) clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); s.cfg.TrustForwardedFor && fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.cfg.Metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
