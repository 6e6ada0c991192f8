package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/handlers"
	"github.com/vango-go/live-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/live-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/live-gateway/pkg/gateway/live/session"
	"github.com/vango-go/live-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
	"github.com/vango-go/live-gateway/pkg/gateway/metrics"
	"github.com/vango-go/live-gateway/pkg/gateway/mw"
	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
	"github.com/vango-go/live-gateway/pkg/gateway/ratelimit"
	"github.com/vango-go/live-gateway/pkg/gateway/signedtoken"
)

// Backends are the remote services a connection talks to.
type Backends struct {
	Agent       session.Agent
	Transcriber speech.Transcriber
	Synthesizer speech.Synthesizer
	// HTTPClient is used for OIDC discovery and code exchange. Defaults to
	// NewHTTPClient(cfg).
	HTTPClient *http.Client
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	backends     Backends
	httpClient   *http.Client
	auth         *oidc.Authenticator
	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
	metrics      *metrics.Metrics
}

// NewHTTPClient builds the outbound client shared by the OIDC flow and the
// agent upstream.
func NewHTTPClient(cfg config.Config) *http.Client {
	connectTimeout := cfg.UpstreamConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamHeaderTimeout,
		},
	}
}

func New(cfg config.Config, logger *slog.Logger, backends Backends) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if backends.Agent == nil || backends.Transcriber == nil || backends.Synthesizer == nil {
		return nil, errors.New("server: agent, transcriber and synthesizer are required")
	}

	httpClient := backends.HTTPClient
	if httpClient == nil {
		httpClient = NewHTTPClient(cfg)
	}
	codec := signedtoken.New([]byte(cfg.OIDC.SessionSecret))

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		mux:        http.NewServeMux(),
		backends:   backends,
		httpClient: httpClient,
		auth:       oidc.New(cfg.OIDC, codec, httpClient),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                      cfg.LimitRPS,
			Burst:                    cfg.LimitBurst,
			MaxConcurrentConnections: cfg.WSMaxConnsPerPrincipal,
		}),
		lifecycle:    &lifecycle.Lifecycle{},
		liveSessions: sessions.NewTracker(),
		metrics:      metrics.New(""),
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	for _, path := range []string{"/healthz", "/healthz/", "/health", "/health/"} {
		s.mux.Handle(path, only(handlers.HealthHandler{Logger: s.logger, Name: path}, http.MethodGet, http.MethodHead))
	}
	s.mux.Handle("/ping", only(handlers.HealthHandler{}, http.MethodGet, http.MethodHead))
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle, Auth: s.auth})
	s.mux.Handle("/metrics", s.metrics.Handler())

	authH := handlers.AuthHandler{Auth: s.auth, Logger: s.logger}
	s.mux.Handle("/auth/login", only(http.HandlerFunc(authH.Login), http.MethodGet))
	s.mux.Handle("/auth/callback", only(http.HandlerFunc(authH.Callback), http.MethodGet))
	s.mux.Handle("/auth/logout", only(http.HandlerFunc(authH.Logout), http.MethodPost))
	s.mux.Handle("/auth/me", only(http.HandlerFunc(authH.Me), http.MethodGet))

	s.mux.Handle("/ws", handlers.LiveHandler{
		Config:       s.cfg,
		Logger:       s.logger,
		Auth:         s.auth,
		Agent:        s.backends.Agent,
		Transcriber:  s.backends.Transcriber,
		Synthesizer:  s.backends.Synthesizer,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Metrics:      s.metrics,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, s.metrics, h)
	h = mw.Identity(s.auth, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.Metrics(s.metrics, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes /readyz and /ws refuse new work.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells every open connection the process is going
// away. It returns how many were notified.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.liveSessions.NotifyAll(protocol.MsgShuttingDown)
}

// WaitLiveSessions blocks until every connection has closed or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}

func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// only rejects methods outside allowed with a JSON 405.
func only(next http.Handler, allowed ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range allowed {
			if r.Method == m {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
}
