package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/auth"
	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/lifecycle"
	"github.com/vango-go/live-gateway/pkg/gateway/live/protocol"
	"github.com/vango-go/live-gateway/pkg/gateway/live/session"
	"github.com/vango-go/live-gateway/pkg/gateway/live/sessions"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
	"github.com/vango-go/live-gateway/pkg/gateway/metrics"
	"github.com/vango-go/live-gateway/pkg/gateway/mw"
	"github.com/vango-go/live-gateway/pkg/gateway/oidc"
	"github.com/vango-go/live-gateway/pkg/gateway/principal"
	"github.com/vango-go/live-gateway/pkg/gateway/ratelimit"
)

// LiveHandler upgrades /ws and runs one session.Connection per socket.
type LiveHandler struct {
	Config       config.Config
	Logger       *slog.Logger
	Auth         *oidc.Authenticator
	Agent        session.Agent
	Transcriber  speech.Transcriber
	Synthesizer  speech.Synthesizer
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      *metrics.Metrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.RecordConnection("draining")
		mw.WriteJSONError(w, http.StatusServiceUnavailable, protocol.MsgShuttingDown)
		return
	}
	if !mw.OriginAllowed(h.Config, r.Header.Get("Origin")) {
		h.Metrics.RecordConnection("forbidden_origin")
		mw.WriteJSONError(w, http.StatusForbidden, "Origin is not allowed")
		return
	}

	id, authenticated := h.Auth.CurrentUser(r)

	if authenticated && h.Limiter != nil {
		p := principal.Resolve(r.WithContext(auth.WithIdentity(r.Context(), id)), h.Config.TrustProxyHeaders)
		dec := h.Limiter.AcquireConnection(p.Key, time.Now())
		if !dec.Allowed {
			h.Metrics.RecordConnection("rate_limited")
			h.Metrics.RecordRateLimitHit("connection")
			mw.WriteJSONError(w, http.StatusTooManyRequests, "Too many live connections")
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above against the same policy as CORS.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Metrics.RecordConnection("upgrade_failed")
		return
	}
	defer conn.Close()

	reqID, _ := mw.RequestIDFrom(r.Context())
	if !authenticated {
		h.Metrics.RecordConnection("unauthorized")
		msg := websocket.FormatCloseMessage(protocol.CloseUnauthorized, "Unauthorized")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	conversationID := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	logger := h.logger().With("conn_id", conversationID, "request_id", reqID)

	s, err := session.New(session.Dependencies{
		Conn:        conn,
		Logger:      logger,
		Agent:       h.Agent,
		Transcriber: h.Transcriber,
		Synthesizer: h.Synthesizer,
		Metrics:     h.Metrics,
		UserID:      agent.UserID(id.Sub, conversationID),
		Config: session.Config{
			DebounceInterval:       h.Config.LiveDebounceInterval,
			GreetingText:           h.Config.LiveGreetingText,
			MaxMessageBytes:        h.Config.LiveMaxMessageBytes,
			PingInterval:           h.Config.LiveWSPingInterval,
			WriteTimeout:           h.Config.LiveWSWriteTimeout,
			ReadTimeout:            h.Config.LiveWSReadTimeout,
			OutboundQueueSize:      h.Config.LiveOutboundQueueSize,
			MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBPS,
			AudioBurstSeconds:      h.Config.LiveAudioBurstSeconds,
		},
	})
	if err != nil {
		h.Metrics.RecordConnection("internal")
		logger.Error("failed to initialize live connection", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, protocol.MsgInternalError)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	done := h.Metrics.RecordConnection("accepted")
	defer done()
	unregister := h.LiveSessions.Register(conversationID, sessions.Handle{
		UserID: id.Sub,
		Cancel: s.Cancel,
		Notify: s.Notify,
	})
	defer unregister()

	start := time.Now()
	logger.Info("live connection opened", "sub", id.Sub)
	if err := s.Run(); err != nil {
		logger.Warn("live connection ended with error", "error", err)
	}
	logger.Info("live connection closed", "duration_ms", time.Since(start).Milliseconds())
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}
