package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultGCPLocation     = "asia-northeast1"
	DefaultLiveModel       = "gemini-2.0-flash-live-001"
	DefaultOIDCScopes      = "openid profile email"
	DefaultSessionCookie   = "vuln_agent_session"
	DefaultStateCookie     = "vuln_agent_oidc_state"
	DefaultGreetingText    = "Hello. I'm ready to help with your vulnerability questions. What would you like to check?"
	DefaultDebounce        = 2 * time.Second
	DefaultSessionTokenTTL = 8 * time.Hour
	DefaultStateTokenTTL   = 10 * time.Minute
)

// Origins used when OIDC is enabled and no explicit CORS list is configured.
var defaultDevOrigins = []string{
	"http://localhost:8080",
	"http://127.0.0.1:8080",
	"http://localhost:5173",
	"http://127.0.0.1:5173",
}

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	Addr string

	LogLevel  string
	LogFormat LogFormat
	// Optional path of a rotating log file; stderr is always written.
	LogFile string

	// Managed agent identity.
	GCPProjectID      string
	GCPLocation       string
	AgentResourceName string
	// Overrides the derived streamQuery endpoint (tests, private endpoints).
	AgentEndpoint string

	// Speech service.
	GeminiAPIKey    string
	GeminiLiveModel string

	LiveGreetingText      string
	LiveDebounceInterval  time.Duration
	LiveMaxMessageBytes   int64
	LiveWSPingInterval    time.Duration
	LiveWSWriteTimeout    time.Duration
	LiveWSReadTimeout     time.Duration
	LiveOutboundQueueSize int
	// Inbound audio_chunk limits per connection; zero disables a limit.
	LiveMaxAudioFPS       int
	LiveMaxAudioBPS       int64
	LiveAudioBurstSeconds int

	OIDC OIDCConfig

	// CORS. CORSAllowAll is set when no explicit allowlist applies.
	CORSAllowedOrigins   map[string]struct{}
	CORSAllowAll         bool
	CORSAllowCredentials bool

	// In-memory limits (per principal).
	LimitRPS               float64
	LimitBurst             int
	WSMaxConnsPerPrincipal int
	// Honor X-Forwarded-For / X-Real-IP when keying limits by client IP.
	TrustProxyHeaders      bool

	// Operational defaults
	ReadHeaderTimeout      time.Duration
	ShutdownGracePeriod    time.Duration
	UpstreamConnectTimeout time.Duration
	UpstreamHeaderTimeout  time.Duration
}

type OIDCConfig struct {
	Enabled           bool
	TenantID          string
	Issuer            string
	ClientID          string
	ClientSecret      string
	RedirectURI       string
	Scopes            string
	SessionSecret     string
	SessionCookieName string
	StateCookieName   string
	SessionTTL        time.Duration
	StateTTL          time.Duration
	DiscoveryTTL      time.Duration
}

// Ready reports whether every value the code flow needs is present.
func (c OIDCConfig) Ready() bool {
	return c.Enabled &&
		c.Issuer != "" &&
		c.ClientID != "" &&
		c.ClientSecret != "" &&
		c.SessionSecret != ""
}

func LoadFromEnv() (Config, error) {
	// perr keeps the first malformed numeric, bool or duration value.
	var perr error
	cfg := Config{
		Addr:                   envOr("GATEWAY_ADDR", ":8080"),
		LogLevel:               strings.ToLower(envOr("GATEWAY_LOG_LEVEL", "info")),
		LogFormat:              LogFormat(strings.ToLower(envOr("GATEWAY_LOG_FORMAT", string(LogFormatText)))),
		LogFile:                envOr("GATEWAY_LOG_FILE", ""),
		GCPProjectID:           envOr("GCP_PROJECT_ID", ""),
		GCPLocation:            envOr("GCP_LOCATION", DefaultGCPLocation),
		AgentResourceName:      envOr("AGENT_RESOURCE_NAME", ""),
		AgentEndpoint:          envOr("AGENT_ENDPOINT", ""),
		GeminiAPIKey:           envOr("GEMINI_API_KEY", ""),
		GeminiLiveModel:        envOr("GEMINI_LIVE_MODEL", DefaultLiveModel),
		LiveGreetingText:       envOr("LIVE_GREETING_TEXT", DefaultGreetingText),
		LiveDebounceInterval:   envDurationOr(&perr, "LIVE_DEBOUNCE_INTERVAL", DefaultDebounce),
		LiveMaxMessageBytes:    envInt64Or(&perr, "GATEWAY_WS_MAX_MESSAGE_BYTES", 1<<20),
		LiveWSPingInterval:     envDurationOr(&perr, "GATEWAY_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:     envDurationOr(&perr, "GATEWAY_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:      envDurationOr(&perr, "GATEWAY_WS_READ_TIMEOUT", 0),
		LiveOutboundQueueSize:  envIntOr(&perr, "GATEWAY_WS_OUTBOUND_QUEUE", 256),
		LiveMaxAudioFPS:        envIntOr(&perr, "GATEWAY_WS_MAX_AUDIO_FPS", 50),
		LiveMaxAudioBPS:        envInt64Or(&perr, "GATEWAY_WS_MAX_AUDIO_BPS", 256<<10),
		LiveAudioBurstSeconds:  envIntOr(&perr, "GATEWAY_WS_AUDIO_BURST_SECONDS", 2),
		CORSAllowedOrigins:     make(map[string]struct{}),
		LimitRPS:               envFloat64Or(&perr, "GATEWAY_RATE_LIMIT_RPS", 10),
		LimitBurst:             envIntOr(&perr, "GATEWAY_RATE_LIMIT_BURST", 20),
		WSMaxConnsPerPrincipal: envIntOr(&perr, "GATEWAY_WS_MAX_CONNS_PER_PRINCIPAL", 4),
		TrustProxyHeaders:      envBoolOr(&perr, "GATEWAY_TRUST_PROXY_HEADERS", false),
		ReadHeaderTimeout:      envDurationOr(&perr, "GATEWAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:    envDurationOr(&perr, "GATEWAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout: envDurationOr(&perr, "GATEWAY_UPSTREAM_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamHeaderTimeout:  envDurationOr(&perr, "GATEWAY_UPSTREAM_HEADER_TIMEOUT", 0),
		OIDC: OIDCConfig{
			Enabled:           envBoolOr(&perr, "OIDC_ENABLED", false),
			TenantID:          envOr("OIDC_TENANT_ID", ""),
			Issuer:            strings.TrimRight(envOr("OIDC_ISSUER", ""), "/"),
			ClientID:          envOr("OIDC_CLIENT_ID", ""),
			ClientSecret:      envOr("OIDC_CLIENT_SECRET", ""),
			RedirectURI:       envOr("OIDC_REDIRECT_URI", ""),
			Scopes:            envOr("OIDC_SCOPES", DefaultOIDCScopes),
			SessionSecret:     envOr("OIDC_SESSION_SECRET", ""),
			SessionCookieName: envOr("OIDC_SESSION_COOKIE_NAME", DefaultSessionCookie),
			StateCookieName:   envOr("OIDC_STATE_COOKIE_NAME", DefaultStateCookie),
			SessionTTL:        envDurationOr(&perr, "OIDC_SESSION_TTL", DefaultSessionTokenTTL),
			StateTTL:          envDurationOr(&perr, "OIDC_STATE_TTL", DefaultStateTokenTTL),
			DiscoveryTTL:      envDurationOr(&perr, "OIDC_DISCOVERY_TTL", time.Hour),
		},
	}
	if perr != nil {
		return Config{}, perr
	}

	if cfg.OIDC.Issuer == "" && cfg.OIDC.TenantID != "" {
		cfg.OIDC.Issuer = "https://login.microsoftonline.com/" + cfg.OIDC.TenantID + "/v2.0"
	}

	resolveCORS(&cfg, splitCSV(os.Getenv("CORS_ALLOW_ORIGINS")))

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("GATEWAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("GATEWAY_LOG_FORMAT must be one of text|json")
	}

	if cfg.GCPProjectID == "" {
		return Config{}, fmt.Errorf("GCP_PROJECT_ID must be set")
	}
	if cfg.AgentResourceName == "" {
		return Config{}, fmt.Errorf("AGENT_RESOURCE_NAME must be set")
	}
	if cfg.GeminiAPIKey == "" {
		return Config{}, fmt.Errorf("GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.LiveGreetingText) == "" {
		cfg.LiveGreetingText = DefaultGreetingText
	}

	if cfg.OIDC.Enabled {
		if cfg.OIDC.SessionSecret == "" {
			return Config{}, fmt.Errorf("OIDC_SESSION_SECRET must be set when OIDC_ENABLED=true")
		}
		if cfg.OIDC.Issuer == "" {
			return Config{}, fmt.Errorf("OIDC_ISSUER or OIDC_TENANT_ID must be set when OIDC_ENABLED=true")
		}
		if cfg.OIDC.ClientID == "" {
			return Config{}, fmt.Errorf("OIDC_CLIENT_ID must be set when OIDC_ENABLED=true")
		}
		if cfg.OIDC.ClientSecret == "" {
			return Config{}, fmt.Errorf("OIDC_CLIENT_SECRET must be set when OIDC_ENABLED=true")
		}
	}
	if cfg.OIDC.SessionTTL <= 0 {
		return Config{}, fmt.Errorf("OIDC_SESSION_TTL must be > 0")
	}
	if cfg.OIDC.StateTTL <= 0 {
		return Config{}, fmt.Errorf("OIDC_STATE_TTL must be > 0")
	}
	if cfg.OIDC.DiscoveryTTL <= 0 {
		return Config{}, fmt.Errorf("OIDC_DISCOVERY_TTL must be > 0")
	}

	if cfg.LiveDebounceInterval <= 0 {
		return Config{}, fmt.Errorf("LIVE_DEBOUNCE_INTERVAL must be > 0")
	}
	if cfg.LiveMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_OUTBOUND_QUEUE must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.LiveMaxAudioBPS < 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.LiveAudioBurstSeconds < 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_AUDIO_BURST_SECONDS must be >= 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("GATEWAY_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("GATEWAY_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.WSMaxConnsPerPrincipal < 0 {
		return Config{}, fmt.Errorf("GATEWAY_WS_MAX_CONNS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("GATEWAY_UPSTREAM_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamHeaderTimeout < 0 {
		return Config{}, fmt.Errorf("GATEWAY_UPSTREAM_HEADER_TIMEOUT must be >= 0")
	}

	return cfg, nil
}

// resolveCORS applies the allowlist rules: a wildcard is dropped once
// credentials are in play, and OIDC without an explicit list falls back to
// the local dev origins.
func resolveCORS(cfg *Config, origins []string) {
	cfg.CORSAllowCredentials = cfg.OIDC.Enabled
	if cfg.OIDC.Enabled {
		kept := origins[:0]
		for _, o := range origins {
			if o != "*" {
				kept = append(kept, o)
			}
		}
		origins = kept
		if len(origins) == 0 {
			origins = defaultDevOrigins
		}
	}
	for _, o := range origins {
		if o == "*" {
			cfg.CORSAllowAll = true
			continue
		}
		cfg.CORSAllowedOrigins[strings.TrimRight(o, "/")] = struct{}{}
	}
	if len(origins) == 0 {
		cfg.CORSAllowAll = true
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// envRaw returns the trimmed value of key; ok is false when a parse error was
// already recorded or the variable is unset.
func envRaw(perr *error, key string) (string, bool) {
	if *perr != nil {
		return "", false
	}
	raw := strings.TrimSpace(os.Getenv(key))
	return raw, raw != ""
}

func envInt64Or(perr *error, key string, def int64) int64 {
	raw, ok := envRaw(perr, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		*perr = fmt.Errorf("%s must be an integer, got %q", key, raw)
		return def
	}
	return n
}

func envIntOr(perr *error, key string, def int) int {
	raw, ok := envRaw(perr, key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*perr = fmt.Errorf("%s must be an integer, got %q", key, raw)
		return def
	}
	return n
}

func envFloat64Or(perr *error, key string, def float64) float64 {
	raw, ok := envRaw(perr, key)
	if !ok {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*perr = fmt.Errorf("%s must be a number, got %q", key, raw)
		return def
	}
	return n
}

func envBoolOr(perr *error, key string, def bool) bool {
	raw, ok := envRaw(perr, key)
	if !ok {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		*perr = fmt.Errorf("%s must be true or false, got %q", key, raw)
		return def
	}
}

func envDurationOr(perr *error, key string, def time.Duration) time.Duration {
	raw, ok := envRaw(perr, key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*perr = fmt.Errorf("%s must be a duration such as 2s or 500ms, got %q", key, raw)
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
