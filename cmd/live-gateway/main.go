package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vango-go/live-gateway/internal/dotenv"
	"github.com/vango-go/live-gateway/pkg/gateway/agent"
	"github.com/vango-go/live-gateway/pkg/gateway/config"
	"github.com/vango-go/live-gateway/pkg/gateway/live/speech"
	"github.com/vango-go/live-gateway/pkg/gateway/logging"
	gatewayserver "github.com/vango-go/live-gateway/pkg/gateway/server"
)

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	newBackends  func(context.Context, config.Config, *slog.Logger) (gatewayserver.Backends, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Backends) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:  config.LoadFromEnv,
		newBackends: newBackends,
		newGateway:  gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newBackends connects the agent upstream with Application Default
// Credentials and the Gemini speech client.
func newBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Backends, error) {
	httpClient := gatewayserver.NewHTTPClient(cfg)

	googleClient, err := agent.GoogleHTTPClient(ctx, httpClient)
	if err != nil {
		return gatewayserver.Backends{}, err
	}
	upstream := agent.NewVertexUpstream(agent.VertexConfig{
		ProjectID:    cfg.GCPProjectID,
		Location:     cfg.GCPLocation,
		ResourceName: cfg.AgentResourceName,
		Endpoint:     cfg.AgentEndpoint,
		Logger:       logger,
	}, googleClient)

	gemini, err := speech.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiLiveModel, logger)
	if err != nil {
		return gatewayserver.Backends{}, err
	}

	return gatewayserver.Backends{
		Agent:       agent.NewProxy(upstream, logger),
		Transcriber: gemini,
		Synthesizer: gemini,
		HTTPClient:  httpClient,
	}, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, stderr io.Writer, deps gatewayDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newBackends == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closer := logging.New(cfg, stderr)
	defer closer.Close()

	backends, err := deps.newBackends(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init backends: %w", err)
	}
	gw, err := deps.newGateway(cfg, logger, backends)
	if err != nil {
		return fmt.Errorf("init gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"oidc_enabled", cfg.OIDC.Enabled,
		"cors_allow_all", cfg.CORSAllowAll,
		"live_model", cfg.GeminiLiveModel,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "reason", ctx.Err())
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	notified := gw.WarnLiveSessionsDraining()
	logger.Info("draining live connections", "count", notified)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}

	// Hijacked WebSocket connections are not tracked by http.Server.
	drainLiveSessions(gw, cfg.ShutdownGracePeriod, liveTeardownWait, logger)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

// liveTeardownWait bounds how long canceled connections get to unwind.
const liveTeardownWait = 5 * time.Second

type liveDrainer interface {
	WaitLiveSessions(ctx context.Context) bool
	CancelLiveSessions() int
}

// drainLiveSessions waits up to grace for open connections to finish, then
// cancels the rest and waits up to teardown for them to close. It reports
// whether every connection closed.
func drainLiveSessions(gw liveDrainer, grace, teardown time.Duration, logger *slog.Logger) bool {
	waitCtx, waitCancel := context.WithTimeout(context.Background(), grace)
	defer waitCancel()
	if gw.WaitLiveSessions(waitCtx) {
		return true
	}

	canceled := gw.CancelLiveSessions()
	logger.Warn("canceled live connections after grace period", "count", canceled)

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), teardown)
	defer teardownCancel()
	if !gw.WaitLiveSessions(teardownCtx) {
		logger.Warn("live connections still open after cancel", "wait", teardown)
		return false
	}
	return true
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "live-gateway: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "live-gateway: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}
