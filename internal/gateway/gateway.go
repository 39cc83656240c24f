// ABOUTME: Gateway that serves the council HTTP API and a gRPC health endpoint
// ABOUTME: Both listeners run under one errgroup and shut down together when the context ends

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/2389/coven-council/internal/conversation"
	"github.com/2389/coven-council/internal/dedupe"
	"github.com/2389/coven-council/internal/orchestrator"
	"github.com/2389/coven-council/internal/store"
	"github.com/2389/coven-council/internal/usage"
)

const shutdownTimeout = 5 * time.Second

// Config holds the gateway's listen addresses. An empty GRPCAddr disables
// the gRPC health listener.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	// DedupeTTL is how long a client_message_id is remembered. Zero means
	// dedupe.DefaultTTL.
	DedupeTTL time.Duration
}

// UsageStats reads persisted usage totals. *store.SQLiteStore satisfies it.
type UsageStats interface {
	GetUsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error)
}

// Deps are the services the gateway exposes. Usage and Stats are optional.
type Deps struct {
	Conversations *conversation.Store
	Orchestrator  *orchestrator.Orchestrator
	Usage         *usage.Tracker
	Stats         UsageStats
}

// Gateway serves the council over HTTP and answers gRPC health checks.
type Gateway struct {
	cfg    Config
	convs  *conversation.Store
	orch   *orchestrator.Orchestrator
	usage  *usage.Tracker
	stats  UsageStats
	logger *slog.Logger

	// submissions makes POST /messages idempotent per client_message_id
	submissions *dedupe.Cache

	mux        *http.ServeMux
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	ready      atomic.Bool
}

// New creates a gateway. Call Run to start serving.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Conversations == nil || deps.Orchestrator == nil {
		return nil, errors.New("gateway requires conversations and orchestrator")
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		cfg:         cfg,
		convs:       deps.Conversations,
		orch:        deps.Orchestrator,
		usage:       deps.Usage,
		stats:       deps.Stats,
		logger:      logger.With("component", "gateway"),
		submissions: dedupe.New(cfg.DedupeTTL, dedupe.DefaultMaxSize),
		mux:         http.NewServeMux(),
		health:      health.NewServer(),
	}
	g.routes()

	g.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           g.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(g.grpcServer, g.health)
	g.setServing(false)

	return g, nil
}

// Handler returns the HTTP handler, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.mux
}

func (g *Gateway) routes() {
	g.mux.HandleFunc("GET /health", g.handleHealth)
	g.mux.HandleFunc("GET /health/ready", g.handleReady)

	g.mux.HandleFunc("GET /api/agents", g.handleListAgents)
	g.mux.HandleFunc("GET /api/usage", g.handleUsage)

	g.mux.HandleFunc("GET /api/conversations", g.handleListConversations)
	g.mux.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	g.mux.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	g.mux.HandleFunc("PATCH /api/conversations/{id}", g.handleUpdateConversation)
	g.mux.HandleFunc("POST /api/conversations/{id}/activate", g.handleActivate)
	g.mux.HandleFunc("POST /api/conversations/{id}/messages", g.handleSendMessage)
	g.mux.HandleFunc("POST /api/conversations/{id}/select", g.handleSelectSpeaker)
	g.mux.HandleFunc("POST /api/conversations/{id}/cancel", g.handleCancel)
	g.mux.HandleFunc("POST /api/conversations/{id}/messages/{msgID}/regenerate", g.handleRegenerate)
	g.mux.HandleFunc("POST /api/conversations/{id}/messages/{msgID}/alternative", g.handleSelectAlternative)
	g.mux.HandleFunc("DELETE /api/conversations/{id}/messages/{msgID}", g.handleDeleteMessage)
	g.mux.HandleFunc("GET /api/conversations/{id}/events", g.handleEvents)
	g.mux.HandleFunc("GET /api/conversations/{id}/transcript", g.handleTranscript)
}

// Run listens on the configured addresses and serves until ctx is
// cancelled or a server fails. Returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", g.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	var grpcLn net.Listener
	if g.cfg.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.cfg.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve is Run with caller-provided listeners. grpcLn may be nil.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.setServing(true)

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Shutdown stops both servers. In-flight turns are left to the orchestrator.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.setServing(false)

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}

	g.submissions.Close()
	return errors.Join(errs...)
}

func (g *Gateway) setServing(ok bool) {
	g.ready.Store(ok)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once serving with at least one agent configured.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	n := g.orch.Roster().Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
