package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"actionserver/internal/actions"
	"actionserver/internal/artifacts"
	"actionserver/internal/bus"
	"actionserver/internal/envelope"
	"actionserver/internal/fault"
	"actionserver/internal/lifecycle"
	"actionserver/internal/pool"
	"actionserver/internal/secrets"
	"actionserver/internal/store"
	"actionserver/pkg/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	mcpShutdownGrace  = 5 * time.Second
)

// Deps are the collaborators the HTTP and MCP surfaces expose.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Catalog   *actions.Catalog
	Store     *store.Store
	Artifacts *artifacts.Store
	Secrets   *secrets.Store
	Codec     *envelope.Codec
	Bus       *bus.Bus
	Pool      *pool.Pool

	Host    string
	Port    int
	APIKey  string // empty leaves the API and MCP surfaces unauthenticated
	Version string
}

// Server is the process's single listener: the REST API under /api/v1, the
// events stream, health and metrics, and the MCP endpoints, all on one port.
type Server struct {
	deps        Deps
	bridge      *mcpBridge
	sse         *mcpserver.SSEServer
	streamable  *mcpserver.StreamableHTTPServer
	router      chi.Router
	promHandler http.Handler

	httpServer *http.Server
	boundAddr  atomic.Value // string, set once Start binds
	catalogSub *bus.Subscription
	followDone chan struct{}
}

// New assembles the router and the MCP bridge. Nothing listens until Start.
func New(deps Deps) *Server {
	s := &Server{
		deps:        deps,
		bridge:      newMCPBridge(deps),
		promHandler: newPromHandler(),
	}

	host := deps.Host
	if host == "" {
		host = "localhost"
	}
	baseURL := fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(deps.Port)))
	s.sse = mcpserver.NewSSEServer(
		s.bridge.srv,
		mcpserver.WithBaseURL(baseURL),
		mcpserver.WithSSEEndpoint("/sse"),
		mcpserver.WithMessageEndpoint("/message"),
		mcpserver.WithKeepAlive(true),
		mcpserver.WithKeepAliveInterval(30*time.Second),
	)
	s.streamable = mcpserver.NewStreamableHTTPServer(s.bridge.srv)

	s.router = s.buildRouter()
	return s
}

// Handler returns the assembled router, mainly for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.requireAuth)
		api.Post("/packages/{package}/actions/{action}/run", s.handleInvoke)
		api.Get("/packages", s.handlePackages)
		api.Post("/packages/{package}/secrets", s.handleSetSecrets)
		api.Get("/runs", s.handleListRuns)
		api.Get("/runs/by-request-id/{requestID}", s.handleRunByRequestID)
		api.Get("/runs/{id}", s.handleGetRun)
		api.Get("/runs/{id}/fields", s.handleRunFields)
		api.Post("/runs/{id}/cancel", s.handleCancelRun)
		api.Get("/runs/{id}/artifacts/{name}", s.handleArtifact)
		api.Get("/events", s.handleEvents)
	})

	r.With(s.requireAuth).Handle("/mcp", s.streamable)
	r.Handle("/sse", s.sse.SSEHandler())
	r.Handle("/message", s.sse.MessageHandler())
	return r
}

// Start registers the current catalog with the MCP bridge, follows catalog
// swaps, and begins serving. The listener is bound before Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.bridge.sync(s.deps.Catalog.Current())

	sub, err := s.deps.Bus.Subscribe(bus.TopicCatalog)
	if err != nil {
		return fmt.Errorf("subscribing to catalog events: %w", err)
	}
	s.catalogSub = sub
	s.followDone = make(chan struct{})
	go s.followCatalog(sub)

	addr := net.JoinHostPort(s.deps.Host, strconv.Itoa(s.deps.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.boundAddr.Store(ln.Addr().String())

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("Server", err, "HTTP server error")
		}
	}()

	logging.Info("Server", "Serving HTTP and MCP on %s", ln.Addr())
	return nil
}

// Addr returns the bound listen address, or "" before Start. Safe to call
// from any goroutine.
func (s *Server) Addr() string {
	if v := s.boundAddr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Stop drains MCP sessions and shuts the listener down. In-flight REST
// requests get until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.catalogSub != nil {
		s.deps.Bus.Close(s.catalogSub)
		<-s.followDone
		s.catalogSub = nil
	}

	mcpCtx, cancel := context.WithTimeout(ctx, mcpShutdownGrace)
	defer cancel()
	if err := s.sse.Shutdown(mcpCtx); err != nil && err != http.ErrServerClosed {
		logging.Warn("Server", "Shutting down MCP SSE transport: %v", err)
	}
	if err := s.streamable.Shutdown(mcpCtx); err != nil && err != http.ErrServerClosed {
		logging.Warn("Server", "Shutting down MCP streamable transport: %v", err)
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// followCatalog re-projects the catalog onto the MCP server after every swap.
func (s *Server) followCatalog(sub *bus.Subscription) {
	defer close(s.followDone)
	for evt := range sub.Events() {
		if evt.Kind == bus.EventLost {
			logging.Warn("Server", "Catalog subscription fell behind; MCP capabilities may lag until restart")
			return
		}
		s.bridge.sync(s.deps.Catalog.Current())
	}
}

// requireAuth enforces the configured bearer token. An empty key leaves the
// surface open; /health and /metrics never pass through here.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.APIKey)) != 1 {
			writeFault(w, fault.New(fault.KindUnauthorized, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug("Server", "%s %s -> %d in %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
