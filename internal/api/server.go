package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// WSRoutes exposes the streaming handlers mounted beside the control plane.
type WSRoutes interface {
	HandleProxies() http.Handler
	HandleProxyMulti() http.Handler
}

// Server wraps the HTTP server and mux for the broker.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires all routes. The WebSocket routes authenticate themselves
// with the shared secret; the control routes are an internal surface and
// stay open, matching the original deployment.
func NewServer(
	listenAddress string,
	port int,
	ws WSRoutes,
	refresher Refresher,
	pools Pools,
	index Index,
	broadcaster Broadcaster,
	reports ReportLister,
	issuer TokenIssuer,
	logger *zap.Logger,
) *Server {
	mux := http.NewServeMux()

	mux.Handle("GET /health", HandleHealth())
	mux.Handle("GET /proxies/refresh", HandleRefresh(refresher, logger))
	mux.Handle("POST /proxies/pools/{source_id}/add", HandleAddProxy(pools, index, broadcaster))
	mux.Handle("GET /debug/pools", HandleDebugPools(pools))
	mux.Handle("GET /proxies/{id}/reports", HandleListReports(reports, logger))
	mux.Handle("POST /token", HandleToken(issuer, logger))

	mux.Handle("GET /ws/proxies", ws.HandleProxies())
	mux.Handle("GET /ws/proxy_multi", ws.HandleProxyMulti())

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
