// Package http provides the HTTP transport layer for Slotify.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	GET    /branches
//	POST   /branches/{branch}/tokens
//	POST   /branches/{branch}/dispatch
//	POST   /branches/{branch}/reorder
//	GET    /branches/{branch}/queue
//	GET    /branches/{branch}/stats
//	GET    /branches/{branch}/ws
//	GET    /tokens/{id}
//	GET    /tokens/by-number/{number}
//	POST   /tokens/{id}/reprioritize
//	POST   /tokens/{id}/start
//	POST   /tokens/{id}/complete
//	POST   /tokens/{id}/cancel
//	POST   /tokens/{id}/no-show
//	POST   /score
//	POST   /subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /events/dead-letters
//	POST   /events/dead-letters/replay
//	DELETE /events/dead-letters
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/slotify/internal/broker"
	"github.com/snehjoshi/slotify/internal/config"
	"github.com/snehjoshi/slotify/internal/consumer"
	"github.com/snehjoshi/slotify/internal/dlq"
	"github.com/snehjoshi/slotify/internal/metrics"
	"github.com/snehjoshi/slotify/internal/notify"
	transportws "github.com/snehjoshi/slotify/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with Slotify route wiring.
type Server struct {
	inner *http.Server
}

// Option configures optional routes on a Server.
type Option func(*Handler)

// WithDeadLetters enables the /events/dead-letters routes. Replayed letters
// are redelivered to sink.
func WithDeadLetters(store *dlq.Store, sink notify.Notifier) Option {
	return func(h *Handler) {
		h.deadLetters = store
		h.replaySink = sink
	}
}

// WithSubscriptions enables the /subscriptions routes backed by m.
func WithSubscriptions(m *consumer.Manager) Option {
	return func(h *Handler) { h.subs = m }
}

// New builds a Server from a Broker. hub and reg may be nil, which disables
// the WebSocket stream and the /metrics route respectively.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, hub *notify.Hub, cfg *config.Config, reg *metrics.Registry, opts ...Option) *Server {
	h := &Handler{broker: b, dataDir: cfg.Node.DataDir}
	for _, o := range opts {
		o(h)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Branches
	mux.HandleFunc("GET /branches", h.listBranches)
	mux.HandleFunc("POST /branches/{branch}/tokens", h.admit)
	mux.HandleFunc("POST /branches/{branch}/dispatch", h.dispatch)
	mux.HandleFunc("POST /branches/{branch}/reorder", h.reorder)
	mux.HandleFunc("GET /branches/{branch}/queue", h.branchQueue)
	mux.HandleFunc("GET /branches/{branch}/stats", h.branchStats)
	if hub != nil {
		mux.Handle("GET /branches/{branch}/ws", &transportws.Handler{Broker: b, Hub: hub})
	}

	// Tokens
	mux.HandleFunc("GET /tokens/{id}", h.getToken)
	mux.HandleFunc("GET /tokens/by-number/{number}", h.getTokenByNumber)
	mux.HandleFunc("POST /tokens/{id}/reprioritize", h.reprioritize)
	mux.HandleFunc("POST /tokens/{id}/start", h.startService)
	mux.HandleFunc("POST /tokens/{id}/complete", h.complete)
	mux.HandleFunc("POST /tokens/{id}/cancel", h.cancel)
	mux.HandleFunc("POST /tokens/{id}/no-show", h.noShow)

	// Stateless scoring
	mux.HandleFunc("POST /score", h.score)

	if h.subs != nil {
		mux.HandleFunc("POST /subscriptions", h.subscribe)
		mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
		mux.HandleFunc("DELETE /subscriptions/{id}", h.unsubscribe)
	}
	if h.deadLetters != nil {
		mux.HandleFunc("GET /events/dead-letters", h.peekDeadLetters)
		mux.HandleFunc("POST /events/dead-letters/replay", h.replayDeadLetters)
		mux.HandleFunc("DELETE /events/dead-letters", h.drainDeadLetters)
	}

	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
