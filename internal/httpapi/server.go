// Package httpapi wires the HTTP/SSE surface (spec.md §6) onto the commit
// pipeline, store, search index, and auth packages. Routing follows the
// teacher's own idiom: a single http.ServeMux, one handler method per
// route, middleware composed around the whole mux.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vng-commits/eventstore/internal/auth"
	"github.com/vng-commits/eventstore/internal/bus"
	"github.com/vng-commits/eventstore/internal/commitpipeline"
	"github.com/vng-commits/eventstore/internal/config"
	"github.com/vng-commits/eventstore/internal/identity"
	"github.com/vng-commits/eventstore/internal/search"
	"github.com/vng-commits/eventstore/internal/store"
)

// bearerLifetime is how long a JWT minted at magic-link verification stays
// valid before the client must log in again.
const bearerLifetime = 24 * time.Hour

// Server holds every dependency a route handler needs.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	index     *search.Index
	bus       *bus.Bus
	pipeline  *commitpipeline.Pipeline
	tokens    *identity.TokenManager
	magic     *auth.MagicLinkIssuer
	log       *slog.Logger
	heartbeat time.Duration
}

// New constructs a Server. The SSE keepalive comment interval is fixed at
// 20 seconds (spec.md §6 "15-30s").
func New(cfg *config.Config, st *store.Store, idx *search.Index, b *bus.Bus, p *commitpipeline.Pipeline, tokens *identity.TokenManager, magic *auth.MagicLinkIssuer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     st,
		index:     idx,
		bus:       b,
		pipeline:  p,
		tokens:    tokens,
		magic:     magic,
		log:       log,
		heartbeat: 20 * time.Second,
	}
}

// Handler builds the full route table wrapped in auth, CORS, and
// request-id middleware, in that composition order (outermost first:
// request-id, CORS, auth).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/auth/verify", s.handleAuthVerify)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/resources", s.handleResourcesList)
	mux.HandleFunc("/resources/", s.handleResourceByID)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/schemas", s.handleSchemas)
	mux.HandleFunc("/schemas/", s.handleSchemas)
	mux.HandleFunc("/reset/", s.handleReset)

	var handler http.Handler = auth.Middleware(s.tokens)(mux)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)
	return handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
