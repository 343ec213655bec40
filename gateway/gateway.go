// Package gateway is the HTTP boundary of the settlement network. It
// translates between the canonical JSON API and the native engines; no
// business rule lives here.
package gateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"settlenet/native/auction"
	"settlenet/native/events"
	"settlenet/native/fraud"
	"settlenet/native/invoice"
	"settlenet/native/ledger"
	"settlenet/native/registry"
	"settlenet/native/settlement"
	"settlenet/native/settlement/rails"
	"settlenet/observability"
)

// Deps are the engines the gateway fronts.
type Deps struct {
	DB          *gorm.DB
	Store       *invoice.Store
	Machine     *invoice.Machine
	Registry    *registry.Registry
	Fraud       *fraud.Gate
	Auctions    *auction.Engine
	Coordinator *settlement.Coordinator
	Journal     *ledger.Ledger
	Rails       *rails.Manager
	Freeze      *settlement.Freeze
	Bus         *events.Bus
}

// Options tunes the boundary behavior.
type Options struct {
	// AuctionDuration is the bidding window opened for each admitted invoice.
	AuctionDuration time.Duration
	// RateLimitPerHour caps mutating requests per party.
	RateLimitPerHour int
	// JWTSecret enables bearer authentication when non-empty.
	JWTSecret []byte
	Now       func() time.Time
}

// Server exposes the settlement network API.
type Server struct {
	deps    Deps
	auth    *authenticator
	limiter *partyLimiter
	metrics *observability.GatewayMetrics
	log     *slog.Logger
	now     func() time.Time

	auctionDuration time.Duration
}

// NewServer wires the API surface over the given engines.
func NewServer(deps Deps, opts Options) *Server {
	if opts.AuctionDuration <= 0 {
		opts.AuctionDuration = 10 * time.Second
	}
	if opts.RateLimitPerHour <= 0 {
		opts.RateLimitPerHour = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		deps:            deps,
		auth:            newAuthenticator(opts.JWTSecret, opts.Now),
		limiter:         newPartyLimiter(opts.RateLimitPerHour),
		metrics:         observability.Gateway(),
		log:             slog.Default().With("component", "gateway"),
		now:             opts.Now,
		auctionDuration: opts.AuctionDuration,
	}
}

// Router assembles the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws/events", s.handleEventFeed)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.auth.middleware)

		api.With(s.observe("submit-invoice"), s.throttle("submit-invoice"), s.idempotent).
			Post("/invoices", s.handleSubmitInvoice)
		api.With(s.observe("get-invoice")).Get("/invoices/{id}", s.handleGetInvoice)
		api.With(s.observe("get-quote")).Get("/invoices/{id}/quote", s.handleGetQuote)
		api.With(s.observe("accept"), s.throttle("accept"), s.idempotent).
			Post("/invoices/{id}/accept", s.handleAccept)
		api.With(s.observe("submit-bid"), s.throttle("submit-bid"), s.idempotent).
			Post("/bids", s.handleSubmitBid)
		api.With(s.observe("reconcile")).Get("/ledger/reconcile", s.handleReconcile)
	})
	return r
}

// Handler wraps the router with tracing. This is what main serves.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "gateway")
}
