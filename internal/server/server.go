// Package server wires the handlers to routes. Collaborator clients are
// constructed once at process start and injected here; no handler
// reaches for global state.
package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/kioskhq/kiosk/internal/airtable"
	"github.com/kioskhq/kiosk/internal/email"
	"github.com/kioskhq/kiosk/internal/handler"
	"github.com/kioskhq/kiosk/internal/store"
	kioskstripe "github.com/kioskhq/kiosk/internal/stripe"
)

type Deps struct {
	DB       *sql.DB
	Payments *kioskstripe.Client
	Rows     *airtable.Client
	Mailer   *email.Client
	Logger   *slog.Logger
}

type Server struct {
	eventStore    *store.EventStore
	subscriptionH *handler.SubscriptionHandler
	checkoutH     *handler.CheckoutHandler
	webhookH      *handler.WebhookHandler
}

func New(deps Deps) *Server {
	eventStore := store.NewEventStore(deps.DB)

	return &Server{
		eventStore:    eventStore,
		subscriptionH: handler.NewSubscriptionHandler(deps.Payments, deps.Logger.With("component", "subscription")),
		checkoutH:     handler.NewCheckoutHandler(deps.Payments, deps.Logger.With("component", "checkout")),
		webhookH: handler.NewWebhookHandler(
			deps.Payments,
			eventStore,
			deps.Rows,
			deps.Mailer,
			deps.Logger.With("component", "webhook"),
		),
	}
}

// EventStore returns the processed-event store for cleanup tasks.
func (s *Server) EventStore() *store.EventStore {
	return s.eventStore
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.healthCheck)
	mux.HandleFunc("GET /health", s.healthCheck)

	mux.HandleFunc("POST /create-subscription", s.subscriptionH.CreateSubscription)
	mux.HandleFunc("POST /create-checkout-session", s.checkoutH.CreateCheckoutSession)
	mux.HandleFunc("POST /webhooks", s.webhookH.HandleWebhook)

	return mux
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
