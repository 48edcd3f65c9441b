// Package handler implements the HTTP surface: subscription creation,
// hosted checkout, and the Stripe webhook endpoint. Collaborators are
// injected as narrow interfaces; the concrete clients live in
// internal/stripe, internal/airtable, and internal/email.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/kioskhq/kiosk/internal/airtable"
	kioskstripe "github.com/kioskhq/kiosk/internal/stripe"
)

// Payments is the payment-provider surface the handlers consume,
// satisfied by *stripe.Client.
type Payments interface {
	FindCustomerByEmail(email string) (string, error)
	CreateCustomer(name, email string, addr kioskstripe.Address) (string, error)
	AttachPaymentMethod(paymentMethodID, customerID string) error
	CreateSubscription(p kioskstripe.SubscriptionParams) (*stripe.Subscription, error)
	GetSubscription(id string) (*stripe.Subscription, error)
	DeferRenewal(id string, trialEnd int64) error
	CreateCheckoutSession(priceID string, trialEnd int64, metadata map[string]string) (*stripe.CheckoutSession, error)
	ParseWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

// SubscriberLog records subscribers in the tabular store, satisfied by
// *airtable.Client.
type SubscriberLog interface {
	Configured() bool
	AppendRow(ctx context.Context, row airtable.Row) (string, error)
}

// Notifier sends the transactional notices, satisfied by *email.Client.
type Notifier interface {
	Configured() bool
	SendAdminNotice(ctx context.Context, name, startsWith string) error
	SendDeferralNotice(ctx context.Context, to, name string, firstCharge time.Time) error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError mirrors the error payload shape the storefront consumes.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}
