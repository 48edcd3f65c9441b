package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/kioskhq/kiosk/internal/airtable"
	"github.com/kioskhq/kiosk/internal/renewal"
	"github.com/kioskhq/kiosk/internal/store"
)

type WebhookHandler struct {
	payments Payments
	events   *store.EventStore
	rows     SubscriberLog
	mailer   Notifier
	logger   *slog.Logger
}

func NewWebhookHandler(
	payments Payments,
	events *store.EventStore,
	rows SubscriberLog,
	mailer Notifier,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		payments: payments,
		events:   events,
		rows:     rows,
		mailer:   mailer,
		logger:   logger,
	}
}

// HandleWebhook dispatches provider events. The endpoint always
// acknowledges receipt once the payload parses; handler failures are
// logged and swallowed, since the event source does not expect
// business-logic outcomes in the response.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}

	event, err := h.payments.ParseWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	switch event.Type {
	case "invoice.payment_succeeded":
		h.handlePaymentSucceeded(event)
	case "checkout.session.completed":
		h.handleCheckoutCompleted(event)
	case "customer.subscription.created":
		// Creation is not proof of payment; the payment-succeeded event
		// drives the anchor correction.
		h.logger.Info("subscription created, awaiting payment", "event", event.ID)
	case "customer.subscription.trial_will_end":
		h.handleTrialWillEnd(event)
	case "invoice.payment_failed":
		h.handlePaymentFailed(event)
	default:
		h.logger.Info("unhandled event type", "type", event.Type)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// confirmationKind is the idempotency kind shared by both confirmation
// triggers. A hosted-checkout signup emits checkout.session.completed
// and the initial invoice.payment_succeeded for the same subscription,
// and the subscriber must be confirmed exactly once.
const confirmationKind = "subscription.confirmed"

// subscriptionIDFromInvoice extracts the subscription ID from an
// invoice's parent.
func subscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}

func (h *WebhookHandler) handlePaymentSucceeded(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("unmarshal invoice", "error", err)
		return
	}

	// Only the initial charge of a new subscription confirms a signup;
	// cycle renewals and one-off invoices pass through untouched.
	if invoice.BillingReason != stripe.InvoiceBillingReasonSubscriptionCreate {
		h.logger.Debug("ignoring non-initial invoice", "invoice", invoice.ID, "billing_reason", invoice.BillingReason)
		return
	}

	subID := subscriptionIDFromInvoice(invoice)
	if subID == "" {
		h.logger.Warn("paid invoice without subscription", "invoice", invoice.ID)
		return
	}

	if h.events != nil {
		fresh, err := h.events.MarkProcessed(event.ID, subID, confirmationKind)
		if err != nil {
			h.logger.Error("record processed event", "subscription", subID, "error", err)
		} else if !fresh {
			h.logger.Info("skipping repeated event", "subscription", subID, "event", event.ID)
			return
		}
	}

	sub, err := h.payments.GetSubscription(subID)
	if err != nil {
		h.logger.Error("subscription not found, discarding event", "subscription", subID, "error", err)
		return
	}

	h.confirm(sub, invoice.CustomerEmail, subscriberRowFromInvoice(invoice, sub))
}

func (h *WebhookHandler) handleCheckoutCompleted(event stripe.Event) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		h.logger.Error("unmarshal checkout session", "error", err)
		return
	}

	if sess.Subscription == nil {
		h.logger.Warn("checkout session without subscription", "session", sess.ID)
		return
	}

	if h.events != nil {
		fresh, err := h.events.MarkProcessed(event.ID, sess.Subscription.ID, confirmationKind)
		if err != nil {
			h.logger.Error("record processed event", "subscription", sess.Subscription.ID, "error", err)
		} else if !fresh {
			h.logger.Info("skipping repeated event", "subscription", sess.Subscription.ID, "event", event.ID)
			return
		}
	}

	// The declared start lives on the subscription, not the session.
	sub, err := h.payments.GetSubscription(sess.Subscription.ID)
	if err != nil {
		h.logger.Error("subscription not found, discarding event", "subscription", sess.Subscription.ID, "error", err)
		return
	}

	email := ""
	if sess.CustomerDetails != nil {
		email = sess.CustomerDetails.Email
	}
	h.confirm(sub, email, subscriberRowFromSession(sess, sub))
}

// confirm runs the anchor reconciliation for a paid-up subscription and
// kicks off the detached bookkeeping: the spreadsheet row and the
// notices are not awaited by the response path, and their failures are
// only logged.
func (h *WebhookHandler) confirm(sub *stripe.Subscription, customerEmail string, row airtable.Row) {
	declared := sub.Metadata[renewal.MetadataKey]
	action := renewal.ReconcileOnConfirmation(sub.ID, declared, time.Unix(sub.Created, 0), time.Now())
	if action.Malformed {
		h.logger.Warn("malformed start intent", "subscription", sub.ID, "start", declared)
	}

	var deferredUntil int64
	if action.Apply() {
		if err := h.payments.DeferRenewal(sub.ID, action.TrialEnd); err != nil {
			h.logger.Error("defer renewal", "subscription", sub.ID, "error", err)
		} else {
			deferredUntil = action.TrialEnd
			h.logger.Info("renewal re-anchored",
				"subscription", sub.ID,
				"trial_end", time.Unix(action.TrialEnd, 0).Format(time.RFC3339),
			)
		}
	} else if renewal.Start(declared) == renewal.StartNext && sub.TrialEnd > 0 {
		// Already deferred at creation time; pass the date through for
		// the confirmation notice.
		deferredUntil = sub.TrialEnd
	}

	go h.recordSubscriber(row)
	go h.notify(row.Name, declared, customerEmail, deferredUntil)
}

func subscriberRowFromInvoice(invoice stripe.Invoice, sub *stripe.Subscription) airtable.Row {
	row := airtable.Row{
		SubscriptionID: sub.ID,
		Email:          invoice.CustomerEmail,
		Name:           invoice.CustomerName,
		StartsWith:     sub.Metadata[renewal.MetadataKey],
		Created:        time.Unix(sub.Created, 0),
	}
	addr := invoice.CustomerAddress
	if invoice.CustomerShipping != nil && invoice.CustomerShipping.Address != nil {
		addr = invoice.CustomerShipping.Address
		if invoice.CustomerShipping.Name != "" {
			row.Name = invoice.CustomerShipping.Name
		}
	}
	fillRowAddress(&row, addr)
	return row
}

func subscriberRowFromSession(sess stripe.CheckoutSession, sub *stripe.Subscription) airtable.Row {
	row := airtable.Row{
		SubscriptionID: sub.ID,
		StartsWith:     sub.Metadata[renewal.MetadataKey],
		Created:        time.Unix(sub.Created, 0),
	}
	if sess.CustomerDetails != nil {
		row.Email = sess.CustomerDetails.Email
		row.Name = sess.CustomerDetails.Name
		fillRowAddress(&row, sess.CustomerDetails.Address)
	}
	return row
}

func fillRowAddress(row *airtable.Row, addr *stripe.Address) {
	if addr == nil {
		return
	}
	row.AddressLine1 = addr.Line1
	row.AddressLine2 = addr.Line2
	row.City = addr.City
	row.Postcode = addr.PostalCode
	row.Country = addr.Country
}

func (h *WebhookHandler) recordSubscriber(row airtable.Row) {
	if h.rows == nil || !h.rows.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	id, err := h.rows.AppendRow(ctx, row)
	if err != nil {
		h.logger.Error("append subscriber row", "subscription", row.SubscriptionID, "error", err)
		return
	}
	h.logger.Info("subscriber row recorded", "subscription", row.SubscriptionID, "record", id)
}

func (h *WebhookHandler) notify(name, startsWith, customerEmail string, deferredUntil int64) {
	if h.mailer == nil || !h.mailer.Configured() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := h.mailer.SendAdminNotice(ctx, name, startsWith); err != nil {
		h.logger.Error("send admin notice", "error", err)
	}

	if deferredUntil > 0 && customerEmail != "" {
		if err := h.mailer.SendDeferralNotice(ctx, customerEmail, name, time.Unix(deferredUntil, 0)); err != nil {
			h.logger.Error("send deferral notice", "to", customerEmail, "error", err)
		}
	}
}

func (h *WebhookHandler) handleTrialWillEnd(event stripe.Event) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		h.logger.Error("unmarshal subscription", "error", err)
		return
	}
	h.logger.Info("trial ending soon",
		"subscription", sub.ID,
		"trial_end", time.Unix(sub.TrialEnd, 0).Format(time.RFC3339),
	)
}

func (h *WebhookHandler) handlePaymentFailed(event stripe.Event) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		h.logger.Error("unmarshal invoice", "error", err)
		return
	}
	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	h.logger.Warn("payment failed",
		"customer", customerID,
		"email", invoice.CustomerEmail,
		"subscription", subscriptionIDFromInvoice(invoice),
	)
}
