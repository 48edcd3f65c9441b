package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/kioskhq/kiosk/internal/airtable"
	"github.com/kioskhq/kiosk/internal/database"
	"github.com/kioskhq/kiosk/internal/renewal"
	"github.com/kioskhq/kiosk/internal/store"
	kioskstripe "github.com/kioskhq/kiosk/internal/stripe"
)

type deferral struct {
	subscriptionID string
	trialEnd       int64
}

type fakePayments struct {
	existingCustomerID string
	event              stripe.Event
	sub                *stripe.Subscription
	subErr             error

	createdCustomers []string
	attached         []string
	createdSubs      []kioskstripe.SubscriptionParams
	deferred         []deferral
	checkouts        []int64
}

func (f *fakePayments) FindCustomerByEmail(email string) (string, error) {
	return f.existingCustomerID, nil
}

func (f *fakePayments) CreateCustomer(name, email string, addr kioskstripe.Address) (string, error) {
	f.createdCustomers = append(f.createdCustomers, email)
	return "cus_new", nil
}

func (f *fakePayments) AttachPaymentMethod(paymentMethodID, customerID string) error {
	f.attached = append(f.attached, paymentMethodID)
	return nil
}

func (f *fakePayments) CreateSubscription(p kioskstripe.SubscriptionParams) (*stripe.Subscription, error) {
	f.createdSubs = append(f.createdSubs, p)
	if f.sub != nil {
		return f.sub, nil
	}
	return &stripe.Subscription{ID: "sub_new"}, nil
}

func (f *fakePayments) GetSubscription(id string) (*stripe.Subscription, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.sub, nil
}

func (f *fakePayments) DeferRenewal(id string, trialEnd int64) error {
	f.deferred = append(f.deferred, deferral{subscriptionID: id, trialEnd: trialEnd})
	return nil
}

func (f *fakePayments) CreateCheckoutSession(priceID string, trialEnd int64, metadata map[string]string) (*stripe.CheckoutSession, error) {
	f.checkouts = append(f.checkouts, trialEnd)
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

func (f *fakePayments) ParseWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return f.event, nil
}

type fakeRows struct {
	rows chan airtable.Row
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: make(chan airtable.Row, 4)}
}

func (f *fakeRows) Configured() bool { return true }

func (f *fakeRows) AppendRow(ctx context.Context, row airtable.Row) (string, error) {
	f.rows <- row
	return "rec_1", nil
}

type fakeMailer struct {
	admin     chan string
	deferrals chan time.Time
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		admin:     make(chan string, 4),
		deferrals: make(chan time.Time, 4),
	}
}

func (f *fakeMailer) Configured() bool { return true }

func (f *fakeMailer) SendAdminNotice(ctx context.Context, name, startsWith string) error {
	f.admin <- name
	return nil
}

func (f *fakeMailer) SendDeferralNotice(ctx context.Context, to, name string, firstCharge time.Time) error {
	f.deferrals <- firstCharge
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func paymentSucceededEvent(id, billingReason, subID, email string) stripe.Event {
	raw := `{
		"id": "in_1",
		"billing_reason": "` + billingReason + `",
		"customer_email": "` + email + `",
		"customer_name": "Alice Byrne",
		"parent": {"subscription_details": {"subscription": "` + subID + `"}}
	}`
	return stripe.Event{
		ID:   id,
		Type: "invoice.payment_succeeded",
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func serveWebhook(t *testing.T, h *WebhookHandler) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/webhooks", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)
	return rec
}

func assertReceived(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !body["received"] {
		t.Error("response missing received=true")
	}
}

func TestWebhookNonInitialInvoiceNoUpdate(t *testing.T) {
	f := &fakePayments{
		event: paymentSucceededEvent("evt_1", "subscription_cycle", "sub_1", "alice@example.com"),
		sub: &stripe.Subscription{
			ID:       "sub_1",
			Metadata: map[string]string{"start": "current"},
		},
	}
	rows := newFakeRows()
	mailer := newFakeMailer()
	h := NewWebhookHandler(f, nil, rows, mailer, testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 0 {
		t.Errorf("deferred = %v, want none for a cycle renewal", f.deferred)
	}
	select {
	case row := <-rows.rows:
		t.Errorf("row appended for cycle renewal: %+v", row)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookCurrentStartCorrected(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	f := &fakePayments{
		event: paymentSucceededEvent("evt_1", "subscription_create", "sub_1", "alice@example.com"),
		sub: &stripe.Subscription{
			ID:       "sub_1",
			Created:  created.Unix(),
			Metadata: map[string]string{"start": "current"},
		},
	}
	rows := newFakeRows()
	mailer := newFakeMailer()
	h := NewWebhookHandler(f, nil, rows, mailer, testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 1 {
		t.Fatalf("deferred = %v, want one correction", f.deferred)
	}
	wantAnchor := renewal.NextAnchor(time.Now()).Unix()
	if f.deferred[0].trialEnd != wantAnchor {
		t.Errorf("trial end = %d, want %d", f.deferred[0].trialEnd, wantAnchor)
	}
	if f.deferred[0].subscriptionID != "sub_1" {
		t.Errorf("subscription = %q", f.deferred[0].subscriptionID)
	}

	select {
	case row := <-rows.rows:
		if row.SubscriptionID != "sub_1" {
			t.Errorf("row subscription = %q", row.SubscriptionID)
		}
		if row.StartsWith != "current" {
			t.Errorf("row starts with = %q", row.StartsWith)
		}
		if row.Email != "alice@example.com" {
			t.Errorf("row email = %q", row.Email)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no row appended")
	}

	select {
	case name := <-mailer.admin:
		if name != "Alice Byrne" {
			t.Errorf("admin notice name = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no admin notice sent")
	}

	select {
	case firstCharge := <-mailer.deferrals:
		if firstCharge.Unix() != wantAnchor {
			t.Errorf("deferral notice date = %v, want anchor", firstCharge)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no deferral notice sent")
	}
}

func TestWebhookNextStartNoOp(t *testing.T) {
	trialEnd := renewal.NextAnchor(time.Now()).Unix()
	f := &fakePayments{
		event: paymentSucceededEvent("evt_1", "subscription_create", "sub_1", "alice@example.com"),
		sub: &stripe.Subscription{
			ID:       "sub_1",
			Created:  time.Now().Unix(),
			TrialEnd: trialEnd,
			Metadata: map[string]string{"start": "next"},
		},
	}
	rows := newFakeRows()
	mailer := newFakeMailer()
	h := NewWebhookHandler(f, nil, rows, mailer, testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 0 {
		t.Errorf("deferred = %v, want no correction for next-start", f.deferred)
	}

	// The anchor set at creation still reaches the confirmation notice.
	select {
	case firstCharge := <-mailer.deferrals:
		if firstCharge.Unix() != trialEnd {
			t.Errorf("deferral notice date = %v, want creation-time trial end", firstCharge)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no deferral notice sent")
	}
}

func TestWebhookMalformedIntentNoUpdate(t *testing.T) {
	f := &fakePayments{
		event: paymentSucceededEvent("evt_1", "subscription_create", "sub_1", "alice@example.com"),
		sub: &stripe.Subscription{
			ID:       "sub_1",
			Created:  time.Now().Unix(),
			Metadata: map[string]string{"start": "immediately"},
		},
	}
	rows := newFakeRows()
	h := NewWebhookHandler(f, nil, rows, newFakeMailer(), testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 0 {
		t.Errorf("deferred = %v, want none for malformed intent", f.deferred)
	}
	// Bookkeeping still happens; the warning is only logged.
	select {
	case <-rows.rows:
	case <-time.After(2 * time.Second):
		t.Fatal("no row appended")
	}
}

func TestWebhookRepeatedEventSkipped(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fakePayments{
		event: paymentSucceededEvent("evt_1", "subscription_create", "sub_1", "alice@example.com"),
		sub: &stripe.Subscription{
			ID:       "sub_1",
			Created:  time.Now().Unix(),
			Metadata: map[string]string{"start": "current"},
		},
	}
	rows := newFakeRows()
	h := NewWebhookHandler(f, store.NewEventStore(db), rows, newFakeMailer(), testLogger())

	assertReceived(t, serveWebhook(t, h))
	select {
	case <-rows.rows:
	case <-time.After(2 * time.Second):
		t.Fatal("no row appended on first delivery")
	}

	// Redelivery carries a new event ID for the same subscription.
	f.event = paymentSucceededEvent("evt_2", "subscription_create", "sub_1", "alice@example.com")
	assertReceived(t, serveWebhook(t, h))

	if len(f.deferred) != 1 {
		t.Errorf("deferred %d times, want 1", len(f.deferred))
	}
	select {
	case row := <-rows.rows:
		t.Errorf("row appended on redelivery: %+v", row)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookCheckoutAndInvoiceConfirmOnce(t *testing.T) {
	// A hosted-checkout signup emits both checkout.session.completed and
	// the initial invoice.payment_succeeded; the subscriber must get one
	// correction, one row, one set of notices.
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessionRaw := `{
		"id": "cs_1",
		"subscription": "sub_1",
		"customer_details": {"email": "alice@example.com", "name": "Alice Byrne"}
	}`
	f := &fakePayments{
		event: stripe.Event{
			ID:   "evt_1",
			Type: "checkout.session.completed",
			Data: &stripe.EventData{Raw: json.RawMessage(sessionRaw)},
		},
		sub: &stripe.Subscription{
			ID:       "sub_1",
			Created:  time.Now().Unix(),
			Metadata: map[string]string{"start": "current"},
		},
	}
	rows := newFakeRows()
	h := NewWebhookHandler(f, store.NewEventStore(db), rows, newFakeMailer(), testLogger())

	assertReceived(t, serveWebhook(t, h))
	select {
	case <-rows.rows:
	case <-time.After(2 * time.Second):
		t.Fatal("no row appended for checkout completion")
	}

	f.event = paymentSucceededEvent("evt_2", "subscription_create", "sub_1", "alice@example.com")
	assertReceived(t, serveWebhook(t, h))

	if len(f.deferred) != 1 {
		t.Errorf("deferred %d times, want 1 across both confirmation events", len(f.deferred))
	}
	select {
	case row := <-rows.rows:
		t.Errorf("second row appended: %+v", row)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookUnknownSubscriptionDiscarded(t *testing.T) {
	f := &fakePayments{
		event:  paymentSucceededEvent("evt_1", "subscription_create", "sub_404", "alice@example.com"),
		subErr: io.EOF,
	}
	rows := newFakeRows()
	h := NewWebhookHandler(f, nil, rows, newFakeMailer(), testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 0 {
		t.Errorf("deferred = %v, want none", f.deferred)
	}
	select {
	case <-rows.rows:
		t.Error("row appended for unknown subscription")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	raw := `{
		"id": "cs_1",
		"subscription": "sub_9",
		"customer_details": {
			"email": "bob@example.com",
			"name": "Bob Nolan",
			"address": {"line1": "2 Quay St", "city": "Galway", "postal_code": "H91", "country": "IE"}
		}
	}`
	f := &fakePayments{
		event: stripe.Event{
			ID:   "evt_1",
			Type: "checkout.session.completed",
			Data: &stripe.EventData{Raw: json.RawMessage(raw)},
		},
		sub: &stripe.Subscription{
			ID:       "sub_9",
			Created:  time.Now().Unix(),
			Metadata: map[string]string{"start": "current"},
		},
	}
	rows := newFakeRows()
	h := NewWebhookHandler(f, nil, rows, newFakeMailer(), testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 1 {
		t.Fatalf("deferred = %v, want one correction", f.deferred)
	}
	select {
	case row := <-rows.rows:
		if row.Name != "Bob Nolan" || row.City != "Galway" || row.Country != "IE" {
			t.Errorf("row = %+v", row)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no row appended")
	}
}

func TestWebhookUnrecognizedTypeAcknowledged(t *testing.T) {
	f := &fakePayments{
		event: stripe.Event{
			ID:   "evt_1",
			Type: "customer.updated",
			Data: &stripe.EventData{Raw: json.RawMessage(`{}`)},
		},
	}
	h := NewWebhookHandler(f, nil, newFakeRows(), newFakeMailer(), testLogger())

	rec := serveWebhook(t, h)
	assertReceived(t, rec)

	if len(f.deferred) != 0 || len(f.createdSubs) != 0 {
		t.Error("unrecognized event type triggered provider calls")
	}
}
