// Package stripe wraps the payment-provider calls the service makes:
// customer lookup and creation, payment-method attachment, subscription
// creation with a billing directive, hosted checkout sessions, and
// webhook event parsing.
package stripe

import (
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// Address is a postal address as collected from the signup form.
type Address struct {
	Line1    string
	Line2    string
	City     string
	Postcode string
	Country  string
}

// FindCustomerByEmail returns the ID of an existing customer with the
// given email, or "" when there is none. One customer record per email
// is a business invariant enforced before any creation call.
func (c *Client) FindCustomerByEmail(email string) (string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Limit = stripe.Int64(1)
	it := customer.List(params)
	if it.Next() {
		return it.Customer().ID, nil
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list customers: %w", err)
	}
	return "", nil
}

// CreateCustomer creates a Stripe customer and returns the customer ID.
func (c *Client) CreateCustomer(name, email string, addr Address) (string, error) {
	params := &stripe.CustomerParams{
		Name:  stripe.String(name),
		Email: stripe.String(email),
		Address: &stripe.AddressParams{
			Line1:      stripe.String(addr.Line1),
			Line2:      stripe.String(addr.Line2),
			City:       stripe.String(addr.City),
			PostalCode: stripe.String(addr.Postcode),
			Country:    stripe.String(addr.Country),
		},
	}
	cust, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("create stripe customer: %w", err)
	}
	return cust.ID, nil
}

// AttachPaymentMethod attaches a payment method to a customer and makes
// it the customer's default for invoices.
func (c *Client) AttachPaymentMethod(paymentMethodID, customerID string) error {
	_, err := paymentmethod.Attach(paymentMethodID, &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(customerID),
	})
	if err != nil {
		return fmt.Errorf("attach payment method: %w", err)
	}
	_, err = customer.Update(customerID, &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	})
	if err != nil {
		return fmt.Errorf("set default payment method: %w", err)
	}
	return nil
}

// SubscriptionParams carries everything needed to create a subscription,
// including the billing directive translated to provider fields. Zero
// values mean "unset".
type SubscriptionParams struct {
	CustomerID         string
	PriceID            string
	PaymentMethodID    string
	TrialEnd           int64
	BillingCycleAnchor int64
	DisableProration   bool
	Metadata           map[string]string
}

// CreateSubscription creates the subscription. Without a stored payment
// method the subscription starts incomplete and the latest invoice's
// confirmation secret is expanded so the caller can complete payment
// client-side.
func (c *Client) CreateSubscription(p SubscriptionParams) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerID),
		Items: []*stripe.SubscriptionItemsParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: p.Metadata,
	}
	if p.TrialEnd > 0 {
		params.TrialEnd = stripe.Int64(p.TrialEnd)
	}
	if p.BillingCycleAnchor > 0 {
		params.BillingCycleAnchor = stripe.Int64(p.BillingCycleAnchor)
	}
	if p.DisableProration {
		params.ProrationBehavior = stripe.String("none")
	}
	if p.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripe.String(p.PaymentMethodID)
	} else {
		params.PaymentBehavior = stripe.String("default_incomplete")
		params.PaymentSettings = &stripe.SubscriptionPaymentSettingsParams{
			SaveDefaultPaymentMethod: stripe.String("on_subscription"),
		}
		params.AddExpand("latest_invoice.confirmation_secret")
	}
	sub, err := subscription.New(params)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

// ClientSecret returns the payable client secret embedded in a freshly
// created subscription's latest invoice, or "" when no interactive
// payment step is required.
func ClientSecret(sub *stripe.Subscription) string {
	if sub.LatestInvoice != nil && sub.LatestInvoice.ConfirmationSecret != nil {
		return sub.LatestInvoice.ConfirmationSecret.ClientSecret
	}
	return ""
}

// GetSubscription retrieves a subscription by ID.
func (c *Client) GetSubscription(id string) (*stripe.Subscription, error) {
	sub, err := subscription.Get(id, nil)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// DeferRenewal pushes the subscription's next charge out to trialEnd
// without prorating, leaving any already-collected payment untouched.
func (c *Client) DeferRenewal(id string, trialEnd int64) error {
	_, err := subscription.Update(id, &stripe.SubscriptionParams{
		TrialEnd:          stripe.Int64(trialEnd),
		ProrationBehavior: stripe.String("none"),
	})
	if err != nil {
		return fmt.Errorf("defer renewal: %w", err)
	}
	return nil
}

// CreateCheckoutSession creates a hosted checkout session in
// subscription mode. trialEnd of zero means no deferral.
func (c *Client) CreateCheckoutSession(priceID string, trialEnd int64, metadata map[string]string) (*stripe.CheckoutSession, error) {
	subData := &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	if trialEnd > 0 {
		subData.TrialEnd = stripe.Int64(trialEnd)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:                     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes:       stripe.StringSlice([]string{"card"}),
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionAuto)),
		ShippingAddressCollection: &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(ShippingCountries),
		},
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: subData,
		SuccessURL:       stripe.String(c.cfg.SuccessURL),
		CancelURL:        stripe.String(c.cfg.CancelURL),
	}
	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return sess, nil
}

// ParseWebhookEvent verifies the signature and returns the parsed event.
// Without a configured webhook secret it falls back to plain JSON
// parsing, which keeps local development working without a CLI forward.
func (c *Client) ParseWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	if c.cfg.WebhookSecret != "" {
		return webhook.ConstructEvent(payload, sigHeader, c.cfg.WebhookSecret)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return stripe.Event{}, fmt.Errorf("parse event: %w", err)
	}
	return event, nil
}
