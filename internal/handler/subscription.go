package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kioskhq/kiosk/internal/renewal"
	kioskstripe "github.com/kioskhq/kiosk/internal/stripe"
)

type SubscriptionHandler struct {
	payments Payments
	logger   *slog.Logger
}

func NewSubscriptionHandler(payments Payments, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		payments: payments,
		logger:   logger,
	}
}

type addressPayload struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

type createSubscriptionRequest struct {
	PriceID       string         `json:"priceId"`
	Start         string         `json:"start"`
	Name          string         `json:"name"`
	Email         string         `json:"email"`
	Address       addressPayload `json:"address"`
	PaymentMethod string         `json:"paymentMethod"`
}

// CreateSubscription creates the customer and subscription directly,
// applying the billing directive for the declared start. One customer
// record per email: an existing customer fails the whole flow before
// anything is created.
func (h *SubscriptionHandler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := renewal.ParseStart(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.PriceID == "" {
		writeError(w, http.StatusBadRequest, "email and priceId are required")
		return
	}

	existing, err := h.payments.FindCustomerByEmail(req.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if existing != "" {
		h.logger.Info("rejected duplicate signup", "email", req.Email, "customer", existing)
		writeError(w, http.StatusConflict, "a customer already exists for this email")
		return
	}

	customerID, err := h.payments.CreateCustomer(req.Name, req.Email, kioskstripe.Address{
		Line1:    req.Address.Line1,
		Line2:    req.Address.Line2,
		City:     req.Address.City,
		Postcode: req.Address.Postcode,
		Country:  req.Address.Country,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.PaymentMethod != "" {
		if err := h.payments.AttachPaymentMethod(req.PaymentMethod, customerID); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	directive, err := renewal.BuildDirective(renewal.Intent{
		Start:            start,
		PriceID:          req.PriceID,
		CustomerRef:      customerID,
		PaymentMethodRef: req.PaymentMethod,
	}, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.payments.CreateSubscription(kioskstripe.SubscriptionParams{
		CustomerID:         customerID,
		PriceID:            req.PriceID,
		PaymentMethodID:    req.PaymentMethod,
		TrialEnd:           directive.TrialEnd,
		BillingCycleAnchor: directive.BillingCycleAnchor,
		DisableProration:   directive.DisableProration,
		Metadata:           map[string]string{renewal.MetadataKey: string(start)},
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("subscription created",
		"subscription", sub.ID,
		"customer", customerID,
		"start", start,
		"deferred_until", directive.DeferredUntil(),
	)

	resp := map[string]string{"subscriptionId": sub.ID}
	if secret := kioskstripe.ClientSecret(sub); secret != "" {
		resp["clientSecret"] = secret
	}
	writeJSON(w, http.StatusOK, resp)
}
