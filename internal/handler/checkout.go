package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kioskhq/kiosk/internal/renewal"
)

type CheckoutHandler struct {
	payments Payments
	logger   *slog.Logger
}

func NewCheckoutHandler(payments Payments, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		payments: payments,
		logger:   logger,
	}
}

// CreateCheckoutSession starts a hosted checkout for a subscription.
// Checkout collects the payment method itself, so a "next" start is
// always encoded as a trial end; the declared start travels in the
// subscription metadata for the webhook to read back.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PriceID string `json:"priceId"`
		Start   string `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := renewal.ParseStart(req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	directive, err := renewal.BuildDirective(renewal.Intent{Start: start, PriceID: req.PriceID}, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.payments.CreateCheckoutSession(req.PriceID, directive.TrialEnd, map[string]string{
		renewal.MetadataKey: string(start),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("checkout session created", "session", sess.ID, "start", start)
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": sess.ID,
		"url":       sess.URL,
	})
}
