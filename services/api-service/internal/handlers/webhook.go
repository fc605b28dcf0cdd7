package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/kibbyhq/kibby/services/api-service/internal/reconcile"
	"github.com/kibbyhq/kibby/services/api-service/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// PaymentWebhook ingests payment-processor deliveries. The raw body is
// authenticated before any parsing; unverifiable deliveries never touch
// storage.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.webhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "webhook ingestion is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if !webhook.Verify(body, r.Header.Get(webhook.SignatureHeader), h.webhookSecret) {
		h.logger.Warn("webhook signature verification failed", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	evt, err := webhook.ParsePaymentEvent(body)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to parse payload")
		return
	}

	obs := reconcile.ObservedEvent{
		Signature: evt.Signature,
		FeePayer:  evt.FeePayer,
		Memo:      evt.Memo,
	}
	for _, t := range evt.Transfers {
		obs.Transfers = append(obs.Transfers, reconcile.ObservedTransfer{
			From: t.From, To: t.To, Lamports: t.Lamports,
		})
	}

	res, err := h.engine.ApplyObserved(r.Context(), obs)
	if err != nil {
		h.logger.Error("webhook reconcile failed", "signature", evt.Signature, "err", err)
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}

	switch res.Status {
	case reconcile.StatusConfirmed, reconcile.StatusAlreadyConfirmed:
		writeJSON(w, http.StatusOK, bookingStatusResponse(res.Status, res.Booking))
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": string(reconcile.StatusPending)})
	}
}
