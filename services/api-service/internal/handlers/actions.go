package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/kibbyhq/kibby/services/api-service/internal/chain"
	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/reconcile"
	"github.com/kibbyhq/kibby/services/api-service/internal/storage"
	"github.com/shopspring/decimal"
)

// Solana Actions wire format. Wallets discover the action via GET, then POST
// the payer account to receive a base64 transaction to sign.
const actionVersion = "2.4"

type actionMetadata struct {
	Type        string       `json:"type"`
	Icon        string       `json:"icon"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Label       string       `json:"label"`
	Links       *actionLinks `json:"links,omitempty"`
}

type actionLinks struct {
	Actions []linkedAction `json:"actions"`
}

type linkedAction struct {
	Label      string            `json:"label"`
	Href       string            `json:"href"`
	Parameters []actionParameter `json:"parameters,omitempty"`
}

type actionParameter struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

type actionPostRequest struct {
	Account string `json:"account"`
}

type actionPostResponse struct {
	Type        string `json:"type"`
	Transaction string `json:"transaction"`
	Message     string `json:"message,omitempty"`
	BookingID   string `json:"booking_id"`
}

func (h *Handler) setActionHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Action-Version", actionVersion)
	w.Header().Set("X-Blockchain-Ids", h.blockchainID)
}

// BookMeetingAction serves GET (metadata) and POST (build transaction) on
// /api/v1/actions/book-meeting?meeting_id=...
func (h *Handler) BookMeetingAction(w http.ResponseWriter, r *http.Request) {
	h.setActionHeaders(w)

	switch r.Method {
	case http.MethodGet:
		h.actionMetadata(w, r)
	case http.MethodPost:
		h.actionBuildTransaction(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) lookupActionMeeting(w http.ResponseWriter, r *http.Request) (model.Meeting, bool) {
	meetingID := strings.TrimSpace(r.URL.Query().Get("meeting_id"))
	if meetingID == "" {
		writeError(w, http.StatusBadRequest, "meeting_id query parameter required")
		return model.Meeting{}, false
	}
	m, err := h.store.MeetingByID(r.Context(), meetingID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "meeting not found")
			return model.Meeting{}, false
		}
		writeError(w, http.StatusInternalServerError, "failed to load meeting")
		return model.Meeting{}, false
	}
	return m, true
}

func (h *Handler) actionMetadata(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookupActionMeeting(w, r)
	if !ok {
		return
	}
	base := "/api/v1/actions/book-meeting?meeting_id=" + m.ID
	writeJSON(w, http.StatusOK, actionMetadata{
		Type:        "action",
		Icon:        "https://kibby.app/icon.png",
		Title:       m.Title,
		Description: m.Description,
		Label:       fmt.Sprintf("Book for %s SOL", m.PriceSOL.String()),
		Links: &actionLinks{
			Actions: []linkedAction{
				{
					Label: fmt.Sprintf("Book for %s SOL", m.PriceSOL.String()),
					Href:  base,
				},
				{
					Label: "Book with a custom amount",
					Href:  base + "&amount={amount}",
					Parameters: []actionParameter{
						{Name: "amount", Label: "Amount in SOL (at least the meeting price)"},
					},
				},
			},
		},
	})
}

func (h *Handler) actionBuildTransaction(w http.ResponseWriter, r *http.Request) {
	m, ok := h.lookupActionMeeting(w, r)
	if !ok {
		return
	}

	var req actionPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	payer, err := solana.PublicKeyFromBase58(strings.TrimSpace(req.Account))
	if err != nil {
		writeError(w, http.StatusBadRequest, "account is not a valid address")
		return
	}

	// Optional amount override; confirmation still only requires the price.
	amount := m.PriceSOL
	if raw := strings.TrimSpace(r.URL.Query().Get("amount")); raw != "" {
		amount, err = decimal.NewFromString(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "amount must be a decimal number of SOL")
			return
		}
		if amount.LessThan(m.PriceSOL) {
			writeError(w, http.StatusBadRequest, "amount is below the meeting price")
			return
		}
	}
	receiver, err := solana.PublicKeyFromBase58(m.CreatorWallet)
	if err != nil {
		h.logger.Error("stored creator wallet is not a valid address", "meeting_id", m.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "meeting is not payable")
		return
	}

	booking := &model.Booking{
		ID:          uuid.NewString(),
		MeetingID:   m.ID,
		PayerWallet: payer.String(),
	}
	created, err := h.store.CreatePendingBooking(r.Context(), booking)
	if err != nil {
		h.logger.Error("pending booking create failed", "meeting_id", m.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create booking")
		return
	}

	unsigned, err := h.builder.BuildTransfer(r.Context(), payer, receiver, amount, reconcile.Tag(created.ID))
	if err != nil {
		h.logger.Error("transfer build failed", "booking_id", created.ID, "err", err)
		writeError(w, http.StatusBadGateway, "failed to build transaction")
		return
	}

	writeJSON(w, http.StatusOK, actionPostResponse{
		Type:        "transaction",
		Transaction: unsigned.Base64,
		Message:     fmt.Sprintf("Booking %s (%s SOL)", m.Title, amount.String()),
		BookingID:   created.ID,
	})
}

// BookMeetingSuccess polls the chain for the booking's payment within a
// bounded window. 200 once confirmed, 202 while still pending.
func (h *Handler) BookMeetingSuccess(w http.ResponseWriter, r *http.Request) {
	h.setActionHeaders(w)

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	bookingID := strings.TrimSpace(r.URL.Query().Get("booking_id"))
	if bookingID == "" {
		writeError(w, http.StatusBadRequest, "booking_id query parameter required")
		return
	}

	booking, err := h.store.Booking(r.Context(), bookingID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "booking not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load booking")
		return
	}
	if booking.Status == model.BookingConfirmed {
		writeJSON(w, http.StatusOK, bookingStatusResponse(reconcile.StatusAlreadyConfirmed, booking))
		return
	}

	meeting, err := h.store.MeetingByID(r.Context(), booking.MeetingID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load meeting")
		return
	}
	recipient, err := solana.PublicKeyFromBase58(meeting.CreatorWallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "meeting is not payable")
		return
	}
	minLamports, err := chain.Lamports(meeting.PriceSOL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "meeting price is invalid")
		return
	}

	res, err := h.engine.PollForPayment(r.Context(), reconcile.ExpectedPayment{
		BookingID:   booking.ID,
		MeetingID:   meeting.ID,
		Recipient:   recipient,
		MinLamports: minLamports,
		Tag:         reconcile.Tag(booking.ID),
	})
	if err != nil {
		h.logger.Error("payment poll failed", "booking_id", booking.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "payment check failed")
		return
	}

	switch res.Status {
	case reconcile.StatusConfirmed, reconcile.StatusAlreadyConfirmed:
		writeJSON(w, http.StatusOK, bookingStatusResponse(res.Status, res.Booking))
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":     string(reconcile.StatusPending),
			"booking_id": booking.ID,
		})
	}
}

func bookingStatusResponse(status reconcile.Status, b model.Booking) map[string]any {
	resp := map[string]any{
		"status":          string(status),
		"booking_id":      b.ID,
		"transaction_sig": b.TransactionSig,
		"paid_lamports":   b.PaidLamports,
	}
	if b.ConfirmedAt != nil {
		resp["confirmed_at"] = b.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
