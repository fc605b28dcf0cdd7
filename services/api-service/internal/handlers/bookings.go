package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/storage"
)

type bookingItem struct {
	ID             string `json:"id"`
	MeetingID      string `json:"meeting_id"`
	PayerWallet    string `json:"payer_wallet"`
	Status         string `json:"status"`
	TransactionSig string `json:"transaction_sig,omitempty"`
	PaidLamports   uint64 `json:"paid_lamports,omitempty"`
	NFTMint        string `json:"nft_mint,omitempty"`
	BookedAt       string `json:"booked_at"`
	ConfirmedAt    string `json:"confirmed_at,omitempty"`
}

func bookingToItem(b model.Booking) bookingItem {
	item := bookingItem{
		ID:             b.ID,
		MeetingID:      b.MeetingID,
		PayerWallet:    b.PayerWallet,
		Status:         b.Status,
		TransactionSig: b.TransactionSig,
		PaidLamports:   b.PaidLamports,
		NFTMint:        b.NFTMint,
		BookedAt:       b.BookedAt.UTC().Format(time.RFC3339),
	}
	if b.ConfirmedAt != nil {
		item.ConfirmedAt = b.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	return item
}

// Bookings lists a wallet's bookings: GET /api/v1/bookings?wallet=...
func (h *Handler) Bookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	wallet := strings.TrimSpace(r.URL.Query().Get("wallet"))
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}
	bookings, err := h.store.ListBookingsByPayer(r.Context(), wallet)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list bookings")
		return
	}
	items := make([]bookingItem, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, bookingToItem(b))
	}
	writeJSON(w, http.StatusOK, items)
}

type attachMintRequest struct {
	BookingID   string `json:"booking_id"`
	PayerWallet string `json:"payer_wallet"`
	NFTMint     string `json:"nft_mint"`
}

// AttachNFTMint records the mint address of the booking receipt NFT once the
// client has minted it: POST /api/v1/bookings/nft-mint
func (h *Handler) AttachNFTMint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req attachMintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	req.PayerWallet = strings.TrimSpace(req.PayerWallet)
	req.NFTMint = strings.TrimSpace(req.NFTMint)
	if req.BookingID == "" || req.PayerWallet == "" || req.NFTMint == "" {
		writeError(w, http.StatusBadRequest, "booking_id, payer_wallet and nft_mint are required")
		return
	}

	if err := h.store.SetBookingNFTMint(r.Context(), req.BookingID, req.PayerWallet, req.NFTMint); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "booking not found for wallet")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record nft mint")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
