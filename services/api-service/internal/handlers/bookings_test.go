package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kibbyhq/kibby/services/api-service/internal/model"
)

func TestBookings_ListByWallet(t *testing.T) {
	store := newFakeAPIStore()
	store.bookings["b-1"] = model.Booking{
		ID: "b-1", MeetingID: "m-1", PayerWallet: "WalletA",
		Status: model.BookingPending, BookedAt: time.Now(),
	}
	store.bookings["b-2"] = model.Booking{
		ID: "b-2", MeetingID: "m-1", PayerWallet: "WalletB",
		Status: model.BookingPending, BookedAt: time.Now(),
	}
	h := New(store, nil, nil, discardLogger(), Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings?wallet=WalletA", nil)
	rec := httptest.NewRecorder()
	h.Bookings(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var items []bookingItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "b-1" {
		t.Fatalf("unexpected listing: %+v", items)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	rec = httptest.NewRecorder()
	h.Bookings(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without wallet, got %d", rec.Code)
	}
}

func TestAttachNFTMint(t *testing.T) {
	store := newFakeAPIStore()
	store.bookings["b-1"] = model.Booking{
		ID: "b-1", MeetingID: "m-1", PayerWallet: "WalletA",
		Status: model.BookingConfirmed, BookedAt: time.Now(),
	}
	h := New(store, nil, nil, discardLogger(), Config{})

	body := `{"booking_id":"b-1","payer_wallet":"WalletA","nft_mint":"MintAddr"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/nft-mint", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.AttachNFTMint(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if store.bookings["b-1"].NFTMint != "MintAddr" {
		t.Fatal("mint not recorded")
	}

	// Only the paying wallet may attach a mint.
	body = `{"booking_id":"b-1","payer_wallet":"WalletB","nft_mint":"Other"}`
	req = httptest.NewRequest(http.MethodPost, "/api/v1/bookings/nft-mint", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.AttachNFTMint(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong wallet, got %d", rec.Code)
	}
}
