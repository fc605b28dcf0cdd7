package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/kibbyhq/kibby/services/api-service/internal/chain"
	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/reconcile"
	"github.com/shopspring/decimal"
)

// Store is the storage surface the handlers touch directly.
// *storage.Repository implements it.
type Store interface {
	CreateMeeting(ctx context.Context, m *model.Meeting) (model.Meeting, error)
	MeetingByID(ctx context.Context, id string) (model.Meeting, error)
	MeetingBySlug(ctx context.Context, slug string) (model.Meeting, error)
	ListMeetingsByCreator(ctx context.Context, creatorWallet string) ([]model.Meeting, error)
	DeleteMeeting(ctx context.Context, id, creatorWallet string) (bool, error)
	CreatePendingBooking(ctx context.Context, b *model.Booking) (model.Booking, error)
	Booking(ctx context.Context, id string) (model.Booking, error)
	ListBookingsByPayer(ctx context.Context, payerWallet string) ([]model.Booking, error)
	SetBookingNFTMint(ctx context.Context, id, payerWallet, mint string) error
}

// TransactionBuilder builds unsigned transfers for client-side signing.
type TransactionBuilder interface {
	BuildTransfer(ctx context.Context, payer, receiver solana.PublicKey, amountSOL decimal.Decimal, tag string) (chain.UnsignedTransfer, error)
}

type Config struct {
	WebhookSecret string
	// CAIP-2 chain id advertised on action responses.
	BlockchainID string
}

type Handler struct {
	store         Store
	engine        *reconcile.Engine
	builder       TransactionBuilder
	logger        *slog.Logger
	webhookSecret string
	blockchainID  string
}

func New(store Store, engine *reconcile.Engine, builder TransactionBuilder, logger *slog.Logger, cfg Config) *Handler {
	blockchainID := cfg.BlockchainID
	if blockchainID == "" {
		blockchainID = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1" // devnet
	}
	return &Handler{
		store:         store,
		engine:        engine,
		builder:       builder,
		logger:        logger,
		webhookSecret: cfg.WebhookSecret,
		blockchainID:  blockchainID,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
