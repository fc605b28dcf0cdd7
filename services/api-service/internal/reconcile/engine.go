package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/kibbyhq/kibby/services/api-service/internal/chain"
	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/storage"
)

// Matching failures. These never confirm a booking; the interesting ones are
// logged and the booking stays pending for a later attempt.
var (
	ErrTransactionFailed = errors.New("transaction failed on chain")
	ErrRecipientMismatch = errors.New("transfer recipient is not the meeting creator")
	ErrAmountMismatch    = errors.New("received amount below meeting price")
	ErrTagMismatch       = errors.New("correlation tag does not match booking")
)

// Store is the narrow booking-store gateway the engine confirms through.
// *storage.Repository implements it; tests use fakes.
type Store interface {
	FindBookingBySignature(ctx context.Context, sig string) (model.Booking, error)
	PendingBooking(ctx context.Context, id string) (model.Booking, error)
	LatestPendingByPayer(ctx context.Context, payerWallet string) (model.Booking, error)
	Booking(ctx context.Context, id string) (model.Booking, error)
	MeetingByID(ctx context.Context, id string) (model.Meeting, error)
	ConfirmBooking(ctx context.Context, bookingID, signature string, paidLamports uint64) (model.Booking, error)
}

// ExpectedPayment describes what must be observed on chain before a booking
// confirms.
type ExpectedPayment struct {
	BookingID   string
	MeetingID   string
	Recipient   solana.PublicKey
	MinLamports uint64
	Tag         string
}

type Status string

const (
	// StatusConfirmed: this attempt transitioned the booking.
	StatusConfirmed Status = "confirmed"
	// StatusAlreadyConfirmed: the payment was processed before; idempotent no-op.
	StatusAlreadyConfirmed Status = "already_confirmed"
	// StatusPending: no proof yet. Not an error; the webhook or a later poll
	// may still confirm.
	StatusPending Status = "pending"
)

type Result struct {
	Status  Status
	Booking model.Booking
}

type Config struct {
	PollTimeout         time.Duration
	PollInterval        time.Duration
	SignatureFetchLimit int
}

// Engine matches on-chain transfers to pending bookings and confirms each
// payment exactly once. Both operating modes (active poll, passive webhook)
// share the same matching predicate; the storage uniqueness constraint on the
// transaction signature is the only serialization point.
type Engine struct {
	ledger        chain.Ledger
	store         Store
	logger        *slog.Logger
	pollTimeout   time.Duration
	pollInterval  time.Duration
	sigFetchLimit int
}

func New(ledger chain.Ledger, store Store, logger *slog.Logger, cfg Config) *Engine {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 8 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.SignatureFetchLimit <= 0 {
		cfg.SignatureFetchLimit = 5
	}
	return &Engine{
		ledger:        ledger,
		store:         store,
		logger:        logger,
		pollTimeout:   cfg.PollTimeout,
		pollInterval:  cfg.PollInterval,
		sigFetchLimit: cfg.SignatureFetchLimit,
	}
}

// matchPayment is the single predicate both modes apply. All four conditions
// must hold; amounts are compared in integer lamports, which already absorbs
// the 1e-9 SOL float tolerance.
func matchPayment(d chain.TransactionDetail, exp ExpectedPayment) error {
	if !d.Succeeded {
		return ErrTransactionFailed
	}
	received := d.ReceivedLamports(exp.Recipient)
	if received == 0 {
		return ErrRecipientMismatch
	}
	if received < exp.MinLamports {
		return ErrAmountMismatch
	}
	if exp.Tag != "" && !strings.Contains(d.Memo, exp.Tag) {
		return ErrTagMismatch
	}
	return nil
}

// PollForPayment scans the recipient's recent transactions until a match
// confirms the booking, the window closes, or ctx is cancelled. Timeout and
// cancellation both yield StatusPending without error: the poll is a
// best-effort optimization, never the source of truth.
func (e *Engine) PollForPayment(ctx context.Context, exp ExpectedPayment) (Result, error) {
	deadline := time.NewTimer(e.pollTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		res, done, err := e.scanOnce(ctx, exp)
		if err != nil {
			return Result{}, err
		}
		if done {
			return res, nil
		}

		select {
		case <-ctx.Done():
			return Result{Status: StatusPending}, nil
		case <-deadline.C:
			return Result{Status: StatusPending}, nil
		case <-ticker.C:
		}
	}
}

func (e *Engine) scanOnce(ctx context.Context, exp ExpectedPayment) (Result, bool, error) {
	sigs, err := e.ledger.RecentSignatures(ctx, exp.Recipient, e.sigFetchLimit)
	if err != nil {
		// Transient by contract; keep polling until the window closes.
		e.logger.Warn("recent signature fetch failed", "err", err, "booking_id", exp.BookingID)
		return Result{}, false, nil
	}

	for _, info := range sigs {
		if info.Failed {
			continue
		}
		d, err := e.ledger.TransactionDetail(ctx, info.Signature)
		if err != nil {
			if errors.Is(err, chain.ErrNotFoundYet) || errors.Is(err, chain.ErrNetworkUnavailable) {
				continue
			}
			return Result{}, false, err
		}

		if err := matchPayment(d, exp); err != nil {
			// A tagged transfer that fails on amount or recipient is a real
			// payment anomaly worth surfacing; anything else is just not our
			// transaction.
			if exp.Tag != "" && strings.Contains(d.Memo, exp.Tag) && !errors.Is(err, ErrTagMismatch) {
				e.logger.Warn("tagged transfer does not satisfy expected payment",
					"err", err, "booking_id", exp.BookingID, "signature", d.Signature.String())
			}
			continue
		}

		res, err := e.confirm(ctx, d.Signature.String(), d.ReceivedLamports(exp.Recipient), exp.BookingID)
		if err != nil {
			return Result{}, false, err
		}
		return res, true, nil
	}
	return Result{}, false, nil
}

// ObservedEvent is a payment-processor webhook's view of one transaction.
type ObservedEvent struct {
	Signature string
	FeePayer  string
	Memo      string
	Transfers []ObservedTransfer
}

type ObservedTransfer struct {
	From     string
	To       string
	Lamports uint64
}

// ApplyObserved is the passive mode: the processor already watched the chain
// and reports a specific transaction. The same predicate applies, just over
// reported transfers instead of fetched balances. Returns StatusPending when
// nothing here matches a booking; redeliveries land on the idempotency check.
func (e *Engine) ApplyObserved(ctx context.Context, obs ObservedEvent) (Result, error) {
	if obs.Signature == "" {
		return Result{Status: StatusPending}, nil
	}

	if existing, err := e.store.FindBookingBySignature(ctx, obs.Signature); err == nil {
		return Result{Status: StatusAlreadyConfirmed, Booking: existing}, nil
	} else if !storage.IsNotFound(err) {
		return Result{}, err
	}

	booking, err := e.resolveBooking(ctx, obs)
	if err != nil {
		if storage.IsNotFound(err) {
			e.logger.Info("no pending booking matches observed transaction",
				"signature", obs.Signature, "fee_payer", obs.FeePayer)
			return Result{Status: StatusPending}, nil
		}
		return Result{}, err
	}

	meeting, err := e.store.MeetingByID(ctx, booking.MeetingID)
	if err != nil {
		return Result{}, err
	}
	minLamports, err := chain.Lamports(meeting.PriceSOL)
	if err != nil {
		return Result{}, err
	}

	received := uint64(0)
	for _, t := range obs.Transfers {
		if t.To == meeting.CreatorWallet {
			received += t.Lamports
		}
	}
	if received == 0 {
		e.logger.Warn("observed transaction does not pay the meeting creator",
			"signature", obs.Signature, "booking_id", booking.ID, "creator_wallet", meeting.CreatorWallet)
		return Result{Status: StatusPending}, nil
	}
	if received < minLamports {
		e.logger.Warn("observed amount below meeting price",
			"signature", obs.Signature, "booking_id", booking.ID,
			"received_lamports", received, "min_lamports", minLamports)
		return Result{Status: StatusPending}, nil
	}
	if obs.Memo != "" && !strings.Contains(obs.Memo, Tag(booking.ID)) {
		// Tagged for some other booking; resolution via payer fallback was wrong.
		e.logger.Warn("observed memo does not match resolved booking",
			"signature", obs.Signature, "booking_id", booking.ID)
		return Result{Status: StatusPending}, nil
	}

	return e.confirm(ctx, obs.Signature, received, booking.ID)
}

func (e *Engine) resolveBooking(ctx context.Context, obs ObservedEvent) (model.Booking, error) {
	if id, ok := BookingIDFromMemo(obs.Memo); ok {
		b, err := e.store.PendingBooking(ctx, id)
		if err == nil {
			return b, nil
		}
		if !storage.IsNotFound(err) {
			return model.Booking{}, err
		}
	}
	if obs.FeePayer == "" {
		return model.Booking{}, storage.ErrNotFound
	}
	return e.store.LatestPendingByPayer(ctx, obs.FeePayer)
}

// confirm transitions exactly once. A signature that already confirmed some
// booking, or a lost race on the uniqueness constraint, both come back as
// StatusAlreadyConfirmed with the winning row.
func (e *Engine) confirm(ctx context.Context, signature string, paidLamports uint64, bookingID string) (Result, error) {
	if existing, err := e.store.FindBookingBySignature(ctx, signature); err == nil {
		return Result{Status: StatusAlreadyConfirmed, Booking: existing}, nil
	} else if !storage.IsNotFound(err) {
		return Result{}, err
	}

	booking, err := e.store.ConfirmBooking(ctx, bookingID, signature, paidLamports)
	if err != nil {
		if errors.Is(err, storage.ErrSignatureUsed) {
			winner, lookupErr := e.store.FindBookingBySignature(ctx, signature)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			return Result{Status: StatusAlreadyConfirmed, Booking: winner}, nil
		}
		if errors.Is(err, storage.ErrNotPending) {
			current, lookupErr := e.store.Booking(ctx, bookingID)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			if current.Status == model.BookingConfirmed {
				return Result{Status: StatusAlreadyConfirmed, Booking: current}, nil
			}
			return Result{}, err
		}
		return Result{}, err
	}

	e.logger.Info("booking confirmed",
		"booking_id", booking.ID, "meeting_id", booking.MeetingID,
		"signature", signature, "paid_lamports", paidLamports)
	return Result{Status: StatusConfirmed, Booking: booking}, nil
}
