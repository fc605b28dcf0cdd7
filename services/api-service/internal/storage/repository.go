package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kibbyhq/kibby/libs/db"
	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/outbox"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrSignatureUsed fires when a confirmation loses the race on the
	// transaction_sig unique index: some other booking already owns that
	// on-chain payment. Callers treat it as "already confirmed".
	ErrSignatureUsed = errors.New("transaction signature already used")
	ErrNotPending    = errors.New("booking is not pending")
	ErrSlugTaken     = errors.New("meeting slug already taken")
)

const uniqueViolation = "23505"

type Repository struct {
	pool       *db.Pool
	outboxRepo *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outboxRepo: outboxRepo}
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// --- meetings ---

func (r *Repository) CreateMeeting(ctx context.Context, m *model.Meeting) (model.Meeting, error) {
	var out model.Meeting
	var priceText string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO meetings (title, description, duration_mins, price_sol, creator_wallet, slug)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, title, description, duration_mins, price_sol::text, creator_wallet, slug, created_at
	`, m.Title, m.Description, m.DurationMins, m.PriceSOL.String(), m.CreatorWallet, m.Slug).Scan(
		&out.ID, &out.Title, &out.Description, &out.DurationMins, &priceText, &out.CreatorWallet, &out.Slug, &out.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Meeting{}, ErrSlugTaken
		}
		return model.Meeting{}, err
	}
	out.PriceSOL, err = decimal.NewFromString(priceText)
	if err != nil {
		return model.Meeting{}, err
	}
	return out, nil
}

func (r *Repository) MeetingByID(ctx context.Context, id string) (model.Meeting, error) {
	return r.meetingWhere(ctx, `id = $1`, id)
}

func (r *Repository) MeetingBySlug(ctx context.Context, slug string) (model.Meeting, error) {
	return r.meetingWhere(ctx, `slug = $1`, slug)
}

func (r *Repository) meetingWhere(ctx context.Context, where string, arg any) (model.Meeting, error) {
	var m model.Meeting
	var priceText string
	err := r.pool.QueryRow(ctx, `
		SELECT id, title, COALESCE(description, ''), duration_mins, price_sol::text, creator_wallet, slug, created_at
		FROM meetings
		WHERE `+where, arg).Scan(
		&m.ID, &m.Title, &m.Description, &m.DurationMins, &priceText, &m.CreatorWallet, &m.Slug, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Meeting{}, ErrNotFound
		}
		return model.Meeting{}, err
	}
	m.PriceSOL, err = decimal.NewFromString(priceText)
	if err != nil {
		return model.Meeting{}, err
	}
	return m, nil
}

func (r *Repository) ListMeetingsByCreator(ctx context.Context, creatorWallet string) ([]model.Meeting, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, title, COALESCE(description, ''), duration_mins, price_sol::text, creator_wallet, slug, created_at
		FROM meetings
		WHERE creator_wallet = $1
		ORDER BY created_at DESC
	`, creatorWallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var meetings []model.Meeting
	for rows.Next() {
		var m model.Meeting
		var priceText string
		if err := rows.Scan(&m.ID, &m.Title, &m.Description, &m.DurationMins, &priceText, &m.CreatorWallet, &m.Slug, &m.CreatedAt); err != nil {
			return nil, err
		}
		if m.PriceSOL, err = decimal.NewFromString(priceText); err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

// DeleteMeeting removes a meeting and (via FK cascade) its bookings, but only
// when requested by the owning wallet. Returns false when nothing matched.
func (r *Repository) DeleteMeeting(ctx context.Context, id, creatorWallet string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		DELETE FROM meetings
		WHERE id = $1 AND creator_wallet = $2
	`, id, creatorWallet)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	payload, err := json.Marshal(map[string]any{
		"meeting_id":     id,
		"creator_wallet": creatorWallet,
		"deleted_at":     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if err := r.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "meeting",
		AggregateID:   id,
		EventType:     outbox.EventMeetingDeleted,
		Payload:       payload,
	}); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// --- bookings ---

func (r *Repository) CreatePendingBooking(ctx context.Context, b *model.Booking) (model.Booking, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Booking{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var out model.Booking
	err = tx.QueryRow(ctx, `
		INSERT INTO bookings (id, meeting_id, payer_wallet, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING id, meeting_id, payer_wallet, status, booked_at
	`, b.ID, b.MeetingID, b.PayerWallet).Scan(
		&out.ID, &out.MeetingID, &out.PayerWallet, &out.Status, &out.BookedAt,
	)
	if err != nil {
		return model.Booking{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"booking_id":   out.ID,
		"meeting_id":   out.MeetingID,
		"payer_wallet": out.PayerWallet,
		"booked_at":    out.BookedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return model.Booking{}, err
	}
	if err := r.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   out.ID,
		EventType:     outbox.EventBookingCreated,
		Payload:       payload,
	}); err != nil {
		return model.Booking{}, err
	}
	return out, tx.Commit(ctx)
}

const bookingColumns = `id, meeting_id, payer_wallet, status, COALESCE(transaction_sig, ''), paid_lamports, COALESCE(nft_mint, ''), booked_at, confirmed_at`

func scanBooking(row pgx.Row) (model.Booking, error) {
	var b model.Booking
	var paid int64
	var confirmedAt *time.Time
	err := row.Scan(&b.ID, &b.MeetingID, &b.PayerWallet, &b.Status, &b.TransactionSig, &paid, &b.NFTMint, &b.BookedAt, &confirmedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Booking{}, ErrNotFound
		}
		return model.Booking{}, err
	}
	b.PaidLamports = uint64(paid)
	b.ConfirmedAt = confirmedAt
	return b, nil
}

func (r *Repository) Booking(ctx context.Context, id string) (model.Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = $1
	`, id))
}

func (r *Repository) FindBookingBySignature(ctx context.Context, sig string) (model.Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE transaction_sig = $1
	`, sig))
}

func (r *Repository) PendingBooking(ctx context.Context, id string) (model.Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+` FROM bookings WHERE id = $1 AND status = 'pending'
	`, id))
}

// LatestPendingByPayer is the webhook fallback when no correlation tag made
// it on-chain: the most recent pending booking by that payer.
func (r *Repository) LatestPendingByPayer(ctx context.Context, payerWallet string) (model.Booking, error) {
	return scanBooking(r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payer_wallet = $1 AND status = 'pending'
		ORDER BY booked_at DESC
		LIMIT 1
	`, payerWallet))
}

func (r *Repository) ListBookingsByPayer(ctx context.Context, payerWallet string) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE payer_wallet = $1
		ORDER BY booked_at DESC
	`, payerWallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bookings []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// ConfirmBooking is the single pending -> confirmed transition. The
// conditional UPDATE plus the unique index on transaction_sig serialize
// concurrent confirmation attempts: exactly one writer wins, the rest get
// ErrSignatureUsed. The confirmation event rides in the same transaction.
func (r *Repository) ConfirmBooking(ctx context.Context, bookingID, signature string, paidLamports uint64) (model.Booking, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.Booking{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := scanBooking(tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'confirmed',
			transaction_sig = $2,
			paid_lamports = $3,
			confirmed_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+bookingColumns+`
	`, bookingID, signature, int64(paidLamports)))
	if err != nil {
		if isUniqueViolation(err) {
			return model.Booking{}, ErrSignatureUsed
		}
		if errors.Is(err, ErrNotFound) {
			return model.Booking{}, ErrNotPending
		}
		return model.Booking{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"booking_id":      b.ID,
		"meeting_id":      b.MeetingID,
		"payer_wallet":    b.PayerWallet,
		"transaction_sig": b.TransactionSig,
		"paid_lamports":   b.PaidLamports,
		"confirmed_at":    b.ConfirmedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return model.Booking{}, err
	}
	if err := r.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   b.ID,
		EventType:     outbox.EventBookingConfirmed,
		Payload:       payload,
	}); err != nil {
		return model.Booking{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Booking{}, err
	}
	return b, nil
}

// SetBookingNFTMint records the ticket NFT minted for a confirmed booking.
// Minting itself happens client-side; the address is opaque data here.
func (r *Repository) SetBookingNFTMint(ctx context.Context, id, payerWallet, mint string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE bookings
		SET nft_mint = $3
		WHERE id = $1 AND payer_wallet = $2 AND status = 'confirmed'
	`, id, payerWallet, mint)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
