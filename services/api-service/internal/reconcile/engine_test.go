package reconcile

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/kibbyhq/kibby/services/api-service/internal/chain"
	"github.com/kibbyhq/kibby/services/api-service/internal/model"
	"github.com/kibbyhq/kibby/services/api-service/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	bookings map[string]model.Booking
	meetings map[string]model.Meeting
	// sig -> booking id for confirmed bookings
	bySig map[string]string
	// when set, the first raceMisses FindBookingBySignature calls for this sig
	// miss even if bySig holds it, simulating a concurrent confirmer winning
	// mid-flight so the uniqueness constraint has to catch the duplicate
	raceSig    string
	raceMisses int
	confirmed  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bookings: map[string]model.Booking{},
		meetings: map[string]model.Meeting{},
		bySig:    map[string]string{},
	}
}

func (s *fakeStore) FindBookingBySignature(ctx context.Context, sig string) (model.Booking, error) {
	if s.raceSig == sig && s.raceMisses > 0 {
		s.raceMisses--
		return model.Booking{}, storage.ErrNotFound
	}
	id, ok := s.bySig[sig]
	if !ok {
		return model.Booking{}, storage.ErrNotFound
	}
	return s.bookings[id], nil
}

func (s *fakeStore) PendingBooking(ctx context.Context, id string) (model.Booking, error) {
	b, ok := s.bookings[id]
	if !ok || b.Status != model.BookingPending {
		return model.Booking{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *fakeStore) LatestPendingByPayer(ctx context.Context, payerWallet string) (model.Booking, error) {
	var latest model.Booking
	found := false
	for _, b := range s.bookings {
		if b.PayerWallet != payerWallet || b.Status != model.BookingPending {
			continue
		}
		if !found || b.BookedAt.After(latest.BookedAt) {
			latest = b
			found = true
		}
	}
	if !found {
		return model.Booking{}, storage.ErrNotFound
	}
	return latest, nil
}

func (s *fakeStore) Booking(ctx context.Context, id string) (model.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return model.Booking{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *fakeStore) MeetingByID(ctx context.Context, id string) (model.Meeting, error) {
	m, ok := s.meetings[id]
	if !ok {
		return model.Meeting{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) ConfirmBooking(ctx context.Context, bookingID, signature string, paidLamports uint64) (model.Booking, error) {
	if _, taken := s.bySig[signature]; taken {
		return model.Booking{}, storage.ErrSignatureUsed
	}
	b, ok := s.bookings[bookingID]
	if !ok || b.Status != model.BookingPending {
		return model.Booking{}, storage.ErrNotPending
	}
	now := time.Now()
	b.Status = model.BookingConfirmed
	b.TransactionSig = signature
	b.PaidLamports = paidLamports
	b.ConfirmedAt = &now
	s.bookings[bookingID] = b
	s.bySig[signature] = bookingID
	s.confirmed++
	return b, nil
}

type fakeLedger struct {
	sigs    []chain.SignatureInfo
	details map[solana.Signature]chain.TransactionDetail
	err     error
}

func (l *fakeLedger) RecentSignatures(ctx context.Context, addr solana.PublicKey, limit int) ([]chain.SignatureInfo, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.sigs, nil
}

func (l *fakeLedger) TransactionDetail(ctx context.Context, sig solana.Signature) (chain.TransactionDetail, error) {
	d, ok := l.details[sig]
	if !ok {
		return chain.TransactionDetail{}, chain.ErrNotFoundYet
	}
	return d, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngine(store Store, ledger chain.Ledger) *Engine {
	return New(ledger, store, testLogger(), Config{
		PollTimeout:  50 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
}

const (
	testBookingID = "11111111-2222-4333-8444-555555555555"
	testMeetingID = "aaaaaaaa-bbbb-4ccc-8ddd-eeeeeeeeeeee"
)

func seedPendingBooking(s *fakeStore, payer, creator string) {
	s.meetings[testMeetingID] = model.Meeting{
		ID:            testMeetingID,
		Title:         "Intro call",
		PriceSOL:      decimal.RequireFromString("0.5"),
		CreatorWallet: creator,
	}
	s.bookings[testBookingID] = model.Booking{
		ID:          testBookingID,
		MeetingID:   testMeetingID,
		PayerWallet: payer,
		Status:      model.BookingPending,
		BookedAt:    time.Now(),
	}
}

func TestApplyObserved_ConfirmsViaMemoTag(t *testing.T) {
	payer := solana.NewWallet().PublicKey().String()
	creator := solana.NewWallet().PublicKey().String()
	store := newFakeStore()
	seedPendingBooking(store, payer, creator)
	engine := testEngine(store, &fakeLedger{})

	res, err := engine.ApplyObserved(context.Background(), ObservedEvent{
		Signature: "sig-1",
		FeePayer:  payer,
		Memo:      Tag(testBookingID),
		Transfers: []ObservedTransfer{{From: payer, To: creator, Lamports: 500_000_000}},
	})
	if err != nil {
		t.Fatalf("ApplyObserved failed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Status)
	}
	if res.Booking.TransactionSig != "sig-1" || res.Booking.PaidLamports != 500_000_000 {
		t.Fatalf("booking not updated: %+v", res.Booking)
	}
	if store.bookings[testBookingID].Status != model.BookingConfirmed {
		t.Fatal("booking not confirmed in store")
	}
}

func TestApplyObserved_RedeliveryIsIdempotent(t *testing.T) {
	payer := solana.NewWallet().PublicKey().String()
	creator := solana.NewWallet().PublicKey().String()
	store := newFakeStore()
	seedPendingBooking(store, payer, creator)
	engine := testEngine(store, &fakeLedger{})

	obs := ObservedEvent{
		Signature: "sig-1",
		FeePayer:  payer,
		Memo:      Tag(testBookingID),
		Transfers: []ObservedTransfer{{From: payer, To: creator, Lamports: 500_000_000}},
	}
	if _, err := engine.ApplyObserved(context.Background(), obs); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	res, err := engine.ApplyObserved(context.Background(), obs)
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if res.Status != StatusAlreadyConfirmed {
		t.Fatalf("expected already_confirmed, got %s", res.Status)
	}
	if res.Booking.ID != testBookingID {
		t.Fatalf("redelivery must return the original booking, got %s", res.Booking.ID)
	}
	if store.confirmed != 1 {
		t.Fatalf("expected exactly one confirmation, got %d", store.confirmed)
	}
}

func TestApplyObserved_SignatureRaceReturnsWinner(t *testing.T) {
	payer := solana.NewWallet().PublicKey().String()
	creator := solana.NewWallet().PublicKey().String()
	store := newFakeStore()
	seedPendingBooking(store, payer, creator)

	// Another booking already won sig-1, but the idempotency pre-check races
	// past it once; the uniqueness constraint must still hold the line.
	winnerID := "99999999-8888-4777-8666-555555555555"
	store.bookings[winnerID] = model.Booking{
		ID: winnerID, MeetingID: testMeetingID, PayerWallet: payer,
		Status: model.BookingConfirmed, TransactionSig: "sig-1", BookedAt: time.Now(),
	}
	store.bySig["sig-1"] = winnerID
	store.raceSig = "sig-1"
	store.raceMisses = 2

	engine := testEngine(store, &fakeLedger{})
	res, err := engine.ApplyObserved(context.Background(), ObservedEvent{
		Signature: "sig-1",
		FeePayer:  payer,
		Memo:      Tag(testBookingID),
		Transfers: []ObservedTransfer{{From: payer, To: creator, Lamports: 500_000_000}},
	})
	if err != nil {
		t.Fatalf("ApplyObserved failed: %v", err)
	}
	if res.Status != StatusAlreadyConfirmed {
		t.Fatalf("expected already_confirmed, got %s", res.Status)
	}
	if res.Booking.ID != winnerID {
		t.Fatalf("expected winning booking %s, got %s", winnerID, res.Booking.ID)
	}
	if store.bookings[testBookingID].Status != model.BookingPending {
		t.Fatal("losing booking must stay pending")
	}
}

func TestApplyObserved_AmountBelowPriceStaysPending(t *testing.T) {
	payer := solana.NewWallet().PublicKey().String()
	creator := solana.NewWallet().PublicKey().String()
	store := newFakeStore()
	seedPendingBooking(store, payer, creator)
	engine := testEngine(store, &fakeLedger{})

	res, err := engine.ApplyObserved(context.Background(), ObservedEvent{
		Signature: "sig-1",
		FeePayer:  payer,
		Memo:      Tag(testBookingID),
		Transfers: []ObservedTransfer{{From: payer, To: creator, Lamports: 499_999_999}},
	})
	if err != nil {
		t.Fatalf("ApplyObserved failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if store.bookings[testBookingID].Status != model.BookingPending {
		t.Fatal("underpaid booking must stay pending")
	}
}

func TestApplyObserved_WrongRecipientStaysPending(t *testing.T) {
	payer := solana.NewWallet().PublicKey().String()
	creator := solana.NewWallet().PublicKey().String()
	other := solana.NewWallet().PublicKey().String()
	store := newFakeStore()
	seedPendingBooking(store, payer, creator)
	engine := testEngine(store, &fakeLedger{})

	res, err := engine.ApplyObserved(context.Background(), ObservedEvent{
		Signature: "sig-1",
		FeePayer:  payer,
		Memo:      Tag(testBookingID),
		Transfers: []ObservedTransfer{{From: payer, To: other, Lamports: 500_000_000}},
	})
	if err != nil {
		t.Fatalf("ApplyObserved failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
}

func TestApplyObserved_FallsBackToPayerWithoutMemo(t *testing.T) {
	payer := solana.NewWallet().PublicKey().String()
	creator := solana.NewWallet().PublicKey().String()
	store := newFakeStore()
	seedPendingBooking(store, payer, creator)
	engine := testEngine(store, &fakeLedger{})

	res, err := engine.ApplyObserved(context.Background(), ObservedEvent{
		Signature: "sig-1",
		FeePayer:  payer,
		Transfers: []ObservedTransfer{{From: payer, To: creator, Lamports: 500_000_000}},
	})
	if err != nil {
		t.Fatalf("ApplyObserved failed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Fatalf("expected confirmed via payer fallback, got %s", res.Status)
	}
	if res.Booking.ID != testBookingID {
		t.Fatalf("expected booking %s, got %s", testBookingID, res.Booking.ID)
	}
}

func TestApplyObserved_UnknownPayerStaysPending(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store, &fakeLedger{})

	res, err := engine.ApplyObserved(context.Background(), ObservedEvent{
		Signature: "sig-1",
		FeePayer:  solana.NewWallet().PublicKey().String(),
	})
	if err != nil {
		t.Fatalf("ApplyObserved failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
}

func TestPollForPayment_ConfirmsMatch(t *testing.T) {
	payerKey := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	payer := payerKey.String()
	store := newFakeStore()
	seedPendingBooking(store, payer, recipient.String())

	var sig solana.Signature
	sig[0] = 1
	ledger := &fakeLedger{
		sigs: []chain.SignatureInfo{{Signature: sig}},
		details: map[solana.Signature]chain.TransactionDetail{
			sig: {
				Signature:    sig,
				Succeeded:    true,
				FeePayer:     payerKey,
				Memo:         Tag(testBookingID),
				AccountKeys:  []solana.PublicKey{payerKey, recipient},
				PreBalances:  []uint64{1_000_000_000, 0},
				PostBalances: []uint64{499_000_000, 500_000_000},
			},
		},
	}
	engine := testEngine(store, ledger)

	res, err := engine.PollForPayment(context.Background(), ExpectedPayment{
		BookingID:   testBookingID,
		MeetingID:   testMeetingID,
		Recipient:   recipient,
		MinLamports: 500_000_000,
		Tag:         Tag(testBookingID),
	})
	if err != nil {
		t.Fatalf("PollForPayment failed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Status)
	}
	if store.bookings[testBookingID].TransactionSig != sig.String() {
		t.Fatal("signature not recorded on booking")
	}
}

func TestPollForPayment_SkipsFailedAndForeign(t *testing.T) {
	payerKey := solana.NewWallet().PublicKey()
	recipient := solana.NewWallet().PublicKey()
	store := newFakeStore()
	seedPendingBooking(store, payerKey.String(), recipient.String())

	var failedSig, foreignSig, goodSig solana.Signature
	failedSig[0], foreignSig[0], goodSig[0] = 1, 2, 3
	ledger := &fakeLedger{
		sigs: []chain.SignatureInfo{
			{Signature: failedSig, Failed: true},
			{Signature: foreignSig},
			{Signature: goodSig},
		},
		details: map[solana.Signature]chain.TransactionDetail{
			foreignSig: {
				Signature:    foreignSig,
				Succeeded:    true,
				Memo:         "unrelated",
				AccountKeys:  []solana.PublicKey{payerKey, recipient},
				PreBalances:  []uint64{100, 0},
				PostBalances: []uint64{0, 100},
			},
			goodSig: {
				Signature:    goodSig,
				Succeeded:    true,
				FeePayer:     payerKey,
				Memo:         Tag(testBookingID),
				AccountKeys:  []solana.PublicKey{payerKey, recipient},
				PreBalances:  []uint64{1_000_000_000, 0},
				PostBalances: []uint64{499_000_000, 500_000_000},
			},
		},
	}
	engine := testEngine(store, ledger)

	res, err := engine.PollForPayment(context.Background(), ExpectedPayment{
		BookingID:   testBookingID,
		MeetingID:   testMeetingID,
		Recipient:   recipient,
		MinLamports: 500_000_000,
		Tag:         Tag(testBookingID),
	})
	if err != nil {
		t.Fatalf("PollForPayment failed: %v", err)
	}
	if res.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", res.Status)
	}
	if got := store.bookings[testBookingID].TransactionSig; got != goodSig.String() {
		t.Fatalf("expected confirmation via %s, got %s", goodSig, got)
	}
}

func TestPollForPayment_TimesOutPending(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store, &fakeLedger{})

	start := time.Now()
	res, err := engine.PollForPayment(context.Background(), ExpectedPayment{
		BookingID: testBookingID,
		Recipient: solana.NewWallet().PublicKey(),
	})
	if err != nil {
		t.Fatalf("PollForPayment failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending on timeout, got %s", res.Status)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("poll did not respect the configured window")
	}
}

func TestPollForPayment_CancelledContextReturnsPending(t *testing.T) {
	store := newFakeStore()
	engine := New(&fakeLedger{}, store, testLogger(), Config{
		PollTimeout:  time.Minute,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := engine.PollForPayment(ctx, ExpectedPayment{
		BookingID: testBookingID,
		Recipient: solana.NewWallet().PublicKey(),
	})
	if err != nil {
		t.Fatalf("PollForPayment failed: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending on cancellation, got %s", res.Status)
	}
}

func TestPollForPayment_LedgerErrorsAreTransient(t *testing.T) {
	store := newFakeStore()
	engine := testEngine(store, &fakeLedger{err: chain.ErrNetworkUnavailable})

	res, err := engine.PollForPayment(context.Background(), ExpectedPayment{
		BookingID: testBookingID,
		Recipient: solana.NewWallet().PublicKey(),
	})
	if err != nil {
		t.Fatalf("transient ledger errors must not fail the poll: %v", err)
	}
	if res.Status != StatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
}
