package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: "bookings_transaction_sig_key"}
	if !isUniqueViolation(dup) {
		t.Fatal("expected 23505 to register as unique violation")
	}
	if !isUniqueViolation(fmt.Errorf("insert booking: %w", dup)) {
		t.Fatal("wrapped pg errors must still match")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatal("foreign key violation must not match")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatal("non-pg error must not match")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(ErrNotFound) {
		t.Fatal("ErrNotFound must match")
	}
	if !IsNotFound(fmt.Errorf("load booking: %w", ErrNotFound)) {
		t.Fatal("wrapped ErrNotFound must match")
	}
	if IsNotFound(ErrSignatureUsed) {
		t.Fatal("other sentinels must not match")
	}
}
