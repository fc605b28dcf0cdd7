package chain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// LamportsPerSOL is the fixed base-unit multiplier for native transfers.
const LamportsPerSOL = 1_000_000_000

var (
	ErrInvalidAmount      = errors.New("amount must be a positive number of SOL")
	ErrNetworkUnavailable = errors.New("solana rpc unavailable")
	// ErrNotFoundYet means the network has not indexed the transaction.
	// Callers must treat this as "not yet", not as permanently absent.
	ErrNotFoundYet = errors.New("transaction not indexed yet")
)

var lamportsPerSOLDec = decimal.NewFromInt(LamportsPerSOL)

// Lamports converts a SOL amount to base units. Conversion happens in
// decimal space so 0.1 SOL is exactly 100_000_000 lamports; sub-lamport
// fractions round to the nearest lamport.
func Lamports(amountSOL decimal.Decimal) (uint64, error) {
	if amountSOL.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	l := amountSOL.Mul(lamportsPerSOLDec).Round(0)
	bi := l.BigInt()
	if bi.Sign() <= 0 || !bi.IsUint64() {
		return 0, ErrInvalidAmount
	}
	return bi.Uint64(), nil
}

// SOL renders a lamport amount as a decimal SOL value (for responses and logs).
func SOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOLDec)
}
