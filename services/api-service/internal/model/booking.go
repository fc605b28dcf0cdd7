package model

import "time"

const (
	BookingPending   = "pending"
	BookingConfirmed = "confirmed"
)

// Booking tracks one payment flow for a meeting. TransactionSig stays empty
// until the reconciliation engine observes the matching on-chain transfer;
// once set it is globally unique and the booking is confirmed for good.
type Booking struct {
	ID             string
	MeetingID      string
	PayerWallet    string
	Status         string
	TransactionSig string
	PaidLamports   uint64
	NFTMint        string
	BookedAt       time.Time
	ConfirmedAt    *time.Time
}
