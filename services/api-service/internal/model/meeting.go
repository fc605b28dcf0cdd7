package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Meeting is a paid meeting slot published by a creator. Immutable after
// creation except for deletion by the owning wallet.
type Meeting struct {
	ID            string
	Title         string
	Description   string
	DurationMins  int
	PriceSOL      decimal.Decimal
	CreatorWallet string
	Slug          string
	CreatedAt     time.Time
}
