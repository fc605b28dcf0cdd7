package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// The provider payload is event-wrapped: one transaction per delivery, with
// the indexer's parsed native transfers alongside. This is the single
// canonical shape; anything else is rejected after signature verification.
//
//	{
//	  "event": {
//	    "transaction": {"signature": "...", "feePayer": "..."},
//	    "nativeTransfers": [{"fromUserAccount": "...", "toUserAccount": "...", "amount": 500000000}],
//	    "memo": "kibby:<booking-id>"
//	  }
//	}
type PaymentEvent struct {
	Signature string
	FeePayer  string
	Memo      string
	Transfers []NativeTransfer
}

type NativeTransfer struct {
	From     string
	To       string
	Lamports uint64
}

var ErrMalformedPayload = errors.New("malformed webhook payload")

type rawEnvelope struct {
	Event *rawEvent `json:"event"`
}

type rawEvent struct {
	Transaction *rawTransaction `json:"transaction"`
	Transfers   []rawTransfer   `json:"nativeTransfers"`
	Memo        string          `json:"memo"`
}

type rawTransaction struct {
	Signature string `json:"signature"`
	FeePayer  string `json:"feePayer"`
}

type rawTransfer struct {
	From     string `json:"fromUserAccount"`
	To       string `json:"toUserAccount"`
	Lamports uint64 `json:"amount"`
}

// ParsePaymentEvent decodes and validates a delivery. Call only after Verify.
func ParsePaymentEvent(body []byte) (PaymentEvent, error) {
	var env rawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == nil || env.Event.Transaction == nil {
		return PaymentEvent{}, fmt.Errorf("%w: missing event.transaction", ErrMalformedPayload)
	}
	if env.Event.Transaction.Signature == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing transaction signature", ErrMalformedPayload)
	}

	evt := PaymentEvent{
		Signature: env.Event.Transaction.Signature,
		FeePayer:  env.Event.Transaction.FeePayer,
		Memo:      env.Event.Memo,
	}
	for _, t := range env.Event.Transfers {
		if t.From == "" || t.To == "" || t.Lamports == 0 {
			continue
		}
		evt.Transfers = append(evt.Transfers, NativeTransfer{From: t.From, To: t.To, Lamports: t.Lamports})
	}
	return evt, nil
}
