package webhook

import (
	"errors"
	"testing"
)

func TestParsePaymentEvent(t *testing.T) {
	body := []byte(`{
		"event": {
			"transaction": {"signature": "sig-1", "feePayer": "PayerAddr"},
			"nativeTransfers": [
				{"fromUserAccount": "PayerAddr", "toUserAccount": "CreatorAddr", "amount": 500000000},
				{"fromUserAccount": "", "toUserAccount": "CreatorAddr", "amount": 10},
				{"fromUserAccount": "PayerAddr", "toUserAccount": "CreatorAddr", "amount": 0}
			],
			"memo": "kibby:abc"
		}
	}`)

	evt, err := ParsePaymentEvent(body)
	if err != nil {
		t.Fatalf("ParsePaymentEvent failed: %v", err)
	}
	if evt.Signature != "sig-1" || evt.FeePayer != "PayerAddr" || evt.Memo != "kibby:abc" {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if len(evt.Transfers) != 1 {
		t.Fatalf("incomplete transfers must be dropped, got %d", len(evt.Transfers))
	}
	tr := evt.Transfers[0]
	if tr.From != "PayerAddr" || tr.To != "CreatorAddr" || tr.Lamports != 500_000_000 {
		t.Fatalf("unexpected transfer: %+v", tr)
	}
}

func TestParsePaymentEvent_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":          `{]`,
		"empty object":      `{}`,
		"missing tx":        `{"event":{}}`,
		"missing signature": `{"event":{"transaction":{"feePayer":"x"}}}`,
	}
	for name, body := range cases {
		if _, err := ParsePaymentEvent([]byte(body)); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}
