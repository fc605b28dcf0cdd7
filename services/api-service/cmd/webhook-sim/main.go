package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/kibbyhq/kibby/libs/runtime"
	"github.com/kibbyhq/kibby/services/api-service/internal/webhook"
)

// Sends a signed payment webhook to a locally running api-service, the way
// the indexer would after observing a transfer.
func main() {
	var (
		baseURL  = flag.String("base-url", runtime.Getenv("BASE_URL", "http://localhost:8080"), "api base url")
		secret   = flag.String("secret", runtime.Getenv("PAYMENT_WEBHOOK_SECRET", ""), "webhook signing secret")
		booking  = flag.String("booking-id", runtime.Getenv("BOOKING_ID", ""), "booking uuid for the memo tag")
		sig      = flag.String("signature", runtime.Getenv("TX_SIGNATURE", "5TestSignature111111111111111111111111111111"), "transaction signature")
		payer    = flag.String("payer", runtime.Getenv("PAYER_WALLET", ""), "payer wallet address")
		receiver = flag.String("receiver", runtime.Getenv("CREATOR_WALLET", ""), "creator wallet address")
		lamports = flag.Uint64("lamports", 500_000_000, "transfer amount in lamports")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("PAYMENT_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*payer) == "" || strings.TrimSpace(*receiver) == "" {
		fatal("PAYER_WALLET and CREATOR_WALLET are required")
	}

	memo := ""
	if strings.TrimSpace(*booking) != "" {
		memo = "kibby:" + strings.TrimSpace(*booking)
	}

	payload, err := json.Marshal(map[string]any{
		"event": map[string]any{
			"transaction": map[string]any{
				"signature": *sig,
				"feePayer":  *payer,
			},
			"nativeTransfers": []map[string]any{
				{
					"fromUserAccount": *payer,
					"toUserAccount":   *receiver,
					"amount":          *lamports,
				},
			},
			"memo": memo,
		},
	})
	if err != nil {
		fatal(err.Error())
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/api/v1/webhooks/payments", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(payload, *secret))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(body.String()))
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	os.Exit(1)
}
