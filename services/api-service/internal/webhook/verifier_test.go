package webhook

import "testing"

func TestVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"event":{"transaction":{"signature":"abc"}}}`)
	secret := "shh"

	sig := Sign(body, secret)
	if sig == "" {
		t.Fatal("expected non-empty signature")
	}
	if !Verify(body, sig, secret) {
		t.Fatal("signature over same bytes must verify")
	}
	if Verify(body, " "+sig+" ", secret) != true {
		t.Fatal("surrounding whitespace must be tolerated")
	}
}

func TestVerify_Rejects(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign(body, "secret")

	if Verify([]byte(`{"a": 1}`), sig, "secret") {
		t.Fatal("different bytes must not verify, even if semantically equal JSON")
	}
	if Verify(body, sig, "other-secret") {
		t.Fatal("wrong secret must not verify")
	}
	if Verify(body, sig, "") {
		t.Fatal("missing secret must reject")
	}
	if Verify(body, "", "secret") {
		t.Fatal("missing signature must reject")
	}
	if Verify(body, "not-hex!", "secret") {
		t.Fatal("non-hex signature must reject")
	}
}
