package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"polymarket-exec/internal/chain"
	"polymarket-exec/internal/config"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestAuth(t *testing.T, api config.APIConfig) *Auth {
	t.Helper()
	w, err := chain.NewWallet(testKey, 137)
	if err != nil {
		t.Fatal(err)
	}
	return NewAuth(w, api)
}

func TestL2HeadersWithoutCredentials(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t, config.APIConfig{})

	if a.HasL2Credentials() {
		t.Fatal("no credentials configured")
	}
	h, err := a.L2Headers("POST", "/orders", "{}")
	if err != nil {
		t.Fatal(err)
	}
	if len(h) != 0 {
		t.Errorf("headers = %v, want none", h)
	}
}

func TestL2HeadersSignature(t *testing.T) {
	t.Parallel()
	secret := base64.URLEncoding.EncodeToString([]byte("super-secret-key"))
	a := newTestAuth(t, config.APIConfig{ApiKey: "key", Secret: secret, Passphrase: "pass"})

	body := `{"token_id":"111"}`
	h, err := a.L2Headers("POST", "/orders/signature", body)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("super-secret-key"))
	mac.Write([]byte(h["POLY_TIMESTAMP"] + "POST" + "/orders/signature" + body))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	if h["POLY_SIGNATURE"] != want {
		t.Errorf("signature = %q, want %q", h["POLY_SIGNATURE"], want)
	}
	if h["POLY_API_KEY"] != "key" || h["POLY_PASSPHRASE"] != "pass" {
		t.Errorf("credential headers = %v", h)
	}
	if h["POLY_ADDRESS"] != a.Address().Hex() {
		t.Errorf("address header = %q", h["POLY_ADDRESS"])
	}
}

func TestL2HeadersBadSecret(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t, config.APIConfig{ApiKey: "k", Secret: "!!!not base64!!!", Passphrase: "p"})

	if _, err := a.L2Headers("POST", "/orders", ""); err == nil {
		t.Error("expected error for undecodable secret")
	}
}

func TestL1Headers(t *testing.T) {
	t.Parallel()
	a := newTestAuth(t, config.APIConfig{})

	h, err := a.L1Headers(0)
	if err != nil {
		t.Fatalf("L1Headers: %v", err)
	}
	sig := h["POLY_SIGNATURE"]
	if !strings.HasPrefix(sig, "0x") || len(sig) != 2+130 {
		t.Errorf("signature = %q, want 65-byte hex", sig)
	}
	if v := sig[len(sig)-2:]; v != "1b" && v != "1c" {
		t.Errorf("recovery byte = %s, want 1b or 1c", v)
	}
	if h["POLY_NONCE"] != "0" {
		t.Errorf("nonce header = %q", h["POLY_NONCE"])
	}
}
