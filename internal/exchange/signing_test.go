package exchange

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"marketfabric.io/core/internal/config"
)

func ed25519PEM(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal pkcs8: %v", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), pub
}

func TestSignPayloadEd25519VerifiesAgainstPublicKey(t *testing.T) {
	key, pub := ed25519PEM(t)
	cfg := config.ExchangeConfig{SigningKeyType: "ed25519", APISecret: key}

	params := OrderedParams{{Key: "symbol", Value: "BTCUSDT"}, {Key: "timestamp", Value: "123"}}
	sigB64, err := signPayload(params, cfg)
	if err != nil {
		t.Fatalf("signPayload returned error: %v", err)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature is not valid base64: %v", err)
	}
	if !ed25519.Verify(pub, []byte(params.Encode()), sig) {
		t.Fatal("signature does not verify against the public key")
	}
}

func rsaPEM(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), &priv.PublicKey
}

func TestSignPayloadRSAVerifiesAgainstPublicKey(t *testing.T) {
	key, pub := rsaPEM(t)
	cfg := config.ExchangeConfig{SigningKeyType: "rsa", APISecret: key}

	params := OrderedParams{{Key: "symbol", Value: "ETHUSDT"}, {Key: "timestamp", Value: "456"}}
	sigB64, err := signPayload(params, cfg)
	if err != nil {
		t.Fatalf("signPayload returned error: %v", err)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature is not valid base64: %v", err)
	}
	digest := sha256.Sum256([]byte(params.Encode()))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify against the public key: %v", err)
	}
}

func TestSignPayloadUnknownPEMFails(t *testing.T) {
	cfg := config.ExchangeConfig{SigningKeyType: "ed25519", APISecret: "not a pem key"}
	if _, err := signPayload(OrderedParams{{Key: "a", Value: "b"}}, cfg); err == nil {
		t.Fatal("expected error for malformed PEM key, got nil")
	}
}
