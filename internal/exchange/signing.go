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
	"fmt"

	"marketfabric.io/core/internal/config"
)

// signPayload signs payload (the query string built from params in
// insertion order) using the key type configured for the venue. There is no
// signing library in the dependency pack's domain stack — crypto/ed25519 and
// crypto/rsa are the standard, idiomatic choice for raw asymmetric signing
// and are used nowhere else a third-party alternative would fit better.
func signPayload(params OrderedParams, cfg config.ExchangeConfig) (string, error) {
	payload := params.Encode()

	switch cfg.SigningKeyType {
	case "rsa":
		return signRSA(payload, cfg.APISecret)
	default:
		return signEd25519(payload, cfg.APISecret)
	}
}

func signEd25519(payload, pemKey string) (string, error) {
	priv, err := parseEd25519Key(pemKey)
	if err != nil {
		return "", fmt.Errorf("exchange: ed25519 key: %w", err)
	}
	sig := ed25519.Sign(priv, []byte(payload))
	return base64.StdEncoding.EncodeToString(sig), nil
}

func parseEd25519Key(pemKey string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is not ed25519")
	}
	return priv, nil
}

func signRSA(payload, pemKey string) (string, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return "", fmt.Errorf("exchange: no PEM block found in RSA key")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		keyAny, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return "", fmt.Errorf("exchange: parse RSA key: %w", err)
		}
		var ok bool
		key, ok = keyAny.(*rsa.PrivateKey)
		if !ok {
			return "", fmt.Errorf("exchange: key is not RSA")
		}
	}

	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("exchange: rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
