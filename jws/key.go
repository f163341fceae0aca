package jws

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/edwards25519"
)

const keyPrefix = "ed25519:"

// EncodePublicKey renders a raw Ed25519 public key as the platform's
// canonical string form, "ed25519:<base64-raw-32>".
func EncodePublicKey(pub ed25519.PublicKey) string {
	return keyPrefix + base64.StdEncoding.EncodeToString(pub)
}

// DecodePublicKey parses and validates the canonical public-key string:
// the "ed25519:" prefix, a 32-byte base64-decoded body, not the all-zero
// point, and a value that is a valid Ed25519 point.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, keyPrefix) {
		return nil, fmt.Errorf("jws: public key missing %q prefix", keyPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, keyPrefix))
	if err != nil {
		return nil, fmt.Errorf("jws: public key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jws: public key must decode to %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	allZero := true
	for _, b := range raw {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, fmt.Errorf("jws: public key is the all-zero point")
	}
	if !isValidEd25519Point(raw) {
		return nil, fmt.Errorf("jws: public key is not a valid Ed25519 point")
	}
	return ed25519.PublicKey(raw), nil
}

// EncodePrivateKey renders a raw Ed25519 private key (seed+pub, 64 bytes) as
// "ed25519:<base64-raw-64>", the form written to each platform key file.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return keyPrefix + base64.StdEncoding.EncodeToString(priv)
}

// DecodePrivateKey parses the canonical private-key string produced by
// EncodePrivateKey.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	if !strings.HasPrefix(s, keyPrefix) {
		return nil, fmt.Errorf("jws: private key missing %q prefix", keyPrefix)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, keyPrefix))
	if err != nil {
		return nil, fmt.Errorf("jws: private key is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("jws: private key must decode to %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadPrivateKeyFile reads a platform signing key written in the
// EncodePrivateKey form from disk, trimming surrounding whitespace so a
// trailing newline from an editor or `echo` doesn't break the decode.
func LoadPrivateKeyFile(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jws: read private key file %s: %w", path, err)
	}
	return DecodePrivateKey(strings.TrimSpace(string(data)))
}

// LoadOrCreatePrivateKeyFile loads the platform signing key from path,
// generating and persisting a fresh one on first startup if the file is
// absent (spec.md §6: the platform key is "generated on first startup if
// absent"). Any error other than the file not existing is returned as-is.
func LoadOrCreatePrivateKeyFile(path string) (ed25519.PrivateKey, error) {
	priv, err := LoadPrivateKeyFile(path)
	if err == nil {
		return priv, nil
	}
	if !os.IsNotExist(errors.Unwrap(err)) {
		return nil, err
	}
	_, priv, err = ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("jws: generate platform key: %w", err)
	}
	if err := os.WriteFile(path, []byte(EncodePrivateKey(priv)), 0o600); err != nil {
		return nil, fmt.Errorf("jws: write platform key file %s: %w", path, err)
	}
	return priv, nil
}

// isValidEd25519Point verifies the candidate bytes decompress to a point on
// the curve, which crypto/ed25519 itself does not expose as a standalone
// check.
func isValidEd25519Point(raw []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(raw)
	return err == nil
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
