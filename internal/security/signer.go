package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrInvalidKey is returned when a key cannot be decoded into Ed25519 material.
var ErrInvalidKey = errors.New("invalid ed25519 key")

// KeyPair holds base64 encoded Ed25519 keys. PrivateKey is the 32-byte seed.
type KeyPair struct {
	PrivateKey string `json:"privateKey"`
	PublicKey  string `json:"publicKey"`
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// DeriveKeyPair expands secret with HKDF-SHA256 into an Ed25519 seed. The same
// secret and info always yield the same pair.
func DeriveKeyPair(secret []byte, info string) (KeyPair, error) {
	if len(secret) == 0 {
		return KeyPair{}, fmt.Errorf("%w: empty secret", ErrInvalidKey)
	}

	seed := make([]byte, ed25519.SeedSize)
	defer clearKey(seed)

	kdf := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return KeyPair{}, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Seed()),
		PublicKey:  base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// DerivePublicKey returns the public half of a base64 private key.
func DerivePublicKey(privateKey string) (string, error) {
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// Sign returns the base64 Ed25519 signature of message. Ed25519 signatures are
// deterministic, so identical inputs give identical output.
func Sign(message []byte, privateKey string) (string, error) {
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, message)), nil
}

// Verify reports whether signature is a valid signature of message under
// publicKey. Malformed encodings and wrong lengths return false.
func Verify(message []byte, signature, publicKey string) bool {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}

// ParsePublicKey decodes a base64 Ed25519 public key.
func ParsePublicKey(publicKey string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key has %d bytes, want %d", ErrInvalidKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// parsePrivateKey accepts either the 32-byte seed or the 64-byte expanded key.
func parsePrivateKey(privateKey string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base64: %v", ErrInvalidKey, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize]), nil
	default:
		return nil, fmt.Errorf("%w: private key has %d bytes", ErrInvalidKey, len(raw))
	}
}

// clearKey zeroes key material
func clearKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
