package license

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"licensecore/internal/security"
	"licensecore/pkg/contracts/domain"
)

// SignatureField is the JSON key holding the detached signature.
const SignatureField = "signature"

// Codec errors
var (
	ErrNoPrivateKey     = errors.New("codec was constructed verify-only")
	ErrNotJSONObject    = errors.New("license payload must be a JSON object")
	ErrInvalidPayload   = errors.New("license payload is malformed")
	ErrMissingSignature = errors.New("license payload has no signature")
)

// Codec signs and verifies license payloads over their canonical form: the
// JSON object without its signature key, keys sorted, compact encoding.
type Codec struct {
	privateKey string
	publicKey  string
}

// NewSigningCodec builds a codec that can both sign and verify.
func NewSigningCodec(privateKey string) (*Codec, error) {
	pub, err := security.DerivePublicKey(privateKey)
	if err != nil {
		return nil, err
	}
	return &Codec{privateKey: privateKey, publicKey: pub}, nil
}

// NewVerifyingCodec builds a verify-only codec.
func NewVerifyingCodec(publicKey string) (*Codec, error) {
	if _, err := security.ParsePublicKey(publicKey); err != nil {
		return nil, err
	}
	return &Codec{publicKey: publicKey}, nil
}

// CanSign reports whether the codec holds a private key.
func (c *Codec) CanSign() bool { return c.privateKey != "" }

// PublicKey returns the base64 verification key.
func (c *Codec) PublicKey() string { return c.publicKey }

// Sign canonicalizes payload, signs it and returns the canonical object with
// the signature field added. Any existing signature is replaced.
func (c *Codec) Sign(payload []byte) ([]byte, error) {
	if !c.CanSign() {
		return nil, ErrNoPrivateKey
	}

	obj, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	delete(obj, SignatureField)

	canonical, err := encodeCanonical(obj)
	if err != nil {
		return nil, err
	}
	sig, err := security.Sign(canonical, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign license: %w", err)
	}

	obj[SignatureField] = sig
	return encodeCanonical(obj)
}

// Verify strips the signature, re-canonicalizes and checks it. Malformed input
// returns false.
func (c *Codec) Verify(signed []byte) bool {
	canonical, sig, err := Canonicalize(signed)
	if err != nil || sig == "" {
		return false
	}
	return security.Verify(canonical, sig, c.publicKey)
}

// SignDocument returns doc with its Signature set.
func (c *Codec) SignDocument(doc domain.LicenseDocument) (domain.LicenseDocument, error) {
	doc.Signature = ""
	raw, err := json.Marshal(doc)
	if err != nil {
		return domain.LicenseDocument{}, fmt.Errorf("failed to encode license: %w", err)
	}
	signed, err := c.Sign(raw)
	if err != nil {
		return domain.LicenseDocument{}, err
	}

	var out domain.LicenseDocument
	if err := json.Unmarshal(signed, &out); err != nil {
		return domain.LicenseDocument{}, fmt.Errorf("failed to decode signed license: %w", err)
	}
	return out, nil
}

// VerifyDocument checks the signature carried by doc.
func (c *Codec) VerifyDocument(doc domain.LicenseDocument) bool {
	raw, err := json.Marshal(doc)
	if err != nil {
		return false
	}
	return c.Verify(raw)
}

// Canonicalize returns the canonical signing input of payload and the
// signature it carries, if any.
func Canonicalize(payload []byte) ([]byte, string, error) {
	obj, err := decodeObject(payload)
	if err != nil {
		return nil, "", err
	}

	var sig string
	if raw, ok := obj[SignatureField]; ok {
		s, isString := raw.(string)
		if !isString {
			return nil, "", fmt.Errorf("%w: signature is not a string", ErrInvalidPayload)
		}
		sig = s
		delete(obj, SignatureField)
	}

	canonical, err := encodeCanonical(obj)
	if err != nil {
		return nil, "", err
	}
	return canonical, sig, nil
}

func decodeObject(payload []byte) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotJSONObject
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrInvalidPayload)
	}
	return obj, nil
}

// encodeCanonical relies on encoding/json writing map keys in sorted order.
func encodeCanonical(obj map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("failed to encode canonical form: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
