package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "licensecore/security"

// Request authentication failures. Every rejected request carries exactly one
// of these, possibly wrapped with detail.
var (
	ErrMissingAuthHeader  = errors.New("missing authorization header")
	ErrMissingTimestamp   = errors.New("missing request timestamp")
	ErrLicenseIDMismatch  = errors.New("license id does not match")
	ErrTimestampTooOld    = errors.New("request timestamp is too old")
	ErrTimestampInFuture  = errors.New("request timestamp is in the future")
	ErrInvalidSignature   = errors.New("invalid request signature")
	ErrSigningUnavailable = errors.New("authenticator has no private key")
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrMissingAuthHeader, "MISSING_AUTH_HEADER"},
	{ErrMissingTimestamp, "MISSING_TIMESTAMP"},
	{ErrLicenseIDMismatch, "LICENSE_ID_MISMATCH"},
	{ErrTimestampTooOld, "TIMESTAMP_TOO_OLD"},
	{ErrTimestampInFuture, "TIMESTAMP_IN_FUTURE"},
	{ErrInvalidSignature, "INVALID_SIGNATURE"},
}

// ReasonCode maps an authentication failure to its stable code. Unknown errors
// map to INVALID_SIGNATURE so that callers never leak internals.
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "INVALID_SIGNATURE"
}

// IsAuthFailure reports whether err is one of the request authentication
// failures.
func IsAuthFailure(err error) bool {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return true
		}
	}
	return false
}

// SignedHeaders are the values a client sends with a signed request.
type SignedHeaders struct {
	Authorization string
	Timestamp     int64
}

// TimestampValue formats the timestamp for the timestamp header.
func (h SignedHeaders) TimestampValue() string {
	return strconv.FormatInt(h.Timestamp, 10)
}

// VerificationResult is the outcome of checking one request.
type VerificationResult struct {
	IsValid   bool
	LicenseID string
	Err       error
}

// Reason returns the stable failure code, empty when valid.
func (r VerificationResult) Reason() string {
	return ReasonCode(r.Err)
}

// AuthenticatorConfig configures a RequestAuthenticator.
type AuthenticatorConfig struct {
	LicenseID string
	// PrivateKey is optional; without it the authenticator only verifies.
	PrivateKey string
	// PublicKey defaults to the key derived from PrivateKey.
	PublicKey string
	Tolerance time.Duration
	Clock     quartz.Clock
	Logger    *slog.Logger
	Meter     metric.Meter
}

// RequestAuthenticator signs and verifies individual API calls. Peers share
// the license id and key material.
type RequestAuthenticator struct {
	licenseID  string
	privateKey string
	publicKey  string
	tolerance  time.Duration
	clock      quartz.Clock
	logger     *slog.Logger
	tracer     trace.Tracer

	verifications metric.Int64Counter
}

// NewRequestAuthenticator validates the key material and builds an authenticator.
func NewRequestAuthenticator(cfg AuthenticatorConfig) (*RequestAuthenticator, error) {
	if cfg.LicenseID == "" {
		return nil, errors.New("request authenticator requires a license id")
	}
	if strings.Contains(cfg.LicenseID, ":") {
		return nil, fmt.Errorf("license id %q must not contain ':'", cfg.LicenseID)
	}
	if cfg.Tolerance <= 0 {
		return nil, fmt.Errorf("tolerance must be positive, got %s", cfg.Tolerance)
	}

	publicKey := cfg.PublicKey
	if cfg.PrivateKey != "" {
		derived, err := DerivePublicKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		if publicKey == "" {
			publicKey = derived
		} else if publicKey != derived {
			return nil, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
		}
	}
	if publicKey == "" {
		return nil, fmt.Errorf("%w: a public or private key is required", ErrInvalidKey)
	}
	if _, err := ParsePublicKey(publicKey); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(tracerName)
	}

	verifications, err := meter.Int64Counter(
		"request_auth_verifications_total",
		metric.WithDescription("Total number of signed request verifications by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifications counter: %w", err)
	}

	return &RequestAuthenticator{
		licenseID:     cfg.LicenseID,
		privateKey:    cfg.PrivateKey,
		publicKey:     publicKey,
		tolerance:     cfg.Tolerance,
		clock:         clock,
		logger:        logger.With("component", "request_authenticator"),
		tracer:        otel.Tracer(tracerName),
		verifications: verifications,
	}, nil
}

// LicenseID returns the id this authenticator signs as and accepts.
func (a *RequestAuthenticator) LicenseID() string { return a.licenseID }

// CanSign reports whether a private key is loaded.
func (a *RequestAuthenticator) CanSign() bool { return a.privateKey != "" }

// CanonicalRequest builds the exact byte string that is signed for a request.
// The method is used verbatim, like the path.
func CanonicalRequest(method, path string, timestamp int64, bodyDigest string) string {
	return method + "\n" + path + "\n" + strconv.FormatInt(timestamp, 10) + "\n" + bodyDigest
}

// HashBody returns the hex SHA-256 digest of body, or "" for an empty body.
func HashBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SignRequest signs method, path and the optional body digest at the current time.
func (a *RequestAuthenticator) SignRequest(method, path, bodyDigest string) (SignedHeaders, error) {
	if !a.CanSign() {
		return SignedHeaders{}, ErrSigningUnavailable
	}

	ts := a.clock.Now().Unix()
	sig, err := Sign([]byte(CanonicalRequest(method, path, ts, bodyDigest)), a.privateKey)
	if err != nil {
		return SignedHeaders{}, fmt.Errorf("failed to sign request: %w", err)
	}

	return SignedHeaders{
		Authorization: a.licenseID + ":" + sig,
		Timestamp:     ts,
	}, nil
}

// VerifyRequest checks timestamp freshness and then the signature.
func (a *RequestAuthenticator) VerifyRequest(ctx context.Context, method, path string, timestamp int64, signature, bodyDigest string) VerificationResult {
	ctx, span := a.tracer.Start(ctx, "request_auth.verify",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()

	result := a.verify(method, path, timestamp, signature, bodyDigest)
	a.record(ctx, span, result)
	return result
}

// VerifyHeaders parses the compound authorization header and the timestamp
// header, checks the license id, then verifies the request.
func (a *RequestAuthenticator) VerifyHeaders(ctx context.Context, authHeader, timestampHeader, method, path, bodyDigest string) VerificationResult {
	licenseID, signature, err := parseAuthHeader(authHeader)
	if err != nil {
		return a.reject(ctx, method, path, VerificationResult{Err: err})
	}
	if licenseID != a.licenseID {
		return a.reject(ctx, method, path, VerificationResult{
			LicenseID: licenseID,
			Err:       fmt.Errorf("%w: got %q", ErrLicenseIDMismatch, licenseID),
		})
	}

	timestampHeader = strings.TrimSpace(timestampHeader)
	if timestampHeader == "" {
		return a.reject(ctx, method, path, VerificationResult{LicenseID: licenseID, Err: ErrMissingTimestamp})
	}
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return a.reject(ctx, method, path, VerificationResult{
			LicenseID: licenseID,
			Err:       fmt.Errorf("%w: malformed value %q", ErrMissingTimestamp, timestampHeader),
		})
	}

	return a.VerifyRequest(ctx, method, path, ts, signature, bodyDigest)
}

func (a *RequestAuthenticator) verify(method, path string, timestamp int64, signature, bodyDigest string) VerificationResult {
	now := a.clock.Now()
	skew := now.Sub(time.Unix(timestamp, 0))

	switch {
	case skew > a.tolerance:
		return VerificationResult{Err: fmt.Errorf("%w: %s old", ErrTimestampTooOld, skew.Truncate(time.Second))}
	case -skew > a.tolerance:
		return VerificationResult{Err: fmt.Errorf("%w: %s ahead", ErrTimestampInFuture, (-skew).Truncate(time.Second))}
	}

	if !Verify([]byte(CanonicalRequest(method, path, timestamp, bodyDigest)), signature, a.publicKey) {
		return VerificationResult{Err: ErrInvalidSignature}
	}
	return VerificationResult{IsValid: true, LicenseID: a.licenseID}
}

func (a *RequestAuthenticator) reject(ctx context.Context, method, path string, result VerificationResult) VerificationResult {
	_, span := a.tracer.Start(ctx, "request_auth.verify",
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.path", path),
		),
	)
	defer span.End()
	a.record(ctx, span, result)
	return result
}

func (a *RequestAuthenticator) record(ctx context.Context, span trace.Span, result VerificationResult) {
	code := "OK"
	if !result.IsValid {
		code = result.Reason()
	}
	a.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", code)))
	span.SetAttributes(attribute.String("request_auth.result", code))

	if result.IsValid {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, code)
	a.logger.LogAttrs(ctx, slog.LevelWarn, "request authentication failed",
		slog.String("reason", code),
		slog.String("error", result.Err.Error()),
	)
}

// parseAuthHeader splits "licenseId:signature". Base64 signatures never
// contain ':', so the last separator is used.
func parseAuthHeader(header string) (licenseID, signature string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", ErrMissingAuthHeader
	}
	idx := strings.LastIndex(header, ":")
	if idx <= 0 || idx == len(header)-1 {
		return "", "", fmt.Errorf("%w: expected licenseId:signature", ErrMissingAuthHeader)
	}
	return header[:idx], header[idx+1:], nil
}
