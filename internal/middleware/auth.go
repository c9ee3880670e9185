package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/time/rate"

	apierrors "licensecore/internal/errors"
	"licensecore/internal/infrastructure"
	"licensecore/internal/security"
)

// maxTrackedPeers bounds the failure limiter table. When it is exceeded the
// table starts over.
const maxTrackedPeers = 4096

// LicenseIDFromContext returns the license id of an authenticated peer request.
func LicenseIDFromContext(ctx context.Context) string {
	return infrastructure.PeerLicenseID(ctx)
}

// RequestVerifier checks signed request headers.
type RequestVerifier interface {
	VerifyHeaders(ctx context.Context, authHeader, timestampHeader, method, path, bodyDigest string) security.VerificationResult
}

// RequestAuthConfig configures RequestAuth.
type RequestAuthConfig struct {
	AuthHeader      string
	TimestampHeader string
	MaxBodyBytes    int64
	// FailureRPS and FailureBurst bound how often one peer may fail
	// verification. Zero FailureRPS disables the limiter.
	FailureRPS   float64
	FailureBurst int
	Clock        quartz.Clock
	Logger       *slog.Logger
	Errors       *apierrors.ErrorHandler
}

// RequestAuth verifies the signed Authorization and timestamp headers of every
// request. The body is read once to compute its digest and restored for the
// next handler.
func RequestAuth(verifier RequestVerifier, cfg RequestAuthConfig) func(next http.Handler) http.Handler {
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "Authorization"
	}
	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = "X-Timestamp"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = infrastructure.GetLogger()
	}
	if cfg.Errors == nil {
		cfg.Errors = apierrors.NewErrorHandler(cfg.Logger, false)
	}
	logger := cfg.Logger.With(slog.String("component", "request_auth"))
	failures := newFailureLimiter(cfg.FailureRPS, cfg.FailureBurst, cfg.Clock)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get(cfg.AuthHeader)
			peer := peerKey(r.RemoteAddr)

			if !failures.allow(peer) {
				logger.WarnContext(ctx, "peer exceeded authentication failure budget",
					slog.String("peer", peer))
				cfg.Errors.HandleError(w, r, apierrors.ErrRateLimitExceeded.WithRetryAfter(time.Second))
				return
			}

			body, err := readBody(w, r, cfg.MaxBodyBytes)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					cfg.Errors.HandleError(w, r, apierrors.ErrPayloadTooLarge)
					return
				}
				cfg.Errors.HandleError(w, r, apierrors.ErrInvalidRequest)
				return
			}

			result := verifier.VerifyHeaders(ctx, authHeader, r.Header.Get(cfg.TimestampHeader),
				r.Method, r.URL.Path, security.HashBody(body))
			if !result.IsValid {
				failures.fail(peer)
				cfg.Errors.HandleError(w, r, apierrors.RequestAuthFailed(result.Err))
				return
			}

			ctx = infrastructure.WithPeerLicenseID(ctx, result.LicenseID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// peerKey is the remote host. The license id in the Authorization header is
// unverified when failures are counted, so it never selects the bucket.
func peerKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return "addr:" + host
}

type failureLimiter struct {
	limit rate.Limit
	burst int
	clock quartz.Clock

	mu    sync.Mutex
	peers map[string]*rate.Limiter
}

func newFailureLimiter(rps float64, burst int, clock quartz.Clock) *failureLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &failureLimiter{
		limit: rate.Limit(rps),
		burst: burst,
		clock: clock,
		peers: make(map[string]*rate.Limiter),
	}
}

func (f *failureLimiter) enabled() bool { return f.limit > 0 }

// allow reports whether peer still has failure budget left. It does not
// consume any.
func (f *failureLimiter) allow(peer string) bool {
	if !f.enabled() {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.peers[peer]
	if !ok {
		return true
	}
	return l.TokensAt(f.clock.Now()) >= 1
}

func (f *failureLimiter) fail(peer string) {
	if !f.enabled() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.peers[peer]
	if !ok {
		if len(f.peers) >= maxTrackedPeers {
			f.peers = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(f.limit, f.burst)
		f.peers[peer] = l
	}
	l.AllowN(f.clock.Now(), 1)
}
