package license

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"

	"licensecore/pkg/contracts/domain"
)

// ExternalResult is what a custom validator reports. Only Valid, Invalid and
// FreeTier are accepted; anything else is treated as Invalid.
type ExternalResult struct {
	State    domain.LicenseState
	Reason   string
	Document *domain.LicenseDocument
}

// ExternalValidator replaces parsing, signature and expiry checks with a
// caller-provided decision.
type ExternalValidator interface {
	Validate(ctx context.Context) (ExternalResult, error)
}

// ExternalValidatorFunc adapts a function to ExternalValidator.
type ExternalValidatorFunc func(ctx context.Context) (ExternalResult, error)

// Validate calls f.
func (f ExternalValidatorFunc) Validate(ctx context.Context) (ExternalResult, error) { return f(ctx) }

// Source names where the license comes from. The first non-empty of
// Validator, FilePath and Inline wins.
type Source struct {
	FilePath  string
	Inline    string
	Validator ExternalValidator
}

func (s Source) configured() bool {
	return s.Validator != nil || s.FilePath != "" || s.Inline != ""
}

// Options configure a Manager.
type Options struct {
	Source           Source
	PublicKey        string
	RequireSignature bool
	GracePeriod      time.Duration
	Overrides        *domain.Overrides
	FreeTier         domain.FreeTierDefaults
	Clock            quartz.Clock
	Logger           *slog.Logger
	Metrics          *LicenseMetrics
}

// Service is the query and validation surface of the license manager. Callers
// receive it explicitly; there is no package-level instance.
type Service interface {
	ValidateLicense(ctx context.Context) domain.ValidationResult
	State() domain.LicenseState
	Status() domain.LicenseStatus
	CurrentTier() domain.Tier
	MaxSlots() int
	MaxWorkUnitsPerMinute() int64
	MaxNodes() int
	IsExpiringSoon() bool
	TimeUntilExpiry() time.Duration
	EnabledFeatures() []string
	HasFeature(name string) bool
	MeetsTierRequirement(tier domain.Tier) bool
	Subscribe(fn func(domain.StateChange)) (unsubscribe func())
}

var _ Service = (*Manager)(nil)

// Manager owns the current license token and state. Validations are
// serialized so that state change notifications are delivered in transition
// order; queries only take the state lock.
type Manager struct {
	source      Source
	codec       *Codec
	requireSig  bool
	gracePeriod time.Duration
	freeTier    domain.FreeTierDefaults
	clock       quartz.Clock
	logger      *slog.Logger
	metrics     *LicenseMetrics
	validate    *validator.Validate

	validateMu sync.Mutex

	mu         sync.RWMutex
	state      domain.LicenseState
	token      *domain.LicenseDocument
	overrides  *domain.Overrides
	lastResult domain.ValidationResult
	observers  map[uint64]func(domain.StateChange)
	nextID     uint64
}

// NewManager creates a manager in the Unknown state. Call ValidateLicense to
// load the license.
func NewManager(opts Options) (*Manager, error) {
	var codec *Codec
	if opts.PublicKey != "" {
		c, err := NewVerifyingCodec(opts.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid license public key: %w", err)
		}
		codec = c
	}
	if opts.GracePeriod < 0 {
		return nil, fmt.Errorf("grace period must not be negative: %s", opts.GracePeriod)
	}

	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		source:      opts.Source,
		codec:       codec,
		requireSig:  opts.RequireSignature,
		gracePeriod: opts.GracePeriod,
		freeTier:    cloneFreeTier(opts.FreeTier),
		clock:       clock,
		logger:      logger,
		metrics:     opts.Metrics,
		validate:    validator.New(),
		state:       domain.StateUnknown,
		overrides:   cloneOverrides(opts.Overrides),
		observers:   make(map[uint64]func(domain.StateChange)),
	}, nil
}

// outcome is the result of evaluating the source before it is applied.
type outcome struct {
	state  domain.LicenseState
	reason string
	token  *domain.LicenseDocument
}

// ValidateLicense re-reads the source, resolves the new state and notifies
// subscribers when the state changed.
func (m *Manager) ValidateLicense(ctx context.Context) domain.ValidationResult {
	m.validateMu.Lock()
	defer m.validateMu.Unlock()

	ctx, span := m.startValidationSpan(ctx)
	defer span.End()

	start := m.clock.Now()
	out := m.evaluate(ctx)
	result, change := m.apply(out)
	duration := m.clock.Since(start)

	m.finishValidationSpan(span, result)
	m.recordValidationMetrics(ctx, result, change, duration)

	level := slog.LevelInfo
	if result.State == domain.StateInvalid || result.State == domain.StateExpired {
		level = slog.LevelWarn
	}
	m.logAction(ctx, level, "validate", string(result.State),
		slog.String("reason", result.Reason),
		slog.String("license_id_hash", hashLicenseID(result.LicenseID)),
		slog.String("tier", string(result.Tier)),
		slog.Duration("duration", duration),
	)

	if change != nil {
		m.logAction(ctx, slog.LevelInfo, "transition", "state changed",
			slog.String("previous", string(change.Previous)),
			slog.String("current", string(change.Current)),
		)
		m.notify(ctx, *change)
	}

	return result
}

func (m *Manager) evaluate(ctx context.Context) outcome {
	if !m.source.configured() {
		return outcome{state: domain.StateFreeTier, reason: "no license source configured"}
	}

	if m.source.Validator != nil {
		return m.evaluateExternal(ctx)
	}

	raw, err := m.readSource()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return outcome{state: domain.StateFreeTier, reason: "license file not found"}
		}
		return outcome{state: domain.StateInvalid, reason: err.Error()}
	}

	doc, err := m.parseDocument(raw)
	if err != nil {
		return outcome{state: domain.StateInvalid, reason: err.Error()}
	}

	if m.codec != nil {
		switch {
		case doc.Signature != "":
			if !m.codec.Verify(raw) {
				m.recordSignatureFailure(ctx)
				return outcome{state: domain.StateInvalid, reason: "signature verification failed"}
			}
		case m.requireSig:
			return outcome{state: domain.StateInvalid, reason: ErrMissingSignature.Error()}
		}
	}

	expiry := m.effectiveExpiry(doc)
	now := m.clock.Now()
	if !now.Before(expiry) {
		return outcome{state: domain.StateExpired, reason: fmt.Sprintf("license expired at %s", expiry.UTC().Format(time.RFC3339))}
	}
	if expiry.Sub(now) < m.gracePeriod {
		return outcome{state: domain.StateExpiringSoon, reason: fmt.Sprintf("license expires at %s", expiry.UTC().Format(time.RFC3339)), token: doc}
	}
	return outcome{state: domain.StateValid, token: doc}
}

func (m *Manager) evaluateExternal(ctx context.Context) outcome {
	res, err := m.source.Validator.Validate(ctx)
	if err != nil {
		return outcome{state: domain.StateInvalid, reason: fmt.Sprintf("external validator failed: %v", err)}
	}

	switch res.State {
	case domain.StateValid:
		var token *domain.LicenseDocument
		if res.Document != nil {
			doc := *res.Document
			doc.Tier = domain.ParseTier(string(doc.Tier))
			doc.Features = append([]string(nil), doc.Features...)
			token = &doc
		}
		return outcome{state: domain.StateValid, reason: res.Reason, token: token}
	case domain.StateFreeTier, domain.StateInvalid:
		return outcome{state: res.State, reason: res.Reason}
	default:
		return outcome{state: domain.StateInvalid, reason: fmt.Sprintf("external validator returned unsupported state %q", res.State)}
	}
}

// readSource returns the raw license bytes. Inline values may be plain JSON
// or base64 encoded JSON.
func (m *Manager) readSource() ([]byte, error) {
	if m.source.FilePath != "" {
		data, err := os.ReadFile(m.source.FilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read license file: %w", err)
		}
		return data, nil
	}

	inline := strings.TrimSpace(m.source.Inline)
	if strings.HasPrefix(inline, "{") {
		return []byte(inline), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(inline)
	if err != nil {
		return nil, fmt.Errorf("inline license is neither JSON nor base64: %w", err)
	}
	return decoded, nil
}

func (m *Manager) parseDocument(raw []byte) (*domain.LicenseDocument, error) {
	var doc domain.LicenseDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse license: %w", err)
	}
	if err := m.validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("license document is incomplete: %w", err)
	}
	doc.Tier = domain.ParseTier(string(doc.Tier))
	return &doc, nil
}

func (m *Manager) effectiveExpiry(doc *domain.LicenseDocument) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.overrides != nil && m.overrides.Expiry != nil {
		return *m.overrides.Expiry
	}
	return doc.Expiry
}

// apply swaps in the new state and token. It returns the state change when
// the state differs from the previous one.
func (m *Manager) apply(out outcome) (domain.ValidationResult, *domain.StateChange) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.state
	m.state = out.state
	if out.state.Licensed() {
		m.token = out.token
	} else {
		m.token = nil
	}

	result := domain.ValidationResult{
		State:     out.state,
		Reason:    out.reason,
		Tier:      m.currentTierLocked(),
		CheckedAt: now,
	}
	if m.token != nil {
		result.LicenseID = m.token.LicenseID
	}
	if expiry, ok := m.expiryLocked(); ok {
		result.Expiry = &expiry
	}
	m.lastResult = result

	if previous == out.state {
		return result, nil
	}
	return result, &domain.StateChange{
		Previous: previous,
		Current:  out.state,
		Reason:   out.reason,
		At:       now,
	}
}

// Subscribe registers fn for state change notifications. Notifications are
// delivered synchronously, in order, on the validating goroutine; fn must not
// call ValidateLicense.
func (m *Manager) Subscribe(fn func(domain.StateChange)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

func (m *Manager) notify(ctx context.Context, change domain.StateChange) {
	m.mu.RLock()
	ids := make([]uint64, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(domain.StateChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.observers[id])
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		m.deliver(ctx, fn, change)
	}
}

func (m *Manager) deliver(ctx context.Context, fn func(domain.StateChange), change domain.StateChange) {
	defer func() {
		if r := recover(); r != nil {
			m.logAction(ctx, slog.LevelError, "notify", "subscriber panicked",
				slog.Any("panic", r),
				slog.String("current", string(change.Current)),
			)
		}
	}()
	fn(change)
}

// SetOverrides replaces the operator overrides. They take effect for queries
// immediately and for expiry on the next validation.
func (m *Manager) SetOverrides(o *domain.Overrides) {
	m.mu.Lock()
	m.overrides = cloneOverrides(o)
	m.mu.Unlock()
}

// State returns the current license state.
func (m *Manager) State() domain.LicenseState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastResult returns the most recent validation result.
func (m *Manager) LastResult() domain.ValidationResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastResult
}

// Token returns a copy of the adopted license, or nil.
func (m *Manager) Token() *domain.LicenseDocument {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.token == nil {
		return nil
	}
	doc := *m.token
	doc.Features = append([]string(nil), m.token.Features...)
	return &doc
}

// CurrentTier resolves override, then token, then free.
func (m *Manager) CurrentTier() domain.Tier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentTierLocked()
}

func (m *Manager) currentTierLocked() domain.Tier {
	if m.overrides != nil && m.overrides.Tier != nil {
		return domain.ParseTier(string(*m.overrides.Tier))
	}
	if m.token != nil {
		return m.token.Tier
	}
	return domain.TierFree
}

// MaxSlots resolves override, then token, then free-tier default.
func (m *Manager) MaxSlots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.overrides != nil && m.overrides.MaxSlots != nil {
		return *m.overrides.MaxSlots
	}
	if m.token != nil {
		return m.token.Limits.MaxSlots
	}
	return m.freeTier.Limits.MaxSlots
}

// MaxWorkUnitsPerMinute resolves override, then token, then free-tier default.
func (m *Manager) MaxWorkUnitsPerMinute() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.overrides != nil && m.overrides.MaxWorkUnitsPerMinute != nil {
		return *m.overrides.MaxWorkUnitsPerMinute
	}
	if m.token != nil {
		return m.token.Limits.MaxWorkUnitsPerMinute
	}
	return m.freeTier.Limits.MaxWorkUnitsPerMinute
}

// MaxNodes resolves override, then token, then free-tier default. A token
// without maxNodes falls through to the default.
func (m *Manager) MaxNodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.overrides != nil && m.overrides.MaxNodes != nil {
		return *m.overrides.MaxNodes
	}
	if m.token != nil && m.token.Limits.MaxNodes > 0 {
		return m.token.Limits.MaxNodes
	}
	return m.freeTier.Limits.MaxNodes
}

// IsExpiringSoon reports whether the license is inside its grace period.
func (m *Manager) IsExpiringSoon() bool {
	return m.State() == domain.StateExpiringSoon
}

// TimeUntilExpiry is the time left before the effective expiry, never negative.
func (m *Manager) TimeUntilExpiry() time.Duration {
	m.mu.RLock()
	expiry, ok := m.expiryLocked()
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	if left := expiry.Sub(m.clock.Now()); left > 0 {
		return left
	}
	return 0
}

func (m *Manager) expiryLocked() (time.Time, bool) {
	if m.overrides != nil && m.overrides.Expiry != nil {
		return *m.overrides.Expiry, true
	}
	if m.token != nil {
		return m.token.Expiry, true
	}
	return time.Time{}, false
}

// EnabledFeatures resolves override, then token, then free-tier default.
func (m *Manager) EnabledFeatures() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.featuresLocked()...)
}

func (m *Manager) featuresLocked() []string {
	if m.overrides != nil && m.overrides.Features != nil {
		return m.overrides.Features
	}
	if m.token != nil {
		return m.token.Features
	}
	return m.freeTier.Features
}

// HasFeature reports whether name is granted. An empty name is always
// granted, "*" grants everything and "prefix.*" grants every name below
// prefix.
func (m *Manager) HasFeature(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FeatureGranted(m.featuresLocked(), name)
}

// FeatureGranted applies the feature matching rules to a feature list.
func FeatureGranted(features []string, name string) bool {
	if name == "" {
		return true
	}
	for _, f := range features {
		switch {
		case f == "*":
			return true
		case f == name:
			return true
		case strings.HasSuffix(f, ".*"):
			prefix := strings.TrimSuffix(f, "*")
			if len(name) > len(prefix) && strings.HasPrefix(name, prefix) {
				return true
			}
		}
	}
	return false
}

// MeetsTierRequirement compares tier positions; unknown names rank as free.
func (m *Manager) MeetsTierRequirement(tier domain.Tier) bool {
	return m.CurrentTier().AtLeast(tier)
}

// Status assembles a consistent view of every effective value.
func (m *Manager) Status() domain.LicenseStatus {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	status := domain.LicenseStatus{
		State:        m.state,
		Tier:         m.currentTierLocked(),
		ExpiringSoon: m.state == domain.StateExpiringSoon,
		Features:     append([]string(nil), m.featuresLocked()...),
		CheckedAt:    m.lastResult.CheckedAt,
	}
	if m.token != nil {
		status.LicenseID = m.token.LicenseID
		status.IssuedTo = m.token.IssuedTo
	}
	if expiry, ok := m.expiryLocked(); ok {
		status.Expiry = &expiry
		if left := expiry.Sub(now); left > 0 {
			status.SecondsToExpiry = int64(left / time.Second)
		}
	}

	status.Limits = domain.Limits{
		MaxSlots:              m.freeTier.Limits.MaxSlots,
		MaxWorkUnitsPerMinute: m.freeTier.Limits.MaxWorkUnitsPerMinute,
		MaxNodes:              m.freeTier.Limits.MaxNodes,
	}
	if m.token != nil {
		status.Limits.MaxSlots = m.token.Limits.MaxSlots
		status.Limits.MaxWorkUnitsPerMinute = m.token.Limits.MaxWorkUnitsPerMinute
		if m.token.Limits.MaxNodes > 0 {
			status.Limits.MaxNodes = m.token.Limits.MaxNodes
		}
	}
	if o := m.overrides; o != nil {
		if o.MaxSlots != nil {
			status.Limits.MaxSlots = *o.MaxSlots
		}
		if o.MaxWorkUnitsPerMinute != nil {
			status.Limits.MaxWorkUnitsPerMinute = *o.MaxWorkUnitsPerMinute
		}
		if o.MaxNodes != nil {
			status.Limits.MaxNodes = *o.MaxNodes
		}
	}
	return status
}

func cloneOverrides(o *domain.Overrides) *domain.Overrides {
	if o == nil {
		return nil
	}
	c := *o
	if o.Features != nil {
		c.Features = append([]string{}, o.Features...)
	}
	return &c
}

func cloneFreeTier(f domain.FreeTierDefaults) domain.FreeTierDefaults {
	f.Features = append([]string(nil), f.Features...)
	return f
}
