// Package mfa implements the second authentication factor: TOTP
// enrollment and verification plus single-use recovery codes. Secrets are
// sealed with an AEAD before they touch the principal store, and accepted
// TOTP steps are tracked so a sniffed code cannot be replayed inside the
// skew window.
package mfa

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"fxdesk.org/internal/audit"
	"fxdesk.org/internal/auth"
	"fxdesk.org/internal/ids"
	"fxdesk.org/internal/session"
)

const (
	defaultIssuer      = "FXDesk"
	defaultStep        = 30 * time.Second
	defaultSkew        = 1
	defaultBackupCodes = 10

	pendingTTL   = 10 * time.Minute
	challengeTTL = 5 * time.Minute
)

// Enrollment is handed to the client once, at setup time. The secret and
// the plaintext recovery codes are never shown again.
type Enrollment struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	RecoveryCodes   []string `json:"recovery_codes"`
}

// Service drives TOTP enrollment, verification, and login challenges.
type Service struct {
	principals auth.PrincipalStore
	values     session.Store
	sink       audit.Sink
	aead       cipher.AEAD
	now        func() time.Time

	issuer      string
	step        time.Duration
	skew        uint
	backupCodes int
}

// Option configures the Service.
type Option func(*Service)

// WithIssuer sets the issuer shown in authenticator apps.
func WithIssuer(issuer string) Option {
	return func(s *Service) { s.issuer = issuer }
}

// WithStep sets the TOTP step length.
func WithStep(step time.Duration) Option {
	return func(s *Service) { s.step = step }
}

// WithSkew sets how many adjacent steps are accepted around now.
func WithSkew(skew uint) Option {
	return func(s *Service) { s.skew = skew }
}

// WithAuditSink routes MFA events to the given sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the MFA service. sealKey must be a 32-byte AES key;
// it protects TOTP secrets at rest.
func NewService(principals auth.PrincipalStore, values session.Store, sealKey []byte, opts ...Option) (*Service, error) {
	if principals == nil || values == nil {
		return nil, errors.New("mfa: principal and value stores are required")
	}
	block, err := aes.NewCipher(sealKey)
	if err != nil {
		return nil, fmt.Errorf("mfa: seal key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("mfa: seal key: %w", err)
	}
	s := &Service{
		principals:  principals,
		values:      values,
		aead:        aead,
		now:         time.Now,
		issuer:      defaultIssuer,
		step:        defaultStep,
		skew:        defaultSkew,
		backupCodes: defaultBackupCodes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type pendingEnrollment struct {
	Secret     string   `json:"secret"`
	CodeHashes []string `json:"code_hashes"`
}

// Setup generates a fresh TOTP secret and recovery codes for the
// principal. Nothing is committed until Enable verifies a code minted
// from the candidate secret.
func (s *Service) Setup(ctx context.Context, p *auth.Principal) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: p.Email,
		SecretSize:  20,
		Period:      uint(s.step / time.Second),
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("mfa: generate secret: %w", err)
	}

	codes := make([]string, 0, s.backupCodes)
	hashes := make([]string, 0, s.backupCodes)
	for i := 0; i < s.backupCodes; i++ {
		code, err := ids.NewSecret(8)
		if err != nil {
			return Enrollment{}, fmt.Errorf("mfa: generate recovery code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, hashCode(code))
	}

	pending, err := json.Marshal(pendingEnrollment{Secret: key.Secret(), CodeHashes: hashes})
	if err != nil {
		return Enrollment{}, err
	}
	if err := s.values.SetValue(ctx, pendingKey(p.ID), string(pending), pendingTTL); err != nil {
		return Enrollment{}, fmt.Errorf("mfa: stash enrollment: %w", err)
	}

	s.emit(ctx, p, "mfa.setup", audit.OutcomeSuccess, nil)
	return Enrollment{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		RecoveryCodes:   codes,
	}, nil
}

// Enable commits a pending enrollment after the principal proves control
// of the secret with a live code.
func (s *Service) Enable(ctx context.Context, p *auth.Principal, code string) error {
	raw, err := s.values.GetValue(ctx, pendingKey(p.ID))
	if errors.Is(err, session.ErrNotFound) {
		return auth.ErrInvalidMFA
	}
	if err != nil {
		return fmt.Errorf("mfa: load enrollment: %w", err)
	}
	var pending pendingEnrollment
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return fmt.Errorf("mfa: decode enrollment: %w", err)
	}

	if _, ok := s.matchStep(code, pending.Secret); !ok {
		s.emit(ctx, p, "mfa.enable", audit.OutcomeFailure, map[string]any{"reason": "bad_code"})
		return auth.ErrInvalidMFA
	}

	sealed, err := s.seal(pending.Secret)
	if err != nil {
		return err
	}
	err = s.mutate(ctx, p.ID, func(cur *auth.Principal) {
		cur.MFAEnabled = true
		cur.MFASecret = sealed
		cur.BackupCodes = append([]string(nil), pending.CodeHashes...)
	})
	if err != nil {
		return err
	}
	_ = s.values.DeleteValue(ctx, pendingKey(p.ID))

	p.MFAEnabled = true
	p.MFASecret = sealed
	p.BackupCodes = append([]string(nil), pending.CodeHashes...)

	s.emit(ctx, p, "mfa.enable", audit.OutcomeSuccess, nil)
	return nil
}

// Disable turns MFA off after a final proof of possession. Either a live
// TOTP code or a remaining recovery code is accepted.
func (s *Service) Disable(ctx context.Context, p *auth.Principal, code string) error {
	if !p.MFAEnabled {
		return auth.ErrInvalidMFA
	}
	if err := s.VerifyTOTP(ctx, p, code); err != nil {
		if berr := s.VerifyBackupCode(ctx, p, code); berr != nil {
			s.emit(ctx, p, "mfa.disable", audit.OutcomeFailure, map[string]any{"reason": "bad_code"})
			return auth.ErrInvalidMFA
		}
	}
	err := s.mutate(ctx, p.ID, func(cur *auth.Principal) {
		cur.MFAEnabled = false
		cur.MFASecret = ""
		cur.BackupCodes = nil
	})
	if err != nil {
		return err
	}
	p.MFAEnabled = false
	p.MFASecret = ""
	p.BackupCodes = nil
	_ = s.values.DeleteValue(ctx, lastStepKey(p.ID))

	s.emit(ctx, p, "mfa.disable", audit.OutcomeSuccess, nil)
	return nil
}

// VerifyTOTP checks a live code against the principal's sealed secret.
// Codes from the adjacent steps are accepted for clock skew, but any step
// at or before the last accepted one is rejected as a replay.
func (s *Service) VerifyTOTP(ctx context.Context, p *auth.Principal, code string) error {
	if !p.MFAEnabled || p.MFASecret == "" {
		return auth.ErrInvalidMFA
	}
	secret, err := s.unseal(p.MFASecret)
	if err != nil {
		return fmt.Errorf("mfa: unseal secret: %w", err)
	}

	step, ok := s.matchStep(code, secret)
	if !ok {
		s.emit(ctx, p, "mfa.verify", audit.OutcomeFailure, map[string]any{"reason": "bad_code"})
		return auth.ErrInvalidMFA
	}

	last, err := s.lastAcceptedStep(ctx, p.ID)
	if err != nil {
		return err
	}
	if last >= step {
		s.emit(ctx, p, "mfa.verify", audit.OutcomeFailure, map[string]any{"reason": "replay"})
		return auth.ErrInvalidMFA
	}
	ttl := time.Duration(2*int64(s.skew)+2) * s.step
	if err := s.values.SetValue(ctx, lastStepKey(p.ID), strconv.FormatInt(step, 10), ttl); err != nil {
		return fmt.Errorf("mfa: record accepted step: %w", err)
	}

	s.emit(ctx, p, "mfa.verify", audit.OutcomeSuccess, nil)
	return nil
}

// VerifyBackupCode burns one recovery code. Comparison is constant time
// across the stored hashes and the matched code is removed.
func (s *Service) VerifyBackupCode(ctx context.Context, p *auth.Principal, code string) error {
	if !p.MFAEnabled || len(p.BackupCodes) == 0 {
		return auth.ErrInvalidMFA
	}
	presented := hashCode(code)
	matched := -1
	for i, h := range p.BackupCodes {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h)) == 1 {
			matched = i
		}
	}
	if matched < 0 {
		s.emit(ctx, p, "mfa.verify", audit.OutcomeFailure, map[string]any{"reason": "bad_backup_code"})
		return auth.ErrInvalidMFA
	}

	err := s.mutate(ctx, p.ID, func(cur *auth.Principal) {
		remaining := make([]string, 0, len(cur.BackupCodes))
		for _, h := range cur.BackupCodes {
			if h != presented {
				remaining = append(remaining, h)
			}
		}
		cur.BackupCodes = remaining
	})
	if err != nil {
		return err
	}
	p.BackupCodes = append(p.BackupCodes[:matched], p.BackupCodes[matched+1:]...)

	s.emit(ctx, p, "mfa.verify", audit.OutcomeSuccess, map[string]any{"method": "backup_code"})
	return nil
}

// RegenerateBackupCodes replaces all remaining recovery codes and returns
// the new plaintext set.
func (s *Service) RegenerateBackupCodes(ctx context.Context, p *auth.Principal) ([]string, error) {
	if !p.MFAEnabled {
		return nil, auth.ErrInvalidMFA
	}
	codes := make([]string, 0, s.backupCodes)
	hashes := make([]string, 0, s.backupCodes)
	for i := 0; i < s.backupCodes; i++ {
		code, err := ids.NewSecret(8)
		if err != nil {
			return nil, fmt.Errorf("mfa: generate recovery code: %w", err)
		}
		codes = append(codes, code)
		hashes = append(hashes, hashCode(code))
	}
	err := s.mutate(ctx, p.ID, func(cur *auth.Principal) {
		cur.BackupCodes = append([]string(nil), hashes...)
	})
	if err != nil {
		return nil, err
	}
	p.BackupCodes = hashes

	s.emit(ctx, p, "mfa.backup_codes.regenerate", audit.OutcomeSuccess, nil)
	return codes, nil
}

// CreateChallenge opens a short-lived login challenge for a principal
// whose password already checked out. The challenge id is the only thing
// handed to the client before the second factor clears.
func (s *Service) CreateChallenge(ctx context.Context, p *auth.Principal) (string, error) {
	id := "mfc_" + ids.New()
	if err := s.values.SetValue(ctx, challengeKey(id), p.ID, challengeTTL); err != nil {
		return "", fmt.Errorf("mfa: store challenge: %w", err)
	}
	return id, nil
}

// ChallengePrincipal returns the principal id a challenge was opened for
// without consuming it. Used to look up the principal before the code
// check; the challenge is redeemed only once the factor clears.
func (s *Service) ChallengePrincipal(ctx context.Context, id string) (string, error) {
	principalID, err := s.values.GetValue(ctx, challengeKey(id))
	if errors.Is(err, session.ErrNotFound) {
		return "", auth.ErrInvalidMFA
	}
	if err != nil {
		return "", fmt.Errorf("mfa: load challenge: %w", err)
	}
	return principalID, nil
}

// RedeemChallenge consumes a challenge and returns the principal id it
// was opened for. A challenge redeems at most once.
func (s *Service) RedeemChallenge(ctx context.Context, id string) (string, error) {
	principalID, err := s.values.TakeValue(ctx, challengeKey(id))
	if errors.Is(err, session.ErrNotFound) {
		return "", auth.ErrInvalidMFA
	}
	if err != nil {
		return "", fmt.Errorf("mfa: redeem challenge: %w", err)
	}
	return principalID, nil
}

// matchStep validates the code within the skew window and returns the
// exact step the code was minted for.
func (s *Service) matchStep(code, secret string) (int64, bool) {
	now := s.now().UTC()
	stepSeconds := int64(s.step / time.Second)
	for offset := -int64(s.skew); offset <= int64(s.skew); offset++ {
		at := now.Add(time.Duration(offset) * s.step)
		ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    uint(stepSeconds),
			Skew:      0,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err == nil && ok {
			return at.Unix() / stepSeconds, true
		}
	}
	return 0, false
}

func (s *Service) lastAcceptedStep(ctx context.Context, principalID string) (int64, error) {
	raw, err := s.values.GetValue(ctx, lastStepKey(principalID))
	if errors.Is(err, session.ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("mfa: load accepted step: %w", err)
	}
	step, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1, nil
	}
	return step, nil
}

// mutate applies fn to the current principal record under the optimistic
// version check, retrying on conflicts.
func (s *Service) mutate(ctx context.Context, principalID string, fn func(*auth.Principal)) error {
	for attempt := 0; attempt < 5; attempt++ {
		cur, err := s.principals.Find(ctx, principalID)
		if err != nil {
			return err
		}
		fn(cur)
		err = s.principals.Update(ctx, cur)
		if errors.Is(err, auth.ErrVersionConflict) {
			continue
		}
		return err
	}
	return auth.ErrVersionConflict
}

func (s *Service) seal(secret string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("mfa: seal secret: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(secret), nil)
	return base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (s *Service) unseal(sealed string) (string, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	if len(raw) < s.aead.NonceSize() {
		return "", errors.New("mfa: sealed secret too short")
	}
	nonce, ct := raw[:s.aead.NonceSize()], raw[s.aead.NonceSize():]
	secret, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func pendingKey(principalID string) string   { return "mfa_pending:" + principalID }
func lastStepKey(principalID string) string  { return "mfa_last_step:" + principalID }
func challengeKey(challengeID string) string { return "mfa_challenge:" + challengeID }

func (s *Service) emit(ctx context.Context, p *auth.Principal, eventType string, outcome audit.Outcome, details map[string]any) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(ctx, audit.Event{
		EventType:   eventType,
		PrincipalID: p.ID,
		TenantID:    p.TenantID,
		Resource:    "mfa",
		Action:      strings.TrimPrefix(eventType, "mfa."),
		Outcome:     outcome,
		Details:     details,
	})
}
