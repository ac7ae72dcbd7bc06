package otp

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shulehub/shule/core"
)

var (
	nowFunc = time.Now // mockable

	// errors
	ErrVerificationUnavailable = errors.New("human verification expired, please reload and retry")
	ErrChallengeExpired        = errors.New("verification code has expired, request a new one")
	ErrChallengeExhausted      = errors.New("too many wrong attempts, request a new code")
	ErrCodeMismatch            = errors.New("incorrect verification code")
)

type (
	// Verifier is the opaque human-verification binding obtained once per UI
	// surface. It must be present and unexpired for a challenge to be issued.
	Verifier struct {
		Token     string
		ExpiresAt time.Time
	}

	// Handle is the caller-facing reference to a live challenge.
	// The code itself never leaves the Manager except through the Dispatcher.
	Handle struct {
		ID        uuid.UUID `json:"id"`
		Phone     string    `json:"phone"`
		ExpiresAt time.Time `json:"expires_at"`
		ResendAt  time.Time `json:"resend_at"`
	}

	challenge struct {
		id                uuid.UUID
		phone             string
		code              string
		issuedAt          time.Time
		expiresAt         time.Time
		attemptsRemaining int
		verifierToken     string
	}

	// Manager owns the single live challenge per phone number.
	// A new challenge for a phone supersedes the previous one; nothing is merged.
	Manager struct {
		mu     sync.Mutex
		active map[string]*challenge

		ttl            time.Duration
		maxAttempts    int
		resendCooldown time.Duration
		appName        string
		dispatcher     core.Dispatcher
	}
)

func (v Verifier) Expired(now time.Time) bool {
	return v.Token == "" || !v.ExpiresAt.After(now)
}

// ResendIn reports how long the caller has to wait before requesting a resend.
// It is a derived read of (now, ResendAt), not state.
func (h Handle) ResendIn(now time.Time) time.Duration {
	if d := h.ResendAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

func NewManager(conf *core.Config, dispatcher core.Dispatcher) *Manager {
	return &Manager{
		active:         make(map[string]*challenge),
		ttl:            conf.OTP.TTL,
		maxAttempts:    conf.OTP.MaxAttempts,
		resendCooldown: conf.OTP.ResendCooldown,
		appName:        conf.AppName,
		dispatcher:     dispatcher,
	}
}

// Issue creates a challenge for `phone` and dispatches its code out-of-band.
// Any prior challenge for the same phone is invalidated, not merged, so a
// stale code can never validate after a resend.
func (m *Manager) Issue(phone string, v Verifier) (Handle, error) {
	now := nowFunc().UTC()
	if v.Expired(now) {
		return Handle{}, ErrVerificationUnavailable
	}

	code, err := generateCode()
	if err != nil {
		return Handle{}, err
	}

	ch := &challenge{
		id:                uuid.New(),
		phone:             phone,
		code:              code,
		issuedAt:          now,
		expiresAt:         now.Add(m.ttl),
		attemptsRemaining: m.maxAttempts,
		verifierToken:     v.Token,
	}

	m.mu.Lock()
	m.active[phone] = ch
	m.mu.Unlock()

	m.dispatcher.Dispatch(&core.Message{
		Phone:   phone,
		Subject: "Verification code",
		Body:    fmt.Sprintf("Your %s verification code is %s. It expires in %d seconds.", m.appName, code, int(m.ttl.Seconds())),
	})

	return Handle{ID: ch.id, Phone: phone, ExpiresAt: ch.expiresAt, ResendAt: now.Add(m.resendCooldown)}, nil
}

// Verify checks `code` against the live challenge referenced by `h`.
// The challenge is consumed on success and on terminal failure (expiry or
// exhaustion); expiry is checked on every access, never by a timer.
func (m *Manager) Verify(h Handle, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.active[h.Phone]
	if !ok || ch.id != h.ID {
		// superseded by a resend, or already consumed
		return ErrChallengeExpired
	}
	if !nowFunc().UTC().Before(ch.expiresAt) {
		delete(m.active, h.Phone)
		return ErrChallengeExpired
	}

	ch.attemptsRemaining--
	if subtle.ConstantTimeCompare([]byte(ch.code), []byte(code)) == 1 {
		delete(m.active, h.Phone)
		return nil
	}
	if ch.attemptsRemaining <= 0 {
		delete(m.active, h.Phone)
		return ErrChallengeExhausted
	}
	return ErrCodeMismatch
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
