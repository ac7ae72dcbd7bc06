package auth

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/otp"
)

// Roles; resolved once at authentication time, carried immutably in Session.
type Role string

const (
	RoleInstituteAdmin Role = "institute_admin"
	RoleStudent        Role = "student"
	RoleSuperAdmin     Role = "super_admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleInstituteAdmin, RoleStudent, RoleSuperAdmin:
		return true
	}
	return false
}

func (r Role) IsAdmin() bool { return r == RoleInstituteAdmin || r == RoleSuperAdmin }

var (
	// errors
	ErrInvalidCredentials      = errors.New("invalid credentials")
	ErrBlocked                 = errors.New("account blocked")
	ErrInvalidPhone            = errors.New("phone number must be exactly 10 digits")
	ErrUnregisteredPhone       = errors.New("no student is registered under this phone number")
	ErrPendingApproval         = errors.New("account awaiting approval")
	ErrDirectoryUnavailable    = errors.New("identity directory unreachable")
	ErrChallengeExpired        = otp.ErrChallengeExpired
	ErrChallengeExhausted      = otp.ErrChallengeExhausted
	ErrCodeMismatch            = otp.ErrCodeMismatch
	ErrVerificationUnavailable = otp.ErrVerificationUnavailable
)

type (
	// Session is the single live authenticated context of the process.
	Session struct {
		ActorID       string    `json:"actor_id"`
		Role          Role      `json:"role"`
		InstituteID   string    `json:"institute_id"`
		EstablishedAt time.Time `json:"established_at"`
		ExpiresAt     time.Time `json:"expires_at"` // zero when no expiry is known
		Offline       bool      `json:"offline"`    // established against the credential cache
	}

	// BlockedInfo describes an administrative suspension. Once observed it
	// supersedes all other gateway output until cleared remotely.
	BlockedInfo struct {
		Reason  string    `json:"reason"`
		Message string    `json:"message"`
		Since   time.Time `json:"since"`
	}

	// PendingApproval is the inert result of an institute signup: the account
	// exists but cannot authenticate until an out-of-band approval.
	PendingApproval struct {
		Email       string    `json:"email"`
		SubmittedAt time.Time `json:"submitted_at"`
	}

	// InstituteSignup contains information needed to register a new institute.
	InstituteSignup struct {
		Name            string `json:"name" validate:"required"`
		Email           string `json:"email" validate:"required,email"`
		Phone           string `json:"phone" validate:"required,phone10"`
		Address         string `json:"address"`
		Password        string `json:"password" validate:"required,min=8"`
		PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
	}
)

func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

func (su *InstituteSignup) Validate() error {
	su.Name = core.CleanString(su.Name)
	su.Email = core.CleanString(su.Email, true /* lower */)
	su.Phone = core.CleanPhone(su.Phone)
	return core.Validate.Struct(su)
}

// BlockedError carries the BlockedInfo of a suspended account.
// errors.Is(err, ErrBlocked) matches it.
type BlockedError struct {
	Info BlockedInfo
}

func (e *BlockedError) Error() string {
	if e.Info.Message != "" {
		return e.Info.Message
	}
	return ErrBlocked.Error()
}

func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// Directory account statuses.
type AccountStatus string

const (
	StatusOK      AccountStatus = "ok"
	StatusInvalid AccountStatus = "invalid"
	StatusBlocked AccountStatus = "blocked"
	StatusPending AccountStatus = "pending_approval"
)

type (
	// DirectoryResult is the identity directory's answer to a verification
	// or status lookup.
	DirectoryResult struct {
		Status      AccountStatus `json:"status"`
		ActorID     string        `json:"actor_id"`
		Role        Role          `json:"role"`
		InstituteID string        `json:"institute_id"`
		Token       string        `json:"token,omitempty"` // directory-issued session token
		Message     string        `json:"message,omitempty"`
	}

	// IdentityProvider is the remote source of truth for credentials and
	// account status. A returned error means the directory could not be
	// reached; a reachable directory answers through DirectoryResult.Status.
	IdentityProvider interface {
		VerifyEmailPassword(ctx context.Context, email, password string) (DirectoryResult, error)
		VerifyStudentCredentials(ctx context.Context, studentID, password string) (DirectoryResult, error)
		CreatePendingInstituteAccount(ctx context.Context, signup InstituteSignup) error
		GetAccountStatus(ctx context.Context, actorID string) (DirectoryResult, error)
	}

	// CachedCredential is a bcrypt-hashed student credential kept locally so
	// a previously seen student can re-authenticate while offline.
	CachedCredential struct {
		StudentID    string
		InstituteID  string
		PasswordHash []byte
		CachedAt     time.Time
	}

	// CredentialCache stores hashed credentials between sessions. Plaintext
	// never reaches it.
	CredentialCache interface {
		Put(cred CachedCredential) error
		Get(studentID string) (CachedCredential, error)
		Clear() error
	}
)

func (c CachedCredential) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(c.PasswordHash, []byte(pwd))
}

// HashPassword prepares a password for the credential cache.
func HashPassword(pwd string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
}
