package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/entity"
	"github.com/shulehub/shule/core/otp"
)

var nowFunc = time.Now // mockable

type (
	// PhoneDirectory resolves a phone number to the locally known student
	// record; the entity store satisfies it.
	PhoneDirectory interface {
		FindStudentByPhone(phone string) (entity.Record, entity.Student, error)
	}

	// Gateway is the single login/signup surface. It composes the identity
	// directory and the OTP challenge manager, owns the process session and
	// exposes the blocked state.
	Gateway struct {
		directory  IdentityProvider
		challenges *otp.Manager
		phones     PhoneDirectory
		creds      CredentialCache // may be nil: offline re-login disabled
		logger     core.Logger

		sessionTTL time.Duration // for sessions with no directory token

		mu           sync.Mutex
		session      *Session
		blocked      *BlockedInfo
		blockedActor string
	}
)

func NewGateway(conf *core.Config, directory IdentityProvider, challenges *otp.Manager, phones PhoneDirectory, creds CredentialCache, logger core.Logger) *Gateway {
	return &Gateway{
		directory:  directory,
		challenges: challenges,
		phones:     phones,
		creds:      creds,
		logger:     logger,
		sessionTTL: conf.Server.JWTExpirationDelta,
	}
}

// LoginInstitute verifies an institute email/password against the directory.
// The session role comes from the directory record (institute_admin or
// super_admin), never from client input.
func (g *Gateway) LoginInstitute(ctx context.Context, email, password string) (Session, error) {
	if err := g.blockedGate(); err != nil {
		return Session{}, err
	}

	email = core.CleanString(email, true /* lower */)
	res, err := g.directory.VerifyEmailPassword(ctx, email, password)
	if err != nil {
		return Session{}, errors.Wrap(ErrDirectoryUnavailable, err.Error())
	}

	switch res.Status {
	case StatusOK:
		if res.Role != RoleInstituteAdmin && res.Role != RoleSuperAdmin {
			return Session{}, ErrInvalidCredentials
		}
		return g.establish(res, false)
	case StatusBlocked:
		return Session{}, g.observeBlock(res)
	case StatusPending:
		return Session{}, ErrPendingApproval
	default:
		return Session{}, ErrInvalidCredentials
	}
}

// LoginStudent verifies a student ID/password pair; the role is fixed to
// student. When the directory is unreachable and the credential was cached
// from an earlier successful login, an offline session is established.
func (g *Gateway) LoginStudent(ctx context.Context, studentID, password string) (Session, error) {
	if err := g.blockedGate(); err != nil {
		return Session{}, err
	}

	studentID = core.CleanString(studentID)
	res, err := g.directory.VerifyStudentCredentials(ctx, studentID, password)
	if err != nil {
		return g.loginStudentOffline(studentID, password, err)
	}

	switch res.Status {
	case StatusOK:
		res.Role = RoleStudent
		sess, err := g.establish(res, false)
		if err != nil {
			return Session{}, err
		}
		g.cacheCredential(studentID, res.InstituteID, password)
		return sess, nil
	case StatusBlocked:
		return Session{}, g.observeBlock(res)
	default:
		return Session{}, ErrInvalidCredentials
	}
}

// SignupInstitute validates the profile locally, then registers an inert
// account with the directory. The account cannot log in until an out-of-band
// admin approval flips its status; the caller only gets a PendingApproval.
func (g *Gateway) SignupInstitute(ctx context.Context, su InstituteSignup) (PendingApproval, error) {
	if err := su.Validate(); err != nil {
		return PendingApproval{}, err
	}
	if err := g.directory.CreatePendingInstituteAccount(ctx, su); err != nil {
		return PendingApproval{}, errors.Wrap(ErrDirectoryUnavailable, err.Error())
	}
	return PendingApproval{Email: su.Email, SubmittedAt: nowFunc().UTC()}, nil
}

// RequestPhoneOTP starts a phone login handshake. The phone must be exactly
// 10 digits and belong to a locally known student; the returned handle
// carries the resend cooldown for the caller to derive a countdown from.
func (g *Gateway) RequestPhoneOTP(phone string, v otp.Verifier) (otp.Handle, error) {
	if err := g.blockedGate(); err != nil {
		return otp.Handle{}, err
	}
	phone = core.CleanPhone(phone)
	if !core.IsValidPhone(phone) {
		return otp.Handle{}, ErrInvalidPhone
	}
	if _, _, err := g.phones.FindStudentByPhone(phone); err != nil {
		if errors.Cause(err) == entity.ErrNotFound {
			return otp.Handle{}, ErrUnregisteredPhone
		}
		return otp.Handle{}, err
	}
	return g.challenges.Issue(phone, v)
}

// ConfirmPhoneOTP completes a phone login. The challenge is consumed on
// success and on terminal failure.
func (g *Gateway) ConfirmPhoneOTP(h otp.Handle, code string) (Session, error) {
	if err := g.blockedGate(); err != nil {
		return Session{}, err
	}
	if err := g.challenges.Verify(h, code); err != nil {
		return Session{}, err
	}

	rec, _, err := g.phones.FindStudentByPhone(h.Phone)
	if err != nil {
		return Session{}, ErrUnregisteredPhone
	}
	return g.establish(DirectoryResult{
		Status:      StatusOK,
		ActorID:     rec.Code,
		Role:        RoleStudent,
		InstituteID: rec.InstituteID,
	}, false)
}

// Current returns the live session, lazily dropping it once expired.
func (g *Gateway) Current() (Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.session == nil {
		return Session{}, false
	}
	if g.session.Expired(nowFunc().UTC()) {
		g.session = nil
		return Session{}, false
	}
	return *g.session, true
}

// CurrentBlockedInfo is a pure accessor of the sticky blocked state.
func (g *Gateway) CurrentBlockedInfo() *BlockedInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.blocked == nil {
		return nil
	}
	info := *g.blocked
	return &info
}

// Logout clears the session. Pending sync queue entries are untouched: local
// data authored before logout still flushes.
func (g *Gateway) Logout() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.session = nil
}

// RefreshAccountStatus re-queries the directory for the blocked account and
// clears the blocked state if the suspension was lifted remotely. This is the
// only way out of the blocked state.
func (g *Gateway) RefreshAccountStatus(ctx context.Context) error {
	g.mu.Lock()
	actor := g.blockedActor
	blocked := g.blocked != nil
	g.mu.Unlock()

	if !blocked {
		return nil
	}

	res, err := g.directory.GetAccountStatus(ctx, actor)
	if err != nil {
		return errors.Wrap(ErrDirectoryUnavailable, err.Error())
	}
	if res.Status == StatusBlocked {
		return &BlockedError{Info: BlockedInfo{Reason: string(StatusBlocked), Message: res.Message, Since: nowFunc().UTC()}}
	}

	g.mu.Lock()
	g.blocked = nil
	g.blockedActor = ""
	g.mu.Unlock()
	return nil
}

func (g *Gateway) blockedGate() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.blocked != nil {
		return &BlockedError{Info: *g.blocked}
	}
	return nil
}

// observeBlock records a blocked response; from here on the session is
// unreachable until the block is cleared remotely.
func (g *Gateway) observeBlock(res DirectoryResult) error {
	info := BlockedInfo{Reason: string(StatusBlocked), Message: res.Message, Since: nowFunc().UTC()}

	g.mu.Lock()
	g.blocked = &info
	g.blockedActor = res.ActorID
	g.session = nil
	g.mu.Unlock()

	if g.creds != nil {
		if err := g.creds.Clear(); err != nil {
			g.logger.Warn("clearing credential cache", err)
		}
	}
	return &BlockedError{Info: info}
}

// establish replaces the process session; at most one is ever live.
func (g *Gateway) establish(res DirectoryResult, offline bool) (Session, error) {
	now := nowFunc().UTC()
	sess := Session{
		ActorID:       res.ActorID,
		Role:          res.Role,
		InstituteID:   res.InstituteID,
		EstablishedAt: now,
		ExpiresAt:     now.Add(g.sessionTTL),
		Offline:       offline,
	}
	if res.Token != "" {
		exp, err := TokenExpiry(res.Token)
		if err != nil {
			return Session{}, err
		}
		if !exp.IsZero() {
			sess.ExpiresAt = exp
		}
	}

	g.mu.Lock()
	g.session = &sess
	g.mu.Unlock()
	return sess, nil
}

func (g *Gateway) loginStudentOffline(studentID, password string, cause error) (Session, error) {
	if g.creds == nil {
		return Session{}, errors.Wrap(ErrDirectoryUnavailable, cause.Error())
	}
	cred, err := g.creds.Get(studentID)
	if err != nil {
		return Session{}, errors.Wrap(ErrDirectoryUnavailable, cause.Error())
	}
	if err := cred.CheckPassword(password); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	g.logger.Info("directory unreachable, student authenticated from credential cache")
	return g.establish(DirectoryResult{
		Status:      StatusOK,
		ActorID:     studentID,
		Role:        RoleStudent,
		InstituteID: cred.InstituteID,
	}, true)
}

func (g *Gateway) cacheCredential(studentID, instituteID, password string) {
	if g.creds == nil {
		return
	}
	hash, err := HashPassword(password)
	if err != nil {
		g.logger.Warn("hashing credential for cache", err)
		return
	}
	err = g.creds.Put(CachedCredential{
		StudentID:    studentID,
		InstituteID:  instituteID,
		PasswordHash: hash,
		CachedAt:     nowFunc().UTC(),
	})
	if err != nil {
		g.logger.Warn("caching credential", err)
	}
}
