package database

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core/auth"
)

var errCredentialNotCached = errors.New("credential not cached")

// CredentialRepository keeps bcrypt-hashed student credentials between
// sessions so a known student can re-authenticate while offline.
type CredentialRepository struct {
	db *sqlx.DB
}

var _ auth.CredentialCache = (*CredentialRepository)(nil) // interface compliance check

func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

func (repo *CredentialRepository) Put(cred auth.CachedCredential) error {
	_, err := repo.db.Exec(`
		INSERT INTO cached_credentials (student_id, institute_id, password_hash, cached_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (student_id) DO UPDATE SET
			institute_id  = excluded.institute_id,
			password_hash = excluded.password_hash,
			cached_at     = excluded.cached_at`,
		cred.StudentID, cred.InstituteID, cred.PasswordHash, toMillis(cred.CachedAt),
	)
	return errors.Wrap(err, "caching credential")
}

func (repo *CredentialRepository) Get(studentID string) (auth.CachedCredential, error) {
	var row struct {
		StudentID    string `db:"student_id"`
		InstituteID  string `db:"institute_id"`
		PasswordHash []byte `db:"password_hash"`
		CachedAt     int64  `db:"cached_at"`
	}
	err := repo.db.Get(&row, `SELECT * FROM cached_credentials WHERE student_id = ?`, studentID)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return auth.CachedCredential{}, errCredentialNotCached
		}
		return auth.CachedCredential{}, errors.Wrap(err, "reading cached credential")
	}
	return auth.CachedCredential{
		StudentID:    row.StudentID,
		InstituteID:  row.InstituteID,
		PasswordHash: row.PasswordHash,
		CachedAt:     fromMillis(row.CachedAt),
	}, nil
}

func (repo *CredentialRepository) Clear() error {
	_, err := repo.db.Exec(`DELETE FROM cached_credentials`)
	return errors.Wrap(err, "clearing credential cache")
}
