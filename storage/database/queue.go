package database

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/shulehub/shule/core/entity"
	syncq "github.com/shulehub/shule/core/sync"
)

type queueRow struct {
	ID            string      `db:"id"`
	Version       int         `db:"version"`
	Kind          string      `db:"kind"`
	LocalID       int64       `db:"local_id"`
	Code          string      `db:"code"`
	InstituteID   string      `db:"institute_id"`
	Op            string      `db:"op"`
	Payload       []byte      `db:"payload"`
	Status        string      `db:"status"`
	RetryCount    int         `db:"retry_count"`
	NextAttemptAt int64       `db:"next_attempt_at"`
	EnqueuedAt    int64       `db:"enqueued_at"`
	LastError     null.String `db:"last_error"`
}

func (r queueRow) entry() (syncq.Entry, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return syncq.Entry{}, errors.Wrap(err, "parsing entry id")
	}
	return syncq.Entry{
		ID:            id,
		Version:       r.Version,
		Kind:          entity.Kind(r.Kind),
		LocalID:       r.LocalID,
		Code:          r.Code,
		InstituteID:   r.InstituteID,
		Op:            r.Op,
		Payload:       json.RawMessage(r.Payload),
		EnqueuedAt:    fromMillis(r.EnqueuedAt),
		RetryCount:    r.RetryCount,
		NextAttemptAt: fromMillis(r.NextAttemptAt),
	}, nil
}

// QueueRepository is the durable sync queue. Entries are written by
// EntityRepository inside record transactions; this repository only reads and
// settles them.
type QueueRepository struct {
	db *sqlx.DB
}

var _ syncq.Queue = (*QueueRepository)(nil) // interface compliance check

func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (repo *QueueRepository) Due(now time.Time) ([]syncq.Entry, error) {
	var rows []queueRow
	err := repo.db.Select(&rows, `
		SELECT * FROM sync_queue
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY enqueued_at, local_id`,
		toMillis(now),
	)
	if err != nil {
		return nil, errors.Wrap(err, "listing due entries")
	}
	return rowsToEntries(rows)
}

func (repo *QueueRepository) Ack(id uuid.UUID, version int) (bool, error) {
	res, err := repo.db.Exec(`DELETE FROM sync_queue WHERE id = ? AND version = ?`, id.String(), version)
	if err != nil {
		return false, errors.Wrap(err, "acking entry")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (repo *QueueRepository) Fail(id uuid.UUID, version, retryCount int, nextAttemptAt time.Time, lastError string) error {
	_, err := repo.db.Exec(`
		UPDATE sync_queue SET retry_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ? AND version = ?`,
		retryCount, toMillis(nextAttemptAt), lastError, id.String(), version,
	)
	return errors.Wrap(err, "recording entry failure")
}

func (repo *QueueRepository) MarkConflict(id uuid.UUID, version int, lastError string) (bool, error) {
	res, err := repo.db.Exec(`
		UPDATE sync_queue SET status = 'conflict', last_error = ?
		WHERE id = ? AND version = ?`,
		lastError, id.String(), version,
	)
	if err != nil {
		return false, errors.Wrap(err, "parking entry")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (repo *QueueRepository) Conflicts() ([]syncq.Entry, error) {
	var rows []queueRow
	err := repo.db.Select(&rows, `SELECT * FROM sync_queue WHERE status = 'conflict' ORDER BY enqueued_at, local_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing conflicts")
	}
	return rowsToEntries(rows)
}

func (repo *QueueRepository) LastPulled(kind entity.Kind) (time.Time, error) {
	var ms int64
	err := repo.db.Get(&ms, `SELECT pulled_at FROM pull_marks WHERE kind = ?`, string(kind))
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, errors.Wrap(err, "reading pull mark")
	}
	return fromMillis(ms), nil
}

func (repo *QueueRepository) SetLastPulled(kind entity.Kind, at time.Time) error {
	_, err := repo.db.Exec(`
		INSERT INTO pull_marks (kind, pulled_at) VALUES (?, ?)
		ON CONFLICT (kind) DO UPDATE SET pulled_at = excluded.pulled_at`,
		string(kind), toMillis(at),
	)
	return errors.Wrap(err, "writing pull mark")
}

func rowsToEntries(rows []queueRow) ([]syncq.Entry, error) {
	entries := make([]syncq.Entry, 0, len(rows))
	for _, row := range rows {
		e, err := row.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
