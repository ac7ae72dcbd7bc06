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

type entityRow struct {
	ID          int64      `db:"id"`
	Kind        string     `db:"kind"`
	Code        string     `db:"code"`
	InstituteID string     `db:"institute_id"`
	Payload     []byte     `db:"payload"`
	SyncState   string     `db:"sync_state"`
	SyncedAt    null.Int64 `db:"synced_at"`
	CreatedAt   int64      `db:"created_at"`
	UpdatedAt   int64      `db:"updated_at"`
}

func (r entityRow) record() entity.Record {
	return entity.Record{
		LocalID:     r.ID,
		Kind:        entity.Kind(r.Kind),
		Code:        r.Code,
		InstituteID: r.InstituteID,
		Payload:     json.RawMessage(r.Payload),
		SyncState:   entity.SyncState(r.SyncState),
		CreatedAt:   fromMillis(r.CreatedAt),
		UpdatedAt:   fromMillis(r.UpdatedAt),
	}
}

type EntityRepository struct {
	db *sqlx.DB
}

var _ entity.Repository = (*EntityRepository)(nil) // interface compliance check

func NewEntityRepository(db *sqlx.DB) *EntityRepository {
	return &EntityRepository{db: db}
}

func (repo *EntityRepository) NextSequence(instituteID string, kind entity.Kind) (int64, error) {
	var seq int64
	err := repo.db.QueryRow(`
		INSERT INTO counters (institute_id, kind, seq) VALUES (?, ?, 1)
		ON CONFLICT (institute_id, kind) DO UPDATE SET seq = seq + 1
		RETURNING seq`,
		instituteID, string(kind),
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "allocating sequence")
	}
	return seq, nil
}

func (repo *EntityRepository) BumpSequence(instituteID string, kind entity.Kind, seq int64) error {
	_, err := repo.db.Exec(`
		INSERT INTO counters (institute_id, kind, seq) VALUES (?, ?, ?)
		ON CONFLICT (institute_id, kind) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
		instituteID, string(kind), seq,
	)
	return errors.Wrap(err, "bumping sequence")
}

// CreateRecord persists the record; a pending record gets its sync queue
// entry in the same transaction.
func (repo *EntityRepository) CreateRecord(rec entity.Record) (entity.Record, error) {
	tx, err := repo.db.Beginx()
	if err != nil {
		return entity.Record{}, errors.Wrap(err, "beginning tx")
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRow(`
		INSERT INTO entities (kind, code, institute_id, payload, sync_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		string(rec.Kind), rec.Code, rec.InstituteID, []byte(rec.Payload), string(rec.SyncState),
		toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt),
	).Scan(&rec.LocalID)
	if err != nil {
		return entity.Record{}, errors.Wrap(err, "inserting record")
	}

	if rec.SyncState == entity.SyncPending {
		if err = journal(tx, rec, syncq.OpCreate); err != nil {
			return entity.Record{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return entity.Record{}, errors.Wrap(err, "committing record")
	}
	return rec, nil
}

// UpdateRecord rewrites the record payload and bookkeeping; a pending record
// gets its queue entry re-journaled in the same transaction, collapsing into
// any still-unacknowledged entry for the same record.
func (repo *EntityRepository) UpdateRecord(rec entity.Record) (entity.Record, error) {
	tx, err := repo.db.Beginx()
	if err != nil {
		return entity.Record{}, errors.Wrap(err, "beginning tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`
		UPDATE entities SET payload = ?, sync_state = ?, updated_at = ?
		WHERE kind = ? AND id = ?`,
		[]byte(rec.Payload), string(rec.SyncState), toMillis(rec.UpdatedAt),
		string(rec.Kind), rec.LocalID,
	)
	if err != nil {
		return entity.Record{}, errors.Wrap(err, "updating record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return entity.Record{}, entity.ErrNotFound
	}

	if rec.SyncState == entity.SyncPending {
		if err = journal(tx, rec, syncq.OpUpdate); err != nil {
			return entity.Record{}, err
		}
	}
	if err = tx.Commit(); err != nil {
		return entity.Record{}, errors.Wrap(err, "committing record")
	}
	return rec, nil
}

func (repo *EntityRepository) GetRecord(kind entity.Kind, localID int64) (entity.Record, error) {
	var row entityRow
	err := repo.db.Get(&row, `SELECT * FROM entities WHERE kind = ? AND id = ?`, string(kind), localID)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return entity.Record{}, entity.ErrNotFound
		}
		return entity.Record{}, errors.Wrap(err, "getting record")
	}
	return row.record(), nil
}

func (repo *EntityRepository) GetRecordByCode(kind entity.Kind, code string) (entity.Record, error) {
	var row entityRow
	err := repo.db.Get(&row, `SELECT * FROM entities WHERE kind = ? AND code = ?`, string(kind), code)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return entity.Record{}, entity.ErrNotFound
		}
		return entity.Record{}, errors.Wrap(err, "getting record by code")
	}
	return row.record(), nil
}

func (repo *EntityRepository) QueryRecords(kind entity.Kind) ([]entity.Record, error) {
	var rows []entityRow
	err := repo.db.Select(&rows, `SELECT * FROM entities WHERE kind = ? ORDER BY id`, string(kind))
	if err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	recs := make([]entity.Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, row.record())
	}
	return recs, nil
}

// MarkSynced flips a record to synced unless a newer pending queue entry for
// it appeared since the acknowledged snapshot.
func (repo *EntityRepository) MarkSynced(kind entity.Kind, localID int64, at time.Time) error {
	_, err := repo.db.Exec(`
		UPDATE entities SET sync_state = ?, synced_at = ?
		WHERE kind = ? AND id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM sync_queue
			WHERE kind = entities.kind AND local_id = entities.id AND status = 'pending'
		  )`,
		string(entity.SyncSynced), toMillis(at), string(kind), localID,
	)
	return errors.Wrap(err, "marking synced")
}

func (repo *EntityRepository) MarkConflict(kind entity.Kind, localID int64) error {
	_, err := repo.db.Exec(`UPDATE entities SET sync_state = ? WHERE kind = ? AND id = ?`,
		string(entity.SyncConflict), string(kind), localID,
	)
	return errors.Wrap(err, "marking conflict")
}

// journal upserts the record's sync queue entry inside the caller's
// transaction. A still-unacknowledged entry for the same record is collapsed
// into: payload refreshed, version bumped, retries reset, original operation
// and enqueue position kept.
func journal(tx *sqlx.Tx, rec entity.Record, op string) error {
	now := toMillis(rec.UpdatedAt)
	_, err := tx.Exec(`
		INSERT INTO sync_queue (id, kind, local_id, code, institute_id, op, payload, status, retry_count, next_attempt_at, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT (kind, local_id) DO UPDATE SET
			version         = version + 1,
			payload         = excluded.payload,
			status          = 'pending',
			retry_count     = 0,
			next_attempt_at = excluded.next_attempt_at,
			last_error      = NULL`,
		uuid.NewString(), string(rec.Kind), rec.LocalID, rec.Code, rec.InstituteID, op,
		[]byte(rec.Payload), now, now,
	)
	return errors.Wrap(err, "journaling sync entry")
}
