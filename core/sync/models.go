package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shulehub/shule/core/entity"
)

// Operations carried by queue entries.
const (
	OpCreate = "create"
	OpUpdate = "update"
)

var (
	// ErrPermanent marks a push failure that must not be retried; anything
	// else is treated as transient and backed off.
	ErrPermanent = errors.New("permanent sync failure")
)

// IsPermanent reports whether a remote error must surface as a conflict.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

type (
	// Entry is one durable pending local mutation awaiting remote
	// acknowledgment. It is appended on every local write and removed only
	// after the remote ack.
	// A newer local write collapses into the existing entry for the same
	// record, bumping Version; queue updates from an in-flight flush are
	// guarded by Version so a collapsed-in payload is never lost.
	Entry struct {
		ID            uuid.UUID
		Version       int
		Kind          entity.Kind
		LocalID       int64
		Code          string
		InstituteID   string
		Op            string
		Payload       json.RawMessage // snapshot at enqueue time
		EnqueuedAt    time.Time
		RetryCount    int
		NextAttemptAt time.Time
	}

	// Change is one remote-authored record version returned by a pull.
	Change struct {
		Kind        entity.Kind     `json:"kind"`
		Code        string          `json:"code"`
		InstituteID string          `json:"institute_id"`
		Payload     json.RawMessage `json:"payload"`
		UpdatedAt   time.Time       `json:"updated_at"`
	}

	// Report summarizes one flush pass.
	Report struct {
		Pushed int `json:"pushed"`
		Failed int `json:"failed"`
		Pulled int `json:"pulled"`
	}

	// Remote is the remote entity repository contract. Push errors wrapping
	// ErrPermanent are conflicts; all other errors are transient.
	Remote interface {
		Push(ctx context.Context, e Entry) error
		PullSince(ctx context.Context, kind entity.Kind, since time.Time) ([]Change, error)
	}

	// Queue is the durable sync queue behind the engine.
	Queue interface {
		// Due returns pending entries whose NextAttemptAt is not after `now`,
		// in enqueue order. Entries appended after the snapshot is taken are
		// picked up on the next cycle.
		Due(now time.Time) ([]Entry, error)
		// Ack removes an acknowledged entry, unless a newer local write
		// collapsed into it since the snapshot; it reports whether the entry
		// was removed.
		Ack(id uuid.UUID, version int) (bool, error)
		// Fail schedules an entry's next attempt after a transient failure;
		// a version mismatch makes it a no-op.
		Fail(id uuid.UUID, version, retryCount int, nextAttemptAt time.Time, lastError string) error
		// MarkConflict parks an entry permanently; it is reported, never
		// retried. A version mismatch makes it a no-op; it reports whether
		// the entry was parked.
		MarkConflict(id uuid.UUID, version int, lastError string) (bool, error)
		// Conflicts returns all parked entries.
		Conflicts() ([]Entry, error)
		// LastPulled returns the last successfully observed remote timestamp
		// for a kind; zero time when the kind has never been pulled.
		LastPulled(kind entity.Kind) (time.Time, error)
		SetLastPulled(kind entity.Kind, at time.Time) error
	}
)

func (r Report) Empty() bool { return r.Pushed == 0 && r.Failed == 0 && r.Pulled == 0 }
