package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/shulehub/shule/core"
)

var (
	nowFunc = time.Now // mockable

	// errors
	ErrNotFound    = errors.New("entity not found")
	ErrInvalidKind = errors.New("unknown entity kind")
)

type (
	// Repository is the durable mapping behind the store. Mutating methods
	// journal a sync queue entry in the same transaction as the record write
	// whenever the record's SyncState is pending, so a pending record and its
	// queue entry can never exist without each other.
	Repository interface {
		// NextSequence increments and returns the business-code counter
		// scoped to (instituteID, kind).
		NextSequence(instituteID string, kind Kind) (int64, error)
		// BumpSequence raises the counter to at least seq; it never lowers it.
		BumpSequence(instituteID string, kind Kind, seq int64) error
		CreateRecord(rec Record) (Record, error)
		UpdateRecord(rec Record) (Record, error)
		GetRecord(kind Kind, localID int64) (Record, error)
		GetRecordByCode(kind Kind, code string) (Record, error)
		QueryRecords(kind Kind) ([]Record, error)
		MarkSynced(kind Kind, localID int64, at time.Time) error
		MarkConflict(kind Kind, localID int64) error
	}

	// Store is the authoritative local view of all entities. Reads are
	// synchronous and local; mutations are serialized through one writer so
	// business-code allocation and queue bookkeeping stay race-free.
	Store struct {
		mu         sync.Mutex // serializes mutations; reads go straight to the repo
		repo       Repository
		dispatcher core.Dispatcher
		logger     core.Logger
	}
)

func NewStore(repo Repository, dispatcher core.Dispatcher, logger core.Logger) *Store {
	return &Store{repo: repo, dispatcher: dispatcher, logger: logger}
}

// Create allocates a fresh local key and business code, persists the record
// as sync-pending and journals it for the sync engine. It never waits on the
// network.
func (s *Store) Create(instituteID string, kind Kind, payload interface{}) (Record, error) {
	if !kind.Valid() {
		return Record{}, ErrInvalidKind
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.repo.NextSequence(instituteID, kind)
	if err != nil {
		return Record{}, err
	}

	now := nowFunc().UTC()
	rec := Record{
		Kind:        kind,
		Code:        FormatCode(kind, seq),
		InstituteID: instituteID,
		Payload:     data,
		SyncState:   SyncPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return s.repo.CreateRecord(rec)
}

// CreateStudent validates and admits a new student, then dispatches a welcome
// message carrying the admission code. Notification failures never block
// admission; the Dispatcher owns them.
func (s *Store) CreateStudent(instituteID string, ns Student) (Record, error) {
	if err := ns.Validate(); err != nil {
		return Record{}, err
	}
	rec, err := s.Create(instituteID, KindStudent, ns)
	if err != nil {
		return Record{}, err
	}

	msg := &core.Message{
		Phone:   ns.Phone,
		Subject: "Welcome",
		Body:    fmt.Sprintf("Welcome %s! Your admission number is %s.", ns.Name, rec.Code),
	}
	if ns.Email != "" {
		msg.To = mail.Address{Name: ns.Name, Address: ns.Email}
	}
	s.dispatcher.Dispatch(msg)
	return rec, nil
}

// Update merges `patch` into the record payload, bumps UpdatedAt and
// re-journals the record. An update landing on a still-pending create
// collapses into the existing queue entry instead of duplicating it.
func (s *Store) Update(kind Kind, localID int64, patch map[string]interface{}) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.GetRecord(kind, localID)
	if err != nil {
		return Record{}, err
	}

	merged, err := mergePayload(rec.Payload, patch)
	if err != nil {
		return Record{}, err
	}
	rec.Payload = merged
	rec.SyncState = SyncPending
	rec.UpdatedAt = nowFunc().UTC()
	return s.repo.UpdateRecord(rec)
}

// Get returns one record by its local key.
func (s *Store) Get(kind Kind, localID int64) (Record, error) {
	return s.repo.GetRecord(kind, localID)
}

// GetByCode returns one record by its business code.
func (s *Store) GetByCode(kind Kind, code string) (Record, error) {
	return s.repo.GetRecordByCode(kind, code)
}

// Query returns all records of `kind` matching `predicate`; it is local-only
// and never blocks on the network. A nil predicate matches everything.
func (s *Store) Query(kind Kind, predicate func(Record) bool) ([]Record, error) {
	recs, err := s.repo.QueryRecords(kind)
	if err != nil {
		return nil, err
	}
	if predicate == nil {
		return recs, nil
	}
	matched := recs[:0]
	for _, rec := range recs {
		if predicate(rec) {
			matched = append(matched, rec)
		}
	}
	return matched, nil
}

// FindStudentByPhone returns the student record registered under `phone`.
func (s *Store) FindStudentByPhone(phone string) (Record, Student, error) {
	recs, err := s.repo.QueryRecords(KindStudent)
	if err != nil {
		return Record{}, Student{}, err
	}
	for _, rec := range recs {
		st, err := rec.Student()
		if err != nil {
			continue
		}
		if st.Phone == phone {
			return rec, st, nil
		}
	}
	return Record{}, Student{}, ErrNotFound
}

// MarkSynced flips a record to synced once its queue entry is acknowledged.
func (s *Store) MarkSynced(kind Kind, localID int64, at time.Time) error {
	return s.repo.MarkSynced(kind, localID, at)
}

// MarkConflict surfaces a permanently failed record.
func (s *Store) MarkConflict(kind Kind, localID int64) error {
	return s.repo.MarkConflict(kind, localID)
}

// ApplyRemote folds one pulled remote change into the local store using
// last-writer-wins on UpdatedAt. A local record whose SyncState is pending is
// never overwritten: un-synced local edits win until acknowledged. It reports
// whether the change was applied.
func (s *Store) ApplyRemote(kind Kind, code, instituteID string, payload json.RawMessage, updatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.GetRecordByCode(kind, code)
	switch {
	case errors.Is(err, ErrNotFound):
		// first sight of a record authored elsewhere: adopt it as synced,
		// keeping its business code, and raise the local counter so future
		// local creates cannot mint a colliding code
		if seq, ok := CodeSequence(code); ok {
			if err := s.repo.BumpSequence(instituteID, kind, seq); err != nil {
				return false, err
			}
		}
		now := nowFunc().UTC()
		_, err = s.repo.CreateRecord(Record{
			Kind:        kind,
			Code:        code,
			InstituteID: instituteID,
			Payload:     payload,
			SyncState:   SyncSynced,
			CreatedAt:   now,
			UpdatedAt:   updatedAt.UTC(),
		})
		return err == nil, err
	case err != nil:
		return false, err
	}

	if rec.SyncState == SyncPending {
		return false, nil // local pending write wins
	}
	if !updatedAt.After(rec.UpdatedAt) {
		return false, nil // stale remote read
	}

	rec.Payload = payload
	rec.SyncState = SyncSynced
	rec.UpdatedAt = updatedAt.UTC()
	_, err = s.repo.UpdateRecord(rec)
	return err == nil, err
}

func mergePayload(orig json.RawMessage, patch map[string]interface{}) (json.RawMessage, error) {
	merged := make(map[string]interface{})
	if len(orig) > 0 {
		if err := json.Unmarshal(orig, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	return json.Marshal(merged)
}
