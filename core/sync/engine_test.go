package sync

import (
	"context"
	"encoding/json"
	"fmt"
	sysync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/entity"
)

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(...*core.Message) {}

// memBackend implements entity.Repository and Queue over the same maps,
// mirroring the durable contract: pending record writes journal a queue entry,
// a newer write collapses into an existing pending entry bumping its version,
// and MarkSynced refuses to flip a record that was re-pended mid-flush.
type memBackend struct {
	mu sysync.Mutex

	nextID   int64
	records  map[int64]entity.Record
	counters map[string]int64

	order   []uuid.UUID
	entries map[uuid.UUID]*Entry
	status  map[uuid.UUID]string
	pulls   map[entity.Kind]time.Time
}

// MarkConflict means something different to each interface, so the shared
// backend is exposed through two thin views.
type (
	memRepo  struct{ *memBackend }
	memQueue struct{ *memBackend }
)

var (
	_ entity.Repository = memRepo{}
	_ Queue             = memQueue{}
)

func newMemBackend() *memBackend {
	return &memBackend{
		records:  make(map[int64]entity.Record),
		counters: make(map[string]int64),
		entries:  make(map[uuid.UUID]*Entry),
		status:   make(map[uuid.UUID]string),
		pulls:    make(map[entity.Kind]time.Time),
	}
}

// entity.Repository

func (b *memBackend) NextSequence(instituteID string, kind entity.Kind) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := instituteID + "|" + string(kind)
	b.counters[key]++
	return b.counters[key], nil
}

func (b *memBackend) BumpSequence(instituteID string, kind entity.Kind, seq int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := instituteID + "|" + string(kind)
	if seq > b.counters[key] {
		b.counters[key] = seq
	}
	return nil
}

func (b *memBackend) CreateRecord(rec entity.Record) (entity.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	rec.LocalID = b.nextID
	b.records[rec.LocalID] = rec
	if rec.SyncState == entity.SyncPending {
		b.journal(rec, OpCreate)
	}
	return rec, nil
}

func (b *memBackend) UpdateRecord(rec entity.Record) (entity.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.records[rec.LocalID]; !ok {
		return entity.Record{}, entity.ErrNotFound
	}
	b.records[rec.LocalID] = rec
	if rec.SyncState == entity.SyncPending {
		b.journal(rec, OpUpdate)
	}
	return rec, nil
}

func (b *memBackend) journal(rec entity.Record, op string) {
	for _, id := range b.order {
		e := b.entries[id]
		if e.Kind == rec.Kind && e.LocalID == rec.LocalID && b.status[id] != "" {
			// collapse into the live entry; one entry per record
			e.Version++
			e.Payload = rec.Payload
			e.RetryCount = 0
			e.NextAttemptAt = time.Time{}
			b.status[id] = "pending"
			return
		}
	}
	e := &Entry{
		ID:          uuid.New(),
		Version:     1,
		Kind:        rec.Kind,
		LocalID:     rec.LocalID,
		Code:        rec.Code,
		InstituteID: rec.InstituteID,
		Op:          op,
		Payload:     rec.Payload,
		EnqueuedAt:  rec.UpdatedAt,
	}
	b.order = append(b.order, e.ID)
	b.entries[e.ID] = e
	b.status[e.ID] = "pending"
}

func (b *memBackend) GetRecord(kind entity.Kind, localID int64) (entity.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[localID]
	if !ok || rec.Kind != kind {
		return entity.Record{}, entity.ErrNotFound
	}
	return rec, nil
}

func (b *memBackend) GetRecordByCode(kind entity.Kind, code string) (entity.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range b.records {
		if rec.Kind == kind && rec.Code == code {
			return rec, nil
		}
	}
	return entity.Record{}, entity.ErrNotFound
}

func (b *memBackend) QueryRecords(kind entity.Kind) ([]entity.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var recs []entity.Record
	for id := int64(1); id <= b.nextID; id++ {
		if rec, ok := b.records[id]; ok && rec.Kind == kind {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (b *memBackend) MarkSynced(kind entity.Kind, localID int64, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.entries {
		if e.Kind == kind && e.LocalID == localID && b.status[id] == "pending" {
			return nil // re-pended mid-flush; leave it alone
		}
	}
	rec, ok := b.records[localID]
	if !ok || rec.Kind != kind {
		return entity.ErrNotFound
	}
	rec.SyncState = entity.SyncSynced
	b.records[localID] = rec
	return nil
}

func (r memRepo) MarkConflict(kind entity.Kind, localID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[localID]
	if !ok || rec.Kind != kind {
		return entity.ErrNotFound
	}
	rec.SyncState = entity.SyncConflict
	r.records[localID] = rec
	return nil
}

// Queue

func (b *memBackend) Due(now time.Time) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var due []Entry
	for _, id := range b.order {
		e := b.entries[id]
		if b.status[id] == "pending" && !e.NextAttemptAt.After(now) {
			due = append(due, *e)
		}
	}
	return due, nil
}

func (b *memBackend) Ack(id uuid.UUID, version int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || b.status[id] != "pending" || e.Version != version {
		return false, nil
	}
	delete(b.entries, id)
	delete(b.status, id)
	return true, nil
}

func (b *memBackend) Fail(id uuid.UUID, version, retryCount int, nextAttemptAt time.Time, lastError string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	if !ok || e.Version != version {
		return nil
	}
	e.RetryCount = retryCount
	e.NextAttemptAt = nextAttemptAt
	return nil
}

func (q memQueue) MarkConflict(id uuid.UUID, version int, lastError string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok || e.Version != version {
		return false, nil
	}
	q.status[id] = "conflict"
	return true, nil
}

func (b *memBackend) Conflicts() ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var parked []Entry
	for _, id := range b.order {
		if b.status[id] == "conflict" {
			parked = append(parked, *b.entries[id])
		}
	}
	return parked, nil
}

func (b *memBackend) LastPulled(kind entity.Kind) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulls[kind], nil
}

func (b *memBackend) SetLastPulled(kind entity.Kind, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pulls[kind] = at
	return nil
}

// fakeRemote answers pushes and pulls from canned state.
type fakeRemote struct {
	mu       sysync.Mutex
	pushErr  error
	pushHook func(Entry) // runs before the push outcome, mid-flight
	pushed   []Entry
	changes  []Change
	pullErr  error
}

var _ Remote = (*fakeRemote)(nil)

func (r *fakeRemote) Push(_ context.Context, e Entry) error {
	r.mu.Lock()
	hook, err := r.pushHook, r.pushErr
	r.mu.Unlock()
	if hook != nil {
		hook(e)
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.pushed = append(r.pushed, e)
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) PullSince(_ context.Context, kind entity.Kind, since time.Time) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pullErr != nil {
		return nil, r.pullErr
	}
	var out []Change
	for _, ch := range r.changes {
		if ch.Kind == kind && ch.UpdatedAt.After(since) {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (r *fakeRemote) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushErr = err
}

func setup(t *testing.T, maxRetries int) (*Engine, *entity.Store, *memBackend, *fakeRemote) {
	t.Cleanup(func() { nowFunc = time.Now })

	conf := new(core.Config)
	conf.Sync.PushInterval = time.Minute
	conf.Sync.BackoffFloor = time.Second
	conf.Sync.BackoffCap = 8 * time.Second
	conf.Sync.MaxRetries = maxRetries

	backend := newMemBackend()
	store := entity.NewStore(memRepo{backend}, nopDispatcher{}, core.NopLogger{})
	remote := new(fakeRemote)
	engine := NewEngine(conf, store, memQueue{backend}, remote, core.NopLogger{})
	return engine, store, backend, remote
}

func classRoomPayload(name string) entity.ClassRoom {
	return entity.ClassRoom{Name: name, Level: "4"}
}

func Test_Engine_offlineRoundTrip(t *testing.T) {
	engine, store, backend, remote := setup(t, 5)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return start }

	// authored offline
	r1, err := store.Create("inst-a", entity.KindClassRoom, classRoomPayload("4 East"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	r2, err := store.Create("inst-a", entity.KindClassRoom, classRoomPayload("4 West"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// remote down: nothing pushed, entries backed off, no error surfaced
	remote.setErr(fmt.Errorf("connection refused"))
	report, err := engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.True(t, report.Empty())

	rec, _ := store.Get(entity.KindClassRoom, r1.LocalID)
	assert.Equal(t, entity.SyncPending, rec.SyncState)

	// still inside the backoff window: entries are not due
	remote.setErr(nil)
	report, err = engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, 0, report.Pushed)

	// connectivity restored past the backoff: everything drains in order
	nowFunc = func() time.Time { return start.Add(2 * time.Second) }
	report, err = engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, Report{Pushed: 2}, report)
	assert.Equal(t, report, engine.LastReport())

	if assert.Len(t, remote.pushed, 2) {
		assert.Equal(t, r1.Code, remote.pushed[0].Code)
		assert.Equal(t, r2.Code, remote.pushed[1].Code)
	}
	rec, _ = store.Get(entity.KindClassRoom, r1.LocalID)
	assert.Equal(t, entity.SyncSynced, rec.SyncState)

	due, _ := backend.Due(nowFunc().Add(time.Hour))
	assert.Empty(t, due)

	// nothing left: a second flush is a no-op
	report, err = engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.True(t, report.Empty())
}

func Test_Engine_backoffDoublesUpToCap(t *testing.T) {
	engine, _, _, _ := setup(t, 10)

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second}, // capped
		{9, 8 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, engine.backoff(tt.retry), "retry %d", tt.retry)
	}
}

func Test_Engine_givesUpAfterMaxRetries(t *testing.T) {
	engine, store, backend, remote := setup(t, 3)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	nowFunc = func() time.Time { return now }

	rec, err := store.Create("inst-a", entity.KindClassRoom, classRoomPayload("4 East"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	remote.setErr(fmt.Errorf("connection refused"))

	// attempts 1 and 2 back off, attempt 3 gives up
	for i := 0; i < 3; i++ {
		if _, err := engine.FlushOnce(ctx); err != nil {
			t.Fatalf("FlushOnce() failed: %v", err)
		}
		now = now.Add(time.Minute) // well past any backoff
	}

	got, _ := store.Get(entity.KindClassRoom, rec.LocalID)
	assert.Equal(t, entity.SyncConflict, got.SyncState)

	conflicts, _ := backend.Conflicts()
	assert.Len(t, conflicts, 1)

	// a parked entry is reported on every flush, never resubmitted
	remote.setErr(nil)
	report, err := engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, Report{Failed: 1}, report)
	assert.Empty(t, remote.pushed)
}

func Test_Engine_permanentErrorParksImmediately(t *testing.T) {
	engine, store, backend, remote := setup(t, 5)
	ctx := context.Background()

	rec, err := store.Create("inst-a", entity.KindClassRoom, classRoomPayload("4 East"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	remote.setErr(fmt.Errorf("duplicate admission code: %w", ErrPermanent))

	report, err := engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, Report{Failed: 1}, report)

	got, _ := store.Get(entity.KindClassRoom, rec.LocalID)
	assert.Equal(t, entity.SyncConflict, got.SyncState)

	conflicts, _ := backend.Conflicts()
	if assert.Len(t, conflicts, 1) {
		assert.Equal(t, rec.Code, conflicts[0].Code)
	}
}

func Test_Engine_midFlightWriteIsNotLost(t *testing.T) {
	engine, store, backend, remote := setup(t, 5)
	ctx := context.Background()

	rec, err := store.Create("inst-a", entity.KindClassRoom, classRoomPayload("4 East"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	// a local edit lands while the entry is in flight: the queue entry
	// collapses to a new version and the stale ack must not delete it
	remote.pushHook = func(Entry) {
		remote.pushHook = nil
		if _, err := store.Update(entity.KindClassRoom, rec.LocalID, map[string]interface{}{"name": "4 East B"}); err != nil {
			t.Errorf("Update() failed: %v", err)
		}
	}

	report, err := engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, 1, report.Pushed)

	// the record stayed pending and the collapsed entry is still queued
	got, _ := store.Get(entity.KindClassRoom, rec.LocalID)
	assert.Equal(t, entity.SyncPending, got.SyncState)
	due, _ := backend.Due(time.Now().Add(time.Hour))
	if assert.Len(t, due, 1) {
		assert.Equal(t, 2, due[0].Version)
	}

	// next cycle drains the newer payload
	report, err = engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, 1, report.Pushed)

	last := remote.pushed[len(remote.pushed)-1]
	cls, err := entity.Record{Payload: last.Payload}.ClassRoom()
	if err != nil {
		t.Fatalf("decoding pushed payload: %v", err)
	}
	assert.Equal(t, "4 East B", cls.Name)

	got, _ = store.Get(entity.KindClassRoom, rec.LocalID)
	assert.Equal(t, entity.SyncSynced, got.SyncState)
}

func Test_Engine_pull(t *testing.T) {
	engine, store, backend, remote := setup(t, 5)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	payload := func(name string) json.RawMessage {
		data, _ := json.Marshal(classRoomPayload(name))
		return data
	}

	pending, err := store.Create("inst-a", entity.KindClassRoom, classRoomPayload("Local Draft"))
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	remote.changes = []Change{
		{Kind: entity.KindClassRoom, Code: "CLS-009", InstituteID: "inst-a", Payload: payload("Remote Room"), UpdatedAt: base},
		{Kind: entity.KindClassRoom, Code: pending.Code, InstituteID: "inst-a", Payload: payload("Remote Clobber"), UpdatedAt: base.Add(time.Hour)},
	}
	remote.setErr(fmt.Errorf("push lane down")) // pull still proceeds

	report, err := engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	// only the unseen remote record lands; the pending local one is protected
	assert.Equal(t, 1, report.Pulled)

	adopted, err := store.GetByCode(entity.KindClassRoom, "CLS-009")
	if err != nil {
		t.Fatalf("GetByCode() failed: %v", err)
	}
	assert.Equal(t, entity.SyncSynced, adopted.SyncState)

	local, _ := store.Get(entity.KindClassRoom, pending.LocalID)
	cls, _ := local.ClassRoom()
	assert.Equal(t, "Local Draft", cls.Name)

	// the pull mark advanced to the newest observed change
	mark, _ := backend.LastPulled(entity.KindClassRoom)
	assert.Equal(t, base.Add(time.Hour), mark)

	// nothing new since the mark: the next pull is empty
	report, err = engine.FlushOnce(ctx)
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.Equal(t, 0, report.Pulled)
}

func Test_Engine_pullFailureIsAdvisory(t *testing.T) {
	engine, _, _, remote := setup(t, 5)
	remote.pullErr = fmt.Errorf("connection refused")

	report, err := engine.FlushOnce(context.Background())
	if err != nil {
		t.Fatalf("FlushOnce() failed: %v", err)
	}
	assert.True(t, report.Empty())
}
