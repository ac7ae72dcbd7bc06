package sync

import (
	"context"
	"fmt"
	sysync "sync"
	"time"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/entity"
)

var nowFunc = time.Now // mockable

// Engine drains the sync queue to the remote repository and pulls remote
// changes into the local store. It runs concurrently with user-initiated
// mutations; a flush works off a snapshot of the queue, so entries appended
// mid-flush wait for the next cycle.
type Engine struct {
	store  *entity.Store
	queue  Queue
	remote Remote
	logger core.Logger

	pushInterval time.Duration
	backoffFloor time.Duration
	backoffCap   time.Duration
	maxRetries   int

	mu         sysync.Mutex // single flush at a time
	lastReport Report
}

func NewEngine(conf *core.Config, store *entity.Store, queue Queue, remote Remote, logger core.Logger) *Engine {
	return &Engine{
		store:        store,
		queue:        queue,
		remote:       remote,
		logger:       logger,
		pushInterval: conf.Sync.PushInterval,
		backoffFloor: conf.Sync.BackoffFloor,
		backoffCap:   conf.Sync.BackoffCap,
		maxRetries:   conf.Sync.MaxRetries,
	}
}

// Run flushes on every push interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.FlushOnce(ctx); err != nil {
				e.logger.Error("sync flush failed", err)
			}
		}
	}
}

// LastReport returns the report of the most recent flush.
func (e *Engine) LastReport() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// FlushOnce attempts every due queue entry once and then pulls remote
// changes. It is always safe to call while offline: transient failures are
// backed off silently and the report simply shows no progress. The returned
// error covers local storage faults only.
func (e *Engine) FlushOnce(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var report Report
	now := nowFunc().UTC()

	due, err := e.queue.Due(now)
	if err != nil {
		return report, err
	}

	for _, entry := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		acked, err := e.pushEntry(ctx, entry)
		if err != nil {
			return report, err
		}
		if acked {
			report.Pushed++
		}
	}

	conflicts, err := e.queue.Conflicts()
	if err != nil {
		return report, err
	}
	report.Failed = len(conflicts)

	pulled, err := e.pull(ctx)
	if err != nil {
		return report, err
	}
	report.Pulled = pulled

	e.lastReport = report
	return report, nil
}

// pushEntry attempts one entry and updates the queue with the outcome.
// It reports whether the remote acknowledged the entry; the returned error
// covers local bookkeeping faults only.
func (e *Engine) pushEntry(ctx context.Context, entry Entry) (bool, error) {
	err := e.remote.Push(ctx, entry)
	if err == nil {
		acked, err := e.queue.Ack(entry.ID, entry.Version)
		if err != nil {
			return false, err
		}
		if !acked {
			// a newer local write collapsed in mid-flush; it pushes next cycle
			return true, nil
		}
		return true, e.store.MarkSynced(entry.Kind, entry.LocalID, nowFunc().UTC())
	}

	retries := entry.RetryCount + 1
	if IsPermanent(err) || retries >= e.maxRetries {
		parked, qErr := e.queue.MarkConflict(entry.ID, entry.Version, err.Error())
		if qErr != nil {
			return false, qErr
		}
		if !parked {
			return false, nil
		}
		e.logger.Warn(fmt.Sprintf("sync entry %s/%s gave up after %d attempts", entry.Kind, entry.Code, retries), err)
		return false, e.store.MarkConflict(entry.Kind, entry.LocalID)
	}

	next := nowFunc().UTC().Add(e.backoff(retries))
	e.logger.Debug(fmt.Sprintf("sync entry %s/%s retry %d scheduled", entry.Kind, entry.Code, retries))
	return false, e.queue.Fail(entry.ID, entry.Version, retries, next, err.Error())
}

// backoff is exponential on the retry count with a configurable floor and cap.
func (e *Engine) backoff(retryCount int) time.Duration {
	d := e.backoffFloor
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= e.backoffCap {
			return e.backoffCap
		}
	}
	return d
}

func (e *Engine) pull(ctx context.Context) (int, error) {
	var pulled int
	for _, kind := range entity.Kinds {
		since, err := e.queue.LastPulled(kind)
		if err != nil {
			return pulled, err
		}
		changes, err := e.remote.PullSince(ctx, kind, since)
		if err != nil {
			// offline or flaky remote: advisory only, try again next cycle
			e.logger.Debug(fmt.Sprintf("pull %s skipped", kind), err)
			continue
		}

		mark := since
		for _, ch := range changes {
			applied, err := e.store.ApplyRemote(ch.Kind, ch.Code, ch.InstituteID, ch.Payload, ch.UpdatedAt)
			if err != nil {
				return pulled, err
			}
			if applied {
				pulled++
			}
			if ch.UpdatedAt.After(mark) {
				mark = ch.UpdatedAt
			}
		}
		if mark.After(since) {
			if err := e.queue.SetLastPulled(kind, mark); err != nil {
				return pulled, err
			}
		}
	}
	return pulled, nil
}
