package queue

import (
	"context"
	"log"
	"math"
	"os"
	"sync"
	"time"
)

// Worker executes one transfer for a download snapshot, writing progress
// and a terminal status back into the store before returning.
type Worker interface {
	Execute(ctx context.Context, job Snapshot)
}

// Delay before re-checking active work that failed to report completion
// through a store notification. Monitoring only, never a cancellation.
const finalUpdateDelay = 5 * time.Minute

// Scheduler reconciles the store against its live view of downloads and
// dispatches ready work to a bounded pool. The store is the source of truth;
// the live map is a rebuildable projection keyed by id.
type Scheduler struct {
	store  *Store
	sys    System
	worker Worker
	pool   *Pool

	// trigger coalesces re-scan requests: a pending trigger absorbs new ones.
	trigger chan struct{}

	// finalDelay is how long after an active pass the safety-net re-check
	// fires. Tests shorten it.
	finalDelay time.Duration

	mu        sync.Mutex
	downloads map[int64]*DownloadRecord
	onUpdate  func([]Snapshot)

	timerMu    sync.Mutex
	finalTimer *time.Timer
	retryTimer *time.Timer
}

func NewScheduler(store *Store, sys System, worker Worker, poolSize int) *Scheduler {
	return &Scheduler{
		store:      store,
		sys:        sys,
		worker:     worker,
		pool:       NewPool(poolSize),
		trigger:    make(chan struct{}, 1),
		finalDelay: finalUpdateDelay,
		downloads:  make(map[int64]*DownloadRecord),
	}
}

// SetOnUpdate registers the listener receiving the live-download snapshot
// emitted once per reconciliation pass.
func (s *Scheduler) SetOnUpdate(fn func([]Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Trigger requests a reconciliation pass. Safe from any goroutine; repeated
// triggers while one is pending collapse into a single pass.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the reconciliation loop until ctx is canceled. Passes are
// strictly serialized; all state transitions happen here.
func (s *Scheduler) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.stopTimers()
			s.pool.Close()
			return
		case <-s.trigger:
			if s.reconcile(ctx) {
				// active tasks will trigger another pass when they finish;
				// the delayed re-check catches the ones that don't
				s.armFinalCheck()
			}
		}
	}
}

// reconcile performs one pass: snapshot the store, refresh the live map,
// dispatch ready work, drop stale entries, and schedule the next wake-up.
// Returns whether any download is presently active.
func (s *Scheduler) reconcile(ctx context.Context) bool {
	now := s.sys.NowMillis()
	isActive := false
	nextAction := int64(math.MaxInt64)

	rows, err := s.store.Query(ctx, -1, Selection{}, "")
	if err != nil {
		log.Printf("action=reconcile error=%v", err)
		return false
	}

	s.mu.Lock()
	stale := make(map[int64]bool, len(s.downloads))
	for id := range s.downloads {
		stale[id] = true
	}

	for _, row := range rows {
		delete(stale, row.ID)

		rec := s.downloads[row.ID]
		if rec == nil {
			headers, err := s.store.QueryHeaders(ctx, row.ID)
			if err != nil {
				log.Printf("action=read_headers id=%d error=%v", row.ID, err)
			}
			rec = NewDownloadRecord(row, headers, s.sys)
			s.downloads[row.ID] = rec
		} else {
			rec.UpdateFromRow(row)
		}

		if rec.Deleted {
			deleteFileIfExists(rec.Path)
			if _, err := s.store.Delete(ctx, rec.ID, Selection{}); err != nil {
				log.Printf("action=purge_row id=%d error=%v", rec.ID, err)
			}
			delete(s.downloads, rec.ID)
		} else {
			isActive = rec.startIfReady(ctx, s.store, s.pool, s.worker) || isActive
		}

		if next := rec.NextActionMillis(now); next < nextAction {
			nextAction = next
		}
	}

	for id := range stale {
		s.removeStaleLocked(id)
	}

	listener := s.onUpdate
	snaps := make([]Snapshot, 0, len(s.downloads))
	for _, rec := range s.downloads {
		snaps = append(snaps, rec.Snapshot())
	}
	s.mu.Unlock()

	if listener != nil {
		listener(snaps)
	}

	if nextAction > 0 && nextAction < math.MaxInt64 {
		s.armRetryCheck(time.Duration(nextAction) * time.Millisecond)
	}
	return isActive
}

// removeStaleLocked drops a download whose row disappeared underneath the
// scheduler. An in-flight worker is not interrupted; it will observe the
// missing row on its next status write.
func (s *Scheduler) removeStaleLocked(id int64) {
	rec := s.downloads[id]
	if rec == nil {
		return
	}
	if rec.Status == StatusRunning {
		rec.Status = StatusCanceled
	}
	deleteFileIfExists(rec.Path)
	delete(s.downloads, id)
	log.Printf("action=remove_stale id=%d", id)
}

func (s *Scheduler) armFinalCheck() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.finalTimer != nil {
		s.finalTimer.Stop()
	}
	s.finalTimer = time.AfterFunc(s.finalDelay, s.Trigger)
}

func (s *Scheduler) armRetryCheck(d time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.retryTimer = time.AfterFunc(d, s.Trigger)
}

func (s *Scheduler) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.finalTimer != nil {
		s.finalTimer.Stop()
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
}

func deleteFileIfExists(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("action=delete_file path=%q error=%v", path, err)
	}
}
