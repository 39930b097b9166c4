package queue

import (
	"context"
	"log"
	"math"
	"math/rand"
)

// NetworkState is the verdict on whether a download may use the network
// right now, after applying its requested constraints.
type NetworkState int

const (
	// NetworkOK means the network is usable for the download.
	NetworkOK NetworkState = iota
	// NetworkNoConnection means there is no connectivity at all.
	NetworkNoConnection
	// NetworkTypeDisallowed means the requestor excluded the active
	// interface class.
	NetworkTypeDisallowed
	// NetworkUnusableDueToSize and the verdicts below are reserved
	// extension points; the current policy never returns them.
	NetworkUnusableDueToSize
	NetworkRecommendedUnusableDueToSize
	NetworkCannotUseRoaming
	NetworkBlocked
)

// First-retry backoff unit, in seconds. Doubled per failed connection.
const retryFirstDelaySeconds = 30

// DownloadRecord is the in-memory projection of one downloads row, plus the
// process-local scheduling state that is never persisted: the backoff
// jitter, and the handle of the last submitted transfer.
type DownloadRecord struct {
	ID                  int64
	URI                 string
	Path                string
	Destination         string
	ETag                string
	Control             int
	Status              int
	FailedConnections   int
	RetryAfterMillis    int64
	LastModified        int64
	OwnerPackage        string
	Extras              string
	Cookies             string
	UserAgent           string
	MimeType            string
	Referer             string
	TotalBytes          int64
	CurrentBytes        int64
	Deleted             bool
	AllowedNetworkTypes int
	Title               string
	Description         string

	// JitterMillis spreads retry times across jobs, in [0, 1000].
	JitterMillis int

	headers []Header
	handle  *TaskHandle
	sys     System
}

// NewDownloadRecord builds a record from a store row and its headers. The
// jitter is assigned once here and survives later refreshes.
func NewDownloadRecord(row Row, headers []Header, sys System) *DownloadRecord {
	rec := &DownloadRecord{
		JitterMillis: rand.Intn(1001),
		sys:          sys,
	}
	rec.UpdateFromRow(row)
	rec.headers = append(rec.headers, headers...)
	if rec.Cookies != "" {
		rec.headers = append(rec.headers, Header{Name: "Cookie", Value: rec.Cookies})
	}
	if rec.Referer != "" {
		rec.headers = append(rec.headers, Header{Name: "Referer", Value: rec.Referer})
	}
	return rec
}

// UpdateFromRow refreshes the record in place from a fresh store snapshot,
// preserving jitter and the outstanding task handle.
func (r *DownloadRecord) UpdateFromRow(row Row) {
	r.ID = row.ID
	r.URI = row.URI
	r.Path = row.Path
	r.Destination = row.Destination
	r.ETag = row.ETag
	r.Control = row.Control
	r.Status = row.Status
	r.FailedConnections = row.FailedConnections
	r.RetryAfterMillis = row.RetryAfter
	r.LastModified = row.LastModified
	r.OwnerPackage = row.OwnerPackage
	r.Extras = row.Extras
	r.Cookies = row.Cookies
	r.UserAgent = row.UserAgent
	r.MimeType = row.MimeType
	r.Referer = row.Referer
	r.TotalBytes = row.TotalBytes
	r.CurrentBytes = row.CurrentBytes
	r.Deleted = row.Deleted
	r.AllowedNetworkTypes = row.AllowedNetworkTypes
	r.Title = row.Title
	r.Description = row.Description
}

// Headers returns the request headers, with Cookie and Referer synthesized
// after the explicit ones.
func (r *DownloadRecord) Headers() []Header {
	return r.headers
}

// RestartTime returns the unix-millisecond time at which the download should
// be restarted. A server-supplied retry delay beats the computed backoff.
func (r *DownloadRecord) RestartTime(now int64) int64 {
	if r.FailedConnections == 0 {
		return now
	}
	if r.RetryAfterMillis > 0 {
		return r.LastModified + r.RetryAfterMillis
	}
	return r.LastModified +
		retryFirstDelaySeconds*(1000+int64(r.JitterMillis))*(1<<(r.FailedConnections-1))
}

// IsReady reports whether the download should be handed to a worker now.
func (r *DownloadRecord) IsReady(now int64) bool {
	if r.Control == ControlPaused {
		return false
	}
	switch r.Status {
	case 0, StatusPending:
		// uninitialized or explicitly marked ready
		return true
	case StatusRunning:
		// interrupted (process killed) without a chance to update the row
		return true
	case StatusWaitingForNetwork, StatusQueuedForWifi:
		return r.CheckCanUseNetwork() == NetworkOK
	case StatusWaitingToRetry:
		return r.RestartTime(now) <= now
	case StatusDeviceNotFound:
		return r.sys.StorageMounted()
	case StatusInsufficientSpace:
		// avoid hammering a full disk; an explicit restart clears this
		return false
	}
	return false
}

// CheckCanUseNetwork applies the download's network constraints to current
// connectivity. It has no side effects.
func (r *DownloadRecord) CheckCanUseNetwork() NetworkState {
	kind, connected := r.sys.ActiveNetwork()
	if !connected {
		return NetworkNoConnection
	}
	return r.checkNetworkTypeAllowed(kind)
}

func (r *DownloadRecord) checkNetworkTypeAllowed(kind int) NetworkState {
	if r.AllowedNetworkTypes != AllowAllNetworkTypes && kind&r.AllowedNetworkTypes == 0 {
		return NetworkTypeDisallowed
	}
	return NetworkOK
}

// NextActionMillis returns how long until the download needs attention:
// 0 for immediate (subject to IsReady), MaxInt64 when nothing remains.
func (r *DownloadRecord) NextActionMillis(now int64) int64 {
	if IsStatusCompleted(r.Status) {
		return math.MaxInt64
	}
	if r.Status != StatusWaitingToRetry {
		return 0
	}
	when := r.RestartTime(now)
	if when <= now {
		return 0
	}
	return when - now
}

// startIfReady submits the download to the pool when it is ready and no
// prior worker is still outstanding, persisting the transition to running.
// Returns whether the download is ready (actively downloading).
func (r *DownloadRecord) startIfReady(ctx context.Context, store *Store, pool *Pool, worker Worker) bool {
	ready := r.IsReady(r.sys.NowMillis())
	active := r.handle != nil && !r.handle.Finished()
	if ready && !active {
		if r.Status != StatusRunning {
			r.Status = StatusRunning
			if _, err := store.Update(ctx, r.ID, Values{ColStatus: StatusRunning}, Selection{}); err != nil {
				log.Printf("action=mark_running id=%d error=%v", r.ID, err)
			}
		}
		snap := r.Snapshot()
		r.handle = pool.Submit(func() {
			worker.Execute(ctx, snap)
		})
	}
	return ready
}

// Snapshot is an immutable copy of a record handed to workers and to
// state-change listeners.
type Snapshot struct {
	ID                  int64
	URI                 string
	Path                string
	Destination         string
	ETag                string
	MimeType            string
	Title               string
	Description         string
	UserAgent           string
	Status              int
	Control             int
	FailedConnections   int
	TotalBytes          int64
	CurrentBytes        int64
	AllowedNetworkTypes int
	Headers             []Header
}

func (r *DownloadRecord) Snapshot() Snapshot {
	return Snapshot{
		ID:                  r.ID,
		URI:                 r.URI,
		Path:                r.Path,
		Destination:         r.Destination,
		ETag:                r.ETag,
		MimeType:            r.MimeType,
		Title:               r.Title,
		Description:         r.Description,
		UserAgent:           r.UserAgent,
		Status:              r.Status,
		Control:             r.Control,
		FailedConnections:   r.FailedConnections,
		TotalBytes:          r.TotalBytes,
		CurrentBytes:        r.CurrentBytes,
		AllowedNetworkTypes: r.AllowedNetworkTypes,
		Headers:             append([]Header(nil), r.headers...),
	}
}
