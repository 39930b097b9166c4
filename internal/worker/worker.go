// Package worker performs the actual HTTP(S) transfers for the download
// queue. A worker receives a snapshot of one download and write access to
// the store; every outcome, terminal or retryable, is reported by writing
// store state. The scheduler never learns of errors any other way.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fetchd/internal/queue"
)

const (
	// transfers park at WaitingToRetry until this many connection failures
	maxRetries = 5
	// redirect chain length before giving up
	maxRedirects = 7

	// progress write granularity
	minProgressStep = 64 * 1024
	minProgressTime = 1500 * time.Millisecond

	// bounds for a server-supplied Retry-After, in seconds
	minRetryAfter = 30
	maxRetryAfter = 86400

	defaultUserAgent = "fetchd/1.0"
)

var errTooManyRedirects = errors.New("too many redirects")

// Worker is the transfer executor handed to the scheduler.
type Worker struct {
	Store     *queue.Store
	Sys       queue.System
	Storage   *queue.StorageManager
	Client    *http.Client
	UserAgent string
}

func New(store *queue.Store, sys queue.System, storage *queue.StorageManager) *Worker {
	return &Worker{
		Store:   store,
		Sys:     sys,
		Storage: storage,
		Client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errTooManyRedirects
				}
				return nil
			},
		},
	}
}

// Execute runs one transfer to completion and persists the outcome. The row
// never stays at running past this call.
func (w *Worker) Execute(ctx context.Context, job queue.Snapshot) {
	out := queue.Values{}
	status := w.run(ctx, &job, out)
	out[queue.ColStatus] = status
	out[queue.ColLastModified] = w.Sys.NowMillis()
	count, err := w.Store.Update(ctx, job.ID, out, queue.Selection{})
	if err != nil {
		log.Printf("action=transfer_finalize id=%d error=%v", job.ID, err)
		return
	}
	if count == 0 {
		// row disappeared underneath us; the scheduler cleans up the file
		log.Printf("action=transfer_finalize id=%d result=row_gone", job.ID)
		return
	}
	log.Printf("action=transfer_done id=%d status=%d", job.ID, status)
}

func (w *Worker) run(ctx context.Context, job *queue.Snapshot, out queue.Values) int {
	if st := w.checkConnectivity(job); st != 0 {
		return st
	}

	if job.Destination == "" {
		out[queue.ColErrorMsg] = "no destination path"
		return queue.StatusFileError
	}
	path := job.Destination
	resuming := job.CurrentBytes > 0 && job.Path != ""
	if resuming {
		path = job.Path
		info, err := os.Stat(path)
		switch {
		case err != nil:
			// partial artifact vanished, start over
			resuming = false
			path = job.Destination
			job.CurrentBytes = 0
		case info.Size() != job.CurrentBytes:
			// progress flushes lag the actual writes, so after a crash the
			// file holds more bytes than the row reports; the file is
			// authoritative for where the range resumes
			job.CurrentBytes = info.Size()
		}
	}
	if !resuming {
		if _, err := os.Stat(path); err == nil {
			out[queue.ColErrorMsg] = "destination already exists: " + path
			return queue.StatusFileAlreadyExists
		}
	}
	if resuming && job.ETag == "" {
		out[queue.ColErrorMsg] = "cannot resume without etag"
		return queue.StatusCannotResume
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.URI, nil)
	if err != nil {
		out[queue.ColErrorMsg] = err.Error()
		return queue.StatusHTTPDataError
	}
	for _, h := range job.Headers {
		req.Header.Add(h.Name, h.Value)
	}
	if req.Header.Get("User-Agent") == "" {
		ua := job.UserAgent
		if ua == "" {
			ua = w.UserAgent
		}
		if ua == "" {
			ua = defaultUserAgent
		}
		req.Header.Set("User-Agent", ua)
	}
	if resuming {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", job.CurrentBytes))
		req.Header.Set("If-Match", job.ETag)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		if errors.Is(err, errTooManyRedirects) {
			out[queue.ColErrorMsg] = "too many redirects"
			return queue.StatusTooManyRedirects
		}
		if ctx.Err() != nil {
			// shutdown, resume on the next run without burning a retry
			return queue.StatusWaitingToRetry
		}
		out[queue.ColErrorMsg] = err.Error()
		return w.transientStatus(job, out)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if resuming {
			out[queue.ColErrorMsg] = "server ignored range request"
			return queue.StatusCannotResume
		}
	case resp.StatusCode == http.StatusPartialContent:
		// resuming from job.CurrentBytes
	case resp.StatusCode == http.StatusServiceUnavailable:
		if after := parseRetryAfter(resp.Header.Get("Retry-After")); after > 0 {
			out[queue.ColRetryAfter] = after * 1000
		}
		return w.transientStatus(job, out)
	case resp.StatusCode >= 400 && resp.StatusCode < 600:
		out[queue.ColErrorMsg] = resp.Status
		return resp.StatusCode
	default:
		out[queue.ColErrorMsg] = "unhandled response: " + resp.Status
		return queue.StatusUnhandledHTTPCode
	}

	total := int64(-1)
	if resp.ContentLength >= 0 {
		total = job.CurrentBytes + resp.ContentLength
	}
	if total > 0 {
		if err := w.Storage.VerifySpace(path, total-job.CurrentBytes); err != nil {
			var stop *queue.StopError
			if errors.As(err, &stop) {
				out[queue.ColErrorMsg] = stop.Message
				return stop.Status
			}
			out[queue.ColErrorMsg] = err.Error()
			return queue.StatusFileError
		}
	}

	// make the assigned path, size, and validator visible before streaming
	headerValues := queue.Values{
		queue.ColPath:       path,
		queue.ColTotalBytes: total,
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		headerValues[queue.ColETag] = etag
	}
	if job.MimeType == "" {
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			headerValues[queue.ColMimeType] = ct
		}
	}
	if _, err := w.Store.Update(ctx, job.ID, headerValues, queue.Selection{}); err != nil {
		out[queue.ColErrorMsg] = err.Error()
		return queue.StatusFileError
	}
	out[queue.ColTotalBytes] = total

	file, err := w.openDestination(path, resuming)
	if err != nil {
		out[queue.ColErrorMsg] = err.Error()
		return queue.StatusFileError
	}
	defer file.Close()

	status := w.stream(ctx, job, resp.Body, file, total, out)
	return status
}

// stream copies the body to the file, flushing progress to the store and
// re-reading the row for pause/delete signals at each flush.
func (w *Worker) stream(ctx context.Context, job *queue.Snapshot, body io.Reader, file *os.File, total int64, out queue.Values) int {
	current := job.CurrentBytes
	bytesSinceFlush := int64(0)
	lastFlush := time.Now()
	buf := make([]byte, 8192)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				out[queue.ColCurrentBytes] = current
				out[queue.ColErrorMsg] = werr.Error()
				return queue.StatusFileError
			}
			current += int64(n)
			bytesSinceFlush += int64(n)
			if bytesSinceFlush >= minProgressStep && time.Since(lastFlush) >= minProgressTime {
				if st := w.flushProgress(ctx, job.ID, current); st != 0 {
					out[queue.ColCurrentBytes] = current
					return st
				}
				bytesSinceFlush = 0
				lastFlush = time.Now()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			out[queue.ColCurrentBytes] = current
			if ctx.Err() != nil {
				return queue.StatusWaitingToRetry
			}
			out[queue.ColErrorMsg] = err.Error()
			return w.transientStatus(job, out)
		}
	}

	if err := file.Sync(); err != nil {
		out[queue.ColCurrentBytes] = current
		out[queue.ColErrorMsg] = err.Error()
		return queue.StatusFileError
	}
	out[queue.ColCurrentBytes] = current
	if total >= 0 && current != total {
		out[queue.ColErrorMsg] = fmt.Sprintf("closed socket before end of file: %d of %d bytes", current, total)
		return w.transientStatus(job, out)
	}
	if total < 0 {
		out[queue.ColTotalBytes] = current
	}
	return queue.StatusSuccess
}

// flushProgress persists the byte count and returns a non-zero status when
// the row tells the transfer to stop.
func (w *Worker) flushProgress(ctx context.Context, id int64, current int64) int {
	if _, err := w.Store.Update(ctx, id, queue.Values{queue.ColCurrentBytes: current}, queue.Selection{}); err != nil {
		log.Printf("action=flush_progress id=%d error=%v", id, err)
	}
	rows, err := w.Store.Query(ctx, id, queue.Selection{}, "")
	if err != nil {
		log.Printf("action=poll_row id=%d error=%v", id, err)
		return 0
	}
	if len(rows) == 0 || rows[0].Deleted {
		return queue.StatusCanceled
	}
	if rows[0].Control == queue.ControlPaused {
		return queue.StatusPausedByApp
	}
	return 0
}

func (w *Worker) checkConnectivity(job *queue.Snapshot) int {
	kind, connected := w.Sys.ActiveNetwork()
	if !connected {
		return queue.StatusWaitingForNetwork
	}
	if job.AllowedNetworkTypes != queue.AllowAllNetworkTypes && kind&job.AllowedNetworkTypes == 0 {
		return queue.StatusWaitingForNetwork
	}
	return 0
}

func (w *Worker) transientStatus(job *queue.Snapshot, out queue.Values) int {
	failed := job.FailedConnections + 1
	out[queue.ColFailedConnections] = failed
	if failed < maxRetries {
		return queue.StatusWaitingToRetry
	}
	return queue.StatusHTTPDataError
}

func (w *Worker) openDestination(path string, resuming bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if resuming {
		flags = os.O_WRONLY | os.O_APPEND
	}
	return os.OpenFile(path, flags, 0o644)
}

func parseRetryAfter(value string) int64 {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseInt(value, 10, 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	if seconds < minRetryAfter {
		seconds = minRetryAfter
	}
	if seconds > maxRetryAfter {
		seconds = maxRetryAfter
	}
	return seconds
}
