package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrNoIDs             = errors.New("no download ids given")
	ErrBadScheme         = errors.New("can only download http/https URIs")
	ErrBadHeader         = errors.New("header name may not contain ':'")
	ErrNotRestartable    = errors.New("cannot restart incomplete download")
	ErrDownloadNotFound  = errors.New("download not found")
	ErrBadOrderColumn    = errors.New("unsupported order column")
	ErrBadOrderDirection = errors.New("invalid order direction")
)

// Manager is the caller-facing surface of the download system: it owns a
// store handle and translates requests, queries, and control operations into
// store writes. Construct one explicitly; there is no package-level state.
type Manager struct {
	store *Store
}

func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Request describes one download to enqueue.
type Request struct {
	uri                 *url.URL
	destination         string
	headers             []Header
	title               string
	description         string
	mimeType            string
	ownerPackage        string
	allowedNetworkTypes int
}

// NewRequest validates the URI; only http and https schemes are accepted.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %s", ErrBadScheme, rawURL)
	}
	return &Request{uri: u, allowedNetworkTypes: AllowAllNetworkTypes}, nil
}

// SetDestinationPath sets the target file path for the download.
func (r *Request) SetDestinationPath(path string) *Request {
	r.destination = path
	return r
}

// AddRequestHeader appends an HTTP header to the request. Headers keep
// their insertion order.
func (r *Request) AddRequestHeader(name, value string) error {
	if name == "" {
		return errors.New("header name cannot be empty")
	}
	if strings.Contains(name, ":") {
		return fmt.Errorf("%w: %q", ErrBadHeader, name)
	}
	r.headers = append(r.headers, Header{Name: name, Value: value})
	return nil
}

func (r *Request) SetTitle(title string) *Request {
	r.title = title
	return r
}

func (r *Request) SetDescription(description string) *Request {
	r.description = description
	return r
}

func (r *Request) SetMimeType(mimeType string) *Request {
	r.mimeType = mimeType
	return r
}

func (r *Request) SetOwnerPackage(owner string) *Request {
	r.ownerPackage = owner
	return r
}

// SetAllowedNetworkTypes restricts which network classes may carry the
// download. All types are allowed by default.
func (r *Request) SetAllowedNetworkTypes(flags int) *Request {
	r.allowedNetworkTypes = flags
	return r
}

func (r *Request) values() Values {
	values := Values{
		ColURI:                 r.uri.String(),
		ColAllowedNetworkTypes: r.allowedNetworkTypes,
	}
	if r.destination != "" {
		values[ColDestination] = r.destination
	}
	if r.title != "" {
		values[ColTitle] = r.title
	}
	if r.description != "" {
		values[ColDescription] = r.description
	}
	if r.mimeType != "" {
		values[ColMimeType] = r.mimeType
	}
	if r.ownerPackage != "" {
		values[ColOwnerPackage] = r.ownerPackage
	}
	for i, h := range r.headers {
		values[HeaderKeyPrefix+strconv.Itoa(i)] = h.Name + ": " + h.Value
	}
	return values
}

// Enqueue persists the request. The download starts once the scheduler
// finds it ready and capacity is available.
func (m *Manager) Enqueue(ctx context.Context, req *Request) (int64, error) {
	return m.store.Insert(ctx, req.values())
}

// Order columns and directions for Query.
const (
	OrderByLastModified = iota
	OrderByTotalSize
)

const (
	OrderAscending  = 1
	OrderDescending = 2
)

// Query filters downloads. The zero value matches every non-deleted row,
// newest first.
type Query struct {
	ids         []int64
	statusFlags *int
	orderColumn int
	orderDir    int
	err         error
}

func NewQuery() *Query {
	return &Query{orderColumn: OrderByLastModified, orderDir: OrderDescending}
}

// FilterByID restricts the query to the given download ids.
func (q *Query) FilterByID(ids ...int64) *Query {
	q.ids = append(q.ids, ids...)
	return q
}

// FilterByStatus restricts the query to downloads whose public status
// matches any of the given PublicStatus* flags.
func (q *Query) FilterByStatus(flags int) *Query {
	q.statusFlags = &flags
	return q
}

// OrderBy sorts the result by last-modified time or total size.
func (q *Query) OrderBy(column, direction int) *Query {
	if direction != OrderAscending && direction != OrderDescending {
		q.err = fmt.Errorf("%w: %d", ErrBadOrderDirection, direction)
		return q
	}
	switch column {
	case OrderByLastModified, OrderByTotalSize:
		q.orderColumn = column
	default:
		q.err = fmt.Errorf("%w: %d", ErrBadOrderColumn, column)
		return q
	}
	q.orderDir = direction
	return q
}

// compile lowers the typed query into the store's native selection form.
func (q *Query) compile() (Selection, string, error) {
	if q.err != nil {
		return Selection{}, "", q.err
	}
	var parts []string
	var args []any

	if q.ids != nil {
		where, idArgs := whereClauseForIDs(q.ids)
		parts = append(parts, where)
		args = append(args, idArgs...)
	}

	if q.statusFlags != nil {
		var clauses []string
		flags := *q.statusFlags
		if flags&PublicStatusPending != 0 {
			clauses = append(clauses, ColStatus+" = "+strconv.Itoa(StatusPending))
		}
		if flags&PublicStatusRunning != 0 {
			clauses = append(clauses, ColStatus+" = "+strconv.Itoa(StatusRunning))
		}
		if flags&PublicStatusPaused != 0 {
			for _, st := range []int{StatusPausedByApp, StatusWaitingToRetry, StatusWaitingForNetwork, StatusQueuedForWifi} {
				clauses = append(clauses, ColStatus+" = "+strconv.Itoa(st))
			}
		}
		if flags&PublicStatusSuccessful != 0 {
			clauses = append(clauses, ColStatus+" = "+strconv.Itoa(StatusSuccess))
		}
		if flags&PublicStatusFailed != 0 {
			clauses = append(clauses, "("+ColStatus+" >= 400 AND "+ColStatus+" < 600)")
		}
		parts = append(parts, "("+strings.Join(clauses, " OR ")+")")
	}

	// tombstoned rows are invisible to callers
	parts = append(parts, ColDeleted+" != 1")

	column := ColLastModified
	if q.orderColumn == OrderByTotalSize {
		column = ColTotalBytes
	}
	direction := "DESC"
	if q.orderDir == OrderAscending {
		direction = "ASC"
	}
	return Selection{Where: strings.Join(parts, " AND "), Args: args}, column + " " + direction, nil
}

// DownloadView is the public projection of one download.
type DownloadView struct {
	ID           int64  `json:"id"`
	URI          string `json:"uri"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Destination  string `json:"destination,omitempty"`
	LocalPath    string `json:"local_path,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	TotalBytes   int64  `json:"total_bytes"`
	CurrentBytes int64  `json:"current_bytes"`
	LastModified int64  `json:"last_modified"`
	Status       int    `json:"status"`
	Reason       int    `json:"reason"`
}

func toView(row Row) DownloadView {
	return DownloadView{
		ID:           row.ID,
		URI:          row.URI,
		Title:        row.Title,
		Description:  row.Description,
		Destination:  row.Destination,
		LocalPath:    row.Path,
		MimeType:     row.MimeType,
		TotalBytes:   row.TotalBytes,
		CurrentBytes: row.CurrentBytes,
		LastModified: row.LastModified,
		Status:       TranslateStatus(row.Status),
		Reason:       StatusReason(row.Status),
	}
}

// Query returns the downloads matching q with public status and reason.
func (m *Manager) Query(ctx context.Context, q *Query) ([]DownloadView, error) {
	sel, orderBy, err := q.compile()
	if err != nil {
		return nil, err
	}
	rows, err := m.store.Query(ctx, -1, sel, orderBy)
	if err != nil {
		return nil, err
	}
	views := make([]DownloadView, 0, len(rows))
	for _, row := range rows {
		views = append(views, toView(row))
	}
	return views, nil
}

// Get returns a single download by id.
func (m *Manager) Get(ctx context.Context, id int64) (*DownloadView, error) {
	views, err := m.Query(ctx, NewQuery().FilterByID(id))
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrDownloadNotFound, id)
	}
	return &views[0], nil
}

// Pause suspends scheduling of the given downloads. Status is untouched;
// the control flag alone blocks readiness.
func (m *Manager) Pause(ctx context.Context, ids ...int64) (int64, error) {
	return m.updateByIDs(ctx, Values{ColControl: ControlPaused}, ids)
}

// Resume clears the pause flag and marks the downloads pending again.
func (m *Manager) Resume(ctx context.Context, ids ...int64) (int64, error) {
	return m.updateByIDs(ctx, Values{ColControl: ControlRun, ColStatus: StatusPending}, ids)
}

// Remove tombstones the downloads. Row and artifact removal happen in the
// scheduler's next pass; an in-flight transfer is not interrupted.
func (m *Manager) Remove(ctx context.Context, ids ...int64) (int64, error) {
	return m.updateByIDs(ctx, Values{ColDeleted: 1}, ids)
}

// Restart requeues completed downloads from scratch. Only legal for
// downloads in a terminal state, successful or failed.
func (m *Manager) Restart(ctx context.Context, ids ...int64) (int64, error) {
	if len(ids) == 0 {
		return 0, ErrNoIDs
	}
	where, args := whereClauseForIDs(ids)
	rows, err := m.store.Query(ctx, -1, Selection{Where: where, Args: args}, "")
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		public := TranslateStatus(row.Status)
		if public != PublicStatusSuccessful && public != PublicStatusFailed {
			return 0, fmt.Errorf("%w: %d", ErrNotRestartable, row.ID)
		}
	}
	return m.updateByIDs(ctx, Values{
		ColCurrentBytes:      int64(0),
		ColTotalBytes:        int64(-1),
		ColPath:              nil,
		ColStatus:            StatusPending,
		ColFailedConnections: 0,
	}, ids)
}

func (m *Manager) updateByIDs(ctx context.Context, values Values, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, ErrNoIDs
	}
	if len(ids) == 1 {
		return m.store.Update(ctx, ids[0], values, Selection{})
	}
	where, args := whereClauseForIDs(ids)
	return m.store.Update(ctx, -1, values, Selection{Where: where, Args: args})
}

func whereClauseForIDs(ids []int64) (string, []any) {
	parts := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		parts[i] = ColID + " = ?"
		args[i] = id
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}
