package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Column names of the downloads table.
const (
	ColID                  = "id"
	ColURI                 = "uri"
	ColRetryAfter          = "retry_after"
	ColAppData             = "app_data"
	ColPath                = "path"
	ColMimeType            = "mime_type"
	ColDestination         = "destination"
	ColControl             = "control"
	ColStatus              = "status"
	ColFailedConnections   = "failed_connections"
	ColLastModified        = "last_modified"
	ColOwnerPackage        = "owner_package"
	ColExtras              = "extras"
	ColCookies             = "cookies"
	ColUserAgent           = "user_agent"
	ColReferer             = "referer"
	ColTotalBytes          = "total_bytes"
	ColCurrentBytes        = "current_bytes"
	ColETag                = "etag"
	ColErrorMsg            = "error_msg"
	ColTitle               = "title"
	ColDescription         = "description"
	ColAllowedNetworkTypes = "allowed_network_types"
	ColDeleted             = "deleted"
)

// HeaderKeyPrefix marks insert keys carrying a "Name: value" request header
// line to be stored as a child row.
const HeaderKeyPrefix = "http_header_"

var (
	ErrForbiddenKey    = errors.New("field not allowed")
	ErrBadSelection    = errors.New("selection references forbidden token")
	ErrMalformedHeader = errors.New("invalid HTTP header line")
)

// Fields callers may supply at insert time. Everything else is owned by the
// store or the worker and is rejected.
var insertableColumns = map[string]bool{
	ColURI:                 true,
	ColAppData:             true,
	ColMimeType:            true,
	ColDestination:         true,
	ColControl:             true,
	ColOwnerPackage:        true,
	ColExtras:              true,
	ColCookies:             true,
	ColUserAgent:           true,
	ColReferer:             true,
	ColTitle:               true,
	ColDescription:         true,
	ColAllowedNetworkTypes: true,
}

// Columns a caller-supplied selection may reference. Anything else fails
// validation before the query runs.
var selectableColumns = map[string]bool{
	ColID:           true,
	ColAppData:      true,
	ColPath:         true,
	ColDestination:  true,
	ColControl:      true,
	ColStatus:       true,
	ColLastModified: true,
	ColOwnerPackage: true,
	ColTotalBytes:   true,
	ColCurrentBytes: true,
	ColTitle:        true,
	ColDescription:  true,
	ColURI:          true,
	ColDeleted:      true,
}

var updatableColumns = map[string]bool{
	ColURI:                 true,
	ColRetryAfter:          true,
	ColAppData:             true,
	ColPath:                true,
	ColMimeType:            true,
	ColDestination:         true,
	ColControl:             true,
	ColStatus:              true,
	ColFailedConnections:   true,
	ColLastModified:        true,
	ColOwnerPackage:        true,
	ColExtras:              true,
	ColCookies:             true,
	ColUserAgent:           true,
	ColReferer:             true,
	ColTotalBytes:          true,
	ColCurrentBytes:        true,
	ColETag:                true,
	ColErrorMsg:            true,
	ColTitle:               true,
	ColDescription:         true,
	ColAllowedNetworkTypes: true,
	ColDeleted:             true,
}

// Values is a set of column values for insert/update, keyed by column name.
// A nil value writes SQL NULL.
type Values map[string]any

// Selection is a caller-supplied WHERE fragment ANDed with the predicates
// the store generates itself.
type Selection struct {
	Where string
	Args  []any
}

// Header is one request header pair.
type Header struct {
	Name  string
	Value string
}

// Row is the full typed projection of one downloads row.
type Row struct {
	ID                  int64
	URI                 string
	RetryAfter          int64
	AppData             string
	Path                string
	MimeType            string
	Destination         string
	Control             int
	Status              int
	FailedConnections   int
	LastModified        int64
	OwnerPackage        string
	Extras              string
	Cookies             string
	UserAgent           string
	Referer             string
	TotalBytes          int64
	CurrentBytes        int64
	ETag                string
	ErrorMsg            string
	Title               string
	Description         string
	AllowedNetworkTypes int
	Deleted             bool
}

const rowColumns = "id, uri, retry_after, app_data, path, mime_type, destination, control, status, " +
	"failed_connections, last_modified, owner_package, extras, cookies, user_agent, referer, " +
	"total_bytes, current_bytes, etag, error_msg, title, description, allowed_network_types, deleted"

// Store is the durable repository of download rows and their header child
// rows. Mutating operations are serialized so the change notification is
// atomic with the write it reports.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	observer func()
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SetObserver registers the single change observer (the scheduler). The
// callback must not block; it runs with the store write lock held.
func (s *Store) SetObserver(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

func (s *Store) notifyLocked() {
	if s.observer != nil {
		s.observer()
	}
}

// Insert creates a download row forced into the initial pending state and
// persists any http_header_* values as child rows. Keys outside the
// insertable set are rejected. Returns -1 with an error on failure.
func (s *Store) Insert(ctx context.Context, values Values) (int64, error) {
	filtered := Values{}
	for key, val := range values {
		switch {
		case strings.HasPrefix(key, HeaderKeyPrefix):
			line := fmt.Sprint(val)
			if !strings.Contains(line, ":") {
				return -1, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
			}
		case insertableColumns[key]:
			filtered[key] = val
		default:
			return -1, fmt.Errorf("%w: %q", ErrForbiddenKey, key)
		}
	}

	filtered[ColStatus] = StatusPending
	filtered[ColTotalBytes] = int64(-1)
	filtered[ColCurrentBytes] = int64(0)
	filtered[ColLastModified] = time.Now().UnixMilli()
	if _, ok := filtered[ColTitle]; !ok {
		filtered[ColTitle] = ""
	}
	if _, ok := filtered[ColDescription]; !ok {
		filtered[ColDescription] = ""
	}

	cols := make([]string, 0, len(filtered))
	for key := range filtered {
		cols = append(cols, key)
	}
	sort.Strings(cols)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		placeholders[i] = "?"
		args[i] = filtered[col]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return -1, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO downloads ("+strings.Join(cols, ", ")+") VALUES ("+strings.Join(placeholders, ", ")+")",
		args...)
	if err != nil {
		return -1, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return -1, err
	}
	for _, key := range sortedHeaderKeys(values) {
		line := fmt.Sprint(values[key])
		parts := strings.SplitN(line, ":", 2)
		name := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO request_headers (download_id, header, value) VALUES (?, ?, ?)`,
			id, name, value); err != nil {
			return -1, err
		}
	}
	if err := tx.Commit(); err != nil {
		return -1, err
	}
	s.notifyLocked()
	return id, nil
}

func sortedHeaderKeys(values Values) []string {
	var keys []string
	for key := range values {
		if strings.HasPrefix(key, HeaderKeyPrefix) {
			keys = append(keys, key)
		}
	}
	// keys are http_header_0, http_header_1, ...; numeric suffix order
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// Query returns rows matching the selection, ANDing in the id when id > 0.
// The selection and order-by clause may only reference selectable columns.
func (s *Store) Query(ctx context.Context, id int64, sel Selection, orderBy string) ([]Row, error) {
	if err := validateSelection(sel.Where, selectableColumns); err != nil {
		return nil, err
	}
	if err := validateSelection(orderBy, selectableColumns); err != nil {
		return nil, err
	}
	where, args := whereClause(id, sel)
	query := "SELECT " + rowColumns + " FROM downloads"
	if where != "" {
		query += " WHERE " + where
	}
	if orderBy != "" {
		query += " ORDER BY " + orderBy
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (Row, error) {
	var r Row
	var appData, path, mimeType, destination, ownerPackage sql.NullString
	var extras, cookies, userAgent, referer, etag, errorMsg, title, description sql.NullString
	err := rows.Scan(
		&r.ID, &r.URI, &r.RetryAfter, &appData, &path, &mimeType, &destination,
		&r.Control, &r.Status, &r.FailedConnections, &r.LastModified, &ownerPackage,
		&extras, &cookies, &userAgent, &referer, &r.TotalBytes, &r.CurrentBytes,
		&etag, &errorMsg, &title, &description, &r.AllowedNetworkTypes, &r.Deleted,
	)
	if err != nil {
		return Row{}, err
	}
	// top bits of retry_after are reserved
	r.RetryAfter &= 0xfffffff
	r.AppData = appData.String
	r.Path = path.String
	r.MimeType = mimeType.String
	r.Destination = destination.String
	r.OwnerPackage = ownerPackage.String
	r.Extras = extras.String
	r.Cookies = cookies.String
	r.UserAgent = userAgent.String
	r.Referer = referer.String
	r.ETag = etag.String
	r.ErrorMsg = errorMsg.String
	r.Title = title.String
	r.Description = description.String
	return r, nil
}

// Update writes the given columns to matching rows. If the assigned file
// path is being set and the row has no title yet, the title is derived from
// the file's base name. Returns the number of rows affected.
func (s *Store) Update(ctx context.Context, id int64, values Values, sel Selection) (int64, error) {
	if err := validateSelection(sel.Where, selectableColumns); err != nil {
		return 0, err
	}
	for key := range values {
		if !updatableColumns[key] {
			return 0, fmt.Errorf("%w: %q", ErrForbiddenKey, key)
		}
	}
	if len(values) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// work on a copy; the title backfill must not leak into the caller's map
	vals := make(Values, len(values)+1)
	for key, val := range values {
		vals[key] = val
	}
	if path, ok := vals[ColPath]; ok && path != nil && id > 0 {
		var title sql.NullString
		err := s.db.QueryRowContext(ctx, `SELECT title FROM downloads WHERE id = ?`, id).Scan(&title)
		if err == nil && title.String == "" {
			vals[ColTitle] = filepath.Base(fmt.Sprint(path))
		}
	}

	cols := make([]string, 0, len(vals))
	for key := range vals {
		cols = append(cols, key)
	}
	sort.Strings(cols)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, vals[col])
	}
	where, whereArgs := whereClause(id, sel)
	query := "UPDATE downloads SET " + strings.Join(sets, ", ")
	if where != "" {
		query += " WHERE " + where
	}
	res, err := s.db.ExecContext(ctx, query, append(args, whereArgs...)...)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.notifyLocked()
	return count, nil
}

// Delete removes matching rows and their header children. Physical file
// cleanup is the caller's responsibility.
func (s *Store) Delete(ctx context.Context, id int64, sel Selection) (int64, error) {
	if err := validateSelection(sel.Where, selectableColumns); err != nil {
		return 0, err
	}
	where, args := whereClause(id, sel)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	idQuery := "SELECT id FROM downloads"
	if where != "" {
		idQuery += " WHERE " + where
	}
	rows, err := tx.QueryContext(ctx, idQuery, args...)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var rowID int64
		if err := rows.Scan(&rowID); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, rowID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, rowID := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM request_headers WHERE download_id = ?`, rowID); err != nil {
			return 0, err
		}
	}
	delQuery := "DELETE FROM downloads"
	if where != "" {
		delQuery += " WHERE " + where
	}
	res, err := tx.ExecContext(ctx, delQuery, args...)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.notifyLocked()
	return count, nil
}

// QueryHeaders returns the explicit request headers of a download in
// insertion order.
func (s *Store) QueryHeaders(ctx context.Context, id int64) ([]Header, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT header, value FROM request_headers WHERE download_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Header
	for rows.Next() {
		var h Header
		if err := rows.Scan(&h.Name, &h.Value); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func whereClause(id int64, sel Selection) (string, []any) {
	var parts []string
	var args []any
	if sel.Where != "" {
		parts = append(parts, "("+sel.Where+")")
		args = append(args, sel.Args...)
	}
	if id > 0 {
		parts = append(parts, "(id = ?)")
		args = append(args, id)
	}
	return strings.Join(parts, " AND "), args
}

var selectionKeywords = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IS": true, "NULL": true,
	"LIKE": true, "IN": true, "BETWEEN": true, "ASC": true, "DESC": true,
}

// validateSelection rejects any identifier outside the allowed column set.
// A failure here is a contract violation by the caller, never executed.
func validateSelection(sel string, allowed map[string]bool) error {
	runes := []rune(sel)
	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case isIdentStart(c):
			start := i
			for i < len(runes) && isIdentPart(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			if !selectionKeywords[strings.ToUpper(word)] && !allowed[word] {
				return fmt.Errorf("%w: %q", ErrBadSelection, word)
			}
		case c >= '0' && c <= '9':
			for i < len(runes) && (runes[i] >= '0' && runes[i] <= '9' || runes[i] == '.') {
				i++
			}
		case c == '\'':
			i++
			for i < len(runes) && runes[i] != '\'' {
				i++
			}
			if i >= len(runes) {
				return fmt.Errorf("%w: unterminated string", ErrBadSelection)
			}
			i++
		case strings.ContainsRune("()=<>!?,*%", c):
			i++
		default:
			return fmt.Errorf("%w: char %q", ErrBadSelection, string(c))
		}
	}
	return nil
}

func isIdentStart(c rune) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c rune) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
