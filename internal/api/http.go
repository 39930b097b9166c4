package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"fetchd/internal/queue"
)

// Downloads is the manager surface the server depends on.
type Downloads interface {
	Enqueue(ctx context.Context, req *queue.Request) (int64, error)
	Query(ctx context.Context, q *queue.Query) ([]queue.DownloadView, error)
	Get(ctx context.Context, id int64) (*queue.DownloadView, error)
	Pause(ctx context.Context, ids ...int64) (int64, error)
	Resume(ctx context.Context, ids ...int64) (int64, error)
	Remove(ctx context.Context, ids ...int64) (int64, error)
	Restart(ctx context.Context, ids ...int64) (int64, error)
}

type Server struct {
	Downloads Downloads
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/downloads", s.handleDownloads)
	mux.HandleFunc("/downloads/", s.handleDownload)
	return withRequestID(mux)
}

// withRequestID tags every request with an id for log correlation.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		log.Printf("request_id=%s method=%s path=%s", reqID, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type addDownloadRequest struct {
	URL                 string            `json:"url"`
	Destination         string            `json:"destination"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	MimeType            string            `json:"mime_type"`
	AllowedNetworkTypes *int              `json:"allowed_network_types"`
	Headers             map[string]string `json:"headers"`
}

func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := queue.NewQuery()
		if v := r.URL.Query().Get("status"); v != "" {
			flags, err := strconv.Atoi(v)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			q.FilterByStatus(flags)
		}
		if v := r.URL.Query().Get("id"); v != "" {
			ids, err := parseIDList(v)
			if err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
			q.FilterByID(ids...)
		}
		if r.URL.Query().Get("order") == "size" {
			q.OrderBy(queue.OrderByTotalSize, queue.OrderDescending)
		}
		views, err := s.Downloads.Query(r.Context(), q)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, views)
	case http.MethodPost:
		var body addDownloadRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		req, err := queue.NewRequest(body.URL)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		req.SetDestinationPath(body.Destination).
			SetTitle(body.Title).
			SetDescription(body.Description).
			SetMimeType(body.MimeType)
		if body.AllowedNetworkTypes != nil {
			req.SetAllowedNetworkTypes(*body.AllowedNetworkTypes)
		}
		for name, value := range body.Headers {
			if err := req.AddRequestHeader(name, value); err != nil {
				writeErr(w, http.StatusBadRequest, err)
				return
			}
		}
		id, err := s.Downloads.Enqueue(r.Context(), req)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		log.Printf("action=enqueue id=%d url=%q destination=%q", id, body.URL, body.Destination)
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/downloads/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		view, err := s.Downloads.Get(r.Context(), id)
		if err != nil {
			writeErr(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var op func(context.Context, ...int64) (int64, error)
	switch parts[1] {
	case "pause":
		op = s.Downloads.Pause
	case "resume":
		op = s.Downloads.Resume
	case "remove":
		op = s.Downloads.Remove
	case "restart":
		op = s.Downloads.Restart
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	count, err := op(r.Context(), id)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, queue.ErrNotRestartable) {
			code = http.StatusConflict
		}
		writeErr(w, code, err)
		return
	}
	log.Printf("action=%s id=%d count=%d", parts[1], id, count)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": count})
}

func parseIDList(v string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
