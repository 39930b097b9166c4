package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fetchd/internal/queue"
)

// fakeDownloads records calls and serves canned views.
type fakeDownloads struct {
	views    []queue.DownloadView
	enqueued *queue.Request
	calls    map[string][]int64
	err      error
}

func newFakeDownloads() *fakeDownloads {
	return &fakeDownloads{calls: map[string][]int64{}}
}

func (f *fakeDownloads) Enqueue(ctx context.Context, req *queue.Request) (int64, error) {
	f.enqueued = req
	return 7, f.err
}

func (f *fakeDownloads) Query(ctx context.Context, q *queue.Query) ([]queue.DownloadView, error) {
	return f.views, f.err
}

func (f *fakeDownloads) Get(ctx context.Context, id int64) (*queue.DownloadView, error) {
	for i := range f.views {
		if f.views[i].ID == id {
			return &f.views[i], nil
		}
	}
	return nil, queue.ErrDownloadNotFound
}

func (f *fakeDownloads) Pause(ctx context.Context, ids ...int64) (int64, error) {
	f.calls["pause"] = append(f.calls["pause"], ids...)
	return int64(len(ids)), f.err
}

func (f *fakeDownloads) Resume(ctx context.Context, ids ...int64) (int64, error) {
	f.calls["resume"] = append(f.calls["resume"], ids...)
	return int64(len(ids)), f.err
}

func (f *fakeDownloads) Remove(ctx context.Context, ids ...int64) (int64, error) {
	f.calls["remove"] = append(f.calls["remove"], ids...)
	return int64(len(ids)), f.err
}

func (f *fakeDownloads) Restart(ctx context.Context, ids ...int64) (int64, error) {
	f.calls["restart"] = append(f.calls["restart"], ids...)
	return int64(len(ids)), f.err
}

func newTestServer(fake *fakeDownloads) *httptest.Server {
	s := &Server{Downloads: fake}
	return httptest.NewServer(s.Handler())
}

func TestCreateDownload(t *testing.T) {
	fake := newFakeDownloads()
	srv := newTestServer(fake)
	defer srv.Close()

	body := `{"url":"https://example.com/f.bin","destination":"/data/f.bin","title":"F","headers":{"Authorization":"Bearer tok"}}`
	resp, err := http.Post(srv.URL+"/downloads", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["id"] != 7 {
		t.Fatalf("expected id 7, got %d", out["id"])
	}
	if fake.enqueued == nil {
		t.Fatal("expected the request to reach the manager")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected a request id on the response")
	}
}

func TestCreateDownloadRejectsBadScheme(t *testing.T) {
	fake := newFakeDownloads()
	srv := newTestServer(fake)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/downloads", "application/json",
		strings.NewReader(`{"url":"ftp://example.com/f"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if fake.enqueued != nil {
		t.Fatal("invalid request must not reach the manager")
	}
}

func TestListAndGet(t *testing.T) {
	fake := newFakeDownloads()
	fake.views = []queue.DownloadView{
		{ID: 1, URI: "https://example.com/a", Status: queue.PublicStatusRunning},
		{ID: 2, URI: "https://example.com/b", Status: queue.PublicStatusSuccessful},
	}
	srv := newTestServer(fake)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/downloads?status=24")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var views []queue.DownloadView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}

	one, err := http.Get(srv.URL + "/downloads/2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer one.Body.Close()
	var view queue.DownloadView
	if err := json.NewDecoder(one.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != 2 {
		t.Fatalf("expected view 2, got %d", view.ID)
	}

	missing, err := http.Get(srv.URL + "/downloads/99")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestControlEndpoints(t *testing.T) {
	fake := newFakeDownloads()
	srv := newTestServer(fake)
	defer srv.Close()

	for _, action := range []string{"pause", "resume", "remove", "restart"} {
		resp, err := http.Post(srv.URL+"/downloads/5/"+action, "application/json", nil)
		if err != nil {
			t.Fatalf("post %s: %v", action, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", action, resp.StatusCode)
		}
		if ids := fake.calls[action]; len(ids) != 1 || ids[0] != 5 {
			t.Fatalf("%s: expected call with id 5, got %v", action, ids)
		}
	}

	resp, err := http.Post(srv.URL+"/downloads/5/frobnicate", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", resp.StatusCode)
	}
}

func TestRestartConflict(t *testing.T) {
	fake := newFakeDownloads()
	fake.err = queue.ErrNotRestartable
	srv := newTestServer(fake)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/downloads/5/restart", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	fake := newFakeDownloads()
	srv := newTestServer(fake)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/downloads", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Request-ID", "caller-supplied")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "caller-supplied" {
		t.Fatalf("expected caller request id to round-trip, got %q", got)
	}
}
