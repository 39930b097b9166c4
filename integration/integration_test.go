package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fetchd/internal/api"
	"fetchd/internal/db"
	"fetchd/internal/queue"
	"fetchd/internal/worker"
)

// testSystem is a controllable System implementation so the tests decide
// what connectivity the daemon sees.
type testSystem struct {
	mu        sync.Mutex
	netKind   int
	connected bool
}

func (s *testSystem) NowMillis() int64 { return time.Now().UnixMilli() }

func (s *testSystem) ActiveNetwork() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.netKind, s.connected
}

func (s *testSystem) StorageMounted() bool { return true }

func (s *testSystem) setNetwork(kind int, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.netKind = kind
	s.connected = connected
}

type daemon struct {
	sys     *testSystem
	dataDir string
	apiURL  string
	sched   *queue.Scheduler
}

// startDaemon wires the full stack in process: store, scheduler, worker,
// and the HTTP API, the same way cmd/fetchd does.
func startDaemon(t *testing.T) *daemon {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "fetchd.db"))
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	store := queue.NewStore(conn)
	dataDir := t.TempDir()
	storage := queue.NewStorageManager(dataDir)
	sys := &testSystem{netKind: queue.NetworkWifi, connected: true}

	w := worker.New(store, sys, storage)
	sched := queue.NewScheduler(store, sys, w, 2)
	store.SetObserver(sched.Trigger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Start(ctx)
	sched.Trigger()

	srv := httptest.NewServer((&api.Server{Downloads: queue.NewManager(store)}).Handler())
	t.Cleanup(srv.Close)

	return &daemon{sys: sys, dataDir: dataDir, apiURL: srv.URL, sched: sched}
}

func (d *daemon) enqueue(t *testing.T, payload map[string]any) int64 {
	t.Helper()
	body, _ := json.Marshal(payload)
	resp, err := http.Post(d.apiURL+"/downloads", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enqueue: unexpected status %d", resp.StatusCode)
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("enqueue decode: %v", err)
	}
	return out.ID
}

func (d *daemon) get(t *testing.T, id int64) (queue.DownloadView, int) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("%s/downloads/%d", d.apiURL, id))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var view queue.DownloadView
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			t.Fatalf("get decode: %v", err)
		}
	}
	return view, resp.StatusCode
}

func (d *daemon) control(t *testing.T, id int64, action string) {
	t.Helper()
	resp, err := http.Post(fmt.Sprintf("%s/downloads/%d/%s", d.apiURL, id, action), "application/json", nil)
	if err != nil {
		t.Fatalf("%s: %v", action, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s: unexpected status %d", action, resp.StatusCode)
	}
}

func (d *daemon) waitForStatus(t *testing.T, id int64, status int) queue.DownloadView {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var view queue.DownloadView
	for time.Now().Before(deadline) {
		var code int
		view, code = d.get(t, id)
		if code == http.StatusOK && view.Status == status {
			return view
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("download %d never reached status %d, last view: %+v", id, status, view)
	return view
}

func TestDownloadEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in -short mode")
	}
	d := startDaemon(t)

	content := strings.Repeat("payload-", 8192)
	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte(content))
	}))
	defer fileSrv.Close()

	dest := filepath.Join(d.dataDir, "payload.bin")
	id := d.enqueue(t, map[string]any{
		"url":         fileSrv.URL + "/payload.bin",
		"destination": dest,
	})

	view := d.waitForStatus(t, id, queue.PublicStatusSuccessful)
	if view.TotalBytes != int64(len(content)) || view.CurrentBytes != int64(len(content)) {
		t.Fatalf("byte counts wrong: %+v", view)
	}
	if view.LocalPath != dest {
		t.Fatalf("expected local path %q, got %q", dest, view.LocalPath)
	}
	if view.Title != "payload.bin" {
		t.Fatalf("expected derived title, got %q", view.Title)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(got) != content {
		t.Fatalf("artifact mismatch: %d bytes", len(got))
	}
}

func TestWifiOnlyDownloadWaitsForWifi(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in -short mode")
	}
	d := startDaemon(t)
	d.sys.setNetwork(queue.NetworkCellular, true)

	content := "wifi only payload"
	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(content))
	}))
	defer fileSrv.Close()

	id := d.enqueue(t, map[string]any{
		"url":                   fileSrv.URL + "/big.iso",
		"destination":           filepath.Join(d.dataDir, "big.iso"),
		"allowed_network_types": queue.NetworkWifi,
	})

	view := d.waitForStatus(t, id, queue.PublicStatusPaused)
	if view.Reason != queue.PausedWaitingForNetwork {
		t.Fatalf("expected waiting-for-network reason, got %d", view.Reason)
	}

	d.sys.setNetwork(queue.NetworkWifi, true)
	d.sched.Trigger()
	d.waitForStatus(t, id, queue.PublicStatusSuccessful)
}

func TestRemoveDeletesRowAndArtifact(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in -short mode")
	}
	d := startDaemon(t)

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("to be removed"))
	}))
	defer fileSrv.Close()

	dest := filepath.Join(d.dataDir, "doomed.bin")
	id := d.enqueue(t, map[string]any{
		"url":         fileSrv.URL + "/doomed.bin",
		"destination": dest,
	})
	d.waitForStatus(t, id, queue.PublicStatusSuccessful)

	d.control(t, id, "remove")

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if _, code := d.get(t, id); code == http.StatusNotFound {
			if _, err := os.Stat(dest); os.IsNotExist(err) {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("download %d was not fully removed", id)
}

func TestPauseBlocksSchedulingUntilResume(t *testing.T) {
	if testing.Short() {
		t.Skip("skip integration test in -short mode")
	}
	d := startDaemon(t)
	// park the daemon offline so the download cannot start yet
	d.sys.setNetwork(0, false)

	fileSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("paused payload"))
	}))
	defer fileSrv.Close()

	dest := filepath.Join(d.dataDir, "paused.bin")
	id := d.enqueue(t, map[string]any{
		"url":         fileSrv.URL + "/paused.bin",
		"destination": dest,
	})
	d.waitForStatus(t, id, queue.PublicStatusPaused)

	d.control(t, id, "pause")
	d.sys.setNetwork(queue.NetworkWifi, true)
	d.sched.Trigger()

	// the paused download must not start even though the network is back
	time.Sleep(300 * time.Millisecond)
	if view, _ := d.get(t, id); view.Status != queue.PublicStatusPaused {
		t.Fatalf("expected download to stay paused, got %+v", view)
	}

	d.control(t, id, "resume")
	d.waitForStatus(t, id, queue.PublicStatusSuccessful)
}
