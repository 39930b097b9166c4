package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"fetchd/internal/api"
	"fetchd/internal/db"
	"fetchd/internal/queue"
	"fetchd/internal/worker"
)

// set via -ldflags "-X main.version=..."
var version string

func main() {
	_ = godotenv.Load()
	log.Printf("fetchd %s starting", versionString())

	stateDir := getenv("FETCHD_STATE_DIR", "/state")
	dbPath := getenv("FETCHD_DB", stateDir+"/fetchd.db")
	listen := getenv("FETCHD_HTTP_ADDR", "0.0.0.0:8080")
	roots := strings.Split(getenv("FETCHD_STORAGE_ROOTS", stateDir), ":")
	concurrency := getenvInt("FETCHD_MAX_CONCURRENT", queue.MaxConcurrentDownloads)
	userAgent := getenv("FETCHD_USER_AGENT", "")

	dbConn, err := db.Open(dbPath)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	store := queue.NewStore(dbConn)
	storage := queue.NewStorageManager(roots...)
	sys := &queue.RealSystem{Storage: storage}

	w := worker.New(store, sys, storage)
	w.UserAgent = userAgent

	sched := queue.NewScheduler(store, sys, w, concurrency)
	store.SetObserver(sched.Trigger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Start(ctx)
	// pick up rows left over from the previous run
	sched.Trigger()

	manager := queue.NewManager(store)
	server := &api.Server{Downloads: manager}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("fetchd listening on %s", listen)
	if err := http.Serve(ln, server.Handler()); err != nil {
		log.Fatalf("http serve: %v", err)
	}
}

func versionString() string {
	if version == "" {
		return "dev"
	}
	return version
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
