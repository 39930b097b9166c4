package main

import (
	"fmt"
	"os"
)

const defaultAPI = "http://127.0.0.1:8080"

// set via -ldflags "-X main.version=..."
var version string

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "--version", "version":
		fmt.Println(versionString())
		return
	case "add":
		cmdAdd(os.Args[2:])
	case "list", "status":
		cmdList(os.Args[2:])
	case "info":
		cmdInfo(os.Args[2:])
	case "pause":
		cmdControl("pause", os.Args[2:])
	case "resume":
		cmdControl("resume", os.Args[2:])
	case "remove", "rm":
		cmdControl("remove", os.Args[2:])
	case "restart":
		cmdControl("restart", os.Args[2:])
	case "help":
		usage()
	default:
		usage()
	}
}

func versionString() string {
	if version == "" {
		return "fetchctl (dev)"
	}
	return "fetchctl " + version
}

func usage() {
	fmt.Println("fetchctl - download manager CLI")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  fetchctl add <url> --out /data/file [--title name] [--mime type] [--wifi-only] [--header 'Name: value']")
	fmt.Println("  fetchctl list [--status pending|running|paused|successful|failed]")
	fmt.Println("  fetchctl info <id>")
	fmt.Println("  fetchctl pause <id> [<id2> ...]")
	fmt.Println("  fetchctl resume <id> [<id2> ...]")
	fmt.Println("  fetchctl remove <id> [<id2> ...]")
	fmt.Println("  fetchctl restart <id> [<id2> ...]")
	fmt.Println("")
	fmt.Println("Env:")
	fmt.Println("  FETCHD_API=http://127.0.0.1:8080")
}

func apiBase() string {
	if v := os.Getenv("FETCHD_API"); v != "" {
		return v
	}
	return defaultAPI
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
