package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

var statusFlagNames = map[string]int{
	"pending":    1 << 0,
	"running":    1 << 1,
	"paused":     1 << 2,
	"successful": 1 << 3,
	"failed":     1 << 4,
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "filter by status, comma separated")
	bySize := fs.Bool("by-size", false, "order by total size instead of recency")
	_ = fs.Parse(args)

	query := url.Values{}
	if *status != "" {
		flags := 0
		for _, name := range strings.Split(*status, ",") {
			bit, ok := statusFlagNames[strings.TrimSpace(name)]
			if !ok {
				fmt.Fprintf(os.Stderr, "unknown status %q\n", name)
				os.Exit(1)
			}
			flags |= bit
		}
		query.Set("status", strconv.Itoa(flags))
	}
	if *bySize {
		query.Set("order", "size")
	}

	target := apiBase() + "/downloads"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var views []downloadView
	if err := getJSON(target, &views); err != nil {
		fatal(err)
	}
	printDownloads(views)
}

func cmdInfo(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "info needs exactly one id")
		os.Exit(1)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fatal(err)
	}
	var v downloadView
	if err := getJSON(fmt.Sprintf("%s/downloads/%d", apiBase(), id), &v); err != nil {
		fatal(err)
	}
	fmt.Printf("id: %d\n", v.ID)
	fmt.Printf("  url: %s\n", v.URI)
	if v.Title != "" {
		fmt.Printf("  title: %s\n", v.Title)
	}
	if v.Description != "" {
		fmt.Printf("  description: %s\n", v.Description)
	}
	fmt.Printf("  status: %s\n", statusName(v.Status))
	if reason := reasonText(v.Status, v.Reason); reason != "" {
		fmt.Printf("  reason: %s\n", reason)
	}
	fmt.Printf("  progress: %s\n", formatProgress(v.CurrentBytes, v.TotalBytes))
	if v.MimeType != "" {
		fmt.Printf("  media type: %s\n", v.MimeType)
	}
	if v.Destination != "" {
		fmt.Printf("  destination: %s\n", v.Destination)
	}
	if v.LocalPath != "" {
		fmt.Printf("  local path: %s\n", v.LocalPath)
	}
	fmt.Printf("  modified: %s\n", formatModified(v.LastModified))
}

func cmdControl(action string, args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "%s needs at least one id\n", action)
		os.Exit(1)
	}
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fatal(err)
		}
		if err := postJSON(fmt.Sprintf("%s/downloads/%d/%s", apiBase(), id, action), nil, nil); err != nil {
			fatal(err)
		}
		fmt.Printf("%s: download %d\n", action, id)
	}
}
