package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

type headerFlags map[string]string

func (h headerFlags) String() string { return "" }

func (h headerFlags) Set(value string) error {
	name, val, ok := strings.Cut(value, ":")
	if !ok {
		return fmt.Errorf("header must look like 'Name: value', got %q", value)
	}
	h[strings.TrimSpace(name)] = strings.TrimSpace(val)
	return nil
}

func cmdAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	out := fs.String("out", "", "destination file path")
	title := fs.String("title", "", "display title")
	description := fs.String("description", "", "display description")
	mime := fs.String("mime", "", "expected media type")
	wifiOnly := fs.Bool("wifi-only", false, "only transfer over wifi")
	headers := headerFlags{}
	fs.Var(headers, "header", "request header, repeatable")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "add needs exactly one url")
		os.Exit(1)
	}
	if *out == "" {
		fmt.Fprintln(os.Stderr, "add needs --out")
		os.Exit(1)
	}

	payload := map[string]interface{}{
		"url":         fs.Arg(0),
		"destination": *out,
		"title":       *title,
		"description": *description,
		"mime_type":   *mime,
	}
	if len(headers) > 0 {
		payload["headers"] = headers
	}
	if *wifiOnly {
		payload["allowed_network_types"] = 1 << 1
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := postJSON(apiBase()+"/downloads", payload, &resp); err != nil {
		fatal(err)
	}
	fmt.Printf("queued download %d\n", resp.ID)
}
