package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

func printDownloads(views []downloadView) {
	if len(views) == 0 {
		fmt.Println("No downloads.")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tMODIFIED\tNAME/URL")
	for _, v := range views {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			v.ID, statusName(v.Status), formatProgress(v.CurrentBytes, v.TotalBytes),
			formatModified(v.LastModified), displayName(v))
		if reason := reasonText(v.Status, v.Reason); reason != "" {
			fmt.Fprintf(tw, " \t \t \t \t  reason: %s\n", reason)
		}
	}
	_ = tw.Flush()
}

func statusName(status int) string {
	switch status {
	case 1 << 0:
		return "pending"
	case 1 << 1:
		return "running"
	case 1 << 2:
		return "paused"
	case 1 << 3:
		return "successful"
	case 1 << 4:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", status)
}

func reasonText(status, reason int) string {
	switch status {
	case 1 << 2:
		switch reason {
		case 1:
			return "waiting to retry"
		case 2:
			return "waiting for network"
		case 3:
			return "queued for wifi"
		default:
			return "paused"
		}
	case 1 << 4:
		switch reason {
		case 1001:
			return "file error"
		case 1002:
			return "unhandled http code"
		case 1004:
			return "http data error"
		case 1005:
			return "too many redirects"
		case 1006:
			return "insufficient storage space"
		case 1007:
			return "storage device not found"
		case 1008:
			return "cannot resume"
		case 1009:
			return "file already exists"
		case 1000:
			return "unknown error"
		default:
			return fmt.Sprintf("http %d", reason)
		}
	}
	return ""
}

func displayName(v downloadView) string {
	if v.Title != "" {
		return v.Title
	}
	return shortURL(v.URI)
}

func shortURL(u string) string {
	if len(u) > 64 {
		return u[:61] + "..."
	}
	return u
}

func formatProgress(done, total int64) string {
	if total <= 0 {
		return humanBytes(done)
	}
	pct := float64(done) / float64(total) * 100
	return fmt.Sprintf("%s / %s (%.1f%%)", humanBytes(done), humanBytes(total), pct)
}

func formatModified(millis int64) string {
	if millis <= 0 {
		return "-"
	}
	return time.UnixMilli(millis).Format("2006-01-02 15:04")
}

func humanBytes(n int64) string {
	units := []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}
	val := float64(n)
	idx := 0
	for val >= 1024 && idx < len(units)-1 {
		val /= 1024
		idx++
	}
	return fmt.Sprintf("%.1f%s", val, units[idx])
}
