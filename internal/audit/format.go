package audit

import (
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders events as a human-readable text timeline,
// in the order given.
func FormatTimeline(events []Event) string {
	if len(events) == 0 {
		return "No audit events.\n"
	}

	var b strings.Builder
	b.WriteString(separator + "\n")
	ok, failed := 0, 0
	for _, e := range events {
		status := "ok"
		if e.Success {
			ok++
		} else {
			status = "FAIL"
			failed++
		}
		target := e.Component
		if e.Version != "" {
			target += "@" + e.Version
		}
		line := fmt.Sprintf("%-19s %-22s %-4s %-24s %s",
			formatTime(e.Timestamp), e.Action, status, truncate(target, 24), e.Actor)
		if e.ApprovalID != "" {
			line += "  [" + shortID(e.ApprovalID) + "]"
		}
		b.WriteString(strings.TrimRight(line, " ") + "\n")
		if e.Detail != "" && !e.Success {
			b.WriteString("    " + truncate(e.Detail, 100) + "\n")
		}
	}
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "Summary: %d events, %d ok, %d failed\n", len(events), ok, failed)
	return b.String()
}

func formatTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
