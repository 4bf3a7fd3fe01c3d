package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// DefaultHistoryLimit is used when a caller asks for a non-positive limit.
const DefaultHistoryLimit = 20

// Filter narrows a history query. Zero fields match everything.
type Filter struct {
	Component string
	Action    string
	Since     time.Time
}

func (f Filter) match(ev Event) bool {
	if f.Component != "" && ev.Component != f.Component {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() {
		ts, err := time.Parse(TimestampFormat, ev.Timestamp)
		if err != nil || ts.Before(f.Since) {
			return false
		}
	}
	return true
}

// History returns up to limit events matching filter, newest first.
// Malformed lines are skipped. A missing log yields an empty history.
func (l *Log) History(limit int, filter Filter) ([]Event, error) {
	// Hold the writer lock so a half-written line is never read.
	l.mu.Lock()
	defer l.mu.Unlock()
	return ReadHistory(l.path, limit, filter)
}

// ReadHistory is History for a log file that is not open for writing.
func ReadHistory(path string, limit int, filter Filter) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	// Keep a ring of the last limit matches.
	ring := make([]Event, 0, limit)
	next := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if !filter.match(ev) {
			continue
		}
		if len(ring) < limit {
			ring = append(ring, ev)
			continue
		}
		ring[next] = ev
		next = (next + 1) % limit
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log: %w", err)
	}

	out := make([]Event, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}
