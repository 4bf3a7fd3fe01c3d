package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// VerifyResult holds the outcome of a hash chain verification.
// Head is the hash the next appended event would carry as prev_hash; an
// operator can record it out of band to detect truncation later.
type VerifyResult struct {
	Valid     bool           `json:"valid"`
	Lines     int            `json:"lines"`
	Head      string         `json:"head,omitempty"`
	Actions   map[string]int `json:"actions,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorLine int            `json:"error_line,omitempty"`
}

// Verify validates the hash chain of the audit log at path.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()
	return VerifyReader(f)
}

// VerifyReader walks JSONL events from r. Every event must decode, name an
// action, and carry the hash of the line before it (GenesisHash for the
// first). The first failure stops the walk.
func VerifyReader(r io.Reader) VerifyResult {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	res := VerifyResult{Head: GenesisHash, Actions: map[string]int{}}
	fail := func(line int, format string, args ...any) VerifyResult {
		return VerifyResult{Lines: line - 1, Error: fmt.Sprintf(format, args...), ErrorLine: line}
	}

	for scanner.Scan() {
		n := res.Lines + 1
		line := scanner.Bytes()

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fail(n, "parse error: %v", err)
		}
		if ev.PrevHash != res.Head {
			if n == 1 {
				return fail(n, "first entry prev_hash is %q, expected genesis hash", ev.PrevHash)
			}
			return fail(n, "hash mismatch: expected %s, got %s", res.Head, ev.PrevHash)
		}
		if ev.Action == "" {
			return fail(n, "event has no action")
		}

		res.Head = HashLine(line)
		res.Actions[ev.Action]++
		res.Lines = n
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Lines: res.Lines, Error: fmt.Sprintf("scan: %v", err)}
	}

	res.Valid = true
	return res
}
