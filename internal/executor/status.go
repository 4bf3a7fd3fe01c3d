package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// ServiceStatus is one container as reported by the status script, which
// prints `docker compose ps --format json` output.
type ServiceStatus struct {
	Service string `json:"Service"`
	Name    string `json:"Name"`
	Image   string `json:"Image"`
	State   string `json:"State"`
	Health  string `json:"Health"`
	Status  string `json:"Status"`
}

// Healthy reports a running container whose health check, if any, passes.
func (s ServiceStatus) Healthy() bool {
	return s.State == "running" && (s.Health == "" || s.Health == "healthy")
}

// Status runs the status script and parses its output.
func (e *Executor) Status(ctx context.Context) ([]ServiceStatus, error) {
	stdout, stderr, res := e.exec(ctx, []string{e.cfg.StatusScript})
	if !res.Success {
		return nil, fmt.Errorf("status script: %s: %s", res.Error, tail(stderr))
	}
	return ParseStatus(stdout)
}

// ParseStatus accepts either a JSON array or one JSON object per line;
// compose has printed both over time.
func ParseStatus(out []byte) ([]ServiceStatus, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return []ServiceStatus{}, nil
	}
	if out[0] == '[' {
		var list []ServiceStatus
		if err := json.Unmarshal(out, &list); err != nil {
			return nil, fmt.Errorf("parse status: %w", err)
		}
		return list, nil
	}

	var list []ServiceStatus
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var s ServiceStatus
		if err := json.Unmarshal(line, &s); err != nil {
			return nil, fmt.Errorf("parse status line: %w", err)
		}
		list = append(list, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse status: %w", err)
	}
	return list, nil
}
