package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/patchgate/internal/component"
)

// script writes an executable shell script and returns its path.
func script(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

type fixture struct {
	dir     string
	backups string
	marker  string
	exec    *Executor
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	backups := filepath.Join(dir, "backups")
	require.NoError(t, os.Mkdir(backups, 0o700))
	marker := filepath.Join(dir, "ran")

	record := `printf '%s\n' "$@" > ` + marker + "\necho ok"
	cfg := Config{
		UpdateScript:   script(t, dir, "update.sh", record),
		RollbackScript: script(t, dir, "rollback.sh", record),
		RestartScript:  script(t, dir, "restart.sh", record),
		StatusScript:   script(t, dir, "status.sh", `echo '{"Service":"proxy","Image":"traefik:v3.2.3","State":"running","Health":""}'`),
		BackupDir:      backups,
		Restartable:    []string{"n8n", "grafana"},
		Timeout:        timeout,
	}
	return &fixture{dir: dir, backups: backups, marker: marker, exec: New(cfg)}
}

func (f *fixture) argv(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.marker)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func (f *fixture) ran() bool {
	_, err := os.Stat(f.marker)
	return err == nil
}

func TestUpdatePassesArgv(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	r := f.exec.Update(context.Background(), component.Traefik, "3.2.4")

	require.True(t, r.Success, r.Error)
	assert.Equal(t, "ok", r.Output)
	assert.Equal(t, "traefik", r.Component)
	assert.Equal(t, "3.2.4", r.Version)
	assert.Equal(t, []string{"traefik", "3.2.4"}, f.argv(t))
}

func TestUpdateRejectsBadInputWithoutRunning(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()

	for _, v := range []string{"3.2.4; rm -rf /", "$(id)", "latest", ""} {
		r := f.exec.Update(ctx, component.Traefik, v)
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "invalid version")
	}
	r := f.exec.Update(ctx, component.Name("mysql"), "1.0.0")
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "unknown component")
	assert.False(t, f.ran())
}

func TestScriptFailureReportsExitCode(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.exec.cfg.UpdateScript = script(t, f.dir, "fail.sh", "echo pulling\necho 'image not found' >&2\nexit 3")

	r := f.exec.Update(context.Background(), component.Grafana, "11.3.1")
	assert.False(t, r.Success)
	assert.Equal(t, 3, r.ExitCode)
	assert.Equal(t, "pulling", r.Output)
	assert.Contains(t, r.Error, "exit status 3")
	assert.Contains(t, r.Error, "image not found")
}

func TestScriptTimeoutKillsProcess(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.exec.cfg.UpdateScript = script(t, f.dir, "slow.sh", "sleep 30")

	start := time.Now()
	r := f.exec.Update(context.Background(), component.Grafana, "11.3.1")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, r.Success)
	assert.True(t, r.TimedOut)
	assert.Contains(t, r.Error, "timed out")
}

func TestMissingScript(t *testing.T) {
	f := newFixture(t, time.Second)
	f.exec.cfg.UpdateScript = filepath.Join(f.dir, "absent.sh")

	r := f.exec.Update(context.Background(), component.Grafana, "11.3.1")
	assert.False(t, r.Success)
	assert.Equal(t, -1, r.ExitCode)
}

func TestRollbackWithBackup(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	require.NoError(t, os.WriteFile(filepath.Join(f.backups, "postgres-20250101-120000.sql"), []byte("--"), 0o600))

	r := f.exec.Rollback(context.Background(), component.Postgres, "16.3.0", "postgres-20250101-120000.sql")
	require.True(t, r.Success, r.Error)
	assert.Equal(t, []string{"postgres", "16.3.0", "--restore-db", filepath.Join(f.backups, "postgres-20250101-120000.sql")}, f.argv(t))
}

func TestRollbackWithoutBackup(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	r := f.exec.Rollback(context.Background(), component.Traefik, "v3.2.0", "")
	require.True(t, r.Success, r.Error)
	assert.Equal(t, []string{"traefik", "v3.2.0"}, f.argv(t))
}

func TestRollbackRejectsUnsafeBackup(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	for _, name := range []string{"../../../etc/passwd.sql", "postgres-20250101.sql", "x;id-20250101.sql"} {
		r := f.exec.Rollback(context.Background(), component.Postgres, "16.3.0", name)
		assert.False(t, r.Success, name)
	}
	assert.False(t, f.ran())
}

func TestRestartAllowList(t *testing.T) {
	f := newFixture(t, 5*time.Second)

	r := f.exec.Restart(context.Background(), []string{"vault"})
	assert.False(t, r.Success)
	assert.False(t, f.ran())

	r = f.exec.Restart(context.Background(), []string{"n8n", "grafana"})
	require.True(t, r.Success, r.Error)
	assert.Equal(t, []string{"n8n", "grafana"}, f.argv(t))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	list, err := f.exec.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "proxy", list[0].Service)
	assert.True(t, list[0].Healthy())

	f.exec.cfg.StatusScript = script(t, f.dir, "status-fail.sh", "echo 'daemon down' >&2; exit 1")
	_, err = f.exec.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon down")
}

func TestParseStatus(t *testing.T) {
	ndjson := `{"Service":"proxy","State":"running","Health":"healthy"}
{"Service":"db","State":"running","Health":"unhealthy"}

{"Service":"cache","State":"exited","Health":""}`
	list, err := ParseStatus([]byte(ndjson))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.True(t, list[0].Healthy())
	assert.False(t, list[1].Healthy())
	assert.False(t, list[2].Healthy())

	list, err = ParseStatus([]byte(`[{"Service":"proxy","State":"running"}]`))
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = ParseStatus(nil)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = ParseStatus([]byte("garbage"))
	assert.Error(t, err)
}

func TestSubmitRunsOnDoneWithoutWaiter(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	task := f.exec.Submit(ctx, Job{
		Name: "update",
		Run: func(ctx context.Context) Result {
			return f.exec.Update(ctx, component.Traefik, "3.2.4")
		},
		OnDone: func(r Result) { done <- r },
	})
	// The caller going away must not cancel the job.
	cancel()

	select {
	case r := <-done:
		assert.True(t, r.Success, r.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("OnDone was not called")
	}

	r, err := task.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Success)
}

func TestTaskWaitHonoursContext(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	release := make(chan struct{})
	task := f.exec.Submit(context.Background(), Job{
		Name: "blocked",
		Run: func(context.Context) Result {
			<-release
			return Result{Success: true}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-task.Done()
	require.NoError(t, f.exec.Drain(context.Background()))
}

func TestSubmitIsBounded(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	var running, peak atomic.Int32

	tasks := make([]*Task, 5)
	for i := range tasks {
		tasks[i] = f.exec.Submit(context.Background(), Job{
			Name: "count",
			Run: func(context.Context) Result {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return Result{Success: true}
			},
		})
	}
	for _, task := range tasks {
		_, err := task.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, DefaultMaxConcurrent, peak.Load())
}
