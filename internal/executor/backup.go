package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/ppiankov/patchgate/internal/validate"
)

var backupParts = regexp.MustCompile(`^(\w+?)-(\d{8})-?(\d{0,6})\.sql$`)

// Backup is a database dump found in the backup directory.
type Backup struct {
	Filename  string    `json:"filename"`
	Component string    `json:"component"`
	Date      time.Time `json:"date"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
}

// ListBackups returns the valid backups in dir, newest first. When
// component is set only its backups are listed. A missing directory is
// an empty listing.
func ListBackups(dir, component string) ([]Backup, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []Backup{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	out := []Backup{}
	for _, e := range entries {
		if !e.Type().IsRegular() || !validate.BackupFilename(e.Name()) {
			continue
		}
		b, ok := parseBackup(e.Name())
		if !ok || (component != "" && b.Component != component) {
			continue
		}
		if info, err := e.Info(); err == nil {
			b.SizeBytes = info.Size()
		}
		b.Path = filepath.Join(abs, e.Name())
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].Filename > out[j].Filename
	})
	return out, nil
}

func parseBackup(name string) (Backup, bool) {
	m := backupParts.FindStringSubmatch(name)
	if m == nil {
		return Backup{}, false
	}
	stamp, layout := m[2], "20060102"
	if len(m[3]) == 6 {
		stamp, layout = stamp+m[3], "20060102150405"
	}
	date, err := time.Parse(layout, stamp)
	if err != nil {
		return Backup{}, false
	}
	return Backup{Filename: name, Component: m[1], Date: date}, true
}

// NewestBackup returns the most recent backup of component, if any.
func NewestBackup(dir, component string) (Backup, bool, error) {
	list, err := ListBackups(dir, component)
	if err != nil || len(list) == 0 {
		return Backup{}, false, err
	}
	return list[0], true, nil
}
