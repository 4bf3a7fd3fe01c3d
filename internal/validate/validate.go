// Package validate holds the input checks applied at every entry point
// before a value may reach a privileged script.
package validate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ppiankov/patchgate/internal/component"
)

var (
	semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[\w.]+)?$`)
	backupPattern = regexp.MustCompile(`^\w+-\d{8}-?\d{0,6}\.sql$`)
)

// metachars are never allowed in a backup filename, whatever the pattern says.
const metachars = "/\\;|&$`'\"<>(){}!\n\r"

// ValidationError reports a rejected input. It is returned to callers as a
// structured payload and never escapes a handler as a panic.
type ValidationError struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Version reports whether s is a strict semver string with optional "v" prefix.
func Version(s string) bool {
	return semverPattern.MatchString(s)
}

// Component reports whether s names a registered component.
func Component(s string) bool {
	_, ok := component.Parse(s)
	return ok
}

// BackupFilename checks only the shape of a backup filename.
// Use CheckBackupPath to also confirm the file exists.
func BackupFilename(s string) bool {
	return !strings.ContainsAny(s, metachars) && backupPattern.MatchString(s)
}

// CheckVersion returns a *ValidationError when s is not strict semver.
func CheckVersion(s string) error {
	if !Version(s) {
		return &ValidationError{Field: "version", Value: s, Reason: "must match major.minor.patch with optional v prefix and pre-release suffix"}
	}
	return nil
}

// CheckComponent returns the parsed component or a *ValidationError.
func CheckComponent(s string) (component.Name, error) {
	n, ok := component.Parse(s)
	if !ok {
		return "", &ValidationError{Field: "component", Value: s, Reason: "unknown component"}
	}
	return n, nil
}

// CheckBackupPath validates name as a backup filename under dir and returns
// the absolute path of the file. Every check runs independently: the
// character blacklist, the filename pattern, containment of the resolved path
// within dir, refusal of symlinks, and existence of a regular file.
func CheckBackupPath(dir, name string) (string, error) {
	reject := func(reason string) (string, error) {
		return "", &ValidationError{Field: "backup", Value: name, Reason: reason}
	}

	if strings.ContainsAny(name, metachars) {
		return reject("contains path separators or shell metacharacters")
	}
	if !backupPattern.MatchString(name) {
		return reject("does not match <component>-<YYYYMMDD>[-HHMMSS].sql")
	}

	base, err := filepath.Abs(dir)
	if err != nil {
		return reject("backup directory cannot be resolved")
	}
	full := filepath.Join(base, name)
	rel, err := filepath.Rel(base, full)
	if err != nil || rel != name || strings.HasPrefix(rel, "..") {
		return reject("resolves outside the backup directory")
	}

	info, err := os.Lstat(full)
	if err != nil {
		return reject("file does not exist")
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return reject("symlinks are not accepted")
	}
	if !info.Mode().IsRegular() {
		return reject("not a regular file")
	}
	return full, nil
}

// CheckServices validates a restart request against the allow-list.
// An empty request is rejected.
func CheckServices(services, allow []string) error {
	if len(services) == 0 {
		return &ValidationError{Field: "services", Value: "", Reason: "at least one service is required"}
	}
	allowed := make(map[string]bool, len(allow))
	for _, s := range allow {
		allowed[s] = true
	}
	for _, s := range services {
		if !allowed[s] {
			return &ValidationError{Field: "services", Value: s, Reason: "service is not restartable"}
		}
	}
	return nil
}
