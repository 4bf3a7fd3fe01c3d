package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// DefaultHashPath is where the install-time hash of the unit is stored.
const DefaultHashPath = "/var/lib/patchgate/unit-file.sha256"

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]), nil
}

// CheckUnitFile compares the unit at unitPath against the hash stored at
// hashPath. It returns a warning if the unit was modified, or "" when it
// matches or there is nothing to compare (no unit, no stored hash).
func CheckUnitFile(unitPath, hashPath string) string {
	if _, err := os.Stat(unitPath); err != nil {
		return ""
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return ""
	}

	actual, err := hashFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

// RecordUnitHash stores the SHA-256 of unitPath at hashPath.
func RecordUnitHash(unitPath, hashPath string) error {
	hash, err := hashFile(unitPath)
	if err != nil {
		return fmt.Errorf("hash unit file: %w", err)
	}
	return os.WriteFile(hashPath, []byte(hash+"\n"), 0o600)
}
