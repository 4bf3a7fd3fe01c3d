package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/patchgate/internal/config"
	"github.com/ppiankov/patchgate/internal/systemd"
)

var (
	initMode           string
	initForce          bool
	initInstallSystemd bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "system", "Config location: system (/etc/patchgate) or local (./)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing patchgate.yaml")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install patchgate.service (requires root)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default patchgate.yaml",
	Long: `Writes a commented patchgate.yaml holding every default.

System mode (default): /etc/patchgate/patchgate.yaml
Local mode:            ./patchgate.yaml

With --install-systemd: installs patchgate.service and records its hash
so doctor can report later modifications.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := initConfigDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "patchgate.yaml")

	out := cmd.OutOrStdout()
	wrote, err := writeIfMissing(path, config.DefaultYAML())
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(out, "Created %s\n", path)
	} else {
		fmt.Fprintf(out, "%s already exists (use --force to overwrite).\n", path)
	}

	if initInstallSystemd {
		if err := installUnit(path); err != nil {
			return err
		}
		fmt.Fprintf(out, "Installed %s\n", systemd.UnitPath)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next:")
	fmt.Fprintln(out, "  set server.service_token and chat.signing_secret (or PATCHGATE_* env vars)")
	fmt.Fprintln(out, "  patchgate doctor")
	if initInstallSystemd {
		fmt.Fprintln(out, "  sudo systemctl enable --now patchgate")
	} else {
		fmt.Fprintln(out, "  patchgate serve")
	}
	return nil
}

// installUnit writes patchgate.service for the config at configPath.
func installUnit(configPath string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("--install-systemd is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("--install-systemd requires root; run with sudo")
	}

	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate patchgate binary: %w", err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	unit := systemd.ServiceUnit(binary, configPath, filepath.Dir(cfg.Audit.Path), cfg.Backups.Dir)
	if err := os.WriteFile(systemd.UnitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(systemd.DefaultHashPath), 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := systemd.RecordUnitHash(systemd.UnitPath, systemd.DefaultHashPath); err != nil {
		return err
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
	}
	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system", "":
		return "/etc/patchgate", nil
	case "local":
		return os.Getwd()
	default:
		return "", fmt.Errorf("unknown mode %q: use 'system' or 'local'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	// The file will hold secrets once edited.
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
