// Package systemd renders the patchgate service unit and tracks whether it
// was changed after installation.
package systemd

import "fmt"

// UnitPath is where init --install-systemd writes the unit.
const UnitPath = "/etc/systemd/system/patchgate.service"

// ServiceUnit returns the unit running binary serve with configPath.
// The service user needs the docker group for the scripts it runs;
// everything else on the host stays read-only.
func ServiceUnit(binary, configPath, auditDir, backupDir string) string {
	return fmt.Sprintf(`[Unit]
Description=patchgate approval-gated stack upgrades
After=network-online.target docker.service
Wants=network-online.target
Requires=docker.service

[Service]
Type=simple
User=patchgate
Group=patchgate
SupplementaryGroups=docker
ExecStart=%s serve --config %s
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectSystem=strict
ProtectHome=true
ProtectKernelTunables=true
ReadWritePaths=%s %s

[Install]
WantedBy=multi-user.target
`, binary, configPath, auditDir, backupDir)
}
