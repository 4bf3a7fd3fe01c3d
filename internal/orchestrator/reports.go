package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/component"
	"github.com/ppiankov/patchgate/internal/executor"
	"github.com/ppiankov/patchgate/internal/validate"
	"github.com/ppiankov/patchgate/internal/version"
)

// releaseLookups bounds concurrent upstream queries in CheckUpdates.
const releaseLookups = 4

// MaxHistoryLimit caps UpdateHistory.
const MaxHistoryLimit = 500

// UpdateInfo is one component in a CheckUpdates report.
type UpdateInfo struct {
	Component          component.Name `json:"component"`
	Current            string         `json:"current"`
	Latest             string         `json:"latest"`
	UpdateAvailable    bool           `json:"updateAvailable"`
	DiffClass          version.Diff   `json:"diffClass"`
	IsPatch            bool           `json:"isPatch"`
	RiskLevel          string         `json:"riskLevel"`
	AutoUpdateEligible bool           `json:"autoUpdateEligible"`
	RequiresApproval   bool           `json:"requiresApproval"`
	ChangelogURL       string         `json:"changelogUrl,omitempty"`
	PublishedAt        *time.Time     `json:"publishedAt,omitempty"`
}

// UpdateSummary counts a CheckUpdates report.
type UpdateSummary struct {
	Total              int `json:"total"`
	UpdatesAvailable   int `json:"updatesAvailable"`
	AutoUpdateEligible int `json:"autoUpdateEligible"`
	RequiresApproval   int `json:"requiresApproval"`
}

// UpdatesReport is the result of CheckUpdates.
type UpdatesReport struct {
	CheckedAt time.Time     `json:"checkedAt"`
	Updates   []UpdateInfo  `json:"updates"`
	Summary   UpdateSummary `json:"summary"`
}

// CheckUpdates compares deployed and upstream versions, for one component
// when name is set or for all of them.
func (s *Service) CheckUpdates(ctx context.Context, name string) (*UpdatesReport, error) {
	names := component.All()
	if name != "" {
		n, err := validate.CheckComponent(name)
		if err != nil {
			return nil, err
		}
		names = []component.Name{n}
	}

	current := s.versions.CurrentVersions(ctx)
	infos := make([]UpdateInfo, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(releaseLookups)
	for i, n := range names {
		g.Go(func() error {
			cur, ok := current[n]
			if !ok {
				cur = version.Unknown
			}
			infos[i] = updateInfo(s.versions.Snapshot(gctx, n, cur))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &UpdatesReport{CheckedAt: s.now().UTC(), Updates: infos}
	rep.Summary.Total = len(infos)
	for _, u := range infos {
		if !u.UpdateAvailable {
			continue
		}
		rep.Summary.UpdatesAvailable++
		if u.AutoUpdateEligible {
			rep.Summary.AutoUpdateEligible++
		} else {
			rep.Summary.RequiresApproval++
		}
	}
	return rep, nil
}

func updateInfo(snap version.Snapshot) UpdateInfo {
	p := snap.Component.Policy()
	return UpdateInfo{
		Component:          snap.Component,
		Current:            snap.Current,
		Latest:             snap.Latest,
		UpdateAvailable:    snap.UpdateAvailable,
		DiffClass:          snap.Diff,
		IsPatch:            snap.Diff == version.DiffPatch,
		RiskLevel:          p.Tier.String(),
		AutoUpdateEligible: snap.UpdateAvailable && p.AutoUpdateEligible(string(snap.Diff)),
		RequiresApproval:   p.RequiresApproval,
		ChangelogURL:       snap.ChangelogURL,
		PublishedAt:        snap.PublishedAt,
	}
}

// ComponentStatus is one component in a SystemStatus report.
type ComponentStatus struct {
	Component component.Name `json:"component"`
	Version   string         `json:"version"`
	Status    string         `json:"status"`
	Healthy   bool           `json:"healthy"`
	RiskLevel string         `json:"riskLevel"`
	Type      component.Kind `json:"type"`
}

// Overall aggregates a SystemStatus report.
type Overall struct {
	Total          int  `json:"total"`
	Healthy        bool `json:"healthy"`
	HealthyCount   int  `json:"healthyCount"`
	UnhealthyCount int  `json:"unhealthyCount"`
}

// SystemReport is the result of SystemStatus.
type SystemReport struct {
	CheckedAt  time.Time         `json:"checkedAt"`
	Components []ComponentStatus `json:"components"`
	Overall    Overall           `json:"overall"`
	// StatusError is set when the status script failed and every
	// component is reported unknown.
	StatusError string `json:"statusError,omitempty"`
}

// SystemStatus reports deployed versions and container health.
func (s *Service) SystemStatus(ctx context.Context) (*SystemReport, error) {
	current := s.versions.CurrentVersions(ctx)
	rep := &SystemReport{CheckedAt: s.now().UTC()}

	services := map[string]executor.ServiceStatus{}
	list, err := s.runner.Status(ctx)
	if err != nil {
		s.log.Warn("status script failed", "error", err)
		rep.StatusError = err.Error()
	}
	for _, st := range list {
		services[st.Service] = st
	}

	for _, n := range component.All() {
		spec := n.Spec()
		cs := ComponentStatus{
			Component: n,
			Version:   current[n],
			Status:    "unknown",
			RiskLevel: spec.Policy.Tier.String(),
			Type:      spec.Kind,
		}
		if cs.Version == "" {
			cs.Version = version.Unknown
		}
		if st, ok := services[string(n)]; ok {
			cs.Status = st.State
			if st.Health != "" {
				cs.Status = st.State + " (" + st.Health + ")"
			}
			cs.Healthy = st.Healthy()
		} else if err == nil {
			cs.Status = "not running"
		}
		rep.Components = append(rep.Components, cs)

		if cs.Healthy {
			rep.Overall.HealthyCount++
		} else {
			rep.Overall.UnhealthyCount++
		}
	}
	rep.Overall.Total = len(rep.Components)
	rep.Overall.Healthy = rep.Overall.UnhealthyCount == 0
	return rep, nil
}

// BackupList is the result of ListBackups.
type BackupList struct {
	Backups []executor.Backup `json:"backups"`
}

// ListBackups lists restorable database backups, newest first.
func (s *Service) ListBackups(_ context.Context, name string) (*BackupList, error) {
	if name != "" {
		if _, err := validate.CheckComponent(name); err != nil {
			return nil, err
		}
	}
	list, err := executor.ListBackups(s.runner.BackupDir(), name)
	if err != nil {
		return nil, err
	}
	return &BackupList{Backups: list}, nil
}

// HistoryReport is the result of UpdateHistory.
type HistoryReport struct {
	History []audit.Event `json:"history"`
}

// UpdateHistory returns recent audit events, newest first. Non-positive
// limits use the default and large ones are capped.
func (s *Service) UpdateHistory(_ context.Context, limit int, filter audit.Filter) (*HistoryReport, error) {
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if filter.Component != "" {
		if _, err := validate.CheckComponent(filter.Component); err != nil {
			return nil, err
		}
	}
	events, err := s.audit.History(limit, filter)
	if err != nil {
		return nil, err
	}
	return &HistoryReport{History: events}, nil
}
