// Package version resolves deployed and upstream versions of managed
// components and classifies the delta between them.
package version

import (
	"context"
	"time"

	"github.com/ppiankov/patchgate/internal/component"
)

// Snapshot is the derived update state of one component. Never persisted.
type Snapshot struct {
	Component       component.Name `json:"component"`
	Current         string         `json:"current"`
	Latest          string         `json:"latest"`
	UpdateAvailable bool           `json:"updateAvailable"`
	Diff            Diff           `json:"diffClass"`
	ChangelogURL    string         `json:"changelogUrl,omitempty"`
	PublishedAt     *time.Time     `json:"publishedAt,omitempty"`
}

// Resolver combines the deployed manifest with the upstream release feed.
type Resolver struct {
	manifest *Manifest
	feed     *ReleaseFeed
}

// NewResolver returns a Resolver over the given sources.
func NewResolver(m *Manifest, f *ReleaseFeed) *Resolver {
	return &Resolver{manifest: m, feed: f}
}

// CurrentVersions returns the deployed tag of every component.
func (r *Resolver) CurrentVersions(_ context.Context) map[component.Name]string {
	return r.manifest.Versions()
}

// CurrentVersion returns the deployed tag of one component.
func (r *Resolver) CurrentVersion(ctx context.Context, name component.Name) string {
	if v, ok := r.CurrentVersions(ctx)[name]; ok {
		return v
	}
	return Unknown
}

// LatestRelease returns the newest upstream release, or nil.
func (r *Resolver) LatestRelease(ctx context.Context, name component.Name) *Release {
	return r.feed.Latest(ctx, name)
}

// Snapshot compares the deployed version of name with its latest release.
func (r *Resolver) Snapshot(ctx context.Context, name component.Name, current string) Snapshot {
	s := Snapshot{Component: name, Current: current, Latest: Unknown}
	rel := r.LatestRelease(ctx, name)
	if rel == nil {
		s.Diff = DiffUnknown
		return s
	}
	s.Latest = rel.Version
	s.ChangelogURL = rel.URL
	if !rel.PublishedAt.IsZero() {
		at := rel.PublishedAt
		s.PublishedAt = &at
	}
	d := Classify(current, rel.Version)
	s.UpdateAvailable = d.UpdateAvailable
	s.Diff = d.Diff
	return s
}
