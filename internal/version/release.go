package version

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ppiankov/patchgate/internal/component"
)

const (
	// DefaultAPIBase is the public GitHub REST endpoint.
	DefaultAPIBase = "https://api.github.com"
	// DefaultCacheTTL bounds how often one repository is queried.
	DefaultCacheTTL = 15 * time.Minute

	fetchTimeout = 10 * time.Second
	maxBody      = 1 << 20
)

// Release is the latest upstream release of a component.
type Release struct {
	Tag         string    `json:"tag"`
	Version     string    `json:"version"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"publishedAt"`
}

type githubRelease struct {
	TagName     string    `json:"tag_name"`
	HTMLURL     string    `json:"html_url"`
	PublishedAt time.Time `json:"published_at"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
}

type cachedRelease struct {
	release *Release
	at      time.Time
}

// ReleaseFeed looks up latest releases through the GitHub releases API.
// Concurrent lookups of one component share a single request and results
// are cached for the configured TTL.
type ReleaseFeed struct {
	apiBase string
	token   string
	ttl     time.Duration
	client  *http.Client
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[component.Name]cachedRelease
}

// FeedConfig configures a ReleaseFeed. Zero values take defaults.
type FeedConfig struct {
	APIBase  string
	Token    string
	CacheTTL time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

// NewReleaseFeed builds a feed from cfg.
func NewReleaseFeed(cfg FeedConfig) *ReleaseFeed {
	f := &ReleaseFeed{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		token:   cfg.Token,
		ttl:     cfg.CacheTTL,
		client:  cfg.Client,
		log:     cfg.Logger,
		now:     time.Now,
		cache:   make(map[component.Name]cachedRelease),
	}
	if f.apiBase == "" {
		f.apiBase = DefaultAPIBase
	}
	if f.ttl <= 0 {
		f.ttl = DefaultCacheTTL
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: fetchTimeout}
	}
	if f.log == nil {
		f.log = slog.Default()
	}
	return f
}

// Latest returns the newest release of name, or nil when it cannot be
// determined. Failures are logged and never returned.
func (f *ReleaseFeed) Latest(ctx context.Context, name component.Name) *Release {
	if r, ok := f.cached(name); ok {
		return r
	}

	v, _, _ := f.group.Do(string(name), func() (any, error) {
		// Shared by every waiter, so not tied to the first caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		r, err := f.fetch(fctx, name)
		if err != nil {
			f.log.Warn("release lookup failed", "component", name, "error", err)
			return (*Release)(nil), nil
		}
		f.mu.Lock()
		f.cache[name] = cachedRelease{release: r, at: f.now()}
		f.mu.Unlock()
		return r, nil
	})
	return v.(*Release)
}

func (f *ReleaseFeed) cached(name component.Name) (*Release, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cache[name]
	if !ok || f.now().Sub(c.at) > f.ttl {
		return nil, false
	}
	return c.release, true
}

func (f *ReleaseFeed) fetch(ctx context.Context, name component.Name) (*Release, error) {
	spec := name.Spec()
	if spec.Repository == "" {
		return nil, fmt.Errorf("no upstream repository for %q", name)
	}

	url := fmt.Sprintf("%s/repos/%s/releases/latest", f.apiBase, spec.Repository)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "patchgate")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, fmt.Errorf("release API returned %d", resp.StatusCode)
	}

	var gr githubRelease
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if gr.TagName == "" {
		return nil, fmt.Errorf("release has no tag")
	}

	return &Release{
		Tag:         gr.TagName,
		Version:     strings.TrimPrefix(gr.TagName, spec.TagPrefix),
		URL:         gr.HTMLURL,
		PublishedAt: gr.PublishedAt,
	}, nil
}
