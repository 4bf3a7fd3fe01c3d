// Package component holds the closed registry of managed infrastructure
// components and their static risk policies.
package component

import (
	"regexp"
	"strings"
)

// Name identifies a managed component. The zero value is not a valid component.
type Name string

const (
	Traefik    Name = "traefik"
	N8N        Name = "n8n"
	Vault      Name = "vault"
	Keycloak   Name = "keycloak"
	Prometheus Name = "prometheus"
	Grafana    Name = "grafana"
	Postgres   Name = "postgres"
	Redis      Name = "redis"
)

// Kind groups components by the role they play in the stack.
type Kind string

const (
	KindProxy      Kind = "reverse_proxy"
	KindWorkflow   Kind = "workflow_engine"
	KindSecrets    Kind = "secrets_vault"
	KindIdentity   Kind = "identity_provider"
	KindMonitoring Kind = "monitoring"
	KindDatabase   Kind = "database"
	KindCache      Kind = "cache"
)

// Policy is the immutable risk policy attached to a component.
type Policy struct {
	Tier                      Tier `json:"tier"`
	AutoUpdatePatch           bool `json:"auto_update_patch"`
	RequiresApproval          bool `json:"requires_approval"`
	RequiresMaintenanceWindow bool `json:"requires_maintenance_window"`
}

// Spec is everything the registry knows about a component.
type Spec struct {
	Name   Name
	Kind   Kind
	Policy Policy
	// Repository is the upstream "owner/repo" whose latest release is tracked.
	Repository string
	// TagPrefix is stripped from upstream release tags (n8n tags as "n8n@1.2.3").
	TagPrefix string
	// Image matches a compose image reference and captures its tag.
	Image *regexp.Regexp
}

func imageRef(repo string) *regexp.Regexp {
	return regexp.MustCompile(`^(?:[\w.-]+(?::\d+)?/)?` + regexp.QuoteMeta(repo) + `:([\w][\w.-]{0,127})$`)
}

var registry = map[Name]Spec{
	Traefik: {
		Name:       Traefik,
		Kind:       KindProxy,
		Policy:     Policy{Tier: TierLow, AutoUpdatePatch: true},
		Repository: "traefik/traefik",
		Image:      imageRef("traefik"),
	},
	N8N: {
		Name:       N8N,
		Kind:       KindWorkflow,
		Policy:     Policy{Tier: TierMedium, RequiresApproval: true},
		Repository: "n8n-io/n8n",
		TagPrefix:  "n8n@",
		Image:      imageRef("n8nio/n8n"),
	},
	Vault: {
		Name:       Vault,
		Kind:       KindSecrets,
		Policy:     Policy{Tier: TierCritical, RequiresApproval: true, RequiresMaintenanceWindow: true},
		Repository: "hashicorp/vault",
		Image:      imageRef("hashicorp/vault"),
	},
	Keycloak: {
		Name:       Keycloak,
		Kind:       KindIdentity,
		Policy:     Policy{Tier: TierHigh, RequiresApproval: true, RequiresMaintenanceWindow: true},
		Repository: "keycloak/keycloak",
		Image:      imageRef("keycloak/keycloak"),
	},
	Prometheus: {
		Name:       Prometheus,
		Kind:       KindMonitoring,
		Policy:     Policy{Tier: TierLow, AutoUpdatePatch: true},
		Repository: "prometheus/prometheus",
		Image:      imageRef("prom/prometheus"),
	},
	Grafana: {
		Name:       Grafana,
		Kind:       KindMonitoring,
		Policy:     Policy{Tier: TierLow, AutoUpdatePatch: true},
		Repository: "grafana/grafana",
		Image:      imageRef("grafana/grafana"),
	},
	Postgres: {
		Name:       Postgres,
		Kind:       KindDatabase,
		Policy:     Policy{Tier: TierCritical, RequiresApproval: true, RequiresMaintenanceWindow: true},
		Repository: "postgres/postgres",
		Image:      imageRef("postgres"),
	},
	Redis: {
		Name:       Redis,
		Kind:       KindCache,
		Policy:     Policy{Tier: TierMedium, RequiresApproval: true},
		Repository: "redis/redis",
		Image:      imageRef("redis"),
	},
}

// ordered is the stable iteration order used in listings.
var ordered = []Name{Traefik, N8N, Vault, Keycloak, Prometheus, Grafana, Postgres, Redis}

// All returns every known component in display order.
func All() []Name {
	out := make([]Name, len(ordered))
	copy(out, ordered)
	return out
}

// Parse maps a user-supplied string to a known component.
// Matching is exact: "Traefik" and " traefik" are rejected.
func Parse(s string) (Name, bool) {
	n := Name(s)
	if _, ok := registry[n]; !ok {
		return "", false
	}
	return n, true
}

// Known reports whether n is in the registry.
func (n Name) Known() bool {
	_, ok := registry[n]
	return ok
}

// Spec returns the registry entry for n. Unknown names yield a zero Spec.
func (n Name) Spec() Spec {
	return registry[n]
}

// Policy returns the risk policy for n.
func (n Name) Policy() Policy {
	return registry[n].Policy
}

func (n Name) String() string { return string(n) }

// Names renders a list of components for messages.
func Names(list []Name) string {
	parts := make([]string, len(list))
	for i, n := range list {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
