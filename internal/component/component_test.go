package component

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskTable(t *testing.T) {
	tests := []struct {
		name     Name
		tier     Tier
		auto     bool
		approval bool
		window   bool
	}{
		{Traefik, TierLow, true, false, false},
		{Prometheus, TierLow, true, false, false},
		{Grafana, TierLow, true, false, false},
		{N8N, TierMedium, false, true, false},
		{Redis, TierMedium, false, true, false},
		{Keycloak, TierHigh, false, true, true},
		{Vault, TierCritical, false, true, true},
		{Postgres, TierCritical, false, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.name), func(t *testing.T) {
			p := tt.name.Policy()
			assert.Equal(t, tt.tier, p.Tier)
			assert.Equal(t, tt.auto, p.AutoUpdatePatch)
			assert.Equal(t, tt.approval, p.RequiresApproval)
			assert.Equal(t, tt.window, p.RequiresMaintenanceWindow)
		})
	}
	assert.Len(t, All(), len(tests))
}

func TestParse(t *testing.T) {
	n, ok := Parse("vault")
	require.True(t, ok)
	assert.Equal(t, Vault, n)

	for _, bad := range []string{"", "Vault", " vault", "mysql", "vault;rm"} {
		_, ok := Parse(bad)
		assert.False(t, ok, bad)
	}
}

func TestAllReturnsCopy(t *testing.T) {
	a := All()
	a[0] = "mutated"
	assert.Equal(t, Traefik, All()[0])
}

func TestImagePatterns(t *testing.T) {
	tests := []struct {
		name  Name
		image string
		tag   string
	}{
		{Traefik, "traefik:v3.2.3", "v3.2.3"},
		{N8N, "n8nio/n8n:1.75.0", "1.75.0"},
		{N8N, "docker.n8n.io/n8nio/n8n:1.75.0", "1.75.0"},
		{Keycloak, "quay.io/keycloak/keycloak:26.0.7", "26.0.7"},
		{Prometheus, "prom/prometheus:v2.55.1", "v2.55.1"},
		{Postgres, "postgres:16.4-alpine", "16.4-alpine"},
		{Redis, "redis:7.4.1", "7.4.1"},
	}
	for _, tt := range tests {
		m := tt.name.Spec().Image.FindStringSubmatch(tt.image)
		require.NotNil(t, m, tt.image)
		assert.Equal(t, tt.tag, m[1])
	}

	assert.Nil(t, Postgres.Spec().Image.FindStringSubmatch("bitnami/postgresql:16"))
	assert.Nil(t, Redis.Spec().Image.FindStringSubmatch("redis"))
}

func TestAutoUpdateEligible(t *testing.T) {
	assert.True(t, Traefik.Policy().AutoUpdateEligible("patch"))
	assert.False(t, Traefik.Policy().AutoUpdateEligible("minor"))
	assert.False(t, N8N.Policy().AutoUpdateEligible("patch"))
	assert.False(t, Policy{Tier: TierMedium, AutoUpdatePatch: true}.AutoUpdateEligible("patch"))
}

func TestTierJSON(t *testing.T) {
	b, err := json.Marshal(TierCritical)
	require.NoError(t, err)
	assert.Equal(t, `"critical"`, string(b))

	var tier Tier
	require.NoError(t, json.Unmarshal([]byte(`"high"`), &tier))
	assert.Equal(t, TierHigh, tier)
	assert.Error(t, json.Unmarshal([]byte(`"extreme"`), &tier))
}

func TestHighest(t *testing.T) {
	assert.Equal(t, TierLow, Highest(nil))
	assert.Equal(t, TierMedium, Highest([]Name{Traefik, Redis}))
	assert.Equal(t, TierCritical, Highest([]Name{Keycloak, Postgres, Grafana}))
}

func TestTierRank(t *testing.T) {
	order := []Tier{TierLow, TierMedium, TierHigh, TierCritical}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s should outrank %s", order[i], order[i-1])
	}
}
