package factory_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/factory"
	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/rewards"
)

const policyJSON = `{
  "timezone": "Asia/Seoul",
  "allow_negative_adjustment": true,
  "max_retries": 5,
  "lock_timeout": "2s",
  "levels": [
    {"level": 2, "name": "Member", "min_points": 50, "daily_cap": 40},
    {"level": 1, "name": "Guest", "min_points": 0, "daily_cap": 20}
  ],
  "points": {"POST_CREATE": 15, "spam_penalty": 80}
}`

const policyTOML = `
timezone = "Asia/Seoul"
daily_cap = 30
hook_timeout = "500ms"

[[levels]]
level = 1
name = "Guest"
min_points = 0
daily_cap = 20

[[levels]]
level = 2
name = "Member"
min_points = 50
daily_cap = 40

[points]
DAILY_LOGIN = 1
`

// =============================================================================
// JSON
// =============================================================================

func TestParsePolicy_JSON(t *testing.T) {
	// GIVEN: A JSON policy with unsorted levels and catalog overrides
	f := factory.NewPolicyFactory()

	// WHEN: Parsing it
	cfg, err := f.ParsePolicy(policyJSON)
	require.NoError(t, err)

	// THEN: Levels are sorted and every knob is applied
	p := cfg.Policy
	assert.Equal(t, "Asia/Seoul", p.Location.String())
	assert.True(t, p.AllowNegativeAdjustment)
	assert.Equal(t, 5, p.MaxRetries)
	assert.Equal(t, 2*time.Second, p.LockTimeout)
	assert.Equal(t, 3*time.Second, p.HookTimeout, "unset keys keep defaults")
	require.Len(t, p.Levels, 2)
	assert.Equal(t, "Guest", p.Levels[0].Name)
	assert.Equal(t, int64(40), p.DailyCapFor(2))

	rule, _ := cfg.Catalog.Rule(rewards.ActivityPostCreated)
	assert.Equal(t, int64(15), rule.Points)
	rule, _ = cfg.Catalog.Rule(rewards.ActivitySpamConfirmed)
	assert.Equal(t, int64(80), rule.Points)
}

func TestParsePolicy_EmptyKeepsDefaults(t *testing.T) {
	cfg, err := factory.NewPolicyFactory().ParsePolicy(`{}`)
	require.NoError(t, err)

	assert.Equal(t, points.DefaultLevels(), cfg.Policy.Levels)
	assert.Equal(t, 3, cfg.Policy.MaxRetries)
	assert.Equal(t, time.UTC, cfg.Policy.Location)
}

func TestParsePolicy_Errors(t *testing.T) {
	f := factory.NewPolicyFactory()

	tests := []struct {
		name string
		json string
	}{
		{"malformed", `{"levels": [}`},
		{"bad timezone", `{"timezone": "Mars/Olympus"}`},
		{"bad duration", `{"lock_timeout": "soon"}`},
		{"first level not zero", `{"levels": [{"level": 1, "name": "A", "min_points": 10, "daily_cap": 5}]}`},
		{"unknown type", `{"points": {"SHARE": 3}}`},
		{"type without activity", `{"points": {"ADMIN_GRANT": 3}}`},
		{"negative amount", `{"points": {"POST_CREATE": -1}}`},
		{"negative cap", `{"daily_cap": -5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParsePolicy(tt.json)
			assert.Error(t, err)
		})
	}
}

// =============================================================================
// TOML
// =============================================================================

func TestParsePolicyTOML(t *testing.T) {
	cfg, err := factory.NewPolicyFactory().ParsePolicyTOML(policyTOML)
	require.NoError(t, err)

	p := cfg.Policy
	assert.Equal(t, int64(30), p.DailyCap)
	assert.Equal(t, int64(30), p.DailyCapFor(1), "override beats per-level caps")
	assert.Equal(t, 500*time.Millisecond, p.HookTimeout)
	assert.Equal(t, "Member", p.Levels.ComputeLevel(75).Name)

	rule, _ := cfg.Catalog.Rule(rewards.ActivityDailyLogin)
	assert.Equal(t, int64(1), rule.Points)
}

func TestParsePolicyTOML_RejectsUnknownKeys(t *testing.T) {
	_, err := factory.NewPolicyFactory().ParsePolicyTOML("daily_kap = 10\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_kap")
}

// =============================================================================
// FILES & ROUND TRIP
// =============================================================================

func TestLoadFile_PicksParserByExtension(t *testing.T) {
	dir := t.TempDir()
	f := factory.NewPolicyFactory()

	tomlPath := filepath.Join(dir, "policy.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(policyTOML), 0o600))
	cfg, err := f.LoadFile(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, int64(30), cfg.Policy.DailyCap)

	jsonPath := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(policyJSON), 0o600))
	cfg, err = f.LoadFile(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Policy.MaxRetries)

	yamlPath := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("a: 1"), 0o600))
	_, err = f.LoadFile(yamlPath)
	assert.Error(t, err)

	_, err = f.LoadFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestToFile_RoundTrip(t *testing.T) {
	f := factory.NewPolicyFactory()
	cfg, err := f.ParsePolicy(policyJSON)
	require.NoError(t, err)

	data, err := json.Marshal(f.ToFile(cfg))
	require.NoError(t, err)
	again, err := f.ParsePolicy(string(data))
	require.NoError(t, err)

	assert.Equal(t, cfg.Policy.Levels, again.Policy.Levels)
	assert.Equal(t, cfg.Policy.LockTimeout, again.Policy.LockTimeout)
	assert.Equal(t, cfg.Policy.Location.String(), again.Policy.Location.String())
	assert.Equal(t, cfg.Catalog.Rules(), again.Catalog.Rules())
	assert.Equal(t, map[string]int64{"POST_CREATE": 15, "SPAM_PENALTY": 80}, f.ToFile(cfg).Points)
}
