/*
Package factory provides file to Go policy conversion.

PURPOSE:
  Converts JSON or TOML policy definitions into a points.Policy and a
  rewards.Catalog. Operators retune level thresholds, daily caps and
  activity amounts without code changes.

JSON SCHEMA:
  {
    "timezone": "Asia/Seoul",
    "daily_cap": 0,
    "allow_negative_adjustment": false,
    "max_retries": 3,
    "lock_timeout": "5s",
    "hook_timeout": "3s",
    "levels": [
      {"level": 1, "name": "Seedling", "min_points": 0, "daily_cap": 100},
      {"level": 2, "name": "Sprout", "min_points": 100, "daily_cap": 100}
    ],
    "points": {"POST_CREATE": 15, "SPAM_PENALTY": 80}
  }

TOML carries the same keys:
  timezone = "Asia/Seoul"
  lock_timeout = "5s"

  [[levels]]
  level = 1
  name = "Seedling"
  min_points = 0
  daily_cap = 100

  [points]
  POST_CREATE = 15

DEFAULTS:
  Missing keys keep points.DefaultPolicy() values. An absent levels list
  keeps the default ten-level table.

USAGE:
  f := factory.NewPolicyFactory()
  cfg, err := f.LoadFile("./policy.toml")
  ledger, err := points.NewLedger(store, cfg.Policy)
  awarder := rewards.NewAwarder(ledger, cfg.Catalog)

SEE ALSO:
  - points/policy.go: Policy type definition
  - rewards/catalog.go: Activity amounts
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warp/points-ledger/points"
	"github.com/warp/points-ledger/rewards"
)

// =============================================================================
// FILE SCHEMA TYPES
// =============================================================================

// PolicyFile is the on-disk representation of a policy.
type PolicyFile struct {
	Timezone                string           `json:"timezone,omitempty" toml:"timezone,omitempty"`
	DailyCap                int64            `json:"daily_cap,omitempty" toml:"daily_cap,omitempty"`
	AllowNegativeAdjustment bool             `json:"allow_negative_adjustment,omitempty" toml:"allow_negative_adjustment,omitempty"`
	MaxRetries              *int             `json:"max_retries,omitempty" toml:"max_retries,omitempty"`
	LockTimeout             string           `json:"lock_timeout,omitempty" toml:"lock_timeout,omitempty"`
	HookTimeout             string           `json:"hook_timeout,omitempty" toml:"hook_timeout,omitempty"`
	Levels                  []LevelFile      `json:"levels,omitempty" toml:"levels,omitempty"`
	Points                  map[string]int64 `json:"points,omitempty" toml:"points,omitempty"`
}

// LevelFile is one row of the level table.
type LevelFile struct {
	Number      int    `json:"level" toml:"level"`
	Name        string `json:"name" toml:"name"`
	MinPoints   int64  `json:"min_points" toml:"min_points"`
	DailyCap    int64  `json:"daily_cap" toml:"daily_cap"`
	Description string `json:"description,omitempty" toml:"description,omitempty"`
}

// Config is the result of parsing a policy file.
type Config struct {
	Policy  points.Policy
	Catalog rewards.Catalog
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// PolicyFactory converts policy files to Go structs.
type PolicyFactory struct{}

func NewPolicyFactory() *PolicyFactory {
	return &PolicyFactory{}
}

// ParsePolicy parses a JSON document.
func (f *PolicyFactory) ParsePolicy(jsonStr string) (Config, error) {
	var pf PolicyFile
	if err := json.Unmarshal([]byte(jsonStr), &pf); err != nil {
		return Config{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return f.FromFile(pf)
}

// ParsePolicyTOML parses a TOML document. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func (f *PolicyFactory) ParsePolicyTOML(tomlStr string) (Config, error) {
	var pf PolicyFile
	md, err := toml.Decode(tomlStr, &pf)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse policy TOML: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown policy keys: %s", strings.Join(keys, ", "))
	}
	return f.FromFile(pf)
}

// LoadFile reads path and picks the parser from its extension.
func (f *PolicyFactory) LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read policy file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return f.ParsePolicyTOML(string(data))
	case ".json":
		return f.ParsePolicy(string(data))
	default:
		return Config{}, fmt.Errorf("unsupported policy file extension %q", filepath.Ext(path))
	}
}

// FromFile converts a PolicyFile, starting from the defaults.
func (f *PolicyFactory) FromFile(pf PolicyFile) (Config, error) {
	policy := points.DefaultPolicy()

	if pf.Timezone != "" {
		loc, err := time.LoadLocation(pf.Timezone)
		if err != nil {
			return Config{}, fmt.Errorf("invalid timezone %q: %w", pf.Timezone, err)
		}
		policy.Location = loc
	}
	policy.DailyCap = pf.DailyCap
	policy.AllowNegativeAdjustment = pf.AllowNegativeAdjustment
	if pf.MaxRetries != nil {
		policy.MaxRetries = *pf.MaxRetries
	}

	var err error
	if policy.LockTimeout, err = parseDuration("lock_timeout", pf.LockTimeout, policy.LockTimeout); err != nil {
		return Config{}, err
	}
	if policy.HookTimeout, err = parseDuration("hook_timeout", pf.HookTimeout, policy.HookTimeout); err != nil {
		return Config{}, err
	}

	if len(pf.Levels) > 0 {
		levels := make(points.LevelTable, len(pf.Levels))
		for i, lf := range pf.Levels {
			levels[i] = points.Level{
				Number:      lf.Number,
				Name:        lf.Name,
				MinPoints:   lf.MinPoints,
				DailyCap:    lf.DailyCap,
				Description: lf.Description,
			}
		}
		sort.Slice(levels, func(i, j int) bool { return levels[i].MinPoints < levels[j].MinPoints })
		policy.Levels = levels
	}

	if err := policy.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid policy: %w", err)
	}

	catalog := rewards.DefaultCatalog()
	for name, amount := range pf.Points {
		t, err := points.ParseTransactionType(name)
		if err != nil {
			return Config{}, fmt.Errorf("points.%s: %w", name, err)
		}
		if !catalogWrites(catalog, t) {
			return Config{}, fmt.Errorf("points.%s: no activity writes this type", name)
		}
		catalog = catalog.WithPoints(t, amount)
	}
	if err := catalog.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid catalog: %w", err)
	}

	return Config{Policy: policy, Catalog: catalog}, nil
}

// ToFile converts a Config back to its file representation. Only amounts
// that differ from the transaction type defaults are written.
func (f *PolicyFactory) ToFile(cfg Config) PolicyFile {
	p := cfg.Policy
	retries := p.MaxRetries
	pf := PolicyFile{
		DailyCap:                p.DailyCap,
		AllowNegativeAdjustment: p.AllowNegativeAdjustment,
		MaxRetries:              &retries,
		LockTimeout:             p.LockTimeout.String(),
		HookTimeout:             p.HookTimeout.String(),
	}
	if p.Location != nil {
		pf.Timezone = p.Location.String()
	}
	for _, l := range p.Levels {
		pf.Levels = append(pf.Levels, LevelFile{
			Number:      l.Number,
			Name:        l.Name,
			MinPoints:   l.MinPoints,
			DailyCap:    l.DailyCap,
			Description: l.Description,
		})
	}
	for _, r := range cfg.Catalog.Rules() {
		if r.Points != r.Type.DefaultPoints() {
			if pf.Points == nil {
				pf.Points = make(map[string]int64)
			}
			pf.Points[string(r.Type)] = r.Points
		}
	}
	return pf
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func catalogWrites(c rewards.Catalog, t points.TransactionType) bool {
	for _, r := range c.Rules() {
		if r.Type == t {
			return true
		}
	}
	return false
}

func parseDuration(key, s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}
