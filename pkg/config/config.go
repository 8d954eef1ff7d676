package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/pario-ai/profilequota/pkg/models"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the config file leaves a value unset.
const (
	EnvHubURL       = "JUPYTERHUB_API_URL"
	EnvHubToken     = "JUPYTERHUB_API_TOKEN"
	EnvProfilesJSON = "JUPYTERHUB_PROFILES_JSON"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all profilequota configuration.
type Config struct {
	DBPath       string           `yaml:"db_path"`
	Hub          HubConfig        `yaml:"hub"`
	Cull         CullConfig       `yaml:"cull"`
	Server       ServerConfig     `yaml:"server"`
	Log          LogConfig        `yaml:"log"`
	ProfilesJSON string           `yaml:"profiles_json"`
	Profiles     []models.Profile `yaml:"profiles"`
}

// HubConfig points at the hub REST API.
type HubConfig struct {
	URL      string `yaml:"url"`
	APIToken string `yaml:"api_token"`
}

// CullConfig controls the periodic quota check.
type CullConfig struct {
	CheckEvery  time.Duration `yaml:"check_every"`
	Concurrency int           `yaml:"concurrency"`
	// TickTimeout bounds a single check. Zero means no limit.
	TickTimeout time.Duration `yaml:"tick_timeout"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: "profile_quotas.db",
		Cull: CullConfig{
			CheckEvery:  10 * time.Minute,
			Concurrency: 10,
		},
		Server: ServerConfig{
			Listen: ":8181",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file and expands environment variables. An
// empty path yields the defaults. Unset hub settings and profiles fall back
// to the JUPYTERHUB_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.loadProfilesJSON(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Hub.URL == "" {
		c.Hub.URL = os.Getenv(EnvHubURL)
	}
	if c.Hub.APIToken == "" {
		c.Hub.APIToken = os.Getenv(EnvHubToken)
	}
	if c.ProfilesJSON == "" && len(c.Profiles) == 0 {
		c.ProfilesJSON = os.Getenv(EnvProfilesJSON)
	}
}

// loadProfilesJSON decodes the hub's JSON profile list into Profiles.
func (c *Config) loadProfilesJSON() error {
	if strings.TrimSpace(c.ProfilesJSON) == "" {
		return nil
	}
	if len(c.Profiles) > 0 {
		return fmt.Errorf("%w: profiles and profiles_json are mutually exclusive", ErrInvalidConfig)
	}
	var profiles []models.Profile
	if err := json.Unmarshal([]byte(c.ProfilesJSON), &profiles); err != nil {
		return fmt.Errorf("parse profiles json: %w", err)
	}
	c.Profiles = profiles
	return nil
}

// Validate checks the configuration once so that the rest of the program
// can trust it.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.DBPath == "" {
		fail("db_path is required")
	}
	if c.Cull.CheckEvery <= 0 {
		fail("cull.check_every must be positive, got %s", c.Cull.CheckEvery)
	}
	if c.Cull.Concurrency < 1 {
		fail("cull.concurrency must be at least 1, got %d", c.Cull.Concurrency)
	}
	if c.Cull.TickTimeout < 0 {
		fail("cull.tick_timeout must not be negative, got %s", c.Cull.TickTimeout)
	}

	seen := make(map[string]bool, len(c.Profiles))
	for i, p := range c.Profiles {
		if p.Slug == "" {
			fail("profile %d: slug is required", i)
			continue
		}
		if seen[p.Slug] {
			fail("profile %q: duplicate slug", p.Slug)
		}
		seen[p.Slug] = true

		for _, problem := range quotaProblems(p.Quota) {
			fail("profile %q: %s", p.Slug, problem)
		}
	}
	return errors.Join(errs...)
}

func quotaProblems(q *models.Quota) []string {
	if q == nil {
		return nil
	}
	var problems []string
	check := func(name string, v *float64, nonNegative bool) {
		switch {
		case v == nil:
		case math.IsNaN(*v):
			problems = append(problems, name+" is NaN")
		case nonNegative && *v < 0:
			problems = append(problems, fmt.Sprintf("%s must be >= 0, got %v", name, *v))
		}
	}

	check("costTokensPerHour", q.CostTokensPerHour, true)
	check("minBalanceToSpawn", q.MinBalanceToSpawn, false)
	for role, rq := range map[string]*models.RoleQuota{"admins": q.Admins, "users": q.Users} {
		if rq == nil {
			continue
		}
		check(role+".newTokensPerHour", rq.NewTokensPerHour, true)
		check(role+".initialBalance", rq.InitialBalance, false)
		check(role+".maxBalance", rq.MaxBalance, false)
		check(role+".minBalanceToSpawn", rq.MinBalanceToSpawn, false)
	}
	return problems
}
