// Package config loads the governance core's runtime configuration from a
// YAML file overlaid with GOVERNOR_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/domain"
	"github.com/knowledgepa3/VA-Governance-Project2-sub007/internal/logging"
)

// EnvPrefix prefixes every environment override.
// GOVERNOR_LEDGER_DB_PATH sets ledger.db_path.
const EnvPrefix = "GOVERNOR_"

const maxConfigFileSize = 1 << 20

// CommandConfig defines how to launch a collaborator process.
type CommandConfig struct {
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     map[string]string `koanf:"env"`
	Dir     string            `koanf:"dir"`
	Timeout time.Duration     `koanf:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LedgerConfig configures the forensic ledger store.
type LedgerConfig struct {
	DBPath string `koanf:"db_path"`
}

// ApprovalConfig configures approval gates.
type ApprovalConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// PolicyConfig configures the rule engine. Rule file reloads are recorded in
// the ledger under SystemTenant.
type PolicyConfig struct {
	RulesFile    string   `koanf:"rules_file"`
	Blocklist    []string `koanf:"blocklist"`
	Watch        bool     `koanf:"watch"`
	SystemTenant string   `koanf:"system_tenant"`
}

// ClassifierConfig configures the MAI classifier.
type ClassifierConfig struct {
	RegulatedDomains []string `koanf:"regulated_domains"`
}

// WorkflowConfig configures the default agent sequence.
type WorkflowConfig struct {
	Roles []string `koanf:"roles"`
}

// Config holds the governance core's runtime configuration.
type Config struct {
	Server     ServerConfig             `koanf:"server"`
	Ledger     LedgerConfig             `koanf:"ledger"`
	Approval   ApprovalConfig           `koanf:"approval"`
	Policy     PolicyConfig             `koanf:"policy"`
	Classifier ClassifierConfig         `koanf:"classifier"`
	Workflow   WorkflowConfig           `koanf:"workflow"`
	Agents     map[string]CommandConfig `koanf:"agents"`
	Repair     *CommandConfig           `koanf:"repair"`
	Logging    logging.Config           `koanf:"logging"`
}

// Load reads the YAML file at path, overlays environment variables, applies
// defaults, and validates. An empty path loads from the environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, domain.Wrap(domain.ErrConfigInvalid, fmt.Sprintf("config file %s exceeds %d bytes", path, maxConfigFileSize), nil)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// envKey maps GOVERNOR_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// listKeys are the slice-valued settings; their env values are comma-separated.
var listKeys = map[string]bool{
	"policy.blocklist":             true,
	"classifier.regulated_domains": true,
	"workflow.roles":               true,
}

// envValue maps an environment variable to its config key, splitting
// list-valued settings on commas.
func envValue(key, value string) (string, any) {
	k := envKey(key)
	if !listKeys[k] {
		return k, value
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return k, items
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":9800"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Ledger.DBPath == "" {
		c.Ledger.DBPath = "governor.db"
	}
	if c.Approval.Timeout == 0 {
		c.Approval.Timeout = time.Hour
	}
	if c.Policy.SystemTenant == "" {
		c.Policy.SystemTenant = "system"
	}
	if len(c.Workflow.Roles) == 0 {
		for _, r := range domain.DefaultRoles() {
			c.Workflow.Roles = append(c.Workflow.Roles, string(r))
		}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Approval.Timeout < 0 {
		problems = append(problems, "approval.timeout must be positive")
	}
	if c.Policy.Watch && c.Policy.RulesFile == "" {
		problems = append(problems, "policy.watch requires policy.rules_file")
	}
	known := make(map[string]bool)
	for _, r := range domain.DefaultRoles() {
		known[string(r)] = true
	}
	for _, r := range c.Workflow.Roles {
		if !known[strings.ToUpper(r)] {
			problems = append(problems, fmt.Sprintf("workflow.roles: unknown role %q", r))
		}
	}
	for name, a := range c.Agents {
		if !known[strings.ToUpper(name)] {
			problems = append(problems, fmt.Sprintf("agents.%s: unknown role", name))
		}
		if a.Command == "" {
			problems = append(problems, fmt.Sprintf("agents.%s.command is required", name))
		}
	}
	if c.Repair != nil && c.Repair.Command == "" {
		problems = append(problems, "repair.command is required")
	}
	if err := c.Logging.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

// Roles returns the configured default agent sequence.
func (c *Config) Roles() []domain.AgentRole {
	roles := make([]domain.AgentRole, len(c.Workflow.Roles))
	for i, r := range c.Workflow.Roles {
		roles[i] = domain.AgentRole(strings.ToUpper(r))
	}
	return roles
}
