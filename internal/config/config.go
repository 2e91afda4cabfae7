package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bitacora/internal/domain"
	"bitacora/internal/engine/auth"
)

// Config models bitacora.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"project" json:"project"`
	Review struct {
		DefaultPolicy string `yaml:"default_policy" json:"default_policy"`
		IncludeAuthor *bool  `yaml:"include_author" json:"include_author"`
	} `yaml:"review" json:"review"`
	Signing struct {
		RequireCredential bool `yaml:"require_credential" json:"require_credential"`
	} `yaml:"signing" json:"signing"`
	Concurrency struct {
		MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	} `yaml:"concurrency" json:"concurrency"`
	Entities struct {
		// Aliases maps free-text organization names to canonical entities.
		Aliases map[string]string `yaml:"aliases" json:"aliases"`
	} `yaml:"entities" json:"entities"`
	Permissions struct {
		Roles map[string]auth.RoleGrant `yaml:"roles" json:"roles"`
	} `yaml:"permissions" json:"permissions"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Review.DefaultPolicy != "" {
		if _, err := domain.ParsePolicyKind(c.Review.DefaultPolicy); err != nil {
			return fmt.Errorf("config.review.default_policy: %w", err)
		}
	}
	if c.Concurrency.MaxAttempts < 0 {
		return fmt.Errorf("config.concurrency.max_attempts must not be negative")
	}
	for alias, entity := range c.Entities.Aliases {
		if strings.TrimSpace(alias) == "" {
			return fmt.Errorf("config.entities.aliases has empty alias")
		}
		if !domain.Entity(strings.ToUpper(entity)).Valid() {
			return fmt.Errorf("alias %s maps to unknown entity %s", alias, entity)
		}
	}
	for role := range c.Permissions.Roles {
		if _, err := domain.ParseProjectRole(role); err != nil {
			return fmt.Errorf("config.permissions.roles: %w", err)
		}
	}
	return nil
}

// EntityAliases returns the alias table in the form domain.ParseEntity expects.
func (c *Config) EntityAliases() map[string]domain.Entity {
	out := make(map[string]domain.Entity, len(c.Entities.Aliases))
	for alias, entity := range c.Entities.Aliases {
		out[alias] = domain.Entity(strings.ToUpper(entity))
	}
	return out
}

// PermissionTable returns the default role table with overrides applied.
func (c *Config) PermissionTable() auth.Table {
	if len(c.Permissions.Roles) == 0 {
		return auth.DefaultTable
	}
	return auth.DefaultTable.Merge(c.Permissions.Roles)
}

// DefaultPolicy returns the policy used when a request does not name one.
func (c *Config) DefaultPolicy() domain.PolicyKind {
	k, err := domain.ParsePolicyKind(c.Review.DefaultPolicy)
	if err != nil {
		return domain.PolicyParallel
	}
	return k
}

// IncludeAuthor reports whether an author who is also a reviewer gets a
// review task. Unset means yes.
func (c *Config) IncludeAuthor() bool {
	return c.Review.IncludeAuthor == nil || *c.Review.IncludeAuthor
}

// MaxAttempts bounds optimistic-concurrency retries. Unset (0) means 3.
func (c *Config) MaxAttempts() int {
	if c.Concurrency.MaxAttempts <= 0 {
		return 3
	}
	return c.Concurrency.MaxAttempts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bitacora.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project. It panics if the
// built-in template does not decode.
func Default(projectID string) *Config {
	var cfg Config
	if err := yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  name: ""

review:
  default_policy: parallel
  include_author: true

signing:
  require_credential: false

concurrency:
  max_attempts: 3

entities:
  aliases:
    instituto de desarrollo urbano: IDU
    interventoria: INTERVENTORIA
    interventoría: INTERVENTORIA
    contratista: CONTRATISTA
    contractor: CONTRATISTA

permissions:
  roles:
    director:
      edit: true
      sign: true
      delete: true
    observer:
      edit: false
      sign: false
      delete: false
`
