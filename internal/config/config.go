package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models phaseline.yml.
type Config struct {
	Tenant struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"tenant"`
	Templates struct {
		Categories map[string]CategoryTemplate `yaml:"categories"`
	} `yaml:"templates"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// CategoryTemplate describes the phase set instantiated for projects of
// one category.
type CategoryTemplate struct {
	ChainHardDeps bool            `yaml:"chain_hard_deps"`
	Phases        []PhaseTemplate `yaml:"phases"`
}

type PhaseTemplate struct {
	Code      string             `yaml:"code"`
	Name      string             `yaml:"name"`
	SubPhases []SubPhaseTemplate `yaml:"sub_phases"`
}

type SubPhaseTemplate struct {
	Code         string `yaml:"code"`
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
	CanSkip      bool   `yaml:"can_skip"`
	RequiredRole string `yaml:"required_role"`
}

// RBACRole is a role definition with a hierarchy level. A member may
// only grant roles at a level strictly below their own.
type RBACRole struct {
	Description string   `yaml:"description"`
	Level       int      `yaml:"level"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with pl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Tenant.ID == "" {
		return fmt.Errorf("config.tenant.id is required")
	}
	if len(c.Templates.Categories) == 0 {
		return fmt.Errorf("config.templates.categories is required")
	}
	for category, tmpl := range c.Templates.Categories {
		if category == "" {
			return fmt.Errorf("config.templates.categories contains empty category code")
		}
		if len(tmpl.Phases) == 0 {
			return fmt.Errorf("category %s has no phases", category)
		}
		seen := map[string]bool{}
		for _, p := range tmpl.Phases {
			if p.Code == "" || p.Name == "" {
				return fmt.Errorf("category %s has phase with empty code or name", category)
			}
			if seen[p.Code] {
				return fmt.Errorf("category %s has duplicate phase code %s", category, p.Code)
			}
			seen[p.Code] = true
			subSeen := map[string]bool{}
			for _, sp := range p.SubPhases {
				if sp.Code == "" || sp.Name == "" {
					return fmt.Errorf("phase %s/%s has sub-phase with empty code or name", category, p.Code)
				}
				if subSeen[sp.Code] {
					return fmt.Errorf("phase %s/%s has duplicate sub-phase code %s", category, p.Code, sp.Code)
				}
				subSeen[sp.Code] = true
				if sp.RequiredRole != "" && len(c.RBAC.Roles) > 0 {
					if _, ok := c.RBAC.Roles[sp.RequiredRole]; !ok {
						return fmt.Errorf("sub-phase %s/%s/%s references unknown role %s", category, p.Code, sp.Code, sp.RequiredRole)
					}
				}
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		owner, ok := c.RBAC.Roles["owner"]
		if !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			if roleID != "owner" && role.Level >= owner.Level {
				return fmt.Errorf("role %s level %d must be below owner level %d", roleID, role.Level, owner.Level)
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "phaseline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(tenantID string) string {
	return fmt.Sprintf(defaultTemplate, tenantID)
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

// Default returns the default Config struct for a tenant.
func Default(tenantID string) *Config {
	var cfg Config
	cfg.Tenant.ID = tenantID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, tenantID))).Decode(&cfg)
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

const defaultTemplate = `tenant:
  id: %s
  name: Default Studio

templates:
  categories:
    residential:
      chain_hard_deps: true
      phases:
        - code: design
          name: Design
          sub_phases:
            - code: site-survey
              name: Site Survey
              instructions: "Measure the site and photograph existing conditions"
            - code: concept
              name: Concept Boards
              instructions: "Prepare mood boards and layout options"
            - code: client-signoff
              name: Client Sign-off
              required_role: manager
        - code: procurement
          name: Procurement
          sub_phases:
            - code: boq
              name: Bill of Quantities
            - code: vendor-po
              name: Vendor Purchase Orders
            - code: delivery-check
              name: Delivery Inspection
              can_skip: true
        - code: execution
          name: Execution
          sub_phases:
            - code: civil
              name: Civil Work
            - code: carpentry
              name: Carpentry
            - code: finishing
              name: Finishing
        - code: handover
          name: Handover
          sub_phases:
            - code: snag-list
              name: Snag List
              can_skip: true
            - code: final-walkthrough
              name: Final Walkthrough
              required_role: manager
    commercial:
      chain_hard_deps: true
      phases:
        - code: design
          name: Design
        - code: approvals
          name: Statutory Approvals
        - code: fitout
          name: Fit-out
        - code: handover
          name: Handover

rbac:
  roles:
    owner:
      description: "Tenant owner"
      level: 100
      permissions: [tenant.manage, member.invite, project.create, project.read, project.update, project.delete, phase.read, phase.update, phase.delete, log.read]
    admin:
      description: "Administrator"
      level: 80
      permissions: [member.invite, project.create, project.read, project.update, project.delete, phase.read, phase.update, phase.delete, log.read]
    manager:
      description: "Project manager"
      level: 60
      permissions: [project.create, project.read, project.update, phase.read, phase.update, log.read]
    designer:
      description: "Designer"
      level: 40
      permissions: [project.read, phase.read, phase.update]
    viewer:
      description: "Read-only member"
      level: 20
      permissions: [project.read, phase.read, log.read]
`
