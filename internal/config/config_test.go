package config

import (
	"strings"
	"testing"
)

func TestGenerateDefaultParses(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("studio")))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Tenant.ID != "studio" {
		t.Fatalf("expected tenant studio, got %s", cfg.Tenant.ID)
	}
	res, ok := cfg.Templates.Categories["residential"]
	if !ok {
		t.Fatalf("expected residential category")
	}
	if !res.ChainHardDeps {
		t.Fatalf("residential should chain hard deps")
	}
	if len(res.Phases) != 4 {
		t.Fatalf("expected 4 residential phases, got %d", len(res.Phases))
	}
	if cfg.RBAC.Roles["owner"].Level <= cfg.RBAC.Roles["admin"].Level {
		t.Fatalf("owner must outrank admin")
	}
}

func TestValidateRejectsMissingTenant(t *testing.T) {
	_, err := FromYAML([]byte(`templates:
  categories:
    residential:
      phases:
        - code: design
          name: Design
`))
	if err == nil || !strings.Contains(err.Error(), "tenant.id") {
		t.Fatalf("expected tenant.id error, got %v", err)
	}
}

func TestValidateRejectsDuplicatePhaseCode(t *testing.T) {
	_, err := FromYAML([]byte(`tenant:
  id: studio
templates:
  categories:
    residential:
      phases:
        - code: design
          name: Design
        - code: design
          name: Design Again
`))
	if err == nil || !strings.Contains(err.Error(), "duplicate phase code") {
		t.Fatalf("expected duplicate code error, got %v", err)
	}
}

func TestValidateRejectsUnknownRequiredRole(t *testing.T) {
	_, err := FromYAML([]byte(`tenant:
  id: studio
templates:
  categories:
    residential:
      phases:
        - code: design
          name: Design
          sub_phases:
            - code: signoff
              name: Sign-off
              required_role: director
rbac:
  roles:
    owner:
      level: 100
`))
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}

func TestValidateRejectsRoleAtOwnerLevel(t *testing.T) {
	_, err := FromYAML([]byte(`tenant:
  id: studio
templates:
  categories:
    residential:
      phases:
        - code: design
          name: Design
rbac:
  roles:
    owner:
      level: 100
    admin:
      level: 100
`))
	if err == nil || !strings.Contains(err.Error(), "below owner level") {
		t.Fatalf("expected level error, got %v", err)
	}
}
