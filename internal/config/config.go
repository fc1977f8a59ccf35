package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models signoff.yml.
type Config struct {
	Organisation struct {
		Name string `yaml:"name"`
	} `yaml:"organisation"`
	Documents struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		ProjectPlan struct {
			AECEndorsementDefault bool `yaml:"aec_endorsement_required_default"`
		} `yaml:"project_plan"`
	} `yaml:"documents"`
	Notifications struct {
		Enabled   bool                       `yaml:"enabled"`
		From      string                     `yaml:"from"`
		Templates map[string]MessageTemplate `yaml:"templates"`
		Webhooks  []WebhookConfig            `yaml:"webhooks"`
	} `yaml:"notifications"`
	PDF struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"pdf"`
}

// MessageTemplate is a notification message body keyed by template name,
// with an optional per-kind override (the Animal Ethics Committee wording
// only applies to project plans).
type MessageTemplate struct {
	Subject       string            `yaml:"subject"`
	Body          string            `yaml:"body"`
	KindOverrides map[string]string `yaml:"kind_overrides,omitempty"`
}

// WebhookConfig describes an event delivery target.
type WebhookConfig struct {
	URL     string   `yaml:"url"`
	Secret  string   `yaml:"secret,omitempty"`
	Events  []string `yaml:"events,omitempty"`
	Enabled *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organisation.Name == "" {
		return fmt.Errorf("config.organisation.name is required")
	}
	for name, tpl := range c.Notifications.Templates {
		if name == "" {
			return fmt.Errorf("config.notifications.templates contains empty name")
		}
		if tpl.Subject == "" {
			return fmt.Errorf("template %s has empty subject", name)
		}
		for kind := range tpl.KindOverrides {
			if kind == "" {
				return fmt.Errorf("template %s has empty kind override key", name)
			}
		}
	}
	for i, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	if c.PDF.TimeoutSeconds < 0 {
		return fmt.Errorf("config.pdf.timeout_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "signoff.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `organisation:
  name: Science Division

documents:
  catalog:
    conceptplan:
      description: "Concept plan seeking endorsement to scope a project"
    projectplan:
      description: "Full project plan, may require AEC endorsement"
    progressreport:
      description: "Annual progress report"
    studentreport:
      description: "Annual student report"
    projectclosure:
      description: "Project closure with a completed/terminated/suspended outcome"
  project_plan:
    aec_endorsement_required_default: false

notifications:
  enabled: true
  from: signoff@localhost
  templates:
    document_ready:
      subject: "A document is ready for your review"
      body: "A {kind} is awaiting your action."
      kind_overrides:
        projectplan: "A project plan is awaiting your action; check whether Animal Ethics Committee endorsement applies."
    document_approved:
      subject: "Your document was approved"
      body: "The {kind} has received directorate approval."
    document_recalled:
      subject: "A document approval was recalled"
      body: "The {kind} approval you were reviewing has been recalled."
    document_sent_back:
      subject: "A document was sent back"
      body: "The {kind} was sent back for revision."

pdf:
  timeout_seconds: 120
`
