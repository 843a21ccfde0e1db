package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models eds.yml: the workflow catalog seed plus assistant settings.
type Config struct {
	Workflow struct {
		States map[string]StateConfig `yaml:"states"`
	} `yaml:"workflow"`
	Assistant struct {
		Indices          []string `yaml:"indices"`
		SummaryThreshold int      `yaml:"summary_threshold"`
	} `yaml:"assistant"`
}

type StateConfig struct {
	Description string   `yaml:"description"`
	Metadata    string   `yaml:"metadata"`
	Next        []string `yaml:"next"`
	NotifyRoles []string `yaml:"notify_roles"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run 'eds workflow seed' to create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the transition graph is closed: every code referenced as a
// successor must itself be a configured state.
func (c *Config) Validate() error {
	if len(c.Workflow.States) == 0 {
		return fmt.Errorf("config.workflow.states is required")
	}
	if _, ok := c.Workflow.States["Draft"]; !ok {
		return fmt.Errorf("config.workflow.states must include Draft")
	}
	for code, st := range c.Workflow.States {
		if code == "" {
			return fmt.Errorf("config.workflow.states contains empty state code")
		}
		for _, next := range st.Next {
			if next == "" {
				return fmt.Errorf("state %s has empty successor code", code)
			}
			if _, ok := c.Workflow.States[next]; !ok {
				return fmt.Errorf("state %s references unknown successor %s", code, next)
			}
		}
		for _, role := range st.NotifyRoles {
			if role == "" {
				return fmt.Errorf("state %s has empty notify role", code)
			}
		}
	}
	if c.Assistant.SummaryThreshold < 0 {
		return fmt.Errorf("config.assistant.summary_threshold must be >= 0")
	}
	return nil
}

// SummaryThreshold returns the configured rolling-summary cadence, defaulting
// to a refresh every 6 messages.
func (c *Config) SummaryThreshold() int {
	if c == nil || c.Assistant.SummaryThreshold == 0 {
		return 6
	}
	return c.Assistant.SummaryThreshold
}

// Indices returns the searchable index names the assistant may target.
func (c *Config) Indices() []string {
	if c == nil || len(c.Assistant.Indices) == 0 {
		return []string{"par", "r100"}
	}
	return c.Assistant.Indices
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "eds.yml")
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
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

const defaultTemplate = `workflow:
  states:
    Draft:
      description: "PAR is being prepared by the requesting office"
      next: [Submitted, Cancelled]
    Submitted:
      description: "PAR submitted for intake"
      next: [UnderReview, Rejected, Cancelled]
      notify_roles: [grants-intake]
    UnderReview:
      description: "PAR under programmatic and budget review"
      next: [Approved, Rejected, Submitted]
      notify_roles: [grants-reviewer]
    Approved:
      description: "PAR approved for award association"
      next: [Closed]
      notify_roles: [grants-officer, requesting-office]
    Rejected:
      description: "PAR returned to the requesting office"
      next: [Draft, Cancelled]
      notify_roles: [requesting-office]
    Closed:
      description: "PAR complete; no further transitions"
      next: []
    Cancelled:
      description: "PAR withdrawn"
      next: []
      notify_roles: [grants-intake]

assistant:
  indices: [par, r100]
  summary_threshold: 6
`
