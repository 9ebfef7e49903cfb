package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models raidline.yml.
type Config struct {
	Guild struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"guild"`
	Defaults struct {
		AutoEndMinutes       int `yaml:"auto_end_minutes"`
		KeyWindowMinutes     int `yaml:"key_window_minutes"`
		LockTTLSeconds       int `yaml:"lock_ttl_seconds"`
		SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	} `yaml:"defaults"`
	Dungeons struct {
		Catalog map[string]Dungeon `yaml:"catalog"`
	} `yaml:"dungeons"`
	Capabilities struct {
		Roles map[string]Role `yaml:"roles"`
	} `yaml:"capabilities"`
}

// Dungeon describes one activity kind runs can be opened for.
type Dungeon struct {
	Name        string `yaml:"name"`
	ChainTarget *int   `yaml:"chain_target,omitempty"`
	Chainless   bool   `yaml:"chainless,omitempty"`
}

type Role struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with rl guild config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Guild.ID == "" {
		return fmt.Errorf("config.guild.id is required")
	}
	if c.Defaults.AutoEndMinutes <= 0 {
		return fmt.Errorf("config.defaults.auto_end_minutes must be positive")
	}
	if c.Defaults.KeyWindowMinutes <= 0 {
		return fmt.Errorf("config.defaults.key_window_minutes must be positive")
	}
	if c.Defaults.LockTTLSeconds <= 0 {
		return fmt.Errorf("config.defaults.lock_ttl_seconds must be positive")
	}
	if c.Defaults.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config.defaults.sweep_interval_seconds must be positive")
	}
	if len(c.Dungeons.Catalog) == 0 {
		return fmt.Errorf("config.dungeons.catalog is required")
	}
	for key, d := range c.Dungeons.Catalog {
		if key == "" {
			return fmt.Errorf("config.dungeons.catalog contains empty dungeon key")
		}
		if d.ChainTarget != nil && *d.ChainTarget <= 0 {
			return fmt.Errorf("dungeon %s has non-positive chain target", key)
		}
		if d.Chainless && d.ChainTarget != nil {
			return fmt.Errorf("dungeon %s is chainless but defines a chain target", key)
		}
	}
	for roleID, role := range c.Capabilities.Roles {
		if roleID == "" {
			return fmt.Errorf("config.capabilities.roles contains empty role id")
		}
		for _, cap := range role.Capabilities {
			if cap == "" {
				return fmt.Errorf("role %s has empty capability id", roleID)
			}
		}
	}
	return nil
}

// DungeonFor returns the catalog entry for a dungeon key, if configured.
func (c *Config) DungeonFor(key string) (Dungeon, bool) {
	d, ok := c.Dungeons.Catalog[key]
	return d, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "raidline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(guildID string) string {
	return fmt.Sprintf(defaultTemplate, guildID)
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

// Default returns the default Config struct for a guild.
func Default(guildID string) *Config {
	var cfg Config
	cfg.Guild.ID = guildID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, guildID))).Decode(&cfg)
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

const defaultTemplate = `guild:
  id: %s
  name: ""

defaults:
  auto_end_minutes: 120
  key_window_minutes: 10
  lock_ttl_seconds: 10
  sweep_interval_seconds: 60

dungeons:
  catalog:
    shattered-throne:
      name: "Shattered Throne"
      chain_target: 8
    kings-fall:
      name: "King's Fall"
      chain_target: 10
    vault:
      name: "Vault"
    gauntlet:
      name: "Gauntlet"
      chainless: true

capabilities:
  roles:
    staff:
      description: "Guild staff; may manage any run"
      capabilities: [run.manage, run.view]
    raider:
      description: "Regular raider"
      capabilities: [run.view]
`
