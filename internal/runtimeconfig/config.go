package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen        string        `yaml:"listen"`
	LabsDir       string        `yaml:"labs_dir"`
	StateDB       string        `yaml:"state_db"`
	Mode          string        `yaml:"mode"`
	NATSURL       string        `yaml:"nats_url"`
	Workers       int           `yaml:"workers"`
	RetentionDays int           `yaml:"retention_days"`
	Cluster       ClusterConfig `yaml:"cluster"`
	SSH           SSHConfig     `yaml:"ssh"`
	Timeouts      Timeouts      `yaml:"timeouts"`
}

type ClusterConfig struct {
	Kubeconfig  string           `yaml:"kubeconfig"`
	InCluster   bool             `yaml:"in_cluster"`
	AddressMode string           `yaml:"address_mode"`
	VMTemplate  VMTemplateConfig `yaml:"vm_template"`
}

type VMTemplateConfig struct {
	Group    string `yaml:"group"`
	Version  string `yaml:"version"`
	Resource string `yaml:"resource"`
	Kind     string `yaml:"kind"`
}

type SSHConfig struct {
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

type Timeouts struct {
	RunningSeconds     int64 `yaml:"running_seconds"`
	ReachableSeconds   int64 `yaml:"reachable_seconds"`
	DeprovisionSeconds int64 `yaml:"deprovision_seconds"`
}

func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "kvlab", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "kvlab", "config.yaml"), nil
}

func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return withDefaults(Config{}), path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	return withDefaults(cfg), path, nil
}

func withDefaults(cfg Config) Config {
	cfg.Mode = strings.TrimSpace(cfg.Mode)
	if cfg.Mode == "" {
		cfg.Mode = "in-process"
	}
	cfg.Cluster.AddressMode = strings.TrimSpace(cfg.Cluster.AddressMode)
	if cfg.Cluster.AddressMode == "" {
		cfg.Cluster.AddressMode = "external"
	}
	if strings.TrimSpace(cfg.NATSURL) == "" {
		cfg.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 14
	}
	if strings.TrimSpace(cfg.SSH.User) == "" {
		cfg.SSH.User = "learner"
	}
	if cfg.Timeouts.RunningSeconds <= 0 {
		cfg.Timeouts.RunningSeconds = 300
	}
	if cfg.Timeouts.ReachableSeconds <= 0 {
		cfg.Timeouts.ReachableSeconds = 120
	}
	if cfg.Timeouts.DeprovisionSeconds <= 0 {
		cfg.Timeouts.DeprovisionSeconds = 120
	}
	return cfg
}

// Validate rejects values Load's defaults cannot repair.
func (c Config) Validate() error {
	switch c.Mode {
	case "in-process", "bus":
	default:
		return fmt.Errorf("unsupported mode %q (expected in-process or bus)", c.Mode)
	}
	switch c.Cluster.AddressMode {
	case "external", "internal":
	default:
		return fmt.Errorf("unsupported address mode %q (expected external or internal)", c.Cluster.AddressMode)
	}
	if strings.TrimSpace(c.SSH.Password) == "" && strings.TrimSpace(c.SSH.PrivateKeyPath) == "" {
		return errors.New("ssh requires a password or a private_key_path")
	}
	return nil
}

// WriteDefault writes a starter config file at path, refusing to
// overwrite an existing one.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	starter := `# kvlab configuration
listen: ""
labs_dir: /etc/kvlab/labs
mode: in-process
nats_url: nats://127.0.0.1:4222
workers: 4
retention_days: 14
cluster:
  kubeconfig: ""
  in_cluster: false
  address_mode: external
ssh:
  user: learner
  password: ""
  private_key_path: ""
timeouts:
  running_seconds: 300
  reachable_seconds: 120
  deprovision_seconds: 120
`
	if err := os.WriteFile(path, []byte(starter), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
