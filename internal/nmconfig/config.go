// Package nmconfig loads and resolves the node agent's configuration,
// grounded on pkg/config/app_config.go: an XDG config directory holding a
// YAML file, merged over a coded-in default so that a config.yml missing a
// key silently falls back to it rather than zeroing the field.
package nmconfig

import (
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
	"github.com/jesseduffield/yaml"
)

// Config holds every nm.* key recognized by the core (spec §6) plus the
// process-wide ambient settings SPEC_FULL.md adds (nm.debug,
// nm.workerCount).
type Config struct {
	BindAddress      string   `yaml:"bindAddress"`
	LocalDirs        []string `yaml:"localDirs"`
	SecurityEnabled  bool     `yaml:"securityEnabled"`
	KillGraceMillis  int      `yaml:"killGraceMillis"`
	KillForceMillis  int      `yaml:"killForceMillis"`
	CacheBytesTarget int64    `yaml:"cacheBytesTarget"`
	Debug            bool     `yaml:"debug"`
	WorkerCount      int      `yaml:"workerCount"`
}

// Default returns the built-in defaults every loaded config is merged
// over, mirroring pkg/config.GetDefaultConfig's role for UserConfig.
func Default() Config {
	return Config{
		BindAddress:      "0.0.0.0:8044",
		LocalDirs:        []string{filepath.Join(os.TempDir(), "nodeagent", "localized")},
		SecurityEnabled:  false,
		KillGraceMillis:  5000,
		KillForceMillis:  5000,
		CacheBytesTarget: 10 << 30, // 10 GiB
		Debug:            false,
		WorkerCount:      4,
	}
}

// ConfigDir resolves the XDG config directory for this agent, honoring
// CONFIG_DIR the same way the teacher's configDirForVendor does.
func ConfigDir() (string, error) {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	dirs := xdg.New("clusterfabric", "nodeagent")
	dir := dirs.ConfigHome()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Load reads configDir/config.yml (creating an empty one if absent),
// merges it over Default(), and returns the result. A missing or empty
// file yields Default() unchanged.
func Load(configDir string) (Config, error) {
	cfg := Default()

	path := filepath.Join(configDir, "config.yml")
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return Config{}, err
		}
		if f, ferr := os.Create(path); ferr == nil {
			f.Close()
		}
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if len(content) == 0 {
		return cfg, nil
	}

	var loaded Config
	if err := yaml.Unmarshal(content, &loaded); err != nil {
		return Config{}, err
	}
	if err := mergo.Merge(&cfg, loaded, mergo.WithOverride); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
