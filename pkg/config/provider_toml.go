package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLProvider implements ConfigProvider for TOML configuration files
type TOMLProvider struct {
	filename string
	config   *ConfigData
}

// NewTOMLProvider creates a new TOML configuration provider
func NewTOMLProvider(filename string) *TOMLProvider {
	return &TOMLProvider{filename: filename}
}

// LoadConfig decodes the TOML file. Unknown keys are rejected.
func (t *TOMLProvider) LoadConfig() (*ConfigData, error) {
	config := &ConfigData{}
	md, err := toml.DecodeFile(t.filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", t.filename, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys: %s", t.filename, strings.Join(keys, ", "))
	}

	t.config = config
	return config, nil
}

func (t *TOMLProvider) loaded() (*ConfigData, error) {
	if t.config == nil {
		return t.LoadConfig()
	}
	return t.config, nil
}

// GetSources returns provider credentials from the TOML config
func (t *TOMLProvider) GetSources() (*SourcesData, error) {
	config, err := t.loaded()
	if err != nil {
		return nil, err
	}
	return &config.Sources, nil
}

// GetStorageConfig returns the local store configuration from the TOML config
func (t *TOMLProvider) GetStorageConfig() (*StorageData, error) {
	config, err := t.loaded()
	if err != nil {
		return nil, err
	}
	return &config.Storage, nil
}

// GetMirrors returns mirror configurations from the TOML config
func (t *TOMLProvider) GetMirrors() ([]MirrorData, error) {
	config, err := t.loaded()
	if err != nil {
		return nil, err
	}
	return config.Mirrors, nil
}

// IsReadOnly returns true
func (t *TOMLProvider) IsReadOnly() bool {
	return true
}

// Close is a no-op for TOML provider
func (t *TOMLProvider) Close() error {
	return nil
}
