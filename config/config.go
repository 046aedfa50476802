package runtime_config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const DefaultEngine = "js"

// Alias registers extra identifiers for an already registered engine.
type Alias struct {
	Name       string   `hcl:"name,label"`
	Engine     string   `hcl:"engine"`
	Names      []string `hcl:"names,optional"`
	Extensions []string `hcl:"extensions,optional"`
	MimeTypes  []string `hcl:"mime_types,optional"`
}

// hclConfigFile represents the top-level structure of a config file for decoding.
type hclConfigFile struct {
	MaxExecutionDuration string   `hcl:"max_execution_duration,optional"`
	PythonImportSite     bool     `hcl:"python_import_site,optional"`
	DefaultEngine        string   `hcl:"default_engine,optional"`
	Aliases              []*Alias `hcl:"alias,block"`
}

type Config struct {
	// MaxExecutionDuration bounds evaluations whose context has no deadline.
	// Zero means unbounded.
	MaxExecutionDuration time.Duration
	PythonImportSite     bool
	DefaultEngine        string
	Aliases              []*Alias
}

func Default() *Config {
	return &Config{DefaultEngine: DefaultEngine}
}

// Load reads an HCL (or HCL JSON, by extension) config file.
func Load(filePath string) (*Config, error) {
	var parsed hclConfigFile
	if err := hclsimple.DecodeFile(filePath, nil, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", filePath, err)
	}
	return parsed.toConfig()
}

// Parse decodes config from memory, fileName selects the syntax.
func Parse(fileName string, src []byte) (*Config, error) {
	var parsed hclConfigFile
	if err := hclsimple.Decode(fileName, src, nil, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", fileName, err)
	}
	return parsed.toConfig()
}

func (f *hclConfigFile) toConfig() (*Config, error) {
	config := Default()
	config.PythonImportSite = f.PythonImportSite
	if f.DefaultEngine != "" {
		config.DefaultEngine = f.DefaultEngine
	}

	if f.MaxExecutionDuration != "" {
		duration, err := time.ParseDuration(f.MaxExecutionDuration)
		if err != nil {
			return nil, fmt.Errorf("invalid max_execution_duration %q: %w", f.MaxExecutionDuration, err)
		}
		if duration < 0 {
			return nil, fmt.Errorf("invalid max_execution_duration %q: must not be negative", f.MaxExecutionDuration)
		}
		config.MaxExecutionDuration = duration
	}

	seen := map[string]bool{}
	for _, alias := range f.Aliases {
		if seen[alias.Name] {
			return nil, fmt.Errorf("duplicate alias %q", alias.Name)
		}
		seen[alias.Name] = true
		if alias.Engine == "" {
			return nil, fmt.Errorf("alias %q: engine must not be empty", alias.Name)
		}
		config.Aliases = append(config.Aliases, alias)
	}
	return config, nil
}
