// config.go: file-based VM configuration for tools embedding the VM.
package jsonnet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the serializable subset of Options: everything except the
// callback hooks, which only code can supply. YAML is a superset of
// JSON, so plain JSON config files load too.
type Config struct {
	// JPath lists directories appended to the import search path.
	JPath []string `json:"jpath" yaml:"jpath"`

	// MaxStack is the maximum evaluation stack depth.
	// 0 keeps the engine default.
	MaxStack int `json:"max_stack" yaml:"max_stack"`

	// GCMinObjects is the number of objects required before a garbage
	// collection cycle is allowed. 0 keeps the engine default.
	GCMinObjects int `json:"gc_min_objects" yaml:"gc_min_objects"`

	// GCGrowthTrigger runs the garbage collector after this amount of
	// growth in the number of objects. 0 keeps the engine default.
	GCGrowthTrigger float64 `json:"gc_growth_trigger" yaml:"gc_growth_trigger"`

	// StringOutput expects a string result and emits it raw.
	StringOutput bool `json:"string_output" yaml:"string_output"`

	// MaxTrace is the number of stack trace lines shown in diagnostics.
	// 0 keeps the engine default.
	MaxTrace int `json:"max_trace" yaml:"max_trace"`

	// ExtVars binds external variables to string values.
	ExtVars map[string]string `json:"ext_vars" yaml:"ext_vars"`

	// ExtCodes binds external variables to Jsonnet snippets.
	ExtCodes map[string]string `json:"ext_codes" yaml:"ext_codes"`

	// TLAVars binds top-level arguments to string values.
	TLAVars map[string]string `json:"tla_vars" yaml:"tla_vars"`

	// TLACodes binds top-level arguments to Jsonnet snippets.
	TLACodes map[string]string `json:"tla_codes" yaml:"tla_codes"`
}

// LoadConfig reads a YAML (or JSON) VM configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &c, nil
}

// Options maps the config onto VM options.
func (c *Config) Options() *Options {
	return &Options{
		JPath:           append([]string(nil), c.JPath...),
		MaxStack:        c.MaxStack,
		GCMinObjects:    c.GCMinObjects,
		GCGrowthTrigger: c.GCGrowthTrigger,
		StringOutput:    c.StringOutput,
		MaxTrace:        c.MaxTrace,
		ExtVars:         c.ExtVars,
		ExtCodes:        c.ExtCodes,
		TLAVars:         c.TLAVars,
		TLACodes:        c.TLACodes,
	}
}
