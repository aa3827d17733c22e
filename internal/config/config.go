// Package config loads and validates the analysis configuration.
//
// Configuration is YAML on disk. After defaults are applied the value is
// checked against an embedded CUE schema, so a typo'd policy name or an
// out-of-range threshold fails at load time with a field-level message,
// not deep inside a run.
package config

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/parascope/parascope/internal/graph"
	"github.com/parascope/parascope/internal/pattern"
	"github.com/parascope/parascope/internal/recorder"
	"github.com/parascope/parascope/internal/shadow"
)

//go:embed schema.cue
var schemaSource string

// Config is the full analysis configuration.
type Config struct {
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`
	Shadow   ShadowConfig   `yaml:"shadow" json:"shadow"`
	Builder  BuilderConfig  `yaml:"builder" json:"builder"`
	Detector DetectorConfig `yaml:"detector" json:"detector"`
	Scope    ScopeConfig    `yaml:"scope" json:"scope"`
}

// RecorderConfig configures the event recorder.
type RecorderConfig struct {
	BufferEvents int    `yaml:"buffer_events" json:"buffer_events"`
	QueueDepth   int    `yaml:"queue_depth" json:"queue_depth"`
	Overflow     string `yaml:"overflow" json:"overflow"`
}

// ShadowConfig configures the replay shadow map.
type ShadowConfig struct {
	BudgetCells int `yaml:"budget_cells" json:"budget_cells"`
}

// BuilderConfig configures the dependence graph builder.
type BuilderConfig struct {
	FanOutCap int    `yaml:"fan_out_cap" json:"fan_out_cap"`
	Shards    int    `yaml:"shards" json:"shards"`
	Aliasing  string `yaml:"aliasing" json:"aliasing"`
}

// DetectorConfig configures the pattern detector.
type DetectorConfig struct {
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	GapPenalty    float64 `yaml:"gap_penalty" json:"gap_penalty"`
}

// ScopeConfig restricts recording to explicit sites and loops. Empty
// lists record everything.
type ScopeConfig struct {
	Sites []uint32 `yaml:"sites" json:"sites"`
	Loops []uint32 `yaml:"loops" json:"loops"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Recorder: RecorderConfig{
			BufferEvents: recorder.DefaultBufferEvents,
			QueueDepth:   recorder.DefaultQueueDepth,
			Overflow:     recorder.OverflowBlock.String(),
		},
		Shadow: ShadowConfig{
			BudgetCells: shadow.DefaultBudgetCells,
		},
		Builder: BuilderConfig{
			FanOutCap: shadow.DefaultMaxReaders,
			Shards:    1,
			Aliasing:  graph.AliasOptimistic.String(),
		},
		Detector: DetectorConfig{
			MinConfidence: pattern.DefaultMinConfidence,
			GapPenalty:    pattern.DefaultGapPenalty,
		},
	}
}

// Load reads a YAML configuration file, fills unset fields with defaults
// and validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML configuration bytes over the defaults.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the embedded schema.
func (c Config) Validate() error {
	// Nil slices encode as null, which the schema's list constraints
	// reject; an absent scope list means the empty list.
	if c.Scope.Sites == nil {
		c.Scope.Sites = []uint32{}
	}
	if c.Scope.Loops == nil {
		c.Scope.Loops = []uint32{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource)
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return fmt.Errorf("config schema missing #Config: %w", err)
	}

	unified := def.Unify(ctx.Encode(c))
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		var msgs []string
		for _, e := range cueerrors.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("invalid config: %s", joinLines(msgs))
	}
	return nil
}

func joinLines(msgs []string) string {
	switch len(msgs) {
	case 0:
		return "unknown error"
	case 1:
		return msgs[0]
	}
	out := msgs[0]
	for _, m := range msgs[1:] {
		out += "; " + m
	}
	return out
}

// RecorderOptions converts the recorder section.
func (c Config) RecorderOptions() (recorder.Options, error) {
	policy, err := recorder.ParseOverflowPolicy(c.Recorder.Overflow)
	if err != nil {
		return recorder.Options{}, err
	}
	opts := recorder.Options{
		BufferEvents: c.Recorder.BufferEvents,
		QueueDepth:   c.Recorder.QueueDepth,
		Overflow:     policy,
	}
	if len(c.Scope.Sites) > 0 || len(c.Scope.Loops) > 0 {
		opts.Scope = recorder.NewScope(c.Scope.Sites, c.Scope.Loops)
	}
	return opts, nil
}

// BuilderOptions converts the builder and shadow sections.
func (c Config) BuilderOptions() (graph.Options, error) {
	aliasing, err := graph.ParseAliasPolicy(c.Builder.Aliasing)
	if err != nil {
		return graph.Options{}, err
	}
	return graph.Options{
		FanOutCap:    c.Builder.FanOutCap,
		Shards:       c.Builder.Shards,
		ShadowBudget: c.Shadow.BudgetCells,
		Aliasing:     aliasing,
	}, nil
}

// DetectorOptions converts the detector section.
func (c Config) DetectorOptions() pattern.Options {
	return pattern.Options{
		MinConfidence: c.Detector.MinConfidence,
		GapPenalty:    c.Detector.GapPenalty,
	}
}
