package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/parascope/parascope/internal/config"
)

// Scenario is a scripted recording session: a named sequence of
// instrumentation calls replayed through the real recorder.
type Scenario struct {
	// Name uniquely identifies the scenario; golden files use it.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description,omitempty"`

	// RunID pins the run identifier for deterministic output. Empty
	// selects a fixed default so golden comparison stays byte-stable.
	RunID string `yaml:"run_id,omitempty"`

	// Config is the analysis configuration; absent fields keep defaults.
	Config config.Config `yaml:"config"`

	// Steps is the instrumentation call sequence. Steps execute in
	// order on a single goroutine, so clock stamping is deterministic
	// even across threads.
	Steps []Step `yaml:"steps"`
}

// Step is one instrumentation call.
type Step struct {
	// Thread is the recording thread id. 0 means thread 1.
	Thread uint32 `yaml:"thread,omitempty"`

	// Op names the call: read, write, alloc, free, sync, loop_enter,
	// loop_exit, func_enter, func_exit.
	Op string `yaml:"op"`

	Site  uint32 `yaml:"site,omitempty"`
	Addr  uint64 `yaml:"addr,omitempty"`
	Len   uint32 `yaml:"len,omitempty"` // access length, default 8
	Size  uint64 `yaml:"size,omitempty"`
	Loop  uint32 `yaml:"loop,omitempty"`
	Token uint64 `yaml:"token,omitempty"`

	// Repeat replays the step, advancing Addr by Stride each time.
	Repeat int    `yaml:"repeat,omitempty"`
	Stride uint64 `yaml:"stride,omitempty"`
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(raw)
}

// ParseScenario decodes scenario YAML. The config section merges over the
// defaults and is validated.
func ParseScenario(raw []byte) (*Scenario, error) {
	sc := &Scenario{Config: config.Default()}
	if err := yaml.Unmarshal(raw, sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("scenario has no name")
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", sc.Name)
	}
	if err := sc.Config.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return sc, nil
}
