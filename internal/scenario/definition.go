// Package scenario holds the navigation recipes the orchestrator follows to
// reach and press the clear-cache control on a given UI variant.
package scenario

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KevinKickass/OpenCacheCleaner/internal/probe"
	"github.com/KevinKickass/OpenCacheCleaner/internal/textmatch"
)

type Scenario struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description,omitempty"`
	Version      string        `json:"version" yaml:"version"`
	ErrorSignals []SignalMatch `json:"error_signals,omitempty" yaml:"error_signals,omitempty"`
	Stages       []Stage       `json:"stages" yaml:"stages"`

	// Source is the file the scenario was loaded from, empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

type Stage struct {
	Name    string            `json:"name" yaml:"name"`
	Action  ActionType        `json:"action" yaml:"action"`
	Purpose textmatch.Purpose `json:"purpose,omitempty" yaml:"purpose,omitempty"`
	Expect  *SignalMatch      `json:"expect,omitempty" yaml:"expect,omitempty"`

	TimeoutKey TimeoutKey `json:"timeout_key,omitempty" yaml:"timeout_key,omitempty"`
	// Timeout overrides the configured value behind TimeoutKey.
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Optional stages are passed over when their target never shows up.
	Optional bool `json:"optional,omitempty" yaml:"optional,omitempty"`
	Count    int  `json:"count,omitempty" yaml:"count,omitempty"` // back presses
}

type ActionType string

const (
	ActionOpenAppInfo ActionType = "open_app_info"
	ActionClick       ActionType = "click"
	ActionClearCache  ActionType = "clear_cache"
	ActionConfirm     ActionType = "confirm"
	ActionBack        ActionType = "back"
)

type TimeoutKey string

const (
	TimeoutMaxWaitApp        TimeoutKey = "max_wait_app"
	TimeoutMaxWaitClearCache TimeoutKey = "max_wait_clear_cache"
	TimeoutSettle            TimeoutKey = "settle"
)

// EffectiveTimeoutKey applies the per-action default.
func (s Stage) EffectiveTimeoutKey() TimeoutKey {
	if s.TimeoutKey != "" {
		return s.TimeoutKey
	}
	switch s.Action {
	case ActionClearCache:
		return TimeoutMaxWaitClearCache
	case ActionConfirm, ActionBack:
		return TimeoutSettle
	default:
		return TimeoutMaxWaitApp
	}
}

// IsNavigation reports whether the stage runs before the clear-cache control.
func (s Stage) IsNavigation() bool {
	return s.Action == ActionOpenAppInfo || s.Action == ActionClick
}

// SignalMatch describes a screen. All set fields must hold.
type SignalMatch struct {
	Package string `json:"package,omitempty" yaml:"package,omitempty"`
	// Activity is a regular expression matched against the activity name.
	Activity string `json:"activity,omitempty" yaml:"activity,omitempty"`
	// Purpose requires a clickable node labelled for that purpose.
	Purpose textmatch.Purpose `json:"purpose,omitempty" yaml:"purpose,omitempty"`

	activity *regexp.Regexp
}

func (m *SignalMatch) IsZero() bool {
	return m == nil || (m.Package == "" && m.Activity == "" && m.Purpose == "")
}

func (m *SignalMatch) compile() error {
	if m.Activity == "" {
		return nil
	}
	re, err := regexp.Compile(m.Activity)
	if err != nil {
		return fmt.Errorf("invalid activity pattern %q: %w", m.Activity, err)
	}
	m.activity = re
	return nil
}

// MatchesSignal checks the package and activity parts. Purpose is
// evaluated by the caller, which owns the text matcher.
func (m *SignalMatch) MatchesSignal(sig probe.Signal) bool {
	if m.Package != "" && m.Package != sig.Package {
		return false
	}
	if m.Activity != "" {
		re := m.activity
		if re == nil {
			var err error
			if re, err = regexp.Compile(m.Activity); err != nil {
				return false
			}
		}
		if !re.MatchString(sig.Activity) {
			return false
		}
	}
	return true
}

// Duration is a wrapper around time.Duration that supports string parsing
// in both JSON and YAML. A bare number is a count of seconds.
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses duration from string like "2s", "100ms", etc.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	case int:
		d.Duration = time.Duration(value) * time.Second
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration type: %T", value)
	}
	return nil
}

// MarshalJSON serializes duration as string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// ClearCacheIndex returns the position of the clear-cache stage or -1.
func (sc *Scenario) ClearCacheIndex() int {
	for i, st := range sc.Stages {
		if st.Action == ActionClearCache {
			return i
		}
	}
	return -1
}

// Navigation returns the stages before the clear-cache stage.
func (sc *Scenario) Navigation() []Stage {
	idx := sc.ClearCacheIndex()
	if idx < 0 {
		return nil
	}
	return sc.Stages[:idx]
}

// ClearStage returns the clear-cache stage.
func (sc *Scenario) ClearStage() (Stage, bool) {
	idx := sc.ClearCacheIndex()
	if idx < 0 {
		return Stage{}, false
	}
	return sc.Stages[idx], true
}

// AfterClear returns the stages after the clear-cache stage.
func (sc *Scenario) AfterClear() []Stage {
	idx := sc.ClearCacheIndex()
	if idx < 0 {
		return nil
	}
	return sc.Stages[idx+1:]
}

// Compile prepares the regular expressions of every signal match.
func (sc *Scenario) Compile() error {
	for i := range sc.ErrorSignals {
		if err := sc.ErrorSignals[i].compile(); err != nil {
			return fmt.Errorf("error_signals[%d]: %w", i, err)
		}
	}
	for i := range sc.Stages {
		if sc.Stages[i].Expect == nil {
			continue
		}
		if err := sc.Stages[i].Expect.compile(); err != nil {
			return fmt.Errorf("stage %q: %w", sc.Stages[i].Name, err)
		}
	}
	return nil
}

// ParseScenario decodes a JSON or YAML document.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return &sc, nil
}

func (sc *Scenario) ToJSON() ([]byte, error) {
	return json.Marshal(sc)
}
