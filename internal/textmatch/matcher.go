// Package textmatch resolves the on-screen labels the orchestrator searches
// for, per locale and purpose.
package textmatch

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

type Purpose string

const (
	PurposeClearCache Purpose = "clear_cache"
	PurposeStorage    Purpose = "storage"
	PurposeClearData  Purpose = "clear_data"
	PurposeOK         Purpose = "ok"
)

// Valid reports whether p is one of the known purposes.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeClearCache, PurposeStorage, PurposeClearData, PurposeOK:
		return true
	}
	return false
}

var ErrNoCandidates = errors.New("no candidate labels")

//go:embed defaults.yaml
var defaultsYAML []byte

// Table maps canonical BCP-47 tags to per-purpose label lists.
type Table map[string]map[Purpose][]string

// ParseTable builds a Table from loosely keyed input (e.g. config maps whose
// keys were lowercased). Locale keys are canonicalised.
func ParseTable(raw map[string]map[string][]string) (Table, error) {
	table := make(Table, len(raw))
	for locale, purposes := range raw {
		for purpose, labels := range purposes {
			if err := table.Set(locale, Purpose(purpose), labels); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}

// Set stores labels for (locale, purpose), dropping blanks.
func (t Table) Set(locale string, purpose Purpose, labels []string) error {
	if !purpose.Valid() {
		return fmt.Errorf("unknown purpose %q", purpose)
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return fmt.Errorf("invalid locale %q: %w", locale, err)
	}

	cleaned := make([]string, 0, len(labels))
	for _, l := range labels {
		if strings.TrimSpace(l) != "" {
			cleaned = append(cleaned, l)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}

	key := tag.String()
	if t[key] == nil {
		t[key] = make(map[Purpose][]string)
	}
	t[key][purpose] = cleaned
	return nil
}

func (t Table) lookup(key string, purpose Purpose) []string {
	if byPurpose, ok := t[key]; ok {
		return byPurpose[purpose]
	}
	return nil
}

// DefaultTable returns the built-in labels.
func DefaultTable() (Table, error) {
	var raw map[string]map[string][]string
	if err := yaml.Unmarshal(defaultsYAML, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse built-in labels: %w", err)
	}
	return ParseTable(raw)
}

// Matcher is safe for concurrent use; it is never mutated after construction.
type Matcher struct {
	defaults  Table
	overrides Table
	baseline  language.Tag
}

func NewMatcher(defaults, overrides Table, baseline language.Tag) *Matcher {
	if overrides == nil {
		overrides = Table{}
	}
	return &Matcher{
		defaults:  defaults,
		overrides: overrides,
		baseline:  baseline,
	}
}

// Resolve returns the candidate labels for purpose in locale. Lookup order:
// user override for the exact locale, built-in for the exact locale,
// built-in for the bare language, built-in for the baseline locale.
// Overrides replace the built-in list, they are never merged.
func (m *Matcher) Resolve(locale string, purpose Purpose) ([]string, error) {
	tag := m.baseline
	if locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			tag = parsed
		}
	}
	key := tag.String()

	if labels := m.overrides.lookup(key, purpose); len(labels) > 0 {
		return labels, nil
	}
	if labels := m.defaults.lookup(key, purpose); len(labels) > 0 {
		return labels, nil
	}
	if base, conf := tag.Base(); conf != language.No {
		if baseKey := base.String(); baseKey != key {
			if labels := m.defaults.lookup(baseKey, purpose); len(labels) > 0 {
				return labels, nil
			}
		}
	}
	if labels := m.defaults.lookup(m.baseline.String(), purpose); len(labels) > 0 {
		return labels, nil
	}

	return nil, fmt.Errorf("%w for %s in %s", ErrNoCandidates, purpose, key)
}

// Match returns the first candidate contained in text. Matching is case
// sensitive.
func Match(text string, candidates []string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, c := range candidates {
		if c != "" && strings.Contains(text, c) {
			return c, true
		}
	}
	return "", false
}
