package scenario

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

var ErrNotFound = errors.New("scenario not found")

// Registry holds the built-in scenarios plus those found on the search
// paths. A file whose id matches a built-in replaces it.
type Registry struct {
	mu          sync.RWMutex
	scenarios   map[string]*Scenario
	schema      *SchemaValidator
	searchPaths []string
	logger      *zap.Logger
}

func NewRegistry(searchPaths []string, logger *zap.Logger) (*Registry, error) {
	schema, err := NewSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create schema validator: %w", err)
	}

	r := &Registry{
		scenarios:   make(map[string]*Scenario),
		schema:      schema,
		searchPaths: searchPaths,
		logger:      logger,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the registry. Invalid files are logged and skipped; a
// broken built-in is an error.
func (r *Registry) Reload() error {
	loaded := make(map[string]*Scenario)

	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return fmt.Errorf("failed to read built-in scenarios: %w", err)
	}
	for _, e := range entries {
		data, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return fmt.Errorf("failed to read built-in %s: %w", e.Name(), err)
		}
		sc, err := r.Parse(data)
		if err != nil {
			return fmt.Errorf("built-in %s: %w", e.Name(), err)
		}
		loaded[sc.ID] = sc
	}

	for _, dir := range r.searchPaths {
		files, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Warn("Cannot read scenario directory",
					zap.String("path", dir), zap.Error(err))
			}
			continue
		}
		for _, f := range files {
			if f.IsDir() || !isScenarioFile(f.Name()) {
				continue
			}
			path := filepath.Join(dir, f.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				r.logger.Warn("Cannot read scenario", zap.String("path", path), zap.Error(err))
				continue
			}
			sc, err := r.Parse(data)
			if err != nil {
				r.logger.Warn("Skipping invalid scenario", zap.String("path", path), zap.Error(err))
				continue
			}
			sc.Source = path
			if prev, ok := loaded[sc.ID]; ok && prev.Source != "" {
				r.logger.Warn("Duplicate scenario id, later file wins",
					zap.String("id", sc.ID),
					zap.String("previous", prev.Source),
					zap.String("path", path))
			}
			loaded[sc.ID] = sc
		}
	}

	r.mu.Lock()
	r.scenarios = loaded
	r.mu.Unlock()

	r.logger.Info("Scenarios loaded", zap.Int("count", len(loaded)))
	return nil
}

// Parse validates a document against the schema and the semantic rules
// and returns the compiled scenario.
func (r *Registry) Parse(data []byte) (*Scenario, error) {
	if err := r.schema.Validate(data); err != nil {
		return nil, err
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if rep := Validate(sc); !rep.Valid {
		return nil, rep
	}
	if err := sc.Compile(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (r *Registry) Get(id string) (*Scenario, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scenarios[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sc, nil
}

func (r *Registry) List() []*Scenario {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Scenario, 0, len(r.scenarios))
	for _, sc := range r.scenarios {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) SearchPaths() []string {
	return r.searchPaths
}

func isScenarioFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
