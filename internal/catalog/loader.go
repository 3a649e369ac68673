package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"gopkg.in/yaml.v3"
)

// Extensions are tried in this order when a catalog is named without one.
var Extensions = []string{".json", ".yaml", ".yml", ".toml"}

type Loader struct {
	cache       sync.Map
	validator   *Validator
	searchPaths []string
}

func NewLoader(searchPaths []string) (*Loader, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &Loader{
		validator:   validator,
		searchPaths: searchPaths,
	}, nil
}

// Resolve finds the file of a catalog. name may be a path to an existing
// file or a base name looked up in the search paths.
func (l *Loader) Resolve(name string) (string, error) {
	if filepath.Ext(name) != "" {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}

	for _, searchPath := range l.searchPaths {
		candidates := []string{filepath.Join(searchPath, name)}
		if filepath.Ext(name) == "" {
			candidates = candidates[:0]
			for _, ext := range Extensions {
				candidates = append(candidates, filepath.Join(searchPath, name+ext))
			}
		}
		for _, path := range candidates {
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}

	return "", fmt.Errorf("catalog not found: %s (searched in: %v): %w", name, l.searchPaths, fs.ErrNotExist)
}

// Load resolves, validates and decodes a catalog. Results are cached by name.
func (l *Loader) Load(name string) (*types.CatalogDefinition, error) {
	if cached, ok := l.cache.Load(name); ok {
		return cached.(*types.CatalogDefinition), nil
	}

	path, err := l.Resolve(name)
	if err != nil {
		return nil, err
	}

	def, err := l.LoadFile(path)
	if err != nil {
		return nil, err
	}

	l.cache.Store(name, def)
	return def, nil
}

// LoadFile reads a catalog file without consulting the cache.
func (l *Loader) LoadFile(path string) (*types.CatalogDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}

	doc, err := Normalize(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := l.validator.ValidateCatalog(doc); err != nil {
		return nil, fmt.Errorf("validation failed for %s: %w", path, err)
	}

	var def types.CatalogDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal catalog: %w", err)
	}

	return &def, nil
}

// Invalidate drops a cached catalog.
func (l *Loader) Invalidate(name string) {
	l.cache.Delete(name)
}

func (l *Loader) ClearCache() {
	l.cache.Range(func(key, value interface{}) bool {
		l.cache.Delete(key)
		return true
	})
}

// Normalize converts a YAML or TOML document to JSON. JSON is returned as is.
func Normalize(data []byte, ext string) ([]byte, error) {
	var doc map[string]interface{}

	switch strings.ToLower(ext) {
	case ".json", "":
		return data, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid TOML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", ext)
	}

	if doc == nil {
		return nil, errors.New("empty document")
	}
	return json.Marshal(doc)
}
