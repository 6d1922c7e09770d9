package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rulewire/rulewire/game/engine"
	"github.com/rulewire/rulewire/validate"
)

var (
	// ErrVariantNotFound is returned when no variant is loaded under a key.
	ErrVariantNotFound = errors.New("config: variant not found")
	// ErrUnknownKind is returned when no builder matches a variant's kind.
	ErrUnknownKind = errors.New("config: unknown variant kind")
)

// Variant is one additional game registration loaded from disk.
type Variant struct {
	Key         string `json:"key"`
	Kind        string `json:"kind"`
	Min         int32  `json:"min"`
	Max         int32  `json:"max"`
	Description string `json:"description,omitempty"`
}

// Builder turns a variant definition into runnable game logic. Builders are
// keyed by the variant kind they understand.
type Builder func(v Variant) (engine.GameFunc, error)

// Manager holds the variant definitions found in one directory.
type Manager struct {
	dir string

	mu       sync.RWMutex
	variants map[string]Variant
}

// NewManager scans dir for *.json variant files. A missing directory yields
// an empty manager; a malformed or invalid file fails the whole load.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{
		dir:      dir,
		variants: make(map[string]Variant),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("config: read variants directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		variant, err := loadVariant(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, ok := m.variants[variant.Key]; ok {
			return nil, fmt.Errorf("config: %s: duplicate variant key %q", entry.Name(), variant.Key)
		}
		m.variants[variant.Key] = variant
	}

	return m, nil
}

// loadVariant reads and validates one definition file.
func loadVariant(path string) (Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Variant{}, fmt.Errorf("config: read %s: %w", filepath.Base(path), err)
	}

	var variant Variant
	if err := json.Unmarshal(data, &variant); err != nil {
		return Variant{}, fmt.Errorf("config: parse %s: %w", filepath.Base(path), err)
	}

	if err := validate.Variant(variant.Key, variant.Kind, variant.Min, variant.Max); err != nil {
		return Variant{}, fmt.Errorf("config: %s: %w", filepath.Base(path), err)
	}

	return variant, nil
}

// Variant returns the definition loaded under key.
func (m *Manager) Variant(key string) (Variant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	variant, ok := m.variants[key]
	if !ok {
		return Variant{}, ErrVariantNotFound
	}
	return variant, nil
}

// Variants lists every loaded definition, sorted by key.
func (m *Manager) Variants() []Variant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Variant, 0, len(m.variants))
	for _, variant := range m.variants {
		out = append(out, variant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reload rescans the directory and swaps in the fresh set. On failure the
// loaded set stays in place.
func (m *Manager) Reload() error {
	fresh, err := NewManager(m.dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.variants = fresh.variants
	m.mu.Unlock()
	return nil
}

// Register adds every loaded variant to the runtime, picking the builder
// matching its kind. It reports how many registrations were added.
func (m *Manager) Register(rt *engine.Runtime, builders map[string]Builder) (int, error) {
	registered := 0
	for _, variant := range m.Variants() {
		build, ok := builders[variant.Kind]
		if !ok {
			return registered, fmt.Errorf("%w: %q (variant %s)", ErrUnknownKind, variant.Kind, variant.Key)
		}
		game, err := build(variant)
		if err != nil {
			return registered, fmt.Errorf("config: build variant %s: %w", variant.Key, err)
		}
		if err := rt.AddGame(variant.Key, game); err != nil {
			return registered, fmt.Errorf("config: register variant %s: %w", variant.Key, err)
		}
		registered++
	}
	return registered, nil
}
