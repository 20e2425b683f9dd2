package core

import (
	"fmt"
	"sort"
	"sync"
)

var (
	registry   = make(map[string]TableSpec)
	registryMu sync.RWMutex
)

// Register adds a table spec to the registry.
// Panics if a table with the same name is already registered or if any
// identifier is invalid.
func Register(spec TableSpec) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[spec.Name]; exists {
		panic(fmt.Sprintf("table already registered: %s", spec.Name))
	}
	if err := ValidateIdentifier(spec.Name); err != nil {
		panic(err)
	}
	if err := ValidateIdentifiers(spec.BusinessColumns...); err != nil {
		panic(fmt.Sprintf("table %s: %v", spec.Name, err))
	}
	for _, col := range spec.BusinessColumns {
		if _, ok := spec.Types[col]; !ok {
			panic(fmt.Sprintf("table %s: column %s has no type", spec.Name, col))
		}
	}

	registry[spec.Name] = spec
}

// Get returns a table spec by name.
// Returns false if not found.
func Get(name string) (TableSpec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	spec, ok := registry[name]
	return spec, ok
}

// All returns all registered table specs sorted by name.
func All() []TableSpec {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]TableSpec, 0, len(registry))
	for _, spec := range registry {
		result = append(result, spec)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})

	return result
}

// TableCount returns the number of registered tables.
func TableCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered tables.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]TableSpec)
}

// Overrides carries the per-table runtime settings merged into a spec.
type Overrides struct {
	Mode            SyncMode
	UniqueKeys      []string
	RequiredColumns []string
	DedupeOrderBy   []string
	Types           map[string]string
	Watermark       *Watermark
}

// Resolve builds the effective TableSyncSpec for a registered table.
// Configured column names are normalized like source headers so the
// config may use the spreadsheet spelling.
func Resolve(name string, o Overrides) (TableSyncSpec, error) {
	spec, ok := Get(name)
	if !ok {
		return TableSyncSpec{}, configErrorf("Unknown table spec: %s", name)
	}

	types := make(map[string]string, len(spec.Types)+len(o.Types))
	for k, v := range spec.Types {
		types[k] = v
	}
	for k, v := range o.Types {
		types[NormalizeColumnName(k)] = v
	}

	s := TableSyncSpec{
		Name:            spec.Name,
		BusinessColumns: append([]string(nil), spec.BusinessColumns...),
		Types:           types,
		Mode:            o.Mode,
		UniqueKeys:      NormalizeColumnNames(o.UniqueKeys),
		RequiredColumns: NormalizeColumnNames(o.RequiredColumns),
		DedupeOrderBy:   NormalizeColumnNames(o.DedupeOrderBy),
	}
	if o.Watermark != nil {
		s.Watermark = &Watermark{
			Column:       NormalizeColumnName(o.Watermark.Column),
			LookbackDays: o.Watermark.LookbackDays,
		}
	}

	if err := s.Validate(); err != nil {
		return TableSyncSpec{}, err
	}
	return s, nil
}
