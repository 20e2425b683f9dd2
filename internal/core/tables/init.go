// Package tables registers all warehouse table specs with the core registry.
// Import this package to ensure all tables are registered.
package tables

import "github.com/JonMunkholm/sheetsync/internal/core"

// column pairs a business column with its SQL type.
type column struct {
	name string
	typ  core.ColumnType
}

// register records a spec whose business column order is the order of cols.
func register(name string, hasCD bool, cols ...column) {
	spec := core.TableSpec{
		Name:            name,
		BusinessColumns: make([]string, 0, len(cols)),
		Types:           make(map[string]string, len(cols)),
		HasCD:           hasCD,
	}
	for _, c := range cols {
		spec.BusinessColumns = append(spec.BusinessColumns, c.name)
		spec.Types[c.name] = string(c.typ)
	}
	core.Register(spec)
}
