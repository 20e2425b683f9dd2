// Package core provides the table contracts and transform pipeline of the sync engine.
//
// This package holds the domain logic that does not touch the database:
// identifier validation, the table spec registry, value casting and the
// row-level transform. It is used by the CLI, the HTTP server and tests alike.
//
// # Table Registry
//
// Warehouse tables are registered at init time using [Register]. A [TableSpec]
// declares ordered business columns and their SQL types:
//
//	core.Register(core.TableSpec{
//	    Name:            "db_rotas",
//	    BusinessColumns: []string{"cd", "filial", "uf", "nome", "rota"},
//	    Types:           map[string]string{"cd": "integer", "filial": "bigint", ...},
//	})
//
// [Resolve] merges a registered spec with runtime overrides (mode, keys,
// required columns, type overrides, watermark) into a [TableSyncSpec].
//
// # Transform
//
// [Transform] turns a raw [Batch] into a valid [Frame] plus [Rejection]
// records:
//
//  1. Header normalization ([NormalizeBatch]): snake_case, diacritics removed, aliases applied
//  2. Text normalization: trimmed, blank becomes null
//  3. Type casting ([CasterFor]); failures become type_cast_error rejections
//  4. Rows with every business column null are pruned
//  5. Required-null rows are rejected
//  6. Keep-last deduplication on unique keys ([Deduplicate])
//
// Detailed duplicate rejections are capped at [MaxDuplicateRejections] per
// pass; the rest is reported by one summary record.
//
// # Identifiers
//
// Every table or column name interpolated into SQL passes [ValidateIdentifier]
// and is quoted with [QuoteIdent]. Values are always bound as parameters.
//
// # Error Handling
//
// Errors are mapped to operator-facing messages with [MapError]. Codes are
// grouped by family: CFG, SRC, LCK, MIG, REF and DB.
package core
