// Package migrate applies versioned SQL scripts once, recording each in a
// checksum ledger.
//
// Scripts are named V<version>__<description>.sql and run in file name
// order. An applied script whose content later changes is a fatal error:
// the ledger is append-only and fixes go in a new version.
package migrate

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

//go:embed sql/V*.sql
var embedded embed.FS

// Embedded returns the scripts compiled into the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrChecksumMismatch is returned when an applied script was edited.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// Migration is one versioned script.
type Migration struct {
	Version  string
	Filename string
	Checksum string
	SQL      string
}

// Result reports what happened to one script.
type Result struct {
	Version  string `json:"version"`
	Filename string `json:"filename"`
	Applied  bool   `json:"applied"`
}

// Load reads every V*.sql script in fsys, sorted by file name.
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "V*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		base := path.Base(name)
		version, _, _ := strings.Cut(base, "__")
		sum := sha256.Sum256(data)
		migrations = append(migrations, Migration{
			Version:  version,
			Filename: base,
			Checksum: hex.EncodeToString(sum[:]),
			SQL:      string(data),
		})
	}
	return migrations, nil
}

const ledgerSQL = `
create table if not exists public.schema_migrations (
    version text primary key,
    filename text not null,
    checksum text not null,
    applied_at timestamptz not null default now()
)`

// Migrator applies scripts from a filesystem.
type Migrator struct {
	db   core.DB
	fsys fs.FS
}

// New creates a Migrator over fsys.
func New(db core.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys}
}

// Apply runs pending scripts in version order, each in its own transaction
// together with its ledger row. It stops at the first failure.
func (m *Migrator) Apply(ctx context.Context) ([]Result, error) {
	migrations, err := Load(m.fsys)
	if err != nil {
		return nil, err
	}

	if _, err := m.db.Exec(ctx, ledgerSQL); err != nil {
		return nil, fmt.Errorf("create migration ledger: %w", err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(migrations))
	for _, mig := range migrations {
		if sum, ok := applied[mig.Version]; ok {
			if sum != mig.Checksum {
				return results, fmt.Errorf("%w for %s. Create a new versioned migration instead of editing applied files.",
					ErrChecksumMismatch, mig.Filename)
			}
			results = append(results, Result{Version: mig.Version, Filename: mig.Filename})
			continue
		}

		if err := m.apply(ctx, mig); err != nil {
			return results, fmt.Errorf("apply %s: %w", mig.Filename, err)
		}
		slog.Info("migration applied", "version", mig.Version, "file", mig.Filename)
		results = append(results, Result{Version: mig.Version, Filename: mig.Filename, Applied: true})
	}
	return results, nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.Query(ctx, "select version, checksum from public.schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, err
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // No-op if already committed

	// Without arguments pgx sends the script over the simple protocol,
	// which accepts several statements.
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		"insert into public.schema_migrations (version, filename, checksum) values ($1, $2, $3)",
		mig.Version, mig.Filename, mig.Checksum); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Summary splits results into applied and skipped versions.
func Summary(results []Result) (applied, skipped []string) {
	applied, skipped = []string{}, []string{}
	for _, r := range results {
		if r.Applied {
			applied = append(applied, r.Version)
		} else {
			skipped = append(skipped, r.Version)
		}
	}
	return applied, skipped
}
