package core

import (
	"sync"
	"time"

	// Embedded zone database so the fixed business timezone resolves on
	// hosts without /usr/share/zoneinfo (Windows workstations).
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// BusinessTimezone is the zone of database sessions, ingestion timestamps
// and export file names.
const BusinessTimezone = "America/Sao_Paulo"

var (
	locOnce sync.Once
	loc     *time.Location
)

// Location returns the business timezone, falling back to UTC if it cannot load.
func Location() *time.Location {
	locOnce.Do(func() {
		l, err := time.LoadLocation(BusinessTimezone)
		if err != nil {
			l = time.UTC
		}
		loc = l
	})
	return loc
}

// Now returns the current time in the business timezone.
func Now() time.Time {
	return time.Now().In(Location())
}

// NewRunID returns a fresh random run id.
func NewRunID() pgtype.UUID {
	return pgtype.UUID{Bytes: uuid.New(), Valid: true}
}

// ToPgUUID converts a string to pgtype.UUID.
// Returns invalid if the string is empty or not a valid UUID.
func ToPgUUID(s string) pgtype.UUID {
	if s == "" {
		return pgtype.UUID{Valid: false}
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{Valid: false}
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}
}

// PgUUIDToString converts a pgtype.UUID to its string representation.
// Returns empty string if the UUID is invalid.
func PgUUIDToString(u pgtype.UUID) string {
	if !u.Valid {
		return ""
	}
	return uuid.UUID(u.Bytes).String()
}
