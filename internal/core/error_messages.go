// Package core provides the table contracts and transform pipeline of the sync engine.
//
// # Error Codes Reference
//
// This file maps technical errors to short operator-facing messages with codes
// that can be quoted in tickets. Sentinel errors are checked first with
// errors.Is; everything else falls back to case-insensitive pattern matching.
//
// # Configuration Errors (CFG001-CFG099)
//
//	CFG001 - Invalid configuration: table contract or runtime file is invalid
//	         Action: Fix config.yml and run validate
//	         Sentinel: ErrConfig
//
//	CFG002 - Missing credentials: required environment variables are not set
//	         Action: Check the .env file next to config.yml
//	         Patterns: "missing required env vars"
//
// # Source Errors (SRC001-SRC099)
//
//	SRC001 - Source unreadable: the input file could not be read
//	         Action: Check the file path, format and sheet name
//	         Sentinel: ErrSource
//
//	SRC002 - Missing column: a required or key column is absent
//	         Action: Check the headers of the source file
//	         Sentinel: ErrMissingColumn (checked before ErrConfig)
//	         Patterns: "required column missing", "unique key column missing"
//
// # Concurrency Errors (LCK001-LCK099)
//
//	LCK001 - Sync already running: another process holds the advisory lock
//	         Action: Wait for the running sync to finish
//	         Patterns: "advisory lock in use", "already in progress in this process"
//
// # Migration Errors (MIG001-MIG099)
//
//	MIG001 - Migration edited: an applied migration file changed on disk
//	         Action: Restore the file and add a new versioned migration
//	         Patterns: "migration checksum mismatch"
//
// # Refresh Errors (REF001-REF099)
//
//	REF001 - Refresh timed out: the workbook refresh did not finish in time
//	         Action: Increase app.refresh_timeout_seconds or check the refresh command
//	         Patterns: "refresh timed out"
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key: a promoted row violates a unique constraint
//	DB002 - Table not found: the staging or target table does not exist
//	DB003 - Connection refused: unable to connect to database
//	DB004 - Timeout: a statement hit statement_timeout
//	DB005 - Deadlock: conflicting concurrent operations
//	DB006 - Permission denied: the runtime role lacks a grant
//
// # Default Error (ERR000)
//
// Fallback when no sentinel or pattern matches. Check the run log.
package core

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the engine.
var (
	// ErrConfig marks an invalid table contract or runtime file.
	ErrConfig = errors.New("invalid configuration")

	// ErrSource marks an unreadable or unsupported source file.
	ErrSource = errors.New("source error")

	// ErrMissingColumn marks a required or unique key column absent from a
	// source. Errors matching it also match ErrConfig.
	ErrMissingColumn = errors.New("missing column")
)

// MissingColumnError reports a contract column the source does not carry.
type MissingColumnError struct {
	Table  string
	Kind   string // "required" or "unique key"
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("[%s] %s column missing: %s", e.Table, e.Kind, e.Column)
}

// Is reports whether target is ErrMissingColumn or ErrConfig.
func (e *MissingColumnError) Is(target error) bool {
	return target == ErrMissingColumn || target == ErrConfig
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// SourceErrorf returns an error wrapping ErrSource.
func SourceErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrSource, fmt.Sprintf(format, args...))
}

// UserMessage provides operator-facing error information with guidance.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type sentinelMessage struct {
	target error
	msg    UserMessage
}

// sentinelMessages are checked before patterns, in order.
var sentinelMessages = []sentinelMessage{
	{
		target: ErrMissingColumn,
		msg: UserMessage{
			Message: "A required column is missing from the source",
			Action:  "Check the headers of the source file",
			Code:    "SRC002",
		},
	},
	{
		target: ErrConfig,
		msg: UserMessage{
			Message: "Invalid configuration",
			Action:  "Fix config.yml and run validate",
			Code:    "CFG001",
		},
	},
	{
		target: ErrSource,
		msg: UserMessage{
			Message: "Source file could not be read",
			Action:  "Check the file path, format and sheet name",
			Code:    "SRC001",
		},
	},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error patterns (case-insensitive) to messages.
// The first matching pattern wins, so specific patterns come first.
var errorPatterns = []errorPattern{
	{
		pattern: "missing required env vars",
		msg: UserMessage{
			Message: "Database credentials are not configured",
			Action:  "Check the .env file next to config.yml",
			Code:    "CFG002",
		},
	},
	{
		pattern: "required column missing",
		msg: UserMessage{
			Message: "A required column is missing from the source",
			Action:  "Check the headers of the source file",
			Code:    "SRC002",
		},
	},
	{
		pattern: "unique key column missing",
		msg: UserMessage{
			Message: "A unique key column is missing from the source",
			Action:  "Check the headers of the source file",
			Code:    "SRC002",
		},
	},
	{
		pattern: "advisory lock in use",
		msg: UserMessage{
			Message: "Another sync is already running",
			Action:  "Wait for the running sync to finish",
			Code:    "LCK001",
		},
	},
	{
		pattern: "already in progress in this process",
		msg: UserMessage{
			Message: "Another sync is already running",
			Action:  "Wait for the running sync to finish",
			Code:    "LCK001",
		},
	},
	{
		pattern: "migration checksum mismatch",
		msg: UserMessage{
			Message: "An applied migration was edited",
			Action:  "Restore the file and add a new versioned migration",
			Code:    "MIG001",
		},
	},
	{
		pattern: "refresh timed out",
		msg: UserMessage{
			Message: "Source refresh did not finish in time",
			Action:  "Increase app.refresh_timeout_seconds or check the refresh command",
			Code:    "REF001",
		},
	},

	// Database errors.
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A promoted row violates a unique constraint",
			Action:  "Check unique_keys for the table",
			Code:    "DB001",
		},
	},
	{
		pattern: "table not found",
		msg: UserMessage{
			Message: "Table not found",
			Action:  "Run the sync once so migrations create it",
			Code:    "DB002",
		},
	},
	{
		pattern: "does not exist",
		msg: UserMessage{
			Message: "Table not found",
			Action:  "Run the sync once so migrations create it",
			Code:    "DB002",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Check SUPABASE_DB_HOST and network access",
			Code:    "DB003",
		},
	},
	{
		pattern: "timeout",
		msg: UserMessage{
			Message: "Operation timed out",
			Action:  "Increase supabase.statement_timeout_seconds or try again later",
			Code:    "DB004",
		},
	},
	{
		pattern: "deadlock",
		msg: UserMessage{
			Message: "Database was busy with conflicting operations",
			Action:  "Please try again",
			Code:    "DB005",
		},
	},
	{
		pattern: "permission denied",
		msg: UserMessage{
			Message: "The database role lacks a required grant",
			Action:  "Run healthcheck and review grants",
			Code:    "DB006",
		},
	},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Check the run log for details",
	Code:    "ERR000",
}

// MapError converts a technical error to an operator-facing message.
//
// Example:
//
//	msg := MapError(lock.ErrLockHeld)
//	// msg.Code == "LCK001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.target) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
