package store

import (
	"database/sql"
	"fmt"
	"strings"
)

type Isolation int

const (
	Default Isolation = iota
	ReadUncommitted
	ReadCommitted
	RepeatableRead
	Serializable
)

var isolationNames = map[Isolation]string{
	Default:         "DEFAULT",
	ReadUncommitted: "READ_UNCOMMITTED",
	ReadCommitted:   "READ_COMMITTED",
	RepeatableRead:  "REPEATABLE_READ",
	Serializable:    "SERIALIZABLE",
}

func (i Isolation) String() string {
	if name, ok := isolationNames[i]; ok {
		return name
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// SQL maps the level onto database/sql.
func (i Isolation) SQL() sql.IsolationLevel {
	switch i {
	case ReadUncommitted:
		return sql.LevelReadUncommitted
	case ReadCommitted:
		return sql.LevelReadCommitted
	case RepeatableRead:
		return sql.LevelRepeatableRead
	case Serializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

// Snapshot reports whether reads observe a single point in time for the whole
// transaction.
func (i Isolation) Snapshot() bool {
	return i == RepeatableRead || i == Serializable
}

// ParseIsolation accepts the names produced by String, case-insensitively,
// with either '_' or ' ' as separator.
func ParseIsolation(s string) (Isolation, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_"))
	if norm == "" {
		return ReadCommitted, nil
	}
	for level, name := range isolationNames {
		if name == norm {
			return level, nil
		}
	}
	return Default, fmt.Errorf("%w: unknown isolation %q", ErrInvalidArgument, s)
}
