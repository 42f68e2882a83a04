// Package sqlstore reads recorded tests from a SQL data store through
// database/sql. SQLite (modernc.org/sqlite) and PostgreSQL (pgx) are
// supported; values are stored in engineering units and times as Unix
// microseconds.
package sqlstore
