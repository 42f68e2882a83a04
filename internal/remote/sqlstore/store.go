package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // register sqlite as a database/sql driver

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// Dialect selects placeholder syntax and DDL types
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DialectFor maps a database/sql driver name to its dialect
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// driverName returns the registered database/sql driver for the dialect
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// rebind rewrites "?" placeholders for the dialect
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TestInfo is one row of the tests table
type TestInfo struct {
	TestID    uint64    `json:"test_id"`
	ChannelID string    `json:"channel_id"`
	StartTime time.Time `json:"start_time"`
	Program   string    `json:"program"`
	Barcode   string    `json:"barcode"`
}

// Store reads recorded tests from the rig's SQL data store. The *sql.DB
// is owned by the caller.
type Store struct {
	db      *sql.DB
	dialect Dialect
	name    string
	logger  *slog.Logger
}

// New wraps an open database handle
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:      db,
		dialect: dialect,
		name:    "sql:" + string(dialect),
		logger:  logger.With(slog.String("component", "sqlstore")),
	}
}

// Open opens and pings a database. The caller closes the returned handle.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", &errors.SourceUnavailableError{Source: "sql:" + string(dialect), Cause: err}
	}
	return db, dialect, nil
}

// Ping verifies the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.classify(ctx, err)
	}
	return nil
}

// Migrate creates the tests and records tables when missing
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.dialect, err)
		}
	}
	return nil
}

func schema(d Dialect) []string {
	floatType := "REAL"
	if d == DialectPostgres {
		floatType = "DOUBLE PRECISION"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS tests (
			test_id BIGINT NOT NULL,
			channel_id TEXT NOT NULL,
			start_time_us BIGINT NOT NULL DEFAULT 0,
			program TEXT NOT NULL DEFAULT '',
			barcode TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (test_id, channel_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS records (
			test_id BIGINT NOT NULL,
			channel_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind SMALLINT NOT NULL,
			cycle BIGINT NOT NULL,
			program_step BIGINT NOT NULL,
			mode SMALLINT NOT NULL,
			step_time_us BIGINT NOT NULL,
			test_time_us BIGINT NOT NULL,
			recorded_at_us BIGINT NOT NULL,
			voltage_v %[1]s NOT NULL,
			current_a %[1]s NOT NULL,
			temperature_c %[1]s,
			capacity_ah %[1]s NOT NULL,
			energy_wh %[1]s NOT NULL,
			PRIMARY KEY (test_id, channel_id, seq)
		)`, floatType),
	}
}

// Tests lists every recorded (test, channel) pair ordered by channel then test
func (s *Store) Tests(ctx context.Context) ([]TestInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT test_id, channel_id, start_time_us, program, barcode FROM tests ORDER BY channel_id, test_id`)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	defer rows.Close()

	var out []TestInfo
	for rows.Next() {
		var (
			info  TestInfo
			start int64
		)
		if err := rows.Scan(&info.TestID, &info.ChannelID, &start, &info.Program, &info.Barcode); err != nil {
			return nil, fmt.Errorf("scan test: %w", err)
		}
		info.StartTime = fromMicros(start)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, err)
	}
	return out, nil
}

// Test returns one test's metadata or NoSuchTestError
func (s *Store) Test(ctx context.Context, testID uint64, channelID string) (TestInfo, error) {
	info := TestInfo{TestID: testID, ChannelID: channelID}
	var start int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.rebind(`SELECT start_time_us, program, barcode FROM tests WHERE test_id = ? AND channel_id = ?`),
		testID, channelID,
	).Scan(&start, &info.Program, &info.Barcode)
	if stderrors.Is(err, sql.ErrNoRows) {
		return info, &errors.NoSuchTestError{Source: s.name, TestID: testID, ChannelID: channelID}
	}
	if err != nil {
		return info, s.classify(ctx, err)
	}
	info.StartTime = fromMicros(start)
	return info, nil
}

// Insert stores a test and its records in one transaction. Test metadata
// is updated; records already stored under the same sequence are kept.
func (s *Store) Insert(ctx context.Context, info TestInfo, recs []domain.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.classify(ctx, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx,
		s.dialect.rebind(`INSERT INTO tests (test_id, channel_id, start_time_us, program, barcode) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (test_id, channel_id) DO UPDATE SET start_time_us = excluded.start_time_us, program = excluded.program, barcode = excluded.barcode`),
		info.TestID, info.ChannelID, toMicros(info.StartTime), info.Program, info.Barcode,
	); err != nil {
		return fmt.Errorf("insert test %d channel %s: %w", info.TestID, info.ChannelID, err)
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(`INSERT INTO records
		(test_id, channel_id, seq, kind, cycle, program_step, mode, step_time_us, test_time_us, recorded_at_us,
		 voltage_v, current_a, temperature_c, capacity_ah, energy_wh)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (test_id, channel_id, seq) DO NOTHING`))
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recs {
		var temp sql.NullFloat64
		if r.Temperature != nil {
			temp = sql.NullFloat64{Float64: *r.Temperature, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			info.TestID, info.ChannelID, int64(r.Index), int64(r.Kind), int64(r.Cycle), int64(r.ProgramStep),
			int64(r.Mode), r.StepTime.Microseconds(), r.TestTime.Microseconds(), toMicros(r.Timestamp),
			r.Voltage, r.Current, temp, r.Capacity, r.Energy,
		); err != nil {
			return fmt.Errorf("insert record %d of test %d channel %s: %w", r.Index, info.TestID, info.ChannelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit test %d channel %s: %w", info.TestID, info.ChannelID, err)
	}
	committed = true

	s.logger.InfoContext(ctx, "test stored",
		slog.Uint64("test_id", info.TestID),
		slog.String("channel_id", info.ChannelID),
		slog.Int("records", len(recs)),
	)
	return nil
}

// classify maps driver failures to the pipeline error taxonomy
func (s *Store) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &errors.CancelledError{Source: s.name, Cause: ctxErr}
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return &errors.CancelledError{Source: s.name, Cause: err}
	}
	return &errors.SourceUnavailableError{Source: s.name, Cause: err}
}

func toMicros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicros(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}
