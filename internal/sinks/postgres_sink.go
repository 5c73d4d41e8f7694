package sinks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/rs/zerolog"

	"github.com/benmeehan/telemetry-ingest/internal/models"
	"github.com/benmeehan/telemetry-ingest/internal/utils"
)

// maxBindParameters is the Postgres limit on placeholders per statement.
const maxBindParameters = 65535

// PostgresSink writes batches into a Postgres/TimescaleDB table.
// Every commit takes one connection from the pool for its sole use and hands
// it back afterwards, whether the commit succeeded or not.
type PostgresSink struct {
	db     *sql.DB
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// OpenPostgres opens a pool on dsn using the pgx driver and checks connectivity.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger zerolog.Logger) (*PostgresSink, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	return NewPostgresSink(db, logger), nil
}

// NewPostgresSink wraps an existing pool.
func NewPostgresSink(db *sql.DB, logger zerolog.Logger) *PostgresSink {
	return &PostgresSink{db: db, logger: logger}
}

func (p *PostgresSink) Name() string { return "postgres" }

// Commit inserts the batch inside a single transaction.
func (p *PostgresSink) Commit(ctx context.Context, batch models.Batch) (models.CommitResult, error) {
	start := time.Now()
	if batch.Len() == 0 {
		return models.CommitResult{}, nil
	}

	statements, err := buildInserts(batch)
	if err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, err)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("failed to acquire connection: %w", err))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("failed to begin transaction: %w", err))
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt.query, stmt.args...); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				p.logger.Warn().Err(rbErr).Str("table", batch.Destination.Table).Msg("Rollback failed")
			}
			return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("insert failed: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return models.CommitResult{}, models.NewCommitError(batch, fmt.Errorf("failed to commit transaction: %w", err))
	}

	elapsed := time.Since(start)
	p.logger.Debug().
		Str("table", batch.Destination.Table).
		Uint64("seq", batch.Seq).
		Int("rows", batch.Len()).
		Dur("elapsed", elapsed).
		Msg("Batch committed")
	return models.CommitResult{RowsWritten: batch.Len(), Elapsed: elapsed}, nil
}

// columnsQuery lists the columns of a table in the given schema, or in the
// session's current schema when none is given.
const columnsQuery = "SELECT column_name FROM information_schema.columns " +
	"WHERE table_name = $1 AND table_schema = COALESCE(NULLIF($2, ''), current_schema())"

// splitTableName separates an optional schema qualifier from a table name.
func splitTableName(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// Verify checks that the live table has every column the destination schema writes.
func (p *PostgresSink) Verify(ctx context.Context, destination models.Destination) error {
	layout, err := destination.Layout()
	if err != nil {
		return err
	}

	schema, table := splitTableName(destination.Table)
	rows, err := p.db.QueryContext(ctx, columnsQuery, table, schema)
	if err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", destination.Table, err)
	}
	defer rows.Close()

	var live []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to read columns of %s: %w", destination.Table, err)
		}
		live = append(live, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read columns of %s: %w", destination.Table, err)
	}

	if len(live) == 0 {
		return &models.ConfigurationError{Field: "destination.table", Reason: fmt.Sprintf("table %q does not exist", destination.Table)}
	}
	liveSet := utils.SliceToSet(live)
	var missing []string
	for _, col := range layout.Columns {
		if _, ok := liveSet[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return &models.ConfigurationError{
			Field:  "destination.schema",
			Reason: fmt.Sprintf("table %q has no column(s) %s required by schema %s", destination.Table, strings.Join(missing, ", "), layout.Name),
		}
	}
	return nil
}

// Close closes the pool once.
func (p *PostgresSink) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.db.Close()
	})
	return p.closeErr
}

type insertStatement struct {
	query string
	args  []any
}

// buildInserts renders multi-row INSERTs, splitting when a single statement
// would exceed the bind parameter limit.
func buildInserts(batch models.Batch) ([]insertStatement, error) {
	layout, err := batch.Destination.Layout()
	if err != nil {
		return nil, err
	}
	cols := len(layout.Columns)
	rowsPerStmt := maxBindParameters / cols

	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", batch.Destination.Table, strings.Join(layout.Columns, ", "))

	var statements []insertStatement
	for start := 0; start < batch.Len(); start += rowsPerStmt {
		end := start + rowsPerStmt
		if end > batch.Len() {
			end = batch.Len()
		}

		var b strings.Builder
		b.WriteString(prefix)
		args := make([]any, 0, (end-start)*cols)
		for i, r := range batch.Readings[start:end] {
			row, err := layout.Row(r)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(")
			for c := range row {
				if c > 0 {
					b.WriteString(",")
				}
				fmt.Fprintf(&b, "$%d", len(args)+c+1)
			}
			b.WriteString(")")
			args = append(args, row...)
		}
		statements = append(statements, insertStatement{query: b.String(), args: args})
	}
	return statements, nil
}
