package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const runColumns = `
	id, entity_kind, entity_id, name, title, filename, status, attempts, pages,
	fallback, error, location_kind, location_uri, size_bytes, created_at, finished_at
`

func (s *PostgresStore) RecordRun(ctx context.Context, run Run) error {
	status := run.Status
	if status == "" {
		status = RunRunning
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO report_runs (id, entity_kind, entity_id, name, title, filename, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.EntityKind, run.EntityID, run.Name, run.Title, run.Filename, string(status), createdAt)
	if err != nil {
		return fmt.Errorf("insert report run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, id string, outcome RunOutcome) error {
	finishedAt := outcome.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_runs
		SET status=$2, attempts=$3, pages=$4, fallback=$5, error=$6,
		    location_kind=$7, location_uri=$8, size_bytes=$9, finished_at=$10
		WHERE id=$1
	`, id, string(outcome.Status), outcome.Attempts, outcome.Pages, outcome.Fallback, outcome.Error,
		outcome.LocationKind, outcome.LocationURI, outcome.SizeBytes, finishedAt)
	if err != nil {
		return fmt.Errorf("finish report run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish report run: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM report_runs WHERE id=$1`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get report run: %w", err)
	}
	return run, nil
}

// ListRuns returns the newest runs first. Query matches name, title and
// filename case-insensitively.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityKind != "" {
		args = append(args, filter.EntityKind)
		where = append(where, fmt.Sprintf("entity_kind=$%d", len(args)))
	}
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		where = append(where, fmt.Sprintf("entity_id=$%d", len(args)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(name ILIKE $%d OR title ILIKE $%d OR filename ILIKE $%d)", n, n, n))
	}

	query := `SELECT ` + runColumns + ` FROM report_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list report runs: %w", err)
	}
	defer rows.Close()

	items := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan report run: %w", err)
		}
		items = append(items, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report runs: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run        Run
		status     string
		finishedAt sql.NullTime
	)
	err := row.Scan(&run.ID, &run.EntityKind, &run.EntityID, &run.Name, &run.Title, &run.Filename,
		&status, &run.Attempts, &run.Pages, &run.Fallback, &run.Error,
		&run.LocationKind, &run.LocationURI, &run.SizeBytes, &run.CreatedAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
