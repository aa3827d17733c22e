package report

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - initial schema (runs, findings, edges)
const currentSchemaVersion = 1

// Store is the findings database. SQLite in WAL mode; a single writer
// connection sidesteps SQLITE_BUSY under concurrent readers.
type Store struct {
	db *sql.DB
}

// Open creates or opens the findings database at path, applying pragmas
// and schema migrations. Idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open findings db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect findings db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("findings db schema version %d is newer than supported %d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// WriteDocument persists one run with its findings and edges in a single
// transaction. Re-writing the same run is a no-op, so a crashed export can
// simply be retried.
func (s *Store) WriteDocument(ctx context.Context, doc *Document) error {
	hash, err := doc.Hash()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, document_hash, events, gaps, dropped_events, truncated, evicted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		doc.RunID.String(),
		hash,
		doc.Coverage.Events,
		doc.Coverage.Gaps,
		doc.Coverage.DroppedEvents,
		doc.Coverage.Truncated,
		doc.Coverage.Evicted,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	for i := range doc.Findings {
		f := &doc.Findings[i]
		evidence, err := MarshalCanonical(evidenceValue(&f.Evidence))
		if err != nil {
			return fmt.Errorf("write finding loop %d: %w", f.Loop, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO findings (run_id, loop, kind, confidence_permille, evidence)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`,
			doc.RunID.String(), f.Loop, f.Kind.String(), Permille(f.Confidence), string(evidence),
		)
		if err != nil {
			return fmt.Errorf("write finding loop %d: %w", f.Loop, err)
		}
	}

	for _, e := range doc.Edges {
		var minDist, maxDist any
		if e.Distance.Known > 0 {
			minDist, maxDist = e.Distance.Min, e.Distance.Max
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edges (run_id, loop, source, sink, type, count, elided, known, unknown, min_distance, max_distance)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`,
			doc.RunID.String(), e.Key.Loop, e.Key.Source, e.Key.Sink, e.Key.Type.String(),
			e.Count, e.Elided, e.Distance.Known, e.Distance.Unknown, minDist, maxDist,
		)
		if err != nil {
			return fmt.Errorf("write edge %v: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// RunRow is one persisted run.
type RunRow struct {
	ID            string
	CreatedAt     string
	DocumentHash  string
	Events        uint64
	Gaps          uint64
	DroppedEvents uint64
	Truncated     bool
	Evicted       uint64
}

// Runs lists persisted runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, document_hash, events, gaps, dropped_events, truncated, evicted
		FROM runs ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.DocumentHash, &r.Events, &r.Gaps, &r.DroppedEvents, &r.Truncated, &r.Evicted); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindingRow is one persisted finding.
type FindingRow struct {
	RunID              string
	Loop               uint32
	Kind               string
	ConfidencePermille int64
	Evidence           string
}

// Findings returns the findings of a run, optionally restricted to one
// loop (loop 0 means all), sorted by loop id.
func (s *Store) Findings(ctx context.Context, runID string, loop uint32) ([]FindingRow, error) {
	query := `
		SELECT run_id, loop, kind, confidence_permille, evidence
		FROM findings WHERE run_id = ?
	`
	args := []any{runID}
	if loop != 0 {
		query += " AND loop = ?"
		args = append(args, loop)
	}
	query += " ORDER BY loop"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []FindingRow
	for rows.Next() {
		var f FindingRow
		if err := rows.Scan(&f.RunID, &f.Loop, &f.Kind, &f.ConfidencePermille, &f.Evidence); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// EdgeRow is one persisted dependence edge.
type EdgeRow struct {
	Loop        uint32
	Source      uint32
	Sink        uint32
	Type        string
	Count       uint64
	Elided      uint64
	Known       uint64
	Unknown     uint64
	MinDistance sql.NullInt64
	MaxDistance sql.NullInt64
}

// Edges returns the edges of a run attributed to one loop (loop 0 means
// all), in the graph's stable order.
func (s *Store) Edges(ctx context.Context, runID string, loop uint32) ([]EdgeRow, error) {
	query := `
		SELECT loop, source, sink, type, count, elided, known, unknown, min_distance, max_distance
		FROM edges WHERE run_id = ?
	`
	args := []any{runID}
	if loop != 0 {
		query += " AND loop = ?"
		args = append(args, loop)
	}
	query += " ORDER BY loop, source, sink, type"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []EdgeRow
	for rows.Next() {
		var e EdgeRow
		if err := rows.Scan(&e.Loop, &e.Source, &e.Sink, &e.Type, &e.Count, &e.Elided, &e.Known, &e.Unknown, &e.MinDistance, &e.MaxDistance); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
