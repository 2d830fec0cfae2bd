package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/state"
)

// PostgresStore is a Store backed by a pgx connection pool. The
// checkpoints table carries UNIQUE(session_id, step), so duplicate-step
// writes fail at the database rather than in application logic.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Save writes a checkpoint. A unique-violation on (session_id, step)
// maps to ErrDuplicateStep.
func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO checkpoints (id, session_id, step, state, label)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)`,
		cp.SessionID, cp.Step, cp.StateBlob, cp.Label,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("save checkpoint %s/%d: %w", cp.SessionID, cp.Step, ErrDuplicateStep)
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the highest-step checkpoint for a session.
func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (*Checkpoint, error) {
	cp := &Checkpoint{SessionID: sessionID}
	err := s.db.QueryRow(ctx, `
		SELECT step, state, label, created_at
		FROM checkpoints
		WHERE session_id = $1
		ORDER BY step DESC
		LIMIT 1`, sessionID,
	).Scan(&cp.Step, &cp.StateBlob, &cp.Label, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns the checkpoint at an exact step.
func (s *PostgresStore) Get(ctx context.Context, sessionID string, step int) (*Checkpoint, error) {
	cp := &Checkpoint{SessionID: sessionID, Step: step}
	err := s.db.QueryRow(ctx, `
		SELECT state, label, created_at
		FROM checkpoints
		WHERE session_id = $1 AND step = $2`, sessionID, step,
	).Scan(&cp.StateBlob, &cp.Label, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints for a session ordered by step.
func (s *PostgresStore) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT step, state, label, created_at
		FROM checkpoints
		WHERE session_id = $1
		ORDER BY step ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{SessionID: sessionID}
		if err := rows.Scan(&cp.Step, &cp.StateBlob, &cp.Label, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// SaveRouteDecision appends one row to the routing audit log.
func (s *PostgresStore) SaveRouteDecision(ctx context.Context, sessionID string, step int, dec state.RouteDecision) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO route_decisions (id, session_id, step, destination, method, reason, confidence)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`,
		sessionID, step, string(dec.Destination), dec.Method, dec.Reason, dec.Confidence,
	)
	if err != nil {
		return fmt.Errorf("save route decision: %w", err)
	}
	return nil
}

// DeleteSession removes every checkpoint and audit row for a session.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM route_decisions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session route decisions: %w", err)
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM checkpoints WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session checkpoints: %w", err)
	}
	s.logger.Info("Session checkpoints deleted",
		zap.String("session_id", sessionID),
		zap.Int64("count", tag.RowsAffected()))
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
