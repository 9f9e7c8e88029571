// ABOUTME: SQLite turn cost ledger using modernc.org/sqlite
// ABOUTME: One row per completed turn with dollar cost and token counters

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/coven-runtime/internal/protocol"
)

// Store is the SQLite-backed turn cost ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// UsageRecord is one persisted turn cost row.
type UsageRecord struct {
	ID                  string
	AgentID             string
	TotalCostUSD        float64
	DurationMS          int64
	DurationAPIMS       int64
	NumTurns            int
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CreatedAt           time.Time
}

// UsageStats is an aggregate over the ledger.
type UsageStats struct {
	TotalCostUSD float64
	InputTokens  int64
	OutputTokens int64
	TurnCount    int64
}

// Open creates the ledger at the given path, creating parent directories
// and the schema as needed. WAL mode is enabled for concurrent reads.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With("component", "store"),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("cost ledger initialized", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turn_usage (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			total_cost_usd REAL NOT NULL,
			duration_ms INTEGER NOT NULL,
			duration_api_ms INTEGER NOT NULL,
			num_turns INTEGER NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			cache_read_tokens INTEGER NOT NULL,
			cache_creation_tokens INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turn_usage_agent
			ON turn_usage(agent_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordCost stores one turn's cost frame payload.
func (s *Store) RecordCost(ctx context.Context, agentID string, cost *protocol.Cost) error {
	query := `
		INSERT INTO turn_usage (
			id, agent_id, total_cost_usd, duration_ms, duration_api_ms, num_turns,
			input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
			created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		agentID,
		cost.TotalCostUSD,
		cost.DurationMS,
		cost.DurationAPIMS,
		cost.NumTurns,
		cost.Usage.InputTokens,
		cost.Usage.OutputTokens,
		cost.Usage.CacheReadTokens,
		cost.Usage.CacheCreationTokens,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting turn usage: %w", err)
	}

	s.logger.Debug("recorded turn cost",
		"agent_id", agentID,
		"total_cost_usd", cost.TotalCostUSD,
		"input_tokens", cost.Usage.InputTokens,
		"output_tokens", cost.Usage.OutputTokens,
	)
	return nil
}

// AgentUsage retrieves all cost rows for one agent, oldest first.
func (s *Store) AgentUsage(ctx context.Context, agentID string) ([]*UsageRecord, error) {
	query := `
		SELECT id, agent_id, total_cost_usd, duration_ms, duration_api_ms, num_turns,
		       input_tokens, output_tokens, cache_read_tokens, cache_creation_tokens,
		       created_at
		FROM turn_usage
		WHERE agent_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying agent usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*UsageRecord
	for rows.Next() {
		rec, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return records, nil
}

// Stats aggregates the whole ledger, or one agent's slice of it when
// agentID is non-empty.
func (s *Store) Stats(ctx context.Context, agentID string) (*UsageStats, error) {
	query := `
		SELECT
			COALESCE(SUM(total_cost_usd), 0),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COUNT(*)
		FROM turn_usage
	`
	args := []any{}
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}

	var stats UsageStats
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.TotalCostUSD,
		&stats.InputTokens,
		&stats.OutputTokens,
		&stats.TurnCount,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}
	return &stats, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanUsage(rows *sql.Rows) (*UsageRecord, error) {
	var rec UsageRecord
	var createdAt string
	err := rows.Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.TotalCostUSD,
		&rec.DurationMS,
		&rec.DurationAPIMS,
		&rec.NumTurns,
		&rec.InputTokens,
		&rec.OutputTokens,
		&rec.CacheReadTokens,
		&rec.CacheCreationTokens,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning usage row: %w", err)
	}
	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing usage timestamp: %w", err)
	}
	return &rec, nil
}
