// Package store mirrors result records into PostgreSQL.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/reflexion"
)

const schema = `
	CREATE TABLE IF NOT EXISTS reflexion_results (
		id          BIGSERIAL PRIMARY KEY,
		run_id      TEXT        NOT NULL,
		item_index  INTEGER     NOT NULL,
		text_hash   TEXT        NOT NULL,
		complete    BOOLEAN     NOT NULL,
		acc_reward  INTEGER     NOT NULL,
		passes      INTEGER     NOT NULL,
		revisions   INTEGER     NOT NULL,
		final_text  TEXT        NOT NULL DEFAULT '',
		record      JSONB       NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (run_id, item_index)
	)`

// ResultStore handles result storage in PostgreSQL
type ResultStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// ResultRow is one stored record
type ResultRow struct {
	ID        int64     `db:"id" json:"id"`
	RunID     string    `db:"run_id" json:"run_id"`
	ItemIndex int       `db:"item_index" json:"item_index"`
	TextHash  string    `db:"text_hash" json:"text_hash"`
	Complete  bool      `db:"complete" json:"complete"`
	AccReward int       `db:"acc_reward" json:"acc_reward"`
	Passes    int       `db:"passes" json:"passes"`
	Revisions int       `db:"revisions" json:"revisions"`
	FinalText string    `db:"final_text" json:"final_text"`
	Record    string    `db:"record" json:"record"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// RunStats summarizes one run
type RunStats struct {
	Records    int64   `db:"records" json:"records"`
	Completed  int64   `db:"completed" json:"completed"`
	MeanReward float64 `db:"mean_reward" json:"mean_reward"`
}

var _ reflexion.Sink = (*ResultStore)(nil)

// NewStore connects and creates the results table if needed
func NewStore(config *Config, logger *zap.Logger) (*ResultStore, error) {
	db, err := sqlx.Connect("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	store := &ResultStore{
		db:     db,
		logger: logger,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Result store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))

	return store, nil
}

func (s *ResultStore) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}
	return nil
}

// Append upserts the record keyed by run and item position
func (s *ResultStore) Append(ctx context.Context, record *reflexion.Record) error {
	row, err := newResultRow(record)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reflexion_results
			(run_id, item_index, text_hash, complete, acc_reward, passes, revisions, final_text, record)
		VALUES
			(:run_id, :item_index, :text_hash, :complete, :acc_reward, :passes, :revisions, :final_text, :record)
		ON CONFLICT (run_id, item_index) DO UPDATE SET
			complete   = EXCLUDED.complete,
			acc_reward = EXCLUDED.acc_reward,
			passes     = EXCLUDED.passes,
			revisions  = EXCLUDED.revisions,
			final_text = EXCLUDED.final_text,
			record     = EXCLUDED.record,
			updated_at = NOW()`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		s.logger.Error("Failed to store result",
			zap.Error(err),
			zap.String("run_id", row.RunID),
			zap.Int("item_index", row.ItemIndex))
		return fmt.Errorf("failed to store result: %w", err)
	}

	s.logger.Debug("Result stored",
		zap.String("run_id", row.RunID),
		zap.Int("item_index", row.ItemIndex))
	return nil
}

// GetStats returns aggregate results for a run
func (s *ResultStore) GetStats(ctx context.Context, runID string) (*RunStats, error) {
	stats := &RunStats{}
	query := `
		SELECT
			COUNT(*) AS records,
			COUNT(CASE WHEN complete THEN 1 END) AS completed,
			COALESCE(AVG(acc_reward), 0) AS mean_reward
		FROM reflexion_results
		WHERE run_id = $1`

	if err := s.db.GetContext(ctx, stats, query, runID); err != nil {
		return nil, fmt.Errorf("failed to get run stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *ResultStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// newResultRow flattens a record for storage
func newResultRow(record *reflexion.Record) (*ResultRow, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}

	row := &ResultRow{
		RunID:     record.RunID,
		ItemIndex: record.Index,
		Complete:  record.Complete,
		AccReward: record.AccReward,
		Passes:    record.Passes,
		Revisions: record.Revisions,
		Record:    string(raw),
	}
	if record.Item != nil {
		row.TextHash = computeTextHash(record.Item.Text)
	}
	if rewritings := record.Rewritings(); len(rewritings) > 0 {
		row.FinalText = rewritings[len(rewritings)-1].AnonymizedText
	}
	return row, nil
}

// computeTextHash computes SHA-256 hash of the given text
func computeTextHash(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// maskDatabaseURL masks the password of a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	scheme := strings.Index(userPart, "://")
	if colon < 0 || colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
