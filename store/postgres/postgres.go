// Package postgres implements the tape store interfaces using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddlot/tape"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements every tape store interface backed by PostgreSQL.
// JSON-shaped fields are stored as JSONB columns; timestamps as BIGINT
// unix nanoseconds so the zero time round-trips as 0.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ tape.ChatStore = (*Store)(nil)
var _ tape.FileStore = (*Store)(nil)
var _ tape.ResourceStore = (*Store)(nil)
var _ tape.StrategyStore = (*Store)(nil)
var _ tape.ExecutionStore = (*Store)(nil)
var _ tape.SyncStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times; every statement is idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			ts BIGINT NOT NULL,
			UNIQUE(chat_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_idx ON messages(chat_id, seq)`,

		`CREATE TABLE IF NOT EXISTS chat_files (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			file_type TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(chat_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS chat_files_chat_idx ON chat_files(chat_id)`,

		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			title TEXT NOT NULL,
			data BYTEA NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			name TEXT NOT NULL,
			thesis TEXT NOT NULL,
			platform TEXT NOT NULL,
			execution_frequency_seconds BIGINT NOT NULL,
			capital JSONB NOT NULL,
			parameters JSONB,
			entry_file_id TEXT NOT NULL,
			exit_file_id TEXT NOT NULL,
			config_file_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			approved BOOLEAN NOT NULL DEFAULT FALSE,
			stats JSONB NOT NULL,
			last_run_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS strategies_user_idx ON strategies(user_id)`,
		`CREATE INDEX IF NOT EXISTS strategies_due_idx ON strategies(enabled, approved, last_run_at)`,

		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			entry_signals JSONB,
			exit_signals JSONB,
			actions JSONB,
			logs JSONB,
			duration_ms BIGINT NOT NULL,
			started_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS executions_strategy_idx ON executions(strategy_id, started_at)`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id TEXT PRIMARY KEY,
			last_sync_at BIGINT NOT NULL,
			in_flight BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			account TEXT NOT NULL,
			kind TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			units DOUBLE PRECISION NOT NULL DEFAULT 0,
			price DOUBLE PRECISION NOT NULL DEFAULT 0,
			amount DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL,
			occurred_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS activities_user_idx ON activities(user_id, occurred_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// --- ChatStore ---

// AppendMessage inserts one message at the end of the chat. A lost race on
// the sequence number is retried once before surfacing tape.ErrConflict.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg tape.Message) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.appendOnce(ctx, chatID, msg, nil)
		if err == nil || !isUniqueViolation(err) {
			break
		}
	}
	if isUniqueViolation(err) {
		err = tape.ErrConflict
	}
	if err != nil {
		s.logger.Error("postgres: append message failed", "chat_id", chatID, "error", err)
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// AppendAssistantTurn inserts the assistant message and its tool result
// messages in a single transaction.
func (s *Store) AppendAssistantTurn(ctx context.Context, chatID string, assistant tape.Message, tools []tape.Message) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.appendOnce(ctx, chatID, assistant, tools)
		if err == nil || !isUniqueViolation(err) {
			break
		}
	}
	if isUniqueViolation(err) {
		err = tape.ErrConflict
	}
	if err != nil {
		s.logger.Error("postgres: append assistant turn failed", "chat_id", chatID, "error", err)
		return fmt.Errorf("append assistant turn: %w", err)
	}
	return nil
}

func (s *Store) appendOnce(ctx context.Context, chatID string, first tape.Message, rest []tape.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = $1`, chatID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	msgs := append([]tape.Message{first}, rest...)
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = tape.NewID()
		}
		var callsJSON []byte
		if len(m.ToolCalls) > 0 {
			callsJSON, err = json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, chat_id, seq, role, content, tool_calls, tool_call_id, name, resource_id, latency_ms, ts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, chatID, next+int64(i), m.Role, m.Content, callsJSON,
			m.ToolCallID, m.Name, m.ResourceID, m.LatencyMS, unixNano(m.Timestamp),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Messages returns the full transcript in insertion order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]tape.Message, error) {
	return s.queryMessages(ctx, chatID, 0)
}

// Latest returns the last n messages in insertion order.
func (s *Store) Latest(ctx context.Context, chatID string, n int) ([]tape.Message, error) {
	return s.queryMessages(ctx, chatID, n)
}

func (s *Store) queryMessages(ctx context.Context, chatID string, limit int) ([]tape.Message, error) {
	q := `SELECT id, chat_id, seq, role, content, tool_calls, tool_call_id, name, resource_id, latency_ms, ts
	      FROM messages WHERE chat_id = $1 ORDER BY seq DESC`
	args := []any{chatID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []tape.Message
	for rows.Next() {
		var m tape.Message
		var callsJSON []byte
		var ts int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.Role, &m.Content, &callsJSON, &m.ToolCallID, &m.Name, &m.ResourceID, &m.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(callsJSON) > 0 {
			if err := json.Unmarshal(callsJSON, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		m.Timestamp = fromUnixNano(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to insertion order (oldest first).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// --- FileStore ---

// PutFile upserts on (chat_id, name) and returns the file's id. An upsert
// keeps the original id and created_at.
func (s *Store) PutFile(ctx context.Context, f tape.ChatFile) (string, error) {
	if f.ID == "" {
		f.ID = tape.NewID()
	}
	var id string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chat_files (id, chat_id, user_id, name, file_type, data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (chat_id, name) DO UPDATE
		 SET file_type = EXCLUDED.file_type, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		f.ID, f.ChatID, f.UserID, f.Name, f.FileType, f.Data, unixNano(f.CreatedAt), unixNano(f.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("put file: %w", err)
	}
	return id, nil
}

// FileByID returns a file by id.
func (s *Store) FileByID(ctx context.Context, id string) (tape.ChatFile, error) {
	return s.scanFile(s.pool.QueryRow(ctx,
		`SELECT id, chat_id, user_id, name, file_type, data, created_at, updated_at
		 FROM chat_files WHERE id = $1`, id))
}

// File returns a file by its (chat_id, name) key.
func (s *Store) File(ctx context.Context, chatID, name string) (tape.ChatFile, error) {
	return s.scanFile(s.pool.QueryRow(ctx,
		`SELECT id, chat_id, user_id, name, file_type, data, created_at, updated_at
		 FROM chat_files WHERE chat_id = $1 AND name = $2`, chatID, name))
}

// Files returns the chat's files ordered by name.
func (s *Store) Files(ctx context.Context, chatID string) ([]tape.ChatFile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, chat_id, user_id, name, file_type, data, created_at, updated_at
		 FROM chat_files WHERE chat_id = $1 ORDER BY name`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []tape.ChatFile
	for rows.Next() {
		var f tape.ChatFile
		var created, updated int64
		if err := rows.Scan(&f.ID, &f.ChatID, &f.UserID, &f.Name, &f.FileType, &f.Data, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.CreatedAt = fromUnixNano(created)
		f.UpdatedAt = fromUnixNano(updated)
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) scanFile(row pgx.Row) (tape.ChatFile, error) {
	var f tape.ChatFile
	var created, updated int64
	err := row.Scan(&f.ID, &f.ChatID, &f.UserID, &f.Name, &f.FileType, &f.Data, &created, &updated)
	if err != nil {
		return tape.ChatFile{}, fmt.Errorf("get file: %w", err)
	}
	f.CreatedAt = fromUnixNano(created)
	f.UpdatedAt = fromUnixNano(updated)
	return f, nil
}

// --- ResourceStore ---

// PutResource inserts a resource and returns its id.
func (s *Store) PutResource(ctx context.Context, r tape.Resource) (string, error) {
	if r.ID == "" {
		r.ID = tape.NewID()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resources (id, user_id, chat_id, resource_type, title, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.UserID, r.ChatID, r.Type, r.Title, r.Data, unixNano(r.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("put resource: %w", err)
	}
	return r.ID, nil
}

// ResourceByID returns a resource by id.
func (s *Store) ResourceByID(ctx context.Context, id string) (tape.Resource, error) {
	var r tape.Resource
	var created int64
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, chat_id, resource_type, title, data, created_at
		 FROM resources WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.ChatID, &r.Type, &r.Title, &r.Data, &created)
	if err != nil {
		return tape.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	r.CreatedAt = fromUnixNano(created)
	return r, nil
}

// --- StrategyStore ---

// PutStrategy inserts or replaces a strategy record.
func (s *Store) PutStrategy(ctx context.Context, st tape.Strategy) error {
	capitalJSON, err := json.Marshal(st.Capital)
	if err != nil {
		return fmt.Errorf("marshal capital: %w", err)
	}
	statsJSON, err := json.Marshal(st.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	var paramsJSON []byte
	if len(st.Parameters) > 0 {
		paramsJSON, err = json.Marshal(st.Parameters)
		if err != nil {
			return fmt.Errorf("marshal parameters: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO strategies
		 (id, user_id, chat_id, name, thesis, platform, execution_frequency_seconds,
		  capital, parameters, entry_file_id, exit_file_id, config_file_id,
		  mode, enabled, approved, stats, last_run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (id) DO UPDATE SET
		  user_id = EXCLUDED.user_id, chat_id = EXCLUDED.chat_id,
		  name = EXCLUDED.name, thesis = EXCLUDED.thesis, platform = EXCLUDED.platform,
		  execution_frequency_seconds = EXCLUDED.execution_frequency_seconds,
		  capital = EXCLUDED.capital, parameters = EXCLUDED.parameters,
		  entry_file_id = EXCLUDED.entry_file_id, exit_file_id = EXCLUDED.exit_file_id,
		  config_file_id = EXCLUDED.config_file_id, mode = EXCLUDED.mode,
		  enabled = EXCLUDED.enabled, approved = EXCLUDED.approved,
		  stats = EXCLUDED.stats, last_run_at = EXCLUDED.last_run_at,
		  updated_at = EXCLUDED.updated_at`,
		st.ID, st.UserID, st.ChatID, st.Name, st.Thesis, st.Platform,
		int64(st.ExecFrequency/time.Second), capitalJSON, paramsJSON,
		st.FileIDs.Entry, st.FileIDs.Exit, st.FileIDs.Config,
		string(st.Mode), st.Enabled, st.Approved,
		statsJSON, unixNano(st.Stats.LastRunAt),
		unixNano(st.CreatedAt), unixNano(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put strategy: %w", err)
	}
	return nil
}

const strategySelect = `SELECT id, user_id, chat_id, name, thesis, platform,
	execution_frequency_seconds, capital, parameters,
	entry_file_id, exit_file_id, config_file_id,
	mode, enabled, approved, stats, created_at, updated_at
	FROM strategies`

// StrategyByID returns a strategy by id.
func (s *Store) StrategyByID(ctx context.Context, id string) (tape.Strategy, error) {
	rows, err := s.pool.Query(ctx, strategySelect+` WHERE id = $1`, id)
	if err != nil {
		return tape.Strategy{}, fmt.Errorf("get strategy: %w", err)
	}
	defer rows.Close()
	list, err := scanStrategies(rows)
	if err != nil {
		return tape.Strategy{}, err
	}
	if len(list) == 0 {
		return tape.Strategy{}, fmt.Errorf("get strategy: %w", pgx.ErrNoRows)
	}
	return list[0], nil
}

// StrategiesByUser returns the user's strategies ordered by creation time.
func (s *Store) StrategiesByUser(ctx context.Context, userID string) ([]tape.Strategy, error) {
	rows, err := s.pool.Query(ctx, strategySelect+` WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("strategies by user: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// DueStrategies returns enabled, approved strategies whose execution
// frequency has elapsed by now, ordered by id for a stable tick.
func (s *Store) DueStrategies(ctx context.Context, now time.Time) ([]tape.Strategy, error) {
	rows, err := s.pool.Query(ctx, strategySelect+
		` WHERE enabled AND approved
		  AND (last_run_at = 0 OR last_run_at + execution_frequency_seconds * 1000000000 <= $1)
		  ORDER BY id`,
		unixNano(now))
	if err != nil {
		return nil, fmt.Errorf("due strategies: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// SetEnabled flips a strategy's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET enabled = $1, updated_at = $2 WHERE id = $3`,
		enabled, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set enabled: %w", pgx.ErrNoRows)
	}
	return nil
}

// SetApproved flips a strategy's approved flag. A column update, not a
// row replace, so stats a concurrent cycle commits are never clobbered.
func (s *Store) SetApproved(ctx context.Context, id string, approved bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET approved = $1, updated_at = $2 WHERE id = $3`,
		approved, unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set approved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set approved: %w", pgx.ErrNoRows)
	}
	return nil
}

// SetMode writes a strategy's mode. Callers validate the transition with
// Strategy.Promote before calling.
func (s *Store) SetMode(ctx context.Context, id string, mode tape.Mode) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE strategies SET mode = $1, updated_at = $2 WHERE id = $3`,
		string(mode), unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set mode: %w", pgx.ErrNoRows)
	}
	return nil
}

// UpdateStats applies fn to the strategy's stats under a row lock.
func (s *Store) UpdateStats(ctx context.Context, id string, fn func(*tape.StrategyStats) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var statsJSON []byte
	if err := tx.QueryRow(ctx,
		`SELECT stats FROM strategies WHERE id = $1 FOR UPDATE`, id,
	).Scan(&statsJSON); err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	var stats tape.StrategyStats
	if err := json.Unmarshal(statsJSON, &stats); err != nil {
		return fmt.Errorf("unmarshal stats: %w", err)
	}
	if err := fn(&stats); err != nil {
		return err
	}
	updated, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE strategies SET stats = $1, last_run_at = $2, updated_at = $3 WHERE id = $4`,
		updated, unixNano(stats.LastRunAt), unixNano(time.Now()), id,
	); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return tx.Commit(ctx)
}

func scanStrategies(rows pgx.Rows) ([]tape.Strategy, error) {
	var list []tape.Strategy
	for rows.Next() {
		var st tape.Strategy
		var freqSec int64
		var capitalJSON, statsJSON, paramsJSON []byte
		var mode string
		var created, updated int64
		if err := rows.Scan(&st.ID, &st.UserID, &st.ChatID, &st.Name, &st.Thesis, &st.Platform,
			&freqSec, &capitalJSON, &paramsJSON,
			&st.FileIDs.Entry, &st.FileIDs.Exit, &st.FileIDs.Config,
			&mode, &st.Enabled, &st.Approved, &statsJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		st.ExecFrequency = time.Duration(freqSec) * time.Second
		if err := json.Unmarshal(capitalJSON, &st.Capital); err != nil {
			return nil, fmt.Errorf("unmarshal capital: %w", err)
		}
		if len(paramsJSON) > 0 {
			if err := json.Unmarshal(paramsJSON, &st.Parameters); err != nil {
				return nil, fmt.Errorf("unmarshal parameters: %w", err)
			}
		}
		if err := json.Unmarshal(statsJSON, &st.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
		st.Mode = tape.Mode(mode)
		st.CreatedAt = fromUnixNano(created)
		st.UpdatedAt = fromUnixNano(updated)
		list = append(list, st)
	}
	return list, rows.Err()
}

// --- ExecutionStore ---

// RecordExecution appends one cycle outcome.
func (s *Store) RecordExecution(ctx context.Context, rec tape.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = tape.NewID()
	}
	entriesJSON, err := marshalOrNil(rec.EntrySignals)
	if err != nil {
		return fmt.Errorf("marshal entry signals: %w", err)
	}
	exitsJSON, err := marshalOrNil(rec.ExitSignals)
	if err != nil {
		return fmt.Errorf("marshal exit signals: %w", err)
	}
	actionsJSON, err := marshalOrNil(rec.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	logsJSON, err := marshalOrNil(rec.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO executions (id, strategy_id, status, error, mode, entry_signals, exit_signals, actions, logs, duration_ms, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.StrategyID, rec.Status, rec.Error, string(rec.Mode),
		entriesJSON, exitsJSON, actionsJSON, logsJSON, rec.DurationMS, unixNano(rec.StartedAt))
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Executions returns the most recent records first, up to limit. A
// non-positive limit returns everything.
func (s *Store) Executions(ctx context.Context, strategyID string, limit int) ([]tape.ExecutionRecord, error) {
	q := `SELECT id, strategy_id, status, error, mode, entry_signals, exit_signals, actions, logs, duration_ms, started_at
	      FROM executions WHERE strategy_id = $1 ORDER BY started_at DESC, id DESC`
	args := []any{strategyID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var recs []tape.ExecutionRecord
	for rows.Next() {
		var rec tape.ExecutionRecord
		var mode string
		var entries, exits, actions, logs []byte
		var started int64
		if err := rows.Scan(&rec.ID, &rec.StrategyID, &rec.Status, &rec.Error, &mode,
			&entries, &exits, &actions, &logs, &rec.DurationMS, &started); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Mode = tape.Mode(mode)
		rec.StartedAt = fromUnixNano(started)
		if len(entries) > 0 {
			_ = json.Unmarshal(entries, &rec.EntrySignals)
		}
		if len(exits) > 0 {
			_ = json.Unmarshal(exits, &rec.ExitSignals)
		}
		if len(actions) > 0 {
			_ = json.Unmarshal(actions, &rec.Actions)
		}
		if len(logs) > 0 {
			_ = json.Unmarshal(logs, &rec.Logs)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- SyncStore ---

// SyncState returns the user's state. A user never synced before returns a
// zero state, not an error.
func (s *Store) SyncState(ctx context.Context, userID string) (tape.SyncState, error) {
	var st tape.SyncState
	var last int64
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, last_sync_at, in_flight FROM sync_state WHERE user_id = $1`, userID,
	).Scan(&st.UserID, &last, &st.InFlight)
	if errors.Is(err, pgx.ErrNoRows) {
		return tape.SyncState{UserID: userID}, nil
	}
	if err != nil {
		return tape.SyncState{}, fmt.Errorf("get sync state: %w", err)
	}
	st.LastSyncAt = fromUnixNano(last)
	return st, nil
}

// SetSyncState upserts the user's sync state.
func (s *Store) SetSyncState(ctx context.Context, st tape.SyncState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_state (user_id, last_sync_at, in_flight) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE
		 SET last_sync_at = EXCLUDED.last_sync_at, in_flight = EXCLUDED.in_flight`,
		st.UserID, unixNano(st.LastSyncAt), st.InFlight)
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

// SaveActivities upserts the pulled activities for a user in one
// transaction, so refreshes of overlapping windows are idempotent.
func (s *Store) SaveActivities(ctx context.Context, userID string, acts []tape.Activity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, a := range acts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO activities (id, user_id, account, kind, symbol, units, price, amount, currency, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (id) DO UPDATE SET
			  account = EXCLUDED.account, kind = EXCLUDED.kind, symbol = EXCLUDED.symbol,
			  units = EXCLUDED.units, price = EXCLUDED.price, amount = EXCLUDED.amount,
			  currency = EXCLUDED.currency, occurred_at = EXCLUDED.occurred_at`,
			a.ID, userID, a.Account, a.Kind, a.Symbol, a.Units, a.Price, a.Amount, a.Currency, unixNano(a.OccurredAt),
		); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// Activities returns the user's cached activities, newest first.
func (s *Store) Activities(ctx context.Context, userID string) ([]tape.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, account, kind, symbol, units, price, amount, currency, occurred_at
		 FROM activities WHERE user_id = $1 ORDER BY occurred_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var acts []tape.Activity
	for rows.Next() {
		var a tape.Activity
		var occurred int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.Account, &a.Kind, &a.Symbol, &a.Units, &a.Price, &a.Amount, &a.Currency, &occurred); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.OccurredAt = fromUnixNano(occurred)
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// --- Helpers ---

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalOrNil(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return data, nil
}

// isUniqueViolation reports whether err is a unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
