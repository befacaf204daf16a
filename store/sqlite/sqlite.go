// Package sqlite implements the tape store interfaces using pure-Go
// SQLite. Zero CGO required. A single shared connection serializes all
// writers, so the per-chat sequence allocation never races in practice;
// the append paths still retry once on a lost race and surface
// tape.ErrConflict after that.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oddlot/tape"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements every tape store interface backed by a local SQLite
// file. JSON-shaped fields (tool calls, capital, stats, signals) are
// stored as JSON text columns.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ tape.ChatStore = (*Store)(nil)
var _ tape.FileStore = (*Store)(nil)
var _ tape.ResourceStore = (*Store)(nil)
var _ tape.StrategyStore = (*Store)(nil)
var _ tape.ExecutionStore = (*Store)(nil)
var _ tape.SyncStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			name TEXT,
			resource_id TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL,
			UNIQUE(chat_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_files (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			file_type TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(chat_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			title TEXT NOT NULL,
			data BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			name TEXT NOT NULL,
			thesis TEXT NOT NULL,
			platform TEXT NOT NULL,
			execution_frequency_seconds INTEGER NOT NULL,
			capital TEXT NOT NULL,
			parameters TEXT,
			entry_file_id TEXT NOT NULL,
			exit_file_id TEXT NOT NULL,
			config_file_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 0,
			approved INTEGER NOT NULL DEFAULT 0,
			stats TEXT NOT NULL,
			last_run_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			mode TEXT NOT NULL,
			entry_signals TEXT,
			exit_signals TEXT,
			actions TEXT,
			logs TEXT,
			duration_ms INTEGER NOT NULL,
			started_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			user_id TEXT PRIMARY KEY,
			last_sync_at INTEGER NOT NULL,
			in_flight INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			account TEXT NOT NULL,
			kind TEXT NOT NULL,
			symbol TEXT,
			units REAL NOT NULL DEFAULT 0,
			price REAL NOT NULL DEFAULT 0,
			amount REAL NOT NULL,
			currency TEXT NOT NULL,
			occurred_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, seq)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_chat_files_chat ON chat_files(chat_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_strategies_due ON strategies(enabled, approved, last_run_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_executions_strategy ON executions(strategy_id, started_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_activities_user ON activities(user_id, occurred_at)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// --- ChatStore ---

// AppendMessage inserts one message at the end of the chat. A lost race on
// the sequence number is retried once before surfacing tape.ErrConflict.
func (s *Store) AppendMessage(ctx context.Context, chatID string, msg tape.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append message", "chat_id", chatID, "role", msg.Role)

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
		s.logger.Error("sqlite: append message failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("sqlite: append message ok", "chat_id", chatID, "duration", time.Since(start))
	return nil
}

// AppendAssistantTurn inserts the assistant message and its tool result
// messages in a single transaction, so no reader ever observes a tool
// message whose tool_call_id has no matching assistant tool_calls entry.
func (s *Store) AppendAssistantTurn(ctx context.Context, chatID string, assistant tape.Message, tools []tape.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: append assistant turn", "chat_id", chatID, "tool_messages", len(tools))

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
		s.logger.Error("sqlite: append assistant turn failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append assistant turn: %w", err)
	}
	s.logger.Debug("sqlite: append assistant turn ok", "chat_id", chatID, "messages", 1+len(tools), "duration", time.Since(start))
	return nil
}

// appendOnce allocates the next sequence numbers and inserts first plus
// rest in one transaction.
func (s *Store) appendOnce(ctx context.Context, chatID string, first tape.Message, rest []tape.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?`, chatID,
	).Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	msgs := append([]tape.Message{first}, rest...)
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = tape.NewID()
		}
		var callsJSON *string
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			v := string(data)
			callsJSON = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, seq, role, content, tool_calls, tool_call_id, name, resource_id, latency_ms, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, chatID, next+int64(i), m.Role, m.Content, callsJSON,
			nullStr(m.ToolCallID), nullStr(m.Name), nullStr(m.ResourceID),
			m.LatencyMS, unixNano(m.Timestamp),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Messages returns the full transcript in insertion order.
func (s *Store) Messages(ctx context.Context, chatID string) ([]tape.Message, error) {
	return s.queryMessages(ctx, chatID, -1)
}

// Latest returns the last n messages in insertion order.
func (s *Store) Latest(ctx context.Context, chatID string, n int) ([]tape.Message, error) {
	return s.queryMessages(ctx, chatID, n)
}

func (s *Store) queryMessages(ctx context.Context, chatID string, limit int) ([]tape.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: query messages", "chat_id", chatID, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, seq, role, content, tool_calls, tool_call_id, name, resource_id, latency_ms, timestamp
		 FROM messages WHERE chat_id = ?
		 ORDER BY seq DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: query messages failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []tape.Message
	for rows.Next() {
		var m tape.Message
		var callsJSON, callID, name, resourceID sql.NullString
		var ts int64
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Seq, &m.Role, &m.Content, &callsJSON, &callID, &name, &resourceID, &m.LatencyMS, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if callsJSON.Valid {
			if err := json.Unmarshal([]byte(callsJSON.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		m.ToolCallID = callID.String
		m.Name = name.String
		m.ResourceID = resourceID.String
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

	s.logger.Debug("sqlite: query messages ok", "chat_id", chatID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// --- FileStore ---

// PutFile upserts on (chat_id, name) and returns the file's id. An upsert
// keeps the original id and created_at; only data, file_type, and
// updated_at change.
func (s *Store) PutFile(ctx context.Context, f tape.ChatFile) (string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: put file", "chat_id", f.ChatID, "name", f.Name, "bytes", len(f.Data))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM chat_files WHERE chat_id = ? AND name = ?`, f.ChatID, f.Name,
	).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		id := f.ID
		if id == "" {
			id = tape.NewID()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_files (id, chat_id, user_id, name, file_type, data, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, f.ChatID, f.UserID, f.Name, f.FileType, f.Data, unixNano(f.CreatedAt), unixNano(f.UpdatedAt),
		); err != nil {
			return "", fmt.Errorf("insert file: %w", err)
		}
		existing = id
	case err != nil:
		return "", fmt.Errorf("lookup file: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_files SET file_type = ?, data = ?, updated_at = ? WHERE id = ?`,
			f.FileType, f.Data, unixNano(f.UpdatedAt), existing,
		); err != nil {
			return "", fmt.Errorf("update file: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: put file ok", "id", existing, "duration", time.Since(start))
	return existing, nil
}

// FileByID returns a file by id.
func (s *Store) FileByID(ctx context.Context, id string) (tape.ChatFile, error) {
	return s.scanFile(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, user_id, name, file_type, data, created_at, updated_at
		 FROM chat_files WHERE id = ?`, id))
}

// File returns a file by its (chat_id, name) key.
func (s *Store) File(ctx context.Context, chatID, name string) (tape.ChatFile, error) {
	return s.scanFile(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, user_id, name, file_type, data, created_at, updated_at
		 FROM chat_files WHERE chat_id = ? AND name = ?`, chatID, name))
}

// Files returns the chat's files ordered by name.
func (s *Store) Files(ctx context.Context, chatID string) ([]tape.ChatFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, user_id, name, file_type, data, created_at, updated_at
		 FROM chat_files WHERE chat_id = ? ORDER BY name`, chatID)
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

func (s *Store) scanFile(row *sql.Row) (tape.ChatFile, error) {
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

// PutResource inserts a resource and returns its id, generating one when
// absent. Resources are immutable after creation.
func (s *Store) PutResource(ctx context.Context, r tape.Resource) (string, error) {
	start := time.Now()
	if r.ID == "" {
		r.ID = tape.NewID()
	}
	s.logger.Debug("sqlite: put resource", "id", r.ID, "type", r.Type, "bytes", len(r.Data))

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources (id, user_id, chat_id, resource_type, title, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.ChatID, r.Type, r.Title, r.Data, unixNano(r.CreatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: put resource failed", "id", r.ID, "error", err, "duration", time.Since(start))
		return "", fmt.Errorf("put resource: %w", err)
	}
	s.logger.Debug("sqlite: put resource ok", "id", r.ID, "duration", time.Since(start))
	return r.ID, nil
}

// ResourceByID returns a resource by id.
func (s *Store) ResourceByID(ctx context.Context, id string) (tape.Resource, error) {
	var r tape.Resource
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, chat_id, resource_type, title, data, created_at
		 FROM resources WHERE id = ?`, id,
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
	start := time.Now()
	s.logger.Debug("sqlite: put strategy", "id", st.ID, "name", st.Name, "mode", st.Mode)

	capitalJSON, err := json.Marshal(st.Capital)
	if err != nil {
		return fmt.Errorf("marshal capital: %w", err)
	}
	statsJSON, err := json.Marshal(st.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	var paramsJSON *string
	if len(st.Parameters) > 0 {
		data, err := json.Marshal(st.Parameters)
		if err != nil {
			return fmt.Errorf("marshal parameters: %w", err)
		}
		v := string(data)
		paramsJSON = &v
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO strategies
		 (id, user_id, chat_id, name, thesis, platform, execution_frequency_seconds,
		  capital, parameters, entry_file_id, exit_file_id, config_file_id,
		  mode, enabled, approved, stats, last_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.UserID, st.ChatID, st.Name, st.Thesis, st.Platform,
		int64(st.ExecFrequency/time.Second), string(capitalJSON), paramsJSON,
		st.FileIDs.Entry, st.FileIDs.Exit, st.FileIDs.Config,
		string(st.Mode), boolToInt(st.Enabled), boolToInt(st.Approved),
		string(statsJSON), unixNano(st.Stats.LastRunAt),
		unixNano(st.CreatedAt), unixNano(st.UpdatedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: put strategy failed", "id", st.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("put strategy: %w", err)
	}
	s.logger.Debug("sqlite: put strategy ok", "id", st.ID, "duration", time.Since(start))
	return nil
}

// StrategyByID returns a strategy by id.
func (s *Store) StrategyByID(ctx context.Context, id string) (tape.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, strategySelect+` WHERE id = ?`, id)
	if err != nil {
		return tape.Strategy{}, fmt.Errorf("get strategy: %w", err)
	}
	defer rows.Close()
	list, err := scanStrategies(rows)
	if err != nil {
		return tape.Strategy{}, err
	}
	if len(list) == 0 {
		return tape.Strategy{}, fmt.Errorf("get strategy: %w", sql.ErrNoRows)
	}
	return list[0], nil
}

// StrategiesByUser returns the user's strategies ordered by creation time.
func (s *Store) StrategiesByUser(ctx context.Context, userID string) ([]tape.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, strategySelect+` WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("strategies by user: %w", err)
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// DueStrategies returns enabled, approved strategies whose execution
// frequency has elapsed by now, ordered by id for a stable tick.
func (s *Store) DueStrategies(ctx context.Context, now time.Time) ([]tape.Strategy, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx, strategySelect+
		` WHERE enabled = 1 AND approved = 1
		  AND (last_run_at = 0 OR last_run_at + execution_frequency_seconds * 1000000000 <= ?)
		  ORDER BY id`,
		unixNano(now))
	if err != nil {
		s.logger.Error("sqlite: due strategies failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("due strategies: %w", err)
	}
	defer rows.Close()
	due, err := scanStrategies(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: due strategies ok", "count", len(due), "duration", time.Since(start))
	return due, nil
}

// SetEnabled flips a strategy's enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.logger.Debug("sqlite: set enabled", "id", id, "enabled", enabled)
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set enabled: %w", sql.ErrNoRows)
	}
	return nil
}

// SetApproved flips a strategy's approved flag. A column update, not a
// row replace, so stats a concurrent cycle commits are never clobbered.
func (s *Store) SetApproved(ctx context.Context, id string, approved bool) error {
	s.logger.Debug("sqlite: set approved", "id", id, "approved", approved)
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET approved = ?, updated_at = ? WHERE id = ?`,
		boolToInt(approved), unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set approved: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set approved: %w", sql.ErrNoRows)
	}
	return nil
}

// SetMode writes a strategy's mode. Callers validate the transition with
// Strategy.Promote before calling.
func (s *Store) SetMode(ctx context.Context, id string, mode tape.Mode) error {
	s.logger.Debug("sqlite: set mode", "id", id, "mode", mode)
	res, err := s.db.ExecContext(ctx,
		`UPDATE strategies SET mode = ?, updated_at = ? WHERE id = ?`,
		string(mode), unixNano(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set mode: %w", sql.ErrNoRows)
	}
	return nil
}

// UpdateStats applies fn to the strategy's stats inside a transaction. The
// single shared connection serializes concurrent updaters.
func (s *Store) UpdateStats(ctx context.Context, id string, fn func(*tape.StrategyStats) error) error {
	start := time.Now()
	s.logger.Debug("sqlite: update stats", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var statsJSON string
	if err := tx.QueryRowContext(ctx, `SELECT stats FROM strategies WHERE id = ?`, id).Scan(&statsJSON); err != nil {
		return fmt.Errorf("load stats: %w", err)
	}
	var stats tape.StrategyStats
	if err := json.Unmarshal([]byte(statsJSON), &stats); err != nil {
		return fmt.Errorf("unmarshal stats: %w", err)
	}
	if err := fn(&stats); err != nil {
		return err
	}
	updated, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE strategies SET stats = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
		string(updated), unixNano(stats.LastRunAt), unixNano(time.Now()), id,
	); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: update stats ok", "id", id, "duration", time.Since(start))
	return nil
}

const strategySelect = `SELECT id, user_id, chat_id, name, thesis, platform,
	execution_frequency_seconds, capital, parameters,
	entry_file_id, exit_file_id, config_file_id,
	mode, enabled, approved, stats, created_at, updated_at
	FROM strategies`

func scanStrategies(rows *sql.Rows) ([]tape.Strategy, error) {
	var list []tape.Strategy
	for rows.Next() {
		var st tape.Strategy
		var freqSec int64
		var capitalJSON, statsJSON string
		var paramsJSON sql.NullString
		var mode string
		var enabled, approved int
		var created, updated int64
		if err := rows.Scan(&st.ID, &st.UserID, &st.ChatID, &st.Name, &st.Thesis, &st.Platform,
			&freqSec, &capitalJSON, &paramsJSON,
			&st.FileIDs.Entry, &st.FileIDs.Exit, &st.FileIDs.Config,
			&mode, &enabled, &approved, &statsJSON, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		st.ExecFrequency = time.Duration(freqSec) * time.Second
		if err := json.Unmarshal([]byte(capitalJSON), &st.Capital); err != nil {
			return nil, fmt.Errorf("unmarshal capital: %w", err)
		}
		if paramsJSON.Valid {
			if err := json.Unmarshal([]byte(paramsJSON.String), &st.Parameters); err != nil {
				return nil, fmt.Errorf("unmarshal parameters: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(statsJSON), &st.Stats); err != nil {
			return nil, fmt.Errorf("unmarshal stats: %w", err)
		}
		st.Mode = tape.Mode(mode)
		st.Enabled = enabled != 0
		st.Approved = approved != 0
		st.CreatedAt = fromUnixNano(created)
		st.UpdatedAt = fromUnixNano(updated)
		list = append(list, st)
	}
	return list, rows.Err()
}

// --- ExecutionStore ---

// RecordExecution appends one cycle outcome.
func (s *Store) RecordExecution(ctx context.Context, rec tape.ExecutionRecord) error {
	start := time.Now()
	if rec.ID == "" {
		rec.ID = tape.NewID()
	}
	s.logger.Debug("sqlite: record execution", "id", rec.ID, "strategy_id", rec.StrategyID, "status", rec.Status)

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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, strategy_id, status, error, mode, entry_signals, exit_signals, actions, logs, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.StrategyID, rec.Status, nullStr(rec.Error), string(rec.Mode),
		entriesJSON, exitsJSON, actionsJSON, logsJSON, rec.DurationMS, unixNano(rec.StartedAt),
	)
	if err != nil {
		s.logger.Error("sqlite: record execution failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("record execution: %w", err)
	}
	s.logger.Debug("sqlite: record execution ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// Executions returns the most recent records first, up to limit. A
// non-positive limit returns everything.
func (s *Store) Executions(ctx context.Context, strategyID string, limit int) ([]tape.ExecutionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, strategy_id, status, error, mode, entry_signals, exit_signals, actions, logs, duration_ms, started_at
		 FROM executions WHERE strategy_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var recs []tape.ExecutionRecord
	for rows.Next() {
		var rec tape.ExecutionRecord
		var errStr sql.NullString
		var mode string
		var entries, exits, actions, logs sql.NullString
		var started int64
		if err := rows.Scan(&rec.ID, &rec.StrategyID, &rec.Status, &errStr, &mode,
			&entries, &exits, &actions, &logs, &rec.DurationMS, &started); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Error = errStr.String
		rec.Mode = tape.Mode(mode)
		rec.StartedAt = fromUnixNano(started)
		if entries.Valid {
			_ = json.Unmarshal([]byte(entries.String), &rec.EntrySignals)
		}
		if exits.Valid {
			_ = json.Unmarshal([]byte(exits.String), &rec.ExitSignals)
		}
		if actions.Valid {
			_ = json.Unmarshal([]byte(actions.String), &rec.Actions)
		}
		if logs.Valid {
			_ = json.Unmarshal([]byte(logs.String), &rec.Logs)
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
	var inFlight int
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, last_sync_at, in_flight FROM sync_state WHERE user_id = ?`, userID,
	).Scan(&st.UserID, &last, &inFlight)
	if err == sql.ErrNoRows {
		return tape.SyncState{UserID: userID}, nil
	}
	if err != nil {
		return tape.SyncState{}, fmt.Errorf("get sync state: %w", err)
	}
	st.LastSyncAt = fromUnixNano(last)
	st.InFlight = inFlight != 0
	return st, nil
}

// SetSyncState upserts the user's sync state.
func (s *Store) SetSyncState(ctx context.Context, st tape.SyncState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_state (user_id, last_sync_at, in_flight) VALUES (?, ?, ?)`,
		st.UserID, unixNano(st.LastSyncAt), boolToInt(st.InFlight))
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

// SaveActivities upserts the pulled activities for a user in one
// transaction. Re-pulled windows overwrite by activity id, so refreshes
// are idempotent.
func (s *Store) SaveActivities(ctx context.Context, userID string, acts []tape.Activity) error {
	start := time.Now()
	s.logger.Debug("sqlite: save activities", "user_id", userID, "count", len(acts))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, a := range acts {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO activities (id, user_id, account, kind, symbol, units, price, amount, currency, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, userID, a.Account, a.Kind, nullStr(a.Symbol), a.Units, a.Price, a.Amount, a.Currency, unixNano(a.OccurredAt),
		); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: save activities ok", "user_id", userID, "count", len(acts), "duration", time.Since(start))
	return nil
}

// Activities returns the user's cached activities, newest first.
func (s *Store) Activities(ctx context.Context, userID string) ([]tape.Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, account, kind, symbol, units, price, amount, currency, occurred_at
		 FROM activities WHERE user_id = ? ORDER BY occurred_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var acts []tape.Activity
	for rows.Next() {
		var a tape.Activity
		var symbol sql.NullString
		var occurred int64
		if err := rows.Scan(&a.ID, &a.UserID, &a.Account, &a.Kind, &symbol, &a.Units, &a.Price, &a.Amount, &a.Currency, &occurred); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Symbol = symbol.String
		a.OccurredAt = fromUnixNano(occurred)
		acts = append(acts, a)
	}
	return acts, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// unixNano maps the zero time to 0 so it round-trips.
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

func marshalOrNil(v any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(data)
	if str == "null" {
		return nil, nil
	}
	return &str, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
