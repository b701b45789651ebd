// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides roster/message/runtime persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS channels (
			space_id   TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			name       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (space_id, channel_id)
		);

		CREATE TABLE IF NOT EXISTS roster (
			space_id       TEXT NOT NULL,
			channel_id     TEXT NOT NULL,
			callsign       TEXT NOT NULL,
			is_leader      INTEGER NOT NULL DEFAULT 0,
			status         TEXT NOT NULL DEFAULT 'offline',
			callback_url   TEXT NOT NULL DEFAULT '',
			readmark       TEXT NOT NULL DEFAULT '',
			last_heartbeat TEXT,
			tunnel_hash    TEXT NOT NULL DEFAULT '',
			runtime_id     TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			PRIMARY KEY (space_id, channel_id, callsign),

			CHECK (status IN ('offline', 'activating', 'online', 'busy', 'error', 'paused', 'archived'))
		);

		CREATE INDEX IF NOT EXISTS idx_roster_runtime ON roster(runtime_id);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			space_id         TEXT NOT NULL,
			channel_id       TEXT NOT NULL,
			sender           TEXT NOT NULL,
			sender_is_human  INTEGER NOT NULL DEFAULT 0,
			content          TEXT NOT NULL,
			addressed_agents TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_channel_id
			ON messages(space_id, channel_id, id);

		CREATE TABLE IF NOT EXISTS runtimes (
			runtime_id   TEXT PRIMARY KEY,
			space_id     TEXT NOT NULL,
			name         TEXT NOT NULL,
			machine_info TEXT,
			status       TEXT NOT NULL,
			last_seen    TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('roster') WHERE name = 'provider_route_hints'`,
			apply:  `ALTER TABLE roster ADD COLUMN provider_route_hints TEXT`,
			column: "provider_route_hints",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('roster') WHERE name = 'container_route_hints'`,
			apply:  `ALTER TABLE roster ADD COLUMN container_route_hints TEXT`,
			column: "container_route_hints",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to roster: %w", m.column, err)
		}
		s.logger.Debug("applied migration", "column", m.column, "table", "roster")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeHints(h RouteHints) any {
	if len(h) == 0 {
		return nil
	}
	data, _ := json.Marshal(h)
	return string(data)
}

func decodeHints(ns sql.NullString) (RouteHints, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var h RouteHints
	if err := json.Unmarshal([]byte(ns.String), &h); err != nil {
		return nil, fmt.Errorf("decoding route hints: %w", err)
	}
	return h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertChannel creates or renames a channel.
func (s *SQLiteStore) UpsertChannel(ctx context.Context, ch *Channel) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (space_id, channel_id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (space_id, channel_id) DO UPDATE SET name = excluded.name
	`, ch.SpaceID, ch.ChannelID, ch.Name, formatTime(ch.CreatedAt))
	if err != nil {
		return fmt.Errorf("upserting channel: %w", err)
	}
	return nil
}

// GetChannel retrieves a channel. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetChannel(ctx context.Context, spaceID, channelID string) (*Channel, error) {
	var ch Channel
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT space_id, channel_id, name, created_at
		FROM channels WHERE space_id = ? AND channel_id = ?
	`, spaceID, channelID).Scan(&ch.SpaceID, &ch.ChannelID, &ch.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying channel: %w", err)
	}
	if ch.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ch, nil
}

// CreateRosterEntry inserts a roster row.
func (s *SQLiteStore) CreateRosterEntry(ctx context.Context, e *RosterEntry) error {
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = RosterOffline
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roster (
			space_id, channel_id, callsign, is_leader, status, callback_url, readmark,
			last_heartbeat, provider_route_hints, container_route_hints, tunnel_hash,
			runtime_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.SpaceID, e.ChannelID, e.Callsign, boolToInt(e.IsLeader), string(e.Status),
		e.CallbackURL, e.Readmark, nullableTime(e.LastHeartbeat),
		encodeHints(e.ProviderRouteHints), encodeHints(e.ContainerRouteHints),
		e.TunnelHash, e.RuntimeID, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("roster entry %s/%s/%s: %w", e.SpaceID, e.ChannelID, e.Callsign, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting roster entry: %w", err)
	}
	return nil
}

const rosterColumns = `
	space_id, channel_id, callsign, is_leader, status, callback_url, readmark,
	last_heartbeat, provider_route_hints, container_route_hints, tunnel_hash,
	runtime_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoster(row rowScanner) (*RosterEntry, error) {
	var e RosterEntry
	var isLeader int
	var status, createdAt, updatedAt string
	var lastHeartbeat, providerHints, containerHints sql.NullString

	err := row.Scan(
		&e.SpaceID, &e.ChannelID, &e.Callsign, &isLeader, &status, &e.CallbackURL,
		&e.Readmark, &lastHeartbeat, &providerHints, &containerHints, &e.TunnelHash,
		&e.RuntimeID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.IsLeader = isLeader != 0
	e.Status = RosterStatus(status)
	if e.LastHeartbeat, err = parseNullableTime(lastHeartbeat); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	if e.ProviderRouteHints, err = decodeHints(providerHints); err != nil {
		return nil, err
	}
	if e.ContainerRouteHints, err = decodeHints(containerHints); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &e, nil
}

// GetRosterByCallsign retrieves a roster row. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetRosterByCallsign(ctx context.Context, spaceID, channelID, callsign string) (*RosterEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rosterColumns+`
		FROM roster WHERE space_id = ? AND channel_id = ? AND callsign = ?
	`, spaceID, channelID, callsign)

	e, err := scanRoster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying roster entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) queryRoster(ctx context.Context, where string, args ...any) ([]*RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+rosterColumns+` FROM roster WHERE `+where+` ORDER BY created_at, callsign`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying roster: %w", err)
	}
	defer rows.Close()

	var out []*RosterEntry
	for rows.Next() {
		e, err := scanRoster(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning roster entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRoster returns every agent rostered into a channel.
func (s *SQLiteStore) ListRoster(ctx context.Context, spaceID, channelID string) ([]*RosterEntry, error) {
	return s.queryRoster(ctx, "space_id = ? AND channel_id = ?", spaceID, channelID)
}

// ListRosterByRuntime returns every agent bound to an external runtime.
func (s *SQLiteStore) ListRosterByRuntime(ctx context.Context, runtimeID string) ([]*RosterEntry, error) {
	return s.queryRoster(ctx, "runtime_id = ?", runtimeID)
}

// UpdateRosterEntry applies a targeted field update.
// Returns ErrNotFound if the row doesn't exist.
func (s *SQLiteStore) UpdateRosterEntry(ctx context.Context, key RosterKey, u RosterUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.CallbackURL != nil {
		sets = append(sets, "callback_url = ?")
		args = append(args, *u.CallbackURL)
	}
	if u.LastHeartbeat != nil {
		sets = append(sets, "last_heartbeat = ?")
		args = append(args, formatTime(*u.LastHeartbeat))
	}
	if u.ProviderRouteHints != nil {
		sets = append(sets, "provider_route_hints = ?")
		args = append(args, encodeHints(*u.ProviderRouteHints))
	}
	if u.ContainerRouteHints != nil {
		sets = append(sets, "container_route_hints = ?")
		args = append(args, encodeHints(*u.ContainerRouteHints))
	}
	if u.TunnelHash != nil {
		sets = append(sets, "tunnel_hash = ?")
		args = append(args, *u.TunnelHash)
	}
	if u.RuntimeID != nil {
		sets = append(sets, "runtime_id = ?")
		args = append(args, *u.RuntimeID)
	}

	args = append(args, key.SpaceID, key.ChannelID, key.Callsign)
	res, err := s.db.ExecContext(ctx,
		`UPDATE roster SET `+strings.Join(sets, ", ")+` WHERE space_id = ? AND channel_id = ? AND callsign = ?`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating roster entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdvanceReadmark moves the readmark forward, never backward.
func (s *SQLiteStore) AdvanceReadmark(ctx context.Context, key RosterKey, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE roster SET readmark = ?, updated_at = ?
		WHERE space_id = ? AND channel_id = ? AND callsign = ? AND readmark < ?
	`, messageID, formatTime(time.Now()), key.SpaceID, key.ChannelID, key.Callsign, messageID)
	if err != nil {
		return false, fmt.Errorf("advancing readmark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	if _, err := s.GetRosterByCallsign(ctx, key.SpaceID, key.ChannelID, key.Callsign); err != nil {
		return false, err
	}
	return false, nil
}

// SaveMessage persists a channel message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	addressed := msg.AddressedAgents
	if addressed == nil {
		addressed = []string{}
	}
	addressedJSON, err := json.Marshal(addressed)
	if err != nil {
		return fmt.Errorf("encoding addressed agents: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, space_id, channel_id, sender, sender_is_human, content, addressed_agents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SpaceID, msg.ChannelID, msg.Sender, boolToInt(msg.SenderIsHuman),
		msg.Content, string(addressedJSON), formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// GetMessages returns channel messages in id order.
func (s *SQLiteStore) GetMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	query := `
		SELECT id, space_id, channel_id, sender, sender_is_human, content, addressed_agents, created_at
		FROM messages
		WHERE space_id = ? AND channel_id = ? AND id > ?
		ORDER BY id ASC
	`
	args := []any{q.SpaceID, q.ChannelID, q.SinceID}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var isHuman int
		var addressed, createdAt string
		if err := rows.Scan(&m.ID, &m.SpaceID, &m.ChannelID, &m.Sender, &isHuman, &m.Content, &addressed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.SenderIsHuman = isHuman != 0
		if err := json.Unmarshal([]byte(addressed), &m.AddressedAgents); err != nil {
			return nil, fmt.Errorf("decoding addressed agents: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UpsertRuntime creates or refreshes a runtime record. Re-registration of the
// same runtime id keeps its original creation time.
func (s *SQLiteStore) UpsertRuntime(ctx context.Context, rt *RuntimeRecord) error {
	now := time.Now()
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = now
	}
	rt.UpdatedAt = now

	var info any
	if rt.MachineInfo != nil {
		data, err := json.Marshal(rt.MachineInfo)
		if err != nil {
			return fmt.Errorf("encoding machine info: %w", err)
		}
		info = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runtimes (runtime_id, space_id, name, machine_info, status, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (runtime_id) DO UPDATE SET
			space_id = excluded.space_id,
			name = excluded.name,
			machine_info = excluded.machine_info,
			status = excluded.status,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`, rt.ID, rt.SpaceID, rt.Name, info, string(rt.Status), nullableTime(rt.LastSeen),
		formatTime(rt.CreatedAt), formatTime(rt.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting runtime: %w", err)
	}
	return nil
}

// GetRuntime retrieves a runtime record. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetRuntime(ctx context.Context, runtimeID string) (*RuntimeRecord, error) {
	var rt RuntimeRecord
	var status, createdAt, updatedAt string
	var info, lastSeen sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT runtime_id, space_id, name, machine_info, status, last_seen, created_at, updated_at
		FROM runtimes WHERE runtime_id = ?
	`, runtimeID).Scan(&rt.ID, &rt.SpaceID, &rt.Name, &info, &status, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying runtime: %w", err)
	}

	rt.Status = RuntimeStatus(status)
	if info.Valid && info.String != "" {
		if err := json.Unmarshal([]byte(info.String), &rt.MachineInfo); err != nil {
			return nil, fmt.Errorf("decoding machine info: %w", err)
		}
	}
	if rt.LastSeen, err = parseNullableTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if rt.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rt.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rt, nil
}

// UpdateRuntimeStatus sets a runtime's status and liveness timestamp.
func (s *SQLiteStore) UpdateRuntimeStatus(ctx context.Context, runtimeID string, status RuntimeStatus, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runtimes SET status = ?, last_seen = ?, updated_at = ? WHERE runtime_id = ?
	`, string(status), formatTime(lastSeen), formatTime(time.Now()), runtimeID)
	if err != nil {
		return fmt.Errorf("updating runtime status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchRuntime records a liveness timestamp without changing status.
func (s *SQLiteStore) TouchRuntime(ctx context.Context, runtimeID string, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runtimes SET last_seen = ?, updated_at = ? WHERE runtime_id = ?
	`, formatTime(lastSeen), formatTime(time.Now()), runtimeID)
	if err != nil {
		return fmt.Errorf("touching runtime: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
