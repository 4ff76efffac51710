package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"

	logx "botwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

// Primary SQLite result codes (extended codes carry them in the low byte).
const (
	sqliteIOErr      = 10
	sqliteCorrupt    = 11
	sqliteCantOpen   = 14
	sqliteConstraint = 19
	sqliteNotADB     = 26
)

type sqliteBackend struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	dsn := strings.TrimSpace(cfg.URI)
	if dsn == "" {
		return nil, errors.New("storage.uri is required for sqlite driver")
	}
	if path := sqlitePath(dsn); path != "" && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one pooled connection also keeps pragmas sticky.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ConnectionError(err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	return &sqliteBackend{db: db, log: log}, nil
}

// sqlitePath extracts the filesystem path from a plain path or file: DSN.
func sqlitePath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

func (b *sqliteBackend) Bind(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, migrationsSQL)
	return b.mapErr(err)
}

func (b *sqliteBackend) Ping(ctx context.Context) error {
	var one int
	return b.mapErr(b.db.QueryRowContext(ctx, "SELECT 1").Scan(&one))
}

func (b *sqliteBackend) Close() error { return b.db.Close() }

func (b *sqliteBackend) Get(ctx context.Context, id string) (*CommunityRecord, error) {
	var (
		rec     CommunityRecord
		channel sql.NullString
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT id, broadcast_channel, version FROM communities WHERE id = ?`, id,
	).Scan(&rec.ID, &channel, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, b.mapErr(err)
	}
	rec.BroadcastChannel = channel.String

	agents, err := b.agents(ctx, b.db, id)
	if err != nil {
		return nil, err
	}
	rec.TrackedAgents = agents
	return &rec, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (b *sqliteBackend) agents(ctx context.Context, q queryer, id string) ([]TrackedAgent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT agent_id, last_online FROM tracked_agents WHERE community_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, b.mapErr(err)
	}
	defer rows.Close()

	out := []TrackedAgent{}
	for rows.Next() {
		var (
			a  TrackedAgent
			ns sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &ns); err != nil {
			return nil, b.mapErr(err)
		}
		a.LastOnline = fromNanos(ns)
		out = append(out, a)
	}
	return out, b.mapErr(rows.Err())
}

func (b *sqliteBackend) Insert(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO communities(id, created_at) VALUES(?, ?)`, id, time.Now().UTC().Format(time.RFC3339Nano))
	return b.mapErr(err)
}

func (b *sqliteBackend) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, b.mapErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_agents WHERE community_id = ?`, id); err != nil {
		return false, b.mapErr(err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM communities WHERE id = ?`, id)
	if err != nil {
		return false, b.mapErr(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, b.mapErr(tx.Commit())
}

func (b *sqliteBackend) UpsertBroadcastChannel(ctx context.Context, id, channelID string) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO communities(id, broadcast_channel, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET broadcast_channel = excluded.broadcast_channel`,
		id, nullStr(channelID), time.Now().UTC().Format(time.RFC3339Nano))
	return b.mapErr(err)
}

func (b *sqliteBackend) SaveAgents(ctx context.Context, u AgentsUpdate) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return b.mapErr(err)
	}
	defer tx.Rollback()

	if err := b.saveAgentsTx(ctx, tx, u); err != nil {
		return err
	}
	return b.mapErr(tx.Commit())
}

func (b *sqliteBackend) saveAgentsTx(ctx context.Context, tx *sql.Tx, u AgentsUpdate) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE communities SET version = version + 1 WHERE id = ? AND version = ?`, u.CommunityID, u.Version)
	if err != nil {
		return b.mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM communities WHERE id = ?`, u.CommunityID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCommunityNotFound
		}
		if err != nil {
			return b.mapErr(err)
		}
		return ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_agents WHERE community_id = ?`, u.CommunityID); err != nil {
		return b.mapErr(err)
	}
	for i, a := range u.Agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tracked_agents(community_id, agent_id, position, last_online) VALUES(?, ?, ?, ?)`,
			u.CommunityID, a.ID, i, toNanos(a.LastOnline)); err != nil {
			return b.mapErr(err)
		}
	}
	return nil
}

func (b *sqliteBackend) DeleteExcept(ctx context.Context, keep map[string]struct{}) ([]string, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, b.mapErr(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM communities`)
	if err != nil {
		return nil, b.mapErr(err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, b.mapErr(err)
		}
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, b.mapErr(err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_agents WHERE community_id = ?`, id); err != nil {
			return nil, b.mapErr(err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM communities WHERE id = ?`, id); err != nil {
			return nil, b.mapErr(err)
		}
	}
	return stale, b.mapErr(tx.Commit())
}

func (b *sqliteBackend) ListTracked(ctx context.Context) ([]CommunityRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT c.id, c.broadcast_channel, c.version, t.agent_id, t.last_online
		   FROM communities c JOIN tracked_agents t ON t.community_id = c.id
		  ORDER BY c.id, t.position`)
	if err != nil {
		return nil, b.mapErr(err)
	}
	defer rows.Close()

	var out []CommunityRecord
	for rows.Next() {
		var (
			id, agentID string
			channel     sql.NullString
			version     int64
			ns          sql.NullInt64
		)
		if err := rows.Scan(&id, &channel, &version, &agentID, &ns); err != nil {
			return nil, b.mapErr(err)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, CommunityRecord{ID: id, BroadcastChannel: channel.String, Version: version})
		}
		cur := &out[len(out)-1]
		cur.TrackedAgents = append(cur.TrackedAgents, TrackedAgent{ID: agentID, LastOnline: fromNanos(ns)})
	}
	return out, b.mapErr(rows.Err())
}

func (b *sqliteBackend) BulkSaveAgents(ctx context.Context, updates []AgentsUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, b.mapErr(err)
	}
	defer tx.Rollback()

	applied := 0
	for _, u := range updates {
		err := b.saveAgentsTx(ctx, tx, u)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrCommunityNotFound):
			// Changed or removed concurrently; the next reconcile pass sees the fresh state.
			b.log.Debug("bulk agent update skipped", logx.String("community", u.CommunityID), logx.Err(err))
		default:
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, b.mapErr(err)
	}
	return applied, nil
}

// mapErr translates driver errors into store sentinels and marks fatal codes
// as connection-level.
func (b *sqliteBackend) mapErr(err error) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteConstraint:
			return ErrDuplicate
		case sqliteIOErr, sqliteCorrupt, sqliteCantOpen, sqliteNotADB:
			return ConnectionError(err)
		}
	}
	return err
}

// last_online holds unix nanoseconds so a stored time reads back exactly.
func toNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(ns sql.NullInt64) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := time.Unix(0, ns.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
