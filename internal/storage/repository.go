package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no player row matches.
var ErrNotFound = errors.New("player not found")

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Repository handles all database operations
type Repository struct {
	db      *sql.DB
	dialect dialect
}

// NewRepository opens the database named by databaseURL. postgres:// and
// postgresql:// URLs use Postgres; anything else is a SQLite file path.
func NewRepository(databaseURL string) (*Repository, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)

	if isPostgresURL(databaseURL) {
		d = dialectPostgres
		db, err = sql.Open("pgx", databaseURL)
	} else {
		d = dialectSQLite
		dbPath := strings.TrimPrefix(databaseURL, "sqlite://")

		// Ensure directory exists
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite", dbPath)
		if err == nil {
			// SQLite serialises writers; one connection avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	repo := &Repository{db: db, dialect: d}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func isPostgresURL(u string) bool {
	return strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://")
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate creates the database schema
func (r *Repository) migrate() error {
	var migrations []string
	switch r.dialect {
	case dialectPostgres:
		migrations = []string{
			`CREATE TABLE IF NOT EXISTS players (
				discord_id BIGINT PRIMARY KEY,
				osu_id BIGINT,
				last_checked TIMESTAMP WITH TIME ZONE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_players_osu_id ON players(osu_id)`,
			`CREATE TABLE IF NOT EXISTS scan_cursors (
				discord_id BIGINT NOT NULL,
				feed TEXT NOT NULL,
				checked_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (discord_id, feed)
			)`,
		}
	default:
		migrations = []string{
			`CREATE TABLE IF NOT EXISTS players (
				discord_id INTEGER PRIMARY KEY,
				osu_id INTEGER,
				last_checked TIMESTAMP
			)`,
			`CREATE INDEX IF NOT EXISTS idx_players_osu_id ON players(osu_id)`,
			`CREATE TABLE IF NOT EXISTS scan_cursors (
				discord_id INTEGER NOT NULL,
				feed TEXT NOT NULL,
				checked_at TIMESTAMP NOT NULL,
				PRIMARY KEY (discord_id, feed)
			)`,
		}
	}

	for _, migration := range migrations {
		if _, err := r.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders for Postgres.
func (r *Repository) rebind(query string) string {
	if r.dialect != dialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

func snowflake(id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid discord id %q: %w", id, err)
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlayer(row rowScanner) (*Player, error) {
	var (
		discordID   int64
		osuID       sql.NullInt64
		lastChecked sql.NullTime
	)
	if err := row.Scan(&discordID, &osuID, &lastChecked); err != nil {
		return nil, err
	}

	p := &Player{DiscordID: strconv.FormatInt(discordID, 10)}
	if osuID.Valid {
		id := osuID.Int64
		p.OsuID = &id
	}
	if lastChecked.Valid {
		t := lastChecked.Time
		p.LastChecked = &t
	}
	return p, nil
}

const playerColumns = `discord_id, osu_id, last_checked`

// Player operations

// GetPlayer finds a player by Discord id
func (r *Repository) GetPlayer(ctx context.Context, discordID string) (*Player, error) {
	id, err := snowflake(discordID)
	if err != nil {
		return nil, err
	}

	p, err := scanPlayer(r.db.QueryRowContext(ctx,
		r.rebind(`SELECT `+playerColumns+` FROM players WHERE discord_id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetByOsuID finds the player currently linked to an osu! account
func (r *Repository) GetByOsuID(ctx context.Context, osuID int64) (*Player, error) {
	p, err := scanPlayer(r.db.QueryRowContext(ctx,
		r.rebind(`SELECT `+playerColumns+` FROM players WHERE osu_id = ? ORDER BY discord_id LIMIT 1`), osuID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// EnsurePlayer inserts an unlinked row for a member if none exists
func (r *Repository) EnsurePlayer(ctx context.Context, discordID string) (bool, error) {
	id, err := snowflake(discordID)
	if err != nil {
		return false, err
	}

	result, err := r.db.ExecContext(ctx,
		r.rebind(`INSERT INTO players (discord_id) VALUES (?) ON CONFLICT (discord_id) DO NOTHING`), id)
	if err != nil {
		return false, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetOsuID links a member to an osu! account without checking other owners
func (r *Repository) SetOsuID(ctx context.Context, discordID string, osuID int64) error {
	id, err := snowflake(discordID)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`UPDATE players SET osu_id = ? WHERE discord_id = ?`), osuID, id)
	return err
}

// ClearOsuID unlinks a member
func (r *Repository) ClearOsuID(ctx context.Context, discordID string) error {
	id, err := snowflake(discordID)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`UPDATE players SET osu_id = NULL WHERE discord_id = ?`), id)
	return err
}

// LinkAccount links osuID to discordID, first unlinking whichever members
// held it before. It returns the Discord ids that lost the link.
func (r *Repository) LinkAccount(ctx context.Context, discordID string, osuID int64) ([]string, error) {
	id, err := snowflake(discordID)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		r.rebind(`SELECT discord_id FROM players WHERE osu_id = ? AND discord_id <> ?`), osuID, id)
	if err != nil {
		return nil, err
	}
	var previous []string
	for rows.Next() {
		var owner int64
		if err := rows.Scan(&owner); err != nil {
			rows.Close()
			return nil, err
		}
		previous = append(previous, strconv.FormatInt(owner, 10))
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(previous) > 0 {
		if _, err := tx.ExecContext(ctx,
			r.rebind(`UPDATE players SET osu_id = NULL WHERE osu_id = ? AND discord_id <> ?`), osuID, id); err != nil {
			return nil, fmt.Errorf("failed to unlink previous owner: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		r.rebind(`INSERT INTO players (discord_id, osu_id) VALUES (?, ?)
		 ON CONFLICT (discord_id) DO UPDATE SET osu_id = excluded.osu_id`), id, osuID); err != nil {
		return nil, fmt.Errorf("failed to link account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return previous, nil
}

// ListLinked returns every player with an osu! account
func (r *Repository) ListLinked(ctx context.Context) ([]*Player, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+playerColumns+` FROM players WHERE osu_id IS NOT NULL ORDER BY discord_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var players []*Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}

	return players, rows.Err()
}

// ListDiscordIDs returns the Discord id of every known member
func (r *Repository) ListDiscordIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT discord_id FROM players ORDER BY discord_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	return ids, rows.Err()
}

// UpdateLastChecked records when a member's scores were last scanned
func (r *Repository) UpdateLastChecked(ctx context.Context, discordID string, t time.Time) error {
	id, err := snowflake(discordID)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		r.rebind(`UPDATE players SET last_checked = ? WHERE discord_id = ?`), t.UTC(), id)
	return err
}

// ScanCursor returns when a member was last scanned by the named score
// feed, or nil if never.
func (r *Repository) ScanCursor(ctx context.Context, discordID, feed string) (*time.Time, error) {
	id, err := snowflake(discordID)
	if err != nil {
		return nil, err
	}

	var checked sql.NullTime
	err = r.db.QueryRowContext(ctx,
		r.rebind(`SELECT checked_at FROM scan_cursors WHERE discord_id = ? AND feed = ?`), id, feed).Scan(&checked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !checked.Valid {
		return nil, nil
	}
	t := checked.Time
	return &t, nil
}

// SetScanCursor records when a member was last scanned by the named feed
func (r *Repository) SetScanCursor(ctx context.Context, discordID, feed string, t time.Time) error {
	id, err := snowflake(discordID)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO scan_cursors (discord_id, feed, checked_at) VALUES (?, ?, ?)
		ON CONFLICT (discord_id, feed) DO UPDATE SET checked_at = excluded.checked_at`),
		id, feed, t.UTC())
	return err
}

// Purge deletes every player row and their scan cursors
func (r *Repository) Purge(ctx context.Context) (int64, error) {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scan_cursors`); err != nil {
		return 0, err
	}
	result, err := r.db.ExecContext(ctx, `DELETE FROM players`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
