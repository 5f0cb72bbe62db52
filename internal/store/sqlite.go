package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the durable record of queue items, posting history and rate
// counters. It is the single source of truth for crash recovery.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- ingestion ----

// CreatePosts inserts all rows of one submission atomically.
func (s *Store) CreatePosts(ctx context.Context, posts []Post) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if len(posts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range posts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO posts(id, platform, fingerprint, body, priority, status, source, compliance_note, created_at, not_before, attempts)
			 VALUES(?,?,?,?,?,?,?,?,?,?,0)`,
			p.ID, p.Platform, p.Fingerprint, p.Body, int(p.Priority), string(p.Status),
			p.Source, p.ComplianceNote, p.CreatedAt.UnixMilli(), p.NotBefore.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LiveFingerprintPlatforms returns the platforms on which the fingerprint is
// "live": queued, in flight, or successfully posted since the given time.
// Dead-lettered rows do not hold a dedup slot.
func (s *Store) LiveFingerprintPlatforms(ctx context.Context, fingerprint string, since time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT platform FROM posts
		  WHERE fingerprint = ? AND created_at >= ? AND status IN (?,?,?)
		 UNION
		 SELECT platform FROM posting_history
		  WHERE fingerprint = ? AND posted_at >= ? AND success = 1`,
		fingerprint, since.UnixMilli(),
		string(StatusPending), string(StatusDispatched), string(StatusPosted),
		fingerprint, since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var platforms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		platforms = append(platforms, p)
	}
	return platforms, rows.Err()
}

// ---- scheduling ----

const postColumns = `id, platform, fingerprint, body, priority, status, source, compliance_note,
	created_at, not_before, dispatched_at, posted_at, attempts, last_error, external_id`

// Eligible returns pending rows whose not_before has passed, ordered by
// priority descending then created_at ascending (FIFO within a tier).
// Platforms in excluded are filtered out in the query so a rate-limited
// platform's backlog cannot occupy the whole batch.
func (s *Store) Eligible(ctx context.Context, now time.Time, limit int, excluded []string) ([]Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + postColumns + ` FROM posts
	  WHERE status = ? AND not_before <= ?`
	args := []any{string(StatusPending), now.UnixMilli()}
	if len(excluded) > 0 {
		q += ` AND platform NOT IN (?` + strings.Repeat(",?", len(excluded)-1) + `)`
		for _, p := range excluded {
			args = append(args, p)
		}
	}
	q += ` ORDER BY priority DESC, created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

// Claim transitions one row pending -> dispatched. It reports false when the
// row was already claimed (or otherwise moved on) by a concurrent pass.
func (s *Store) Claim(ctx context.Context, id, platform string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, dispatched_at = ?
		  WHERE id = ? AND platform = ? AND status = ?`,
		string(StatusDispatched), at.UnixMilli(), id, platform, string(StatusPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ---- outcomes ----

// MarkPosted records a success: the row becomes terminal and a history row is
// appended in the same transaction.
func (s *Store) MarkPosted(ctx context.Context, p Post, externalID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE posts SET status = ?, posted_at = ?, external_id = ?, last_error = ''
		  WHERE id = ? AND platform = ?`,
		string(StatusPosted), at.UnixMilli(), externalID, p.ID, p.Platform,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO posting_history(fingerprint, platform, posted_at, post_id, source, success, external_id)
		 VALUES(?,?,?,?,?,1,?)`,
		p.Fingerprint, p.Platform, at.UnixMilli(), p.ID, p.Source, externalID,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRetry re-enters pending with an incremented attempt count and a new
// not_before. The transient failure itself is kept in last_error.
func (s *Store) MarkRetry(ctx context.Context, id, platform string, attempts int, notBefore time.Time, lastErr string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ?, attempts = ?, not_before = ?, last_error = ?
		  WHERE id = ? AND platform = ?`,
		string(StatusPending), attempts, notBefore.UnixMilli(), lastErr, id, platform,
	)
	return err
}

// MarkDeadLettered makes the row terminal and appends a failure history row.
// Dead-lettered rows stay queryable until external archival.
func (s *Store) MarkDeadLettered(ctx context.Context, p Post, attempts int, lastErr string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE posts SET status = ?, attempts = ?, last_error = ?
		  WHERE id = ? AND platform = ?`,
		string(StatusDeadLettered), attempts, lastErr, p.ID, p.Platform,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO posting_history(fingerprint, platform, posted_at, post_id, source, success, external_id)
		 VALUES(?,?,?,?,?,0,'')`,
		p.Fingerprint, p.Platform, at.UnixMilli(), p.ID, p.Source,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ResetDispatched conservatively re-queues rows left dispatched by a previous
// process. Called once on startup, before the scheduler starts.
func (s *Store) ResetDispatched(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusDispatched),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- status / metrics ----

func (s *Store) PostsByID(ctx context.Context, id string) ([]Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = ? ORDER BY platform`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return posts, nil
}

func (s *Store) DeadLettered(ctx context.Context, limit int) ([]Post, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE status = ?
		  ORDER BY created_at DESC LIMIT ?`,
		string(StatusDeadLettered), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPosts(rows)
}

func (s *Store) PlatformMetrics(ctx context.Context, platform string, since time.Time) (Metrics, error) {
	m := Metrics{Platform: platform}
	if s == nil || s.db == nil {
		return m, ErrClosed
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM posting_history WHERE platform = ? AND posted_at >= ? AND success = 1),
		   (SELECT COUNT(*) FROM posting_history WHERE platform = ? AND posted_at >= ? AND success = 0),
		   (SELECT COUNT(*) FROM posts WHERE platform = ? AND status = ?),
		   (SELECT COUNT(*) FROM posts WHERE platform = ? AND status = ?)`,
		platform, since.UnixMilli(),
		platform, since.UnixMilli(),
		platform, string(StatusDeadLettered),
		platform, string(StatusPending),
	).Scan(&m.Posted, &m.Failed, &m.DeadLettered, &m.PendingCount)
	return m, err
}

// ---- rate limiter state ----

func (s *Store) LoadRateWindows(ctx context.Context, platform string) ([]RateWindow, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT window_ms, window_start, count FROM rate_windows WHERE platform = ?`, platform)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RateWindow
	for rows.Next() {
		var winMS, startMS int64
		var count int
		if err := rows.Scan(&winMS, &startMS, &count); err != nil {
			return nil, err
		}
		out = append(out, RateWindow{
			Platform:    platform,
			Window:      time.Duration(winMS) * time.Millisecond,
			WindowStart: time.UnixMilli(startMS),
			Count:       count,
		})
	}
	return out, rows.Err()
}

func (s *Store) SaveRateWindow(ctx context.Context, w RateWindow) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_windows(platform, window_ms, window_start, count) VALUES(?,?,?,?)
		 ON CONFLICT(platform, window_ms) DO UPDATE SET window_start=excluded.window_start, count=excluded.count`,
		w.Platform, w.Window.Milliseconds(), w.WindowStart.UnixMilli(), w.Count,
	)
	return err
}

func (s *Store) LastGrant(ctx context.Context, platform string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_grant_at FROM platform_state WHERE platform = ?`, platform).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *Store) SetLastGrant(ctx context.Context, platform string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO platform_state(platform, last_grant_at) VALUES(?,?)
		 ON CONFLICT(platform) DO UPDATE SET last_grant_at=excluded.last_grant_at`,
		platform, at.UnixMilli(),
	)
	return err
}

// ---- retention ----

// PruneTerminal removes posted rows older than the cutoff. Dead-lettered rows
// are kept: operators archive them externally.
func (s *Store) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM posts WHERE status = ? AND created_at < ?`,
		string(StatusPosted), before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM posting_history WHERE posted_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- scanning ----

func scanPosts(rows *sql.Rows) ([]Post, error) {
	var out []Post
	for rows.Next() {
		var p Post
		var priority int
		var status string
		var createdMS, notBeforeMS int64
		var dispatchedMS, postedMS sql.NullInt64
		err := rows.Scan(
			&p.ID, &p.Platform, &p.Fingerprint, &p.Body, &priority, &status,
			&p.Source, &p.ComplianceNote, &createdMS, &notBeforeMS,
			&dispatchedMS, &postedMS, &p.Attempts, &p.LastError, &p.ExternalID,
		)
		if err != nil {
			return nil, err
		}
		p.Priority = Priority(priority)
		p.Status = Status(status)
		p.CreatedAt = time.UnixMilli(createdMS)
		p.NotBefore = time.UnixMilli(notBeforeMS)
		if dispatchedMS.Valid {
			p.DispatchedAt = time.UnixMilli(dispatchedMS.Int64)
		}
		if postedMS.Valid {
			p.PostedAt = time.UnixMilli(postedMS.Int64)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
