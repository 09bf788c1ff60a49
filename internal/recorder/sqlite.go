package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnknownSession is returned when ending or reading a session that was
// never created.
var ErrUnknownSession = errors.New("unknown session")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id             TEXT PRIMARY KEY,
		instance_id    TEXT NOT NULL,
		start_time     INTEGER NOT NULL,
		end_time       INTEGER,
		total_gifts    INTEGER NOT NULL DEFAULT 0,
		total_diamonds INTEGER NOT NULL DEFAULT 0,
		peak_viewers   INTEGER NOT NULL DEFAULT 0,
		unique_viewers INTEGER NOT NULL DEFAULT 0,
		status         TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_instance ON sessions (instance_id, start_time)`,
	`CREATE TABLE IF NOT EXISTS gift_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id   TEXT NOT NULL,
		gift_id      INTEGER NOT NULL,
		gift_name    TEXT NOT NULL,
		gift_value   INTEGER NOT NULL,
		sender_name  TEXT NOT NULL,
		repeat_count INTEGER NOT NULL,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gift_events_session ON gift_events (session_id)`,
	`CREATE TABLE IF NOT EXISTS viewer_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		viewer_id  TEXT NOT NULL,
		event_type TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_viewer_events_session ON viewer_events (session_id)`,
}

// SQLiteSink stores sessions in a SQLite database. Times are stored as
// unix milliseconds.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at dsn and applies the
// schema. ":memory:" gives a private in-memory database.
func OpenSQLite(dsn string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) CreateSession(ctx context.Context, id, instanceID string, start time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, instance_id, start_time, status) VALUES (?, ?, ?, ?)`,
		id, instanceID, start.UnixMilli(), StatusActive)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteSink) EndSession(ctx context.Context, id string, sum Summary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		SET end_time = ?, status = ?, total_gifts = ?, total_diamonds = ?, peak_viewers = ?, unique_viewers = ?
		WHERE id = ?`,
		sum.EndedAt.UnixMilli(), StatusCompleted, sum.TotalGifts, sum.TotalDiamonds,
		sum.PeakViewers, sum.UniqueViewers, id)
	if err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ending session %s: %w", id, ErrUnknownSession)
	}
	return nil
}

func (s *SQLiteSink) LogGift(ctx context.Context, rec GiftRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gift_events (session_id, gift_id, gift_name, gift_value, sender_name, repeat_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.GiftID, rec.GiftName, rec.GiftValue, rec.SenderName, rec.RepeatCount, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("logging gift for session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (s *SQLiteSink) LogViewer(ctx context.Context, rec ViewerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO viewer_events (session_id, viewer_id, event_type, created_at) VALUES (?, ?, ?, ?)`,
		rec.SessionID, rec.ViewerID, rec.EventType, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("logging viewer for session %s: %w", rec.SessionID, err)
	}
	return nil
}

// SessionRow is a stored session.
type SessionRow struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instanceId"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	TotalGifts    int64      `json:"totalGifts"`
	TotalDiamonds int64      `json:"totalDiamonds"`
	PeakViewers   int        `json:"peakViewers"`
	UniqueViewers int        `json:"uniqueViewers"`
	Status        string     `json:"status"`
}

const sessionColumns = `id, instance_id, start_time, end_time, total_gifts, total_diamonds, peak_viewers, unique_viewers, status`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (SessionRow, error) {
	var (
		r     SessionRow
		start int64
		end   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.InstanceID, &start, &end, &r.TotalGifts, &r.TotalDiamonds,
		&r.PeakViewers, &r.UniqueViewers, &r.Status)
	if err != nil {
		return SessionRow{}, err
	}
	r.StartTime = time.UnixMilli(start).UTC()
	if end.Valid {
		t := time.UnixMilli(end.Int64).UTC()
		r.EndTime = &t
	}
	return r, nil
}

func (s *SQLiteSink) Session(ctx context.Context, id string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRow{}, fmt.Errorf("session %s: %w", id, ErrUnknownSession)
	}
	if err != nil {
		return SessionRow{}, fmt.Errorf("reading session %s: %w", id, err)
	}
	return r, nil
}

// SessionHistory returns the most recent sessions for an instance, newest
// first.
func (s *SQLiteSink) SessionHistory(ctx context.Context, instanceID string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE instance_id = ? ORDER BY start_time DESC LIMIT ?`,
		instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying session history: %w", err)
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GiftTotals is per-gift aggregate value across a session.
type GiftTotals struct {
	GiftID     int    `json:"giftId"`
	GiftName   string `json:"giftName"`
	Events     int    `json:"events"`
	Quantity   int64  `json:"quantity"`
	TotalValue int64  `json:"totalValue"`
}

// GiftAnalytics sums gift events for a session, highest value first.
func (s *SQLiteSink) GiftAnalytics(ctx context.Context, sessionID string) ([]GiftTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT gift_id, gift_name, COUNT(*), SUM(repeat_count), SUM(gift_value * repeat_count) AS total_value
		FROM gift_events WHERE session_id = ?
		GROUP BY gift_id, gift_name
		ORDER BY total_value DESC, gift_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying gift analytics: %w", err)
	}
	defer rows.Close()

	var out []GiftTotals
	for rows.Next() {
		var g GiftTotals
		if err := rows.Scan(&g.GiftID, &g.GiftName, &g.Events, &g.Quantity, &g.TotalValue); err != nil {
			return nil, fmt.Errorf("scanning gift analytics: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SessionStats aggregates the completed sessions of one instance.
type SessionStats struct {
	Sessions              int64   `json:"totalSessions"`
	TotalGifts            int64   `json:"totalGifts"`
	TotalDiamonds         int64   `json:"totalDiamonds"`
	AvgGiftsPerSession    float64 `json:"avgGiftsPerSession"`
	AvgDiamondsPerSession float64 `json:"avgDiamondsPerSession"`
	MaxViewers            int     `json:"maxViewers"`
	AvgUniqueViewers      float64 `json:"avgUniqueViewers"`
}

// SessionStats sums completed sessions for an instance. Active sessions
// are left out; an instance with none completed yields zeros.
func (s *SQLiteSink) SessionStats(ctx context.Context, instanceID string) (SessionStats, error) {
	var st SessionStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(total_gifts), 0),
			COALESCE(SUM(total_diamonds), 0),
			COALESCE(AVG(total_gifts), 0.0),
			COALESCE(AVG(total_diamonds), 0.0),
			COALESCE(MAX(peak_viewers), 0),
			COALESCE(AVG(unique_viewers), 0.0)
		FROM sessions WHERE instance_id = ? AND status = ?`,
		instanceID, StatusCompleted,
	).Scan(&st.Sessions, &st.TotalGifts, &st.TotalDiamonds, &st.AvgGiftsPerSession,
		&st.AvgDiamondsPerSession, &st.MaxViewers, &st.AvgUniqueViewers)
	if err != nil {
		return SessionStats{}, fmt.Errorf("querying session stats: %w", err)
	}
	return st, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
