package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"heraldbot/internal/schedule"
	"heraldbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite-backed schedule store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, targets, message, url, start_date, time, frequency,
	week_days, timezone, enhance_ai, context, last_run_at, next_run_at, status,
	created_at, updated_at`

func (s *sqliteStore) Insert(ctx context.Context, m *schedule.Message) (int64, error) {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = schedule.StatusActive
	}

	targets, err := json.Marshal(m.Targets)
	if err != nil {
		return 0, fmt.Errorf("marshal targets: %w", err)
	}
	weekDays, err := json.Marshal(nonNil(m.WeekDays))
	if err != nil {
		return 0, fmt.Errorf("marshal week_days: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_messages
		 (targets, message, url, start_date, time, frequency, week_days, timezone,
		  enhance_ai, context, last_run_at, next_run_at, status, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(targets), m.Body, m.URL, m.StartDate, m.TimeOfDay, string(m.Frequency),
		string(weekDays), m.Timezone, boolInt(m.Enhance), m.Context,
		nullTime(m.LastRunAt), nullTime(m.NextRunAt), string(m.Status),
		encodeTime(m.CreatedAt), encodeTime(m.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (*schedule.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_messages WHERE id = ?`, id)
	m, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *sqliteStore) ListDue(ctx context.Context, asOf time.Time) ([]*schedule.Message, error) {
	return s.list(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_messages
		 WHERE status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC, id ASC`,
		string(schedule.StatusActive), encodeTime(asOf))
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]*schedule.Message, error) {
	return s.list(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_messages
		 WHERE status = ? ORDER BY next_run_at ASC, id ASC`,
		string(schedule.StatusActive))
}

func (s *sqliteStore) list(ctx context.Context, query string, args ...any) ([]*schedule.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []*schedule.Message
	for rows.Next() {
		m, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Update(ctx context.Context, id int64, p Patch) error {
	if p.IsZero() {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET
		   status = COALESCE(?, status),
		   message = COALESCE(?, message),
		   time = COALESCE(?, time),
		   frequency = COALESCE(?, frequency),
		   next_run_at = COALESCE(?, next_run_at),
		   updated_at = ?
		 WHERE id = ?`,
		nullStatus(p.Status), nullStr(p.Body), nullStr(p.TimeOfDay),
		nullFreq(p.Frequency), nullTime(p.NextRunAt),
		encodeTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res)
}

func (s *sqliteStore) MarkRun(ctx context.Context, id int64, lastRun time.Time, next *time.Time, status schedule.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_messages SET
		   last_run_at = ?, next_run_at = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		encodeTime(lastRun), nullTime(next), string(status),
		encodeTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("mark run: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schedule.Message, error) {
	var (
		m                  schedule.Message
		targets, weekDays  string
		lastRun, nextRun   sql.NullString
		enhance            int
		freq, status       string
		createdAt, updated string
	)
	err := row.Scan(
		&m.ID, &targets, &m.Body, &m.URL, &m.StartDate, &m.TimeOfDay, &freq,
		&weekDays, &m.Timezone, &enhance, &m.Context, &lastRun, &nextRun,
		&status, &createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	m.Frequency = schedule.Frequency(freq)
	m.Status = schedule.Status(status)
	m.Enhance = enhance != 0

	if err := json.Unmarshal([]byte(targets), &m.Targets); err != nil {
		return nil, fmt.Errorf("unmarshal targets: %w", err)
	}
	if err := json.Unmarshal([]byte(weekDays), &m.WeekDays); err != nil {
		return nil, fmt.Errorf("unmarshal week_days: %w", err)
	}

	if m.LastRunAt, err = decodeNullTime(lastRun); err != nil {
		return nil, err
	}
	if m.NextRunAt, err = decodeNullTime(nextRun); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if m.UpdatedAt, err = decodeTime(updated); err != nil {
		return nil, err
	}
	return &m, nil
}

// Instants are stored as fixed-width UTC strings so lexicographic order
// matches chronological order, which the due-query's TEXT comparison relies
// on. (RFC3339Nano trims trailing zeros and would break that.)
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func decodeNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil, nil
	}
	t, err := decodeTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func nullStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullStatus(v *schedule.Status) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func nullFreq(v *schedule.Frequency) any {
	if v == nil {
		return nil
	}
	return string(*v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
