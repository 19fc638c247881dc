// Package history persists every registered alert to a local SQLite
// database and keeps the file bounded with a scheduled retention sweep.
package history

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

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/dpaschal/HamClock-sub000/internal/alert"
	"github.com/dpaschal/HamClock-sub000/internal/logx"
)

//go:embed schema.sql
var schemaFS embed.FS

// Record is one persisted alert row.
type Record struct {
	ID           string
	Category     alert.Category
	Severity     alert.Severity
	Message      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	Acknowledged bool
}

// Config controls the history store.
type Config struct {
	Path          string
	RetentionDays int
	MaxEntries    int
	BusyTimeout   time.Duration
}

type Sink struct {
	db  *sql.DB
	log logx.Logger
	cfg Config

	cron *cron.Cron
}

// New opens (or creates) the database, applies the schema and schedules
// the hourly retention job. The cron scheduler is started by Start.
func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("history: path is required")
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

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Sink{db: db, log: log, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@hourly", s.retentionJob); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Sink) Name() string { return "history" }

// Start runs the retention scheduler until ctx is done.
func (s *Sink) Start(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// Handle inserts the alert. A write failure is logged and the event is
// dropped; persistence never blocks the pipeline.
func (s *Sink) Handle(ctx context.Context, e alert.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, category, severity, message, created_at, expires_at, acknowledged)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, string(e.Category), e.Severity.String(), e.Message,
		e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
		boolToInt(e.Acknowledged),
	)
	if err != nil {
		s.log.Error("history write failed, dropping alert",
			logx.String("alert_id", e.ID), logx.Err(err))
	}
	return nil
}

// MarkAcknowledged flips the acknowledged column for an alert.
func (s *Sink) MarkAcknowledged(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	return err
}

// Recent returns the newest limit rows.
func (s *Sink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT id, category, severity, message, created_at, expires_at, acknowledged
		   FROM alerts ORDER BY created_at DESC LIMIT ?`, limit)
}

// ByTimeRange returns rows created in [from, to), newest first.
func (s *Sink) ByTimeRange(ctx context.Context, from, to time.Time) ([]Record, error) {
	return s.query(ctx,
		`SELECT id, category, severity, message, created_at, expires_at, acknowledged
		   FROM alerts
		  WHERE created_at >= ? AND created_at < ?
		  ORDER BY created_at DESC`,
		from.UnixMilli(), to.UnixMilli())
}

// ByCategory returns the newest limit rows of one category.
func (s *Sink) ByCategory(ctx context.Context, cat alert.Category, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx,
		`SELECT id, category, severity, message, created_at, expires_at, acknowledged
		   FROM alerts WHERE category = ? ORDER BY created_at DESC LIMIT ?`,
		string(cat), limit)
}

// Count returns the number of stored rows.
func (s *Sink) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n)
	return n, err
}

func (s *Sink) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                Record
			cat, sev         string
			created, expires int64
			acked            int
		)
		if err := rows.Scan(&r.ID, &cat, &sev, &r.Message, &created, &expires, &acked); err != nil {
			return nil, err
		}
		r.Category = alert.Category(cat)
		r.Severity = alert.ParseSeverity(sev, alert.SeverityInfo)
		r.CreatedAt = time.UnixMilli(created).UTC()
		r.ExpiresAt = time.UnixMilli(expires).UTC()
		r.Acknowledged = acked != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune applies the retention policy once: rows older than RetentionDays
// go first, then the oldest rows beyond MaxEntries.
func (s *Sink) Prune(ctx context.Context, now time.Time) error {
	if s.cfg.RetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.RetentionDays)
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM alerts WHERE created_at < ?`,
			cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM alerts WHERE id IN (
			    SELECT id FROM alerts ORDER BY created_at DESC LIMIT -1 OFFSET ?
			 )`, s.cfg.MaxEntries); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) retentionJob() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Prune(ctx, time.Now()); err != nil {
		s.log.Warn("history retention sweep failed", logx.Err(err))
	}
}

// Close stops the scheduler and closes the database.
func (s *Sink) Close(ctx context.Context) error {
	if s.cron != nil {
		stop := s.cron.Stop()
		select {
		case <-stop.Done():
		case <-ctx.Done():
		}
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
