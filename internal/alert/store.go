// Package alert is the persistence gateway the hub calls to durably record
// normalized detection events. The hub only ever appends; reads are limited
// to the recency snapshot sent to newly connected subscribers.
package alert

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/carewatch/backend/internal/event"
)

var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrVideoNotFound   = errors.New("video not found")
)

// LevelFunc classifies an event into a severity level. The thresholds for
// severity changed repeatedly upstream of this service, so the policy is
// injected rather than baked into the store.
type LevelFunc func(ev *event.DetectionEvent) string

// DefaultLevel is the placeholder policy used when none is injected.
func DefaultLevel(ev *event.DetectionEvent) string {
	switch ev.EventType {
	case "fall":
		return "critical"
	case "wander":
		return "warning"
	default:
		return "info"
	}
}

// Store is the contract the hub depends on.
type Store interface {
	Save(ctx context.Context, ev *event.DetectionEvent) (int64, error)
	Recent(ctx context.Context, limit int) ([]Alert, error)
}

// Alert is one persisted row, referenced by the identifier Save returned.
type Alert struct {
	ID         int64     `json:"alertId"`
	SubjectKey int       `json:"subjectId"`
	EventType  string    `json:"eventType"`
	Level      string    `json:"alertLevel"`
	DetectedAt time.Time `json:"detectedAt"`
	LayRate    *float64  `json:"layRate,omitempty"`
	Prob       *float64  `json:"prob,omitempty"`
	VideoID    *int64    `json:"videoId,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS subjects (
	subject_key INTEGER PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS videos (
	video_id INTEGER PRIMARY KEY,
	path     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_key INTEGER NOT NULL REFERENCES subjects(subject_key),
	event_type  TEXT    NOT NULL,
	alert_level TEXT    NOT NULL,
	detected_at INTEGER NOT NULL,
	lay_rate    REAL,
	prob        REAL,
	video_id    INTEGER,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_at);
`

// SQLiteStore implements Store on a single-connection SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	level LevelFunc
}

type Option func(*SQLiteStore)

// WithLevelFunc replaces the severity policy.
func WithLevelFunc(fn LevelFunc) Option {
	return func(s *SQLiteStore) { s.level = fn }
}

// Open creates or opens the alert database at path with WAL mode.
func Open(path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{db: db, level: DefaultLevel}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureSubject inserts the subject row if it does not exist yet. Subject
// provisioning is otherwise owned by the account service.
func (s *SQLiteStore) EnsureSubject(ctx context.Context, key int, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (subject_key, name) VALUES (?, ?)
		 ON CONFLICT(subject_key) DO NOTHING`, key, name)
	return err
}

// EnsureVideo registers a video identifier so events may reference it.
func (s *SQLiteStore) EnsureVideo(ctx context.Context, id int64, path string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO videos (video_id, path) VALUES (?, ?)
		 ON CONFLICT(video_id) DO NOTHING`, id, path)
	return err
}

// Save records one event and returns its assigned alert id. It fails with
// ErrSubjectNotFound or ErrVideoNotFound when a referenced row is absent.
func (s *SQLiteStore) Save(ctx context.Context, ev *event.DetectionEvent) (int64, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subjects WHERE subject_key = ?`, ev.SubjectKey).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check subject: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("subject %d: %w", ev.SubjectKey, ErrSubjectNotFound)
	}

	if ev.VideoID != nil {
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM videos WHERE video_id = ?`, *ev.VideoID).Scan(&exists)
		if err != nil {
			return 0, fmt.Errorf("check video: %w", err)
		}
		if exists == 0 {
			return 0, fmt.Errorf("video %d: %w", *ev.VideoID, ErrVideoNotFound)
		}
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (subject_key, event_type, alert_level, detected_at, lay_rate, prob, video_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SubjectKey, ev.EventType, s.level(ev), ev.DetectedAt.UnixMilli(),
		nullFloat(ev.LayRate), nullFloat(ev.Prob), nullInt(ev.VideoID),
		time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns the most recent alerts, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, subject_key, event_type, alert_level, detected_at, lay_rate, prob, video_id
		 FROM alerts ORDER BY detected_at DESC, alert_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a        Alert
			detected int64
			layRate  sql.NullFloat64
			prob     sql.NullFloat64
			videoID  sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &a.SubjectKey, &a.EventType, &a.Level, &detected, &layRate, &prob, &videoID); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.DetectedAt = time.UnixMilli(detected).UTC()
		if layRate.Valid {
			a.LayRate = &layRate.Float64
		}
		if prob.Valid {
			a.Prob = &prob.Float64
		}
		if videoID.Valid {
			a.VideoID = &videoID.Int64
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}
