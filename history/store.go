package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/smnsjas/go-winrmexec/psexec"
)

// ErrNotFound is returned by Get for an unknown invocation.
var ErrNotFound = errors.New("history: invocation not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Record is one finished invocation. Output and Errors hold JSON.
type Record struct {
	InvocationID string    `gorm:"primaryKey;size:36" json:"invocation_id" yaml:"invocation_id"`
	SessionID    string    `gorm:"index;not null;size:36" json:"session_id" yaml:"session_id"`
	Command      string    `gorm:"type:text" json:"command" yaml:"command"`
	State        string    `gorm:"size:20;not null" json:"state" yaml:"state"`
	HadErrors    bool      `json:"had_errors" yaml:"had_errors"`
	Output       string    `gorm:"type:text" json:"output" yaml:"output"`
	Errors       string    `gorm:"type:text" json:"errors" yaml:"errors"`
	StartedAt    time.Time `gorm:"index" json:"started_at" yaml:"started_at"`
	EndedAt      time.Time `json:"ended_at" yaml:"ended_at"`
	DurationMS   int64     `json:"duration_ms" yaml:"duration_ms"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at" yaml:"created_at"`
}

// TableName pins the table name.
func (Record) TableName() string {
	return "invocations"
}

// DecodeOutput returns the stored output objects.
func (r *Record) DecodeOutput() ([]any, error) {
	if r.Output == "" {
		return nil, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(r.Output), &out); err != nil {
		return nil, fmt.Errorf("history: decode output: %w", err)
	}
	return out, nil
}

// DecodeErrors returns the stored error records.
func (r *Record) DecodeErrors() ([]psexec.ErrorRecord, error) {
	if r.Errors == "" {
		return nil, nil
	}
	var errs []psexec.ErrorRecord
	if err := json.Unmarshal([]byte(r.Errors), &errs); err != nil {
		return nil, fmt.Errorf("history: decode errors: %w", err)
	}
	return errs, nil
}

// Store keeps invocation history in SQLite. It implements psexec.Recorder.
type Store struct {
	db *gorm.DB
}

var _ psexec.Recorder = (*Store)(nil)

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := MemoryPath
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create directory: %w", err)
		}
		// WAL lets readers run alongside the recorder.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if path == MemoryPath {
		// Every pooled connection would get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record stores out, replacing an earlier record of the same invocation.
func (s *Store) Record(ctx context.Context, out *psexec.CommandOutput) error {
	if out == nil {
		return nil
	}
	rec, err := newRecord(out)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return fmt.Errorf("history: record %s: %w", out.InvocationID, err)
	}
	return nil
}

func newRecord(out *psexec.CommandOutput) (*Record, error) {
	rec := &Record{
		InvocationID: out.InvocationID,
		SessionID:    out.SessionID,
		Command:      out.Command,
		State:        out.State.String(),
		HadErrors:    out.HadErrors,
		StartedAt:    out.StartedAt,
		EndedAt:      out.EndedAt,
		DurationMS:   out.Duration.Milliseconds(),
	}
	if len(out.Output) > 0 {
		b, err := json.Marshal(out.Output)
		if err != nil {
			return nil, fmt.Errorf("history: encode output: %w", err)
		}
		rec.Output = string(b)
	}
	if len(out.Errors) > 0 {
		b, err := json.Marshal(out.Errors)
		if err != nil {
			return nil, fmt.Errorf("history: encode errors: %w", err)
		}
		rec.Errors = string(b)
	}
	return rec, nil
}

// Get returns the record of one invocation.
func (s *Store) Get(ctx context.Context, invocationID string) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("invocation_id = ?", invocationID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, invocationID)
	}
	if err != nil {
		return nil, fmt.Errorf("history: get %s: %w", invocationID, err)
	}
	return &rec, nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.find(s.db.WithContext(ctx), limit)
}

// BySession returns up to limit records of one session, newest first.
func (s *Store) BySession(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	return s.find(s.db.WithContext(ctx).Where("session_id = ?", sessionID), limit)
}

func (s *Store) find(q *gorm.DB, limit int) ([]Record, error) {
	q = q.Order("started_at DESC").Order("invocation_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []Record
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	return recs, nil
}

// Prune deletes records started before cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("started_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		return 0, fmt.Errorf("history: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}
