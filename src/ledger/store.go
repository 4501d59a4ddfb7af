// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package ledger persists task transitions of batch runs.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"indexbatcher/src/logging"
	"indexbatcher/src/model"
)

// TaskTransition is one row of the transition ledger.
type TaskTransition struct {
	ID      string    `gorm:"primaryKey;size:36"`
	RunID   string    `gorm:"index;size:36;not null"`
	Task    string    `gorm:"index;size:255;not null"`
	Backend string    `gorm:"size:20;not null"`
	Kind    string    `gorm:"size:20;not null"`
	Detail  string    `gorm:"type:text"`
	At      time.Time `gorm:"index;not null"`
}

func (TaskTransition) TableName() string {
	return "task_transitions"
}

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the ledger database. A "sqlite:" prefix selects SQLite;
// anything else is a Postgres connection string opened through lib/pq.
func Open(dsn string) (*Store, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if path, ok := strings.CutPrefix(dsn, "sqlite:"); ok {
		db, err := gorm.Open(sqlite.Open(path), cfg)
		if err != nil {
			return nil, fmt.Errorf("open ledger database: %w", err)
		}
		// one connection: sqlite serializes writers and :memory: is per connection
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return NewStore(db), nil
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return NewStore(db), nil
}

// Migrate creates the ledger table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&TaskTransition{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append writes one transition of a run.
func (s *Store) Append(ctx context.Context, runID string, t model.Transition) error {
	row := &TaskTransition{
		ID:      uuid.New().String(),
		RunID:   runID,
		Task:    t.Task,
		Backend: string(t.Backend),
		Kind:    string(t.Kind),
		Detail:  t.Detail,
		At:      t.At,
	}
	if row.At.IsZero() {
		row.At = time.Now()
	}
	return s.db.WithContext(ctx).Create(row).Error
}

// Transitions returns a run's transitions in the order they happened.
func (s *Store) Transitions(ctx context.Context, runID string) ([]TaskTransition, error) {
	var rows []TaskTransition
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("at ASC").
		Find(&rows).Error
	return rows, err
}

// ForRun returns a Recorder appending to this ledger under runID. Write errors
// are logged and never reach the backends.
func (s *Store) ForRun(runID string) model.Recorder {
	return runRecorder{store: s, runID: runID}
}

type runRecorder struct {
	store *Store
	runID string
}

func (r runRecorder) Record(ctx context.Context, t model.Transition) {
	// a cancelled batch still records its final transitions
	if err := r.store.Append(context.WithoutCancel(ctx), r.runID, t); err != nil {
		logging.Log(fmt.Sprintf("Error recording %s transition of %s: %v", t.Kind, t.Task, err), slog.LevelError)
	}
}
