// Package auditlog persists a record of every top-level evaluation
// invocation to PostgreSQL, adapted from the teacher's db/postgres.go
// RabbitLog model and its GORM connection/migration helpers, rescoped
// from RabbitMQ message logs to evaluator invocation history.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Invocation records one call to the evaluator's top-level Evaluate,
// the unit of work a CLI or coordinator front end drives.
type Invocation struct {
	gorm.Model
	RequestedKeys string // JSON array of the requested keys' String() form
	KeepGoing     bool
	StartedAt     time.Time
	FinishedAt    time.Time
	ResultVersion int64
	Outcome       string // "success", "error", "catastrophic"
	ErrorMessage  string
}

// Recorder persists Invocations. It is the narrow surface the
// evaluator's caller depends on, so tests can substitute an in-memory
// double instead of a live PostgreSQL instance.
type Recorder interface {
	Record(ctx context.Context, inv Invocation) error
	Recent(ctx context.Context, limit int) ([]Invocation, error)
}

// GormRecorder is the PostgreSQL-backed Recorder, grounded in the
// teacher's PGInfo/PGMigrations connection-and-pool setup.
type GormRecorder struct {
	db *gorm.DB
}

// Open connects to pgURL and migrates the Invocation table, following
// the same MaxIdleConns/MaxOpenConns/ConnMaxLifetime pool tuning as
// the teacher's PGInfo.
func Open(pgURL string) (*GormRecorder, error) {
	db, err := gorm.Open(postgres.Open(pgURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&Invocation{}); err != nil {
		return nil, fmt.Errorf("migrate invocation table: %w", err)
	}

	return &GormRecorder{db: db}, nil
}

// Record inserts inv as a new row.
func (r *GormRecorder) Record(ctx context.Context, inv Invocation) error {
	return r.db.WithContext(ctx).Create(&inv).Error
}

// Recent returns the most recently started invocations, most recent
// first, bounded by limit.
func (r *GormRecorder) Recent(ctx context.Context, limit int) ([]Invocation, error) {
	var rows []Invocation
	err := r.db.WithContext(ctx).Order("started_at desc").Limit(limit).Find(&rows).Error
	return rows, err
}

// EncodeKeys renders a slice of key string-forms as the JSON array
// Invocation.RequestedKeys stores, so callers don't hand-roll encoding
// at every call site.
func EncodeKeys(keys []string) string {
	data, err := json.Marshal(keys)
	if err != nil {
		return "[]"
	}
	return string(data)
}
