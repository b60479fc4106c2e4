package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"icopool/core/events"
)

// Entry is one recorded pool event.
type Entry struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"index"`
	Pool       string    `gorm:"index;size:42"`
	Type       string    `gorm:"index;size:64"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// TableName keeps the table name stable across gorm naming strategies.
func (Entry) TableName() string { return "pool_events" }

// Decoded returns the attribute map.
func (e Entry) Decoded() (map[string]string, error) {
	out := map[string]string{}
	if e.Attributes == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Open connects to the journal database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return db, nil
}

// Journal records pool events. It implements events.Emitter; write failures
// are logged because emitters cannot return errors.
type Journal struct {
	db     *gorm.DB
	pool   string
	logger *slog.Logger
	nowFn  func() time.Time

	mu       sync.Mutex
	sequence uint64
}

// New migrates the schema and resumes the sequence from the last entry.
func New(db *gorm.DB, pool string, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, pool: pool, logger: logger.With(slog.String("component", "journal")), nowFn: time.Now}
	var last Entry
	err := db.Where("pool = ?", pool).Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("journal: load sequence: %w", err)
	}
	j.sequence = last.Sequence
	return j, nil
}

// Emit implements events.Emitter.
func (j *Journal) Emit(evt events.Event) {
	if _, err := j.Record(evt); err != nil {
		j.logger.Error("journal write failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Record persists evt and returns the stored entry.
func (j *Journal) Record(evt events.Event) (*Entry, error) {
	if evt == nil {
		return nil, errors.New("journal: nil event")
	}
	attrs := map[string]string{}
	if payload, ok := evt.(events.Payload); ok && payload.Event() != nil {
		attrs = payload.Event().Attributes
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	entry := &Entry{
		ID:         uuid.New(),
		Sequence:   j.sequence + 1,
		Pool:       j.pool,
		Type:       evt.EventType(),
		Attributes: string(encoded),
		CreatedAt:  j.nowFn().UTC(),
	}
	if err := j.db.Create(entry).Error; err != nil {
		return nil, err
	}
	j.sequence = entry.Sequence
	return entry, nil
}

// Filter narrows List results.
type Filter struct {
	Type  string
	After uint64
	Limit int
}

// List returns entries in sequence order.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := j.db.WithContext(ctx).Where("pool = ? AND sequence > ?", j.pool, f.After)
	if f.Type != "" {
		query = query.Where("type = ?", f.Type)
	}
	var out []Entry
	if err := query.Order("sequence asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
