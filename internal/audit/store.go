package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/macawi-ai/cyreal-sub001/internal/database"
)

// record is the persisted form of an Entry.
type record struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Time      time.Time `gorm:"column:occurred_at;index;not null"`
	Type      string    `gorm:"column:event_type;index;size:64;not null"`
	Severity  string    `gorm:"size:16;not null"`
	AgentID   string    `gorm:"index;size:36"`
	RemoteIP  string    `gorm:"size:64"`
	Method    string    `gorm:"size:100"`
	RequestID string    `gorm:"size:64"`
	Message   string    `gorm:"size:512"`
	Details   string    `gorm:"type:text"`
}

func (record) TableName() string { return "audit_events" }

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	AgentID string
	Type    EventType
	Since   time.Time
	Limit   int
}

// GormSink persists entries through a database.PoolManager.
type GormSink struct {
	pool    *database.PoolManager
	retries int
	logger  *zap.Logger
}

// NewGormSink wraps pool. Call Migrate once before logging.
func NewGormSink(pool *database.PoolManager, logger *zap.Logger) *GormSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormSink{
		pool:    pool,
		retries: 3,
		logger:  logger.With(zap.String("component", "audit_store")),
	}
}

// Migrate creates or updates the audit table.
func (s *GormSink) Migrate(ctx context.Context) error {
	if err := s.pool.DB().WithContext(ctx).AutoMigrate(&record{}); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// LogEvent implements Sink.
func (s *GormSink) LogEvent(ctx context.Context, e Entry) error {
	rec, err := toRecord(e)
	if err != nil {
		return err
	}
	err = s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		return tx.Create(&rec).Error
	})
	if err != nil {
		s.logger.Error("failed to persist audit event",
			zap.String("event_type", rec.Type),
			zap.Error(err))
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

// Query returns entries newest first.
func (s *GormSink) Query(ctx context.Context, f Filter) ([]Entry, error) {
	q := s.pool.DB().WithContext(ctx).Model(&record{})
	if f.AgentID != "" {
		q = q.Where("agent_id = ?", f.AgentID)
	}
	if f.Type != "" {
		q = q.Where("event_type = ?", string(f.Type))
	}
	if !f.Since.IsZero() {
		q = q.Where("occurred_at >= ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []record
	if err := q.Order("occurred_at desc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.entry())
	}
	return out, nil
}

// Prune deletes entries older than before and returns the number removed.
func (s *GormSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.pool.DB().WithContext(ctx).Where("occurred_at < ?", before.UTC()).Delete(&record{})
	if res.Error != nil {
		return 0, fmt.Errorf("audit: prune: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toRecord(e Entry) (record, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	var details string
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return record{}, fmt.Errorf("audit: encode details: %w", err)
		}
		details = string(b)
	}
	return record{
		ID:        e.ID,
		Time:      e.Time.UTC(),
		Type:      string(e.Type),
		Severity:  string(e.Severity),
		AgentID:   e.AgentID,
		RemoteIP:  e.RemoteIP,
		Method:    e.Method,
		RequestID: e.RequestID,
		Message:   truncate(e.Message, 512),
		Details:   details,
	}, nil
}

func (r record) entry() Entry {
	e := Entry{
		ID:        r.ID,
		Time:      r.Time,
		Type:      EventType(r.Type),
		Severity:  Severity(r.Severity),
		AgentID:   r.AgentID,
		RemoteIP:  r.RemoteIP,
		Method:    r.Method,
		RequestID: r.RequestID,
		Message:   r.Message,
	}
	if r.Details != "" {
		_ = json.Unmarshal([]byte(r.Details), &e.Details)
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
