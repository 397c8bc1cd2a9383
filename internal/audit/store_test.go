package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/macawi-ai/cyreal-sub001/internal/database"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newSQLiteSink(t *testing.T) *GormSink {
	t.Helper()
	pm, err := database.Open(database.Config{
		Driver: "sqlite",
		DSN:    ":memory:",
		Pool:   database.DefaultPoolConfig(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })

	sink := NewGormSink(pm, zap.NewNop())
	require.NoError(t, sink.Migrate(context.Background()))
	return sink
}

func TestGormSink_LogAndQuery(t *testing.T) {
	sink := newSQLiteSink(t)
	ctx := context.Background()

	events := []Entry{
		{Time: epoch, Type: EventAgentRegistered, AgentID: "a1", Message: "registered"},
		{Time: epoch.Add(time.Minute), Type: EventAuthFailure, Severity: SeverityWarning, AgentID: "a1", Message: "expired token",
			Details: map[string]any{"reason": "expired"}},
		{Time: epoch.Add(2 * time.Minute), Type: EventAgentRegistered, AgentID: "a2", Message: "registered"},
	}
	for _, e := range events {
		require.NoError(t, sink.LogEvent(ctx, e))
	}

	all, err := sink.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a2", all[0].AgentID, "newest first")
	assert.NotEmpty(t, all[0].ID)
	assert.Equal(t, SeverityInfo, all[0].Severity)

	byAgent, err := sink.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 2)
	assert.Equal(t, EventAuthFailure, byAgent[0].Type)
	assert.Equal(t, "expired", byAgent[0].Details["reason"])

	byType, err := sink.Query(ctx, Filter{Type: EventAgentRegistered, Limit: 1})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "a2", byType[0].AgentID)

	since, err := sink.Query(ctx, Filter{Since: epoch.Add(90 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestGormSink_Prune(t *testing.T) {
	sink := newSQLiteSink(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.LogEvent(ctx, Entry{
			Time:    epoch.Add(time.Duration(i) * time.Hour),
			Type:    EventRateLimited,
			Message: "limited",
		}))
	}

	n, err := sink.Prune(ctx, epoch.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := sink.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestGormSink_PostgresInsert(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	pm, err := database.NewPoolManager(gormDB, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "audit_events"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	sink := NewGormSink(pm, zap.NewNop())
	require.NoError(t, sink.LogEvent(context.Background(), Entry{
		Time:    epoch,
		Type:    EventAgentRevoked,
		AgentID: "a1",
		Message: "revoked",
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormSink_InsertFailure(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	pm, err := database.NewPoolManager(gormDB, database.PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "audit_events"`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	sink := NewGormSink(pm, zap.NewNop())
	err = sink.LogEvent(context.Background(), Entry{Type: EventAgentRevoked, Message: "revoked"})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestToRecord(t *testing.T) {
	rec, err := toRecord(Entry{Type: EventAuthFailure, Message: strings.Repeat("é", 400)})
	require.NoError(t, err)
	assert.Len(t, rec.ID, 36)
	assert.False(t, rec.Time.IsZero())
	assert.Equal(t, string(SeverityInfo), rec.Severity)
	assert.LessOrEqual(t, len(rec.Message), 512)
	assert.True(t, strings.HasSuffix(rec.Message, "é"))
	assert.Empty(t, rec.Details)
}
