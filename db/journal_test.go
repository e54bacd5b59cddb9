package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakimelghazi/termtrader/internal/engine"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExec struct {
	calls []execCall
	err   error
}

func (f *fakeExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestJournalRecord(t *testing.T) {
	ex := &fakeExec{}
	j := NewJournal(ex, nil)
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return at }

	err := j.Record(engine.Response{
		Origin:     "main",
		Raw:        "  BUY YES 0.65 100",
		Message:    "order placed",
		Success:    true,
		Navigation: "welcome",
		Meta:       map[string]any{engine.TraceIDKey: "t-1"},
		Elapsed:    1500 * time.Microsecond,
	})
	require.NoError(t, err)
	require.Len(t, ex.calls, 1)

	args := ex.calls[0].args
	require.Len(t, args, 13)
	_, isUUID := args[0].(uuid.UUID)
	assert.True(t, isUUID)
	assert.Equal(t, "t-1", args[1])
	assert.Equal(t, "main", args[2])
	assert.Equal(t, "buy", args[3])
	assert.Equal(t, true, args[6])
	assert.Equal(t, "ok", args[7])
	assert.Equal(t, "welcome", *args[8].(*string))
	assert.JSONEq(t, `{"_trace_id":"t-1"}`, string(args[9].([]byte)))
	assert.Nil(t, args[10].(*string))
	assert.Equal(t, 1.5, args[11])
	assert.Equal(t, at, args[12])
}

func TestJournalRecordsFailures(t *testing.T) {
	ex := &fakeExec{}
	j := NewJournal(ex, nil)

	require.NoError(t, j.Record(engine.Response{
		Raw:     "xyz",
		Message: "Unknown command: xyz",
		Err:     engine.ErrUnknownCommand,
	}))

	args := ex.calls[0].args
	assert.Equal(t, "unknown_command", args[7])
	assert.Nil(t, args[8].(*string))
	assert.Equal(t, "{}", string(args[9].([]byte)))
	assert.Equal(t, "unknown command", *args[10].(*string))
}

func TestJournalExecError(t *testing.T) {
	ex := &fakeExec{err: errors.New("connection refused")}
	err := NewJournal(ex, nil).Record(engine.Response{Raw: "status", Success: true})
	assert.ErrorContains(t, err, "journal insert: connection refused")
}

func TestMigrate(t *testing.T) {
	ex := &fakeExec{}
	require.NoError(t, Migrate(context.Background(), ex))
	require.Len(t, ex.calls, 1)
	assert.True(t, strings.Contains(ex.calls[0].sql, "CREATE TABLE IF NOT EXISTS command_journal"))
}

func TestNewPoolNeedsURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := NewPool(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoDatabaseURL)
}
