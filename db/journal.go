package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/hakimelghazi/termtrader/internal/engine"
)

//go:embed schema.sql
var schema string

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the journal table if it is missing.
func Migrate(ctx context.Context, ex Execer) error {
	if _, err := ex.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const insertJournal = `
INSERT INTO command_journal
    (id, trace_id, origin, verb, raw, message, success, outcome, navigation, meta, error, elapsed_ms, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

// Journal writes one row per command response, an audit of what was asked
// and answered. It is not a trade history.
type Journal struct {
	ex      Execer
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewJournal(ex Execer, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{ex: ex, timeout: 5 * time.Second, logger: logger, now: time.Now}
}

// Record has the engine.Subscriber shape.
func (j *Journal) Record(resp engine.Response) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	meta, err := json.Marshal(resp.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	if resp.Meta == nil {
		meta = []byte("{}")
	}

	var errText, nav *string
	if resp.Err != nil {
		s := resp.Err.Error()
		errText = &s
	}
	if resp.Navigation != "" {
		nav = &resp.Navigation
	}

	_, err = j.ex.Exec(ctx, insertJournal,
		uuid.New(),
		resp.TraceID(),
		resp.Origin,
		verbOf(resp.Raw),
		resp.Raw,
		resp.Message,
		resp.Success,
		resp.Outcome(),
		nav,
		meta,
		errText,
		float64(resp.Elapsed)/float64(time.Millisecond),
		j.now().UTC(),
	)
	if err != nil {
		j.logger.Warn("journal insert failed", zap.String("trace_id", resp.TraceID()), zap.Error(err))
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

func verbOf(raw string) string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[0])
}
