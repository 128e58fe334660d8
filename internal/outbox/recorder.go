package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/geodispatch/internal/dispatch/domain"
	pkgoutbox "github.com/example/geodispatch/pkg/outbox"
)

// Schema creates the outbox table used by Recorder and Worker.
const Schema = `CREATE TABLE IF NOT EXISTS outbox (
id BIGSERIAL PRIMARY KEY,
event_id TEXT NOT NULL UNIQUE,
topic TEXT NOT NULL,
payload BYTEA NOT NULL,
published BOOLEAN NOT NULL DEFAULT FALSE,
created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder stores lifecycle events in the outbox table so the Worker can
// relay them after a broker outage.
type Recorder struct {
	db     *sql.DB
	prefix string
}

// NewRecorder constructs a Recorder writing topics under prefix.
func NewRecorder(db *sql.DB, prefix string) *Recorder {
	return &Recorder{db: db, prefix: prefix}
}

// Publish satisfies domain.EventPublisher.
func (r *Recorder) Publish(ctx context.Context, event domain.Event) error {
	return r.record(ctx, r.db, event)
}

// PublishTx records the event inside the caller's transaction.
func (r *Recorder) PublishTx(ctx context.Context, tx *sql.Tx, event domain.Event) error {
	return r.record(ctx, tx, event)
}

func (r *Recorder) record(ctx context.Context, db execer, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO outbox (event_id, topic, payload) VALUES ($1, $2, $3) ON CONFLICT (event_id) DO NOTHING`,
		event.ID, pkgoutbox.Subject(r.prefix, event.Type), payload)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
