package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/registrationcore/internal/platform/db"
)

// notifyChannel carries "+name" on change and "-name" on delete.
const notifyChannel = "global_property_changed"

type pgBackend struct {
	pool *pgxpool.Pool
}

// NewPGBackend stores properties in the global_property table and announces
// every write on a NOTIFY channel so other nodes can invalidate their caches.
func NewPGBackend(pool *pgxpool.Pool) Backend {
	return &pgBackend{pool: pool}
}

func (b *pgBackend) Load(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := db.Conn(ctx, b.pool).QueryRow(ctx,
		`SELECT property_value FROM global_property WHERE property = $1`, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (b *pgBackend) Save(ctx context.Context, name, value string) error {
	q := db.Conn(ctx, b.pool)
	if _, err := q.Exec(ctx, `
		INSERT INTO global_property (property, property_value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (property) DO UPDATE SET property_value = EXCLUDED.property_value, updated_at = NOW()`,
		name, value); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, "+"+name)
	return err
}

func (b *pgBackend) Remove(ctx context.Context, name string) error {
	q := db.Conn(ctx, b.pool)
	if _, err := q.Exec(ctx, `DELETE FROM global_property WHERE property = $1`, name); err != nil {
		return err
	}
	_, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, "-"+name)
	return err
}

// ListenPG relays property notifications from other nodes into store until
// ctx is cancelled. Local writes are delivered twice; listeners only reset
// caches so repeated delivery is harmless.
func ListenPG(ctx context.Context, pool *pgxpool.Pool, store *Store, logger zerolog.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		name, deleted, ok := parseNotification(n.Payload)
		if !ok {
			logger.Warn().Str("payload", n.Payload).Msg("ignoring malformed property notification")
			continue
		}
		if deleted {
			store.NotifyDeleted(name)
			continue
		}
		value, err := store.Get(ctx, name)
		if err != nil {
			logger.Error().Err(err).Str("property", name).Msg("reload changed property")
			continue
		}
		store.NotifyChanged(name, value)
	}
}

func parseNotification(payload string) (name string, deleted bool, ok bool) {
	if len(payload) < 2 {
		return "", false, false
	}
	switch payload[0] {
	case '+':
		return payload[1:], false, true
	case '-':
		return payload[1:], true, true
	default:
		return "", false, false
	}
}
