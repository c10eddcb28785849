package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aukern/mixbus"
)

// Schema is the DDL for the channel table. Apply it via Postgres.Migrate
// or manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS mixbus_channels (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL DEFAULT '',
    device      TEXT NOT NULL DEFAULT '',
    sample_rate INTEGER NOT NULL,
    format      TEXT NOT NULL,
    gain        DOUBLE PRECISION NOT NULL DEFAULT 1,
    pan         DOUBLE PRECISION NOT NULL DEFAULT 0,
    muted       BOOLEAN NOT NULL DEFAULT FALSE,
    solo        BOOLEAN NOT NULL DEFAULT FALSE,
    eq_low      DOUBLE PRECISION NOT NULL DEFAULT 0,
    eq_mid      DOUBLE PRECISION NOT NULL DEFAULT 0,
    eq_high     DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database surface Postgres needs. *pgxpool.Pool, *pgx.Conn and
// pgx.Tx all satisfy it, so a caller wanting writes inside a transaction
// can pass the transaction.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres persists the channel set in a PostgreSQL table.
type Postgres struct {
	db DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres returns a store on the given connection, pool or
// transaction. Call Migrate once before use.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pgx pool for the given DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return pool, nil
}

// Migrate creates the channel table if it does not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// LoadChannelConfigs reads and validates the channel set.
func (s *Postgres) LoadChannelConfigs(ctx context.Context) ([]ChannelConfig, error) {
	const query = `
		SELECT id, name, device, sample_rate, format,
		       gain, pan, muted, solo, eq_low, eq_mid, eq_high
		FROM mixbus_channels
		ORDER BY id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	defer rows.Close()

	var configs []ChannelConfig
	for rows.Next() {
		var c ChannelConfig
		var format string
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Device, &c.SampleRate, &format,
			&c.Gain, &c.Pan, &c.Muted, &c.Solo,
			&c.EQ.Low, &c.EQ.Mid, &c.EQ.High,
		); err != nil {
			return nil, fmt.Errorf("store: load scan: %w", err)
		}
		c.Format = Format(format)
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	if err := validateAll(configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// SaveChannelConfig upserts one config, assigning an id when it has none,
// and returns the id.
func (s *Postgres) SaveChannelConfig(ctx context.Context, c ChannelConfig) (string, error) {
	if c.ID == "" {
		c.ID = mixbus.NewID()
	}
	if err := c.Validate(); err != nil {
		return "", err
	}

	const upsert = `
		INSERT INTO mixbus_channels (
			id, name, device, sample_rate, format,
			gain, pan, muted, solo, eq_low, eq_mid, eq_high, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			device = EXCLUDED.device,
			sample_rate = EXCLUDED.sample_rate,
			format = EXCLUDED.format,
			gain = EXCLUDED.gain,
			pan = EXCLUDED.pan,
			muted = EXCLUDED.muted,
			solo = EXCLUDED.solo,
			eq_low = EXCLUDED.eq_low,
			eq_mid = EXCLUDED.eq_mid,
			eq_high = EXCLUDED.eq_high,
			updated_at = now()`

	if _, err := s.db.Exec(ctx, upsert,
		c.ID, c.Name, c.Device, c.SampleRate, string(c.Format),
		c.Gain, c.Pan, c.Muted, c.Solo,
		c.EQ.Low, c.EQ.Mid, c.EQ.High,
	); err != nil {
		return "", fmt.Errorf("store: save %q: %w", c.ID, err)
	}
	return c.ID, nil
}

// DeleteChannelConfig removes one config. Deleting an unknown id is not an
// error.
func (s *Postgres) DeleteChannelConfig(ctx context.Context, id string) error {
	const del = `DELETE FROM mixbus_channels WHERE id = $1`
	if _, err := s.db.Exec(ctx, del, id); err != nil {
		return fmt.Errorf("store: delete %q: %w", id, err)
	}
	return nil
}
