package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

const schema = `
create table if not exists stations (
	id                     serial primary key,
	identity               text not null unique,
	vendor                 text not null,
	model                  text not null,
	central_system_url     text not null,
	meter_value            bigint not null default 0,
	charge_in_progress     boolean not null default false,
	current_transaction_id integer,
	current_charging_power bigint not null default 0,
	created_at             timestamptz not null default now(),
	updated_at             timestamptz not null default now()
);

create table if not exists station_operations (
	operation_id text primary key,
	station_id   integer not null references stations(id) on delete cascade,
	identity     text not null,
	action       text not null,
	request      jsonb,
	response     jsonb,
	status       text not null,
	error        text,
	created_at   timestamptz not null default now(),
	updated_at   timestamptz not null default now()
);

create index if not exists station_operations_station_idx on station_operations (station_id, created_at desc);
`

// EnsureSchema creates the tables the simulator needs when they are missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	if _, err := d.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (d *DB) Close() {
	if d != nil && d.Pool != nil {
		d.Pool.Close()
	}
}
