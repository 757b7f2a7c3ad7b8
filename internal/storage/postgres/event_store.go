// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Table           string
	RunsTable       string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// querier is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// EventStore upserts events into a table keyed by (name, date, source).
type EventStore struct {
	pool  querier
	table string
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, &crawler.FatalError{Reason: "db.dsn is required"}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewEventStore constructs a store over an existing pool.
func NewEventStore(pool querier, table string) (*EventStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "events"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &EventStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *EventStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the events table and its natural-key constraint.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	name        TEXT        NOT NULL,
	date        TIMESTAMPTZ NOT NULL,
	club        TEXT        NOT NULL DEFAULT '',
	ticket_link TEXT        NOT NULL DEFAULT '',
	price_range TEXT        NOT NULL DEFAULT '',
	music_style TEXT[]      NOT NULL DEFAULT '{}',
	lineup      TEXT[]      NOT NULL DEFAULT '{}',
	description TEXT        NOT NULL DEFAULT '',
	source      TEXT        NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT %[1]s_natural_key UNIQUE (name, date, source)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// Upsert inserts the event or refreshes the mutable fields of an existing row.
func (s *EventStore) Upsert(ctx context.Context, event crawler.Event) (crawler.UpsertOutcome, error) {
	key := event.Key()
	query := fmt.Sprintf(`
INSERT INTO %s (name, date, club, ticket_link, price_range, music_style, lineup, description, source)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (name, date, source) DO UPDATE SET
	club = EXCLUDED.club,
	ticket_link = EXCLUDED.ticket_link,
	price_range = EXCLUDED.price_range,
	music_style = EXCLUDED.music_style,
	lineup = EXCLUDED.lineup,
	description = EXCLUDED.description,
	updated_at = now()
RETURNING (xmax = 0) AS inserted`, s.table)

	var inserted bool
	err := s.pool.QueryRow(ctx, query,
		key.Name,
		key.Date,
		event.Club,
		event.TicketLink,
		event.PriceRange,
		nonNil(event.MusicStyle),
		nonNil(event.Lineup),
		event.Description,
		key.Source,
	).Scan(&inserted)
	if err != nil {
		return "", &crawler.PersistenceError{Key: key, Err: err}
	}
	if inserted {
		return crawler.OutcomeInserted, nil
	}
	return crawler.OutcomeUpdated, nil
}

// Find loads the event stored under key.
func (s *EventStore) Find(ctx context.Context, key crawler.EventKey) (crawler.Event, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE name = $1 AND date = $2 AND source = $3`, eventColumns, s.table)
	event, err := scanEvent(s.pool.QueryRow(ctx, query, key.Name, key.Date.UTC(), key.Source))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Event{}, false, nil
	}
	if err != nil {
		return crawler.Event{}, false, fmt.Errorf("find event %s: %w", key, err)
	}
	return event, true, nil
}

// DeleteBySource removes every event from source and returns how many were deleted.
func (s *EventStore) DeleteBySource(ctx context.Context, source string) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE source = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, source)
	if err != nil {
		return 0, fmt.Errorf("delete events for %s: %w", source, err)
	}
	return int(tag.RowsAffected()), nil
}

// ListEvents returns stored events ordered by date.
func (s *EventStore) ListEvents(ctx context.Context, filter crawler.EventFilter) ([]crawler.Event, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		conds = append(conds, fmt.Sprintf("source = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		conds = append(conds, fmt.Sprintf("date >= $%d", len(args)))
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, eventColumns, s.table)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY date, name"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []crawler.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

const eventColumns = "name, date, club, ticket_link, price_range, music_style, lineup, description, source"

func scanEvent(row pgx.Row) (crawler.Event, error) {
	var e crawler.Event
	if err := row.Scan(
		&e.Name,
		&e.Date,
		&e.Club,
		&e.TicketLink,
		&e.PriceRange,
		&e.MusicStyle,
		&e.Lineup,
		&e.Description,
		&e.Source,
	); err != nil {
		return crawler.Event{}, err //nolint:wrapcheck
	}
	e.Date = e.Date.UTC()
	if len(e.MusicStyle) == 0 {
		e.MusicStyle = nil
	}
	if len(e.Lineup) == 0 {
		e.Lineup = nil
	}
	return e, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
