// Package pg implements the store interfaces on Postgres via pgx.
//
// The no-overlap booking invariant lives here as a btree_gist exclusion
// constraint (see migrations/0001_init.up.sql); the appointment store maps
// constraint violations to typed sentinel errors so callers never parse
// SQLSTATE themselves.
package pg

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlolabs/parlo/internal/store"
)

const (
	codeUniqueViolation    = "23505"
	codeExclusionViolation = "23P01"
)

// Open creates a pgx pool and verifies connectivity.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// New builds the full store container on one pool.
func New(pool *pgxpool.Pool) *store.Stores {
	return &store.Stores{
		Orgs:          &OrganizationStore{pool: pool},
		Staff:         &StaffStore{pool: pool},
		Customers:     &CustomerStore{pool: pool},
		Services:      &ServiceStore{pool: pool},
		Availability:  &AvailabilityStore{pool: pool},
		Appointments:  &AppointmentStore{pool: pool},
		Conversations: &ConversationStore{pool: pool},
		Messages:      &MessageStore{pool: pool},
		Dedup:         &DedupStore{pool: pool},
		Flows:         &FlowStore{pool: pool},
		Handoffs:      &HandoffStore{pool: pool},
	}
}

func isPgErr(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func pgErrConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

// prefixColumns qualifies a comma-separated column list with a table alias,
// for queries that join against another table.
func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}
