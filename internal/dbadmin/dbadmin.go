// Package dbadmin creates and drops environment databases on a PostgreSQL
// cluster reached through an administrative connection.
package dbadmin

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)

// Admin wraps the administrative pool.
type Admin struct {
	pool          *pgxpool.Pool
	owner         string
	readyAttempts int
	readyInterval time.Duration
}

// New constructs an Admin. owner becomes the OWNER of created databases.
func New(pool *pgxpool.Pool, owner string, readyAttempts int, readyInterval time.Duration) *Admin {
	if readyAttempts <= 0 {
		readyAttempts = 10
	}
	if readyInterval <= 0 {
		readyInterval = 2 * time.Second
	}
	return &Admin{pool: pool, owner: owner, readyAttempts: readyAttempts, readyInterval: readyInterval}
}

// WaitReady pings the cluster with a bounded retry window. There is no
// overall deadline beyond attempts x interval.
func (a *Admin) WaitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < a.readyAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = a.pool.Ping(pingCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.readyInterval):
		}
	}
	return fmt.Errorf("database not reachable after %d attempts: %w", a.readyAttempts, lastErr)
}

// Exists reports whether a database with the given name exists.
func (a *Admin) Exists(ctx context.Context, name string) (bool, error) {
	const query = `SELECT COUNT(1) FROM pg_database WHERE datname = $1`
	var count int
	if err := a.pool.QueryRow(ctx, query, name).Scan(&count); err != nil {
		return false, fmt.Errorf("query pg_database: %w", err)
	}
	return count > 0, nil
}

// Create creates the database. CREATE DATABASE cannot be parameterized, so the
// name is validated against a strict identifier pattern first.
func (a *Admin) Create(ctx context.Context, name string) error {
	if err := validateIdent(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`CREATE DATABASE %q`, name)
	if a.owner != "" {
		if err := validateIdent(a.owner); err != nil {
			return err
		}
		stmt = fmt.Sprintf(`CREATE DATABASE %q OWNER %q`, name, a.owner)
	}
	if _, err := a.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// Drop removes the database, disconnecting active sessions first. Dropping a
// nonexistent database is a no-op.
func (a *Admin) Drop(ctx context.Context, name string) error {
	if err := validateIdent(name); err != nil {
		return err
	}
	exists, err := a.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	const terminate = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()`
	if _, err := a.pool.Exec(ctx, terminate, name); err != nil {
		return fmt.Errorf("terminate sessions for %s: %w", name, err)
	}
	if _, err := a.pool.Exec(ctx, fmt.Sprintf(`DROP DATABASE %q`, name)); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

func validateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid database identifier: %q", name)
	}
	return nil
}
