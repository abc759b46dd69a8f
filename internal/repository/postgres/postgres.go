// Package postgres implements the environment registry on PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Yamkia/webnexagent/internal/domain"
	"github.com/Yamkia/webnexagent/internal/repository"
)

// Store persists environment records transactionally. Unlike the file backend
// there is no lost-update window: upserts replace and insert in one
// transaction and ordering comes from an insertion sequence.
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.RegistryStore = (*Store)(nil)

// New constructs a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Upsert replaces any record for (db_name, port) and inserts the new one.
func (s *Store) Upsert(ctx context.Context, record domain.EnvironmentRecord) ([]domain.EnvironmentRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	const del = `DELETE FROM environments WHERE db_name = $1 AND port = $2`
	if _, err := tx.Exec(ctx, del, record.DatabaseName, record.Port); err != nil {
		return nil, fmt.Errorf("replace environment: %w", err)
	}
	const ins = `INSERT INTO environments (db_name, port, odoo_version, url, created_at, kind, service_ref, config_path, modules)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := tx.Exec(ctx, ins,
		record.DatabaseName, record.Port, record.OdooVersion, record.URL, record.CreatedAt,
		string(record.Kind), record.ServiceRef, record.ConfigPath, textArray(record.Modules),
	); err != nil {
		return nil, fmt.Errorf("insert environment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return s.List(ctx)
}

// textArray keeps a NOT NULL text[] bind valid: a nil slice would encode as
// SQL NULL, an empty one as '{}'.
func textArray(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

// List returns records newest insertion first.
func (s *Store) List(ctx context.Context) ([]domain.EnvironmentRecord, error) {
	const query = `SELECT db_name, port, odoo_version, url, created_at, kind, service_ref, config_path, modules
		FROM environments ORDER BY position DESC`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.EnvironmentRecord, 0)
	for rows.Next() {
		var r domain.EnvironmentRecord
		var kind string
		if err := rows.Scan(&r.DatabaseName, &r.Port, &r.OdooVersion, &r.URL, &r.CreatedAt,
			&kind, &r.ServiceRef, &r.ConfigPath, &r.Modules); err != nil {
			return nil, err
		}
		r.Kind = domain.EnvironmentKind(kind)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Remove deletes all records for the database name; unknown names are a no-op.
func (s *Store) Remove(ctx context.Context, databaseName string) error {
	const query = `DELETE FROM environments WHERE db_name = $1`
	_, err := s.pool.Exec(ctx, query, databaseName)
	return err
}
