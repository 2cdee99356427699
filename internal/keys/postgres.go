package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kenneth/secure-image-vault/internal/database"
)

const uniqueViolation = "23505"

// PostgresStore keeps key versions in the key_material table.
type PostgresStore struct {
	db database.DBTX
}

// NewPostgresStore constructs a store bound to db.
func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, km *KeyMaterial) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO key_material (key_id, name, version, wrapped_key, created_at, rotation_deadline)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, km.KeyID, km.Name, km.Version, km.WrappedKey, km.CreatedAt.UTC(), km.RotationDeadline.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrVersionExists
		}
		return fmt.Errorf("insert key material: %w", err)
	}
	return nil
}

const selectKeyMaterial = `SELECT key_id, name, version, wrapped_key, created_at, rotation_deadline FROM key_material`

func (s *PostgresStore) Latest(ctx context.Context, name string) (*KeyMaterial, error) {
	row := s.db.QueryRow(ctx, selectKeyMaterial+` WHERE name=$1 ORDER BY version DESC LIMIT 1`, name)
	return scanKeyMaterial(row)
}

func (s *PostgresStore) Version(ctx context.Context, name string, version int) (*KeyMaterial, error) {
	row := s.db.QueryRow(ctx, selectKeyMaterial+` WHERE name=$1 AND version=$2`, name, version)
	return scanKeyMaterial(row)
}

func (s *PostgresStore) Versions(ctx context.Context, name string) ([]*KeyMaterial, error) {
	rows, err := s.db.Query(ctx, selectKeyMaterial+` WHERE name=$1 ORDER BY version ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("select key versions: %w", err)
	}
	defer rows.Close()

	var out []*KeyMaterial
	for rows.Next() {
		km, err := scanKeyMaterial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, km)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key versions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecordRotation(ctx context.Context, at time.Time) error {
	if _, err := s.db.Exec(ctx, `INSERT INTO key_rotations (rotated_at) VALUES ($1)`, at.UTC()); err != nil {
		return fmt.Errorf("insert rotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastRotation(ctx context.Context) (time.Time, error) {
	var last *time.Time
	if err := s.db.QueryRow(ctx, `SELECT MAX(rotated_at) FROM key_rotations`).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("select last rotation: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

func scanKeyMaterial(row pgx.Row) (*KeyMaterial, error) {
	var km KeyMaterial
	if err := row.Scan(&km.KeyID, &km.Name, &km.Version, &km.WrappedKey, &km.CreatedAt, &km.RotationDeadline); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("scan key material: %w", err)
	}
	return &km, nil
}
