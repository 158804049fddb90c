package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore resolves API keys against the api_keys table.
type PostgresStore struct {
	db DB
}

var _ Resolver = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Resolve(ctx context.Context, credential string) (Identity, error) {
	keyHash := HashCredential(credential)
	query := `
		SELECT identity_id, tier
		FROM api_keys
		WHERE key_hash = $1 AND active = true
	`

	var id, tierStr string
	err := s.db.QueryRow(ctx, query, keyHash).Scan(&id, &tierStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, ErrUnknownCredential
		}
		return Identity{}, fmt.Errorf("failed to look up api key: %w", err)
	}

	tier, err := ParseTier(tierStr)
	if err != nil {
		return Identity{}, fmt.Errorf("api key %s has invalid tier: %w", keyHash[:8], err)
	}

	return Identity{ID: id, Tier: tier}, nil
}

// Create registers a credential for an identity. The raw key is hashed
// before it reaches the database.
func (s *PostgresStore) Create(ctx context.Context, credential string, ident Identity) error {
	if credential == "" {
		return fmt.Errorf("credential is required")
	}

	query := `
		INSERT INTO api_keys (key_hash, identity_id, tier, active)
		VALUES ($1, $2, $3, true)
	`

	_, err := s.db.Exec(ctx, query, HashCredential(credential), ident.ID, string(ident.Tier))
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, credential string) error {
	query := `UPDATE api_keys SET active = false WHERE key_hash = $1`
	tag, err := s.db.Exec(ctx, query, HashCredential(credential))
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUnknownCredential
	}

	return nil
}
