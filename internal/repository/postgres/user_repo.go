package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

// GetUserByUsername возвращает nil, nil если пользователя нет.
func (r *UserRepo) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `
		SELECT id, username, address, password_hash, role, scopes, created_at, updated_at
		FROM users WHERE username = $1`

	var (
		u       domain.User
		address string
		scopes  []byte
	)
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&u.ID, &u.Username, &address, &u.PasswordHash, &u.Role, &scopes, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}
	u.Address = domain.Address(address)

	if err := json.Unmarshal(scopes, &u.Scopes); err != nil {
		return nil, fmt.Errorf("postgres: corrupted scopes for %s: %w", username, err)
	}
	return &u, nil
}

func (r *UserRepo) PutUser(ctx context.Context, u domain.User) error {
	scopes, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("postgres: encode scopes: %w", err)
	}
	query := `
		INSERT INTO users (id, username, address, password_hash, role, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (username) DO UPDATE SET
			address = EXCLUDED.address,
			password_hash = EXCLUDED.password_hash,
			role = EXCLUDED.role,
			scopes = EXCLUDED.scopes,
			updated_at = NOW()`

	_, err = r.pool.Exec(ctx, query, u.ID, u.Username, string(u.Address), u.PasswordHash, u.Role, scopes)
	if err != nil {
		return fmt.Errorf("postgres: failed to save user: %w", err)
	}
	return nil
}
