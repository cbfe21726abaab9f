package postgres

/*
Файл policy_repo.go хранит политики пар, шаблоны и список installer-адресов.
Проверка политик идет в памяти Gate (policy.MemoCache), сюда запросы попадают только при промахе кэша.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

type PolicyRepo struct {
	pool *pgxpool.Pool
}

func NewPolicyRepo(pool *pgxpool.Pool) *PolicyRepo {
	return &PolicyRepo{pool: pool}
}

func (r *PolicyRepo) GetPolicy(ctx context.Context, key domain.PairKey) (domain.Policy, bool, error) {
	query := `SELECT policy FROM policies WHERE user_address = $1 AND agent_id = $2`

	var raw []byte
	err := r.pool.QueryRow(ctx, query, string(key.User), string(key.Agent)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Policy{}, false, nil
		}
		return domain.Policy{}, false, fmt.Errorf("postgres: failed to get policy: %w", err)
	}

	var p domain.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Policy{}, false, fmt.Errorf("postgres: corrupted policy %s: %w", key, err)
	}
	return p, true, nil
}

// SavePolicy upsert: одна запись на пару.
func (r *PolicyRepo) SavePolicy(ctx context.Context, key domain.PairKey, p domain.Policy) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: encode policy: %w", err)
	}
	query := `
		INSERT INTO policies (user_address, agent_id, policy, enabled, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_address, agent_id)
		DO UPDATE SET policy = EXCLUDED.policy, enabled = EXCLUDED.enabled, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, string(key.User), string(key.Agent), raw, p.Lifecycle.Enabled); err != nil {
		return fmt.Errorf("postgres: failed to save policy: %w", err)
	}
	return nil
}

func (r *PolicyRepo) ListPolicies(ctx context.Context, user domain.Address) ([]domain.PairPolicy, error) {
	query := `SELECT agent_id, policy FROM policies WHERE user_address = $1 ORDER BY agent_id`

	rows, err := r.pool.Query(ctx, query, string(user))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list policies: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	out := make([]domain.PairPolicy, 0)
	for rows.Next() {
		var (
			agent string
			raw   []byte
		)
		if err := rows.Scan(&agent, &raw); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		var p domain.Policy
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("postgres: corrupted policy %s: %w", agent, err)
		}
		out = append(out, domain.PairPolicy{Key: domain.NewPairKey(user, domain.AgentID(agent)), Policy: p})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}

func (r *PolicyRepo) GetTemplate(ctx context.Context, name string) (domain.PolicyTemplate, bool, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT template FROM policy_templates WHERE name = $1`, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PolicyTemplate{}, false, nil
		}
		return domain.PolicyTemplate{}, false, fmt.Errorf("postgres: failed to get template: %w", err)
	}
	var t domain.PolicyTemplate
	if err := json.Unmarshal(raw, &t); err != nil {
		return domain.PolicyTemplate{}, false, fmt.Errorf("postgres: corrupted template %s: %w", name, err)
	}
	return t, true, nil
}

func (r *PolicyRepo) SaveTemplate(ctx context.Context, t domain.PolicyTemplate) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("postgres: encode template: %w", err)
	}
	query := `
		INSERT INTO policy_templates (name, template, active, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (name)
		DO UPDATE SET template = EXCLUDED.template, active = EXCLUDED.active, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, t.Name, raw, t.Active); err != nil {
		return fmt.Errorf("postgres: failed to save template: %w", err)
	}
	return nil
}

func (r *PolicyRepo) ListTemplates(ctx context.Context) ([]domain.PolicyTemplate, error) {
	rows, err := r.pool.Query(ctx, `SELECT template FROM policy_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list templates: %w", err)
	}
	defer rows.Close()

	out := make([]domain.PolicyTemplate, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan template: %w", err)
		}
		var t domain.PolicyTemplate
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("postgres: corrupted template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PolicyRepo) AddInstaller(ctx context.Context, addr domain.Address) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO installers (address) VALUES ($1) ON CONFLICT DO NOTHING`, string(addr))
	if err != nil {
		return fmt.Errorf("postgres: failed to add installer: %w", err)
	}
	return nil
}

func (r *PolicyRepo) RemoveInstaller(ctx context.Context, addr domain.Address) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM installers WHERE address = $1`, string(addr)); err != nil {
		return fmt.Errorf("postgres: failed to remove installer: %w", err)
	}
	return nil
}

func (r *PolicyRepo) IsInstaller(ctx context.Context, addr domain.Address) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM installers WHERE address = $1)`, string(addr)).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to check installer: %w", err)
	}
	return ok, nil
}

func (r *PolicyRepo) ListInstallers(ctx context.Context) ([]domain.Address, error) {
	rows, err := r.pool.Query(ctx, `SELECT address FROM installers ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list installers: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Address, 0)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan installer: %w", err)
		}
		out = append(out, domain.Address(a))
	}
	return out, rows.Err()
}
