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

// CounterRepo счетчики риска пар. Отсутствие строки означает нулевые счетчики.
type CounterRepo struct {
	pool *pgxpool.Pool
}

func NewCounterRepo(pool *pgxpool.Pool) *CounterRepo {
	return &CounterRepo{pool: pool}
}

func (r *CounterRepo) Load(ctx context.Context, key domain.PairKey) (domain.RiskCounters, error) {
	query := `SELECT counters FROM risk_counters WHERE user_address = $1 AND agent_id = $2`

	var raw []byte
	err := r.pool.QueryRow(ctx, query, string(key.User), string(key.Agent)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskCounters{}, nil
		}
		return domain.RiskCounters{}, fmt.Errorf("postgres: failed to load counters: %w", err)
	}

	var c domain.RiskCounters
	if err := json.Unmarshal(raw, &c); err != nil {
		return domain.RiskCounters{}, fmt.Errorf("postgres: corrupted counters %s: %w", key, err)
	}
	return c, nil
}

func (r *CounterRepo) Save(ctx context.Context, key domain.PairKey, c domain.RiskCounters) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("postgres: encode counters: %w", err)
	}
	query := `
		INSERT INTO risk_counters (user_address, agent_id, counters, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_address, agent_id)
		DO UPDATE SET counters = EXCLUDED.counters, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, string(key.User), string(key.Agent), raw); err != nil {
		return fmt.Errorf("postgres: failed to save counters: %w", err)
	}
	return nil
}

// HaltRepo агенты, остановленные kill switch.
type HaltRepo struct {
	pool *pgxpool.Pool
}

func NewHaltRepo(pool *pgxpool.Pool) *HaltRepo {
	return &HaltRepo{pool: pool}
}

func (r *HaltRepo) ListHalted(ctx context.Context) ([]domain.AgentID, error) {
	rows, err := r.pool.Query(ctx, `SELECT agent_id FROM halted_agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list halted agents: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AgentID, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan halted agent: %w", err)
		}
		out = append(out, domain.AgentID(id))
	}
	return out, rows.Err()
}

func (r *HaltRepo) SetHalted(ctx context.Context, agent domain.AgentID, halted bool, reason string) error {
	var err error
	if halted {
		_, err = r.pool.Exec(ctx, `
			INSERT INTO halted_agents (agent_id, reason, halted_at) VALUES ($1, $2, NOW())
			ON CONFLICT (agent_id) DO UPDATE SET reason = EXCLUDED.reason, halted_at = NOW()`,
			string(agent), reason)
	} else {
		_, err = r.pool.Exec(ctx, `DELETE FROM halted_agents WHERE agent_id = $1`, string(agent))
	}
	if err != nil {
		return fmt.Errorf("postgres: failed to update halt state for %s: %w", agent, err)
	}
	return nil
}
