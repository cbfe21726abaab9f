package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

const auditColumns = "id, trace_id, type, caller, user_address, agent_id, action, status, code, rule, reference, payload, error, duration_ms, timestamp"

func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_logs
	const numFields = 15
	var sb strings.Builder
	vals := make([]any, 0, len(events)*numFields)

	// Один INSERT на пачку
	for i, e := range events {
		if i > 0 {
			sb.WriteString(",")
		}
		p := i * numFields
		sb.WriteString("(")
		for j := 1; j <= numFields; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+j)
		}
		sb.WriteString(")")

		var payload []byte
		if e.Payload != nil {
			payload, _ = json.Marshal(e.Payload)
		}
		vals = append(vals,
			e.ID, e.TraceID, string(e.Type), string(e.Caller), string(e.User), string(e.Agent),
			string(e.Action), e.Status, e.Code, e.Rule, e.Reference, payload, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO audit_logs (" + auditColumns + ") VALUES " + sb.String() + " ON CONFLICT (id) DO NOTHING"
	if _, err := r.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// FetchEvents события от новых к старым.
func (r *AuditRepo) FetchEvents(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.User != "" {
		args = append(args, string(f.User.Normalized()))
		where = append(where, fmt.Sprintf("user_address = $%d", len(args)))
	}
	if f.Agent != "" {
		args = append(args, string(f.Agent))
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	args = append(args, f.EffectiveLimit())

	query := "SELECT " + auditColumns + " FROM audit_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch audit: %w", err)
	}
	defer rows.Close()

	out := make([]audit.Event, 0)
	for rows.Next() {
		var (
			e                            audit.Event
			typ, caller, user, agent, ac string
			payload                      []byte
		)
		err := rows.Scan(&e.ID, &e.TraceID, &typ, &caller, &user, &agent, &ac,
			&e.Status, &e.Code, &e.Rule, &e.Reference, &payload, &e.Error, &e.DurationMs, &e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		e.Type = audit.EventType(typ)
		e.Caller = domain.Address(caller)
		e.User = domain.Address(user)
		e.Agent = domain.AgentID(agent)
		e.Action = domain.ActionKind(ac)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
