package audit

import (
	"time"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// EventType вид записи журнала.
type EventType string

const (
	EventPolicyInstalled   EventType = "POLICY_INSTALLED"
	EventPolicyUninstalled EventType = "POLICY_UNINSTALLED"
	EventTemplateUpdated   EventType = "TEMPLATE_UPDATED"
	EventInstallerAdded    EventType = "INSTALLER_ADDED"
	EventInstallerRemoved  EventType = "INSTALLER_REMOVED"
	EventExecution         EventType = "EXECUTION"
	EventAgentHalted       EventType = "AGENT_HALTED"
	EventAgentResumed      EventType = "AGENT_RESUMED"

	// Счетчики пары остались с резервом неудавшегося исполнения
	EventCounterRollbackFailed EventType = "COUNTER_ROLLBACK_FAILED"
)

// Статусы исполнения
const (
	StatusSuccess = "SUCCESS"
	StatusDenied  = "DENIED"  // отказ правила или авторизации
	StatusFailed  = "FAILED"  // ошибка коллаборатора
	StatusBlocked = "BLOCKED" // ошибка целостности (reentrancy)
	StatusPreview = "PREVIEW"
)

type Event struct {
	ID      string         `json:"id"`       // UUID события
	TraceID string         `json:"trace_id"` // Сквозной ID запроса
	Type    EventType      `json:"type"`
	Caller  domain.Address `json:"caller,omitempty"`
	User    domain.Address `json:"user,omitempty"`
	Agent   domain.AgentID `json:"agent,omitempty"`

	// Для EXECUTION
	Action    domain.ActionKind `json:"action,omitempty"`
	Status    string            `json:"status,omitempty"`
	Code      string            `json:"code,omitempty"`
	Rule      string            `json:"rule,omitempty"`
	Reference string            `json:"reference,omitempty"`

	Payload    map[string]any `json:"payload,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Filter выборка журнала. Пустые поля не фильтруют.
type Filter struct {
	User  domain.Address
	Agent domain.AgentID
	Type  EventType
	Limit int
}

const DefaultFetchLimit = 100

func (f Filter) Matches(e Event) bool {
	if f.User != "" && !domain.SameAddress(f.User, e.User) {
		return false
	}
	if f.Agent != "" && f.Agent != e.Agent {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	return true
}

func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return DefaultFetchLimit
	}
	return f.Limit
}
