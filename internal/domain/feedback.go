package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FeedbackKind тип исхода, о котором Gate сообщает в реестр репутации.
type FeedbackKind string

const (
	FeedbackTrade           FeedbackKind = "trade"
	FeedbackBorrow          FeedbackKind = "borrow"
	FeedbackRepay           FeedbackKind = "repay"
	FeedbackDrawdownAvoided FeedbackKind = "drawdown-avoided"
	FeedbackPolicyViolation FeedbackKind = "policy-violation"
	FeedbackCircuitBreaker  FeedbackKind = "circuit-breaker"
)

// Feedback одно сообщение об исходе действия агента.
type Feedback struct {
	Agent     AgentID         `json:"agent"`
	User      Address         `json:"user"`
	Kind      FeedbackKind    `json:"kind"`
	Action    ActionKind      `json:"action"`
	Amount    decimal.Decimal `json:"amount"`
	Rule      string          `json:"rule,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// FeedbackFor выбирает тип положительного исхода по виду действия.
func FeedbackFor(kind ActionKind) FeedbackKind {
	switch kind {
	case ActionBorrow, ActionAutoBorrow:
		return FeedbackBorrow
	case ActionRepay, ActionAutoRepay:
		return FeedbackRepay
	default:
		return FeedbackTrade
	}
}
