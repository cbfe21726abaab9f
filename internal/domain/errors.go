package domain

import (
	"errors"
	"fmt"
)

// Category класс ошибки. Определяет реакцию транспорта и уровень логирования.
type Category string

const (
	CategoryAuthorization  Category = "authorization"
	CategoryPolicy         Category = "policy_violation"
	CategoryIntegrity      Category = "integrity"
	CategoryInvalidRequest Category = "invalid_request"
	CategoryCollaborator   Category = "collaborator"
)

// (a) Ошибки авторизации
var (
	ErrNotAgentController  = errors.New("caller is not the controller of the agent")
	ErrNotAuthorized       = errors.New("agent is not authorized by the user")
	ErrNotAuthorizedCaller = errors.New("caller is not allowed to manage this policy")
	ErrInvalidExpiry       = errors.New("policy expiry must be zero or in the future")
	ErrAgentHalted         = errors.New("agent is halted by the operator kill switch")
)

// (b) Нарушения политики: по одной ошибке на правило
var (
	ErrCapabilityDenied           = errors.New("capability denied")
	ErrTokenNotAllowed            = errors.New("token not allowed")
	ErrOrderTooSmall              = errors.New("order too small")
	ErrOrderTooLarge              = errors.New("order too large")
	ErrSlippageExceeded           = errors.New("slippage exceeded")
	ErrOutsideTradingHours        = errors.New("outside trading hours")
	ErrTooFrequent                = errors.New("too frequent")
	ErrVolumeLimitExceeded        = errors.New("volume limit exceeded")
	ErrDrawdownLimitExceeded      = errors.New("drawdown limit exceeded")
	ErrReputationTooLow           = errors.New("reputation too low")
	ErrPerformanceTooLow          = errors.New("performance below policy gate")
	ErrConcentrationExceeded      = errors.New("concentration limit exceeded")
	ErrTradeTooLargeVsTVL         = errors.New("trade too large relative to pool tvl")
	ErrExternalComputeUnavailable = errors.New("external compute feed unavailable")
	ErrHealthFactorTooLow         = errors.New("health factor too low")
	ErrAutoBorrowLimitExceeded    = errors.New("auto borrow amount exceeds limit")
	ErrDebtBelowRepayThreshold    = errors.New("debt below auto repay threshold")
	ErrValidationFailed           = errors.New("pre-trade validation failed")
)

// (d) Ошибки целостности: признак ошибки программирования или атаки
var (
	ErrReentrantCall    = errors.New("reentrant call for the same user and agent")
	ErrTemplateNotFound = errors.New("policy template not found or inactive")
)

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidPolicy = errors.New("invalid policy")
)

var codes = map[error]string{
	ErrNotAgentController:         "NOT_AGENT_CONTROLLER",
	ErrNotAuthorized:              "NOT_AUTHORIZED",
	ErrNotAuthorizedCaller:        "NOT_AUTHORIZED_CALLER",
	ErrInvalidExpiry:              "INVALID_EXPIRY",
	ErrAgentHalted:                "AGENT_HALTED",
	ErrCapabilityDenied:           "CAPABILITY_DENIED",
	ErrTokenNotAllowed:            "TOKEN_NOT_ALLOWED",
	ErrOrderTooSmall:              "ORDER_TOO_SMALL",
	ErrOrderTooLarge:              "ORDER_TOO_LARGE",
	ErrSlippageExceeded:           "SLIPPAGE_EXCEEDED",
	ErrOutsideTradingHours:        "OUTSIDE_TRADING_HOURS",
	ErrTooFrequent:                "TOO_FREQUENT",
	ErrVolumeLimitExceeded:        "VOLUME_LIMIT_EXCEEDED",
	ErrDrawdownLimitExceeded:      "DRAWDOWN_LIMIT_EXCEEDED",
	ErrReputationTooLow:           "REPUTATION_TOO_LOW",
	ErrPerformanceTooLow:          "PERFORMANCE_TOO_LOW",
	ErrConcentrationExceeded:      "CONCENTRATION_EXCEEDED",
	ErrTradeTooLargeVsTVL:         "TRADE_TOO_LARGE_VS_TVL",
	ErrExternalComputeUnavailable: "EXTERNAL_COMPUTE_UNAVAILABLE",
	ErrHealthFactorTooLow:         "HEALTH_FACTOR_TOO_LOW",
	ErrAutoBorrowLimitExceeded:    "AUTO_BORROW_LIMIT_EXCEEDED",
	ErrDebtBelowRepayThreshold:    "DEBT_BELOW_REPAY_THRESHOLD",
	ErrValidationFailed:           "VALIDATION_FAILED",
	ErrReentrantCall:              "REENTRANT_CALL",
	ErrTemplateNotFound:           "TEMPLATE_NOT_FOUND",
	ErrInvalidAction:              "INVALID_ACTION",
	ErrInvalidPolicy:              "INVALID_POLICY",
}

var categories = map[Category][]error{
	CategoryAuthorization:  {ErrNotAgentController, ErrNotAuthorized, ErrNotAuthorizedCaller, ErrInvalidExpiry, ErrAgentHalted},
	CategoryIntegrity:      {ErrReentrantCall, ErrTemplateNotFound},
	CategoryInvalidRequest: {ErrInvalidAction, ErrInvalidPolicy},
}

// RuleViolation структурированный отказ правила: какое правило, какая граница, какое значение.
// Агент может по этим данным скорректировать запрос и повторить.
type RuleViolation struct {
	Rule  string `json:"rule"`
	Code  string `json:"code"`
	Bound string `json:"bound,omitempty"`
	Value string `json:"value,omitempty"`
	Err   error  `json:"-"`
}

func NewViolation(rule string, err error, bound, value fmt.Stringer) *RuleViolation {
	v := &RuleViolation{Rule: rule, Code: CodeOf(err), Err: err}
	if bound != nil {
		v.Bound = bound.String()
	}
	if value != nil {
		v.Value = value.String()
	}
	return v
}

func (v *RuleViolation) Error() string {
	if v.Bound == "" && v.Value == "" {
		return fmt.Sprintf("policy violation [%s]: %v", v.Rule, v.Err)
	}
	return fmt.Sprintf("policy violation [%s]: %v (value %s, bound %s)", v.Rule, v.Err, v.Value, v.Bound)
}

func (v *RuleViolation) Unwrap() error {
	return v.Err
}

// CodeOf возвращает машинный код ошибки для транспорта. Неизвестные ошибки считаются ошибками коллаборатора.
func CodeOf(err error) string {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "COLLABORATOR_ERROR"
}

// CategoryOf классифицирует ошибку по таксономии (a)-(d).
func CategoryOf(err error) Category {
	var v *RuleViolation
	if errors.As(err, &v) {
		return CategoryPolicy
	}
	for cat, list := range categories {
		for _, sentinel := range list {
			if errors.Is(err, sentinel) {
				return cat
			}
		}
	}
	return CategoryCollaborator
}
