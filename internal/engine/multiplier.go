package engine

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Multiplier масштабирует границы политики (max size, daily/weekly volume) по скору репутации агента.
// Нулевая граница означает "без ограничения" и не масштабируется.
type Multiplier interface {
	Scale(bound decimal.Decimal, score uint64) decimal.Decimal
}

// Multiplicative: bound * (1 + score/divisor).
type Multiplicative struct {
	Divisor decimal.Decimal
}

func (m Multiplicative) Scale(bound decimal.Decimal, score uint64) decimal.Decimal {
	if !bound.IsPositive() || !m.Divisor.IsPositive() {
		return bound
	}
	factor := decimal.NewFromInt(1).Add(scoreDecimal(score).Div(m.Divisor))
	return bound.Mul(factor)
}

// Additive: bound + score * unit.
type Additive struct {
	Unit decimal.Decimal
}

func (m Additive) Scale(bound decimal.Decimal, score uint64) decimal.Decimal {
	if !bound.IsPositive() {
		return bound
	}
	return bound.Add(scoreDecimal(score).Mul(m.Unit))
}

// NewMultiplier собирает стратегию из конфигурации (engine.reputation_multiplier).
func NewMultiplier(kind string, divisor int64, unit string) (Multiplier, error) {
	switch kind {
	case "", "multiplicative":
		if divisor <= 0 {
			return nil, fmt.Errorf("reputation divisor must be positive, got %d", divisor)
		}
		return Multiplicative{Divisor: decimal.NewFromInt(divisor)}, nil
	case "additive":
		u, err := decimal.NewFromString(unit)
		if err != nil {
			return nil, fmt.Errorf("invalid reputation unit %q: %w", unit, err)
		}
		if u.IsNegative() {
			return nil, fmt.Errorf("reputation unit must be non-negative")
		}
		return Additive{Unit: u}, nil
	}
	return nil, fmt.Errorf("unknown reputation multiplier %q", kind)
}

func scoreDecimal(score uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(score), 0)
}
