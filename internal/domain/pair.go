package domain

import (
	"fmt"
	"strings"
)

// Address идентифицирует пользователя или вызывающую сторону (адрес кошелька, subject токена).
type Address string

// AgentID идентификатор агента в реестре идентичностей.
type AgentID string

// TokenID идентификатор токена (адрес контракта или тикер).
type TokenID string

// PairKey составной ключ отношения (user, agent). Все данные политики и счетчиков адресуются им.
type PairKey struct {
	User  Address `json:"user"`
	Agent AgentID `json:"agent"`
}

func NewPairKey(user Address, agent AgentID) PairKey {
	return PairKey{User: normalizeAddress(user), Agent: agent}
}

// String используется как ключ кэшей и Redis ("user::agent").
func (k PairKey) String() string {
	return string(k.User) + "::" + string(k.Agent)
}

func (k PairKey) Validate() error {
	if k.User == "" {
		return fmt.Errorf("pair key: user is empty")
	}
	if k.Agent == "" {
		return fmt.Errorf("pair key: agent is empty")
	}
	return nil
}

// ParsePairKey разбирает ключ, сформированный String().
func ParsePairKey(s string) (PairKey, error) {
	user, agent, ok := strings.Cut(s, "::")
	if !ok {
		return PairKey{}, fmt.Errorf("invalid pair key %q", s)
	}
	k := NewPairKey(Address(user), AgentID(agent))
	return k, k.Validate()
}

// Адреса сравниваются без учета регистра (EIP-55 checksum не влияет на идентичность).
func normalizeAddress(a Address) Address {
	return Address(strings.ToLower(strings.TrimSpace(string(a))))
}

// Normalized адрес в каноническом виде (нижний регистр, без пробелов).
func (a Address) Normalized() Address {
	return normalizeAddress(a)
}

// SameAddress сравнивает два адреса в нормализованном виде.
func SameAddress(a, b Address) bool {
	return normalizeAddress(a) == normalizeAddress(b)
}

// PairPolicy политика вместе с ключом пары (для списков и хранилищ).
type PairPolicy struct {
	Key    PairKey `json:"key"`
	Policy Policy  `json:"policy"`
}
