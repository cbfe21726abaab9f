// Package memory хранилища для однопроцессного режима (storage.driver=memory) и тестов.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
)

// PolicyRepo политики, шаблоны и список installer-адресов.
type PolicyRepo struct {
	mu         sync.RWMutex
	policies   map[domain.PairKey]domain.Policy
	templates  map[string]domain.PolicyTemplate
	installers map[domain.Address]struct{}
}

func NewPolicyRepo() *PolicyRepo {
	return &PolicyRepo{
		policies:   make(map[domain.PairKey]domain.Policy),
		templates:  make(map[string]domain.PolicyTemplate),
		installers: make(map[domain.Address]struct{}),
	}
}

func (r *PolicyRepo) GetPolicy(_ context.Context, key domain.PairKey) (domain.Policy, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[key]
	return p, ok, nil
}

func (r *PolicyRepo) SavePolicy(_ context.Context, key domain.PairKey, p domain.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[key] = p
	return nil
}

func (r *PolicyRepo) ListPolicies(_ context.Context, user domain.Address) ([]domain.PairPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PairPolicy
	for k, p := range r.policies {
		if domain.SameAddress(k.User, user) {
			out = append(out, domain.PairPolicy{Key: k, Policy: p})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Agent < out[j].Key.Agent })
	return out, nil
}

func (r *PolicyRepo) GetTemplate(_ context.Context, name string) (domain.PolicyTemplate, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	return t, ok, nil
}

func (r *PolicyRepo) SaveTemplate(_ context.Context, t domain.PolicyTemplate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
	return nil
}

func (r *PolicyRepo) ListTemplates(_ context.Context) ([]domain.PolicyTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PolicyTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *PolicyRepo) AddInstaller(_ context.Context, addr domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installers[addr] = struct{}{}
	return nil
}

func (r *PolicyRepo) RemoveInstaller(_ context.Context, addr domain.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.installers, addr)
	return nil
}

func (r *PolicyRepo) IsInstaller(_ context.Context, addr domain.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.installers[addr]
	return ok, nil
}

func (r *PolicyRepo) ListInstallers(_ context.Context) ([]domain.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Address, 0, len(r.installers))
	for a := range r.installers {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// CounterRepo счетчики риска в памяти.
type CounterRepo struct {
	mu       sync.RWMutex
	counters map[domain.PairKey]domain.RiskCounters
	failSave error
}

func NewCounterRepo() *CounterRepo {
	return &CounterRepo{counters: make(map[domain.PairKey]domain.RiskCounters)}
}

func (r *CounterRepo) Load(_ context.Context, key domain.PairKey) (domain.RiskCounters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key], nil
}

func (r *CounterRepo) Save(_ context.Context, key domain.PairKey, c domain.RiskCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	r.counters[key] = c
	return nil
}

// FailSave имитирует отказ хранилища на запись. nil снимает отказ.
func (r *CounterRepo) FailSave(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSave = err
}

// UserRepo пользователи Console API.
type UserRepo struct {
	mu    sync.RWMutex
	users map[string]domain.User
}

func NewUserRepo() *UserRepo {
	return &UserRepo{users: make(map[string]domain.User)}
}

func (r *UserRepo) PutUser(_ context.Context, u domain.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.Username] = u
	return nil
}

func (r *UserRepo) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// HaltRepo остановленные оператором агенты.
type HaltRepo struct {
	mu     sync.RWMutex
	halted map[domain.AgentID]string
}

func NewHaltRepo() *HaltRepo {
	return &HaltRepo{halted: make(map[domain.AgentID]string)}
}

func (r *HaltRepo) ListHalted(_ context.Context) ([]domain.AgentID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AgentID, 0, len(r.halted))
	for a := range r.halted {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *HaltRepo) SetHalted(_ context.Context, agent domain.AgentID, halted bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if halted {
		r.halted[agent] = reason
	} else {
		delete(r.halted, agent)
	}
	return nil
}
