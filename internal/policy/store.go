package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"go.uber.org/zap"
)

// Repository постоянное хранилище политик, шаблонов и installer-адресов.
// Реализации: repository/memory, repository/postgres, repository/bolt.
type Repository interface {
	GetPolicy(ctx context.Context, key domain.PairKey) (domain.Policy, bool, error)
	SavePolicy(ctx context.Context, key domain.PairKey, p domain.Policy) error
	ListPolicies(ctx context.Context, user domain.Address) ([]domain.PairPolicy, error)

	GetTemplate(ctx context.Context, name string) (domain.PolicyTemplate, bool, error)
	SaveTemplate(ctx context.Context, t domain.PolicyTemplate) error
	ListTemplates(ctx context.Context) ([]domain.PolicyTemplate, error)

	AddInstaller(ctx context.Context, addr domain.Address) error
	RemoveInstaller(ctx context.Context, addr domain.Address) error
	IsInstaller(ctx context.Context, addr domain.Address) (bool, error)
	ListInstallers(ctx context.Context) ([]domain.Address, error)
}

type Options struct {
	// Admin адрес, которому разрешено управлять шаблонами и списком installer-ов.
	Admin domain.Address
	Now   func() time.Time
}

// Store Policy Store & Templates: единственный владелец записей политик.
// Коллабораторов не вызывает.
type Store struct {
	repo    Repository
	auditor audit.Auditor
	cache   *MemoCache
	admin   domain.Address
	now     func() time.Time
	logger  *zap.Logger
}

func NewStore(repo Repository, auditor audit.Auditor, cache *MemoCache, opts Options, logger *zap.Logger) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cache == nil {
		cache = NewMemoCache(0, nil, opts.Now, logger)
	}
	return &Store{
		repo:    repo,
		auditor: auditor,
		cache:   cache,
		admin:   opts.Admin.Normalized(),
		now:     opts.Now,
		logger:  logger.Named("policy"),
	}
}

// canManage: политику пары меняет сам пользователь или зарегистрированный installer.
func (s *Store) canManage(ctx context.Context, caller, user domain.Address) error {
	if caller != "" && domain.SameAddress(caller, user) {
		return nil
	}
	ok, err := s.repo.IsInstaller(ctx, caller.Normalized())
	if err != nil {
		return fmt.Errorf("check installer %s: %w", caller, err)
	}
	if !ok {
		return domain.ErrNotAuthorizedCaller
	}
	return nil
}

func (s *Store) requireAdmin(caller domain.Address) error {
	if s.admin == "" || !domain.SameAddress(caller, s.admin) {
		return domain.ErrNotAuthorizedCaller
	}
	return nil
}

func pairKey(user domain.Address, agent domain.AgentID) (domain.PairKey, error) {
	key := domain.NewPairKey(user, agent)
	if err := key.Validate(); err != nil {
		return domain.PairKey{}, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	return key, nil
}

func (s *Store) emit(e audit.Event) {
	if s.auditor == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.auditor.Log(e)
}

// Install сохраняет политику как есть: Enabled=true, InstalledAt=now. Предыдущая запись перезаписывается.
func (s *Store) Install(ctx context.Context, caller, user domain.Address, agent domain.AgentID, p domain.Policy) (domain.Policy, error) {
	key, err := pairKey(user, agent)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := s.canManage(ctx, caller, key.User); err != nil {
		return domain.Policy{}, err
	}
	return s.install(ctx, caller, key, p, nil)
}

// InstallFromTemplate применяет шаблон с пополевыми JSON-переопределениями.
func (s *Store) InstallFromTemplate(ctx context.Context, caller, user domain.Address, agent domain.AgentID, name string, overrides json.RawMessage) (domain.Policy, error) {
	key, err := pairKey(user, agent)
	if err != nil {
		return domain.Policy{}, err
	}
	if err := s.canManage(ctx, caller, key.User); err != nil {
		return domain.Policy{}, err
	}

	t, found, err := s.repo.GetTemplate(ctx, name)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("load template %s: %w", name, err)
	}
	if !found || !t.Active {
		return domain.Policy{}, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}

	p, err := domain.ApplyOverrides(t.Policy, overrides)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	return s.install(ctx, caller, key, p, map[string]any{"template": name})
}

func (s *Store) install(ctx context.Context, caller domain.Address, key domain.PairKey, p domain.Policy, payload map[string]any) (domain.Policy, error) {
	if err := p.Validate(); err != nil {
		return domain.Policy{}, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	p.Lifecycle.Enabled = true
	p.Lifecycle.InstalledAt = s.now().UTC()

	if err := s.repo.SavePolicy(ctx, key, p); err != nil {
		return domain.Policy{}, fmt.Errorf("save policy %s: %w", key, err)
	}
	s.cache.Invalidate(ctx, key)

	s.logger.Info("policy installed",
		zap.String("user", string(key.User)),
		zap.String("agent", string(key.Agent)),
		zap.String("caller", string(caller)),
	)
	s.emit(audit.Event{
		Type:    audit.EventPolicyInstalled,
		Caller:  caller,
		User:    key.User,
		Agent:   key.Agent,
		Payload: payload,
	})
	return p, nil
}

// Uninstall выключает политику. Запись не удаляется, повторный вызов ничего не меняет.
func (s *Store) Uninstall(ctx context.Context, caller, user domain.Address, agent domain.AgentID) error {
	key, err := pairKey(user, agent)
	if err != nil {
		return err
	}
	if err := s.canManage(ctx, caller, key.User); err != nil {
		return err
	}

	p, found, err := s.repo.GetPolicy(ctx, key)
	if err != nil {
		return fmt.Errorf("load policy %s: %w", key, err)
	}
	if !found || !p.Lifecycle.Enabled {
		return nil
	}

	p.Lifecycle.Enabled = false
	if err := s.repo.SavePolicy(ctx, key, p); err != nil {
		return fmt.Errorf("save policy %s: %w", key, err)
	}
	s.cache.Invalidate(ctx, key)

	s.logger.Info("policy uninstalled",
		zap.String("user", string(key.User)),
		zap.String("agent", string(key.Agent)),
		zap.String("caller", string(caller)),
	)
	s.emit(audit.Event{
		Type:   audit.EventPolicyUninstalled,
		Caller: caller,
		User:   key.User,
		Agent:  key.Agent,
	})
	return nil
}

// Find возвращает политику и признак существования записи (через L1 кэш).
func (s *Store) Find(ctx context.Context, user domain.Address, agent domain.AgentID) (domain.Policy, bool, error) {
	key := domain.NewPairKey(user, agent)
	if p, found, ok := s.cache.get(key); ok {
		return p, found, nil
	}
	gen := s.cache.generation()
	p, found, err := s.repo.GetPolicy(ctx, key)
	if err != nil {
		return domain.Policy{}, false, fmt.Errorf("load policy %s: %w", key, err)
	}
	s.cache.put(key, p, found, gen)
	return p, found, nil
}

// Get возвращает политику пары. Для неизвестной пары нулевая политика (Enabled=false).
func (s *Store) Get(ctx context.Context, user domain.Address, agent domain.AgentID) (domain.Policy, error) {
	p, _, err := s.Find(ctx, user, agent)
	return p, err
}

func (s *Store) List(ctx context.Context, user domain.Address) ([]domain.PairPolicy, error) {
	return s.repo.ListPolicies(ctx, user.Normalized())
}

// PutTemplate создает или заменяет шаблон. Только admin.
func (s *Store) PutTemplate(ctx context.Context, caller domain.Address, t domain.PolicyTemplate) (domain.PolicyTemplate, error) {
	if err := s.requireAdmin(caller); err != nil {
		return domain.PolicyTemplate{}, err
	}
	if err := t.Validate(); err != nil {
		return domain.PolicyTemplate{}, fmt.Errorf("%w: %v", domain.ErrInvalidPolicy, err)
	}
	t.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveTemplate(ctx, t); err != nil {
		return domain.PolicyTemplate{}, fmt.Errorf("save template %s: %w", t.Name, err)
	}
	s.emit(audit.Event{
		Type:    audit.EventTemplateUpdated,
		Caller:  caller,
		Payload: map[string]any{"template": t.Name, "active": t.Active},
	})
	return t, nil
}

func (s *Store) SetTemplateActive(ctx context.Context, caller domain.Address, name string, active bool) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	t, found, err := s.repo.GetTemplate(ctx, name)
	if err != nil {
		return fmt.Errorf("load template %s: %w", name, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}
	if t.Active == active {
		return nil
	}
	t.Active = active
	t.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveTemplate(ctx, t); err != nil {
		return fmt.Errorf("save template %s: %w", name, err)
	}
	s.emit(audit.Event{
		Type:    audit.EventTemplateUpdated,
		Caller:  caller,
		Payload: map[string]any{"template": name, "active": active},
	})
	return nil
}

// Template возвращает шаблон, в том числе неактивный.
func (s *Store) Template(ctx context.Context, name string) (domain.PolicyTemplate, error) {
	t, found, err := s.repo.GetTemplate(ctx, name)
	if err != nil {
		return domain.PolicyTemplate{}, fmt.Errorf("load template %s: %w", name, err)
	}
	if !found {
		return domain.PolicyTemplate{}, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, name)
	}
	return t, nil
}

func (s *Store) Templates(ctx context.Context) ([]domain.PolicyTemplate, error) {
	return s.repo.ListTemplates(ctx)
}

func (s *Store) AddInstaller(ctx context.Context, caller, installer domain.Address) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if installer.Normalized() == "" {
		return fmt.Errorf("%w: installer address is empty", domain.ErrInvalidPolicy)
	}
	if err := s.repo.AddInstaller(ctx, installer.Normalized()); err != nil {
		return fmt.Errorf("add installer %s: %w", installer, err)
	}
	s.emit(audit.Event{
		Type:    audit.EventInstallerAdded,
		Caller:  caller,
		Payload: map[string]any{"installer": string(installer.Normalized())},
	})
	return nil
}

func (s *Store) RemoveInstaller(ctx context.Context, caller, installer domain.Address) error {
	if err := s.requireAdmin(caller); err != nil {
		return err
	}
	if err := s.repo.RemoveInstaller(ctx, installer.Normalized()); err != nil {
		return fmt.Errorf("remove installer %s: %w", installer, err)
	}
	s.emit(audit.Event{
		Type:    audit.EventInstallerRemoved,
		Caller:  caller,
		Payload: map[string]any{"installer": string(installer.Normalized())},
	})
	return nil
}

func (s *Store) IsInstaller(ctx context.Context, addr domain.Address) (bool, error) {
	return s.repo.IsInstaller(ctx, addr.Normalized())
}

func (s *Store) Installers(ctx context.Context) ([]domain.Address, error) {
	return s.repo.ListInstallers(ctx)
}
