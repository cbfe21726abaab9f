package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"github.com/xela07ax/agent-delegation-gate/internal/repository/memory"
	"go.uber.org/zap"
)

const (
	alice    domain.Address = "0xAlice"
	mallory  domain.Address = "0xMallory"
	admin    domain.Address = "0xAdmin"
	platform domain.Address = "0xPlatform"
	bot      domain.AgentID = "agent-1"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Log(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *memory.PolicyRepo, *recorder, *clock) {
	t.Helper()
	repo := memory.NewPolicyRepo()
	rec := &recorder{}
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	cache := NewMemoCache(time.Minute, nil, clk.now, zap.NewNop())
	s := NewStore(repo, rec, cache, Options{Admin: admin, Now: clk.now}, zap.NewNop())
	return s, repo, rec, clk
}

func conservative() domain.PolicyTemplate {
	return domain.PolicyTemplate{
		Name:   "conservative",
		Active: true,
		Policy: domain.Policy{
			Size: domain.SizeBounds{
				MinOrderSize: decimal.NewFromInt(100),
				MaxOrderSize: decimal.NewFromInt(1000),
			},
			Capabilities: domain.CapabilityFlags{AllowMarketOrders: true, AllowBuy: true, AllowSell: true},
			Volume:       domain.VolumeBounds{DailyVolumeLimit: decimal.NewFromInt(5000)},
		},
	}
}

func TestStore_InstallByUser(t *testing.T) {
	s, _, rec, clk := newTestStore(t)
	ctx := context.Background()

	p, err := s.Install(ctx, alice, alice, bot, conservative().Policy)
	require.NoError(t, err)
	assert.True(t, p.Lifecycle.Enabled)
	assert.Equal(t, clk.t, p.Lifecycle.InstalledAt)

	got, err := s.Get(ctx, "0xalice", bot)
	require.NoError(t, err)
	assert.True(t, got.IsActive(clk.t))
	assert.True(t, got.Size.MaxOrderSize.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, []audit.EventType{audit.EventPolicyInstalled}, rec.types())
}

func TestStore_InstallRejectsStranger(t *testing.T) {
	s, _, rec, _ := newTestStore(t)

	_, err := s.Install(context.Background(), mallory, alice, bot, conservative().Policy)
	assert.ErrorIs(t, err, domain.ErrNotAuthorizedCaller)
	assert.Empty(t, rec.types())
}

func TestStore_InstallRejectsInvalidPolicy(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	p := conservative().Policy
	p.Size.MinOrderSize = decimal.NewFromInt(5000)

	_, err := s.Install(context.Background(), alice, alice, bot, p)
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)
}

func TestStore_TemplateRoundTrip(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutTemplate(ctx, admin, conservative())
	require.NoError(t, err)
	require.NoError(t, s.AddInstaller(ctx, admin, platform))

	overrides := json.RawMessage(`{"size":{"max_order_size":"2500"},"frequency":{"max_trades_per_day":10}}`)
	p, err := s.InstallFromTemplate(ctx, platform, alice, bot, "conservative", overrides)
	require.NoError(t, err)

	got, err := s.Get(ctx, alice, bot)
	require.NoError(t, err)
	assert.True(t, got.Lifecycle.Enabled)
	assert.True(t, got.Size.MaxOrderSize.Equal(decimal.NewFromInt(2500)))
	assert.True(t, got.Size.MinOrderSize.Equal(decimal.NewFromInt(100)), "template defaults survive overrides")
	assert.True(t, got.Volume.DailyVolumeLimit.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, uint32(10), got.Frequency.MaxTradesPerDay)
	assert.True(t, got.Capabilities.AllowMarketOrders)
	assert.Equal(t, p.Lifecycle.InstalledAt, got.Lifecycle.InstalledAt)

	tpl, err := s.Template(ctx, "conservative")
	require.NoError(t, err)
	assert.True(t, tpl.Policy.Size.MaxOrderSize.Equal(decimal.NewFromInt(1000)), "template is not modified by install")
}

func TestStore_InstallFromTemplateErrors(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.InstallFromTemplate(ctx, alice, alice, bot, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)

	_, err = s.PutTemplate(ctx, admin, conservative())
	require.NoError(t, err)
	require.NoError(t, s.SetTemplateActive(ctx, admin, "conservative", false))

	_, err = s.InstallFromTemplate(ctx, alice, alice, bot, "conservative", nil)
	assert.ErrorIs(t, err, domain.ErrTemplateNotFound)

	_, err = s.InstallFromTemplate(ctx, mallory, alice, bot, "conservative", nil)
	assert.ErrorIs(t, err, domain.ErrNotAuthorizedCaller)

	require.NoError(t, s.SetTemplateActive(ctx, admin, "conservative", true))
	_, err = s.InstallFromTemplate(ctx, alice, alice, bot, "conservative", json.RawMessage(`{"size":`))
	assert.ErrorIs(t, err, domain.ErrInvalidPolicy)
}

func TestStore_UninstallIsIdempotent(t *testing.T) {
	s, _, rec, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Install(ctx, alice, alice, bot, conservative().Policy)
	require.NoError(t, err)

	require.NoError(t, s.Uninstall(ctx, alice, alice, bot))
	require.NoError(t, s.Uninstall(ctx, alice, alice, bot))

	got, found, err := s.Find(ctx, alice, bot)
	require.NoError(t, err)
	assert.True(t, found, "record is kept after uninstall")
	assert.False(t, got.IsActive(clk.t))
	assert.Equal(t, []audit.EventType{audit.EventPolicyInstalled, audit.EventPolicyUninstalled}, rec.types())

	assert.ErrorIs(t, s.Uninstall(ctx, mallory, alice, bot), domain.ErrNotAuthorizedCaller)
}

func TestStore_GetUnknownPair(t *testing.T) {
	s, _, _, clk := newTestStore(t)

	p, found, err := s.Find(context.Background(), alice, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, p.IsActive(clk.t))
}

func TestStore_CacheInvalidatedOnWrite(t *testing.T) {
	s, repo, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Install(ctx, alice, alice, bot, conservative().Policy)
	require.NoError(t, err)
	_, err = s.Get(ctx, alice, bot)
	require.NoError(t, err)

	// Прямая запись мимо Store не видна до истечения TTL
	p := conservative().Policy
	p.Lifecycle.Enabled = true
	p.Size.MaxOrderSize = decimal.NewFromInt(1)
	require.NoError(t, repo.SavePolicy(ctx, domain.NewPairKey(alice, bot), p))
	cached, err := s.Get(ctx, alice, bot)
	require.NoError(t, err)
	assert.True(t, cached.Size.MaxOrderSize.Equal(decimal.NewFromInt(1000)))

	require.NoError(t, s.Uninstall(ctx, alice, alice, bot))
	fresh, err := s.Get(ctx, alice, bot)
	require.NoError(t, err)
	assert.False(t, fresh.Lifecycle.Enabled)
}

// stallingRepo задерживает одно чтение политики уже после того, как значение прочитано.
type stallingRepo struct {
	*memory.PolicyRepo
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (r *stallingRepo) GetPolicy(ctx context.Context, key domain.PairKey) (domain.Policy, bool, error) {
	p, found, err := r.PolicyRepo.GetPolicy(ctx, key)
	if r.armed.CompareAndSwap(true, false) {
		close(r.read)
		<-r.release
	}
	return p, found, err
}

func TestStore_UninstallDuringSlowReadIsNotOverwrittenByCache(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	repo := &stallingRepo{PolicyRepo: memory.NewPolicyRepo(), read: make(chan struct{}), release: make(chan struct{})}
	cache := NewMemoCache(time.Minute, nil, clk.now, zap.NewNop())
	s := NewStore(repo, &recorder{}, cache, Options{Admin: admin, Now: clk.now}, zap.NewNop())
	ctx := context.Background()

	_, err := s.Install(ctx, alice, alice, bot, conservative().Policy)
	require.NoError(t, err)

	repo.armed.Store(true)
	done := make(chan domain.Policy, 1)
	go func() {
		p, _, _ := s.Find(ctx, alice, bot)
		done <- p
	}()

	<-repo.read
	require.NoError(t, s.Uninstall(ctx, alice, alice, bot))
	close(repo.release)

	// Чтение, начатое до отзыва, может вернуть старое значение, но не кладет его в кэш
	<-done
	got, found, err := s.Find(ctx, alice, bot)
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, got.Lifecycle.Enabled)
	assert.False(t, got.IsActive(clk.t))
}

func TestMemoCache_PutAfterDropIsIgnored(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	c := NewMemoCache(time.Minute, nil, clk.now, zap.NewNop())
	key := domain.NewPairKey(alice, bot)
	enabled := domain.Policy{Lifecycle: domain.Lifecycle{Enabled: true}}

	gen := c.generation()
	c.drop(key)
	c.put(key, enabled, true, gen)
	_, _, ok := c.get(key)
	assert.False(t, ok, "stale generation must not be cached")

	gen = c.generation()
	c.Flush()
	c.put(key, enabled, true, gen)
	_, _, ok = c.get(key)
	assert.False(t, ok)

	c.put(key, enabled, true, c.generation())
	p, found, ok := c.get(key)
	require.True(t, ok)
	assert.True(t, found)
	assert.True(t, p.Lifecycle.Enabled)
}

func TestStore_AdminOnly(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutTemplate(ctx, alice, conservative())
	assert.ErrorIs(t, err, domain.ErrNotAuthorizedCaller)
	assert.ErrorIs(t, s.AddInstaller(ctx, alice, platform), domain.ErrNotAuthorizedCaller)

	require.NoError(t, s.AddInstaller(ctx, "0xADMIN", "0xPLATFORM"))
	ok, err := s.IsInstaller(ctx, platform)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RemoveInstaller(ctx, admin, platform))
	list, err := s.Installers(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStore_List(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, agent := range []domain.AgentID{"b", "a"} {
		_, err := s.Install(ctx, alice, alice, agent, conservative().Policy)
		require.NoError(t, err)
	}
	list, err := s.List(ctx, "0xALICE")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.AgentID("a"), list[0].Key.Agent)
}

const templateYAML = `
name: scalper
description: short-horizon market maker
policy:
  size:
    min_order_size: 10
    max_order_size: "250.5"
  capabilities:
    allow_market_orders: true
    allow_buy: true
  safety:
    min_time_between_trades: 30s
  frequency:
    trading_start_hour: 22
    trading_end_hour: 3
---
name: disabled
active: false
`

func TestParseTemplates(t *testing.T) {
	ts, err := ParseTemplates(strings.NewReader(templateYAML))
	require.NoError(t, err)
	require.Len(t, ts, 2)

	assert.Equal(t, "scalper", ts[0].Name)
	assert.True(t, ts[0].Active)
	assert.True(t, ts[0].Policy.Size.MinOrderSize.Equal(decimal.NewFromInt(10)))
	assert.True(t, ts[0].Policy.Size.MaxOrderSize.Equal(decimal.RequireFromString("250.5")))
	assert.Equal(t, 30*time.Second, ts[0].Policy.Safety.MinTimeBetweenTrades.Std())
	assert.True(t, ts[0].Policy.Frequency.InWindow(1))

	assert.False(t, ts[1].Active)
}

func TestParseTemplates_Invalid(t *testing.T) {
	_, err := ParseTemplates(strings.NewReader("description: no name\n"))
	assert.Error(t, err)

	_, err = ParseTemplates(strings.NewReader("name: bad\npolicy:\n  frequency:\n    trading_end_hour: 30\n"))
	assert.Error(t, err)
}

func TestImportDir(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "10-scalper.yaml"), []byte(templateYAML), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("skip"), 0o600))

	n, err := ImportDir(context.Background(), s, admin, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := s.Templates(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "disabled", list[0].Name)

	_, err = ImportDir(context.Background(), s, alice, dir)
	assert.ErrorIs(t, err, domain.ErrNotAuthorizedCaller)
}
