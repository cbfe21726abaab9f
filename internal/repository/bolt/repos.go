package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/xela07ax/agent-delegation-gate/internal/audit"
	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	bolt "go.etcd.io/bbolt"
)

type PolicyRepo struct {
	db *bolt.DB
}

func (r *PolicyRepo) GetPolicy(_ context.Context, key domain.PairKey) (p domain.Policy, ok bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		p, ok, err = get[domain.Policy](tx, bucketPolicies, []byte(key.String()))
		return err
	})
	return p, ok, err
}

func (r *PolicyRepo) SavePolicy(_ context.Context, key domain.PairKey, p domain.Policy) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPolicies, []byte(key.String()), p)
	})
}

// ListPolicies: ключи "user::agent" отсортированы, поэтому пары пользователя идут подряд.
func (r *PolicyRepo) ListPolicies(_ context.Context, user domain.Address) ([]domain.PairPolicy, error) {
	out := make([]domain.PairPolicy, 0)
	prefix := []byte(string(user.Normalized()) + "::")
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPolicies).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			key, err := domain.ParsePairKey(string(k))
			if err != nil {
				continue
			}
			var p domain.Policy
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, domain.PairPolicy{Key: key, Policy: p})
		}
		return nil
	})
	return out, err
}

func (r *PolicyRepo) GetTemplate(_ context.Context, name string) (t domain.PolicyTemplate, ok bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		t, ok, err = get[domain.PolicyTemplate](tx, bucketTemplates, []byte(name))
		return err
	})
	return t, ok, err
}

func (r *PolicyRepo) SaveTemplate(_ context.Context, t domain.PolicyTemplate) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemplates, []byte(t.Name), t)
	})
}

func (r *PolicyRepo) ListTemplates(_ context.Context) ([]domain.PolicyTemplate, error) {
	out := make([]domain.PolicyTemplate, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(_, v []byte) error {
			var t domain.PolicyTemplate
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

func (r *PolicyRepo) AddInstaller(_ context.Context, addr domain.Address) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallers).Put([]byte(addr), []byte{1})
	})
}

func (r *PolicyRepo) RemoveInstaller(_ context.Context, addr domain.Address) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallers).Delete([]byte(addr))
	})
}

func (r *PolicyRepo) IsInstaller(_ context.Context, addr domain.Address) (bool, error) {
	var ok bool
	err := r.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketInstallers).Get([]byte(addr)) != nil
		return nil
	})
	return ok, err
}

func (r *PolicyRepo) ListInstallers(_ context.Context) ([]domain.Address, error) {
	out := make([]domain.Address, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstallers).ForEach(func(k, _ []byte) error {
			out = append(out, domain.Address(k))
			return nil
		})
	})
	return out, err
}

type CounterRepo struct {
	db *bolt.DB
}

func (r *CounterRepo) Load(_ context.Context, key domain.PairKey) (c domain.RiskCounters, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		c, _, err = get[domain.RiskCounters](tx, bucketCounters, []byte(key.String()))
		return err
	})
	return c, err
}

func (r *CounterRepo) Save(_ context.Context, key domain.PairKey, c domain.RiskCounters) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketCounters, []byte(key.String()), c)
	})
}

type HaltRepo struct {
	db *bolt.DB
}

func (r *HaltRepo) ListHalted(_ context.Context) ([]domain.AgentID, error) {
	out := make([]domain.AgentID, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHalted).ForEach(func(k, _ []byte) error {
			out = append(out, domain.AgentID(k))
			return nil
		})
	})
	return out, err
}

func (r *HaltRepo) SetHalted(_ context.Context, agent domain.AgentID, halted bool, reason string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHalted)
		if !halted {
			return b.Delete([]byte(agent))
		}
		return b.Put([]byte(agent), []byte(reason))
	})
}

type AuditRepo struct {
	db *bolt.DB
}

func (r *AuditRepo) WriteBatch(_ context.Context, events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		for _, e := range events {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			if err := put(tx, bucketAudit, seqKey(seq), e); err != nil {
				return err
			}
		}
		return nil
	})
}

// FetchEvents идет курсором с конца: от новых к старым.
func (r *AuditRepo) FetchEvents(_ context.Context, f audit.Filter) ([]audit.Event, error) {
	limit := f.EffectiveLimit()
	out := make([]audit.Event, 0)
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e audit.Event
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			if f.Matches(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

type UserRepo struct {
	db *bolt.DB
}

// storedUser: PasswordHash в domain.User скрыт от JSON, поэтому хранится отдельно.
type storedUser struct {
	domain.User
	Hash string `json:"password_hash"`
}

func (r *UserRepo) PutUser(_ context.Context, u domain.User) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketUsers, []byte(strings.ToLower(u.Username)), storedUser{User: u, Hash: u.PasswordHash})
	})
}

// GetUserByUsername возвращает nil, nil если пользователя нет.
func (r *UserRepo) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	var (
		s  storedUser
		ok bool
	)
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		s, ok, err = get[storedUser](tx, bucketUsers, []byte(strings.ToLower(username)))
		return err
	})
	if err != nil || !ok {
		return nil, err
	}
	u := s.User
	u.PasswordHash = s.Hash
	return &u, nil
}
