package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/xela07ax/agent-delegation-gate/internal/domain"
	"gopkg.in/yaml.v3"
)

// ParseTemplates читает YAML поток: один шаблон на документ (документы разделяются "---").
// Ключи совпадают с JSON-тегами domain.PolicyTemplate. Без ключа active шаблон считается активным.
func ParseTemplates(r io.Reader) ([]domain.PolicyTemplate, error) {
	dec := yaml.NewDecoder(r)
	var out []domain.PolicyTemplate
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode template yaml: %w", err)
		}
		if len(doc) == 0 {
			continue
		}
		if _, ok := doc["active"]; !ok {
			doc["active"] = true
		}

		// YAML -> JSON: decimal, Duration и time.Time умеют разбирать JSON
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert template: %w", err)
		}
		var t domain.PolicyTemplate
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode template %v: %w", doc["name"], err)
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// LoadDir читает все *.yaml и *.yml файлы каталога в лексикографическом порядке.
func LoadDir(dir string) ([]domain.PolicyTemplate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []domain.PolicyTemplate
	for _, name := range names {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		ts, err := ParseTemplates(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out = append(out, ts...)
	}
	return out, nil
}

// ImportDir загружает шаблоны из каталога в Store от имени caller (admin).
func ImportDir(ctx context.Context, s *Store, caller domain.Address, dir string) (int, error) {
	ts, err := LoadDir(dir)
	if err != nil {
		return 0, err
	}
	for i, t := range ts {
		if _, err := s.PutTemplate(ctx, caller, t); err != nil {
			return i, fmt.Errorf("import template %s: %w", t.Name, err)
		}
	}
	return len(ts), nil
}
