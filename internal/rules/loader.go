package rules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"execguard/internal/domain"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk YAML schema:
//
//	rules:
//	  - type: teamid
//	    state: block
//	    identifier: EQHXZ8M8AV
//	    message: not approved
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Type       string `yaml:"type"`
	State      string `yaml:"state"`
	Identifier string `yaml:"identifier"`
	Message    string `yaml:"message,omitempty"`
	Expression string `yaml:"cel,omitempty"`
}

func (e ruleEntry) toRule() (domain.Rule, error) {
	t, err := domain.ParseRuleType(e.Type)
	if err != nil {
		return domain.Rule{}, err
	}
	s, err := domain.ParseRuleState(e.State)
	if err != nil {
		return domain.Rule{}, err
	}
	r := domain.Rule{
		Type:       t,
		State:      s,
		Identifier: domain.NormalizeIdentifier(t, e.Identifier),
		CustomMsg:  e.Message,
		CELExpr:    e.Expression,
	}
	if s == domain.RuleStateRemove {
		return r, nil
	}
	if err := r.Validate(); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

// Marshal encodes rules in the rule file schema, so the output can be
// imported again.
func Marshal(rules []domain.Rule) ([]byte, error) {
	f := ruleFile{Rules: make([]ruleEntry, 0, len(rules))}
	for _, r := range rules {
		f.Rules = append(f.Rules, ruleEntry{
			Type:       r.Type.String(),
			State:      r.State.String(),
			Identifier: r.Identifier,
			Message:    r.CustomMsg,
			Expression: r.CELExpr,
		})
	}
	return yaml.Marshal(f)
}

// LoadFile parses a YAML rule file. Any invalid entry fails the whole file,
// reported with its position.
func LoadFile(path string) ([]domain.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML rule data.
func Parse(data []byte) ([]domain.Rule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rule file: %w", err)
	}
	out := make([]domain.Rule, 0, len(f.Rules))
	for i, e := range f.Rules {
		r, err := e.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i+1, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadDirectory loads every .yaml/.yml file in dir concurrently. Files that
// fail to parse are logged and skipped. A missing directory yields no rules.
func LoadDirectory(ctx context.Context, dir string, logger *slog.Logger) ([]domain.Rule, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("rules directory does not exist, skipping", "dir", dir)
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir: %w", err)
	}

	var (
		mu  sync.Mutex
		all = make(map[string][]domain.Rule)
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		path := filepath.Join(dir, name)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rules, err := LoadFile(path)
			if err != nil {
				logger.Warn("cannot load rule file", "path", path, "err", err)
				return nil
			}
			logger.Info("loaded rule file", "path", path, "count", len(rules))
			mu.Lock()
			all[name] = rules
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Files are merged in name order so later files override earlier ones.
	var out []domain.Rule
	for _, entry := range entries {
		out = append(out, all[entry.Name()]...)
	}
	return out, nil
}
