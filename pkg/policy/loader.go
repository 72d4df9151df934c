package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/censorlab/censorlab/pkg/types"
)

// Rule is one expression rule as stored on disk.
type Rule struct {
	State       string        `yaml:"state"`
	ID          string        `yaml:"rule_id"`
	Mode        string        `yaml:"rule_mode"`
	Action      types.Verdict `yaml:"action"`
	Expression  string        `yaml:"expression"`
	Description string        `yaml:"description"`
}

func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	type plain struct {
		State       string `yaml:"state"`
		ID          string `yaml:"rule_id"`
		Mode        string `yaml:"rule_mode"`
		Action      string `yaml:"action"`
		Expression  string `yaml:"expression"`
		Description string `yaml:"description"`
	}
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	action, err := types.ParseVerdict(p.Action)
	if err != nil {
		return err
	}
	*r = Rule{
		State:       p.State,
		ID:          p.ID,
		Mode:        p.Mode,
		Action:      action,
		Expression:  p.Expression,
		Description: p.Description,
	}
	return nil
}

// ValidateRulesForSink rejects rule actions the chosen sink cannot
// enforce, mirroring the config-level check: Drop is only real on the
// queue sink. Disabled rules are skipped, like at compile time.
func ValidateRulesForSink(rules []*Rule, canDrop bool) error {
	if canDrop {
		return nil
	}
	for _, rule := range rules {
		if rule.State == "disable" {
			continue
		}
		if rule.Action == types.VerdictDrop {
			return fmt.Errorf("rule %s: Drop is only enforceable with the queue sink", rule.ID)
		}
	}
	return nil
}

// LoadRules reads every yaml file in dir as one rule.
func LoadRules(dir string) ([]*Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule directory: %w", err)
	}
	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", entry.Name(), err)
		}
		rule := &Rule{}
		if err := yaml.Unmarshal(data, rule); err != nil {
			return nil, fmt.Errorf("failed to parse rule file %s: %w", entry.Name(), err)
		}
		if rule.ID == "" {
			return nil, fmt.Errorf("rule file %s has no rule_id", entry.Name())
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
