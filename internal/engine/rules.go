package engine

import (
	"fmt"
	"os"
	"path"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/config"
)

// Rule is an immutable evaluation rule for one metric. Source is a glob
// pattern matched against reading source IDs. Rules are validated at load
// time; a rule that reaches evaluation is always well formed.
type Rule struct {
	ID        string
	Source    string
	Metric    string
	Condition Condition
	Template  capsule.Template
}

// Matches reports whether the rule applies to the reading's source and metric.
func (r *Rule) Matches(sourceID, metric string) bool {
	if r.Metric != metric {
		return false
	}
	ok, err := path.Match(r.Source, sourceID)
	return err == nil && ok
}

// Condition is the closed set of rule condition variants. Unknown shapes are
// rejected at load time, never at evaluation time.
type Condition interface {
	isCondition()
}

// Threshold fires when value <op> bound holds. Fires on edge transition only.
type Threshold struct {
	Op    string // one of > < == !=
	Bound float64
}

func (Threshold) isCondition() {}

// Satisfied evaluates the comparison for a single value.
func (t Threshold) Satisfied(v float64) bool {
	switch t.Op {
	case ">":
		return v > t.Bound
	case "<":
		return v < t.Bound
	case "==":
		return v == t.Bound
	case "!=":
		return v != t.Bound
	}
	return false
}

// Anomaly fires when the normalized deviation of a value from the trailing
// window's rolling mean exceeds Sensitivity standard deviations.
type Anomaly struct {
	Sensitivity float64
	Window      time.Duration
}

func (Anomaly) isCondition() {}

// ruleFile is the on-disk YAML shape.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	ID          string           `yaml:"id"`
	Source      string           `yaml:"source"`
	Metric      string           `yaml:"metric"`
	Operator    string           `yaml:"operator"`
	Threshold   *float64         `yaml:"threshold"`
	Window      config.Duration  `yaml:"window"`
	Sensitivity float64          `yaml:"sensitivity"`
	Capsule     capsule.Template `yaml:"capsule"`
}

// LoadRules parses a YAML rule file. Each malformed rule is rejected with a
// configuration error and does not prevent loading of the others; the caller
// decides whether any errors are fatal. defaultSensitivity applies to anomaly
// rules that do not set their own.
func LoadRules(path string, defaultSensitivity float64) ([]*Rule, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []error{fmt.Errorf("read rules %s: %w", path, err)}
	}
	return ParseRules(data, defaultSensitivity)
}

// ParseRules parses rule YAML from memory. See LoadRules.
func ParseRules(data []byte, defaultSensitivity float64) ([]*Rule, []error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, []error{fmt.Errorf("parse rules: %w", err)}
	}

	var rules []*Rule
	var errs []error
	seen := make(map[string]bool)

	for i, spec := range f.Rules {
		rule, err := buildRule(spec, defaultSensitivity)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d (%s): %w", i, spec.ID, err))
			continue
		}
		if seen[rule.ID] {
			errs = append(errs, fmt.Errorf("rule %d: duplicate id %q", i, rule.ID))
			continue
		}
		seen[rule.ID] = true
		rules = append(rules, rule)
	}
	return rules, errs
}

func buildRule(spec ruleSpec, defaultSensitivity float64) (*Rule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if spec.Source == "" {
		return nil, fmt.Errorf("missing source selector")
	}
	if _, err := path.Match(spec.Source, "probe"); err != nil {
		return nil, fmt.Errorf("invalid source pattern %q: %w", spec.Source, err)
	}
	if spec.Metric == "" {
		return nil, fmt.Errorf("missing metric")
	}

	var cond Condition
	switch spec.Operator {
	case ">", "<", "==", "!=":
		if spec.Threshold == nil {
			return nil, fmt.Errorf("operator %q requires a threshold", spec.Operator)
		}
		cond = Threshold{Op: spec.Operator, Bound: *spec.Threshold}
	case "anomaly":
		if spec.Window <= 0 {
			return nil, fmt.Errorf("anomaly condition requires a positive window")
		}
		sens := spec.Sensitivity
		if sens == 0 {
			sens = defaultSensitivity
		}
		if sens <= 0 {
			return nil, fmt.Errorf("anomaly sensitivity must be > 0, got %g", sens)
		}
		cond = Anomaly{Sensitivity: sens, Window: spec.Window.Std()}
	case "":
		return nil, fmt.Errorf("missing operator")
	default:
		return nil, fmt.Errorf("unknown operator %q", spec.Operator)
	}

	if err := validateTemplate(spec.Capsule); err != nil {
		return nil, err
	}

	tmpl := spec.Capsule
	if tmpl.Channel == "" {
		tmpl.Channel = "activities"
	}

	return &Rule{
		ID:        spec.ID,
		Source:    spec.Source,
		Metric:    spec.Metric,
		Condition: cond,
		Template:  tmpl,
	}, nil
}

func validateTemplate(t capsule.Template) error {
	if t.Title == "" {
		return fmt.Errorf("capsule template missing title")
	}
	if t.Priority == "" {
		return fmt.Errorf("capsule template missing priority")
	}
	if !capsule.ValidPriority(t.Priority) {
		return fmt.Errorf("capsule template has unknown priority %q", t.Priority)
	}
	return nil
}
