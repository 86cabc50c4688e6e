package engine

import (
	"strings"
	"testing"
	"time"
)

func TestParseRules_Valid(t *testing.T) {
	rules, errs := ParseRules([]byte(`
rules:
  - id: motor-overtemp
    source: "motor_*"
    metric: temperature
    operator: ">"
    threshold: 80
    capsule:
      title: "Overtemperature on {source}"
      description: "{metric} at {value}"
      priority: critical
      category: thermal
      channel: activities
  - id: pressure-drift
    source: "pump_??"
    metric: pressure
    operator: anomaly
    window: 2m
    sensitivity: 2.5
    capsule:
      title: "Pressure drift on {source}"
      priority: high
`), 3.0)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}

	th, ok := rules[0].Condition.(Threshold)
	if !ok {
		t.Fatalf("expected threshold condition, got %T", rules[0].Condition)
	}
	if th.Op != ">" || th.Bound != 80 {
		t.Fatalf("unexpected threshold: %+v", th)
	}

	an, ok := rules[1].Condition.(Anomaly)
	if !ok {
		t.Fatalf("expected anomaly condition, got %T", rules[1].Condition)
	}
	if an.Window != 2*time.Minute || an.Sensitivity != 2.5 {
		t.Fatalf("unexpected anomaly: %+v", an)
	}
	// Channel defaults when the template omits it.
	if rules[1].Template.Channel != "activities" {
		t.Fatalf("expected default channel, got %q", rules[1].Template.Channel)
	}
}

func TestParseRules_BadRuleIsFatalToThatRuleOnly(t *testing.T) {
	rules, errs := ParseRules([]byte(`
rules:
  - id: good
    source: "motor_*"
    metric: temperature
    operator: ">"
    threshold: 80
    capsule:
      title: "t"
      priority: high
  - id: no-threshold
    source: "motor_*"
    metric: temperature
    operator: "<"
    capsule:
      title: "t"
      priority: high
  - id: unknown-op
    source: "motor_*"
    metric: temperature
    operator: between
    threshold: 1
    capsule:
      title: "t"
      priority: high
  - id: bad-priority
    source: "motor_*"
    metric: temperature
    operator: ">"
    threshold: 1
    capsule:
      title: "t"
      priority: urgent
  - id: anomaly-no-window
    source: "motor_*"
    metric: temperature
    operator: anomaly
    capsule:
      title: "t"
      priority: high
`), 3.0)
	if len(rules) != 1 || rules[0].ID != "good" {
		t.Fatalf("expected only the good rule to survive, got %d rules", len(rules))
	}
	if len(errs) != 4 {
		t.Fatalf("expected 4 configuration errors, got %d: %v", len(errs), errs)
	}
}

func TestParseRules_DuplicateID(t *testing.T) {
	rules, errs := ParseRules([]byte(`
rules:
  - id: dup
    source: "*"
    metric: temperature
    operator: ">"
    threshold: 1
    capsule:
      title: "t"
      priority: low
  - id: dup
    source: "*"
    metric: pressure
    operator: "<"
    threshold: 2
    capsule:
      title: "t"
      priority: low
`), 3.0)
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", errs)
	}
}

func TestParseRules_NotYAML(t *testing.T) {
	_, errs := ParseRules([]byte("{{{"), 3.0)
	if len(errs) != 1 {
		t.Fatalf("expected parse error, got %v", errs)
	}
}

func TestRule_Matches(t *testing.T) {
	r := &Rule{Source: "motor_*", Metric: "temperature"}
	cases := []struct {
		source, metric string
		want           bool
	}{
		{"motor_001", "temperature", true},
		{"motor_", "temperature", true},
		{"pump_001", "temperature", false},
		{"motor_001", "pressure", false},
	}
	for _, c := range cases {
		if got := r.Matches(c.source, c.metric); got != c.want {
			t.Fatalf("Matches(%q, %q) = %v, want %v", c.source, c.metric, got, c.want)
		}
	}
}

func TestThreshold_Satisfied(t *testing.T) {
	cases := []struct {
		op    string
		bound float64
		v     float64
		want  bool
	}{
		{">", 80, 85, true},
		{">", 80, 80, false},
		{"<", 10, 5, true},
		{"<", 10, 10, false},
		{"==", 1, 1, true},
		{"==", 1, 2, false},
		{"!=", 1, 2, true},
		{"!=", 1, 1, false},
	}
	for _, c := range cases {
		th := Threshold{Op: c.op, Bound: c.bound}
		if got := th.Satisfied(c.v); got != c.want {
			t.Fatalf("Threshold{%s %g}.Satisfied(%g) = %v, want %v", c.op, c.bound, c.v, got, c.want)
		}
	}
}
