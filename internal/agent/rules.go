// Package agent runs automated processing against committed events: a rule
// set maps event types to processes, guarded by CEL conditions over the event
// and the current projection. The agent is a consumer like any other; its
// only write path is committing derived events through the engine.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"paperline/internal/domain"
	"paperline/internal/domain/event"
)

// Rule binds an event type pattern to a process. A trailing '*' in On matches
// any suffix; Condition is an optional CEL expression over `event` and
// `state` maps, defaulting to true when empty.
type Rule struct {
	ID        string         `yaml:"id"`
	On        string         `yaml:"on"`
	Condition string         `yaml:"condition,omitempty"`
	Process   string         `yaml:"process"`
	Params    map[string]any `yaml:"params,omitempty"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rules is a compiled rule set. Reload swaps the whole set atomically, so a
// running evaluation sees either the old or the new configuration, never a
// mix.
type Rules struct {
	env *cel.Env

	mu       sync.RWMutex
	rules    []Rule
	programs map[string]cel.Program
}

func NewRules() (*Rules, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("state", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create rule environment: %w", err)
	}
	return &Rules{env: env, programs: make(map[string]cel.Program)}, nil
}

// Load reads and compiles a rule file, replacing the active set.
func (r *Rules) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	var f ruleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse rules: %w", err)
	}
	return r.Replace(f.Rules)
}

// Replace validates, compiles and installs a new rule set.
func (r *Rules) Replace(rules []Rule) error {
	programs := make(map[string]cel.Program)
	seen := make(map[string]bool)
	for _, rule := range rules {
		if rule.ID == "" || rule.On == "" || rule.Process == "" {
			return fmt.Errorf("rule %q: id, on and process are required", rule.ID)
		}
		if seen[rule.ID] {
			return fmt.Errorf("rule %q: duplicate id", rule.ID)
		}
		seen[rule.ID] = true
		if rule.Condition == "" {
			continue
		}
		ast, issues := r.env.Compile(rule.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rule %q: compile condition: %w", rule.ID, issues.Err())
		}
		prg, err := r.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rule %q: build program: %w", rule.ID, err)
		}
		programs[rule.ID] = prg
	}
	r.mu.Lock()
	r.rules = rules
	r.programs = programs
	r.mu.Unlock()
	return nil
}

// Match returns the rules triggered by an event, after evaluating each rule's
// condition against the event and the post-commit state.
func (r *Rules) Match(evt event.Event, state *domain.Submission) ([]Rule, error) {
	r.mu.RLock()
	rules := r.rules
	programs := r.programs
	r.mu.RUnlock()

	input, err := ruleInput(evt, state)
	if err != nil {
		return nil, err
	}
	var matched []Rule
	for _, rule := range rules {
		if !typeMatches(rule.On, evt.Type) {
			continue
		}
		prg, ok := programs[rule.ID]
		if ok {
			out, _, err := prg.Eval(input)
			if err != nil {
				return nil, fmt.Errorf("rule %q: evaluate condition: %w", rule.ID, err)
			}
			allowed, ok := out.Value().(bool)
			if !ok {
				return nil, fmt.Errorf("rule %q: condition is not boolean", rule.ID)
			}
			if !allowed {
				continue
			}
		}
		matched = append(matched, rule)
	}
	return matched, nil
}

func typeMatches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}

// ruleInput exposes the event and state to CEL as plain maps, going through
// the JSON form so expressions see the same field names as the API.
func ruleInput(evt event.Event, state *domain.Submission) (map[string]any, error) {
	eventMap, err := toMap(evt)
	if err != nil {
		return nil, err
	}
	stateMap := map[string]any{}
	if state != nil {
		stateMap, err = toMap(state)
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"event": eventMap, "state": stateMap}, nil
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
