package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_agents.yaml
var defaultAgentsYAML []byte

// Provider kinds understood by the provider registry.
const (
	KindOpenAI = "openai"
	KindOllama = "ollama"
	KindGoogle = "google"
	KindRules  = "rules"
)

// ProviderSpec declares one named provider instance.
type ProviderSpec struct {
	Name       string `yaml:"name" json:"name"`
	Kind       string `yaml:"kind" json:"kind"`
	BaseURL    string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	Credential string `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// Target is one (provider, model) pair in a fallback chain.
type Target struct {
	Provider string `yaml:"provider" json:"provider"`
	Model    string `yaml:"model" json:"model"`
}

// Binding is the model binding for one task type: a primary target and an
// ordered list of fallbacks.
type Binding struct {
	TaskType  string   `yaml:"-" json:"task_type"`
	Primary   Target   `yaml:",inline" json:"primary"`
	Fallbacks []Target `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
}

// Chain returns the primary followed by the fallbacks.
func (b Binding) Chain() []Target {
	chain := make([]Target, 0, 1+len(b.Fallbacks))
	chain = append(chain, b.Primary)
	return append(chain, b.Fallbacks...)
}

// Predicate matches a field of an agent's output. Exactly one of Equals, In
// and Exists is set.
type Predicate struct {
	Field  string `yaml:"field" json:"field"`
	Equals any    `yaml:"equals,omitempty" json:"equals,omitempty"`
	In     []any  `yaml:"in,omitempty" json:"in,omitempty"`
	Exists *bool  `yaml:"exists,omitempty" json:"exists,omitempty"`
}

// Match reports whether fields satisfy the predicate. Values are compared
// by their string form so YAML ints match JSON floats.
func (p Predicate) Match(fields map[string]any) bool {
	v, ok := fields[p.Field]
	present := ok && v != nil
	switch {
	case p.Exists != nil:
		return present == *p.Exists
	case !present:
		return false
	case p.Equals != nil:
		return sameValue(v, p.Equals)
	default:
		return slices.ContainsFunc(p.In, func(c any) bool { return sameValue(v, c) })
	}
}

func sameValue(a, b any) bool { return fmt.Sprint(a) == fmt.Sprint(b) }

// Route hands off from one task type to another when When matches.
type Route struct {
	From string    `yaml:"from" json:"from"`
	When Predicate `yaml:"when" json:"when"`
	To   string    `yaml:"to" json:"to"`
}

type agentsFile struct {
	Providers []ProviderSpec     `yaml:"providers"`
	Bindings  map[string]Binding `yaml:"bindings"`
	Routes    []Route            `yaml:"routes"`
}

// Agents is the immutable provider registry, model binding table and
// handoff routing table. Accessors return copies.
type Agents struct {
	providers []ProviderSpec
	bindings  map[string]Binding
	routes    []Route
}

// LoadAgents reads the agents file at path, or the embedded default when
// path is empty.
func LoadAgents(path string) (Agents, error) {
	if path == "" {
		return ParseAgents(defaultAgentsYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Agents{}, fmt.Errorf("reading agents file: %w", err)
	}
	a, err := ParseAgents(data)
	if err != nil {
		return Agents{}, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// ParseAgents decodes and validates an agents YAML document.
func ParseAgents(data []byte) (Agents, error) {
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	dec.KnownFields(true)
	var f agentsFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Agents{}, fmt.Errorf("parsing agents: %w", err)
	}
	return NewAgents(f.Providers, f.Bindings, f.Routes)
}

// NewAgents validates and freezes the given tables.
func NewAgents(providers []ProviderSpec, bindings map[string]Binding, routes []Route) (Agents, error) {
	a := Agents{
		providers: slices.Clone(providers),
		bindings:  make(map[string]Binding, len(bindings)),
		routes:    slices.Clone(routes),
	}
	for taskType, b := range bindings {
		b.TaskType = taskType
		b.Fallbacks = slices.Clone(b.Fallbacks)
		a.bindings[taskType] = b
	}
	if err := a.validate(); err != nil {
		return Agents{}, err
	}
	return a, nil
}

func (a Agents) validate() error {
	var errs []error
	declared := make(map[string]bool, len(a.providers))
	for _, p := range a.providers {
		if p.Name == "" {
			errs = append(errs, errors.New("provider with empty name"))
			continue
		}
		if declared[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q declared twice", p.Name))
		}
		declared[p.Name] = true
		switch p.Kind {
		case KindOpenAI:
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("provider %q: kind openai requires base_url", p.Name))
			}
		case KindOllama, KindGoogle, KindRules:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind))
		}
	}
	if len(a.bindings) == 0 {
		errs = append(errs, errors.New("no model bindings"))
	}
	for _, taskType := range a.TaskTypes() {
		b := a.bindings[taskType]
		if b.Primary.Provider == "" {
			errs = append(errs, fmt.Errorf("binding %q: missing primary provider", taskType))
		}
		for _, t := range b.Chain() {
			if t.Provider != "" && !declared[t.Provider] {
				errs = append(errs, fmt.Errorf("binding %q: undeclared provider %q", taskType, t.Provider))
			}
		}
	}
	for i, r := range a.routes {
		if _, ok := a.bindings[r.From]; !ok {
			errs = append(errs, fmt.Errorf("route %d: unknown source task type %q", i, r.From))
		}
		if _, ok := a.bindings[r.To]; !ok {
			errs = append(errs, fmt.Errorf("route %d: unknown target task type %q", i, r.To))
		}
		if r.When.Field == "" {
			errs = append(errs, fmt.Errorf("route %d: predicate has no field", i))
		}
	}
	return errors.Join(errs...)
}

// Binding returns the model binding for taskType.
func (a Agents) Binding(taskType string) (Binding, bool) {
	b, ok := a.bindings[taskType]
	if !ok {
		return Binding{}, false
	}
	b.Fallbacks = slices.Clone(b.Fallbacks)
	return b, true
}

// TaskTypes returns the bound task types in sorted order.
func (a Agents) TaskTypes() []string {
	types := make([]string, 0, len(a.bindings))
	for t := range a.bindings {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Bindings returns every binding sorted by task type.
func (a Agents) Bindings() []Binding {
	out := make([]Binding, 0, len(a.bindings))
	for _, t := range a.TaskTypes() {
		b, _ := a.Binding(t)
		out = append(out, b)
	}
	return out
}

func (a Agents) Providers() []ProviderSpec { return slices.Clone(a.providers) }

func (a Agents) Routes() []Route { return slices.Clone(a.routes) }

// RoutesFrom returns the routes whose source is taskType, in file order.
func (a Agents) RoutesFrom(taskType string) []Route {
	var out []Route
	for _, r := range a.routes {
		if r.From == taskType {
			out = append(out, r)
		}
	}
	return out
}
