package dataveil

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Settings describes a masking policy file as a map with table names as
// keys and an array of masking rules as values.
type Settings map[string][]Rule

// Rule declares one masking strategy for one or more columns of a
// table, together with the strategy's parameters.
type Rule struct {
	Strategy string
	Columns  []string
	// per-field salt folded into fingerprints and keystreams
	Salt string
	// redact
	Placeholder string
	KeepLength  bool `toml:"keep_length"`
	// hash
	Length   int
	Alphabet string
	// synthetic
	Values []string
	Source string
}

// LoadSettings decodes a TOML policy document.
func LoadSettings(r io.Reader) (Settings, error) {
	var s Settings
	if _, err := toml.NewDecoder(r).Decode(&s); err != nil {
		return s, err
	}
	return s, nil
}

// LoadSettingsFile decodes a TOML policy file.
func LoadSettingsFile(path string) (Settings, error) {
	var s Settings
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return s, err
	}
	return s, nil
}

// binding couples a column's strategy instance with the salt used for
// its vault fingerprints.
type binding struct {
	strategy Strategy
	salt     string
}

// Policy is a compiled, read-only masking policy: every declared field
// bound to a validated strategy instance. Loaded once per run; safe for
// concurrent use.
type Policy struct {
	bindings map[FieldIdentity]binding
	// declared column order per table, as listed in the settings
	columns map[string][]string
}

// Compile validates a Settings document against the registry and binds
// each declared column to its strategy. Every rule is checked eagerly:
// unknown strategies, bad parameters and duplicate columns all fail
// compilation.
func Compile(settings Settings, registry *Registry) (*Policy, error) {
	p := &Policy{
		bindings: map[FieldIdentity]binding{},
		columns:  map[string][]string{},
	}
	for tableName, rules := range settings {
		if len(rules) == 0 {
			return nil, fmt.Errorf("table %q has no masking rules in settings", tableName)
		}
		for _, r := range rules {
			if len(r.Columns) < 1 {
				return nil, fmt.Errorf("table %q: rule %q must declare at least one column", tableName, r.Strategy)
			}
			strategy, err := registry.New(r.Strategy, Params{
				Salt:        r.Salt,
				Placeholder: r.Placeholder,
				KeepLength:  r.KeepLength,
				Length:      r.Length,
				Alphabet:    r.Alphabet,
				Values:      r.Values,
				Source:      r.Source,
			})
			if err != nil {
				return nil, fmt.Errorf("table %q: %w", tableName, err)
			}
			for _, column := range r.Columns {
				field := FieldIdentity{Table: tableName, Column: column}
				if _, ok := p.bindings[field]; ok {
					return nil, fmt.Errorf("column %s declared twice in settings", field)
				}
				p.bindings[field] = binding{strategy: strategy, salt: r.Salt}
				p.columns[tableName] = append(p.columns[tableName], column)
			}
		}
	}
	return p, nil
}

// Columns returns the declared columns of a table in settings order,
// or nil when the table is not governed by the policy.
func (p *Policy) Columns(table string) []string {
	return p.columns[table]
}

// Lookup returns the strategy and salt bound to a field.
func (p *Policy) Lookup(field FieldIdentity) (Strategy, string, bool) {
	b, ok := p.bindings[field]
	if !ok {
		return nil, "", false
	}
	return b.strategy, b.salt, true
}
