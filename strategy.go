package dataveil

import (
	"fmt"
	"sort"
)

// Strategy is the interface every masking strategy fulfils. A strategy
// turns one original value into one candidate masked value. Strategies
// are pure apart from the parameters bound at construction; the vault,
// not the strategy, pins the first generated result so that even a
// non-deterministic strategy yields stable output across the dataset.
type Strategy interface {
	// Name returns the name of the strategy as used in policy files.
	Name() string
	// Generate produces a candidate masked value. attempt is 0 on the
	// first call; the vault bumps it when the candidate collides with
	// the masked value of a different original, so implementations
	// must vary their output with attempt (or fail).
	Generate(value string, attempt int) (string, error)
	// UsesVault reports whether generated values must be pinned in the
	// vault. Redaction and passthrough need no consistency store.
	UsesVault() bool
}

// Params carries the strategy parameters declared for one policy rule.
// Unused fields are ignored by strategies that do not take them.
type Params struct {
	// Salt folds into hash and tokenize keystreams so different fields
	// masking the same value produce unrelated output.
	Salt string
	// Placeholder is the fixed redaction output.
	Placeholder string
	// KeepLength makes redaction emit a star fill of the input length.
	KeepLength bool
	// Length truncates hash output to this many characters.
	Length int
	// Alphabet selects the hash output encoding: hex, digits or alnum.
	Alphabet string
	// Values is an inline synthetic wordlist.
	Values []string
	// Source is a path to a synthetic wordlist file, one entry per line.
	Source string
}

// Factory builds a Strategy from its declared parameters, validating
// them eagerly.
type Factory func(p Params) (Strategy, error)

// Registry maps strategy names to factories. The built-in strategies
// are registered at construction; Register adds custom ones.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a Registry holding the built-in strategies:
// hash, tokenize, redact, passthrough, synthetic and uuid.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(StrategyHash, newHashStrategy)
	r.Register(StrategyTokenize, newTokenizeStrategy)
	r.Register(StrategyRedact, newRedactStrategy)
	r.Register(StrategyPassthrough, newPassthroughStrategy)
	r.Register(StrategySynthetic, newSyntheticStrategy)
	r.Register(StrategyUUID, newUUIDStrategy)
	return r
}

// Register binds a factory to a strategy name, replacing any previous
// binding for that name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds the named strategy from its parameters.
func (r *Registry) New(name string, p Params) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q not known", name)
	}
	return f(p)
}

// Names returns the registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
