// Package strategy defines the Strategy interface for trading strategies, a
// Registry of strategy factories, and the Backtester that drives a strategy
// through the execution engine.
package strategy

import (
	"context"
	"fmt"
	"sort"

	"kestrel/internal/domain"
	"kestrel/internal/indicator"
)

// Strategy is the interface that all trading strategies must implement.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Init performs any one-time setup required before the strategy begins
	// processing market data.
	Init(ctx context.Context) error

	// OnBar is called once per bar after the bar has closed. It returns zero
	// or more signals stamped at v.Timestamp().
	OnBar(ctx context.Context, v *View) ([]domain.Signal, error)
}

// IndicatorProvider is implemented by strategies that want indicator values
// in their View. Each symbol gets its own instances built from the specs.
type IndicatorProvider interface {
	Indicators() []indicator.Spec
}

// Factory builds a fresh Strategy from string parameters. Every backtest gets
// its own instance so runs never share state.
type Factory func(params map[string]string) (Strategy, error)

// Registry holds named strategy factories for lookup and enumeration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// Get retrieves a factory by name. The second return value indicates whether
// the strategy was found.
func (r *Registry) Get(name string) (Factory, bool) {
	f, ok := r.factories[name]
	return f, ok
}

// New builds a strategy instance by name.
func (r *Registry) New(name string, params map[string]string) (Strategy, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, domain.ErrNotFound)
	}
	s, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("strategy %q: %w", name, err)
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
