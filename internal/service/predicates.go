package service

import (
	"fmt"
	"sync"

	"github.com/lims-autoverify-server/internal/domain"
)

// PredicateRegistry is an in-process PredicateResolver. Custom rule
// predicates are registered at startup; resolution of an unknown identifier
// fails so the evaluator can degrade the rule to a warning.
type PredicateRegistry struct {
	mu         sync.RWMutex
	predicates map[string]domain.CustomPredicate
}

// NewPredicateRegistry creates an empty predicate registry.
func NewPredicateRegistry() *PredicateRegistry {
	return &PredicateRegistry{
		predicates: make(map[string]domain.CustomPredicate),
	}
}

// Register binds a predicate to an identifier, replacing any existing one.
func (r *PredicateRegistry) Register(predicateID string, predicate domain.CustomPredicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[predicateID] = predicate
}

// Resolve returns the predicate for the identifier.
func (r *PredicateRegistry) Resolve(predicateID string) (domain.CustomPredicate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	predicate, ok := r.predicates[predicateID]
	if !ok {
		return nil, fmt.Errorf("unknown predicate: %s", predicateID)
	}
	return predicate, nil
}
