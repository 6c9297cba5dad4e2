package statemachine

import (
	"fmt"
	"sort"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// Registry holds the state machines of every model type known to a store.
type Registry struct {
	machines map[string]*StateMachine
}

// NewRegistry validates and indexes the machines by model type.
func NewRegistry(machines ...*StateMachine) (*Registry, error) {
	r := &Registry{machines: make(map[string]*StateMachine, len(machines))}
	for _, sm := range machines {
		if sm == nil {
			return nil, fmt.Errorf("nil state machine")
		}
		if _, dup := r.machines[sm.ModelType]; dup {
			return nil, fmt.Errorf("state machine for %q registered twice", sm.ModelType)
		}
		if err := sm.Validate(); err != nil {
			return nil, err
		}
		r.machines[sm.ModelType] = sm
	}
	return r, nil
}

// Machine returns the state machine for a model type.
func (r *Registry) Machine(modelType string) (*StateMachine, bool) {
	sm, ok := r.machines[modelType]
	return sm, ok
}

// For returns the state machine governing m.
func (r *Registry) For(m domain.Model) (*StateMachine, bool) {
	return r.Machine(m.Type())
}

// ModelTypes lists the registered model types sorted.
func (r *Registry) ModelTypes() []string {
	out := make([]string, 0, len(r.machines))
	for t := range r.machines {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// TimeTriggerFor computes the trigger m should carry under the current
// definitions.
func (r *Registry) TimeTriggerFor(m domain.Model) *time.Time {
	sm, ok := r.For(m)
	if !ok {
		return nil
	}
	return sm.TimeTriggerFor(m)
}
