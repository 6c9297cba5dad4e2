package statemachine

import (
	"errors"
	"fmt"
)

// Validate checks the structural invariants of the definition: every event
// handled is declared, create-type events are only handled by the Void
// state, transition targets exist, no block transitions a model into the
// state it is already in, and model creation only happens in Void event
// blocks.
func (sm *StateMachine) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(sm.ModelType+": "+format, args...))
	}
	if sm.ModelType == "" {
		fail("model type required")
	}
	if len(sm.states) == 0 {
		fail("at least one instance state required")
	}

	for event, block := range sm.Void.Events {
		decl, ok := sm.events[event]
		if !ok {
			fail("void state handles undeclared event %q", event)
			continue
		}
		if !decl.Void {
			fail("void state handles instance event %q", event)
		}
		creates := 0
		for _, e := range block.Executables {
			switch x := e.(type) {
			case CreateModel:
				creates++
				if x.Build == nil {
					fail("%s: create model without a builder", block.Name)
				}
				if s, ok := sm.states[x.InitialState]; !ok || s.Kind != StateInstance {
					fail("%s: unknown initial state %q", block.Name, x.InitialState)
				}
			case CreateCommands, Job, UnmanagedJob, Action:
			default:
				fail("%s: %s is not allowed in the void state", block.Name, Kind(e))
			}
		}
		if creates > 1 {
			fail("%s: more than one create model executable", block.Name)
		}
	}
	for _, e := range sm.Void.Exit.Executables {
		if len(targets(e)) > 0 {
			fail("%s: exit blocks cannot transition", sm.Void.Exit.Name)
		}
	}

	for _, name := range sm.order {
		s := sm.states[name]
		for event, block := range s.Events {
			decl, ok := sm.events[event]
			if !ok {
				fail("state %q handles undeclared event %q", name, event)
				continue
			}
			if decl.Void {
				fail("state %q handles create event %q", name, event)
			}
			sm.checkBlock(s, block, fail)
		}
		sm.checkBlock(s, s.Enter, fail)
		if s.Time != nil {
			sm.checkBlock(s, s.Time.Block, fail)
		}
		for _, e := range s.Exit.Executables {
			if len(targets(e)) > 0 {
				fail("%s: exit blocks cannot transition", s.Exit.Name)
			}
			if _, ok := e.(CreateModel); ok {
				fail("%s: create model is only allowed in the void state", s.Exit.Name)
			}
		}
	}
	return errors.Join(errs...)
}

func (sm *StateMachine) checkBlock(s *State, block Block, fail func(string, ...any)) {
	for _, e := range block.Executables {
		if _, ok := e.(CreateModel); ok {
			fail("%s: create model is only allowed in the void state", block.Name)
			continue
		}
		for _, target := range targets(e) {
			if target == s.Name {
				fail("%s: transition into the current state %q", block.Name, target)
				continue
			}
			if _, ok := sm.states[target]; !ok {
				fail("%s: unknown transition target %q", block.Name, target)
			}
		}
	}
}
