package statemachine

import (
	"fmt"
	"sort"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// BlockType identifies the lifecycle moment a block runs at.
type BlockType int

// Block types.
const (
	BlockEvent BlockType = iota + 1
	BlockEnter
	BlockExit
	BlockTime
)

func (t BlockType) String() string {
	switch t {
	case BlockEvent:
		return "event"
	case BlockEnter:
		return "enter"
	case BlockExit:
		return "exit"
	case BlockTime:
		return "time"
	default:
		return fmt.Sprintf("block(%d)", int(t))
	}
}

// Block is an ordered set of executables.
type Block struct {
	Name        string
	Type        BlockType
	State       string
	Executables []Executable
}

// TimeBlock fires either After a duration since the model entered the state
// or at the instant computed by At.
type TimeBlock struct {
	Block
	After time.Duration
	At    func(domain.Model) *time.Time
}

// TriggerFor computes the trigger instant for a model that is in the block's
// state.
func (t *TimeBlock) TriggerFor(m domain.Model) *time.Time {
	if t == nil {
		return nil
	}
	if t.At != nil {
		at := t.At(m)
		if at == nil {
			return nil
		}
		v := *at
		return &v
	}
	v := m.LastStateTransitionAt.Add(t.After)
	return &v
}

// StateKind distinguishes the Void state from instance states.
type StateKind int

// State kinds.
const (
	StateVoid StateKind = iota + 1
	StateInstance
)

// State is a node of the machine. The Void state only carries an exit block
// and event blocks for create-type events.
type State struct {
	Name   string
	Kind   StateKind
	Enter  Block
	Exit   Block
	Events map[string]Block
	Time   *TimeBlock
}

// EventBlock returns the block declared for the event.
func (s *State) EventBlock(event string) (Block, bool) {
	b, ok := s.Events[event]
	return b, ok
}

// Event declares an event of the machine together with its parameter
// validation. Void events create models.
type Event struct {
	Name     string
	Void     bool
	Validate func(params any) []domain.Problem
}

// StateMachine is the definition for one model type.
type StateMachine struct {
	ModelType string
	Void      *State
	states    map[string]*State
	order     []string
	events    map[string]Event
}

// State looks up a state by name; VoidState resolves to the Void state.
func (sm *StateMachine) State(name string) (*State, bool) {
	if name == domain.VoidState {
		return sm.Void, sm.Void != nil
	}
	s, ok := sm.states[name]
	return s, ok
}

// States returns the instance state names in declaration order.
func (sm *StateMachine) States() []string {
	return append([]string(nil), sm.order...)
}

// Event looks up a declared event.
func (sm *StateMachine) Event(name string) (Event, bool) {
	e, ok := sm.events[name]
	return e, ok
}

// Events returns the declared event names sorted.
func (sm *StateMachine) Events() []string {
	out := make([]string, 0, len(sm.events))
	for name := range sm.events {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// TimeTriggerFor computes the trigger for m from its current state's time
// block; nil when the state has none.
func (sm *StateMachine) TimeTriggerFor(m domain.Model) *time.Time {
	s, ok := sm.State(m.State)
	if !ok || s.Time == nil {
		return nil
	}
	return s.Time.TriggerFor(m)
}

// Option configures a StateMachine under construction.
type Option func(*StateMachine) error

// New builds and validates a state machine for modelType.
func New(modelType string, opts ...Option) (*StateMachine, error) {
	sm := &StateMachine{
		ModelType: modelType,
		Void:      &State{Name: domain.VoidState, Kind: StateVoid, Events: map[string]Block{}},
		states:    make(map[string]*State),
		events:    make(map[string]Event),
	}
	sm.Void.Exit = Block{Name: blockName(modelType, domain.VoidState, "exit"), Type: BlockExit, State: domain.VoidState}
	for _, opt := range opts {
		if err := opt(sm); err != nil {
			return nil, err
		}
	}
	if err := sm.Validate(); err != nil {
		return nil, err
	}
	return sm, nil
}

// MustNew is New that panics on an invalid definition.
func MustNew(modelType string, opts ...Option) *StateMachine {
	sm, err := New(modelType, opts...)
	if err != nil {
		panic(err)
	}
	return sm
}

// Events declares the machine's events.
func Events(events ...Event) Option {
	return func(sm *StateMachine) error {
		for _, e := range events {
			if e.Name == "" {
				return fmt.Errorf("%s: event name required", sm.ModelType)
			}
			if _, dup := sm.events[e.Name]; dup {
				return fmt.Errorf("%s: event %q declared twice", sm.ModelType, e.Name)
			}
			sm.events[e.Name] = e
		}
		return nil
	}
}

// StateOption configures a state under construction.
type StateOption func(sm *StateMachine, s *State) error

// Void configures the Void state.
func Void(opts ...StateOption) Option {
	return func(sm *StateMachine) error {
		for _, opt := range opts {
			if err := opt(sm, sm.Void); err != nil {
				return err
			}
		}
		return nil
	}
}

// Instance declares an instance state.
func Instance(name string, opts ...StateOption) Option {
	return func(sm *StateMachine) error {
		if name == "" || name == domain.VoidState {
			return fmt.Errorf("%s: invalid state name %q", sm.ModelType, name)
		}
		if _, dup := sm.states[name]; dup {
			return fmt.Errorf("%s: state %q declared twice", sm.ModelType, name)
		}
		s := &State{
			Name:   name,
			Kind:   StateInstance,
			Enter:  Block{Name: blockName(sm.ModelType, name, "enter"), Type: BlockEnter, State: name},
			Exit:   Block{Name: blockName(sm.ModelType, name, "exit"), Type: BlockExit, State: name},
			Events: map[string]Block{},
		}
		for _, opt := range opts {
			if err := opt(sm, s); err != nil {
				return err
			}
		}
		sm.states[name] = s
		sm.order = append(sm.order, name)
		return nil
	}
}

// On declares the block run when event is applied in the state.
func On(event string, execs ...Executable) StateOption {
	return func(sm *StateMachine, s *State) error {
		if _, dup := s.Events[event]; dup {
			return fmt.Errorf("%s: state %q handles event %q twice", sm.ModelType, s.Name, event)
		}
		s.Events[event] = Block{Name: blockName(sm.ModelType, s.Name, "on "+event), Type: BlockEvent, State: s.Name, Executables: execs}
		return nil
	}
}

// OnEnter sets the enter block.
func OnEnter(execs ...Executable) StateOption {
	return func(sm *StateMachine, s *State) error {
		if s.Kind == StateVoid {
			return fmt.Errorf("%s: the void state has no enter block", sm.ModelType)
		}
		s.Enter.Executables = append(s.Enter.Executables, execs...)
		return nil
	}
}

// OnExit sets the exit block.
func OnExit(execs ...Executable) StateOption {
	return func(_ *StateMachine, s *State) error {
		s.Exit.Executables = append(s.Exit.Executables, execs...)
		return nil
	}
}

// After declares a time block firing d after the model entered the state.
func After(d time.Duration, execs ...Executable) StateOption {
	return func(sm *StateMachine, s *State) error {
		if d < 0 {
			return fmt.Errorf("%s: state %q has a negative time block duration", sm.ModelType, s.Name)
		}
		return setTimeBlock(sm, s, &TimeBlock{After: d}, execs)
	}
}

// At declares a time block firing at the instant computed from the model.
func At(at func(domain.Model) *time.Time, execs ...Executable) StateOption {
	return func(sm *StateMachine, s *State) error {
		if at == nil {
			return fmt.Errorf("%s: state %q time block needs an instant function", sm.ModelType, s.Name)
		}
		return setTimeBlock(sm, s, &TimeBlock{At: at}, execs)
	}
}

func setTimeBlock(sm *StateMachine, s *State, tb *TimeBlock, execs []Executable) error {
	if s.Kind == StateVoid {
		return fmt.Errorf("%s: the void state has no time block", sm.ModelType)
	}
	if s.Time != nil {
		return fmt.Errorf("%s: state %q has more than one time block", sm.ModelType, s.Name)
	}
	tb.Block = Block{Name: blockName(sm.ModelType, s.Name, "time"), Type: BlockTime, State: s.Name, Executables: execs}
	s.Time = tb
	return nil
}

func blockName(modelType, state, what string) string {
	return modelType + "/" + state + "/" + what
}
