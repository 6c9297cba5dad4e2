package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

type task struct{}

func (task) ModelType() string              { return "task" }
func (task) References() []domain.Reference { return nil }

func build(Args) (domain.Props, error) { return task{}, nil }

func taskEvents() Option {
	return Events(Event{Name: "create", Void: true}, Event{Name: "start"}, Event{Name: "finish"})
}

func TestNewBuildsBlocks(t *testing.T) {
	sm, err := New("task",
		taskEvents(),
		Void(On("create", CreateModel{InitialState: "todo", Build: build})),
		Instance("todo", On("start", Transition{Target: "doing"})),
		Instance("doing",
			On("finish", TransitionWhen{Branches: []Branch{{When: func(Args) bool { return true }, Target: "done"}}}),
			After(time.Hour, Transition{Target: "todo"}),
			OnExit(Action{Run: func(Args) error { return nil }}),
		),
		Instance("done"),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"todo", "doing", "done"}, sm.States())
	assert.Equal(t, []string{"create", "finish", "start"}, sm.Events())

	void, ok := sm.State(domain.VoidState)
	require.True(t, ok)
	block, ok := void.EventBlock("create")
	require.True(t, ok)
	assert.Equal(t, "task/void/on create", block.Name)
	assert.Equal(t, BlockEvent, block.Type)

	doing, _ := sm.State("doing")
	assert.Equal(t, "task/doing/exit", doing.Exit.Name)
	assert.Equal(t, BlockTime, doing.Time.Type)
	assert.Equal(t, "exit", BlockExit.String())

	entered := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	trigger := sm.TimeTriggerFor(domain.Model{State: "doing", LastStateTransitionAt: entered})
	require.NotNil(t, trigger)
	assert.Equal(t, entered.Add(time.Hour), *trigger)
	assert.Nil(t, sm.TimeTriggerFor(domain.Model{State: "todo"}))
}

func TestAtTimeBlock(t *testing.T) {
	deadline := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	sm := MustNew("task",
		taskEvents(),
		Void(On("create", CreateModel{InitialState: "todo", Build: build})),
		Instance("todo", At(func(m domain.Model) *time.Time {
			if m.ID == 1 {
				return nil
			}
			return &deadline
		}, Delete{})),
	)
	assert.Nil(t, sm.TimeTriggerFor(domain.Model{ID: 1, State: "todo"}))
	got := sm.TimeTriggerFor(domain.Model{ID: 2, State: "todo"})
	require.NotNil(t, got)
	assert.Equal(t, deadline, *got)
	// the trigger is a copy
	*got = got.Add(time.Hour)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), deadline)
}

func TestValidateRejectsBrokenDefinitions(t *testing.T) {
	create := Void(On("create", CreateModel{InitialState: "todo", Build: build}))
	cases := []struct {
		name string
		opts []Option
		want string
	}{
		{"undeclared event", []Option{taskEvents(), create, Instance("todo", On("nope", Delete{}))}, `handles undeclared event "nope"`},
		{"create event on instance", []Option{taskEvents(), create, Instance("todo", On("create", Delete{}))}, `handles create event "create"`},
		{"instance event on void", []Option{taskEvents(), Void(On("start", Delete{})), Instance("todo")}, `void state handles instance event "start"`},
		{"unknown target", []Option{taskEvents(), create, Instance("todo", On("start", Transition{Target: "gone"}))}, `unknown transition target "gone"`},
		{"self transition", []Option{taskEvents(), create, Instance("todo", On("start", Transition{Target: "todo"}))}, `transition into the current state "todo"`},
		{"exit transition", []Option{taskEvents(), create, Instance("todo", OnExit(Transition{Target: "done"})), Instance("done")}, "exit blocks cannot transition"},
		{"create outside void", []Option{taskEvents(), create, Instance("todo", On("start", CreateModel{InitialState: "todo", Build: build}))}, "only allowed in the void state"},
		{"unknown initial state", []Option{taskEvents(), Void(On("create", CreateModel{InitialState: "later", Build: build})), Instance("todo")}, `unknown initial state "later"`},
		{"two creates", []Option{taskEvents(), Void(On("create", CreateModel{InitialState: "todo", Build: build}, CreateModel{InitialState: "todo", Build: build})), Instance("todo")}, "more than one create model"},
		{"no builder", []Option{taskEvents(), Void(On("create", CreateModel{InitialState: "todo"})), Instance("todo")}, "without a builder"},
		{"delete in void", []Option{taskEvents(), Void(On("create", Delete{})), Instance("todo")}, "delete is not allowed in the void state"},
		{"no states", []Option{taskEvents()}, "at least one instance state"},
		{"duplicate state", []Option{taskEvents(), Instance("todo"), Instance("todo")}, `state "todo" declared twice`},
		{"duplicate event", []Option{Events(Event{Name: "a"}, Event{Name: "a"})}, `event "a" declared twice`},
		{"two time blocks", []Option{taskEvents(), Instance("todo", After(time.Second), After(time.Minute))}, "more than one time block"},
		{"negative after", []Option{taskEvents(), Instance("todo", After(-time.Second))}, "negative time block"},
		{"void enter", []Option{taskEvents(), Void(OnEnter(Delete{}))}, "no enter block"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New("task", tc.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
	assert.Panics(t, func() { MustNew("task") })
}

func TestRegistry(t *testing.T) {
	sm := MustNew("task", taskEvents(), Instance("todo", After(time.Minute, Delete{})))
	_, err := NewRegistry(sm, sm)
	require.ErrorContains(t, err, "registered twice")
	_, err = NewRegistry(nil)
	require.Error(t, err)

	reg, err := NewRegistry(sm)
	require.NoError(t, err)
	assert.Equal(t, []string{"task"}, reg.ModelTypes())
	got, ok := reg.For(domain.Model{Props: task{}})
	require.True(t, ok)
	assert.Same(t, sm, got)
	assert.NotNil(t, reg.TimeTriggerFor(domain.Model{State: "todo", Props: task{}}))
	assert.Nil(t, reg.TimeTriggerFor(domain.Model{State: "todo"}))
}

func TestExecutableHelpers(t *testing.T) {
	never := func(Args) bool { return false }
	assert.False(t, Enabled(Delete{OnlyIf: never}, Args{}))
	assert.True(t, Enabled(Delete{}, Args{}))
	assert.Equal(t, "unmanaged_job", Kind(UnmanagedJob{}))

	tw := TransitionWhen{Branches: []Branch{{When: func(a Args) bool { return a.Params() == "go" }, Target: "b"}}, Default: "c"}
	target, ok := tw.Target(Args{Command: &domain.Command{Params: "go"}})
	assert.True(t, ok)
	assert.Equal(t, "b", target)
	target, _ = tw.Target(Args{})
	assert.Equal(t, "c", target)
	_, ok = TransitionWhen{}.Target(Args{})
	assert.False(t, ok)
}
