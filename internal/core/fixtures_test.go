package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/klerk-framework/klerk-sub000/internal/infra/persistence/memory"
	"github.com/klerk-framework/klerk-sub000/internal/logging"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
	sm "github.com/klerk-framework/klerk-sub000/pkg/statemachine"
)

type docProps struct {
	Title string `json:"title"`
}

func (docProps) ModelType() string              { return "doc" }
func (docProps) References() []domain.Reference { return nil }

type noteProps struct {
	Text   string         `json:"text"`
	Target domain.ModelID `json:"target,omitempty"`
}

func (noteProps) ModelType() string { return "note" }

func (n noteProps) References() []domain.Reference {
	return []domain.Reference{domain.Ref("target", n.Target)}
}

type flowProps struct {
	Trail string `json:"trail"`
}

func (flowProps) ModelType() string              { return "flow" }
func (flowProps) References() []domain.Reference { return nil }

type leaseProps struct {
	Holder string `json:"holder"`
}

func (leaseProps) ModelType() string              { return "lease" }
func (leaseProps) References() []domain.Reference { return nil }

type gateProps struct {
	Level int        `json:"level"`
	Trail string     `json:"trail"`
	Due   *time.Time `json:"due,omitempty"`
}

func (gateProps) ModelType() string              { return "gate" }
func (gateProps) References() []domain.Reference { return nil }

func ev(modelType, name string) domain.EventRef {
	return domain.EventRef{ModelType: modelType, Name: name}
}

func paramsAs[T domain.Props](a sm.Args) (domain.Props, error) {
	p, ok := a.Params().(T)
	if !ok {
		return nil, errors.New("unexpected params")
	}
	return p, nil
}

func requireTitle(params any) []domain.Problem {
	p, ok := params.(docProps)
	if !ok || p.Title == "" {
		return []domain.Problem{{Message: "title required"}}
	}
	return nil
}

// purgeRelated removes every note pointing at the doc, then the doc.
func purgeRelated(a sm.Args) ([]domain.Command, error) {
	var cmds []domain.Command
	for _, n := range a.Reader.RelatedByProperty("note", "target", a.Model.ID) {
		cmds = append(cmds, domain.Command{Event: ev("note", "remove"), Model: n.ID})
	}
	return append(cmds, domain.Command{Event: ev("doc", "remove"), Model: a.Model.ID}), nil
}

func docMachine() *sm.StateMachine {
	return sm.MustNew("doc",
		sm.Events(
			sm.Event{Name: "create", Void: true, Validate: requireTitle},
			sm.Event{Name: "advance"},
			sm.Event{Name: "rename"},
			sm.Event{Name: "remove"},
			sm.Event{Name: "purge"},
			sm.Event{Name: "remove_only"},
		),
		sm.Void(sm.On("create", sm.CreateModel{InitialState: "s1", Build: paramsAs[docProps]})),
		sm.Instance("s1",
			sm.On("advance", sm.Transition{Target: "s2"}),
			sm.On("rename", sm.UpdateModel{Update: paramsAs[docProps]}),
			sm.On("remove", sm.Delete{}),
			sm.On("purge", sm.CreateCommands{Build: purgeRelated}),
			sm.On("remove_only", sm.UpdateModel{Update: func(sm.Args) (domain.Props, error) {
				return docProps{Title: "touched"}, nil
			}}, sm.Delete{}),
		),
		sm.Instance("s2",
			sm.After(10*time.Second, sm.Delete{}),
			sm.On("remove", sm.Delete{}),
			sm.On("purge", sm.CreateCommands{Build: purgeRelated}),
		),
	)
}

func noteMachine() *sm.StateMachine {
	return sm.MustNew("note",
		sm.Events(
			sm.Event{Name: "create", Void: true},
			sm.Event{Name: "retarget"},
			sm.Event{Name: "remove"},
		),
		sm.Void(sm.On("create", sm.CreateModel{InitialState: "live", Build: paramsAs[noteProps]})),
		sm.Instance("live",
			sm.On("retarget", sm.UpdateModel{Update: paramsAs[noteProps]}),
			sm.On("remove", sm.Delete{}),
		),
	)
}

func levelAtLeast(n int) sm.Predicate {
	return func(a sm.Args) bool {
		p, _ := domain.PropsAs[gateProps](*a.Model)
		return p.Level >= n
	}
}

func gateDue(m domain.Model) *time.Time {
	p, _ := domain.PropsAs[gateProps](m)
	return p.Due
}

func markGate(step string) sm.UpdateModel {
	return sm.UpdateModel{Update: func(a sm.Args) (domain.Props, error) {
		p, _ := domain.PropsAs[gateProps](*a.Model)
		p.Trail += step
		return p, nil
	}}
}

func emit(events ...string) sm.CreateCommands {
	return sm.CreateCommands{Build: func(a sm.Args) ([]domain.Command, error) {
		cmds := make([]domain.Command, 0, len(events))
		for _, e := range events {
			cmds = append(cmds, domain.Command{Event: ev("gate", e), Model: a.Model.ID})
		}
		return cmds, nil
	}}
}

// gateMachine routes by level, fires at a payload-computed instant in mid,
// and nests emitted commands.
func gateMachine() *sm.StateMachine {
	return sm.MustNew("gate",
		sm.Events(
			sm.Event{Name: "create", Void: true},
			sm.Event{Name: "route"},
			sm.Event{Name: "route_strict"},
			sm.Event{Name: "fanout"},
			sm.Event{Name: "mark_a"},
			sm.Event{Name: "mark_b"},
			sm.Event{Name: "mark_c"},
		),
		sm.Void(sm.On("create", sm.CreateModel{InitialState: "open", Build: paramsAs[gateProps]})),
		sm.Instance("open",
			sm.On("route", sm.TransitionWhen{
				Branches: []sm.Branch{{When: levelAtLeast(10), Target: "high"}, {When: levelAtLeast(5), Target: "mid"}},
				Default:  "low",
			}),
			sm.On("route_strict", sm.TransitionWhen{Branches: []sm.Branch{{When: levelAtLeast(10), Target: "high"}}}),
			sm.On("fanout", emit("mark_a", "mark_b")),
			sm.On("mark_a", markGate("a"), emit("mark_c")),
			sm.On("mark_b", markGate("b")),
			sm.On("mark_c", markGate("c")),
		),
		sm.Instance("mid", sm.At(gateDue, sm.Transition{Target: "low"})),
		sm.Instance("high"),
		sm.Instance("low"),
	)
}

// recorder collects what block code observed.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func appendTrail(step string) sm.UpdateModel {
	return sm.UpdateModel{Update: func(a sm.Args) (domain.Props, error) {
		p, _ := domain.PropsAs[flowProps](*a.Model)
		if p.Trail != "" {
			p.Trail += "|"
		}
		p.Trail += step + ":" + a.Model.State
		return p, nil
	}}
}

func flowMachine(rec *recorder) *sm.StateMachine {
	return sm.MustNew("flow",
		sm.Events(
			sm.Event{Name: "create", Void: true},
			sm.Event{Name: "go"},
			sm.Event{Name: "twice"},
		),
		sm.Void(sm.On("create", sm.CreateModel{InitialState: "a", Build: func(sm.Args) (domain.Props, error) {
			return flowProps{}, nil
		}})),
		sm.Instance("a",
			sm.On("go", sm.Transition{Target: "b"}),
			sm.On("twice", sm.Transition{Target: "b"}, sm.Transition{Target: "c"}),
			sm.OnExit(appendTrail("exit")),
		),
		sm.Instance("b",
			sm.OnEnter(
				appendTrail("enter"),
				sm.Action{Run: func(a sm.Args) error {
					rec.add("action:" + a.Model.State)
					return errors.New("ignored")
				}},
				sm.Action{Run: func(sm.Args) error { panic("action blew up") }},
				sm.UnmanagedJob{Run: func(context.Context, sm.Args) error {
					rec.add("unmanaged")
					return nil
				}},
			),
		),
		sm.Instance("c"),
	)
}

func leaseMachine(rec *recorder) *sm.StateMachine {
	return sm.MustNew("lease",
		sm.Events(
			sm.Event{Name: "create", Void: true},
			sm.Event{Name: "remove"},
		),
		sm.Void(sm.On("create",
			sm.CreateModel{InitialState: "held", Build: paramsAs[leaseProps]},
			sm.Job{Name: "notify", MaxAttempts: 2, Run: func(sm.Args) sm.JobFunc {
				return func(_ context.Context, job domain.JobSpec) error {
					rec.add("job:" + job.Name)
					return nil
				}
			}},
		)),
		sm.Instance("held",
			sm.After(0, sm.Delete{}),
			sm.On("remove", sm.Delete{}),
		),
	)
}

func testRegistry(t *testing.T, rec *recorder) *sm.Registry {
	t.Helper()
	reg, err := sm.NewRegistry(docMachine(), noteMachine(), flowMachine(rec), leaseMachine(rec), gateMachine())
	require.NoError(t, err)
	return reg
}

func testCodec() *domain.JSONCodec {
	c := domain.NewJSONCodec()
	domain.RegisterProps[docProps](c)
	domain.RegisterProps[noteProps](c)
	domain.RegisterProps[flowProps](c)
	domain.RegisterProps[leaseProps](c)
	domain.RegisterProps[gateProps](c)
	return c
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	svc   *Service
	store *memory.Store
	clock *fakeClock
	rec   *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	rec := &recorder{}
	clock := newFakeClock()
	codec := testCodec()
	store := memory.NewStore(codec)
	opts = append([]Option{WithLogger(logging.Discard()), WithClock(clock.Now), WithCodec(codec)}, opts...)
	svc, err := New(testRegistry(t, rec), store, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Close() })
	return &harness{svc: svc, store: store, clock: clock, rec: rec}
}

func (h *harness) handle(cmd domain.Command) (domain.Success, error) {
	return h.svc.Handle(context.Background(), cmd, domain.CommandContext{Actor: "tester"}, domain.Options{})
}

func (h *harness) create(t *testing.T, modelType string, params domain.Props) domain.ModelID {
	t.Helper()
	res, err := h.handle(domain.Command{Event: ev(modelType, "create"), Params: params})
	require.NoError(t, err)
	require.True(t, res.PrimaryModel.Valid())
	return res.PrimaryModel
}

func (h *harness) models() []domain.Model {
	return h.svc.allModels()
}
