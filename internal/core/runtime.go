package core

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
	"github.com/klerk-framework/klerk-sub000/pkg/statemachine"
)

// execute runs one executable against args and returns its partial delta.
func (p *processor) execute(e statemachine.Executable, args statemachine.Args, run blockRun, sm *statemachine.StateMachine) ProcessingData {
	switch x := e.(type) {
	case statemachine.CreateModel:
		return p.createModel(x, args, run, sm)
	case statemachine.UpdateModel:
		return p.updateModel(x, args)
	case statemachine.Transition:
		return p.transition(x.Target, args, sm)
	case statemachine.TransitionWhen:
		target, ok := x.Target(args)
		if !ok {
			return ProcessingData{}
		}
		return p.transition(target, args, sm)
	case statemachine.Delete:
		return p.deleteModel(args)
	case statemachine.CreateCommands:
		return p.createCommands(x, args)
	case statemachine.Job:
		return p.job(x, args)
	case statemachine.UnmanagedJob:
		run := x.Run
		return ProcessingData{UnmanagedJobs: []func(context.Context) error{func(ctx context.Context) error { return run(ctx, args) }}}
	case statemachine.Action:
		run := x.Run
		return ProcessingData{Actions: []func() error{func() error { return run(args) }}}
	default:
		panic(fmt.Sprintf("unhandled executable %T", e))
	}
}

func problemData(p domain.Problem) ProcessingData {
	return ProcessingData{Problems: []domain.Problem{p}}
}

func requireModel(args statemachine.Args, what string) (domain.Model, *domain.Problem) {
	if args.Model == nil {
		prob := domain.NewProblem(domain.ProblemInternal, "%s needs a model", what)
		return domain.Model{}, &prob
	}
	return *args.Model, nil
}

func (p *processor) validate(validators []statemachine.Validator, props domain.Props, id domain.ModelID) []domain.Problem {
	var problems []domain.Problem
	for _, v := range validators {
		if err := v(props); err != nil {
			problems = append(problems, domain.Problem{Kind: domain.ProblemBadRequest, Message: err.Error(), ModelID: id})
		}
	}
	return problems
}

// checkReferences reports references that do not resolve to a live model.
func (p *processor) checkReferences(props domain.Props, id domain.ModelID, reader domain.Reader) []domain.Problem {
	var missing []string
	for _, ref := range props.References() {
		for _, target := range ref.IDs {
			if _, ok := reader.GetOrNull(target); !ok {
				missing = append(missing, fmt.Sprintf("%s=%d", ref.Property, target))
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return []domain.Problem{{
		Kind:    domain.ProblemStateConflict,
		Message: "unresolvable references: " + strings.Join(missing, ", "),
		ModelID: id,
	}}
}

func (p *processor) createModel(x statemachine.CreateModel, args statemachine.Args, run blockRun, sm *statemachine.StateMachine) ProcessingData {
	props, err := x.Build(args)
	if err != nil {
		return problemData(domain.NewProblem(domain.ProblemBadRequest, "build %s: %v", sm.ModelType, err))
	}
	if props == nil || props.ModelType() != sm.ModelType {
		return problemData(domain.NewProblem(domain.ProblemInternal, "create in %s machine produced a %T payload", sm.ModelType, props))
	}
	if problems := p.validate(x.Validators, props, 0); len(problems) > 0 {
		return ProcessingData{Problems: problems}
	}
	id, err := p.newID()
	if err != nil {
		return problemData(domain.NewProblem(domain.ProblemServerUnavailable, "allocate id: %v", err))
	}
	if problems := p.checkReferences(props, id, args.Reader); len(problems) > 0 {
		return ProcessingData{Problems: problems}
	}
	model := domain.Model{
		ID:                    id,
		CreatedAt:             args.Time,
		LastPropsUpdateAt:     args.Time,
		LastStateTransitionAt: domain.DistantPast,
		State:                 domain.VoidState,
		Props:                 props,
	}
	initial, _ := sm.State(x.InitialState)
	return ProcessingData{
		PrimaryModel:         id,
		AggregatedModelState: map[domain.ModelID]domain.Model{id: model},
		CreatedModels:        []domain.ModelID{id},
		RemainingBlocks: []blockRun{
			{block: sm.Void.Exit, model: id, command: run.command},
			{block: initial.Enter, model: id, command: run.command},
		},
		UnfinalizedTransition: &pendingTransition{modelID: id, target: initial.Name, at: args.Time, snapshot: model},
		Log:                   []string{fmt.Sprintf("created %s %d", sm.ModelType, id)},
	}
}

func (p *processor) updateModel(x statemachine.UpdateModel, args statemachine.Args) ProcessingData {
	current, prob := requireModel(args, "update")
	if prob != nil {
		return problemData(*prob)
	}
	props, err := x.Update(args)
	if err != nil {
		return problemData(domain.Problem{Kind: domain.ProblemBadRequest, Message: err.Error(), ModelID: current.ID})
	}
	if props == nil || props.ModelType() != current.Type() {
		return problemData(domain.Problem{Kind: domain.ProblemInternal, Message: fmt.Sprintf("update of %s produced a %T payload", current.Type(), props), ModelID: current.ID})
	}
	if problems := p.validate(x.Validators, props, current.ID); len(problems) > 0 {
		return ProcessingData{Problems: problems}
	}
	if problems := p.checkReferences(props, current.ID, args.Reader); len(problems) > 0 {
		return ProcessingData{Problems: problems}
	}
	current.Props = props
	current.LastPropsUpdateAt = args.Time
	return ProcessingData{
		AggregatedModelState: map[domain.ModelID]domain.Model{current.ID: current},
		UpdatedModels:        []domain.ModelID{current.ID},
		Log:                  []string{fmt.Sprintf("updated %s %d", current.Type(), current.ID)},
	}
}

func (p *processor) transition(target string, args statemachine.Args, sm *statemachine.StateMachine) ProcessingData {
	current, prob := requireModel(args, "transition")
	if prob != nil {
		return problemData(*prob)
	}
	from, ok := sm.State(current.State)
	if !ok {
		return problemData(domain.Problem{Kind: domain.ProblemInternal, Message: fmt.Sprintf("unknown current state %q", current.State), ModelID: current.ID})
	}
	to, ok := sm.State(target)
	if !ok || to.Kind != statemachine.StateInstance {
		return problemData(domain.Problem{Kind: domain.ProblemInternal, Message: fmt.Sprintf("unknown target state %q", target), ModelID: current.ID})
	}
	return ProcessingData{
		RemainingBlocks: []blockRun{
			{block: from.Exit, model: current.ID, command: args.Command},
			{block: to.Enter, model: current.ID, command: args.Command},
		},
		UnfinalizedTransition: &pendingTransition{modelID: current.ID, target: to.Name, at: args.Time, snapshot: current},
	}
}

func (p *processor) deleteModel(args statemachine.Args) ProcessingData {
	current, prob := requireModel(args, "delete")
	if prob != nil {
		return problemData(*prob)
	}
	// A reference the model holds to itself goes away with it.
	blockers := slices.DeleteFunc(slices.Clone(args.Reader.Related(current.ID)), func(id domain.ModelID) bool {
		return id == current.ID
	})
	if len(blockers) > 0 {
		names := make([]string, 0, len(blockers))
		for _, b := range blockers {
			names = append(names, b.String())
		}
		return problemData(domain.Problem{
			Kind:     domain.ProblemStateConflict,
			Message:  fmt.Sprintf("cannot delete %d: referenced by %s", current.ID, strings.Join(names, ", ")),
			ModelID:  current.ID,
			Blockers: blockers,
		})
	}
	return ProcessingData{
		DeletedModels: []domain.ModelID{current.ID},
		Log:           []string{fmt.Sprintf("deleted %s %d", current.Type(), current.ID)},
	}
}

func (p *processor) createCommands(x statemachine.CreateCommands, args statemachine.Args) ProcessingData {
	cmds, err := x.Build(args)
	if err != nil {
		return problemData(domain.NewProblem(domain.ProblemBadRequest, "create commands: %v", err))
	}
	return ProcessingData{RemainingCommands: cmds}
}

func (p *processor) job(x statemachine.Job, args statemachine.Args) ProcessingData {
	spec := domain.JobSpec{ID: uuid.New(), Name: x.Name, MaxAttempts: x.MaxAttempts}
	if args.Model != nil {
		spec.ModelID = args.Model.ID
	}
	return ProcessingData{
		NewJobs: []deferredJob{{spec: spec, run: x.Run(args)}},
		Log:     []string{fmt.Sprintf("scheduled job %s (%s)", x.Name, spec.ID)},
	}
}
