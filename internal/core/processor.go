package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
	"github.com/klerk-framework/klerk-sub000/pkg/statemachine"
)

// DefaultMaxSteps bounds the number of blocks and commands one top-level
// command may process before it is aborted as runaway.
const DefaultMaxSteps = 1000

// processor drives a single top-level command (or time trigger) to
// completion. It is not safe for concurrent use; a new processor is built
// per unit of work while the processing lock is held.
type processor struct {
	ctx        context.Context
	registry   *statemachine.Registry
	base       domain.Reader
	authorizer domain.Authorizer
	logger     *slog.Logger
	cctx       domain.CommandContext
	now        time.Time
	maxSteps   int
	ids        func(taken func(domain.ModelID) bool) (domain.ModelID, error)

	steps     int
	allocated map[domain.ModelID]struct{}
	staged    map[domain.ModelID]*time.Time
	seen      int
}

func (p *processor) newID() (domain.ModelID, error) {
	id, err := p.ids(func(candidate domain.ModelID) bool {
		_, ok := p.allocated[candidate]
		return ok
	})
	if err != nil {
		return 0, err
	}
	if p.allocated == nil {
		p.allocated = make(map[domain.ModelID]struct{})
	}
	p.allocated[id] = struct{}{}
	return id, nil
}

// processCommand runs cmd and every command and block it cascades into.
func (p *processor) processCommand(cmd domain.Command) ProcessingData {
	return p.run(ProcessingData{RemainingCommands: []domain.Command{cmd}}, 0)
}

// processTimeTrigger runs the time block of the model's current state.
func (p *processor) processTimeTrigger(id domain.ModelID) ProcessingData {
	return p.run(ProcessingData{PrimaryModel: id}, id)
}

func (p *processor) run(acc ProcessingData, trigger domain.ModelID) (out ProcessingData) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processing aborted", "panic", r)
			out = ProcessingData{Problems: []domain.Problem{domain.NewProblem(domain.ProblemInternal, "%v", r)}}
		}
	}()
	if p.maxSteps <= 0 {
		p.maxSteps = DefaultMaxSteps
	}
	p.staged = make(map[domain.ModelID]*time.Time)

	if trigger.Valid() {
		run, problems := p.prepareTimeTrigger(acc, trigger)
		if len(problems) > 0 {
			return failed(ProcessingData{Problems: problems})
		}
		acc.RemainingBlocks = []blockRun{run}
	}

	for len(acc.RemainingBlocks) > 0 || len(acc.RemainingCommands) > 0 {
		p.steps++
		if p.steps > p.maxSteps {
			acc.Problems = append(acc.Problems, domain.NewProblem(domain.ProblemInternal, "processing exceeded %d steps", p.maxSteps))
			return failed(acc)
		}

		blocks, cmds := acc.RemainingBlocks, acc.RemainingCommands
		acc.RemainingBlocks, acc.RemainingCommands = nil, nil

		var run blockRun
		if len(blocks) > 0 {
			run, blocks = blocks[0], blocks[1:]
		} else {
			var cmd domain.Command
			cmd, cmds = cmds[0], cmds[1:]
			var problems []domain.Problem
			run, problems = p.prepareCommand(acc, cmd)
			acc.ProcessedCommands = append(acc.ProcessedCommands, cmd)
			if len(problems) > 0 {
				acc.Problems = append(acc.Problems, problems...)
				return failed(acc)
			}
		}

		acc = p.processBlock(acc, run)
		if len(acc.Problems) > 0 {
			return failed(acc)
		}
		p.stageTriggers(acc)

		// Work produced by the block runs before anything queued earlier.
		acc.RemainingBlocks = append(acc.RemainingBlocks, blocks...)
		acc.RemainingCommands = append(acc.RemainingCommands, cmds...)
	}

	if acc.UnfinalizedTransition != nil {
		panic(fmt.Sprintf("transition of model %d to %q never reached an exit block",
			acc.UnfinalizedTransition.modelID, acc.UnfinalizedTransition.target))
	}
	p.applyTriggers(&acc)
	return acc
}

// prepareCommand resolves the block a command runs, rejecting commands that
// are malformed, not allowed in the model's state, or not authorized.
func (p *processor) prepareCommand(acc ProcessingData, cmd domain.Command) (blockRun, []domain.Problem) {
	reject := func(kind domain.ProblemKind, format string, args ...any) (blockRun, []domain.Problem) {
		prob := domain.NewProblem(kind, format, args...)
		prob.Event = cmd.Event.String()
		prob.ModelID = cmd.Model
		return blockRun{}, []domain.Problem{prob}
	}

	sm, ok := p.registry.Machine(cmd.Event.ModelType)
	if !ok {
		return reject(domain.ProblemBadRequest, "unknown model type %q", cmd.Event.ModelType)
	}
	ev, ok := sm.Event(cmd.Event.Name)
	if !ok {
		return reject(domain.ProblemBadRequest, "unknown event %s", cmd.Event)
	}
	if ev.Validate != nil {
		if problems := ev.Validate(cmd.Params); len(problems) > 0 {
			for i := range problems {
				if problems[i].Kind == "" {
					problems[i].Kind = domain.ProblemBadRequest
				}
				problems[i].Event = cmd.Event.String()
			}
			return blockRun{}, problems
		}
	}

	var (
		model *domain.Model
		block statemachine.Block
	)
	view := newDeltaReader(p.base, &acc)
	if ev.Void {
		if cmd.Model.Valid() {
			return reject(domain.ProblemBadRequest, "event %s creates a model and cannot target one", cmd.Event)
		}
		if block, ok = sm.Void.EventBlock(ev.Name); !ok {
			return reject(domain.ProblemStateConflict, "event %s is not handled in the void state", cmd.Event)
		}
	} else {
		if !cmd.Model.Valid() {
			return reject(domain.ProblemBadRequest, "event %s requires a target model", cmd.Event)
		}
		m, found := view.GetOrNull(cmd.Model)
		if !found {
			return reject(domain.ProblemNotFound, "model %d not found", cmd.Model)
		}
		if m.Type() != sm.ModelType {
			return reject(domain.ProblemBadRequest, "model %d is a %s, not a %s", m.ID, m.Type(), sm.ModelType)
		}
		state, found := sm.State(m.State)
		if !found {
			return reject(domain.ProblemInternal, "model %d is in undeclared state %q", m.ID, m.State)
		}
		if block, ok = state.EventBlock(ev.Name); !ok {
			return reject(domain.ProblemStateConflict, "event %s is not allowed in state %s", cmd.Event, m.State)
		}
		model = &m
	}

	if d := p.authorizer.Authorize(p.ctx, cmd, model, p.cctx); !d.Allowed {
		reason := d.Reason
		if reason == "" {
			reason = "denied"
		}
		return reject(domain.ProblemAuthorizationDenied, "%s", reason)
	}
	c := cmd
	return blockRun{block: block, model: cmd.Model, command: &c}, nil
}

func (p *processor) prepareTimeTrigger(acc ProcessingData, id domain.ModelID) (blockRun, []domain.Problem) {
	m, ok := newDeltaReader(p.base, &acc).GetOrNull(id)
	if !ok {
		return blockRun{}, []domain.Problem{{Kind: domain.ProblemNotFound, Message: "model not found", ModelID: id}}
	}
	sm, ok := p.registry.For(m)
	if !ok {
		return blockRun{}, []domain.Problem{{Kind: domain.ProblemInternal, Message: fmt.Sprintf("no state machine for %s", m.Type()), ModelID: id}}
	}
	state, ok := sm.State(m.State)
	if !ok || state.Time == nil {
		return blockRun{}, []domain.Problem{{Kind: domain.ProblemStateConflict, Message: fmt.Sprintf("state %q has no time block", m.State), ModelID: id}}
	}
	// The trigger is consumed; a transition out of the time block stages a
	// fresh one.
	p.staged[id] = nil
	return blockRun{block: state.Time.Block, model: id}, nil
}

// processBlock folds the block's enabled executables left to right and
// merges the result into acc.
func (p *processor) processBlock(acc ProcessingData, run blockRun) ProcessingData {
	isExit := run.block.Type == statemachine.BlockExit

	var model *domain.Model
	if run.model.Valid() {
		m, ok := newDeltaReader(p.base, &acc).GetOrNull(run.model)
		if !ok {
			// Deleted earlier in this delta; nothing to run.
			return merge(acc, ProcessingData{Log: []string{"skipped " + run.block.Name + ": model deleted"}}, isExit)
		}
		model = &m
	}
	sm, ok := p.registry.Machine(modelTypeOf(run, model))
	if !ok {
		return merge(acc, problemData(domain.NewProblem(domain.ProblemInternal, "no state machine for block %s", run.block.Name)), false)
	}

	var blockAcc ProcessingData
	for _, e := range run.block.Executables {
		view := newDeltaReader(p.base, &blockAcc, &acc)
		args := statemachine.Args{
			Model:   p.currentModel(view, model, blockAcc),
			Command: run.command,
			Context: p.cctx,
			Reader:  view,
			Time:    p.now,
		}
		if !statemachine.Enabled(e, args) {
			continue
		}
		blockAcc = merge(blockAcc, p.execute(e, args, run, sm), false)
		if len(blockAcc.Problems) > 0 {
			break
		}
	}
	blockAcc.ProcessedBlocks = append(blockAcc.ProcessedBlocks, run.block.Name)
	return merge(acc, blockAcc, isExit)
}

// currentModel returns the freshest view of the block's model. In Void
// event blocks it is the model created so far, if any.
func (p *processor) currentModel(view domain.Reader, model *domain.Model, blockAcc ProcessingData) *domain.Model {
	if model == nil {
		if n := len(blockAcc.CreatedModels); n > 0 {
			if m, ok := view.GetOrNull(blockAcc.CreatedModels[n-1]); ok {
				return &m
			}
		}
		return nil
	}
	if m, ok := view.GetOrNull(model.ID); ok {
		return &m
	}
	snapshot := *model
	return &snapshot
}

func modelTypeOf(run blockRun, model *domain.Model) string {
	if model != nil {
		return model.Type()
	}
	if run.command != nil {
		return run.command.Event.ModelType
	}
	return ""
}

// stageTriggers computes time triggers for models transitioned since the
// last call. Values are applied once processing completes.
func (p *processor) stageTriggers(acc ProcessingData) {
	for _, id := range acc.Transitions[p.seen:] {
		m, ok := acc.AggregatedModelState[id]
		if !ok {
			continue
		}
		p.staged[id] = p.registry.TimeTriggerFor(m)
	}
	p.seen = len(acc.Transitions)
}

func (p *processor) applyTriggers(acc *ProcessingData) {
	if len(p.staged) == 0 {
		return
	}
	if acc.AggregatedModelState == nil {
		acc.AggregatedModelState = make(map[domain.ModelID]domain.Model)
	}
	for id, at := range p.staged {
		if acc.isDeleted(id) {
			continue
		}
		m, ok := acc.AggregatedModelState[id]
		if !ok {
			if m, ok = p.base.GetOrNull(id); !ok {
				continue
			}
		}
		acc.AggregatedModelState[id] = m.WithTimeTrigger(at)
	}
}
