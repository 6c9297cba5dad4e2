package core

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
	"github.com/klerk-framework/klerk-sub000/pkg/statemachine"
)

// blockRun is a block queued for execution against one model. model is zero
// for Void event blocks.
type blockRun struct {
	block   statemachine.Block
	model   domain.ModelID
	command *domain.Command
}

// pendingTransition is a transition whose state change waits for the exit
// block of the old state to complete.
type pendingTransition struct {
	modelID  domain.ModelID
	target   string
	at       time.Time
	snapshot domain.Model
}

type deferredJob struct {
	spec domain.JobSpec
	run  statemachine.JobFunc
}

// ProcessingData accumulates the delta of one top-level command. It only
// lives for the duration of that command's processing.
type ProcessingData struct {
	PrimaryModel domain.ModelID

	RemainingCommands []domain.Command
	ProcessedCommands []domain.Command
	RemainingBlocks   []blockRun
	ProcessedBlocks   []string

	// AggregatedModelState holds the latest value of every model touched so
	// far.
	AggregatedModelState map[domain.ModelID]domain.Model

	CreatedModels []domain.ModelID
	UpdatedModels []domain.ModelID
	DeletedModels []domain.ModelID
	Transitions   []domain.ModelID

	NewJobs       []deferredJob
	UnmanagedJobs []func(context.Context) error
	Actions       []func() error

	UnfinalizedTransition *pendingTransition

	Problems []domain.Problem
	Log      []string
}

// merge folds subsequent into acc. Lists concatenate, the aggregated model
// state is overwritten key by key after dropping newly deleted models, and
// scalar fields keep the left side when it is set. When isExitBlock is true
// a pending transition is committed against the latest known snapshot of
// its model.
func merge(acc, subsequent ProcessingData, isExitBlock bool) ProcessingData {
	out := ProcessingData{
		PrimaryModel:      acc.PrimaryModel,
		RemainingCommands: concat(acc.RemainingCommands, subsequent.RemainingCommands),
		ProcessedCommands: concat(acc.ProcessedCommands, subsequent.ProcessedCommands),
		RemainingBlocks:   concat(acc.RemainingBlocks, subsequent.RemainingBlocks),
		ProcessedBlocks:   concat(acc.ProcessedBlocks, subsequent.ProcessedBlocks),
		CreatedModels:     concat(acc.CreatedModels, subsequent.CreatedModels),
		UpdatedModels:     concat(acc.UpdatedModels, subsequent.UpdatedModels),
		DeletedModels:     concat(acc.DeletedModels, subsequent.DeletedModels),
		Transitions:       concat(acc.Transitions, subsequent.Transitions),
		NewJobs:           concat(acc.NewJobs, subsequent.NewJobs),
		UnmanagedJobs:     concat(acc.UnmanagedJobs, subsequent.UnmanagedJobs),
		Actions:           concat(acc.Actions, subsequent.Actions),
		Problems:          concat(acc.Problems, subsequent.Problems),
		Log:               concat(acc.Log, subsequent.Log),
	}
	if !out.PrimaryModel.Valid() {
		out.PrimaryModel = subsequent.PrimaryModel
	}

	out.AggregatedModelState = make(map[domain.ModelID]domain.Model, len(acc.AggregatedModelState)+len(subsequent.AggregatedModelState))
	maps.Copy(out.AggregatedModelState, acc.AggregatedModelState)
	for _, id := range subsequent.DeletedModels {
		delete(out.AggregatedModelState, id)
	}
	maps.Copy(out.AggregatedModelState, subsequent.AggregatedModelState)

	switch {
	case acc.UnfinalizedTransition != nil && subsequent.UnfinalizedTransition != nil:
		panic(fmt.Sprintf("%s: model %d requested a transition to %q while the transition of model %d to %q is pending",
			domain.ProblemInternal, subsequent.UnfinalizedTransition.modelID, subsequent.UnfinalizedTransition.target,
			acc.UnfinalizedTransition.modelID, acc.UnfinalizedTransition.target))
	case acc.UnfinalizedTransition != nil:
		out.UnfinalizedTransition = acc.UnfinalizedTransition
	default:
		out.UnfinalizedTransition = subsequent.UnfinalizedTransition
	}

	if isExitBlock && out.UnfinalizedTransition != nil {
		pending := out.UnfinalizedTransition
		out.UnfinalizedTransition = nil
		if slices.Contains(out.DeletedModels, pending.modelID) {
			out.Log = append(out.Log, fmt.Sprintf("transition of %d to %s dropped: model deleted", pending.modelID, pending.target))
			return out
		}
		latest, ok := subsequent.AggregatedModelState[pending.modelID]
		if !ok {
			latest, ok = acc.AggregatedModelState[pending.modelID]
		}
		if !ok {
			latest = pending.snapshot
		}
		from := latest.State
		latest.State = pending.target
		latest.LastStateTransitionAt = pending.at
		out.AggregatedModelState[pending.modelID] = latest
		out.Transitions = append(out.Transitions, pending.modelID)
		out.Log = append(out.Log, fmt.Sprintf("model %d: %s -> %s", pending.modelID, from, pending.target))
	}
	return out
}

// failed reduces data to its problems; nothing else of a failed command is
// kept.
func failed(data ProcessingData) ProcessingData {
	return ProcessingData{
		Problems:          data.Problems,
		Log:               data.Log,
		ProcessedCommands: data.ProcessedCommands,
	}
}

// isDeleted reports whether the model was deleted within this delta.
func (d ProcessingData) isDeleted(id domain.ModelID) bool {
	return slices.Contains(d.DeletedModels, id)
}

// Delta converts the accumulated data into the committed delta.
func (d ProcessingData) Delta() domain.Delta {
	models := make(map[domain.ModelID]domain.Model, len(d.AggregatedModelState))
	for id, m := range d.AggregatedModelState {
		if d.isDeleted(id) {
			continue
		}
		models[id] = m
	}
	delta := domain.Delta{
		Models:       models,
		Created:      dedupe(d.CreatedModels),
		Updated:      dedupe(d.UpdatedModels),
		Deleted:      dedupe(d.DeletedModels),
		Transitioned: dedupe(d.Transitions),
		Log:          d.Log,
	}
	for _, job := range d.NewJobs {
		delta.Jobs = append(delta.Jobs, job.spec)
	}
	return delta
}

func concat[T any](a, b []T) []T {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]T, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func dedupe(ids []domain.ModelID) []domain.ModelID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[domain.ModelID]struct{}, len(ids))
	out := make([]domain.ModelID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
