// Package statemachine declares the state machines that drive models: states,
// the blocks run at each lifecycle moment, and the executables inside them.
// Definitions are built once and are read-only afterwards.
package statemachine

import (
	"context"
	"time"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// Args is the argument bundle an executable is evaluated against. Model is
// nil in Void event blocks; Command is nil for time blocks.
type Args struct {
	Model   *domain.Model
	Command *domain.Command
	Context domain.CommandContext
	Reader  domain.Reader
	Time    time.Time
}

// Params returns the command parameters, or nil.
func (a Args) Params() any {
	if a.Command == nil {
		return nil
	}
	return a.Command.Params
}

// Predicate gates an executable (or selects a transition branch).
type Predicate func(Args) bool

// Validator checks a whole payload. A non-nil error rejects the command.
type Validator func(domain.Props) error

// Executable is one declared side-effect unit of a block. The set of
// implementations is closed.
type Executable interface {
	guard() Predicate
	kind() string
}

// Enabled reports whether e runs for the given arguments.
func Enabled(e Executable, args Args) bool {
	g := e.guard()
	return g == nil || g(args)
}

// Kind names the executable variant.
func Kind(e Executable) string { return e.kind() }

// Transition moves the model to Target.
type Transition struct {
	Target string
	OnlyIf Predicate
}

// Branch is one arm of a TransitionWhen.
type Branch struct {
	When   Predicate
	Target string
}

// TransitionWhen moves the model to the target of the first branch whose
// condition holds, else to Default (empty means no transition).
type TransitionWhen struct {
	Branches []Branch
	Default  string
	OnlyIf   Predicate
}

// Target resolves the branch for args.
func (t TransitionWhen) Target(args Args) (string, bool) {
	for _, b := range t.Branches {
		if b.When != nil && b.When(args) {
			return b.Target, true
		}
	}
	if t.Default != "" {
		return t.Default, true
	}
	return "", false
}

// UpdateModel replaces the payload of the model.
type UpdateModel struct {
	Update     func(Args) (domain.Props, error)
	Validators []Validator
	OnlyIf     Predicate
}

// Delete removes the model unless other live models still reference it.
type Delete struct {
	OnlyIf Predicate
}

// CreateModel constructs a model and sends it to InitialState. Only valid in
// Void event blocks.
type CreateModel struct {
	InitialState string
	Build        func(Args) (domain.Props, error)
	Validators   []Validator
	OnlyIf       Predicate
}

// CreateCommands emits follow-on commands which run before any command
// queued behind the triggering one.
type CreateCommands struct {
	Build  func(Args) ([]domain.Command, error)
	OnlyIf Predicate
}

// JobFunc is the body of a durable job.
type JobFunc func(ctx context.Context, job domain.JobSpec) error

// Job schedules durable, retryable work to run after commit.
type Job struct {
	Name        string
	MaxAttempts int
	Run         func(Args) JobFunc
	OnlyIf      Predicate
}

// UnmanagedJob registers fire-and-forget work run after commit.
type UnmanagedJob struct {
	Run    func(ctx context.Context, args Args) error
	OnlyIf Predicate
}

// Action is a synchronous side effect. It runs after the delta is
// committed, so dry runs and rejected commands never run it.
type Action struct {
	Run    func(args Args) error
	OnlyIf Predicate
}

func (e Transition) guard() Predicate     { return e.OnlyIf }
func (e TransitionWhen) guard() Predicate { return e.OnlyIf }
func (e UpdateModel) guard() Predicate    { return e.OnlyIf }
func (e Delete) guard() Predicate         { return e.OnlyIf }
func (e CreateModel) guard() Predicate    { return e.OnlyIf }
func (e CreateCommands) guard() Predicate { return e.OnlyIf }
func (e Job) guard() Predicate            { return e.OnlyIf }
func (e UnmanagedJob) guard() Predicate   { return e.OnlyIf }
func (e Action) guard() Predicate         { return e.OnlyIf }

func (Transition) kind() string     { return "transition" }
func (TransitionWhen) kind() string { return "transition_when" }
func (UpdateModel) kind() string    { return "update_model" }
func (Delete) kind() string         { return "delete" }
func (CreateModel) kind() string    { return "create_model" }
func (CreateCommands) kind() string { return "create_commands" }
func (Job) kind() string            { return "job" }
func (UnmanagedJob) kind() string   { return "unmanaged_job" }
func (Action) kind() string         { return "action" }

// targets lists every state the executable may transition to.
func targets(e Executable) []string {
	switch x := e.(type) {
	case Transition:
		return []string{x.Target}
	case TransitionWhen:
		out := make([]string, 0, len(x.Branches)+1)
		for _, b := range x.Branches {
			out = append(out, b.Target)
		}
		if x.Default != "" {
			out = append(out, x.Default)
		}
		return out
	case CreateModel:
		return []string{x.InitialState}
	}
	return nil
}
