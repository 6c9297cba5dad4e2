package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ProblemKind categorizes why a command was rejected.
type ProblemKind string

// Problem kinds returned by the command surface.
const (
	ProblemNotFound            ProblemKind = "not_found"
	ProblemBadRequest          ProblemKind = "bad_request"
	ProblemStateConflict       ProblemKind = "state_conflict"
	ProblemAuthorizationDenied ProblemKind = "authorization_denied"
	ProblemIdempotencyConflict ProblemKind = "idempotency_conflict"
	ProblemServerUnavailable   ProblemKind = "server_unavailable"
	ProblemInternal            ProblemKind = "internal"
)

// Problem reports one reason a command could not be applied.
type Problem struct {
	Kind    ProblemKind
	Message string
	ModelID ModelID
	Event   string
	// Blockers lists models preventing a delete.
	Blockers []ModelID
}

func (p Problem) String() string {
	var b strings.Builder
	b.WriteString(string(p.Kind))
	b.WriteString(": ")
	b.WriteString(p.Message)
	if p.ModelID.Valid() {
		fmt.Fprintf(&b, " (model %d)", p.ModelID)
	}
	return b.String()
}

// NewProblem is a shorthand constructor.
func NewProblem(kind ProblemKind, format string, args ...any) Problem {
	return Problem{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// CommandError is returned by the command surface when processing produced
// problems. Nothing was committed.
type CommandError struct {
	Problems []Problem
}

func (e *CommandError) Error() string {
	switch len(e.Problems) {
	case 0:
		return "command rejected"
	case 1:
		return "command rejected: " + e.Problems[0].String()
	default:
		return fmt.Sprintf("command rejected: %s (and %d more)", e.Problems[0].String(), len(e.Problems)-1)
	}
}

// Has reports whether any problem has the given kind.
func (e *CommandError) Has(kind ProblemKind) bool {
	for _, p := range e.Problems {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// IsProblemKind reports whether err wraps a CommandError carrying a problem
// of the given kind.
func IsProblemKind(err error, kind ProblemKind) bool {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Has(kind)
	}
	return false
}

// ProblemsOf extracts the problem list from err, if any.
func ProblemsOf(err error) []Problem {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Problems
	}
	return nil
}
