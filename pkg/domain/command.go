package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventRef names an event declared on the state machine of a model type.
type EventRef struct {
	ModelType string
	Name      string
}

func (e EventRef) String() string { return e.ModelType + "." + e.Name }

// Command requests one event, optionally targeting an existing model. A
// zero Model targets the Void state (create-type events).
type Command struct {
	Event  EventRef
	Model  ModelID
	Params any
}

// Token guards a command against replays and stale reads. A token is
// consumed by the first successful command that carries it.
type Token struct {
	ID        uuid.UUID
	IssuedAt  time.Time
	DependsOn []ModelID
}

// NewToken issues a token at the given instant that depends on the listed
// models not being modified afterwards.
func NewToken(issuedAt time.Time, dependsOn ...ModelID) Token {
	return Token{ID: uuid.New(), IssuedAt: issuedAt, DependsOn: append([]ModelID(nil), dependsOn...)}
}

// CommandContext describes who issues a command. Time is stamped by the
// service when processing starts.
type CommandContext struct {
	Actor      string
	Attributes map[string]string
	Time       time.Time
}

// Options control a single Handle call.
type Options struct {
	Token  *Token
	DryRun bool
}

// JobSpec describes durable retryable work produced by a Job executable.
type JobSpec struct {
	ID          uuid.UUID
	Name        string
	ModelID     ModelID
	MaxAttempts int
}

// Success is returned when a command was applied (or would have been, for
// a dry run).
type Success struct {
	PrimaryModel ModelID
	Created      []ModelID
	Updated      []ModelID
	Deleted      []ModelID
	Transitioned []ModelID
	Jobs         []JobSpec
	Log          []string
	Models       map[ModelID]Model
	DryRun       bool
}

// NotificationKind identifies the change a subscriber is informed about.
type NotificationKind string

// Notification kinds emitted after each committed delta.
const (
	NotifyCreated      NotificationKind = "created"
	NotifyPropsUpdated NotificationKind = "props_updated"
	NotifyTransitioned NotificationKind = "transitioned"
	NotifyDeleted      NotificationKind = "deleted"
)

// Notification is broadcast to subscribers once a delta is committed.
type Notification struct {
	Kind    NotificationKind
	ModelID ModelID
}
