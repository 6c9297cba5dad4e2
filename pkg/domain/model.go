// Package domain defines the public contracts of the klerk object store:
// models and their identifiers, commands, deltas, problems, and the narrow
// interfaces implemented by external collaborators (persistence,
// authorization, payload codecs).
package domain

import (
	"fmt"
	"strconv"
	"time"
)

// VoidState is the state name of a model whose create transition has not
// been finalized yet.
const VoidState = "void"

// DistantPast is the lastStateTransitionAt sentinel carried by a model that
// has just been constructed and has not entered its initial state.
var DistantPast = time.Time{}

// ModelID is an opaque positive handle. Identifiers are drawn at random from
// the 31-bit range so they are not guessable.
type ModelID int32

// MaxModelID is the upper bound of the identifier range.
const MaxModelID ModelID = 1<<31 - 1

// Valid reports whether the identifier lies in the allocatable range.
func (id ModelID) Valid() bool { return id > 0 }

func (id ModelID) String() string { return strconv.FormatInt(int64(id), 10) }

// Reference declares one reference-valued property of a payload. Single
// references carry one ID; collections carry zero or more.
type Reference struct {
	Property string
	IDs      []ModelID
}

// Ref builds a Reference for a single-valued property. Zero IDs are skipped
// so optional references can be declared unconditionally.
func Ref(property string, id ModelID) Reference {
	if !id.Valid() {
		return Reference{Property: property}
	}
	return Reference{Property: property, IDs: []ModelID{id}}
}

// Refs builds a Reference for a collection-valued property.
func Refs(property string, ids ...ModelID) Reference {
	out := make([]ModelID, 0, len(ids))
	for _, id := range ids {
		if id.Valid() {
			out = append(out, id)
		}
	}
	return Reference{Property: property, IDs: out}
}

// Props is implemented by every model payload type. References must list
// every reference-valued field; the relation index is derived from it.
type Props interface {
	ModelType() string
	References() []Reference
}

// Model is a committed (or in-flight) model value. Models are passed by
// value; Props implementations are expected to be immutable.
type Model struct {
	ID                    ModelID
	CreatedAt             time.Time
	LastPropsUpdateAt     time.Time
	LastStateTransitionAt time.Time
	State                 string
	TimeTrigger           *time.Time
	Props                 Props
}

// Type returns the payload type name.
func (m Model) Type() string {
	if m.Props == nil {
		return ""
	}
	return m.Props.ModelType()
}

// LastModifiedAt is the later of the last props update and the last state
// transition.
func (m Model) LastModifiedAt() time.Time {
	if m.LastStateTransitionAt.After(m.LastPropsUpdateAt) {
		return m.LastStateTransitionAt
	}
	return m.LastPropsUpdateAt
}

// ReferencedIDs flattens every reference declared by the payload.
func (m Model) ReferencedIDs() []ModelID {
	if m.Props == nil {
		return nil
	}
	var out []ModelID
	for _, ref := range m.Props.References() {
		out = append(out, ref.IDs...)
	}
	return out
}

// WithTimeTrigger returns a copy of m carrying the given trigger.
func (m Model) WithTimeTrigger(at *time.Time) Model {
	if at != nil {
		v := *at
		at = &v
	}
	m.TimeTrigger = at
	return m
}

func (m Model) String() string {
	return fmt.Sprintf("%s#%d(%s)", m.Type(), m.ID, m.State)
}

// PropsAs returns the payload of m as T.
func PropsAs[T Props](m Model) (T, bool) {
	v, ok := m.Props.(T)
	return v, ok
}
