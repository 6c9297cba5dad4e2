package domain

import (
	"cmp"
	"slices"
)

// Delta is the committed outcome of one top-level command (or time trigger),
// including every cascading sub-command. Models holds the latest value of
// every touched model that still exists; it may include models whose only
// change is their time trigger.
type Delta struct {
	Models       map[ModelID]Model
	Created      []ModelID
	Updated      []ModelID
	Deleted      []ModelID
	Transitioned []ModelID
	Jobs         []JobSpec
	Log          []string
}

// Empty reports whether the delta carries no mutation.
func (d Delta) Empty() bool {
	return len(d.Models) == 0 && len(d.Deleted) == 0
}

// SortedModels returns the stored models ordered by ID.
func (d Delta) SortedModels() []Model {
	out := make([]Model, 0, len(d.Models))
	for _, m := range d.Models {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Model) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Notifications derives subscriber notifications from the delta. Models
// created and deleted within the same delta are not announced, and created
// models are announced once.
func (d Delta) Notifications() []Notification {
	var out []Notification
	skip := func(id ModelID, created bool) bool {
		if slices.Contains(d.Deleted, id) {
			return true
		}
		return !created && slices.Contains(d.Created, id)
	}
	for _, id := range d.Created {
		if !skip(id, true) {
			out = append(out, Notification{Kind: NotifyCreated, ModelID: id})
		}
	}
	for _, id := range d.Updated {
		if !skip(id, false) {
			out = append(out, Notification{Kind: NotifyPropsUpdated, ModelID: id})
		}
	}
	for _, id := range d.Transitioned {
		if !skip(id, false) {
			out = append(out, Notification{Kind: NotifyTransitioned, ModelID: id})
		}
	}
	for _, id := range d.Deleted {
		if !slices.Contains(d.Created, id) {
			out = append(out, Notification{Kind: NotifyDeleted, ModelID: id})
		}
	}
	return out
}
