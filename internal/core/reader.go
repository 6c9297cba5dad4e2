package core

import (
	"slices"
	"sort"

	"github.com/klerk-framework/klerk-sub000/internal/cache"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// cacheReader exposes the committed cache. Callers hold the read lock.
type cacheReader struct {
	c *cache.Cache
}

var _ domain.Reader = cacheReader{}

func (r cacheReader) Get(id domain.ModelID) (domain.Model, error) { return r.c.Get(id) }

func (r cacheReader) GetOrNull(id domain.ModelID) (domain.Model, bool) { return r.c.GetOrNull(id) }

func (r cacheReader) List(modelType string) []domain.Model { return r.c.List(modelType) }

func (r cacheReader) Related(id domain.ModelID) []domain.ModelID { return r.c.AllRelated(id) }

func (r cacheReader) RelatedByProperty(modelType, property string, id domain.ModelID) []domain.Model {
	return r.c.Related(modelType, property, id)
}

func (r cacheReader) Count() int { return r.c.Count() }

// deltaReader overlays in-flight processing layers on the committed cache.
// Layers are ordered newest first.
type deltaReader struct {
	base   domain.Reader
	layers []*ProcessingData
}

var _ domain.Reader = deltaReader{}

func newDeltaReader(base domain.Reader, layers ...*ProcessingData) deltaReader {
	return deltaReader{base: base, layers: layers}
}

func (r deltaReader) deleted(id domain.ModelID) bool {
	for _, l := range r.layers {
		if l.isDeleted(id) {
			return true
		}
	}
	return false
}

func (r deltaReader) GetOrNull(id domain.ModelID) (domain.Model, bool) {
	if r.deleted(id) {
		return domain.Model{}, false
	}
	for _, l := range r.layers {
		if m, ok := l.AggregatedModelState[id]; ok {
			return m, true
		}
	}
	return r.base.GetOrNull(id)
}

func (r deltaReader) Get(id domain.ModelID) (domain.Model, error) {
	m, ok := r.GetOrNull(id)
	if !ok {
		return domain.Model{}, domain.ErrModelNotFound{ID: id}
	}
	return m, nil
}

// overlay returns the in-flight models, newest layer winning.
func (r deltaReader) overlay() map[domain.ModelID]domain.Model {
	out := make(map[domain.ModelID]domain.Model)
	for i := len(r.layers) - 1; i >= 0; i-- {
		for id, m := range r.layers[i].AggregatedModelState {
			out[id] = m
		}
	}
	return out
}

func (r deltaReader) List(modelType string) []domain.Model {
	overlay := r.overlay()
	var out []domain.Model
	for _, m := range r.base.List(modelType) {
		if _, shadowed := overlay[m.ID]; shadowed || r.deleted(m.ID) {
			continue
		}
		out = append(out, m)
	}
	for id, m := range overlay {
		if m.Type() == modelType && !r.deleted(id) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Related combines committed relations with references declared by
// in-flight models, dropping sources deleted or re-pointed in the delta.
func (r deltaReader) Related(id domain.ModelID) []domain.ModelID {
	overlay := r.overlay()
	var out []domain.ModelID
	for _, src := range r.base.Related(id) {
		if r.deleted(src) {
			continue
		}
		if m, ok := overlay[src]; ok && !slices.Contains(m.ReferencedIDs(), id) {
			continue
		}
		out = append(out, src)
	}
	for src, m := range overlay {
		if r.deleted(src) || slices.Contains(out, src) {
			continue
		}
		if slices.Contains(m.ReferencedIDs(), id) {
			out = append(out, src)
		}
	}
	slices.Sort(out)
	return out
}

func (r deltaReader) RelatedByProperty(modelType, property string, id domain.ModelID) []domain.Model {
	var out []domain.Model
	for _, src := range r.Related(id) {
		m, ok := r.GetOrNull(src)
		if !ok || m.Type() != modelType {
			continue
		}
		for _, ref := range m.Props.References() {
			if (property == "" || ref.Property == property) && slices.Contains(ref.IDs, id) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

func (r deltaReader) Count() int {
	n := r.base.Count()
	for id := range r.overlay() {
		if _, committed := r.base.GetOrNull(id); !committed && !r.deleted(id) {
			n++
		}
	}
	for _, l := range r.layers {
		for _, id := range dedupe(l.DeletedModels) {
			if _, committed := r.base.GetOrNull(id); committed {
				n--
			}
		}
	}
	return n
}
