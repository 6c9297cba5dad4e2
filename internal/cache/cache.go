// Package cache holds the authoritative set of live models and the derived
// reverse-reference index. The cache performs no locking and no cascading;
// callers serialize access and guard deletes.
package cache

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// maxIDAttempts bounds random identifier allocation.
const maxIDAttempts = 1000

type idSet map[domain.ModelID]struct{}

// Cache is the in-memory model store.
type Cache struct {
	models map[domain.ModelID]domain.Model
	// relations maps a target to the set of models referencing it.
	relations map[domain.ModelID]idSet
	// outbound remembers what each source referenced when it was stored.
	outbound map[domain.ModelID][]domain.Reference
	randRead func([]byte) (int, error)
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		models:    make(map[domain.ModelID]domain.Model),
		relations: make(map[domain.ModelID]idSet),
		outbound:  make(map[domain.ModelID][]domain.Reference),
		randRead:  rand.Read,
	}
}

// Get returns the model or ErrModelNotFound.
func (c *Cache) Get(id domain.ModelID) (domain.Model, error) {
	m, ok := c.models[id]
	if !ok {
		return domain.Model{}, domain.ErrModelNotFound{ID: id}
	}
	return m, nil
}

// GetOrNull returns the model if present.
func (c *Cache) GetOrNull(id domain.ModelID) (domain.Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// Count returns the number of live models.
func (c *Cache) Count() int { return len(c.models) }

// All returns every live model ordered by ID.
func (c *Cache) All() []domain.Model {
	out := make([]domain.Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns the models of one type ordered by ID.
func (c *Cache) List(modelType string) []domain.Model {
	var out []domain.Model
	for _, m := range c.models {
		if m.Type() == modelType {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Load inserts a model without refreshing relations. Used for bulk loading
// followed by InitRelations.
func (c *Cache) Load(m domain.Model) {
	c.models[m.ID] = m
}

// Store upserts a model and refreshes the relations it is the source of.
func (c *Cache) Store(m domain.Model) {
	if _, existed := c.models[m.ID]; existed {
		c.unlinkSource(m.ID)
	}
	c.models[m.ID] = m
	c.linkSource(m)
}

// Delete removes the model and purges it from every relation set. Guarding
// against dangling inbound references is the caller's job.
func (c *Cache) Delete(id domain.ModelID) {
	if _, ok := c.models[id]; !ok {
		return
	}
	c.unlinkSource(id)
	delete(c.relations, id)
	delete(c.models, id)
}

// IsIDAvailable reports whether candidate is unused and in range.
func (c *Cache) IsIDAvailable(candidate domain.ModelID) bool {
	if !candidate.Valid() {
		return false
	}
	_, used := c.models[candidate]
	return !used
}

// NewID draws a random unused identifier. taken reports identifiers that are
// reserved elsewhere (e.g. created earlier in the same delta).
func (c *Cache) NewID(taken func(domain.ModelID) bool) (domain.ModelID, error) {
	var buf [4]byte
	for range maxIDAttempts {
		if _, err := c.randRead(buf[:]); err != nil {
			return 0, fmt.Errorf("read random id: %w", err)
		}
		candidate := domain.ModelID(binary.BigEndian.Uint32(buf[:]) & uint32(domain.MaxModelID))
		if !c.IsIDAvailable(candidate) {
			continue
		}
		if taken != nil && taken(candidate) {
			continue
		}
		return candidate, nil
	}
	return 0, fmt.Errorf("no free model id after %d attempts", maxIDAttempts)
}

// AllRelated returns every model referencing id, sorted.
func (c *Cache) AllRelated(id domain.ModelID) []domain.ModelID {
	set := c.relations[id]
	out := make([]domain.ModelID, 0, len(set))
	for src := range set {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Related returns the models of modelType whose property references id. An
// empty property matches any property.
func (c *Cache) Related(modelType, property string, id domain.ModelID) []domain.Model {
	var out []domain.Model
	for _, src := range c.AllRelated(id) {
		m := c.models[src]
		if m.Type() != modelType {
			continue
		}
		for _, ref := range c.outbound[src] {
			if property != "" && ref.Property != property {
				continue
			}
			if containsID(ref.IDs, id) {
				out = append(out, m)
				break
			}
		}
	}
	return out
}

// InitRelations rebuilds the relation index from scratch.
func (c *Cache) InitRelations() {
	c.relations = make(map[domain.ModelID]idSet)
	c.outbound = make(map[domain.ModelID][]domain.Reference)
	for _, m := range c.models {
		c.linkSource(m)
	}
}

func (c *Cache) linkSource(m domain.Model) {
	if m.Props == nil {
		return
	}
	refs := m.Props.References()
	if len(refs) == 0 {
		return
	}
	c.outbound[m.ID] = refs
	for _, ref := range refs {
		for _, target := range ref.IDs {
			set, ok := c.relations[target]
			if !ok {
				set = make(idSet)
				c.relations[target] = set
			}
			set[m.ID] = struct{}{}
		}
	}
}

func (c *Cache) unlinkSource(id domain.ModelID) {
	for _, ref := range c.outbound[id] {
		for _, target := range ref.IDs {
			set := c.relations[target]
			delete(set, id)
			if len(set) == 0 {
				delete(c.relations, target)
			}
		}
	}
	delete(c.outbound, id)
}

func containsID(ids []domain.ModelID, id domain.ModelID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
