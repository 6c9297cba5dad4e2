package core

import (
	"fmt"
	"sync"

	"github.com/klerk-framework/klerk-sub000/internal/cache"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
)

// coordinator owns the cache. processing admits one command at a time; rw
// guards the cache itself so readers never observe a half-applied delta.
// Readers share rw; only apply takes it exclusively.
type coordinator struct {
	processing sync.Mutex
	rw         sync.RWMutex
	cache      *cache.Cache
}

func newCoordinator(c *cache.Cache) *coordinator {
	return &coordinator{cache: c}
}

// serialize runs fn while holding the processing lock.
func (c *coordinator) serialize(fn func()) {
	c.processing.Lock()
	defer c.processing.Unlock()
	fn()
}

// read runs fn with a read-mode acquisition.
func (c *coordinator) read(fn func(domain.Reader) error) error {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return fn(cacheReader{c: c.cache})
}

// apply mutates the cache with a committed delta. Callers must hold the
// processing lock and must already have persisted the delta.
func (c *coordinator) apply(delta domain.Delta) {
	c.rw.Lock()
	defer c.rw.Unlock()
	for _, id := range delta.Deleted {
		c.cache.Delete(id)
	}
	for _, m := range delta.SortedModels() {
		mustApply("store model", m.ID.Valid() && m.Props != nil, m.ID)
		c.cache.Store(m)
	}
}

// load bulk-inserts models at startup and rebuilds the relation index.
func (c *coordinator) load(models []domain.Model) {
	c.rw.Lock()
	defer c.rw.Unlock()
	for _, m := range models {
		c.cache.Load(m)
	}
	c.cache.InitRelations()
}

func (c *coordinator) newID(taken func(domain.ModelID) bool) (domain.ModelID, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.cache.NewID(taken)
}

// reader returns a Reader that takes a read-mode acquisition per call.
func (c *coordinator) reader() domain.Reader { return lockedReader{c: c} }

// mustApply panics when a committed delta breaks a cache invariant. Deltas
// are validated before commit, so this indicates a bug.
func mustApply(op string, ok bool, id domain.ModelID) {
	if !ok {
		panic(fmt.Sprintf("%s: invariant violated for model %d", op, id))
	}
}

type lockedReader struct {
	c *coordinator
}

var _ domain.Reader = lockedReader{}

func (r lockedReader) Get(id domain.ModelID) (domain.Model, error) {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	return r.c.cache.Get(id)
}

func (r lockedReader) GetOrNull(id domain.ModelID) (domain.Model, bool) {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	return r.c.cache.GetOrNull(id)
}

func (r lockedReader) List(modelType string) []domain.Model {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	return r.c.cache.List(modelType)
}

func (r lockedReader) Related(id domain.ModelID) []domain.ModelID {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	return r.c.cache.AllRelated(id)
}

func (r lockedReader) RelatedByProperty(modelType, property string, id domain.ModelID) []domain.Model {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	return r.c.cache.Related(modelType, property, id)
}

func (r lockedReader) Count() int {
	r.c.rw.RLock()
	defer r.c.rw.RUnlock()
	return r.c.cache.Count()
}
