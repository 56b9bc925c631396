package strategy

import (
	"sync"

	"github.com/google/uuid"
)

// DefinitionCache keeps parsed, validated definitions with their resolved
// requirements. Definitions are snapshotted per job, so the orchestrator
// keys entries by job id and a re-entrant job skips the reparse. Reads take
// the shared lock; parsing happens outside any lock.
type DefinitionCache struct {
	mu   sync.RWMutex
	defs map[uuid.UUID]*cachedDefinition
}

type cachedDefinition struct {
	def *Definition
	req Requirements
}

// NewDefinitionCache returns an empty cache.
func NewDefinitionCache() *DefinitionCache {
	return &DefinitionCache{defs: make(map[uuid.UUID]*cachedDefinition)}
}

// Get returns the cached definition and its resolved requirements.
func (c *DefinitionCache) Get(id uuid.UUID) (*Definition, Requirements, bool) {
	c.mu.RLock()
	entry, ok := c.defs[id]
	c.mu.RUnlock()
	if !ok {
		return nil, Requirements{}, false
	}
	return entry.def, entry.req, true
}

// Put resolves the definition's requirements and stores both. The definition
// must already be validated.
func (c *DefinitionCache) Put(id uuid.UUID, def *Definition) error {
	req, err := Resolve(def)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.defs[id] = &cachedDefinition{def: def, req: req}
	c.mu.Unlock()
	return nil
}

// Invalidate drops one entry, e.g. after a strategy update event.
func (c *DefinitionCache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	delete(c.defs, id)
	c.mu.Unlock()
}

// Len reports the number of cached definitions.
func (c *DefinitionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}
