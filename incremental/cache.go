package incremental

import "time"

// Artifact describes what a stage produced for one input.
type Artifact struct {
	Input   string
	ModTime time.Time
	Output  string
	SizeIn  int64
	SizeOut int64
}

// Cache holds the artifacts of exactly one stage keyed by input identity.
// A cache is owned by a single stage and is not safe for concurrent use.
type Cache struct {
	entries map[string]Artifact
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Artifact)}
}

// Get returns a copy of every cached artifact.
func (c *Cache) Get() map[string]Artifact {
	out := make(map[string]Artifact, len(c.entries))
	for id, a := range c.entries {
		out[id] = a
	}
	return out
}

// Lookup returns the artifact cached for id.
func (c *Cache) Lookup(id string) (Artifact, bool) {
	a, ok := c.entries[id]
	return a, ok
}

// Fresh reports whether the artifact cached for id was produced from an input
// with the given modification time.
func (c *Cache) Fresh(id string, modTime time.Time) (Artifact, bool) {
	a, ok := c.entries[id]
	if !ok || !a.ModTime.Equal(modTime) {
		return Artifact{}, false
	}
	return a, true
}

// Put stores a, replacing any previous artifact for the same identity.
func (c *Cache) Put(id string, a Artifact) {
	if a.Input == "" {
		a.Input = id
	}
	c.entries[id] = a
}

// Evict drops the artifact cached for id.
func (c *Cache) Evict(id string) {
	delete(c.entries, id)
}

// Invalidate marks every artifact stale so the next run reprocesses its
// input. The outputs stay recorded, so the output of an input deleted in the
// meantime is still removed.
func (c *Cache) Invalidate() {
	for id, a := range c.entries {
		a.ModTime = time.Time{}
		c.entries[id] = a
	}
}

// Reset drops every artifact. Use it only once the outputs are gone.
func (c *Cache) Reset() {
	clear(c.entries)
}

// Len returns the number of cached artifacts.
func (c *Cache) Len() int { return len(c.entries) }

// Set holds one cache per stage. The set of stages is fixed at construction so
// concurrent stages only ever touch their own Cache.
type Set struct {
	caches map[string]*Cache
}

// NewSet creates a cache for each named stage.
func NewSet(stages ...string) *Set {
	s := &Set{caches: make(map[string]*Cache, len(stages))}
	for _, name := range stages {
		s.caches[name] = NewCache()
	}
	return s
}

// Stage returns the cache owned by stage, or nil when the stage is unknown.
func (s *Set) Stage(stage string) *Cache {
	return s.caches[stage]
}

// Get returns the artifacts of stage.
func (s *Set) Get(stage string) map[string]Artifact {
	if c := s.caches[stage]; c != nil {
		return c.Get()
	}
	return nil
}

// Put stores an artifact for stage.
func (s *Set) Put(stage, id string, a Artifact) {
	if c := s.caches[stage]; c != nil {
		c.Put(id, a)
	}
}

// Evict drops one artifact of stage.
func (s *Set) Evict(stage, id string) {
	if c := s.caches[stage]; c != nil {
		c.Evict(id)
	}
}

// Invalidate marks every artifact of stage stale.
func (s *Set) Invalidate(stage string) {
	if c := s.caches[stage]; c != nil {
		c.Invalidate()
	}
}

// ResetAll drops every artifact of every stage.
func (s *Set) ResetAll() {
	for _, c := range s.caches {
		c.Reset()
	}
}
