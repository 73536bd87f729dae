package service

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/CodeSniffer/internal/model"
)

// Grouped is a source together with the definitions applicable to it.
type Grouped struct {
	Source      model.Source
	Definitions []model.DefinitionVersion
}

type definitionEntry struct {
	groupID string
	version int
}

// cache mirrors the configuration entities needed by the scan loop. The
// grouped index is derived from it lazily, after a change sets invalidated.
type cache struct {
	mx          sync.RWMutex
	sources     map[string]model.Source
	groups      map[string][]string
	definitions map[string]definitionEntry

	invalidated atomic.Bool
	grouped     atomic.Pointer[[]Grouped]
}

func newCache() *cache {
	c := &cache{
		sources:     make(map[string]model.Source),
		groups:      make(map[string][]string),
		definitions: make(map[string]definitionEntry),
	}
	c.grouped.Store(&[]Grouped{})
	return c
}

func (c *cache) update(fn func()) {
	c.mx.Lock()
	fn()
	c.mx.Unlock()
	c.invalidated.Store(true)
}

func (c *cache) putSource(src model.Source) {
	c.update(func() { c.sources[src.ID] = src })
}

func (c *cache) deleteSource(id string) {
	c.update(func() { delete(c.sources, id) })
}

func (c *cache) putGroup(g model.SourceGroup) {
	c.update(func() { c.groups[g.ID] = slices.Clone(g.SourceIDs) })
}

func (c *cache) deleteGroup(id string) {
	c.update(func() { delete(c.groups, id) })
}

func (c *cache) putDefinition(d model.Definition) {
	c.update(func() {
		c.definitions[d.ID] = definitionEntry{groupID: d.SourceGroupID, version: d.Version}
	})
}

func (c *cache) deleteDefinition(id string) {
	c.update(func() { delete(c.definitions, id) })
}

// index returns the grouped index, rebuilding it when the cache changed
// since the last call. Concurrent callers may rebuild twice, never observe
// a partial index.
func (c *cache) index() []Grouped {
	if c.invalidated.CompareAndSwap(true, false) {
		idx := c.build()
		c.grouped.Store(&idx)
	}
	return *c.grouped.Load()
}

// build joins definitions to their group members. Definitions are visited
// in id order and sources keep the order of their first occurrence.
func (c *cache) build() []Grouped {
	c.mx.RLock()
	defer c.mx.RUnlock()

	ids := make([]string, 0, len(c.definitions))
	for id := range c.definitions {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var ret []Grouped
	pos := make(map[string]int)
	for _, id := range ids {
		def := c.definitions[id]
		members, ok := c.groups[def.groupID]
		if !ok {
			continue
		}
		dv := model.DefinitionVersion{DefinitionID: id, Version: def.version}
		for _, sourceID := range members {
			src, ok := c.sources[sourceID]
			if !ok {
				continue
			}
			i, seen := pos[sourceID]
			if !seen {
				i = len(ret)
				pos[sourceID] = i
				ret = append(ret, Grouped{Source: src})
			}
			// a group listing a source twice must not run the definition twice
			if !slices.Contains(ret[i].Definitions, dv) {
				ret[i].Definitions = append(ret[i].Definitions, dv)
			}
		}
	}
	return ret
}

// needsScan is the skip decision for a revision which already has a scan
// record. Recorded definitions no longer applicable never force a rescan.
func needsScan(record, applicable []model.DefinitionVersion) bool {
	versions := make(map[string]int, len(record))
	for _, dv := range record {
		versions[dv.DefinitionID] = dv.Version
	}
	for _, dv := range applicable {
		v, ok := versions[dv.DefinitionID]
		if !ok || v != dv.Version {
			return true
		}
	}
	return false
}
