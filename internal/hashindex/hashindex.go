// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hashindex implements C3 (Hash Index): an in-memory
// canonical-source -> entry_id mirror per (tm_id, granularity), kept in
// sync with the durable copy in internal/store so C7's exact-tier
// lookups never need a round trip through CozoDB. Mirrors the teacher's
// in-memory symbol-table caches layered in front of its CozoDB-backed
// graph (see pkg/storage/embedded.go's indexing helpers) — same shape,
// repointed at TM entries instead of code symbols.
package hashindex

import (
	"sync"

	"github.com/neilvibe/ldm/internal/model"
)

type key struct {
	tmID string
	gran model.Granularity
}

// Index is a process-wide, concurrency-safe mirror of C3.
type Index struct {
	mu   sync.RWMutex
	data map[key]map[string]map[string]struct{} // key -> canonical -> set(entry_id)
}

// New returns an empty Index.
func New() *Index {
	return &Index{data: map[key]map[string]map[string]struct{}{}}
}

func (idx *Index) bucket(tmID string, gran model.Granularity) map[string]map[string]struct{} {
	k := key{tmID, gran}
	b, ok := idx.data[k]
	if !ok {
		b = map[string]map[string]struct{}{}
		idx.data[k] = b
	}
	return b
}

// Add records canonical -> entry_id for a TM/granularity.
func (idx *Index) Add(tmID string, gran model.Granularity, canonical, entryID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b := idx.bucket(tmID, gran)
	set, ok := b[canonical]
	if !ok {
		set = map[string]struct{}{}
		b[canonical] = set
	}
	set[entryID] = struct{}{}
}

// Remove drops an entry_id from every canonical key it was registered
// under within a TM/granularity.
func (idx *Index) Remove(tmID string, gran model.Granularity, entryID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b, ok := idx.data[key{tmID, gran}]
	if !ok {
		return
	}
	for canon, set := range b {
		delete(set, entryID)
		if len(set) == 0 {
			delete(b, canon)
		}
	}
}

// Lookup returns the entry ids registered for an exact canonical match.
func (idx *Index) Lookup(tmID string, gran model.Granularity, canonical string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.data[key{tmID, gran}]
	if !ok {
		return nil
	}
	set, ok := b[canonical]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Contains runs a substring scan over every canonical key in a
// TM/granularity bucket, returning (canonical, entry_id) hits. This
// backs C7's contains tier (spec §4.7 step 2); callers are expected to
// cap the result count and apply their own scoring/ordering.
type ContainsHit struct {
	Canonical string
	EntryID   string
}

func (idx *Index) Contains(tmID string, gran model.Granularity, substr string) []ContainsHit {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.data[key{tmID, gran}]
	if !ok || substr == "" {
		return nil
	}
	var hits []ContainsHit
	for canon, set := range b {
		if !containsFold(canon, substr) {
			continue
		}
		for id := range set {
			hits = append(hits, ContainsHit{Canonical: canon, EntryID: id})
		}
	}
	return hits
}

func containsFold(s, substr string) bool {
	sl, subl := []rune(toLower(s)), []rune(toLower(substr))
	if len(subl) == 0 || len(subl) > len(sl) {
		return len(subl) == 0
	}
	for i := 0; i+len(subl) <= len(sl); i++ {
		match := true
		for j := range subl {
			if sl[i+j] != subl[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r - 'A' + 'a'
		}
	}
	return string(out)
}

// AllCanonicals returns every canonical key registered for a
// TM/granularity, used by C6's rebuild path to merge a staging index
// into the live one.
func (idx *Index) AllCanonicals(tmID string, gran model.Granularity) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.data[key{tmID, gran}]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(b))
	for canon := range b {
		out = append(out, canon)
	}
	return out
}

// Clear drops every key for a TM/granularity, used before a rebuild
// (spec §4.6: rebuild replaces C3/C5 atomically from C1).
func (idx *Index) Clear(tmID string, gran model.Granularity) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.data, key{tmID, gran})
}

// Size reports how many canonical keys are registered for a TM/granularity.
func (idx *Index) Size(tmID string, gran model.Granularity) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.data[key{tmID, gran}])
}
