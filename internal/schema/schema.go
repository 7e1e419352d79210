// Package schema implements the L7 schema registry: an in-memory,
// branch-scoped catalog consulted by the entity layer for validation.
// The diff engine does not consult it.
package schema

import (
	"sync"

	"github.com/patrickmn/go-cache"

	"github.com/infrahub-project/infrahub-core/internal/errors"
)

// BranchSupport controls whether an attribute is stored per branch or
// shared globally under the synthetic global branch. It is set per
// attribute (AttributeSchema.Branch), not per kind.
type BranchSupport string

const (
	// BranchSupportAware - the attribute is stored on the caller's branch.
	BranchSupportAware BranchSupport = "AWARE"
	// BranchSupportAgnostic - the attribute is stored on the synthetic
	// global branch regardless of the caller's branch.
	BranchSupportAgnostic BranchSupport = "AGNOSTIC"
)

// AttributeSchema describes one attribute of a NodeSchema.
type AttributeSchema struct {
	Name         string
	Kind         string // one of entity.Kind's string values; kept untyped to avoid an import cycle
	Optional     bool
	DefaultValue interface{}
	Regex        string
	MinLength    *int
	MaxLength    *int
	Enum         []string
	Branch       BranchSupport
}

// RelationshipSchema describes one named relationship a NodeSchema exposes.
type RelationshipSchema struct {
	Name     string
	Peer     string // kind name of the related node
	Optional bool
	Cardinality string // "one" or "many"
}

// NodeSchema describes the shape of one kind of Node.
type NodeSchema struct {
	Kind          string
	Attributes    map[string]AttributeSchema
	Relationships map[string]RelationshipSchema
}

// Get returns the attribute schema named name, or NotFound.
func (s NodeSchema) Get(name string) (AttributeSchema, error) {
	a, ok := s.Attributes[name]
	if !ok {
		return AttributeSchema{}, errors.NotFoundErrorf("schema %q has no attribute %q", s.Kind, name)
	}
	return a, nil
}

// GetRelationship returns the relationship schema named name, or NotFound.
func (s NodeSchema) GetRelationship(name string) (RelationshipSchema, error) {
	r, ok := s.Relationships[name]
	if !ok {
		return RelationshipSchema{}, errors.NotFoundErrorf("schema %q has no relationship %q", s.Kind, name)
	}
	return r, nil
}

// snapshot is one branch's catalog: a kind → NodeSchema map plus its
// content hash, computed once on Set and reused by the cache key.
type snapshot struct {
	hash    string
	byKind  map[string]NodeSchema
}

// Registry is the process-wide, branch-keyed schema catalog described
// by the resource model: a branch's schema is duplicated on branch
// creation and mutated via Set, which invalidates an internal
// content-addressed cache keyed by schema hash. Callers must snapshot
// the branch's schema reference (via Get) before use — no lock is held
// across a suspension point.
type Registry struct {
	mu        sync.RWMutex
	byBranch  map[string]*snapshot
	hashCache *cache.Cache
}

// NewRegistry constructs an empty registry. Cached schema hashes never
// expire; an entry lives until Set replaces its branch's catalog.
func NewRegistry() *Registry {
	return &Registry{
		byBranch:  make(map[string]*snapshot),
		hashCache: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// Has reports whether kind is registered on branchName.
func (r *Registry) Has(branchName, kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.byBranch[branchName]
	if !ok {
		return false
	}
	_, ok = snap.byKind[kind]
	return ok
}

// Get resolves kind's schema from branchName's own catalog only; it
// does not fall back to the global branch or any other branch.
// Agnostic attributes are resolved per attribute by EffectiveBranch.
func (r *Registry) Get(branchName, kind string) (NodeSchema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.byBranch[branchName]
	if !ok {
		return NodeSchema{}, errors.NotFoundErrorf("no schema registered for branch %q", branchName)
	}
	ns, ok := snap.byKind[kind]
	if !ok {
		return NodeSchema{}, errors.NotFoundErrorf("kind %q not found on branch %q", kind, branchName)
	}
	return ns, nil
}

// EffectiveBranch returns the branch under which an attribute carrying
// support is actually stored: branchName itself when support is
// BranchSupportAware, the global branch when it is
// BranchSupportAgnostic. This is resolved per attribute, from that
// attribute's own AttributeSchema.Branch — never at whole-kind
// granularity, since a kind may mix aware and agnostic attributes and a
// Node's own existence (its IS_PART_OF edge) is never agnostic.
func EffectiveBranch(branchName string, support BranchSupport, globalBranchName string) string {
	if support == BranchSupportAgnostic {
		return globalBranchName
	}
	return branchName
}

// Set replaces branchName's entire catalog and invalidates the
// content-addressed cache keyed by the previous schema hash, so
// readers holding a stale hash recompute on next use.
func (r *Registry) Set(branchName string, kinds map[string]NodeSchema, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byBranch[branchName]; ok {
		r.hashCache.Delete(prev.hash)
	}
	r.byBranch[branchName] = &snapshot{hash: hash, byKind: kinds}
	r.hashCache.Set(hash, kinds, cache.NoExpiration)
}

// Duplicate copies fromBranch's catalog onto toBranch under a new
// hash, used when a branch is created: the child starts with an exact
// copy of the parent's schema.
func (r *Registry) Duplicate(fromBranch, toBranch, newHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.byBranch[fromBranch]
	if !ok {
		return errors.NotFoundErrorf("no schema registered for branch %q", fromBranch)
	}
	copied := make(map[string]NodeSchema, len(src.byKind))
	for k, v := range src.byKind {
		copied[k] = v
	}
	r.byBranch[toBranch] = &snapshot{hash: newHash, byKind: copied}
	r.hashCache.Set(newHash, copied, cache.NoExpiration)
	return nil
}

// Hash returns the current content hash for branchName's schema, as
// last given to Set or Duplicate.
func (r *Registry) Hash(branchName string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap, ok := r.byBranch[branchName]
	if !ok {
		return "", errors.NotFoundErrorf("no schema registered for branch %q", branchName)
	}
	return snap.hash, nil
}
