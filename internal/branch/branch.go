// Package branch implements the branch record and the branch-aware
// query filter algebra that every read in the temporal graph model
// funnels through.
package branch

import (
	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

// Status is the lifecycle state of a Branch.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// DefaultName is the distinguished default branch's name. It is not a
// constant of the data model (Branch.IsDefault is), but every
// collaborator that needs a well-known fallback uses this name.
const DefaultName = "main"

// GlobalName is the synthetic branch under which branch-agnostic
// entities are stored so every user branch shares a single copy.
const GlobalName = "-global-"

// Branch is a named, time-anchored versioning scope.
type Branch struct {
	Name             string
	Status           Status
	OriginBranch     string
	BranchedFrom     timestamp.Timestamp
	IsDefault        bool
	IsProtected      bool
	IsDataOnly       bool
	EphemeralRebase  bool
	HierarchyLevel   int
	ActiveSchemaHash string
}

// NewDefault constructs the singleton default branch.
func NewDefault() *Branch {
	return &Branch{
		Name:           DefaultName,
		Status:         StatusOpen,
		OriginBranch:   DefaultName,
		BranchedFrom:   timestamp.Now(),
		IsDefault:      true,
		HierarchyLevel: 1,
	}
}

// New creates a non-default branch diverging from parent at
// branchedFrom. Multi-level hierarchies (branching from a non-default
// branch) are rejected: the diff/merge algorithms assume a single
// parent, per the data model's invariant that every non-default
// branch's origin is the default branch.
func New(name string, parent *Branch, branchedFrom timestamp.Timestamp) (*Branch, error) {
	if parent == nil || !parent.IsDefault {
		return nil, errors.ValidationErrorf("branch %q must originate from the default branch, not a nested branch", name)
	}
	if name == "" || name == DefaultName || name == GlobalName {
		return nil, errors.ValidationErrorf("invalid branch name %q", name)
	}
	return &Branch{
		Name:           name,
		Status:         StatusOpen,
		OriginBranch:   parent.Name,
		BranchedFrom:   branchedFrom,
		IsDefault:      false,
		HierarchyLevel: parent.HierarchyLevel + 1,
	}, nil
}

// Rebase advances BranchedFrom to now, making subsequent diffs
// against the branch fresh. Called both as a standalone operation and
// as the final step of a successful merge.
func (b *Branch) Rebase(now timestamp.Timestamp) {
	b.BranchedFrom = now
}

// At is one element of a branch-query set: read branch Name as of Time.
type At struct {
	Name string
	Time timestamp.Timestamp
}

// QuerySet is the ordered set branches_to_query produces. For a
// non-default branch it always has the parent entry first so that a
// caller preferring the later entry on tie-break (the "branch score"
// rule in the diff engine) can simply take the last match.
type QuerySet []At

// Contains reports whether name appears in the query set.
func (qs QuerySet) Contains(name string) bool {
	for _, a := range qs {
		if a.Name == name {
			return true
		}
	}
	return false
}

// BranchesToQuery computes the branch-query set for reading b as of
// at. On the default branch, the set is just {default: at}. On any
// other branch, it is {default: t_parent, b: at}, where t_parent is
// the branch's divergence point — unless EphemeralRebase is set or at
// precedes the divergence point, in which case t_parent collapses to
// at (read as of a moment before the branch existed is equivalent to
// reading the default branch's own history at that moment).
func BranchesToQuery(b *Branch, at timestamp.Timestamp) QuerySet {
	if b.IsDefault {
		return QuerySet{{Name: b.Name, Time: at}}
	}

	tParent := b.BranchedFrom
	if b.EphemeralRebase || at.Before(tParent) {
		tParent = at
	}

	return QuerySet{
		{Name: DefaultName, Time: tParent},
		{Name: b.Name, Time: at},
	}
}

// Visible reports whether an edge with the given branch/from/to/status
// is observable under the query set qs, per §4.2's visibility
// predicate: edge.branch must match one of qs's entries, edge.from
// must be at or before that entry's time, edge.to must be open or at
// or after it, and the edge must be ACTIVE.
func Visible(qs QuerySet, edgeBranch string, from timestamp.Timestamp, to *timestamp.Timestamp, active bool) bool {
	if !active {
		return false
	}
	for _, a := range qs {
		if a.Name != edgeBranch {
			continue
		}
		if a.Time.Before(from) {
			continue
		}
		if to != nil && to.Before(a.Time) {
			continue
		}
		return true
	}
	return false
}

// Score ranks how strongly an edge on a given branch is attributed to
// the read, for the diff engine's tie-break rule: when two candidate
// edges both satisfy visibility (once via the parent entry, once via
// the child), the edge on the more specific (child) branch wins.
func Score(qs QuerySet, edgeBranch string) int {
	for i, a := range qs {
		if a.Name == edgeBranch {
			return i
		}
	}
	return -1
}
