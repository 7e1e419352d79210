// Package diff implements L5: computing the structured change set
// between two points in a branch's history, per §4.4. It is the only
// layer that reads raw edge history directly rather than through the
// branch-query-set visibility predicate — a diff needs to see edges
// that are no longer visible (closed before the query time) in order to
// report what changed, not just what is currently true.
package diff

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/entity"
	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

const (
	labelNode        = "Node"
	edgeIsPartOf     = "IS_PART_OF"
	edgeHasAttribute = "HAS_ATTRIBUTE"
	edgeIsRelated    = "IS_RELATED"
)

// propertyEdgeLabels is the full set of property edges hanging off an
// attribute vertex. A Relationship vertex carries the same labels
// minus HAS_VALUE (relationships have no leaf scalar of their own);
// computeProperties dispatches on the owning vertex's label rather
// than keeping a second list, so scanning for HAS_VALUE simply never
// matches a Relationship vertex.
var propertyEdgeLabels = []entity.PropKind{
	entity.PropValue, entity.PropVisible, entity.PropProtected, entity.PropSource, entity.PropOwner,
}

// Action classifies a change to a node, attribute, relationship, or
// property between diff_from and diff_to.
type Action string

const (
	ActionAdded   Action = "ADDED"
	ActionRemoved Action = "REMOVED"
	ActionUpdated Action = "UPDATED"
)

// PropChange is one leaf mutation: a value, visibility, protection,
// source, or owner edge that was added, removed, or replaced.
type PropChange struct {
	Kind        entity.PropKind
	Action      Action
	ChangedAt   timestamp.Timestamp
	DBID        string // db id of the property value vertex
	RelID       string // edge id of the property edge itself
	OriginRelID string // edge id on the parent branch this change supersedes; empty if none
}

// AttrChange is one attribute's change, keyed by name on its owning
// NodeChange.
type AttrChange struct {
	Name        string
	Action      Action
	ChangedAt   timestamp.Timestamp
	DBID        string // attribute vertex db id
	RelID       string // HAS_ATTRIBUTE edge id
	OriginRelID string
	Properties  map[entity.PropKind]*PropChange
}

// NodeChange is one node's change, keyed by uuid on the ChangeSet.
type NodeChange struct {
	UUID       string
	Branch     string
	Labels     []string
	Action     Action
	DBID       string
	RelID      string // IS_PART_OF edge id
	ChangedAt  timestamp.Timestamp
	Attributes map[string]*AttrChange
}

// Endpoint is one side of a RelChange's two IS_RELATED edges.
type Endpoint struct {
	UUID   string
	DBID   string
	RelID  string
	Labels []string
}

// RelChange is one relationship vertex's change, keyed by (branch,
// name, uuid) on the ChangeSet.
type RelChange struct {
	Name       string
	UUID       string
	Branch     string
	Action     Action
	DBID       string
	ChangedAt  timestamp.Timestamp
	Nodes      map[string]*Endpoint // keyed by endpoint uuid
	Properties map[entity.PropKind]*PropChange
}

// ChangeSet is the structured output of a diff, keyed by branch name
// first (§4.4's "both B and its parent appear, unless branch_only").
type ChangeSet struct {
	Nodes map[string]map[string]*NodeChange
	Rels  map[string]map[string]map[string]*RelChange // branch -> rel name -> rel uuid
}

func newChangeSet() *ChangeSet {
	return &ChangeSet{
		Nodes: make(map[string]map[string]*NodeChange),
		Rels:  make(map[string]map[string]map[string]*RelChange),
	}
}

func (cs *ChangeSet) node(branchName, uuid string) *NodeChange {
	byUUID, ok := cs.Nodes[branchName]
	if !ok {
		byUUID = make(map[string]*NodeChange)
		cs.Nodes[branchName] = byUUID
	}
	n, ok := byUUID[uuid]
	if !ok {
		n = &NodeChange{UUID: uuid, Branch: branchName, Attributes: make(map[string]*AttrChange)}
		byUUID[uuid] = n
	}
	return n
}

func (cs *ChangeSet) rel(branchName, name, uuid string) *RelChange {
	byName, ok := cs.Rels[branchName]
	if !ok {
		byName = make(map[string]map[string]*RelChange)
		cs.Rels[branchName] = byName
	}
	byUUID, ok := byName[name]
	if !ok {
		byUUID = make(map[string]*RelChange)
		byName[name] = byUUID
	}
	r, ok := byUUID[uuid]
	if !ok {
		r = &RelChange{Name: name, UUID: uuid, Branch: branchName, Nodes: make(map[string]*Endpoint), Properties: make(map[entity.PropKind]*PropChange)}
		byUUID[uuid] = r
	}
	return r
}

// PathKind distinguishes the two shapes of Path in §4.5.
type PathKind string

const (
	PathNode PathKind = "node"
	PathRel  PathKind = "rel"
)

// Path is a single mutable cell in the graph: either
// ("node", uuid, attr_name, prop_kind) or ("rel", name, uuid, prop_kind).
type Path struct {
	Kind     PathKind
	A        string // node uuid, or rel name
	B        string // attr name, or rel uuid
	PropKind entity.PropKind
}

// Diff is the L5 engine for one branch, memoizing its computed change
// set so repeated calls for conflicts or modified paths never re-query
// (§4.4's "Results are memoized inside the Diff object").
type Diff struct {
	backend    store.Backend
	logger     *slog.Logger
	branch     *branch.Branch
	parent     *branch.Branch
	branchOnly bool
	diffFrom   timestamp.Timestamp
	diffTo     timestamp.Timestamp

	mu        sync.Mutex
	changeSet *ChangeSet
}

// New constructs a Diff over b relative to parent (b's origin branch;
// ignored when b is the default branch). diffFrom is mandatory when b
// is the default branch, and otherwise defaults to b.BranchedFrom; a
// nil diffTo defaults to now. diffFrom must not be after diffTo.
func New(backend store.Backend, b, parent *branch.Branch, branchOnly bool, diffFrom, diffTo *timestamp.Timestamp, logger *slog.Logger) (*Diff, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var from timestamp.Timestamp
	switch {
	case diffFrom != nil:
		from = *diffFrom
	case !b.IsDefault:
		from = b.BranchedFrom
	default:
		return nil, errors.ValidationErrorf("diff_from is mandatory when diffing the default branch %q", b.Name)
	}

	to := timestamp.Now()
	if diffTo != nil {
		to = *diffTo
	}
	if to.Before(from) {
		return nil, errors.ValidationErrorf("diff_to must not be before diff_from")
	}

	return &Diff{
		backend:    backend,
		logger:     logger.With("component", "diff", "branch", b.Name),
		branch:     b,
		parent:     parent,
		branchOnly: branchOnly,
		diffFrom:   from,
		diffTo:     to,
	}, nil
}

// branchNames is the set of branch names the underlying queries range
// over — always both the branch and its parent for a non-default
// branch, regardless of BranchOnly: BranchOnly narrows the *reported*
// paths (ModifiedPaths, Conflicts), not what gets computed.
func (d *Diff) branchNames() []string {
	if d.branch.IsDefault {
		return []string{d.branch.Name}
	}
	return []string{d.branch.Name, d.parent.Name}
}

// inWindow implements §4.4's "from ≥ diff_from or to ≤ diff_from"
// range predicate, plus the "skip any with to < diff_to" guard applied
// uniformly across nodes, attributes, and relationships.
func (d *Diff) inWindow(e store.Edge) bool {
	if e.To != nil && e.To.Before(d.diffTo) {
		return false
	}
	if !e.From.Before(d.diffFrom) {
		return true
	}
	return e.To != nil && !e.To.After(d.diffFrom)
}

// ChangeSet computes (once) and returns the full structured change set.
func (d *Diff) ChangeSet(ctx context.Context) (*ChangeSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.changeSet != nil {
		return d.changeSet, nil
	}

	cs := newChangeSet()
	if err := d.computeNodes(ctx, cs); err != nil {
		return nil, err
	}
	if err := d.computeRelationships(ctx, cs); err != nil {
		return nil, err
	}

	d.logger.Debug("computed change set", "nodes", countNodes(cs), "rels", countRels(cs))
	d.changeSet = cs
	return cs, nil
}

func countNodes(cs *ChangeSet) int {
	n := 0
	for _, byUUID := range cs.Nodes {
		n += len(byUUID)
	}
	return n
}

func countRels(cs *ChangeSet) int {
	n := 0
	for _, byName := range cs.Rels {
		for _, byUUID := range byName {
			n += len(byUUID)
		}
	}
	return n
}

// HasChanges reports whether any branch's modified-path set is non-empty.
func (d *Diff) HasChanges(ctx context.Context) (bool, error) {
	paths, err := d.ModifiedPaths(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range paths {
		if len(p) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// ModifiedPaths derives, per branch, the set of mutable cells touched
// by this diff (§4.5). When BranchOnly is set, only d.branch's own
// paths are returned — the parent's changes are still computed into
// the change set, but their paths are filtered out here, so a caller
// of ModifiedPaths never observes them.
func (d *Diff) ModifiedPaths(ctx context.Context) (map[string]map[Path]struct{}, error) {
	cs, err := d.ChangeSet(ctx)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]map[Path]struct{})
	addPath := func(branchName string, p Path) {
		if d.branchOnly && branchName != d.branch.Name {
			return
		}
		set, ok := paths[branchName]
		if !ok {
			set = make(map[Path]struct{})
			paths[branchName] = set
		}
		set[p] = struct{}{}
	}

	for branchName, byUUID := range cs.Nodes {
		for uuid, n := range byUUID {
			for attrName, a := range n.Attributes {
				for propKind := range a.Properties {
					addPath(branchName, Path{Kind: PathNode, A: uuid, B: attrName, PropKind: propKind})
				}
			}
		}
	}
	for branchName, byName := range cs.Rels {
		for relName, byUUID := range byName {
			for relUUID, r := range byUUID {
				for propKind := range r.Properties {
					addPath(branchName, Path{Kind: PathRel, A: relName, B: relUUID, PropKind: propKind})
				}
			}
		}
	}
	return paths, nil
}

// Conflicts intersects the branch's and parent's modified-path sets
// (§4.5). A BranchOnly diff vacuously has none; a diff against the
// default branch (no parent) likewise has none since there is only one
// branch's paths to compare.
func (d *Diff) Conflicts(ctx context.Context) ([]Path, error) {
	if d.branchOnly || d.branch.IsDefault {
		return nil, nil
	}

	paths, err := unfilteredModifiedPaths(d, ctx)
	if err != nil {
		return nil, err
	}

	branchPaths, parentPaths := paths[d.branch.Name], paths[d.parent.Name]
	if len(branchPaths) == 0 || len(parentPaths) == 0 {
		return nil, nil
	}

	var conflicts []Path
	for p := range branchPaths {
		if _, ok := parentPaths[p]; ok {
			conflicts = append(conflicts, p)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflictKey(conflicts[i]) < conflictKey(conflicts[j])
	})
	return conflicts, nil
}

// HasConflict reports whether Conflicts would return a non-empty list,
// without requiring the caller to allocate and sort it.
func (d *Diff) HasConflict(ctx context.Context) (bool, error) {
	conflicts, err := d.Conflicts(ctx)
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}

func conflictKey(p Path) string {
	return string(p.Kind) + "/" + p.A + "/" + p.B + "/" + string(p.PropKind)
}

// unfilteredModifiedPaths computes modified paths ignoring BranchOnly,
// since Conflicts always needs both sides regardless of how the caller
// configured reporting — this keeps property 5 (conflict symmetry) and
// property 4 (BranchOnly never mentions the parent) both true without
// one implementation detail leaking into the other.
func unfilteredModifiedPaths(d *Diff, ctx context.Context) (map[string]map[Path]struct{}, error) {
	saved := d.branchOnly
	d.branchOnly = false
	paths, err := d.ModifiedPaths(ctx)
	d.branchOnly = saved
	return paths, err
}

// computeNodes populates cs with every node whose IS_PART_OF edge falls
// in the diff window, classifying ADDED/REMOVED directly from the
// edge's status (§4.4's first pass, grounded on branch.py's
// _calculate_diff_nodes processing query_nodes before query_attrs).
func (d *Diff) computeNodes(ctx context.Context, cs *ChangeSet) error {
	for _, branchName := range d.branchNames() {
		edges, err := d.backend.Edges(ctx, store.EdgeQuery{Label: edgeIsPartOf, Branches: []string{branchName}})
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !d.inWindow(e) {
				continue
			}
			nodeVertex, err := d.backend.GetVertex(ctx, e.SrcDBID)
			if err != nil {
				return err
			}
			uuid, _ := nodeVertex.Properties["uuid"].(string)
			if uuid == "" {
				continue
			}

			action := ActionUpdated
			switch e.Status {
			case store.StatusActive:
				action = ActionAdded
			case store.StatusDeleted:
				action = ActionRemoved
			}

			n := cs.node(branchName, uuid)
			n.DBID = e.SrcDBID
			n.RelID = e.ID
			n.Labels = nodeVertex.Labels
			n.Action = action
			n.ChangedAt = e.From
		}
	}
	return nil
}

// computeRelationships populates cs with every relationship vertex
// whose IS_RELATED edges fall in the diff window (endpoints and
// existence), then layers on the four flag/property edges each
// relationship and attribute carries — grounded on
// DiffRelationshipQuery/DiffRelationshipPropertyQuery and
// DiffAttributeQuery.
func (d *Diff) computeRelationships(ctx context.Context, cs *ChangeSet) error {
	if err := d.computeRelationshipEndpoints(ctx, cs); err != nil {
		return err
	}
	if err := d.computeProperties(ctx, cs); err != nil {
		return err
	}
	d.aggregateAttributeActions(cs)
	return nil
}

func (d *Diff) computeRelationshipEndpoints(ctx context.Context, cs *ChangeSet) error {
	for _, branchName := range d.branchNames() {
		edges, err := d.backend.Edges(ctx, store.EdgeQuery{Label: edgeIsRelated, Branches: []string{branchName}})
		if err != nil {
			return err
		}
		for _, e := range edges {
			if !d.inWindow(e) {
				continue
			}
			relVertex, err := d.backend.GetVertex(ctx, e.SrcDBID)
			if err != nil {
				return err
			}
			name, _ := relVertex.Properties["name"].(string)
			relUUID, _ := relVertex.Properties["uuid"].(string)
			if name == "" || relUUID == "" {
				continue
			}
			nodeVertex, err := d.backend.GetVertex(ctx, e.DstDBID)
			if err != nil {
				return err
			}
			endpointUUID, _ := nodeVertex.Properties["uuid"].(string)
			if endpointUUID == "" {
				continue
			}

			action := ActionUpdated
			switch e.Status {
			case store.StatusActive:
				action = ActionAdded
			case store.StatusDeleted:
				action = ActionRemoved
			}

			r := cs.rel(branchName, name, relUUID)
			r.DBID = e.SrcDBID
			r.Action = action
			r.ChangedAt = e.From
			r.Nodes[endpointUUID] = &Endpoint{UUID: endpointUUID, DBID: nodeVertex.DBID, RelID: e.ID, Labels: nodeVertex.Labels}
		}
	}
	return nil
}

const labelAttribute = "Attribute"
const labelRelationship = "Relationship"

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// computeProperties scans every property-edge kind across both
// attribute and relationship vertices in a single pass, dispatching on
// the owning vertex's label — the two share the same set of edge
// labels (apart from HAS_VALUE, which only an Attribute carries).
func (d *Diff) computeProperties(ctx context.Context, cs *ChangeSet) error {
	for _, branchName := range d.branchNames() {
		for _, propKind := range propertyEdgeLabels {
			edges, err := d.backend.Edges(ctx, store.EdgeQuery{Label: string(propKind), Branches: []string{branchName}})
			if err != nil {
				return err
			}
			for _, e := range edges {
				if !d.inWindow(e) {
					continue
				}
				ownerVertex, err := d.backend.GetVertex(ctx, e.SrcDBID)
				if err != nil {
					return err
				}
				switch {
				case hasLabel(ownerVertex.Labels, labelAttribute):
					if err := d.applyAttributeProperty(ctx, cs, branchName, e, ownerVertex); err != nil {
						return err
					}
				case hasLabel(ownerVertex.Labels, labelRelationship):
					if err := d.applyRelationshipProperty(ctx, cs, branchName, e, ownerVertex); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func (d *Diff) applyAttributeProperty(ctx context.Context, cs *ChangeSet, branchName string, e store.Edge, attrVertex store.Vertex) error {
	attrName, _ := attrVertex.Properties["name"].(string)
	if attrName == "" {
		return nil
	}
	ownerEdges, err := d.backend.Edges(ctx, store.EdgeQuery{VertexDBID: attrVertex.DBID, Direction: store.DirectionIn, Label: edgeHasAttribute})
	if err != nil {
		return err
	}
	if len(ownerEdges) == 0 {
		return nil
	}
	hasAttrEdge := ownerEdges[0]
	nodeVertex, err := d.backend.GetVertex(ctx, hasAttrEdge.SrcDBID)
	if err != nil {
		return err
	}
	uuid, _ := nodeVertex.Properties["uuid"].(string)
	if uuid == "" {
		return nil
	}

	n := cs.node(branchName, uuid)
	if n.Action == "" {
		n.Action = ActionUpdated
		n.DBID = nodeVertex.DBID
		n.Labels = nodeVertex.Labels
	}

	propKind := entity.PropKind(e.Label)
	ac, ok := n.Attributes[attrName]
	if !ok {
		ac = &AttrChange{Name: attrName, DBID: attrVertex.DBID, RelID: hasAttrEdge.ID, Properties: make(map[entity.PropKind]*PropChange)}
		n.Attributes[attrName] = ac
	}

	originRelID, err := d.originEdgeID(ctx, e.SrcDBID, propKind)
	if err != nil {
		return err
	}
	pc := &PropChange{
		Kind:        propKind,
		Action:      classifyAction(e, d.diffFrom, originRelID != ""),
		ChangedAt:   e.From,
		DBID:        e.DstDBID,
		RelID:       e.ID,
		OriginRelID: originRelID,
	}
	ac.Properties[propKind] = pc
	if pc.ChangedAt.After(ac.ChangedAt) {
		ac.ChangedAt = pc.ChangedAt
	}
	return nil
}

func (d *Diff) applyRelationshipProperty(ctx context.Context, cs *ChangeSet, branchName string, e store.Edge, relVertex store.Vertex) error {
	name, _ := relVertex.Properties["name"].(string)
	relUUID, _ := relVertex.Properties["uuid"].(string)
	if name == "" || relUUID == "" {
		return nil
	}

	r := cs.rel(branchName, name, relUUID)
	if r.DBID == "" {
		r.DBID = relVertex.DBID
	}

	propKind := entity.PropKind(e.Label)
	originRelID, err := d.originEdgeID(ctx, e.SrcDBID, propKind)
	if err != nil {
		return err
	}
	r.Properties[propKind] = &PropChange{
		Kind:        propKind,
		Action:      classifyAction(e, d.diffFrom, originRelID != ""),
		ChangedAt:   e.From,
		DBID:        e.DstDBID,
		RelID:       e.ID,
		OriginRelID: originRelID,
	}
	if e.From.After(r.ChangedAt) {
		r.ChangedAt = e.From
	}
	return nil
}

// classifyAction ports branch.py's per-property action rule: a change
// with no counterpart on the origin branch, landing at or after
// diffFrom with an active status, is newly ADDED; one landing at or
// after diffFrom with a deleted status is REMOVED; anything else — in
// particular, any active change that does have an origin counterpart —
// is a replacement of an existing value, i.e. UPDATED.
func classifyAction(e store.Edge, diffFrom timestamp.Timestamp, hasOrigin bool) Action {
	recent := !e.From.Before(diffFrom)
	switch {
	case !hasOrigin && recent && e.Status == store.StatusActive:
		return ActionAdded
	case recent && e.Status == store.StatusDeleted:
		return ActionRemoved
	default:
		return ActionUpdated
	}
}

// originEdgeID looks up the property edge of the same kind visible on
// the parent branch at diffTo, so a property change can be told apart
// from a true addition (§4.4, grounded on branch.py's
// NodeListGetAttributeQuery/RelationshipListGetPropertiesQuery lookups
// against self.origin_branch, which run the same way regardless of
// which of the two branches the change under test came from). For the
// parent's own changes this is a self-lookup — it ordinarily finds the
// very edge being examined, correctly classifying the parent's own
// edits as UPDATED rather than ADDED. It is a no-op for a
// default-branch-only diff, which has no parent to compare against.
func (d *Diff) originEdgeID(ctx context.Context, srcDBID string, propKind entity.PropKind) (string, error) {
	if d.parent == nil {
		return "", nil
	}

	edges, err := d.backend.Edges(ctx, store.EdgeQuery{VertexDBID: srcDBID, Direction: store.DirectionOut, Label: string(propKind), Branches: []string{d.parent.Name}})
	if err != nil {
		return "", err
	}
	for _, e := range edges {
		if e.Status != store.StatusActive {
			continue
		}
		if e.From.After(d.diffTo) {
			continue
		}
		if e.To != nil && !e.To.After(d.diffTo) {
			continue
		}
		return e.ID, nil
	}
	return "", nil
}

// aggregateAttributeActions rolls each attribute's per-property
// actions up into a single representative action: ADDED/REMOVED only
// when every property agrees, UPDATED otherwise — an attribute is
// rarely wholly new or wholly gone property-by-property, so the common
// case after a value edit is exactly one UPDATED property kind (value)
// among otherwise-untouched ones, which already yields UPDATED here.
func (d *Diff) aggregateAttributeActions(cs *ChangeSet) {
	for _, byUUID := range cs.Nodes {
		for _, n := range byUUID {
			for _, ac := range n.Attributes {
				ac.Action = aggregateAction(ac.Properties)
			}
		}
	}
}

func aggregateAction(props map[entity.PropKind]*PropChange) Action {
	if len(props) == 0 {
		return ActionUpdated
	}
	allAdded, allRemoved := true, true
	for _, p := range props {
		if p.Action != ActionAdded {
			allAdded = false
		}
		if p.Action != ActionRemoved {
			allRemoved = false
		}
	}
	switch {
	case allAdded:
		return ActionAdded
	case allRemoved:
		return ActionRemoved
	default:
		return ActionUpdated
	}
}
