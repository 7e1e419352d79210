// Package nodemanager implements L4: loading, saving, and deleting
// entity.Node values through a store.Backend, with every read filtered
// by the branch-aware visibility predicate and every write following
// the append-only persistence discipline.
package nodemanager

import (
	"context"
	"log/slog"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/entity"
	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/schema"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

const (
	labelNode         = "Node"
	labelAttribute    = "Attribute"
	labelProperty     = "Property"
	labelBranch       = "Branch"
	labelRelationship = "Relationship"

	edgeIsPartOf     = "IS_PART_OF"
	edgeHasAttribute = "HAS_ATTRIBUTE"
	edgeIsRelated    = "IS_RELATED"
)

// Manager is the L4 collaborator: it materializes entity.Node values
// from the temporal store and persists mutations back into it,
// consulting the schema registry for validation and the current
// branch record for the visibility predicate.
type Manager struct {
	backend store.Backend
	schemas *schema.Registry
	logger  *slog.Logger
}

// NewManager returns a Manager backed by backend, validating against
// schemas. A nil logger falls back to slog's default.
func NewManager(backend store.Backend, schemas *schema.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, schemas: schemas, logger: logger.With("component", "nodemanager")}
}

// Create validates fields against ns, builds a new entity.Node on b,
// and persists it: a Node vertex, an IS_PART_OF edge onto the branch
// vertex, and — per attribute — an Attribute vertex with its
// HAS_ATTRIBUTE edge plus one property edge per flag/value kind.
func (m *Manager) Create(ctx context.Context, b *branch.Branch, ns schema.NodeSchema, fields map[string]interface{}) (*entity.Node, error) {
	n, err := entity.New(ns, b.Name, fields)
	if err != nil {
		return nil, err
	}

	now := timestamp.Now()

	err = m.backend.WithTransaction(ctx, store.OperationWrite, func(ctx context.Context, tx store.Transaction) error {
		nodeDBID, err := tx.CreateVertex(ctx, []string{labelNode}, map[string]interface{}{
			"uuid": n.UUID,
			"kind": n.Kind,
		})
		if err != nil {
			return err
		}
		n.DBID = nodeDBID

		branchVertexID, err := m.resolveBranchVertex(ctx, tx, b.Name)
		if err != nil {
			return err
		}
		// A node's own existence is never branch-agnostic, only its
		// individual attributes can be — the IS_PART_OF edge always
		// carries the node's real branch.
		if _, err := tx.AddEdge(ctx, store.Edge{
			SrcDBID: nodeDBID, DstDBID: branchVertexID, Label: edgeIsPartOf,
			Branch: b.Name, From: now, Status: store.StatusActive,
		}); err != nil {
			return err
		}

		for name, attr := range n.Attributes {
			as, err := ns.Get(name)
			if err != nil {
				return err
			}
			effectiveBranch := schema.EffectiveBranch(b.Name, as.Branch, branch.GlobalName)
			attrDBID, err := tx.CreateVertex(ctx, []string{labelAttribute}, map[string]interface{}{"name": name})
			if err != nil {
				return err
			}
			if _, err := tx.AddEdge(ctx, store.Edge{
				SrcDBID: nodeDBID, DstDBID: attrDBID, Label: edgeHasAttribute,
				Branch: effectiveBranch, From: now, Status: store.StatusActive,
			}); err != nil {
				return err
			}
			if err := m.writeAttributeProperties(ctx, tx, attrDBID, attr, as, effectiveBranch, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("created node", "uuid", n.UUID, "kind", n.Kind, "branch", b.Name)
	return n, nil
}

func (m *Manager) writeAttributeProperties(ctx context.Context, tx store.Transaction, attrDBID string, attr *entity.Attribute, as schema.AttributeSchema, effectiveBranch string, at timestamp.Timestamp) error {
	serialized, err := entity.Serialize(attr.Kind, attr.Value)
	if err != nil {
		return err
	}

	props := map[entity.PropKind]interface{}{
		entity.PropValue:     serialized,
		entity.PropVisible:   attr.IsVisible,
		entity.PropProtected: attr.IsProtected,
	}
	if attr.Source != nil {
		props[entity.PropSource] = *attr.Source
	}
	if attr.Owner != nil {
		props[entity.PropOwner] = *attr.Owner
	}

	for kind, value := range props {
		propDBID, err := tx.CreateVertex(ctx, []string{labelProperty}, map[string]interface{}{"value": value})
		if err != nil {
			return err
		}
		if _, err := tx.AddEdge(ctx, store.Edge{
			SrcDBID: attrDBID, DstDBID: propDBID, Label: string(kind),
			Branch: effectiveBranch, From: at, Status: store.StatusActive,
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveBranchVertex finds or lazily creates the vertex representing
// branch name — branch records themselves are a small, rarely-written
// catalog, so a find-or-create here is cheap and avoids a separate
// branch-initialization entry point every caller would otherwise need.
func (m *Manager) resolveBranchVertex(ctx context.Context, tx store.Transaction, name string) (string, error) {
	// Transaction has no FindVerticesByProperty of its own (reads
	// inside a transaction go through Edges only); branch vertices are
	// resolved through the backend's auto-committing read instead, which
	// is safe because branch vertices are never deleted or contended.
	vertices, err := m.backend.FindVerticesByProperty(ctx, labelBranch, "name", name)
	if err != nil {
		return "", err
	}
	if len(vertices) > 0 {
		return vertices[0].DBID, nil
	}
	return tx.CreateVertex(ctx, []string{labelBranch}, map[string]interface{}{"name": name})
}

// Load materializes the Node with the given uuid as visible from
// (b, at), applying the branch-query-set visibility predicate to every
// attribute's property edges and picking the highest-scoring candidate
// whenever parent and child both produce a visible edge.
func (m *Manager) Load(ctx context.Context, b *branch.Branch, ns schema.NodeSchema, uuid string, at timestamp.Timestamp) (*entity.Node, error) {
	qs := branch.BranchesToQuery(b, at)

	vertices, err := m.backend.FindVerticesByProperty(ctx, labelNode, "uuid", uuid)
	if err != nil {
		return nil, err
	}
	if len(vertices) == 0 {
		return nil, errors.NotFoundErrorf("no node with uuid %s", uuid)
	}
	nodeVertex := vertices[0]

	branches := queriedBranchNames(qs)
	partOfEdges, err := m.backend.Edges(ctx, store.EdgeQuery{VertexDBID: nodeVertex.DBID, Direction: store.DirectionOut, Label: edgeIsPartOf, Branches: branches})
	if err != nil {
		return nil, err
	}
	if best := bestVisible(qs, partOfEdges); best == nil || best.Status != store.StatusActive {
		return nil, errors.NotFoundErrorf("node %s is not visible on branch %q at %s", uuid, b.Name, at.String())
	}

	n := &entity.Node{
		UUID:          uuid,
		DBID:          nodeVertex.DBID,
		Kind:          ns.Kind,
		Branch:        b.Name,
		Attributes:    make(map[string]*entity.Attribute, len(ns.Attributes)),
		Relationships: make(map[string]*entity.Relationship),
	}

	attrEdges, err := m.backend.Edges(ctx, store.EdgeQuery{VertexDBID: nodeVertex.DBID, Direction: store.DirectionOut, Label: edgeHasAttribute, Branches: branches})
	if err != nil {
		return nil, err
	}
	for _, edge := range attrEdges {
		as, err := ns.Get(attributeNameFor(ctx, m, edge.DstDBID))
		if err != nil {
			continue
		}
		attr, err := m.loadAttribute(ctx, qs, branches, edge.DstDBID, as)
		if err != nil {
			return nil, err
		}
		n.Attributes[as.Name] = attr
	}

	return n, nil
}

func attributeNameFor(ctx context.Context, m *Manager, attrDBID string) string {
	v, err := m.backend.GetVertex(ctx, attrDBID)
	if err != nil {
		return ""
	}
	name, _ := v.Properties["name"].(string)
	return name
}

func (m *Manager) loadAttribute(ctx context.Context, qs branch.QuerySet, branches []string, attrDBID string, as schema.AttributeSchema) (*entity.Attribute, error) {
	kind := entity.Kind(as.Kind)
	attr := &entity.Attribute{Name: as.Name, Kind: kind}

	for propKind := range map[entity.PropKind]struct{}{
		entity.PropValue: {}, entity.PropVisible: {}, entity.PropProtected: {}, entity.PropSource: {}, entity.PropOwner: {},
	} {
		edges, err := m.backend.Edges(ctx, store.EdgeQuery{VertexDBID: attrDBID, Direction: store.DirectionOut, Label: string(propKind), Branches: branches})
		if err != nil {
			return nil, err
		}
		best := bestVisible(qs, edges)
		if best == nil {
			continue
		}
		propVertex, err := m.backend.GetVertex(ctx, best.DstDBID)
		if err != nil {
			return nil, err
		}
		if err := applyProperty(attr, propKind, propVertex.Properties["value"], kind); err != nil {
			return nil, err
		}
	}
	return attr, nil
}

func applyProperty(attr *entity.Attribute, kind entity.PropKind, raw interface{}, attrKind entity.Kind) error {
	switch kind {
	case entity.PropValue:
		serialized, _ := raw.(string)
		value, err := entity.Deserialize(attrKind, serialized)
		if err != nil {
			return err
		}
		attr.Value = value
	case entity.PropVisible:
		attr.IsVisible, _ = raw.(bool)
	case entity.PropProtected:
		attr.IsProtected, _ = raw.(bool)
	case entity.PropSource:
		if s, ok := raw.(string); ok {
			attr.Source = &s
		}
	case entity.PropOwner:
		if s, ok := raw.(string); ok {
			attr.Owner = &s
		}
	}
	return nil
}

// Save re-validates n's in-memory attribute values, reads the
// currently visible state for each, and for every field that differs
// appends a new property edge — closing the superseded one only when
// its branch matches the attribute's effective branch, per §4.1.
func (m *Manager) Save(ctx context.Context, b *branch.Branch, ns schema.NodeSchema, n *entity.Node) error {
	qs := branch.BranchesToQuery(b, timestamp.Now())
	branches := queriedBranchNames(qs)
	now := timestamp.Now()

	return m.backend.WithTransaction(ctx, store.OperationWrite, func(ctx context.Context, tx store.Transaction) error {
		attrEdges, err := tx.Edges(ctx, store.EdgeQuery{VertexDBID: n.DBID, Direction: store.DirectionOut, Label: edgeHasAttribute, Branches: branches})
		if err != nil {
			return err
		}
		attrDBIDByName := make(map[string]string, len(attrEdges))
		for _, edge := range attrEdges {
			attrDBIDByName[attributeNameFor(ctx, m, edge.DstDBID)] = edge.DstDBID
		}

		for name, attr := range n.Attributes {
			as, err := ns.Get(name)
			if err != nil {
				return err
			}
			if err := attr.Validate(as); err != nil {
				return err
			}
			attrDBID, ok := attrDBIDByName[name]
			if !ok {
				return errors.IntegrityErrorf("node %s has no persisted attribute %q", n.UUID, name)
			}
			effectiveBranch := schema.EffectiveBranch(b.Name, as.Branch, branch.GlobalName)
			if err := m.saveAttributeProperties(ctx, tx, qs, branches, attrDBID, attr, effectiveBranch, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manager) saveAttributeProperties(ctx context.Context, tx store.Transaction, qs branch.QuerySet, branches []string, attrDBID string, attr *entity.Attribute, effectiveBranch string, now timestamp.Timestamp) error {
	serialized, err := entity.Serialize(attr.Kind, attr.Value)
	if err != nil {
		return err
	}
	desired := map[entity.PropKind]interface{}{
		entity.PropValue:     serialized,
		entity.PropVisible:   attr.IsVisible,
		entity.PropProtected: attr.IsProtected,
	}
	if attr.Source != nil {
		desired[entity.PropSource] = *attr.Source
	}
	if attr.Owner != nil {
		desired[entity.PropOwner] = *attr.Owner
	}

	for kind, newValue := range desired {
		edges, err := tx.Edges(ctx, store.EdgeQuery{VertexDBID: attrDBID, Direction: store.DirectionOut, Label: string(kind), Branches: branches})
		if err != nil {
			return err
		}
		current := bestVisible(qs, edges)

		var currentRaw interface{}
		if current != nil {
			propVertex, err := m.backend.GetVertex(ctx, current.DstDBID)
			if err != nil {
				return err
			}
			currentRaw = propVertex.Properties["value"]
		}

		if current != nil && valuesEqual(currentRaw, newValue) {
			continue
		}

		propDBID, err := tx.CreateVertex(ctx, []string{labelProperty}, map[string]interface{}{"value": newValue})
		if err != nil {
			return err
		}
		if _, err := tx.AddEdge(ctx, store.Edge{
			SrcDBID: attrDBID, DstDBID: propDBID, Label: string(kind),
			Branch: effectiveBranch, From: now, Status: store.StatusActive,
		}); err != nil {
			return err
		}

		if current != nil && current.Branch == effectiveBranch {
			if err := tx.CloseEdges(ctx, []string{current.ID}, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func valuesEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return a == b
	}
}

// Delete closes every edge touching n and appends a DELETED
// IS_PART_OF edge on b, via the backend's delete-node primitive.
func (m *Manager) Delete(ctx context.Context, b *branch.Branch, n *entity.Node, at timestamp.Timestamp) error {
	return m.backend.DeleteNode(ctx, n.UUID, b.Name, at)
}

// Relate persists rel as a first-class Relationship vertex joined to
// its two endpoint nodes by IS_RELATED edges, plus the same four
// flag/property edges an Attribute carries — the diff engine reads
// both edge kinds identically (§4.4's relationship classification).
func (m *Manager) Relate(ctx context.Context, b *branch.Branch, rel *entity.Relationship) error {
	now := timestamp.Now()

	return m.backend.WithTransaction(ctx, store.OperationWrite, func(ctx context.Context, tx store.Transaction) error {
		relDBID, err := tx.CreateVertex(ctx, []string{labelRelationship}, map[string]interface{}{
			"uuid": rel.UUID,
			"name": rel.Name,
		})
		if err != nil {
			return err
		}
		rel.DBID = relDBID

		for _, endpointUUID := range rel.Endpoints {
			endpointVertices, err := m.backend.FindVerticesByProperty(ctx, labelNode, "uuid", endpointUUID)
			if err != nil {
				return err
			}
			if len(endpointVertices) == 0 {
				return errors.NotFoundErrorf("relationship %s endpoint %s does not exist", rel.UUID, endpointUUID)
			}
			if _, err := tx.AddEdge(ctx, store.Edge{
				SrcDBID: relDBID, DstDBID: endpointVertices[0].DBID, Label: edgeIsRelated,
				Branch: b.Name, From: now, Status: store.StatusActive,
			}); err != nil {
				return err
			}
		}

		props := map[entity.PropKind]interface{}{
			entity.PropVisible:   rel.IsVisible,
			entity.PropProtected: rel.IsProtected,
		}
		if rel.Source != nil {
			props[entity.PropSource] = *rel.Source
		}
		if rel.Owner != nil {
			props[entity.PropOwner] = *rel.Owner
		}
		for kind, value := range props {
			propDBID, err := tx.CreateVertex(ctx, []string{labelProperty}, map[string]interface{}{"value": value})
			if err != nil {
				return err
			}
			if _, err := tx.AddEdge(ctx, store.Edge{
				SrcDBID: relDBID, DstDBID: propDBID, Label: string(kind),
				Branch: b.Name, From: now, Status: store.StatusActive,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRelationship materializes the relationship named name between
// uuid and one of the endpoint uuids, as observed on branch b at at —
// the read-side counterpart of Relate.
func (m *Manager) LoadRelationship(ctx context.Context, b *branch.Branch, name string, endpointUUID string, at timestamp.Timestamp) (*entity.Relationship, error) {
	qs := branch.BranchesToQuery(b, at)
	branches := queriedBranchNames(qs)

	endpointVertices, err := m.backend.FindVerticesByProperty(ctx, labelNode, "uuid", endpointUUID)
	if err != nil {
		return nil, err
	}
	if len(endpointVertices) == 0 {
		return nil, errors.NotFoundErrorf("no node with uuid %s", endpointUUID)
	}

	relEdges, err := m.backend.Edges(ctx, store.EdgeQuery{VertexDBID: endpointVertices[0].DBID, Direction: store.DirectionIn, Label: edgeIsRelated, Branches: branches})
	if err != nil {
		return nil, err
	}
	best := bestVisible(qs, relEdges)
	if best == nil {
		return nil, errors.NotFoundErrorf("no relationship %q visible for node %s on branch %q", name, endpointUUID, b.Name)
	}
	relVertex, err := m.backend.GetVertex(ctx, best.SrcDBID)
	if err != nil {
		return nil, err
	}
	relName, _ := relVertex.Properties["name"].(string)
	relUUID, _ := relVertex.Properties["uuid"].(string)
	relDBID := best.SrcDBID

	peerEdges, err := m.backend.Edges(ctx, store.EdgeQuery{VertexDBID: best.SrcDBID, Direction: store.DirectionOut, Label: edgeIsRelated, Branches: branches})
	if err != nil {
		return nil, err
	}
	rel := &entity.Relationship{UUID: relUUID, DBID: relDBID, Name: relName}
	i := 0
	for _, pe := range peerEdges {
		if !branch.Visible(qs, pe.Branch, pe.From, pe.To, pe.Status == store.StatusActive) {
			continue
		}
		peerVertex, err := m.backend.GetVertex(ctx, pe.DstDBID)
		if err != nil {
			return nil, err
		}
		if peerUUID, ok := peerVertex.Properties["uuid"].(string); ok && i < 2 {
			rel.Endpoints[i] = peerUUID
			i++
		}
	}

	for propKind := range map[entity.PropKind]struct{}{
		entity.PropVisible: {}, entity.PropProtected: {}, entity.PropSource: {}, entity.PropOwner: {},
	} {
		edges, err := m.backend.Edges(ctx, store.EdgeQuery{VertexDBID: best.SrcDBID, Direction: store.DirectionOut, Label: string(propKind), Branches: branches})
		if err != nil {
			return nil, err
		}
		propBest := bestVisible(qs, edges)
		if propBest == nil {
			continue
		}
		propVertex, err := m.backend.GetVertex(ctx, propBest.DstDBID)
		if err != nil {
			return nil, err
		}
		switch propKind {
		case entity.PropVisible:
			rel.IsVisible, _ = propVertex.Properties["value"].(bool)
		case entity.PropProtected:
			rel.IsProtected, _ = propVertex.Properties["value"].(bool)
		case entity.PropSource:
			if v, ok := propVertex.Properties["value"].(string); ok {
				rel.Source = &v
			}
		case entity.PropOwner:
			if v, ok := propVertex.Properties["value"].(string); ok {
				rel.Owner = &v
			}
		}
	}

	return rel, nil
}

// SaveRelationship persists rel's current flag values on b, appending
// a new property edge for each flag that changed and closing the
// superseded edge when it belongs to b — the relationship counterpart
// of saveAttributeProperties. rel must have been produced by Relate or
// LoadRelationship so DBID is populated.
func (m *Manager) SaveRelationship(ctx context.Context, b *branch.Branch, rel *entity.Relationship) error {
	if rel.DBID == "" {
		return errors.IntegrityErrorf("relationship %s has no resolved vertex id", rel.UUID)
	}
	qs := branch.BranchesToQuery(b, timestamp.Now())
	branches := queriedBranchNames(qs)
	now := timestamp.Now()

	desired := map[entity.PropKind]interface{}{
		entity.PropVisible:   rel.IsVisible,
		entity.PropProtected: rel.IsProtected,
	}
	if rel.Source != nil {
		desired[entity.PropSource] = *rel.Source
	}
	if rel.Owner != nil {
		desired[entity.PropOwner] = *rel.Owner
	}

	return m.backend.WithTransaction(ctx, store.OperationWrite, func(ctx context.Context, tx store.Transaction) error {
		for kind, newValue := range desired {
			edges, err := tx.Edges(ctx, store.EdgeQuery{VertexDBID: rel.DBID, Direction: store.DirectionOut, Label: string(kind), Branches: branches})
			if err != nil {
				return err
			}
			current := bestVisible(qs, edges)

			var currentRaw interface{}
			if current != nil {
				propVertex, err := m.backend.GetVertex(ctx, current.DstDBID)
				if err != nil {
					return err
				}
				currentRaw = propVertex.Properties["value"]
			}
			if current != nil && valuesEqual(currentRaw, newValue) {
				continue
			}

			propDBID, err := tx.CreateVertex(ctx, []string{labelProperty}, map[string]interface{}{"value": newValue})
			if err != nil {
				return err
			}
			if _, err := tx.AddEdge(ctx, store.Edge{
				SrcDBID: rel.DBID, DstDBID: propDBID, Label: string(kind),
				Branch: b.Name, From: now, Status: store.StatusActive,
			}); err != nil {
				return err
			}
			if current != nil && current.Branch == b.Name {
				if err := tx.CloseEdges(ctx, []string{current.ID}, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func queriedBranchNames(qs branch.QuerySet) []string {
	names := make([]string, len(qs))
	for i, a := range qs {
		names[i] = a.Name
	}
	return names
}

// bestVisible returns the visible edge with the highest branch score
// among candidates, implementing the diff engine's tie-break rule for
// reads as well: when both parent and child produce a visible edge for
// the same logical property, the child's wins.
func bestVisible(qs branch.QuerySet, candidates []store.Edge) *store.Edge {
	var best *store.Edge
	bestScore := -1
	for i := range candidates {
		e := candidates[i]
		if !branch.Visible(qs, e.Branch, e.From, e.To, e.Status == store.StatusActive) {
			continue
		}
		if score := branch.Score(qs, e.Branch); score > bestScore {
			bestScore = score
			best = &e
		}
	}
	return best
}
