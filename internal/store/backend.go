// Package store implements L1, the temporal store: vertices plus
// labeled edges carrying (branch, from, to, status) metadata, executed
// against a property-graph backend through the three append-only
// persistence primitives in §4.3.
package store

import (
	"context"

	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

// Status is an edge's lifecycle state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusDeleted Status = "DELETED"
)

// Vertex is a generic graph vertex: a set of labels plus properties.
// The core stores only Node/Attribute/Property/Relationship/Branch
// vertices: attribute values and flag values all live on vertices
// labeled Property, and no vertex carries an AttributeValue label. The
// backend abstraction itself is untyped.
type Vertex struct {
	DBID       string
	Labels     []string
	Properties map[string]interface{}
}

// Edge is one non-schema edge carrying the validity metadata every
// read filters on.
type Edge struct {
	ID             string
	SrcDBID        string
	DstDBID        string
	Label          string
	Branch         string
	From           timestamp.Timestamp
	To             *timestamp.Timestamp
	Status         Status
	HierarchyLevel int
}

// IsOpen reports whether the edge has no upper validity bound.
func (e Edge) IsOpen() bool { return e.To == nil }

// Row is one result row from Run, keyed by the query's RETURN aliases.
type Row map[string]interface{}

// Result is the full row set of a query.
type Result struct {
	Rows []Row
}

// IndexManager exposes the minimal index lifecycle the core needs: it
// must know whether indexes have been created, and must be able to add
// one, without dictating how the backend implements indexing.
type IndexManager interface {
	Initialized(ctx context.Context) (bool, error)
	Add(ctx context.Context, label, property string) error
}

// Transaction is the single transactional unit a multi-step mutation
// (most importantly, merge — §4.6's requirement that its entire
// sequence run atomically) executes within. It mirrors Backend's
// mutation surface so merge's replay logic is identical whether or
// not it happens to be running inside a transaction.
type Transaction interface {
	CreateVertex(ctx context.Context, labels []string, properties map[string]interface{}) (string, error)
	AddEdge(ctx context.Context, e Edge) (string, error)
	CloseEdges(ctx context.Context, ids []string, at timestamp.Timestamp) error
	DeleteNode(ctx context.Context, uuid string, branch string, at timestamp.Timestamp) error
	Edges(ctx context.Context, q EdgeQuery) ([]Edge, error)
}

// EdgeDirection selects which end of an edge a traversal anchors on.
type EdgeDirection string

const (
	DirectionOut  EdgeDirection = "OUT"
	DirectionIn   EdgeDirection = "IN"
	DirectionBoth EdgeDirection = "BOTH"
)

// EdgeQuery selects a set of edges for the structured traversal
// methods every caller above L1 uses instead of hand-written queries.
// Branches, FromGTE, and ToLTE implement the diff engine's "from ≥
// diff_from or to ≤ diff_from" range predicate (§4.4); a nil bound
// means unconstrained. FromGTE and ToLTE are ANDed together, so the
// diff engine's OR predicate is applied in application code over the
// unconstrained result rather than pushed into the query.
//
// VertexDBID left empty (with Direction ignored) performs an unanchored
// scan over every edge carrying Label — the diff engine's only way to
// discover "every IS_PART_OF edge that changed" without first knowing
// which vertices changed.
type EdgeQuery struct {
	VertexDBID string
	Label      string
	Direction  EdgeDirection
	Branches   []string
	FromGTE    *timestamp.Timestamp
	ToLTE      *timestamp.Timestamp
}

// Backend is the abstract property-graph collaborator described in
// §6: parameterized queries, transactions, and an index manager,
// expressed here as the structured operations every layer above L1
// actually needs — both Neo4jBackend and BoltBackend implement the
// same contract so the diff/merge/node-manager layers are backend
// agnostic.
type Backend interface {
	// CreateVertex appends a new vertex with the given labels and
	// properties, returning its internal storage id.
	CreateVertex(ctx context.Context, labels []string, properties map[string]interface{}) (string, error)

	// GetVertex returns the vertex with internal id dbID.
	GetVertex(ctx context.Context, dbID string) (Vertex, error)

	// FindVerticesByProperty returns every vertex carrying label with
	// properties[key] == value — used to resolve a Node by uuid, a
	// Branch by name, and similar lookups.
	FindVerticesByProperty(ctx context.Context, label, key string, value interface{}) ([]Vertex, error)

	// FindVerticesByLabel returns every vertex carrying label, with no
	// further filter — used to list the small, rarely-written catalogs
	// (branches, schemas) in full.
	FindVerticesByLabel(ctx context.Context, label string) ([]Vertex, error)

	// SetVertexProperties replaces dbID's property map wholesale. Used
	// only for catalog vertices (branch records) that have no
	// append-only history of their own; never for Node/Attribute/
	// Relationship vertices, whose mutable state lives entirely on
	// their edges.
	SetVertexProperties(ctx context.Context, dbID string, properties map[string]interface{}) error

	// AddEdge appends a new edge — the first persistence primitive
	// from §4.3. It never mutates an existing edge.
	AddEdge(ctx context.Context, e Edge) (string, error)

	// CloseEdges sets To = at on every edge id in ids, but only where
	// To is currently open — the second persistence primitive. An edge
	// already closed is left untouched rather than erroring, since
	// concurrent close attempts for the same logical change are
	// expected during merge replay.
	CloseEdges(ctx context.Context, ids []string, at timestamp.Timestamp) error

	// DeleteNode closes every outbound/inbound edge of uuid on branch
	// and appends a DELETED IS_PART_OF edge — the third persistence
	// primitive.
	DeleteNode(ctx context.Context, uuid string, branch string, at timestamp.Timestamp) error

	// Edges returns every edge matching q — the single traversal
	// primitive the node manager and diff engine build all reads on.
	Edges(ctx context.Context, q EdgeQuery) ([]Edge, error)

	// WithTransaction runs fn inside one transactional unit tagged
	// with operation (used to look up its timeout/metadata — see
	// transaction.go). A failure anywhere in fn rolls back every write
	// fn made; nothing it did becomes visible.
	WithTransaction(ctx context.Context, operation string, fn func(ctx context.Context, tx Transaction) error) error

	Indexes() IndexManager

	Close() error
}
