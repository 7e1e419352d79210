// Package entity implements the Node / Attribute / Relationship /
// AttributeValue value objects (§3), their validation rules (§4.1),
// and kind-specific serialization (kind.go). It has no knowledge of
// persistence — loading, querying, and saving through the temporal
// store is the node manager's job.
package entity

import (
	"github.com/google/uuid"

	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/schema"
)

// PropKind names one of the four flag/node-property edges that hang
// off every Attribute and Relationship, plus the HAS_VALUE edge that
// anchors an Attribute's leaf value. The diff and merge engines key
// PropChange entries by this type.
type PropKind string

const (
	PropValue     PropKind = "HAS_VALUE"
	PropVisible   PropKind = "IS_VISIBLE"
	PropProtected PropKind = "IS_PROTECTED"
	PropSource    PropKind = "HAS_SOURCE"
	PropOwner     PropKind = "HAS_OWNER"
)

// Flags holds the four property edges common to Attribute and
// Relationship: visibility/protection booleans plus optional
// source/owner node references.
type Flags struct {
	IsVisible   bool
	IsProtected bool
	Source      *string // uuid of the account/source node, if any
	Owner       *string // uuid of the owning account node, if any
}

// Attribute is owned by exactly one Node via a HAS_ATTRIBUTE edge and
// points to a leaf AttributeValue via a HAS_VALUE edge.
type Attribute struct {
	Name  string
	Kind  Kind
	Value interface{}
	Flags
}

// NewAttribute constructs and validates an attribute's in-memory
// value, applying the schema default when value is nil.
func NewAttribute(as schema.AttributeSchema, value interface{}) (*Attribute, error) {
	if value == nil {
		value = as.DefaultValue
	}
	kind := Kind(as.Kind)
	if err := ValidateFormat(kind, value, as); err != nil {
		return nil, err
	}
	return &Attribute{
		Name:  as.Name,
		Kind:  kind,
		Value: value,
		Flags: Flags{IsVisible: true, IsProtected: false},
	}, nil
}

// Validate re-checks the in-memory value against as, the first step of
// the attribute save algorithm (§4.1 step 1).
func (a *Attribute) Validate(as schema.AttributeSchema) error {
	return ValidateFormat(a.Kind, a.Value, as)
}

// Relationship is a first-class vertex joined to its two endpoints by
// IS_RELATED edges; its properties use the same four labels as
// attributes, which is why it embeds Flags rather than duplicating them.
type Relationship struct {
	UUID      string
	DBID      string
	Name      string
	Endpoints [2]string // uuids of the two related nodes
	Flags
}

// NewRelationship constructs a relationship vertex between two node
// uuids.
func NewRelationship(name string, a, b string) *Relationship {
	return &Relationship{
		UUID:      uuid.NewString(),
		Name:      name,
		Endpoints: [2]string{a, b},
		Flags:     Flags{IsVisible: true, IsProtected: false},
	}
}

// Node is a vertex with a stable uuid, a kind (schema name), and a set
// of attributes and outgoing relationships, anchored to a branch.
type Node struct {
	UUID          string
	DBID          string
	Kind          string
	Branch        string
	Attributes    map[string]*Attribute
	Relationships map[string]*Relationship
}

// New constructs a Node of the given kind on branch, validating every
// field in fields against ns and filling in schema defaults for
// attributes the caller omitted.
func New(ns schema.NodeSchema, branch string, fields map[string]interface{}) (*Node, error) {
	n := &Node{
		UUID:          uuid.NewString(),
		Kind:          ns.Kind,
		Branch:        branch,
		Attributes:    make(map[string]*Attribute, len(ns.Attributes)),
		Relationships: make(map[string]*Relationship),
	}

	for name, as := range ns.Attributes {
		attr, err := NewAttribute(as, fields[name])
		if err != nil {
			return nil, err
		}
		n.Attributes[name] = attr
	}

	for name := range fields {
		if _, ok := ns.Attributes[name]; !ok {
			if _, isRel := ns.Relationships[name]; !isRel {
				return nil, errors.ValidationErrorf("kind %q has no field %q", ns.Kind, name)
			}
		}
	}

	return n, nil
}

// Attribute returns the named attribute, or NotFound.
func (n *Node) Attribute(name string) (*Attribute, error) {
	a, ok := n.Attributes[name]
	if !ok {
		return nil, errors.NotFoundErrorf("node %s has no attribute %q", n.UUID, name)
	}
	return a, nil
}

// ToView renders the requested attribute names (or all, if fields is
// empty) as a plain map suitable for a caller-facing projection.
func (n *Node) ToView(fields ...string) map[string]interface{} {
	out := make(map[string]interface{})
	if len(fields) == 0 {
		for name, a := range n.Attributes {
			out[name] = a.Value
		}
		return out
	}
	for _, name := range fields {
		if a, ok := n.Attributes[name]; ok {
			out[name] = a.Value
		}
	}
	return out
}
