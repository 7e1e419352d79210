package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/infrahub-project/infrahub-core/internal/branch"
)

// CypherBuilder builds parameterized Cypher: every value — including
// property values but never identifiers — goes through AddParam, so a
// built query string never interpolates caller data directly.
type CypherBuilder struct {
	params  map[string]interface{}
	counter int
}

// NewCypherBuilder returns an empty builder.
func NewCypherBuilder() *CypherBuilder {
	return &CypherBuilder{params: make(map[string]interface{})}
}

// AddParam registers value and returns its "$pN" placeholder.
func (b *CypherBuilder) AddParam(value interface{}) string {
	name := fmt.Sprintf("p%d", b.counter)
	b.counter++
	b.params[name] = value
	return "$" + name
}

// Params returns the accumulated parameter map.
func (b *CypherBuilder) Params() map[string]interface{} {
	return b.params
}

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// isValidIdentifier reports whether s is safe to interpolate as a
// Cypher label, alias, or property key — the only values this builder
// ever interpolates directly rather than parameterizing.
func isValidIdentifier(s string) bool {
	return s != "" && identifierPattern.MatchString(s)
}

// BuildMergeVertex builds a MERGE on a single identifying property,
// then SETs every remaining property — the same discipline the
// original codebase's node-creation query used, generalized to
// arbitrary vertex labels.
func (b *CypherBuilder) BuildMergeVertex(label, uniqueKey string, uniqueValue interface{}, properties map[string]interface{}) (string, error) {
	if !isValidIdentifier(label) {
		return "", fmt.Errorf("invalid vertex label: %s", label)
	}
	if !isValidIdentifier(uniqueKey) {
		return "", fmt.Errorf("invalid unique key: %s", uniqueKey)
	}

	uniqueParam := b.AddParam(uniqueValue)

	var setClauses []string
	for key, value := range properties {
		if !isValidIdentifier(key) {
			return "", fmt.Errorf("invalid property key: %s", key)
		}
		setClauses = append(setClauses, fmt.Sprintf("n.%s = %s", key, b.AddParam(value)))
	}

	set := ""
	if len(setClauses) > 0 {
		set = "SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf("MERGE (n:%s {%s: %s}) %s RETURN id(n) as id", label, uniqueKey, uniqueParam, set), nil
}

// BuildCreateEdge matches the two endpoint vertices by internal id and
// creates a new edge with the given label and properties — it never
// MERGEs, since every edge append is a brand-new edge per the
// append-only persistence discipline (§4.3).
func (b *CypherBuilder) BuildCreateEdge(edgeLabel string, properties map[string]interface{}) (string, error) {
	if !isValidIdentifier(edgeLabel) {
		return "", fmt.Errorf("invalid edge label: %s", edgeLabel)
	}

	srcParam := b.AddParam(properties["__src_db_id"])
	dstParam := b.AddParam(properties["__dst_db_id"])

	var setClauses []string
	for key, value := range properties {
		if key == "__src_db_id" || key == "__dst_db_id" {
			continue
		}
		if !isValidIdentifier(key) {
			return "", fmt.Errorf("invalid edge property key: %s", key)
		}
		setClauses = append(setClauses, fmt.Sprintf("r.%s = %s", key, b.AddParam(value)))
	}
	set := ""
	if len(setClauses) > 0 {
		set = "SET " + strings.Join(setClauses, ", ")
	}

	return fmt.Sprintf(
		"MATCH (src) WHERE id(src) = %s MATCH (dst) WHERE id(dst) = %s CREATE (src)-[r:%s]->(dst) %s RETURN id(r) as id",
		srcParam, dstParam, edgeLabel, set,
	), nil
}

// BuildVisibilityFilter builds the branch-aware visibility predicate
// from §4.2 for a single edge alias: an OR across the branch-query
// set's entries, each an AND of branch match, from/to bounds, and
// ACTIVE status.
func (b *CypherBuilder) BuildVisibilityFilter(alias string, qs branch.QuerySet) (string, error) {
	if !isValidIdentifier(alias) {
		return "", fmt.Errorf("invalid alias: %s", alias)
	}
	if len(qs) == 0 {
		return "false", nil
	}

	var clauses []string
	for _, at := range qs {
		clauses = append(clauses, b.oneVisibilityClause(alias, at))
	}
	return "(" + strings.Join(clauses, " OR ") + ")", nil
}

// BuildVisibilityFilterMulti applies the same branch-query-set filter
// to several edge aliases at once, requiring every alias to be visible
// under the *same* matched (branch, time) entry — the variant §4.2
// calls out for attribute + value joins, where the HAS_ATTRIBUTE and
// HAS_VALUE edges must agree on which branch slice produced them.
func (b *CypherBuilder) BuildVisibilityFilterMulti(aliases []string, qs branch.QuerySet) (string, error) {
	for _, alias := range aliases {
		if !isValidIdentifier(alias) {
			return "", fmt.Errorf("invalid alias: %s", alias)
		}
	}
	if len(qs) == 0 {
		return "false", nil
	}

	var perEntry []string
	for _, at := range qs {
		var aliasClauses []string
		for _, alias := range aliases {
			aliasClauses = append(aliasClauses, b.oneVisibilityClause(alias, at))
		}
		perEntry = append(perEntry, "("+strings.Join(aliasClauses, " AND ")+")")
	}
	return "(" + strings.Join(perEntry, " OR ") + ")", nil
}

func (b *CypherBuilder) oneVisibilityClause(alias string, at branch.At) string {
	branchParam := b.AddParam(at.Name)
	timeParam := b.AddParam(at.Time.String())
	return fmt.Sprintf(
		"(%s.branch = %s AND %s.from <= %s AND (%s.to IS NULL OR %s.to >= %s) AND %s.status = 'ACTIVE')",
		alias, branchParam, alias, timeParam, alias, alias, timeParam, alias,
	)
}
