package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

// Neo4jBackend implements Backend against a live Neo4j instance via
// the official driver, using the same connection-pool shape and
// ExecuteQuery/session APIs as the rest of this dependency's users.
type Neo4jBackend struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// Neo4jOptions configures the underlying driver's connection pool.
type Neo4jOptions struct {
	Database        string
	MaxPoolSize     int
	ConnectTimeout  time.Duration
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
}

// NewNeo4jBackend dials uri with basic auth and returns a ready
// Backend. It verifies connectivity before returning so a
// misconfigured URI fails fast rather than on the first query.
func NewNeo4jBackend(ctx context.Context, uri, username, password string, opts Neo4jOptions) (*Neo4jBackend, error) {
	logger := slog.Default().With("component", "store/neo4j")

	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""), func(c *neo4j.Config) {
		if opts.MaxPoolSize > 0 {
			c.MaxConnectionPoolSize = opts.MaxPoolSize
		}
		if opts.AcquireTimeout > 0 {
			c.ConnectionAcquisitionTimeout = opts.AcquireTimeout
		}
		if opts.MaxConnLifetime > 0 {
			c.MaxConnectionLifetime = opts.MaxConnLifetime
		}
		if opts.ConnectTimeout > 0 {
			c.SocketConnectTimeout = opts.ConnectTimeout
		}
	})
	if err != nil {
		return nil, errors.BackendError(err, "failed to construct neo4j driver")
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, errors.BackendError(err, "failed to verify neo4j connectivity")
	}

	database := opts.Database
	if database == "" {
		database = "neo4j"
	}

	return &Neo4jBackend{driver: driver, database: database, logger: logger}, nil
}

func rowsFromRecords(records []*neo4j.Record) []Row {
	rows := make([]Row, 0, len(records))
	for _, rec := range records {
		row := make(Row, len(rec.Keys))
		for i, key := range rec.Keys {
			row[key] = rec.Values[i]
		}
		rows = append(rows, row)
	}
	return rows
}

// runAuto executes query outside any caller-managed transaction.
func (b *Neo4jBackend) runAuto(ctx context.Context, query string, params map[string]interface{}) (Result, error) {
	result, err := neo4j.ExecuteQuery(ctx, b.driver, query, params,
		neo4j.EagerResultTransformer, neo4j.ExecuteQueryWithDatabase(b.database))
	if err != nil {
		return Result{}, errors.BackendError(err, "query execution failed")
	}
	return Result{Rows: rowsFromRecords(result.Records)}, nil
}

// CreateVertex appends a vertex and returns its internal id.
func (b *Neo4jBackend) CreateVertex(ctx context.Context, labels []string, properties map[string]interface{}) (string, error) {
	query, params, err := buildCreateVertex(labels, properties)
	if err != nil {
		return "", err
	}
	result, err := b.runAuto(ctx, query, params)
	if err != nil {
		return "", err
	}
	return idFromResult(result)
}

func buildCreateVertex(labels []string, properties map[string]interface{}) (string, map[string]interface{}, error) {
	cb := NewCypherBuilder()

	labelStr := ""
	for _, l := range labels {
		if !isValidIdentifier(l) {
			return "", nil, errors.ValidationErrorf("invalid vertex label: %s", l)
		}
		labelStr += ":" + l
	}

	var setClauses []string
	for key, value := range properties {
		if !isValidIdentifier(key) {
			return "", nil, errors.ValidationErrorf("invalid vertex property key: %s", key)
		}
		setClauses = append(setClauses, fmt.Sprintf("n.%s = %s", key, cb.AddParam(value)))
	}
	set := ""
	if len(setClauses) > 0 {
		set = "SET " + joinComma(setClauses)
	}

	query := fmt.Sprintf("CREATE (n%s) %s RETURN id(n) as id", labelStr, set)
	return query, cb.Params(), nil
}

func idFromResult(result Result) (string, error) {
	if len(result.Rows) == 0 {
		return "", errors.BackendErrorf(nil, "query did not return an id")
	}
	return fmt.Sprintf("%v", result.Rows[0]["id"]), nil
}

// GetVertex returns the vertex with internal id dbID.
func (b *Neo4jBackend) GetVertex(ctx context.Context, dbID string) (Vertex, error) {
	cb := NewCypherBuilder()
	idParam := cb.AddParam(dbID)
	query := fmt.Sprintf("MATCH (n) WHERE id(n) = %s RETURN id(n) as id, labels(n) as labels, properties(n) as props", idParam)

	result, err := b.runAuto(ctx, query, cb.Params())
	if err != nil {
		return Vertex{}, err
	}
	if len(result.Rows) == 0 {
		return Vertex{}, errors.NotFoundErrorf("no vertex with id %s", dbID)
	}
	return vertexFromRow(result.Rows[0]), nil
}

func vertexFromRow(row Row) Vertex {
	v := Vertex{DBID: fmt.Sprintf("%v", row["id"])}
	if labels, ok := row["labels"].([]interface{}); ok {
		for _, l := range labels {
			v.Labels = append(v.Labels, fmt.Sprintf("%v", l))
		}
	}
	if props, ok := row["props"].(map[string]interface{}); ok {
		v.Properties = props
	}
	return v
}

// FindVerticesByProperty returns every vertex carrying label with
// properties[key] == value.
func (b *Neo4jBackend) FindVerticesByProperty(ctx context.Context, label, key string, value interface{}) ([]Vertex, error) {
	if !isValidIdentifier(label) || !isValidIdentifier(key) {
		return nil, errors.ValidationErrorf("invalid label/key: %s/%s", label, key)
	}
	cb := NewCypherBuilder()
	valParam := cb.AddParam(value)
	query := fmt.Sprintf(
		"MATCH (n:%s {%s: %s}) RETURN id(n) as id, labels(n) as labels, properties(n) as props",
		label, key, valParam,
	)

	result, err := b.runAuto(ctx, query, cb.Params())
	if err != nil {
		return nil, err
	}
	vertices := make([]Vertex, 0, len(result.Rows))
	for _, row := range result.Rows {
		vertices = append(vertices, vertexFromRow(row))
	}
	return vertices, nil
}

// FindVerticesByLabel returns every vertex carrying label.
func (b *Neo4jBackend) FindVerticesByLabel(ctx context.Context, label string) ([]Vertex, error) {
	if !isValidIdentifier(label) {
		return nil, errors.ValidationErrorf("invalid label: %s", label)
	}
	query := fmt.Sprintf("MATCH (n:%s) RETURN id(n) as id, labels(n) as labels, properties(n) as props", label)

	result, err := b.runAuto(ctx, query, nil)
	if err != nil {
		return nil, err
	}
	vertices := make([]Vertex, 0, len(result.Rows))
	for _, row := range result.Rows {
		vertices = append(vertices, vertexFromRow(row))
	}
	return vertices, nil
}

// SetVertexProperties replaces dbID's property map wholesale.
func (b *Neo4jBackend) SetVertexProperties(ctx context.Context, dbID string, properties map[string]interface{}) error {
	cb := NewCypherBuilder()
	idParam := cb.AddParam(dbID)
	propsParam := cb.AddParam(properties)
	query := fmt.Sprintf("MATCH (n) WHERE id(n) = %s SET n = %s", idParam, propsParam)

	_, err := b.runAuto(ctx, query, cb.Params())
	return err
}

func buildAddEdge(e Edge) (string, map[string]interface{}, error) {
	cb := NewCypherBuilder()

	var to interface{}
	if e.To != nil {
		to = e.To.String()
	}

	query, err := cb.BuildCreateEdge(e.Label, map[string]interface{}{
		"__src_db_id":     e.SrcDBID,
		"__dst_db_id":     e.DstDBID,
		"branch":          e.Branch,
		"from":            e.From.String(),
		"to":              to,
		"status":          string(e.Status),
		"hierarchy_level": e.HierarchyLevel,
	})
	if err != nil {
		return "", nil, errors.ValidationErrorf("invalid edge parameters: %v", err)
	}
	return query, cb.Params(), nil
}

// AddEdge appends a new edge between two internally-addressed vertices.
func (b *Neo4jBackend) AddEdge(ctx context.Context, e Edge) (string, error) {
	query, params, err := buildAddEdge(e)
	if err != nil {
		return "", err
	}
	result, err := b.runAuto(ctx, query, params)
	if err != nil {
		return "", err
	}
	return idFromResult(result)
}

func buildCloseEdges(ids []string, at timestamp.Timestamp) (string, map[string]interface{}) {
	cb := NewCypherBuilder()
	idsParam := cb.AddParam(ids)
	atParam := cb.AddParam(at.String())
	query := fmt.Sprintf(`MATCH ()-[r]->() WHERE id(r) IN %s AND r.to IS NULL SET r.to = %s`, idsParam, atParam)
	return query, cb.Params()
}

// CloseEdges sets `to` on every open edge in ids.
func (b *Neo4jBackend) CloseEdges(ctx context.Context, ids []string, at timestamp.Timestamp) error {
	if len(ids) == 0 {
		return nil
	}
	query, params := buildCloseEdges(ids, at)
	_, err := b.runAuto(ctx, query, params)
	return err
}

func buildDeleteNodeQueries(uuid, branchName string, at timestamp.Timestamp) (closeQuery string, closeParams map[string]interface{}, deleteQuery string, deleteParams map[string]interface{}) {
	cb := NewCypherBuilder()
	uuidParam := cb.AddParam(uuid)
	branchParam := cb.AddParam(branchName)
	atParam := cb.AddParam(at.String())
	closeQuery = fmt.Sprintf(
		`MATCH (n {uuid: %s})-[r]-() WHERE r.branch = %s AND r.to IS NULL SET r.to = %s`,
		uuidParam, branchParam, atParam,
	)
	closeParams = cb.Params()

	cb2 := NewCypherBuilder()
	uuidParam2 := cb2.AddParam(uuid)
	branchParam2 := cb2.AddParam(branchName)
	atParam2 := cb2.AddParam(at.String())
	deleteQuery = fmt.Sprintf(
		`MATCH (n {uuid: %s}) MATCH (b:Branch {name: %s})
		 CREATE (n)-[:IS_PART_OF {branch: %s, from: %s, to: null, status: 'DELETED'}]->(b)`,
		uuidParam2, branchParam2, branchParam2, atParam2,
	)
	deleteParams = cb2.Params()
	return
}

// DeleteNode closes every edge touching uuid on branch and appends a
// DELETED IS_PART_OF edge, per the third persistence primitive.
func (b *Neo4jBackend) DeleteNode(ctx context.Context, uuid string, branchName string, at timestamp.Timestamp) error {
	return b.WithTransaction(ctx, OperationWrite, func(ctx context.Context, tx Transaction) error {
		return tx.DeleteNode(ctx, uuid, branchName, at)
	})
}

func buildEdgesQuery(q EdgeQuery) (string, map[string]interface{}, error) {
	cb := NewCypherBuilder()

	var pattern string
	switch q.Direction {
	case DirectionOut:
		pattern = "(n)-[r%s]->()"
	case DirectionIn:
		pattern = "(n)<-[r%s]-()"
	default:
		pattern = "(n)-[r%s]-()"
	}
	labelFilter := ""
	if q.Label != "" {
		if !isValidIdentifier(q.Label) {
			return "", nil, errors.ValidationErrorf("invalid edge label filter: %s", q.Label)
		}
		labelFilter = ":" + q.Label
	}
	pattern = fmt.Sprintf(pattern, labelFilter)

	var where []string
	if q.VertexDBID != "" {
		idParam := cb.AddParam(q.VertexDBID)
		where = append(where, fmt.Sprintf("id(n) = %s", idParam))
	}

	if len(q.Branches) > 0 {
		branchesParam := cb.AddParam(q.Branches)
		where = append(where, fmt.Sprintf("r.branch IN %s", branchesParam))
	}
	if q.FromGTE != nil {
		p := cb.AddParam(q.FromGTE.String())
		where = append(where, fmt.Sprintf("r.from >= %s", p))
	}
	if q.ToLTE != nil {
		p := cb.AddParam(q.ToLTE.String())
		where = append(where, fmt.Sprintf("(r.to IS NOT NULL AND r.to <= %s)", p))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + joinAnd(where)
	}
	query := fmt.Sprintf(
		"MATCH %s %s RETURN id(r) as id, id(startNode(r)) as src, id(endNode(r)) as dst, type(r) as label, properties(r) as props",
		pattern, whereClause,
	)
	return query, cb.Params(), nil
}

func joinAnd(clauses []string) string {
	out := ""
	for i, c := range clauses {
		if i > 0 {
			out += " AND "
		}
		out += c
	}
	return out
}

func edgeFromRow(row Row) Edge {
	e := Edge{
		ID:      fmt.Sprintf("%v", row["id"]),
		SrcDBID: fmt.Sprintf("%v", row["src"]),
		DstDBID: fmt.Sprintf("%v", row["dst"]),
		Label:   fmt.Sprintf("%v", row["label"]),
	}
	props, _ := row["props"].(map[string]interface{})
	if branch, ok := props["branch"].(string); ok {
		e.Branch = branch
	}
	if from, ok := props["from"].(string); ok {
		e.From = timestamp.MustParse(from)
	}
	if to, ok := props["to"].(string); ok && to != "" {
		t := timestamp.MustParse(to)
		e.To = &t
	}
	if status, ok := props["status"].(string); ok {
		e.Status = Status(status)
	}
	if level, ok := props["hierarchy_level"].(int64); ok {
		e.HierarchyLevel = int(level)
	}
	return e
}

// Edges returns every edge matching q.
func (b *Neo4jBackend) Edges(ctx context.Context, q EdgeQuery) ([]Edge, error) {
	query, params, err := buildEdgesQuery(q)
	if err != nil {
		return nil, err
	}
	result, err := b.runAuto(ctx, query, params)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(result.Rows))
	for _, row := range result.Rows {
		edges = append(edges, edgeFromRow(row))
	}
	return edges, nil
}

// WithTransaction runs fn within a single Neo4j managed transaction —
// the atomic unit merge (§4.6) requires. The operation's
// TransactionConfig timeout bounds it; the config's Metadata is not
// attached to the transaction.
func (b *Neo4jBackend) WithTransaction(ctx context.Context, operation string, fn func(ctx context.Context, tx Transaction) error) error {
	cfg := GetConfigForOperation(DefaultTransactionConfigs(), operation)
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	session := b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database, AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return nil, fn(ctx, &neo4jTransaction{tx: tx})
	})
	if err != nil {
		return errors.BackendError(err, fmt.Sprintf("transaction %q failed", operation))
	}
	return nil
}

type neo4jTransaction struct {
	tx neo4j.ManagedTransaction
}

func (t *neo4jTransaction) run(ctx context.Context, query string, params map[string]interface{}) (Result, error) {
	res, err := t.tx.Run(ctx, query, params)
	if err != nil {
		return Result{}, errors.BackendError(err, "transaction query failed")
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return Result{}, errors.BackendError(err, "failed to collect transaction results")
	}
	return Result{Rows: rowsFromRecords(records)}, nil
}

func (t *neo4jTransaction) CreateVertex(ctx context.Context, labels []string, properties map[string]interface{}) (string, error) {
	query, params, err := buildCreateVertex(labels, properties)
	if err != nil {
		return "", err
	}
	result, err := t.run(ctx, query, params)
	if err != nil {
		return "", err
	}
	return idFromResult(result)
}

func (t *neo4jTransaction) AddEdge(ctx context.Context, e Edge) (string, error) {
	query, params, err := buildAddEdge(e)
	if err != nil {
		return "", err
	}
	result, err := t.run(ctx, query, params)
	if err != nil {
		return "", err
	}
	return idFromResult(result)
}

func (t *neo4jTransaction) CloseEdges(ctx context.Context, ids []string, at timestamp.Timestamp) error {
	if len(ids) == 0 {
		return nil
	}
	query, params := buildCloseEdges(ids, at)
	_, err := t.run(ctx, query, params)
	return err
}

func (t *neo4jTransaction) DeleteNode(ctx context.Context, uuid string, branchName string, at timestamp.Timestamp) error {
	closeQuery, closeParams, deleteQuery, deleteParams := buildDeleteNodeQueries(uuid, branchName, at)
	if _, err := t.run(ctx, closeQuery, closeParams); err != nil {
		return errors.BackendError(err, "failed to close edges for node delete")
	}
	_, err := t.run(ctx, deleteQuery, deleteParams)
	return err
}

func (t *neo4jTransaction) Edges(ctx context.Context, q EdgeQuery) ([]Edge, error) {
	query, params, err := buildEdgesQuery(q)
	if err != nil {
		return nil, err
	}
	result, err := t.run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(result.Rows))
	for _, row := range result.Rows {
		edges = append(edges, edgeFromRow(row))
	}
	return edges, nil
}

// Indexes returns the index manager for this backend.
func (b *Neo4jBackend) Indexes() IndexManager {
	return &neo4jIndexManager{backend: b}
}

// Close releases the underlying driver's connection pool.
func (b *Neo4jBackend) Close() error {
	return b.driver.Close(context.Background())
}

type neo4jIndexManager struct {
	backend *Neo4jBackend
}

func (m *neo4jIndexManager) Initialized(ctx context.Context) (bool, error) {
	result, err := m.backend.runAuto(ctx, "SHOW INDEXES YIELD name RETURN count(name) as count", nil)
	if err != nil {
		return false, err
	}
	if len(result.Rows) == 0 {
		return false, nil
	}
	count, _ := result.Rows[0]["count"].(int64)
	return count > 0, nil
}

func (m *neo4jIndexManager) Add(ctx context.Context, label, property string) error {
	if !isValidIdentifier(label) || !isValidIdentifier(property) {
		return errors.ValidationErrorf("invalid index target %s.%s", label, property)
	}
	query := fmt.Sprintf("CREATE INDEX IF NOT EXISTS FOR (n:%s) ON (n.%s)", label, property)
	_, err := m.backend.runAuto(ctx, query, nil)
	return err
}

func joinComma(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += ", "
		}
		out += item
	}
	return out
}
