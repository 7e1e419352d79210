package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

// BoltBackend implements Backend on top of an embedded bbolt file, so
// the full L1-L6 pipeline can run in tests — and in a single-process
// deployment — with no live Neo4j instance. It has no query language,
// so every read is a bucket scan; that's fine at the scale an embedded
// backend is meant for.
type BoltBackend struct {
	db *bolt.DB
}

var (
	bucketVertices = []byte("vertices")
	bucketEdges    = []byte("edges")
)

type boltVertexRecord struct {
	Labels     []string               `json:"labels"`
	Properties map[string]interface{} `json:"properties"`
}

type boltEdgeRecord struct {
	SrcDBID        string  `json:"src"`
	DstDBID        string  `json:"dst"`
	Label          string  `json:"label"`
	Branch         string  `json:"branch"`
	From           string  `json:"from"`
	To             *string `json:"to"`
	Status         string  `json:"status"`
	HierarchyLevel int     `json:"hierarchy_level"`
}

// NewBoltBackend opens (creating if necessary) the bbolt file at path.
func NewBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.BackendError(err, "failed to open embedded store")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketVertices); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketEdges)
		return err
	})
	if err != nil {
		return nil, errors.BackendError(err, "failed to initialize embedded store buckets")
	}

	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) CreateVertex(ctx context.Context, labels []string, properties map[string]interface{}) (string, error) {
	var id string
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = createVertexTx(tx, labels, properties)
		return err
	})
	if err != nil {
		return "", errors.BackendError(err, "failed to create vertex")
	}
	return id, nil
}

func createVertexTx(tx *bolt.Tx, labels []string, properties map[string]interface{}) (string, error) {
	bucket := tx.Bucket(bucketVertices)
	seq, err := bucket.NextSequence()
	if err != nil {
		return "", err
	}
	id := strconv.FormatUint(seq, 10)

	rec := boltVertexRecord{Labels: labels, Properties: properties}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return id, bucket.Put([]byte(id), data)
}

func (b *BoltBackend) GetVertex(ctx context.Context, dbID string) (Vertex, error) {
	var v Vertex
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVertices)
		data := bucket.Get([]byte(dbID))
		if data == nil {
			return nil
		}
		found = true
		var rec boltVertexRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		v = Vertex{DBID: dbID, Labels: rec.Labels, Properties: rec.Properties}
		return nil
	})
	if err != nil {
		return Vertex{}, errors.BackendError(err, "failed to read vertex")
	}
	if !found {
		return Vertex{}, errors.NotFoundErrorf("no vertex with id %s", dbID)
	}
	return v, nil
}

func (b *BoltBackend) FindVerticesByProperty(ctx context.Context, label, key string, value interface{}) ([]Vertex, error) {
	var out []Vertex
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVertices)
		return bucket.ForEach(func(k, data []byte) error {
			var rec boltVertexRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if !hasLabel(rec.Labels, label) {
				return nil
			}
			if fmt.Sprintf("%v", rec.Properties[key]) != fmt.Sprintf("%v", value) {
				return nil
			}
			out = append(out, Vertex{DBID: string(k), Labels: rec.Labels, Properties: rec.Properties})
			return nil
		})
	})
	if err != nil {
		return nil, errors.BackendError(err, "failed to scan vertices")
	}
	return out, nil
}

func (b *BoltBackend) FindVerticesByLabel(ctx context.Context, label string) ([]Vertex, error) {
	var out []Vertex
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVertices)
		return bucket.ForEach(func(k, data []byte) error {
			var rec boltVertexRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if !hasLabel(rec.Labels, label) {
				return nil
			}
			out = append(out, Vertex{DBID: string(k), Labels: rec.Labels, Properties: rec.Properties})
			return nil
		})
	})
	if err != nil {
		return nil, errors.BackendError(err, "failed to scan vertices")
	}
	return out, nil
}

func (b *BoltBackend) SetVertexProperties(ctx context.Context, dbID string, properties map[string]interface{}) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVertices)
		data := bucket.Get([]byte(dbID))
		if data == nil {
			return errors.NotFoundErrorf("no vertex with id %s", dbID)
		}
		var rec boltVertexRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Properties = properties
		newData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(dbID), newData)
	})
	if err != nil {
		return errors.BackendError(err, "failed to update vertex properties")
	}
	return nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func (b *BoltBackend) AddEdge(ctx context.Context, e Edge) (string, error) {
	var id string
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = addEdgeTx(tx, e)
		return err
	})
	if err != nil {
		return "", errors.BackendError(err, "failed to add edge")
	}
	return id, nil
}

func addEdgeTx(tx *bolt.Tx, e Edge) (string, error) {
	bucket := tx.Bucket(bucketEdges)
	seq, err := bucket.NextSequence()
	if err != nil {
		return "", err
	}
	id := strconv.FormatUint(seq, 10)

	rec := boltEdgeRecord{
		SrcDBID:        e.SrcDBID,
		DstDBID:        e.DstDBID,
		Label:          e.Label,
		Branch:         e.Branch,
		From:           e.From.String(),
		Status:         string(e.Status),
		HierarchyLevel: e.HierarchyLevel,
	}
	if e.To != nil {
		to := e.To.String()
		rec.To = &to
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	return id, bucket.Put([]byte(id), data)
}

func (b *BoltBackend) CloseEdges(ctx context.Context, ids []string, at timestamp.Timestamp) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return closeEdgesTx(tx, ids, at)
	})
	if err != nil {
		return errors.BackendError(err, "failed to close edges")
	}
	return nil
}

func closeEdgesTx(tx *bolt.Tx, ids []string, at timestamp.Timestamp) error {
	bucket := tx.Bucket(bucketEdges)
	atStr := at.String()
	for _, id := range ids {
		data := bucket.Get([]byte(id))
		if data == nil {
			continue
		}
		var rec boltEdgeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.To != nil {
			continue
		}
		rec.To = &atStr
		newData, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(id), newData); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltBackend) DeleteNode(ctx context.Context, uuid string, branchName string, at timestamp.Timestamp) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return deleteNodeTx(tx, uuid, branchName, at)
	})
	if err != nil {
		return errors.BackendError(err, "failed to delete node")
	}
	return nil
}

func deleteNodeTx(tx *bolt.Tx, uuid string, branchName string, at timestamp.Timestamp) error {
	vbucket := tx.Bucket(bucketVertices)
	ebucket := tx.Bucket(bucketEdges)

	var nodeDBID string
	err := vbucket.ForEach(func(k, data []byte) error {
		var rec boltVertexRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if fmt.Sprintf("%v", rec.Properties["uuid"]) == uuid {
			nodeDBID = string(k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if nodeDBID == "" {
		return errors.NotFoundErrorf("no node with uuid %s", uuid)
	}

	var toClose []string
	err = ebucket.ForEach(func(k, data []byte) error {
		var rec boltEdgeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.Branch != branchName || rec.To != nil {
			return nil
		}
		if rec.SrcDBID == nodeDBID || rec.DstDBID == nodeDBID {
			toClose = append(toClose, string(k))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := closeEdgesTx(tx, toClose, at); err != nil {
		return err
	}

	_, err = addEdgeTx(tx, Edge{
		SrcDBID: nodeDBID,
		DstDBID: nodeDBID,
		Label:   "IS_PART_OF",
		Branch:  branchName,
		From:    at,
		Status:  StatusDeleted,
	})
	return err
}

func edgeMatches(rec boltEdgeRecord, vertexDBID string, direction EdgeDirection, label string, branches []string, fromGTE, toLTE *timestamp.Timestamp) bool {
	if vertexDBID != "" {
		switch direction {
		case DirectionOut:
			if rec.SrcDBID != vertexDBID {
				return false
			}
		case DirectionIn:
			if rec.DstDBID != vertexDBID {
				return false
			}
		default:
			if rec.SrcDBID != vertexDBID && rec.DstDBID != vertexDBID {
				return false
			}
		}
	}
	if label != "" && rec.Label != label {
		return false
	}
	if len(branches) > 0 {
		match := false
		for _, br := range branches {
			if rec.Branch == br {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if fromGTE != nil {
		from := timestamp.MustParse(rec.From)
		if from.Before(*fromGTE) {
			return false
		}
	}
	if toLTE != nil {
		if rec.To == nil {
			return false
		}
		to := timestamp.MustParse(*rec.To)
		if to.After(*toLTE) {
			return false
		}
	}
	return true
}

func edgeFromRecord(id string, rec boltEdgeRecord) Edge {
	e := Edge{
		ID:             id,
		SrcDBID:        rec.SrcDBID,
		DstDBID:        rec.DstDBID,
		Label:          rec.Label,
		Branch:         rec.Branch,
		From:           timestamp.MustParse(rec.From),
		Status:         Status(rec.Status),
		HierarchyLevel: rec.HierarchyLevel,
	}
	if rec.To != nil {
		to := timestamp.MustParse(*rec.To)
		e.To = &to
	}
	return e
}

func (b *BoltBackend) Edges(ctx context.Context, q EdgeQuery) ([]Edge, error) {
	var out []Edge
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEdges)
		return bucket.ForEach(func(k, data []byte) error {
			var rec boltEdgeRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			if !edgeMatches(rec, q.VertexDBID, q.Direction, q.Label, q.Branches, q.FromGTE, q.ToLTE) {
				return nil
			}
			out = append(out, edgeFromRecord(string(k), rec))
			return nil
		})
	})
	if err != nil {
		return nil, errors.BackendError(err, "failed to scan edges")
	}
	return out, nil
}

// WithTransaction runs fn inside a single bbolt read-write transaction.
// operation is accepted for interface parity with Neo4jBackend; bbolt
// has no per-operation timeout knob, so it's unused here.
func (b *BoltBackend) WithTransaction(ctx context.Context, operation string, fn func(ctx context.Context, tx Transaction) error) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return fn(ctx, &boltTransaction{tx: tx})
	})
	if err != nil {
		return errors.BackendError(err, fmt.Sprintf("transaction %q failed", operation))
	}
	return nil
}

type boltTransaction struct {
	tx *bolt.Tx
}

func (t *boltTransaction) CreateVertex(ctx context.Context, labels []string, properties map[string]interface{}) (string, error) {
	return createVertexTx(t.tx, labels, properties)
}

func (t *boltTransaction) AddEdge(ctx context.Context, e Edge) (string, error) {
	return addEdgeTx(t.tx, e)
}

func (t *boltTransaction) CloseEdges(ctx context.Context, ids []string, at timestamp.Timestamp) error {
	if len(ids) == 0 {
		return nil
	}
	return closeEdgesTx(t.tx, ids, at)
}

func (t *boltTransaction) DeleteNode(ctx context.Context, uuid string, branchName string, at timestamp.Timestamp) error {
	return deleteNodeTx(t.tx, uuid, branchName, at)
}

func (t *boltTransaction) Edges(ctx context.Context, q EdgeQuery) ([]Edge, error) {
	var out []Edge
	bucket := t.tx.Bucket(bucketEdges)
	err := bucket.ForEach(func(k, data []byte) error {
		var rec boltEdgeRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if !edgeMatches(rec, q.VertexDBID, q.Direction, q.Label, q.Branches, q.FromGTE, q.ToLTE) {
			return nil
		}
		out = append(out, edgeFromRecord(string(k), rec))
		return nil
	})
	return out, err
}

// Indexes returns a no-op index manager: bbolt has no secondary index
// concept, every read is already a full bucket scan.
func (b *BoltBackend) Indexes() IndexManager {
	return boltIndexManager{}
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}

type boltIndexManager struct{}

func (boltIndexManager) Initialized(ctx context.Context) (bool, error) { return true, nil }
func (boltIndexManager) Add(ctx context.Context, label, property string) error { return nil }
