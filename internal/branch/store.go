package branch

import (
	"context"
	"log/slog"

	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

const labelBranch = "Branch"

// Store persists Branch records as plain vertices — branches carry no
// validity-windowed history of their own (only the edges they appear
// on do), so a single vertex per branch with the record's fields as
// properties is enough; no edge bookkeeping is needed.
type Store struct {
	backend store.Backend
	logger  *slog.Logger
}

// NewStore returns a Store backed by backend. A nil logger falls back
// to slog's default.
func NewStore(backend store.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger.With("component", "branchstore")}
}

// Create persists b as a new vertex, failing if a branch with the same
// name already exists.
func (s *Store) Create(ctx context.Context, b *Branch) error {
	existing, err := s.backend.FindVerticesByProperty(ctx, labelBranch, "name", b.Name)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return errors.ConflictErrorf("branch %q already exists", b.Name)
	}

	_, err = s.backend.CreateVertex(ctx, []string{labelBranch}, toProperties(b))
	if err != nil {
		return err
	}
	s.logger.Info("created branch", "name", b.Name, "origin", b.OriginBranch)
	return nil
}

// Get loads the Branch record named name.
func (s *Store) Get(ctx context.Context, name string) (*Branch, error) {
	vertices, err := s.backend.FindVerticesByProperty(ctx, labelBranch, "name", name)
	if err != nil {
		return nil, err
	}
	if len(vertices) == 0 {
		return nil, errors.NotFoundErrorf("no branch named %q", name)
	}
	return fromProperties(vertices[0].Properties)
}

// List returns every persisted Branch record.
func (s *Store) List(ctx context.Context) ([]*Branch, error) {
	vertices, err := s.backend.FindVerticesByLabel(ctx, labelBranch)
	if err != nil {
		return nil, err
	}
	branches := make([]*Branch, 0, len(vertices))
	for _, v := range vertices {
		b, err := fromProperties(v.Properties)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, nil
}

// Save overwrites the persisted record for b.Name with b's current
// field values — branch records have no history, so a save is a
// straightforward upsert rather than an append.
func (s *Store) Save(ctx context.Context, b *Branch) error {
	vertices, err := s.backend.FindVerticesByProperty(ctx, labelBranch, "name", b.Name)
	if err != nil {
		return err
	}
	if len(vertices) == 0 {
		return s.Create(ctx, b)
	}
	if err := s.backend.SetVertexProperties(ctx, vertices[0].DBID, toProperties(b)); err != nil {
		return err
	}
	s.logger.Info("saved branch", "name", b.Name)
	return nil
}

func toProperties(b *Branch) map[string]interface{} {
	props := map[string]interface{}{
		"name":               b.Name,
		"status":             string(b.Status),
		"origin_branch":      b.OriginBranch,
		"branched_from":      b.BranchedFrom.String(),
		"is_default":         b.IsDefault,
		"is_protected":       b.IsProtected,
		"is_data_only":       b.IsDataOnly,
		"ephemeral_rebase":   b.EphemeralRebase,
		"hierarchy_level":    int64(b.HierarchyLevel),
		"active_schema_hash": b.ActiveSchemaHash,
	}
	return props
}

func fromProperties(props map[string]interface{}) (*Branch, error) {
	branchedFrom, err := timestamp.Parse(stringProp(props, "branched_from"))
	if err != nil {
		return nil, errors.BackendErrorf(err, "invalid branched_from on branch vertex")
	}
	return &Branch{
		Name:             stringProp(props, "name"),
		Status:           Status(stringProp(props, "status")),
		OriginBranch:     stringProp(props, "origin_branch"),
		BranchedFrom:     branchedFrom,
		IsDefault:        boolProp(props, "is_default"),
		IsProtected:      boolProp(props, "is_protected"),
		IsDataOnly:       boolProp(props, "is_data_only"),
		EphemeralRebase:  boolProp(props, "ephemeral_rebase"),
		HierarchyLevel:   int(int64Prop(props, "hierarchy_level")),
		ActiveSchemaHash: stringProp(props, "active_schema_hash"),
	}, nil
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}

func boolProp(props map[string]interface{}, key string) bool {
	v, _ := props[key].(bool)
	return v
}

func int64Prop(props map[string]interface{}, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
