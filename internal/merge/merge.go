// Package merge implements L6: validating a branch against its parent
// and, once clean, replaying its changes onto the default branch inside
// a single transaction before rebasing it (§4.6).
package merge

import (
	"context"
	"log/slog"

	"github.com/infrahub-project/infrahub-core/internal/branch"
	"github.com/infrahub-project/infrahub-core/internal/diff"
	"github.com/infrahub-project/infrahub-core/internal/errors"
	"github.com/infrahub-project/infrahub-core/internal/store"
	"github.com/infrahub-project/infrahub-core/internal/timestamp"
)

const (
	labelBranch = "Branch"

	edgeIsPartOf     = "IS_PART_OF"
	edgeHasAttribute = "HAS_ATTRIBUTE"
	edgeIsRelated    = "IS_RELATED"
)

// Repository is the minimal shape merge needs from a tracked external
// repository to run its pre-merge checks (§4.6's "repository checks
// pass" precondition) — Git integration itself is out of scope, so this
// models just enough to let a collaborator report pass/fail.
type Repository struct {
	UUID         string
	Name         string
	CommitHash   string
	BranchCommit string
}

// RepositoryCollaborator abstracts the external system tracking
// per-branch repository state, so merge's validation logic never
// depends on how repositories are actually stored or diffed. A caller
// with no repository tracking can pass a nil collaborator — Validate
// skips the check entirely.
type RepositoryCollaborator interface {
	// ListRepositories returns every repository tracked on b.
	ListRepositories(ctx context.Context, b *branch.Branch) ([]Repository, error)

	// DiffAgainstCommit reports whether repo's branch commit passes
	// whatever checks the collaborator runs against its tracked commit
	// history, with human-readable messages for any failure.
	DiffAgainstCommit(ctx context.Context, repo Repository) (ok bool, messages []string, err error)
}

// Validate reports whether b is clean to merge: it must have no
// conflicts against parent, and every tracked repository (if repos is
// non-nil) must pass its own checks.
func Validate(ctx context.Context, backend store.Backend, b, parent *branch.Branch, repos RepositoryCollaborator) (bool, []string, error) {
	var messages []string
	ok := true

	d, err := diff.New(backend, b, parent, false, nil, nil, nil)
	if err != nil {
		return false, nil, err
	}
	conflicts, err := d.Conflicts(ctx)
	if err != nil {
		return false, nil, err
	}
	for _, c := range conflicts {
		ok = false
		messages = append(messages, "conflict detected at "+conflictLabel(c))
	}

	if repos != nil {
		repositories, err := repos.ListRepositories(ctx, b)
		if err != nil {
			return false, nil, err
		}
		for _, repo := range repositories {
			passed, repoMessages, err := repos.DiffAgainstCommit(ctx, repo)
			if err != nil {
				return false, nil, err
			}
			if !passed {
				ok = false
				messages = append(messages, repoMessages...)
			}
		}
	}

	return ok, messages, nil
}

func conflictLabel(p diff.Path) string {
	return string(p.Kind) + "/" + p.A + "/" + p.B + "/" + string(p.PropKind)
}

// Merge validates b against the default branch and, if clean, replays
// every change recorded under b's own name in b's diff onto default —
// node, then attribute, then property, then relationship, in that
// order — inside a single transaction, batch-closing every edge id the
// replay schedules, then rebases b to at and persists the rebased
// branch through branches before returning. b must not be the default
// branch itself.
func Merge(ctx context.Context, backend store.Backend, branches *branch.Store, b, defaultBranch *branch.Branch, at timestamp.Timestamp, repos RepositoryCollaborator, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "merge", "branch", b.Name)

	if b.IsDefault {
		return errors.ValidationErrorf("cannot merge the default branch %q into itself", b.Name)
	}

	ok, messages, err := Validate(ctx, backend, b, defaultBranch, repos)
	if err != nil {
		return err
	}
	if !ok {
		reasons := make([]interface{}, len(messages))
		for i, m := range messages {
			reasons[i] = m
		}
		return errors.ConflictError("branch "+b.Name+" failed validation", reasons...)
	}

	d, err := diff.New(backend, b, defaultBranch, false, nil, nil, logger)
	if err != nil {
		return err
	}
	cs, err := d.ChangeSet(ctx)
	if err != nil {
		return err
	}

	err = backend.WithTransaction(ctx, store.OperationMerge, func(ctx context.Context, tx store.Transaction) error {
		var toClose []string
		schedule := func(ids ...string) {
			for _, id := range ids {
				if id != "" {
					toClose = append(toClose, id)
				}
			}
		}

		branchVertexID, err := resolveBranchVertex(ctx, backend, tx, defaultBranch.Name)
		if err != nil {
			return err
		}

		for uuid, n := range cs.Nodes[b.Name] {
			switch n.Action {
			case diff.ActionAdded:
				if _, err := tx.AddEdge(ctx, store.Edge{
					SrcDBID: n.DBID, DstDBID: branchVertexID, Label: edgeIsPartOf,
					Branch: defaultBranch.Name, From: at, Status: store.StatusActive,
				}); err != nil {
					return err
				}
				schedule(n.RelID)
			case diff.ActionRemoved:
				if err := tx.DeleteNode(ctx, uuid, defaultBranch.Name, at); err != nil {
					return err
				}
				schedule(n.RelID)
			}

			for _, a := range n.Attributes {
				switch a.Action {
				case diff.ActionAdded:
					if _, err := tx.AddEdge(ctx, store.Edge{
						SrcDBID: n.DBID, DstDBID: a.DBID, Label: edgeHasAttribute,
						Branch: defaultBranch.Name, From: at, Status: store.StatusActive,
					}); err != nil {
						return err
					}
					schedule(a.RelID)
				case diff.ActionRemoved:
					if _, err := tx.AddEdge(ctx, store.Edge{
						SrcDBID: n.DBID, DstDBID: a.DBID, Label: edgeHasAttribute,
						Branch: defaultBranch.Name, From: at, Status: store.StatusDeleted,
					}); err != nil {
						return err
					}
					schedule(a.RelID, a.OriginRelID)
				}

				for propKind, p := range a.Properties {
					status := store.StatusActive
					if p.Action == diff.ActionRemoved {
						status = store.StatusDeleted
					}
					if _, err := tx.AddEdge(ctx, store.Edge{
						SrcDBID: a.DBID, DstDBID: p.DBID, Label: string(propKind),
						Branch: defaultBranch.Name, From: at, Status: status,
					}); err != nil {
						return err
					}
					schedule(p.RelID, p.OriginRelID)
				}
			}
		}

		for _, byUUID := range cs.Rels[b.Name] {
			for _, r := range byUUID {
				if r.Action == diff.ActionAdded || r.Action == diff.ActionRemoved {
					status := store.StatusActive
					if r.Action == diff.ActionRemoved {
						status = store.StatusDeleted
					}
					for _, ep := range r.Nodes {
						if _, err := tx.AddEdge(ctx, store.Edge{
							SrcDBID: ep.DBID, DstDBID: r.DBID, Label: edgeIsRelated,
							Branch: defaultBranch.Name, From: at, Status: status,
						}); err != nil {
							return err
						}
						schedule(ep.RelID)
					}
				}

				for propKind, p := range r.Properties {
					status := store.StatusActive
					if p.Action == diff.ActionRemoved {
						status = store.StatusDeleted
					}
					if _, err := tx.AddEdge(ctx, store.Edge{
						SrcDBID: r.DBID, DstDBID: p.DBID, Label: string(propKind),
						Branch: defaultBranch.Name, From: at, Status: status,
					}); err != nil {
						return err
					}
					schedule(p.RelID, p.OriginRelID)
				}
			}
		}

		return tx.CloseEdges(ctx, toClose, at)
	})
	if err != nil {
		return err
	}

	b.Rebase(at)
	if err := branches.Save(ctx, b); err != nil {
		return errors.BackendErrorf(err, "failed to persist rebased branch %q", b.Name)
	}
	logger.Info("merged branch", "at", at.String())
	return nil
}

// resolveBranchVertex mirrors nodemanager's find-or-create lookup:
// branch vertices are a small, rarely-written catalog resolved through
// the backend's auto-committing read rather than through the
// transaction, since Transaction exposes no FindVerticesByProperty of
// its own.
func resolveBranchVertex(ctx context.Context, backend store.Backend, tx store.Transaction, name string) (string, error) {
	vertices, err := backend.FindVerticesByProperty(ctx, labelBranch, "name", name)
	if err != nil {
		return "", err
	}
	if len(vertices) > 0 {
		return vertices[0].DBID, nil
	}
	return tx.CreateVertex(ctx, []string{labelBranch}, map[string]interface{}{"name": name})
}
