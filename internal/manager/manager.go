// Package manager reconciles builder output with the recipe, revision
// and package graph and re-queues failed builds whose missing
// dependencies were just produced.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/conveyor-ci/conveyor/internal/bus"
	"github.com/conveyor-ci/conveyor/internal/metrics"
	"github.com/conveyor-ci/conveyor/internal/model"
	"github.com/conveyor-ci/conveyor/internal/store"
)

// recipeIDPattern extracts the optional revision hash from a reference
// like "name/version@user/channel#revision".
var recipeIDPattern = regexp.MustCompile(`^[\w+.\-]+/[\w+.\-]+(?:@\w+/\w+)?(#(\w+))?`)

// refPattern splits a full reference into its parts.
var refPattern = regexp.MustCompile(`^([\w+.\-]+)/([\w+.\-]+)(?:@(\w+)/(\w+))?(?:#(\w+))?`)

// Manager interprets the JSON files a build container produced.
type Manager struct {
	store *store.Store
	bus   *bus.Publisher
}

// New creates a manager writing through the given store and announcing
// re-queued builds on the bus.
func New(st *store.Store, publisher *bus.Publisher) *Manager {
	return &Manager{store: st, bus: publisher}
}

type jsonError struct {
	Type string `json:"type"`
}

type recipeEntry struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	User       string     `json:"user"`
	Channel    string     `json:"channel"`
	Dependency bool       `json:"dependency"`
	Error      *jsonError `json:"error"`
}

type packageEntry struct {
	ID    string     `json:"id"`
	Error *jsonError `json:"error"`
}

type installedEntry struct {
	Recipe   recipeEntry    `json:"recipe"`
	Packages []packageEntry `json:"packages"`
}

type createOutput struct {
	Error     bool             `json:"error"`
	Installed []installedEntry `json:"installed"`
}

type lockNode struct {
	Ref           string   `json:"ref"`
	PackageID     string   `json:"package_id"`
	Requires      []string `json:"requires"`
	BuildRequires []string `json:"build_requires"`
}

type lockOutput struct {
	GraphLock struct {
		Nodes map[string]lockNode `json:"nodes"`
	} `json:"graph_lock"`
}

// revisionOf extracts the revision hash from a recipe reference; the
// hash is empty when revisions are disabled.
func revisionOf(id string) (string, bool) {
	m := recipeIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	return m[2], true
}

// ProcessSuccess records the artifacts of a successful build and
// re-queues builds that were waiting for them. Reports whether any
// build was set back to new.
func (m *Manager) ProcessSuccess(ctx context.Context, buildID int64, output map[string][]byte) (bool, error) {
	raw, ok := output["create"]
	if !ok {
		slog.Error("No JSON output of the create stage", "build", buildID)
		return false, nil
	}
	var data createOutput
	if err := json.Unmarshal(raw, &data); err != nil {
		return false, fmt.Errorf("failed to parse create output: %w", err)
	}

	var unblocked []int64
	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		unblocked = nil
		rc, err := tx.LockBuildForResult(ctx, buildID)
		if err != nil {
			return err
		}
		if err := tx.ClearBuildArtifacts(ctx, buildID); err != nil {
			return err
		}

		var ownPackage *model.Package
		for _, entry := range data.Installed {
			if entry.Recipe.Dependency {
				continue
			}
			recipe, revision, err := m.upsertRevision(ctx, tx, rc, entry.Recipe, true)
			if err != nil {
				return err
			}
			if revision == nil {
				continue
			}
			for _, pkg := range entry.Packages {
				p, err := tx.GetOrCreatePackage(ctx, revision.ID, pkg.ID)
				if err != nil {
					return err
				}
				if err := tx.SetBuildPackage(ctx, buildID, p.ID); err != nil {
					return err
				}
				ownPackage = p
				ids, err := tx.UnblockBuildsForPackage(ctx, p.ID, recipe.ID, revision.Revision)
				if err != nil {
					return err
				}
				unblocked = append(unblocked, ids...)
			}
			ids, err := tx.UnblockBuildsForRecipe(ctx, recipe.ID)
			if err != nil {
				return err
			}
			unblocked = append(unblocked, ids...)
		}

		if ownPackage != nil {
			if err := m.recordRequires(ctx, tx, rc, ownPackage, output["lock"]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	for _, id := range unblocked {
		slog.Info("Set status of build to 'new'", "build", id)
		metrics.BuildsUnblocked.Inc()
	}
	m.bus.PublishBuilds(unblocked)
	slog.Info("Updated database for successful build", "build", buildID)
	return len(unblocked) > 0, nil
}

// ProcessFailure records partial artifacts and the missing dependencies
// of a failed build.
func (m *Manager) ProcessFailure(ctx context.Context, buildID int64, output map[string][]byte) error {
	raw, ok := output["create"]
	if !ok {
		slog.Info("Failed build contains no JSON output of the create stage", "build", buildID)
		return nil
	}
	var data createOutput
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse create output: %w", err)
	}
	if !data.Error {
		slog.Info("Create stage of failed build was successful, no missing dependencies", "build", buildID)
	}

	err := m.store.WithTx(ctx, func(ctx context.Context, tx *store.Tx) error {
		rc, err := tx.LockBuildForResult(ctx, buildID)
		if err != nil {
			return err
		}
		if err := tx.ClearBuildArtifacts(ctx, buildID); err != nil {
			return err
		}

		for _, entry := range data.Installed {
			if !entry.Recipe.Dependency {
				_, revision, err := m.upsertRevision(ctx, tx, rc, entry.Recipe, true)
				if err != nil {
					return err
				}
				if revision == nil {
					continue
				}
				produced := false
				for _, pkg := range entry.Packages {
					if pkg.Error != nil {
						continue
					}
					p, err := tx.GetOrCreatePackage(ctx, revision.ID, pkg.ID)
					if err != nil {
						return err
					}
					if err := tx.SetBuildPackage(ctx, buildID, p.ID); err != nil {
						return err
					}
					produced = true
				}
				if !produced {
					// Partial result: the revision exists even though
					// no package came out of it.
					if err := tx.SetBuildRecipeRevision(ctx, buildID, revision.ID); err != nil {
						return err
					}
				}
				continue
			}

			if entry.Recipe.Error != nil && entry.Recipe.Error.Type == "missing" {
				recipe, err := tx.GetOrCreateRecipe(ctx, rc.EcosystemID,
					entry.Recipe.Name, entry.Recipe.Version, entry.Recipe.User, entry.Recipe.Channel)
				if err != nil {
					return err
				}
				if err := tx.AddMissingRecipe(ctx, buildID, recipe.ID); err != nil {
					return err
				}
				continue
			}

			_, revision, err := m.upsertRevision(ctx, tx, rc, entry.Recipe, false)
			if err != nil {
				return err
			}
			if revision == nil {
				continue
			}
			for _, pkg := range entry.Packages {
				if pkg.Error == nil || pkg.Error.Type != "missing" {
					continue
				}
				p, err := tx.GetOrCreatePackage(ctx, revision.ID, pkg.ID)
				if err != nil {
					return err
				}
				if err := tx.AddMissingPackage(ctx, buildID, p.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("Updated database for failed build", "build", buildID)
	return nil
}

// upsertRevision materializes the recipe and revision of one entry. An
// unparseable reference is logged and reported as a nil revision. When
// own is set and the commit is still building, the recipe's current
// revision is advanced.
func (m *Manager) upsertRevision(ctx context.Context, tx *store.Tx, rc *store.BuildResultContext,
	entry recipeEntry, own bool) (*model.Recipe, *model.RecipeRevision, error) {
	revisionHash, ok := revisionOf(entry.ID)
	if !ok {
		slog.Error("Invalid recipe ID", "id", entry.ID)
		return nil, nil, nil
	}
	recipe, err := tx.GetOrCreateRecipe(ctx, rc.EcosystemID,
		entry.Name, entry.Version, entry.User, entry.Channel)
	if err != nil {
		return nil, nil, err
	}
	revision, err := tx.GetOrCreateRecipeRevision(ctx, recipe.ID, revisionHash)
	if err != nil {
		return nil, nil, err
	}
	if own && rc.CommitStatus == model.CommitBuilding {
		if err := tx.SetRecipeCurrentRevision(ctx, recipe.ID, revision.ID); err != nil {
			return nil, nil, err
		}
	}
	return recipe, revision, nil
}

// recordRequires reads the root node of the graph lock and rewrites the
// requirement edges of the build's own package.
func (m *Manager) recordRequires(ctx context.Context, tx *store.Tx, rc *store.BuildResultContext,
	ownPackage *model.Package, rawLock []byte) error {
	if len(rawLock) == 0 {
		slog.Info("No graph lock in build output")
		return nil
	}
	var lock lockOutput
	if err := json.Unmarshal(rawLock, &lock); err != nil {
		return fmt.Errorf("failed to parse lock output: %w", err)
	}
	root, ok := lock.GraphLock.Nodes["0"]
	if !ok {
		return nil
	}

	seen := make(map[string]bool)
	var required []int64
	nodeIDs := append(append([]string{}, root.Requires...), root.BuildRequires...)
	for _, nodeID := range nodeIDs {
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		node, ok := lock.GraphLock.Nodes[nodeID]
		if !ok || node.Ref == "" {
			continue
		}
		p, err := m.upsertLockNode(ctx, tx, rc, node)
		if err != nil {
			return err
		}
		if p != nil {
			required = append(required, p.ID)
		}
	}
	return tx.ReplacePackageRequires(ctx, ownPackage.ID, required)
}

func (m *Manager) upsertLockNode(ctx context.Context, tx *store.Tx, rc *store.BuildResultContext,
	node lockNode) (*model.Package, error) {
	ref := refPattern.FindStringSubmatch(node.Ref)
	if ref == nil {
		slog.Error("Invalid reference in graph lock", "ref", node.Ref)
		return nil, nil
	}
	recipe, err := tx.GetOrCreateRecipe(ctx, rc.EcosystemID, ref[1], ref[2], ref[3], ref[4])
	if err != nil {
		return nil, err
	}
	revision, err := tx.GetOrCreateRecipeRevision(ctx, recipe.ID, ref[5])
	if err != nil {
		return nil, err
	}
	if node.PackageID == "" {
		return nil, nil
	}
	return tx.GetOrCreatePackage(ctx, revision.ID, node.PackageID)
}
