package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"

	"github.com/conveyor-ci/conveyor/internal/model"
)

// BuildResultContext is what the result manager needs to know about a
// build before reconciling its output.
type BuildResultContext struct {
	BuildID      int64
	EcosystemID  int64
	CommitStatus model.CommitStatus
}

// LockBuildForResult locks the build row and returns its reconciliation
// context.
func (tx *Tx) LockBuildForResult(ctx context.Context, buildID int64) (*BuildResultContext, error) {
	var rc BuildResultContext
	err := tx.tx.QueryRow(ctx,
		`SELECT b.id, p.ecosystem_id, c.status
		 FROM build b
		 JOIN profile p ON p.id = b.profile_id
		 JOIN commit c ON c.id = b.commit_id
		 WHERE b.id = $1
		 FOR UPDATE OF b`, buildID).
		Scan(&rc.BuildID, &rc.EcosystemID, &rc.CommitStatus)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock build %d: %w", buildID, err)
	}
	return &rc, nil
}

// ClearBuildArtifacts resets a build's package pointer, partial recipe
// revision and missing-dependency links.
func (tx *Tx) ClearBuildArtifacts(ctx context.Context, buildID int64) error {
	if _, err := tx.tx.Exec(ctx,
		`UPDATE build SET package_id = NULL, recipe_revision_id = NULL WHERE id = $1`,
		buildID); err != nil {
		return fmt.Errorf("failed to clear build artifacts: %w", err)
	}
	if _, err := tx.tx.Exec(ctx,
		`DELETE FROM missing_recipe WHERE build_id = $1`, buildID); err != nil {
		return fmt.Errorf("failed to clear missing recipes: %w", err)
	}
	if _, err := tx.tx.Exec(ctx,
		`DELETE FROM missing_package WHERE build_id = $1`, buildID); err != nil {
		return fmt.Errorf("failed to clear missing packages: %w", err)
	}
	return nil
}

// GetOrCreateRecipe upserts a recipe. Recipes are created on first
// observation and never deleted.
func (tx *Tx) GetOrCreateRecipe(ctx context.Context, ecosystemID int64,
	name, version, user, channel string) (*model.Recipe, error) {
	r := model.Recipe{
		EcosystemID: ecosystemID,
		Name:        name,
		Version:     version,
		User:        user,
		Channel:     channel,
	}
	err := tx.tx.QueryRow(ctx,
		`INSERT INTO recipe (ecosystem_id, name, version, user_name, channel)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (ecosystem_id, name, version, user_name, channel)
		 DO UPDATE SET name = EXCLUDED.name
		 RETURNING id, current_revision_id`,
		ecosystemID, name, version, user, channel).
		Scan(&r.ID, &r.CurrentRevisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert recipe %s/%s: %w", name, version, err)
	}
	return &r, nil
}

// GetOrCreateRecipeRevision upserts a revision of a recipe.
func (tx *Tx) GetOrCreateRecipeRevision(ctx context.Context, recipeID int64, revision string) (*model.RecipeRevision, error) {
	rr := model.RecipeRevision{RecipeID: recipeID, Revision: revision}
	err := tx.tx.QueryRow(ctx,
		`INSERT INTO recipe_revision (recipe_id, revision)
		 VALUES ($1, $2)
		 ON CONFLICT (recipe_id, revision) DO UPDATE SET revision = EXCLUDED.revision
		 RETURNING id`,
		recipeID, revision).Scan(&rr.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert recipe revision: %w", err)
	}
	return &rr, nil
}

// SetRecipeCurrentRevision points a recipe at its current revision.
func (tx *Tx) SetRecipeCurrentRevision(ctx context.Context, recipeID, revisionID int64) error {
	if _, err := tx.tx.Exec(ctx,
		`UPDATE recipe SET current_revision_id = $2 WHERE id = $1`,
		recipeID, revisionID); err != nil {
		return fmt.Errorf("failed to set current revision: %w", err)
	}
	return nil
}

// GetOrCreatePackage upserts a package of a recipe revision.
func (tx *Tx) GetOrCreatePackage(ctx context.Context, revisionID int64, packageID string) (*model.Package, error) {
	p := model.Package{RecipeRevisionID: revisionID, PackageID: packageID}
	err := tx.tx.QueryRow(ctx,
		`INSERT INTO package (recipe_revision_id, package_id)
		 VALUES ($1, $2)
		 ON CONFLICT (recipe_revision_id, package_id) DO UPDATE SET package_id = EXCLUDED.package_id
		 RETURNING id`,
		revisionID, packageID).Scan(&p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert package %s: %w", packageID, err)
	}
	return &p, nil
}

// SetBuildPackage points the build at the package it produced.
func (tx *Tx) SetBuildPackage(ctx context.Context, buildID, packageRowID int64) error {
	if _, err := tx.tx.Exec(ctx,
		`UPDATE build SET package_id = $2 WHERE id = $1`, buildID, packageRowID); err != nil {
		return fmt.Errorf("failed to set build package: %w", err)
	}
	return nil
}

// SetBuildRecipeRevision stores a partial result: the revision the
// failed build got as far as producing.
func (tx *Tx) SetBuildRecipeRevision(ctx context.Context, buildID, revisionID int64) error {
	if _, err := tx.tx.Exec(ctx,
		`UPDATE build SET recipe_revision_id = $2 WHERE id = $1`, buildID, revisionID); err != nil {
		return fmt.Errorf("failed to set build recipe revision: %w", err)
	}
	return nil
}

// AddMissingRecipe links a build to a recipe it is waiting for.
func (tx *Tx) AddMissingRecipe(ctx context.Context, buildID, recipeID int64) error {
	if _, err := tx.tx.Exec(ctx,
		`INSERT INTO missing_recipe (build_id, recipe_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, buildID, recipeID); err != nil {
		return fmt.Errorf("failed to add missing recipe: %w", err)
	}
	return nil
}

// AddMissingPackage links a build to a package it is waiting for.
func (tx *Tx) AddMissingPackage(ctx context.Context, buildID, packageRowID int64) error {
	if _, err := tx.tx.Exec(ctx,
		`INSERT INTO missing_package (build_id, package_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`, buildID, packageRowID); err != nil {
		return fmt.Errorf("failed to add missing package: %w", err)
	}
	return nil
}

// ReplacePackageRequires rewrites the requirement edges of a package.
// The caller de-duplicates refs, which keeps the adjacency cycle-free
// within one resolution pass; a self edge is rejected here.
func (tx *Tx) ReplacePackageRequires(ctx context.Context, packageRowID int64, requiredIDs []int64) error {
	if _, err := tx.tx.Exec(ctx,
		`DELETE FROM package_requires WHERE package_id = $1`, packageRowID); err != nil {
		return fmt.Errorf("failed to clear package requirements: %w", err)
	}
	for _, req := range requiredIDs {
		if req == packageRowID {
			continue
		}
		if _, err := tx.tx.Exec(ctx,
			`INSERT INTO package_requires (package_id, required_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`, packageRowID, req); err != nil {
			return fmt.Errorf("failed to add package requirement: %w", err)
		}
	}
	return nil
}

// UnblockBuildsForRecipe re-queues failed builds of building commits
// that were waiting for this recipe. Returns the re-queued build ids.
func (tx *Tx) UnblockBuildsForRecipe(ctx context.Context, recipeID int64) ([]int64, error) {
	rows, err := tx.tx.Query(ctx,
		`UPDATE build SET status = 'new'
		 WHERE status = 'error'
		   AND commit_id IN (SELECT id FROM commit WHERE status = 'building')
		   AND id IN (SELECT build_id FROM missing_recipe WHERE recipe_id = $1)
		 RETURNING id`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("failed to unblock builds for recipe: %w", err)
	}
	return collectIDs(rows)
}

// UnblockBuildsForPackage re-queues failed builds of building commits
// waiting either for exactly this package (same revision, same package
// id) or for any package of the same recipe under a different revision;
// package ids may change across revisions, so the second branch matches
// regardless of package id.
func (tx *Tx) UnblockBuildsForPackage(ctx context.Context, packageRowID, recipeID int64, revision string) ([]int64, error) {
	rows, err := tx.tx.Query(ctx,
		`UPDATE build SET status = 'new'
		 WHERE status = 'error'
		   AND commit_id IN (SELECT id FROM commit WHERE status = 'building')
		   AND id IN (
			SELECT build_id FROM missing_package WHERE package_id = $1
			UNION
			SELECT mp.build_id FROM missing_package mp
			  JOIN package q ON q.id = mp.package_id
			  JOIN recipe_revision qr ON qr.id = q.recipe_revision_id
			  WHERE qr.recipe_id = $2 AND qr.revision <> $3
		   )
		 RETURNING id`, packageRowID, recipeID, revision)
	if err != nil {
		return nil, fmt.Errorf("failed to unblock builds for package: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
