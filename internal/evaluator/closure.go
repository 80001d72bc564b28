package evaluator

import (
	"context"

	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

// BuildLookup queries existing build history, letting the evaluator
// skip derivations an organization has already built without pulling
// in a full repository dependency (spec §4.3.3 steps 1-2).
type BuildLookup interface {
	// FindByDerivationPaths returns, for the given organization, any
	// builds whose derivation_path is in paths. When completedOnly is
	// set, only Completed builds are returned.
	FindByDerivationPaths(ctx context.Context, organizationID uuid.UUID, paths []string, completedOnly bool) ([]model.Build, error)
}

// ExistingBuild is a derivation found already fully present in the
// local store at discovery time: the evaluator records it as a
// Completed build directly instead of scheduling it, with its outputs
// imported from the local store (spec §4.3.3 step 1), so a later
// evaluation finds it through BuildLookup.FindByDerivationPaths
// instead of rediscovering it as "existing" every time.
type ExistingBuild struct {
	DerivationPath   string
	Architecture     string
	RequiredFeatures []string
	Build            model.Build
	Outputs          []model.BuildOutput
}

// Closure is the traversal output for one discovered top-level
// derivation.
type Closure struct {
	Builds []model.Build
	Deps   []model.BuildDependency
	// PromoteCompleted names pre-existing build rows (found via
	// BuildLookup, not created by this traversal) whose output is
	// still present in the local store: the caller should flip them
	// to Completed (spec §4.3.3 step 3, "promoting any
	// present-but-not-Completed entries to Completed").
	PromoteCompleted []uuid.UUID
}

func missingPaths(ctx context.Context, store storeclient.Store, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	valid, err := store.QueryValidPaths(ctx, paths)
	if err != nil {
		return nil, err
	}

	validSet := make(map[string]struct{}, len(valid))
	for _, v := range valid {
		validSet[v] = struct{}{}
	}

	missing := make([]string, 0, len(paths))

	for _, p := range paths {
		if _, ok := validSet[p]; !ok {
			missing = append(missing, p)
		}
	}

	return missing, nil
}

// IsAlreadyBuilt implements spec §4.3.3 step 1: a derivation is
// already built when every output in its output map is a valid store
// path.
func IsAlreadyBuilt(ctx context.Context, store storeclient.Store, derivationPath string) (bool, map[string]string, error) {
	outputs, err := store.QueryDerivationOutputMap(ctx, derivationPath)
	if err != nil {
		return false, nil, err
	}

	paths := make([]string, 0, len(outputs))
	for _, p := range outputs {
		paths = append(paths, p)
	}

	missing, err := missingPaths(ctx, store, paths)
	if err != nil {
		return false, nil, err
	}

	return len(missing) == 0, outputs, nil
}

type pendingRef struct {
	path        string
	buildID     uuid.UUID
	dependentOf *uuid.UUID // build that references this path, if any
}

// ComputeClosure runs the worklist traversal of spec §4.3.3 step 3,
// seeded with a single derivation path already known to need
// building (the caller has already handled steps 1 and 2 for it).
func ComputeClosure(
	ctx context.Context,
	store storeclient.Store,
	runner FlakeRunner,
	lookup BuildLookup,
	organizationID uuid.UUID,
	evaluationID uuid.UUID,
	derivationPath string,
) (*Closure, error) {
	closure := &Closure{}

	buildIDByPath := make(map[string]uuid.UUID)
	seeded := uuid.New()
	buildIDByPath[derivationPath] = seeded

	worklist := []pendingRef{{path: derivationPath, buildID: seeded}}

	for len(worklist) > 0 {
		item := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		info, err := store.QueryPathInfo(ctx, item.path)
		if err != nil {
			return nil, err
		}

		var references []string
		if info != nil {
			references = info.References
		}

		system, features, err := runner.Features(ctx, item.path)
		if err != nil {
			return nil, err
		}

		build := model.Build{
			ID:               item.buildID,
			EvaluationID:     evaluationID,
			DerivationPath:   item.path,
			Architecture:     system,
			RequiredFeatures: features,
			Status:           model.BuildCreated,
		}

		closure.Builds = append(closure.Builds, build)

		missingRefs, err := missingPaths(ctx, store, references)
		if err != nil {
			return nil, err
		}

		existingRefBuilds, err := lookup.FindByDerivationPaths(ctx, organizationID, missingRefs, false)
		if err != nil {
			return nil, err
		}

		existingByPath := make(map[string]model.Build, len(existingRefBuilds))
		for _, b := range existingRefBuilds {
			existingByPath[b.DerivationPath] = b
		}

		for _, ref := range missingRefs {
			if id, ok := buildIDByPath[ref]; ok {
				// Already created in this traversal (either built or
				// still pending): merge the edge by ID rather than
				// duplicate the build.
				closure.Deps = append(closure.Deps, model.BuildDependency{
					ID: uuid.New(), BuildID: item.buildID, DependencyID: id,
				})

				continue
			}

			if existing, ok := existingByPath[ref]; ok {
				closure.Deps = append(closure.Deps, model.BuildDependency{
					ID: uuid.New(), BuildID: item.buildID, DependencyID: existing.ID,
				})

				if existing.Status != model.BuildCompleted {
					refInfo, err := store.QueryPathInfo(ctx, ref)
					if err != nil {
						return nil, err
					}

					if refInfo != nil {
						closure.PromoteCompleted = append(closure.PromoteCompleted, existing.ID)
					}
				}

				continue
			}

			newID := uuid.New()
			buildIDByPath[ref] = newID

			closure.Deps = append(closure.Deps, model.BuildDependency{
				ID: uuid.New(), BuildID: item.buildID, DependencyID: newID,
			})

			worklist = append(worklist, pendingRef{path: ref, buildID: newID})
		}
	}

	return closure, nil
}
