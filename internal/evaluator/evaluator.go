package evaluator

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/sourceprobe"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

// Result is everything one evaluation's worth of wildcard expansion
// produced, ready for the evaluation scheduler to persist (spec §4.4
// step 3-4).
type Result struct {
	Builds           []model.Build
	Dependencies     []model.BuildDependency
	Existing         []ExistingBuild
	PromoteCompleted []uuid.UUID
}

// Evaluator expands an evaluation's wildcard into a build DAG (spec
// §4.3), delegating flake evaluation to FlakeRunner, store queries to
// storeclient.Store, and build-history lookups to BuildLookup.
type Evaluator struct {
	Store  storeclient.Store
	Runner FlakeRunner
	Lookup BuildLookup
	Logger log.Logger
}

func New(store storeclient.Store, runner FlakeRunner, lookup BuildLookup, logger log.Logger) *Evaluator {
	return &Evaluator{Store: store, Runner: runner, Lookup: lookup, Logger: logger}
}

// Evaluate implements §4.3's responsibility end to end: given a
// pinned repository reference and a wildcard, it expands the
// wildcard, resolves each surviving selector to a derivation, and
// computes the dependency closure for every derivation that still
// needs building.
func (e *Evaluator) Evaluate(ctx context.Context, organizationID, evaluationID uuid.UUID, repository, wildcard string) (*Result, error) {
	selectors, err := ParseWildcard(wildcard)
	if err != nil {
		return nil, fmt.Errorf("parse wildcard: %w", err)
	}

	attrPaths, err := ExpandWildcards(ctx, e.Runner, repository, selectors)
	if err != nil {
		return nil, fmt.Errorf("expand wildcard: %w", err)
	}

	if len(attrPaths) == 0 {
		return &Result{}, nil
	}

	result := &Result{}
	seenDerivations := make(map[string]struct{})

	for _, attrPath := range attrPaths {
		drvPath, _, err := e.Runner.ResolveDerivation(ctx, repository, attrPath)
		if err != nil {
			// Derivation discovery failures are logged and skipped,
			// not fatal to the evaluation (spec §4.3.2).
			e.logWarn("resolve derivation for %s: %v", attrPath, err)
			continue
		}

		if _, dup := seenDerivations[drvPath]; dup {
			continue
		}

		seenDerivations[drvPath] = struct{}{}

		alreadyBuilt, outputs, err := IsAlreadyBuilt(ctx, e.Store, drvPath)
		if err != nil {
			e.logWarn("check existing outputs for %s: %v", drvPath, err)
			continue
		}

		if alreadyBuilt {
			system, features, err := e.Runner.Features(ctx, drvPath)
			if err != nil {
				e.logWarn("read features for existing derivation %s: %v", drvPath, err)
				continue
			}

			buildID := uuid.New()

			buildOutputs := make([]model.BuildOutput, 0, len(outputs))
			for name, outPath := range outputs {
				hash, pkg := hashAndPackageFromPath(outPath)

				buildOutputs = append(buildOutputs, model.BuildOutput{
					ID:        uuid.New(),
					BuildID:   buildID,
					Name:      name,
					StorePath: outPath,
					Hash:      hash,
					Package:   pkg,
				})
			}

			result.Existing = append(result.Existing, ExistingBuild{
				DerivationPath:   drvPath,
				Architecture:     system,
				RequiredFeatures: features,
				Build: model.Build{
					ID:               buildID,
					EvaluationID:     evaluationID,
					DerivationPath:   drvPath,
					Architecture:     system,
					RequiredFeatures: features,
					Status:           model.BuildCompleted,
				},
				Outputs: buildOutputs,
			})

			continue
		}

		completed, err := e.Lookup.FindByDerivationPaths(ctx, organizationID, []string{drvPath}, true)
		if err != nil {
			return nil, fmt.Errorf("check build history for %s: %w", drvPath, err)
		}

		if len(completed) > 0 {
			continue
		}

		closure, err := ComputeClosure(ctx, e.Store, e.Runner, e.Lookup, organizationID, evaluationID, drvPath)
		if err != nil {
			return nil, fmt.Errorf("compute closure for %s: %w", drvPath, err)
		}

		result.Builds = append(result.Builds, closure.Builds...)
		result.Dependencies = append(result.Dependencies, closure.Deps...)
		result.PromoteCompleted = append(result.PromoteCompleted, closure.PromoteCompleted...)
	}

	return result, nil
}

// hashAndPackageFromPath splits a Nix store path's base name
// "<hash>-<name>" into its two components, the same store-path
// convention as internal/scheduler/build's and
// internal/cachepacker's helpers of the same name.
func hashAndPackageFromPath(storePath string) (hash, pkg string) {
	base := path.Base(storePath)

	idx := strings.IndexByte(base, '-')
	if idx < 0 {
		return base, ""
	}

	return base[:idx], base[idx+1:]
}

func (e *Evaluator) logWarn(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Warnf(format, args...)
	}
}

// PinRepository rewrites a project's raw repository URL and the
// evaluation's resolved commit into the pinned flake reference passed
// to every flake evaluation (spec §4.3, §8 P8).
func PinRepository(repositoryURL string, commitHash [20]byte) (string, error) {
	return sourceprobe.RepositoryURLToNix(repositoryURL, sourceprobe.VecToHex(commitHash[:]))
}
