// Package evaluation runs the control loop that turns a project's
// pending source update into a new Evaluation and, on completion, a
// batch of Builds ready for the build scheduler (spec §4.4).
//
// It is grounded on
// original_source/backend/builder/src/scheduler.rs's
// schedule_evaluation_loop/schedule_evaluation/get_next_evaluation,
// translated from the Vec<JoinHandle> polling idiom into a bounded
// worker pool, the idiom the teacher uses for its own cron-style
// consumer (components/ledger/internal/bootstrap/redis.consumer.go):
// a semaphore channel plus sync.WaitGroup, falling back to a ticker
// only when a pass schedules nothing.
package evaluation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/uuid"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/evaluator"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/sourceprobe"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

// pollInterval mirrors the source's 5 second backoff in both
// schedule_evaluation_loop (when no slot was filled) and
// get_next_evaluation's internal retry-on-error sleep.
const pollInterval = 5 * time.Second

// Repository is the persistence port this scheduler drives. One
// implementation backs it with Postgres (internal/store); tests use
// an in-memory fake.
type Repository interface {
	// CandidateProjects returns active projects due for a check,
	// ordered by last_check_at ascending: last_check_at <= threshold
	// and (the project has no prior evaluation, its last evaluation is
	// terminal, or force_evaluate is set) — spec §4.4 step 1.
	CandidateProjects(ctx context.Context, threshold time.Time) ([]model.Project, error)

	// HasActiveServer reports whether the organization has at least
	// one active server, gating evaluation the way a project with
	// nowhere to build is skipped (spec §4.4 step 1).
	HasActiveServer(ctx context.Context, organizationID uuid.UUID) (bool, error)

	// LastEvaluation returns a project's most recent evaluation's
	// status and resolved commit hash, joining through to the Commit
	// row, or nil if the evaluation no longer exists.
	LastEvaluation(ctx context.Context, evaluationID uuid.UUID) (*sourceprobe.LastEvaluation, error)

	Organization(ctx context.Context, id uuid.UUID) (*model.Organization, error)

	InsertCommit(ctx context.Context, c model.Commit) (model.Commit, error)
	InsertEvaluation(ctx context.Context, e model.Evaluation) (model.Evaluation, error)
	LinkNextEvaluation(ctx context.Context, previousID, nextID uuid.UUID) error
	MarkProjectScheduled(ctx context.Context, projectID, evaluationID uuid.UUID) error

	UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error

	// InsertBuilds and InsertBuildDependencies batch-insert in chunks
	// of at most 1000 rows, per spec §4.4 step 4.
	InsertBuilds(ctx context.Context, builds []model.Build) error
	InsertBuildDependencies(ctx context.Context, deps []model.BuildDependency) error
	UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error

	// InsertBuildOutputs batch-inserts a chunk of BuildOutput rows,
	// used here to import the outputs of a derivation the evaluator
	// found already built in the local store (spec §4.3.3 step 1).
	InsertBuildOutputs(ctx context.Context, outputs []model.BuildOutput) error

	evaluator.BuildLookup
}

// LocalStoreDialer connects to the local derivation daemon used to
// evaluate an organization's flakes, matching spec §4.1's choice
// between a shared system store and a per-organization child process.
type LocalStoreDialer func(ctx context.Context, organizationID uuid.UUID, useSharedStore bool) (storeclient.Store, error)

// AuthResolver recovers the SSH auth method for an organization's
// deploy key, used when a project's repository is an SSH remote.
type AuthResolver func(ctx context.Context, organizationID uuid.UUID) (transport.AuthMethod, error)

// SourceProber is the port onto sourceprobe.Probe, narrowed so tests
// can substitute a fake instead of talking to a real git remote.
type SourceProber interface {
	CheckUpdates(ctx context.Context, project *model.Project, auth transport.AuthMethod, last *sourceprobe.LastEvaluation, forceEvaluate bool) (bool, [20]byte, error)
	GetCommitInfo(ctx context.Context, repoURL string, commit [20]byte, auth transport.AuthMethod) sourceprobe.CommitInfo
}

// Config tunes the scheduler's concurrency and polling cadence.
type Config struct {
	MaxConcurrentEvaluations int
	EvaluationTimeout        time.Duration
}

// Scheduler drives schedule_evaluation_loop's Go equivalent.
type Scheduler struct {
	Repo        Repository
	Probe       SourceProber
	Runner      evaluator.FlakeRunner
	DialStore   LocalStoreDialer
	ResolveAuth AuthResolver
	Logger      log.Logger
	Cfg         Config
}

// Run blocks until ctx is cancelled, continually filling available
// worker slots with newly-discovered evaluations.
func (s *Scheduler) Run(ctx context.Context) error {
	maxConcurrent := s.Cfg.MaxConcurrentEvaluations
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sem := make(chan struct{}, maxConcurrent)

	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		scheduledAny := false

	fill:
		for {
			select {
			case sem <- struct{}{}:
			default:
				break fill
			}

			eval, project, ok, err := s.nextEvaluation(ctx)
			if err != nil {
				s.Logger.Errorf("find next evaluation: %v", err)
				<-sem

				break fill
			}

			if !ok {
				<-sem

				break fill
			}

			scheduledAny = true

			wg.Add(1)

			go func(eval model.Evaluation, project model.Project) {
				defer wg.Done()
				defer func() { <-sem }()

				s.scheduleEvaluation(ctx, eval, project)
			}(eval, project)
		}

		if !scheduledAny {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// nextEvaluation implements get_next_evaluation: scan candidate
// projects in last_check_at order, probe the first one with a
// genuine source update, and persist its Commit + Evaluation rows
// before handing it off to a worker.
func (s *Scheduler) nextEvaluation(ctx context.Context) (model.Evaluation, model.Project, bool, error) {
	threshold := time.Now().Add(-s.Cfg.EvaluationTimeout)

	projects, err := s.Repo.CandidateProjects(ctx, threshold)
	if err != nil {
		return model.Evaluation{}, model.Project{}, false, fmt.Errorf("query candidate projects: %w", err)
	}

	for _, project := range projects {
		hasServer, err := s.Repo.HasActiveServer(ctx, project.OrganizationID)
		if err != nil {
			s.Logger.Warnf("check active servers for project %s: %v", project.ID, err)
			continue
		}

		if !hasServer {
			continue
		}

		var last *sourceprobe.LastEvaluation

		if project.LastEvaluation != nil {
			prev, err := s.Repo.LastEvaluation(ctx, *project.LastEvaluation)
			if err != nil {
				s.Logger.Warnf("load last evaluation for project %s: %v", project.ID, err)
				continue
			}

			last = prev
		}

		auth, err := s.authForProject(ctx, project)
		if err != nil {
			s.Logger.Warnf("resolve auth for project %s: %v", project.ID, err)
			continue
		}

		hasUpdate, commitHash, err := s.Probe.CheckUpdates(ctx, &project, auth, last, project.ForceEvaluate)
		if err != nil {
			s.Logger.Warnf("check updates for project %s: %v", project.ID, err)
			continue
		}

		if !hasUpdate {
			continue
		}

		eval, err := s.createEvaluation(ctx, project, commitHash, auth)
		if err != nil {
			return model.Evaluation{}, model.Project{}, false, err
		}

		return eval, project, true, nil
	}

	return model.Evaluation{}, model.Project{}, false, nil
}

func (s *Scheduler) authForProject(ctx context.Context, project model.Project) (transport.AuthMethod, error) {
	if !sourceprobe.IsSSHURL(project.Repository) {
		return nil, nil
	}

	return s.ResolveAuth(ctx, project.OrganizationID)
}

func (s *Scheduler) createEvaluation(ctx context.Context, project model.Project, commitHash [20]byte, auth transport.AuthMethod) (model.Evaluation, error) {
	info := s.Probe.GetCommitInfo(ctx, project.Repository, commitHash, auth)

	authorDisplay := info.AuthorName
	if info.AuthorEmail != "" {
		if info.AuthorName != "" {
			authorDisplay = fmt.Sprintf("%s <%s>", info.AuthorName, info.AuthorEmail)
		} else {
			authorDisplay = info.AuthorEmail
		}
	}

	commit, err := s.Repo.InsertCommit(ctx, model.Commit{
		ID:          uuid.New(),
		Hash:        commitHash,
		Message:     info.Subject,
		AuthorEmail: info.AuthorEmail,
		AuthorName:  authorDisplay,
	})
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("insert commit: %w", err)
	}

	projectID := project.ID
	eval, err := s.Repo.InsertEvaluation(ctx, model.Evaluation{
		ID:         uuid.New(),
		ProjectID:  &projectID,
		Repository: project.Repository,
		CommitID:   commit.ID,
		Wildcard:   project.Wildcard,
		Status:     model.EvaluationQueued,
		Previous:   project.LastEvaluation,
	})
	if err != nil {
		return model.Evaluation{}, fmt.Errorf("insert evaluation: %w", err)
	}

	if project.LastEvaluation != nil {
		if err := s.Repo.LinkNextEvaluation(ctx, *project.LastEvaluation, eval.ID); err != nil {
			s.Logger.Warnf("link previous evaluation %s -> %s: %v", *project.LastEvaluation, eval.ID, err)
		}
	}

	if err := s.Repo.MarkProjectScheduled(ctx, project.ID, eval.ID); err != nil {
		s.Logger.Warnf("mark project %s scheduled: %v", project.ID, err)
	}

	return eval, nil
}

// scheduleEvaluation implements schedule_evaluation: run the
// evaluator against the project's organization-local store and
// persist the resulting build graph, or fail the evaluation.
func (s *Scheduler) scheduleEvaluation(ctx context.Context, eval model.Evaluation, project model.Project) {
	logger := s.Logger.WithFields("evaluation_id", eval.ID)
	logger.Info("reviewing evaluation")

	org, err := s.Repo.Organization(ctx, project.OrganizationID)
	if err != nil || org == nil {
		s.fail(ctx, eval, fmt.Sprintf("failed to load organization: %v", err))
		return
	}

	store, err := s.DialStore(ctx, org.ID, org.UseSharedStore)
	if err != nil {
		s.fail(ctx, eval, fmt.Sprintf("failed to connect to local store: %v", err))
		return
	}
	defer store.Close()

	if err := s.Repo.UpdateEvaluationStatus(ctx, eval.ID, model.EvaluationEvaluating, ""); err != nil {
		logger.Errorf("mark evaluation evaluating: %v", err)
	}

	eva := evaluator.New(store, s.Runner, s.Repo, logger)

	result, err := eva.Evaluate(ctx, project.OrganizationID, eval.ID, eval.Repository, eval.Wildcard)
	if err != nil {
		s.fail(ctx, eval, err.Error())
		return
	}

	logger.Infof("created %d builds, %d dependencies, %d already built, %d promoted",
		len(result.Builds), len(result.Dependencies), len(result.Existing), len(result.PromoteCompleted))

	for _, id := range result.PromoteCompleted {
		if err := s.Repo.UpdateBuildStatus(ctx, id, model.BuildCompleted); err != nil {
			logger.Warnf("promote build %s to completed: %v", id, err)
		}
	}

	if err := s.persistExisting(ctx, logger, result.Existing); err != nil {
		s.fail(ctx, eval, fmt.Sprintf("failed to record already-built derivations: %v", err))
		return
	}

	if len(result.Builds) == 0 {
		if err := s.Repo.UpdateEvaluationStatus(ctx, eval.ID, model.EvaluationCompleted, ""); err != nil {
			logger.Errorf("mark evaluation completed: %v", err)
		}

		return
	}

	if err := insertBatched(ctx, result.Builds, 1000, s.Repo.InsertBuilds); err != nil {
		s.fail(ctx, eval, fmt.Sprintf("failed to insert builds: %v", err))
		return
	}

	if err := insertBatched(ctx, result.Dependencies, 1000, s.Repo.InsertBuildDependencies); err != nil {
		s.fail(ctx, eval, fmt.Sprintf("failed to insert build dependencies: %v", err))
		return
	}

	for _, b := range result.Builds {
		if err := s.Repo.UpdateBuildStatus(ctx, b.ID, model.BuildQueued); err != nil {
			logger.Warnf("queue build %s: %v", b.ID, err)
		}
	}

	if err := s.Repo.UpdateEvaluationStatus(ctx, eval.ID, model.EvaluationBuilding, ""); err != nil {
		logger.Errorf("mark evaluation building: %v", err)
	}
}

// persistExisting records each derivation the evaluator found already
// built in the local store as a Completed build with its imported
// outputs (spec §4.3.3 step 1), so the dedup check on a later
// evaluation finds it through BuildLookup.FindByDerivationPaths
// instead of rediscovering it as "existing" every time.
func (s *Scheduler) persistExisting(ctx context.Context, logger log.Logger, existing []evaluator.ExistingBuild) error {
	if len(existing) == 0 {
		return nil
	}

	builds := make([]model.Build, 0, len(existing))
	var outputs []model.BuildOutput

	for _, e := range existing {
		builds = append(builds, e.Build)
		outputs = append(outputs, e.Outputs...)
	}

	if err := insertBatched(ctx, builds, 1000, s.Repo.InsertBuilds); err != nil {
		return fmt.Errorf("insert existing builds: %w", err)
	}

	if err := insertBatched(ctx, outputs, 1000, s.Repo.InsertBuildOutputs); err != nil {
		return fmt.Errorf("insert existing build outputs: %w", err)
	}

	logger.Infof("recorded %d already-built derivations with %d outputs", len(builds), len(outputs))

	return nil
}

func (s *Scheduler) fail(ctx context.Context, eval model.Evaluation, message string) {
	s.Logger.Errorf("evaluation %s failed: %s", eval.ID, message)

	if err := s.Repo.UpdateEvaluationStatus(ctx, eval.ID, model.EvaluationFailed, message); err != nil {
		s.Logger.Errorf("mark evaluation %s failed: %v", eval.ID, err)
	}
}

func insertBatched[T any](ctx context.Context, rows []T, size int, insert func(context.Context, []T) error) error {
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		if err := insert(ctx, rows[start:end]); err != nil {
			return err
		}
	}

	return nil
}
