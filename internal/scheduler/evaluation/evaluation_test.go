package evaluation

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/evaluator"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
	"github.com/wavelens/gradient-sub000/internal/sourceprobe"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

type fakeRepo struct {
	candidates       []model.Project
	activeServers    map[uuid.UUID]bool
	organizations    map[uuid.UUID]*model.Organization
	insertedEvals    []model.Evaluation
	insertedCommits  []model.Commit
	evalStatus       map[uuid.UUID]model.EvaluationStatus
	buildStatus      map[uuid.UUID]model.BuildStatus
	insertedBuilds   []model.Build
	insertedDeps     []model.BuildDependency
	insertedOutputs  []model.BuildOutput
	scheduledProject uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		activeServers: make(map[uuid.UUID]bool),
		organizations: make(map[uuid.UUID]*model.Organization),
		evalStatus:    make(map[uuid.UUID]model.EvaluationStatus),
		buildStatus:   make(map[uuid.UUID]model.BuildStatus),
	}
}

func (f *fakeRepo) CandidateProjects(ctx context.Context, threshold time.Time) ([]model.Project, error) {
	return f.candidates, nil
}

func (f *fakeRepo) HasActiveServer(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	return f.activeServers[organizationID], nil
}

func (f *fakeRepo) LastEvaluation(ctx context.Context, evaluationID uuid.UUID) (*sourceprobe.LastEvaluation, error) {
	return nil, nil
}

func (f *fakeRepo) Organization(ctx context.Context, id uuid.UUID) (*model.Organization, error) {
	return f.organizations[id], nil
}

func (f *fakeRepo) InsertCommit(ctx context.Context, c model.Commit) (model.Commit, error) {
	f.insertedCommits = append(f.insertedCommits, c)
	return c, nil
}

func (f *fakeRepo) InsertEvaluation(ctx context.Context, e model.Evaluation) (model.Evaluation, error) {
	f.insertedEvals = append(f.insertedEvals, e)
	f.evalStatus[e.ID] = e.Status
	return e, nil
}

func (f *fakeRepo) LinkNextEvaluation(ctx context.Context, previousID, nextID uuid.UUID) error {
	return nil
}

func (f *fakeRepo) MarkProjectScheduled(ctx context.Context, projectID, evaluationID uuid.UUID) error {
	f.scheduledProject = projectID
	return nil
}

func (f *fakeRepo) UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error {
	f.evalStatus[evaluationID] = status
	return nil
}

func (f *fakeRepo) InsertBuilds(ctx context.Context, builds []model.Build) error {
	f.insertedBuilds = append(f.insertedBuilds, builds...)
	return nil
}

func (f *fakeRepo) InsertBuildDependencies(ctx context.Context, deps []model.BuildDependency) error {
	f.insertedDeps = append(f.insertedDeps, deps...)
	return nil
}

func (f *fakeRepo) UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error {
	f.buildStatus[buildID] = status
	return nil
}

func (f *fakeRepo) InsertBuildOutputs(ctx context.Context, outputs []model.BuildOutput) error {
	f.insertedOutputs = append(f.insertedOutputs, outputs...)
	return nil
}

func (f *fakeRepo) FindByDerivationPaths(ctx context.Context, organizationID uuid.UUID, paths []string, completedOnly bool) ([]model.Build, error) {
	return nil, nil
}

type fakeProber struct {
	hasUpdate bool
	hash      [20]byte
	err       error
}

func (f *fakeProber) CheckUpdates(ctx context.Context, project *model.Project, auth transport.AuthMethod, last *sourceprobe.LastEvaluation, forceEvaluate bool) (bool, [20]byte, error) {
	return f.hasUpdate, f.hash, f.err
}

func (f *fakeProber) GetCommitInfo(ctx context.Context, repoURL string, commit [20]byte, auth transport.AuthMethod) sourceprobe.CommitInfo {
	return sourceprobe.CommitInfo{Subject: "a commit"}
}

type emptyFlakeRunner struct{}

func (emptyFlakeRunner) AttrNames(ctx context.Context, repository, attrPath string) ([]string, error) {
	return nil, nil
}

func (emptyFlakeRunner) AttrType(ctx context.Context, repository, attrPath string) (string, error) {
	return "", nil
}

func (emptyFlakeRunner) ResolveDerivation(ctx context.Context, repository, attrPath string) (string, []string, error) {
	return "", nil, nil
}

func (emptyFlakeRunner) Features(ctx context.Context, drvPath string) (string, []string, error) {
	return "", nil, nil
}

func noopLogger() log.Logger {
	l, _ := log.New("error", false)
	return l
}

func TestNextEvaluation_SkipsProjectWithNoActiveServer(t *testing.T) {
	repo := newFakeRepo()
	orgID := uuid.New()
	repo.candidates = []model.Project{{ID: uuid.New(), OrganizationID: orgID, Repository: "https://example.com/repo.git"}}
	repo.activeServers[orgID] = false

	sched := &Scheduler{
		Repo:   repo,
		Probe:  &fakeProber{hasUpdate: true},
		Runner: emptyFlakeRunner{},
		Logger: noopLogger(),
		Cfg:    Config{MaxConcurrentEvaluations: 1, EvaluationTimeout: time.Second},
	}

	_, _, ok, err := sched.nextEvaluation(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextEvaluation_SkipsWhenNoUpdate(t *testing.T) {
	repo := newFakeRepo()
	orgID := uuid.New()
	repo.candidates = []model.Project{{ID: uuid.New(), OrganizationID: orgID, Repository: "https://example.com/repo.git"}}
	repo.activeServers[orgID] = true

	sched := &Scheduler{
		Repo:   repo,
		Probe:  &fakeProber{hasUpdate: false},
		Runner: emptyFlakeRunner{},
		Logger: noopLogger(),
		Cfg:    Config{MaxConcurrentEvaluations: 1, EvaluationTimeout: time.Second},
	}

	_, _, ok, err := sched.nextEvaluation(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextEvaluation_CreatesEvaluationOnUpdate(t *testing.T) {
	repo := newFakeRepo()
	orgID := uuid.New()
	project := model.Project{ID: uuid.New(), OrganizationID: orgID, Repository: "https://example.com/repo.git", Wildcard: "packages.*.*"}
	repo.candidates = []model.Project{project}
	repo.activeServers[orgID] = true

	sched := &Scheduler{
		Repo:   repo,
		Probe:  &fakeProber{hasUpdate: true, hash: [20]byte{1, 2, 3}},
		Runner: emptyFlakeRunner{},
		Logger: noopLogger(),
		Cfg:    Config{MaxConcurrentEvaluations: 1, EvaluationTimeout: time.Second},
	}

	eval, proj, ok, err := sched.nextEvaluation(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, project.ID, proj.ID)
	assert.Equal(t, model.EvaluationQueued, eval.Status)
	assert.Equal(t, project.ID, repo.scheduledProject)
	require.Len(t, repo.insertedCommits, 1)
	assert.Equal(t, [20]byte{1, 2, 3}, repo.insertedCommits[0].Hash)
}

func TestScheduleEvaluation_NoBuildsMarksCompleted(t *testing.T) {
	repo := newFakeRepo()
	org := &model.Organization{ID: uuid.New()}
	repo.organizations[org.ID] = org

	eval := model.Evaluation{ID: uuid.New(), Wildcard: "packages.*.*", Repository: "git+https://example.com?rev=abc"}
	repo.evalStatus[eval.ID] = model.EvaluationQueued

	sched := &Scheduler{
		Repo:   repo,
		Probe:  &fakeProber{},
		Runner: emptyFlakeRunner{},
		Logger: noopLogger(),
		DialStore: func(ctx context.Context, organizationID uuid.UUID, useSharedStore bool) (storeclient.Store, error) {
			return nopStore{}, nil
		},
		Cfg: Config{MaxConcurrentEvaluations: 1, EvaluationTimeout: time.Second},
	}

	sched.scheduleEvaluation(context.Background(), eval, model.Project{OrganizationID: org.ID})

	assert.Equal(t, model.EvaluationCompleted, repo.evalStatus[eval.ID])
}

// nopStore is a storeclient.Store whose data-plane methods are never
// actually called by this test (the wildcard expands to zero
// attribute paths) and would panic if they were; only Close is
// exercised, via scheduleEvaluation's deferred cleanup.
type nopStore struct{ storeclient.Store }

func (nopStore) Close() error { return nil }

var _ evaluator.BuildLookup = (*fakeRepo)(nil)
