package build

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

type fakeRepo struct {
	organizations map[uuid.UUID]*model.Organization
	eligible      map[uuid.UUID][]model.Server
	reserved      map[uuid.UUID]uuid.UUID // buildID -> serverID
	reserveOK     bool
	evalStatus    map[uuid.UUID]model.EvaluationStatus
	evalError     map[uuid.UUID]string
	buildStatus   map[uuid.UUID]model.BuildStatus
	reverseDeps   map[uuid.UUID][]model.Build
	buildStatuses map[uuid.UUID][]model.BuildStatus
	requeued      []uuid.UUID
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		organizations: make(map[uuid.UUID]*model.Organization),
		eligible:      make(map[uuid.UUID][]model.Server),
		reserved:      make(map[uuid.UUID]uuid.UUID),
		evalStatus:    make(map[uuid.UUID]model.EvaluationStatus),
		evalError:     make(map[uuid.UUID]string),
		buildStatus:   make(map[uuid.UUID]model.BuildStatus),
		reverseDeps:   make(map[uuid.UUID][]model.Build),
		buildStatuses: make(map[uuid.UUID][]model.BuildStatus),
	}
}

func (f *fakeRepo) NextReadyBuild(ctx context.Context) (model.Build, bool, error) {
	return model.Build{}, false, nil
}

func (f *fakeRepo) OrganizationForEvaluation(ctx context.Context, evaluationID uuid.UUID) (uuid.UUID, error) {
	for id, org := range f.organizations {
		_ = org
		return id, nil
	}

	return uuid.Nil, nil
}

func (f *fakeRepo) Organization(ctx context.Context, id uuid.UUID) (*model.Organization, error) {
	return f.organizations[id], nil
}

func (f *fakeRepo) HasActiveServer(ctx context.Context, organizationID uuid.UUID) (bool, error) {
	return len(f.eligible[organizationID]) > 0, nil
}

func (f *fakeRepo) EligibleServers(ctx context.Context, organizationID uuid.UUID, architecture string, requiredFeatures []string) ([]model.Server, error) {
	return f.eligible[organizationID], nil
}

func (f *fakeRepo) ReserveServer(ctx context.Context, buildID, serverID uuid.UUID) (bool, error) {
	if !f.reserveOK {
		return false, nil
	}

	f.reserved[buildID] = serverID

	return true, nil
}

func (f *fakeRepo) DependencyDerivationPaths(ctx context.Context, buildID uuid.UUID) ([]string, error) {
	return nil, nil
}

func (f *fakeRepo) ReverseDependents(ctx context.Context, buildID uuid.UUID) ([]model.Build, error) {
	return f.reverseDeps[buildID], nil
}

func (f *fakeRepo) UpdateBuildStatus(ctx context.Context, buildID uuid.UUID, status model.BuildStatus) error {
	f.buildStatus[buildID] = status
	return nil
}

func (f *fakeRepo) RequeueBuild(ctx context.Context, buildID uuid.UUID) error {
	f.requeued = append(f.requeued, buildID)
	return nil
}

func (f *fakeRepo) AppendBuildLog(ctx context.Context, buildID uuid.UUID, text string) error {
	return nil
}

func (f *fakeRepo) InsertBuildOutputs(ctx context.Context, outputs []model.BuildOutput) error {
	return nil
}

func (f *fakeRepo) EvaluationBuildStatuses(ctx context.Context, evaluationID uuid.UUID) ([]model.BuildStatus, error) {
	return f.buildStatuses[evaluationID], nil
}

func (f *fakeRepo) UpdateEvaluationStatus(ctx context.Context, evaluationID uuid.UUID, status model.EvaluationStatus, errMsg string) error {
	f.evalStatus[evaluationID] = status
	f.evalError[evaluationID] = errMsg

	return nil
}

var _ Repository = (*fakeRepo)(nil)

func noopLogger() log.Logger {
	l, _ := log.New("error", false)
	return l
}

func TestReserveServer_AbortsWhenNoEligibleServers(t *testing.T) {
	repo := newFakeRepo()
	orgID := uuid.New()
	repo.organizations[orgID] = &model.Organization{ID: orgID}

	build := model.Build{ID: uuid.New(), EvaluationID: uuid.New(), Architecture: "x86_64-linux"}
	repo.buildStatuses[build.EvaluationID] = nil

	sched := &Scheduler{Repo: repo, Logger: noopLogger(), Cfg: Config{MaxConcurrentBuilds: 1}}

	_, ok := sched.reserveServer(context.Background(), build)

	assert.False(t, ok)
	assert.Equal(t, model.BuildAborted, repo.buildStatus[build.ID])
	assert.Equal(t, model.EvaluationAborted, repo.evalStatus[build.EvaluationID])
}

func TestReserveServer_DefersWhenAllServersBusy(t *testing.T) {
	repo := newFakeRepo()
	orgID := uuid.New()
	repo.organizations[orgID] = &model.Organization{ID: orgID}
	repo.eligible[orgID] = []model.Server{{ID: uuid.New(), OrganizationID: orgID}}
	repo.reserveOK = false

	build := model.Build{ID: uuid.New(), EvaluationID: uuid.New(), Architecture: "x86_64-linux"}

	sched := &Scheduler{Repo: repo, Logger: noopLogger(), Cfg: Config{MaxConcurrentBuilds: 1}}

	_, ok := sched.reserveServer(context.Background(), build)

	assert.False(t, ok)
	assert.NotContains(t, repo.buildStatus, build.ID)
	assert.NotContains(t, repo.evalStatus, build.EvaluationID)
}

func TestReserveServer_ReservesFirstAvailable(t *testing.T) {
	repo := newFakeRepo()
	orgID := uuid.New()
	repo.organizations[orgID] = &model.Organization{ID: orgID}
	server := model.Server{ID: uuid.New(), OrganizationID: orgID}
	repo.eligible[orgID] = []model.Server{server}
	repo.reserveOK = true

	build := model.Build{ID: uuid.New(), EvaluationID: uuid.New(), Architecture: "x86_64-linux"}

	sched := &Scheduler{Repo: repo, Logger: noopLogger(), Cfg: Config{MaxConcurrentBuilds: 1}}

	got, ok := sched.reserveServer(context.Background(), build)

	require.True(t, ok)
	assert.Equal(t, server.ID, got.ID)
	assert.Equal(t, server.ID, repo.reserved[build.ID])
}

func TestPropagateStatus_SkipsTerminalAndVisitsReverseClosure(t *testing.T) {
	repo := newFakeRepo()

	root := uuid.New()
	child := model.Build{ID: uuid.New(), Status: model.BuildQueued}
	terminalChild := model.Build{ID: uuid.New(), Status: model.BuildCompleted}
	grandchild := model.Build{ID: uuid.New(), Status: model.BuildCreated}

	repo.reverseDeps[root] = []model.Build{child, terminalChild}
	repo.reverseDeps[child.ID] = []model.Build{grandchild}

	sched := &Scheduler{Repo: repo, Logger: noopLogger()}

	sched.propagateStatus(context.Background(), root, model.BuildAborted)

	assert.Equal(t, model.BuildAborted, repo.buildStatus[root])
	assert.Equal(t, model.BuildAborted, repo.buildStatus[child.ID])
	assert.Equal(t, model.BuildAborted, repo.buildStatus[grandchild.ID])
	assert.NotContains(t, repo.buildStatus, terminalChild.ID)
}

func TestCheckEvaluationStatus_AllCompleted(t *testing.T) {
	repo := newFakeRepo()
	evalID := uuid.New()
	repo.buildStatuses[evalID] = []model.BuildStatus{model.BuildCompleted, model.BuildCompleted}

	sched := &Scheduler{Repo: repo, Logger: noopLogger()}
	sched.checkEvaluationStatus(context.Background(), evalID)

	assert.Equal(t, model.EvaluationCompleted, repo.evalStatus[evalID])
}

func TestCheckEvaluationStatus_AnyBuildingStaysBuilding(t *testing.T) {
	repo := newFakeRepo()
	evalID := uuid.New()
	repo.buildStatuses[evalID] = []model.BuildStatus{model.BuildCompleted, model.BuildBuilding, model.BuildFailed}

	sched := &Scheduler{Repo: repo, Logger: noopLogger()}
	sched.checkEvaluationStatus(context.Background(), evalID)

	assert.NotContains(t, repo.evalStatus, evalID)
}

func TestCheckEvaluationStatus_AnyFailedWithoutBuildingFails(t *testing.T) {
	repo := newFakeRepo()
	evalID := uuid.New()
	repo.buildStatuses[evalID] = []model.BuildStatus{model.BuildCompleted, model.BuildFailed}

	sched := &Scheduler{Repo: repo, Logger: noopLogger()}
	sched.checkEvaluationStatus(context.Background(), evalID)

	assert.Equal(t, model.EvaluationFailed, repo.evalStatus[evalID])
}

func TestHashAndPackageFromPath(t *testing.T) {
	hash, pkg := hashAndPackageFromPath("/nix/store/abcdefghijklmnopqrstuvwxyz012345-hello-2.12")

	assert.Equal(t, "abcdefghijklmnopqrstuvwxyz012345", hash)
	assert.Equal(t, "hello-2.12", pkg)
}

func TestInsertBatched_SplitsIntoChunks(t *testing.T) {
	rows := make([]int, 2500)
	for i := range rows {
		rows[i] = i
	}

	var calls [][]int

	err := insertBatched(context.Background(), rows, 1000, func(ctx context.Context, batch []int) error {
		calls = append(calls, append([]int(nil), batch...))
		return nil
	})

	require.NoError(t, err)
	require.Len(t, calls, 3)
	assert.Len(t, calls[0], 1000)
	assert.Len(t, calls[1], 1000)
	assert.Len(t, calls[2], 500)
}
