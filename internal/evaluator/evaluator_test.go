package evaluator

import (
	"context"
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/storeclient"
)

type fakeStore struct {
	validPaths map[string]bool
	outputMap  map[string]map[string]string
}

func (f *fakeStore) IsValidPath(ctx context.Context, path string) (bool, error) {
	return f.validPaths[path], nil
}

func (f *fakeStore) QueryPathInfo(ctx context.Context, path string) (*storeclient.PathInfo, error) {
	return nil, nil
}

func (f *fakeStore) QueryDerivationOutputMap(ctx context.Context, drv string) (map[string]string, error) {
	return f.outputMap[drv], nil
}

func (f *fakeStore) QueryValidPaths(ctx context.Context, paths []string) ([]string, error) {
	var valid []string
	for _, p := range paths {
		if f.validPaths[p] {
			valid = append(valid, p)
		}
	}
	return valid, nil
}

func (f *fakeStore) AddToStoreNar(ctx context.Context, path string, info *storeclient.PathInfo, nar io.Reader) error {
	return nil
}

func (f *fakeStore) NarFromPath(ctx context.Context, path string) (io.ReadCloser, error) { return nil, nil }
func (f *fakeStore) EnsurePath(ctx context.Context, path string) error                   { return nil }

func (f *fakeStore) BuildPathsWithResults(ctx context.Context, specs []storeclient.BuildSpec, mode storeclient.BuildMode) (<-chan storeclient.ProgressEvent, func() (map[string]storeclient.BuildResult, error), error) {
	return nil, nil, nil
}

func (f *fakeStore) Close() error { return nil }

type fakeRunner struct{}

func (fakeRunner) AttrNames(ctx context.Context, repository, attrPath string) ([]string, error) {
	return nil, nil
}

func (fakeRunner) AttrType(ctx context.Context, repository, attrPath string) (string, error) {
	return "", nil
}

func (fakeRunner) ResolveDerivation(ctx context.Context, repository, attrPath string) (string, []string, error) {
	return "/nix/store/aaaa-example.drv", nil, nil
}

func (fakeRunner) Features(ctx context.Context, drvPath string) (string, []string, error) {
	return "x86_64-linux", []string{"big-parallel"}, nil
}

type fakeLookup struct{}

func (fakeLookup) FindByDerivationPaths(ctx context.Context, organizationID uuid.UUID, paths []string, completedOnly bool) ([]model.Build, error) {
	return nil, nil
}

func TestEvaluate_AlreadyBuiltDerivationRecordsCompletedBuildWithOutputs(t *testing.T) {
	store := &fakeStore{
		validPaths: map[string]bool{"/nix/store/bbbb-example-out": true},
		outputMap: map[string]map[string]string{
			"/nix/store/aaaa-example.drv": {"out": "/nix/store/bbbb-example-out"},
		},
	}

	e := New(store, fakeRunner{}, fakeLookup{}, nil)

	result, err := e.Evaluate(context.Background(), uuid.New(), uuid.New(), "github:example/repo", "packages.x86_64-linux.example")
	require.NoError(t, err)

	require.Len(t, result.Existing, 1)
	assert.Empty(t, result.Builds)

	existing := result.Existing[0]
	assert.Equal(t, "/nix/store/aaaa-example.drv", existing.DerivationPath)
	assert.Equal(t, model.BuildCompleted, existing.Build.Status)
	assert.NotEqual(t, uuid.Nil, existing.Build.ID)

	require.Len(t, existing.Outputs, 1)
	assert.Equal(t, existing.Build.ID, existing.Outputs[0].BuildID)
	assert.Equal(t, "/nix/store/bbbb-example-out", existing.Outputs[0].StorePath)
	assert.Equal(t, "bbbb", existing.Outputs[0].Hash)
	assert.Equal(t, "example-out", existing.Outputs[0].Package)
}
