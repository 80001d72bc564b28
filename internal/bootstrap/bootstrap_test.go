package bootstrap

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

func noopLogger() log.Logger {
	l, _ := log.New("error", false)
	return l
}

type fakeStatusSink struct {
	status model.BuildStatus
	evalID uuid.UUID
}

func (f fakeStatusSink) BuildStatusByID(ctx context.Context, buildID uuid.UUID) (model.BuildStatus, uuid.UUID, error) {
	return f.status, f.evalID, nil
}

func TestPublishBuildStatus_CallsWriteAndPropagatesItsError(t *testing.T) {
	sink := fakeStatusSink{status: model.BuildQueued, evalID: uuid.New()}

	called := false
	writeErr := errors.New("boom")

	err := publishBuildStatus(context.Background(), noopLogger(), nil, nil, sink, func(ctx context.Context) error {
		called = true
		return writeErr
	}, uuid.New(), model.BuildFailed)

	assert.True(t, called)
	assert.Equal(t, writeErr, err)
}

func TestPublishBuildStatus_SkipsSideEffectsWhenPublisherAndAuditAreNil(t *testing.T) {
	sink := fakeStatusSink{status: model.BuildBuilding, evalID: uuid.New()}

	err := publishBuildStatus(context.Background(), noopLogger(), nil, nil, sink, func(ctx context.Context) error {
		return nil
	}, uuid.New(), model.BuildCompleted)

	require.NoError(t, err)
}

func TestPublishEvaluationStatus_CallsWriteAndPropagatesItsError(t *testing.T) {
	writeErr := errors.New("boom")

	err := publishEvaluationStatus(context.Background(), noopLogger(), nil, func(ctx context.Context) error {
		return writeErr
	}, uuid.New(), model.EvaluationFailed)

	assert.Equal(t, writeErr, err)
}

func TestAnyMatches(t *testing.T) {
	assert.True(t, anyMatches([]string{"x86_64-linux", "aarch64-linux"}, []string{"aarch64-linux"}))
	assert.False(t, anyMatches([]string{"x86_64-linux"}, []string{"aarch64-linux"}))
	assert.False(t, anyMatches(nil, []string{"aarch64-linux"}))
}

func TestLoadJWTSecret_EmptyPathDisablesVerification(t *testing.T) {
	secret, err := loadJWTSecret("")
	require.NoError(t, err)
	assert.Nil(t, secret)
}

func TestLoadJWTSecret_ReadsFileContents(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "jwt-secret")
	require.NoError(t, err)
	_, err = f.WriteString("super-secret")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	secret, err := loadJWTSecret(f.Name())
	require.NoError(t, err)
	assert.Equal(t, "super-secret", string(secret))
}

type blockingApp struct{ started chan struct{} }

func (a *blockingApp) Run(ctx context.Context) error {
	close(a.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestLauncher_RunStopsAllComponentsOnCancel(t *testing.T) {
	app1 := &blockingApp{started: make(chan struct{})}
	app2 := &blockingApp{started: make(chan struct{})}

	l := NewLauncher(
		WithLogger(noopLogger()),
		RunApp("one", app1),
		RunApp("two", app2),
	)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	<-app1.started
	<-app2.started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("launcher did not stop its components after cancellation")
	}
}
