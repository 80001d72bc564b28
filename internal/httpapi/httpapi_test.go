package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavelens/gradient-sub000/internal/domain/model"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

type fakeRepo struct {
	projects []model.Project
	servers  []model.Server
	caches   []model.Cache
}

func (f *fakeRepo) ListProjects(ctx context.Context, organizationID uuid.UUID) ([]model.Project, error) {
	return f.projects, nil
}

func (f *fakeRepo) CreateProject(ctx context.Context, p model.Project) error {
	f.projects = append(f.projects, p)
	return nil
}

func (f *fakeRepo) ListServers(ctx context.Context, organizationID uuid.UUID) ([]model.Server, error) {
	return f.servers, nil
}

func (f *fakeRepo) CreateServer(ctx context.Context, s model.Server) error {
	f.servers = append(f.servers, s)
	return nil
}

func (f *fakeRepo) ListCaches(ctx context.Context, organizationID uuid.UUID) ([]model.Cache, error) {
	return f.caches, nil
}

func (f *fakeRepo) CreateCache(ctx context.Context, organizationID uuid.UUID, c model.Cache) error {
	f.caches = append(f.caches, c)
	return nil
}

func noopLogger() log.Logger {
	l, _ := log.New("error", false)
	return l
}

func TestHealthAndVersion_NeedNoAuth(t *testing.T) {
	app := NewRouter(&fakeRepo{}, noopLogger(), Config{Version: "test"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "healthy", string(body))

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProjectsEndpoint_RejectsMissingBearerWhenSecretSet(t *testing.T) {
	app := NewRouter(&fakeRepo{}, noopLogger(), Config{JWTSecret: []byte("secret")})

	orgID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/organizations/"+orgID.String()+"/projects", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProjectsEndpoint_AcceptsValidBearer(t *testing.T) {
	secret := []byte("secret")
	repo := &fakeRepo{projects: []model.Project{{Name: "foo"}}}
	app := NewRouter(repo, noopLogger(), Config{JWTSecret: secret})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "tester"})
	signed, err := token.SignedString(secret)
	require.NoError(t, err)

	orgID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/organizations/"+orgID.String()+"/projects", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProjectsEndpoint_NoAuthConfiguredAllowsThrough(t *testing.T) {
	app := NewRouter(&fakeRepo{}, noopLogger(), Config{})

	orgID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/organizations/"+orgID.String()+"/projects", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
