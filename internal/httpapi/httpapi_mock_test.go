package httpapi_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	mock "github.com/wavelens/gradient-sub000/internal/gen/mock/httpapi"
	"github.com/wavelens/gradient-sub000/internal/httpapi"
	"github.com/wavelens/gradient-sub000/internal/obs/log"
)

func TestListServers_UsesGeneratedMockRepository(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mock.NewMockRepository(ctrl)

	orgID := uuid.New()
	repo.EXPECT().
		ListServers(gomock.Any(), orgID).
		Return(nil, nil).
		Times(1)

	logger, err := log.New("error", false)
	require.NoError(t, err)

	router := httpapi.NewRouter(repo, logger, httpapi.Config{Version: "test"})

	req := httptest.NewRequest(http.MethodGet, "/v1/organizations/"+orgID.String()+"/servers", nil)
	resp, err := router.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateCache_GeneratedMockPropagatesRepositoryError(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mock.NewMockRepository(ctrl)

	orgID := uuid.New()
	repo.EXPECT().
		CreateCache(gomock.Any(), orgID, gomock.Any()).
		Return(errors.New("insert failed")).
		Times(1)

	logger, err := log.New("error", false)
	require.NoError(t, err)

	router := httpapi.NewRouter(repo, logger, httpapi.Config{Version: "test"})

	body := `{"Priority":10,"Active":true}`
	req := httptest.NewRequest(http.MethodPost, "/v1/organizations/"+orgID.String()+"/caches", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := router.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
