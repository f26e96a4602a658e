package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plexus/pkg/config"
	"github.com/platinummonkey/plexus/pkg/events"
	"github.com/platinummonkey/plexus/pkg/extensions"
	"github.com/platinummonkey/plexus/pkg/manifest"
	"github.com/platinummonkey/plexus/pkg/registry"
	"github.com/platinummonkey/plexus/pkg/service"
)

func TestParseInstallEntry(t *testing.T) {
	tests := []struct {
		entry, name, source string
	}{
		{"audit-log=./extensions/audit", "audit-log", "./extensions/audit"},
		{"./extensions/audit/", "audit", "./extensions/audit/"},
		{"/opt/ext/plexus.yaml", "plexus.yaml", "/opt/ext/plexus.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.entry, func(t *testing.T) {
			name, source := parseInstallEntry(tt.entry)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.source, source)
		})
	}
}

func TestSplitSources(t *testing.T) {
	assert.Equal(t, []string{"a=x", "b=y"}, splitSources(" a=x, ,b=y "))
	assert.Empty(t, splitSources(""))
}

func TestOpenRegistry(t *testing.T) {
	repo, db, err := openRegistry(context.Background(), config.RegistryConfig{Driver: config.DriverMemory})
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.IsType(t, &registry.MemoryRepository{}, repo)

	repo, db, err = openRegistry(context.Background(), config.RegistryConfig{
		Driver:       config.DriverSQLite,
		DSN:          ":memory:",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, db)
	defer db.Close()
	assert.IsType(t, &registry.SQLRepository{}, repo)

	count, err := repo.Count(context.Background(), extensions.SearchCriteria{})
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestOpenBusDefaultsToMemory(t *testing.T) {
	bus, client, err := openBus(context.Background(), config.EventsConfig{Backend: config.EventsMemory}, logrus.New())
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.IsType(t, &events.MemoryBus{}, bus)
}

func newOpsRouter(t *testing.T) *mux.Router {
	t.Helper()
	svc, err := service.New(service.Options{
		Repository: registry.NewMemoryRepository(),
		Loader:     manifest.NewStaticLoader(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	router := mux.NewRouter()
	registerOpsRoutes(router, svc, logrus.New())
	return router
}

func TestStatisticsHandler(t *testing.T) {
	router := newOpsRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/statistics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats service.Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.TotalExtensions)
}

func TestSecurityReportHandlerNotFound(t *testing.T) {
	router := newOpsRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extensions/missing/security-report", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}
