package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheckerLiveness(t *testing.T) {
	router := mux.NewRouter()
	NewHealthChecker(nil, nil, nil).RegisterRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestHealthCheckerCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy database and redis", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		status := NewHealthChecker(db, client, nil).Check(ctx)
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["redis"].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database ping failure is unhealthy", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker(db, nil, nil).Check(ctx)
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Contains(t, status.Dependencies["database"].Message, "connection refused")
	})

	t.Run("redis down is degraded", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()
		mr.Close()

		status := NewHealthChecker(nil, client, nil).Check(ctx)
		assert.Equal(t, StatusDegraded, status.Status)
	})

	t.Run("extensions in error degrade", func(t *testing.T) {
		counter := func(context.Context) (map[string]int, error) {
			return map[string]int{"active": 2, "error": 1}, nil
		}
		status := NewHealthChecker(nil, nil, counter).Check(ctx)
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, 2, status.Extensions["active"])
	})

	t.Run("registry failure is unhealthy", func(t *testing.T) {
		counter := func(context.Context) (map[string]int, error) {
			return nil, errors.New("registry offline")
		}
		status := NewHealthChecker(nil, nil, counter).Check(ctx)
		assert.Equal(t, StatusUnhealthy, status.Status)
	})
}

func TestHealthCheckerReadinessReturns503(t *testing.T) {
	counter := func(context.Context) (map[string]int, error) {
		return nil, errors.New("registry offline")
	}
	router := mux.NewRouter()
	NewHealthChecker(nil, nil, counter).RegisterRoutes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, StatusUnhealthy, status.Status)
}
