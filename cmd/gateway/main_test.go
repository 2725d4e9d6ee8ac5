package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ratelimit-gateway/middleware/ratelimit/application"
	"ratelimit-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminMux_Routes(t *testing.T) {
	svc := application.Service{Store: infra.NewMemoryStore()}
	_, err := svc.Consume(context.Background(), "default:1.2.3.4", 2, time.Minute, 10)
	require.NoError(t, err)

	admin := newAdminMux(prometheus.NewRegistry(), svc, infra.NewMemoryStatsStore())

	get := func(target string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		admin.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		return w
	}

	w := get("http://admin/ratelimit/inspect?key=default:1.2.3.4")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Key    string `json:"key"`
		Points int    `json:"points"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "default:1.2.3.4", body.Key)
	assert.Equal(t, 2, body.Points)

	assert.Equal(t, http.StatusBadRequest, get("http://admin/ratelimit/inspect").Code)
	assert.Equal(t, http.StatusNotFound, get("http://admin/ratelimit?key=default:1.2.3.4").Code)
	assert.Equal(t, http.StatusOK, get("http://admin/healthz").Code)
	assert.Equal(t, http.StatusOK, get("http://admin/metrics").Code)
	assert.Equal(t, http.StatusOK, get("http://admin/stats").Code)
}
