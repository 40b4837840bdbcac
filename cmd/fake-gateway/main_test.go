package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoot_HealthyThenUnhealthy(t *testing.T) {
	e := newServer(time.Now(), 0, false)
	assert.Equal(t, http.StatusOK, get(t, e, "/").Code)

	e = newServer(time.Now().Add(-time.Minute), time.Second, false)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, e, "/").Code)
}

func TestInfo_ListsKeyNamesOnly(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	e := newServer(time.Now(), 0, false)

	rec := get(t, e, "/info")
	require.Equal(t, http.StatusOK, rec.Code)
	var info struct {
		Version string   `json:"version"`
		APIKeys []string `json:"api_keys"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, version, info.Version)
	assert.Contains(t, info.APIKeys, "OPENAI_API_KEY")

	rec = get(t, e, "/env")
	var env map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "***", env["OPENAI_API_KEY"])
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("FAKE_GATEWAY_EXIT_AFTER", "150ms")
	d, err := envDuration("FAKE_GATEWAY_EXIT_AFTER")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, d)

	t.Setenv("FAKE_GATEWAY_EXIT_AFTER", "soon")
	_, err = envDuration("FAKE_GATEWAY_EXIT_AFTER")
	assert.ErrorContains(t, err, "FAKE_GATEWAY_EXIT_AFTER")
}

func TestRun_Version(t *testing.T) {
	require.NoError(t, run([]string{"--version"}))
	assert.Error(t, run([]string{"gateway", "--port", "nope"}))
}
