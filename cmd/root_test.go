package main

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlinehq/props-engine/internal/model"
)

func TestResolveDate(t *testing.T) {
	d, err := resolveDate("2025-11-14")
	require.NoError(t, err)
	assert.Equal(t, model.Date("2025-11-14"), d)

	_, err = resolveDate("11/14/2025")
	assert.Error(t, err)

	today, err := resolveDate("")
	require.NoError(t, err)
	assert.Equal(t, model.Today(), today)
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/runs?limit=25&bad=xyz&zero=0", nil)

	assert.Equal(t, 25, queryInt(req, "limit", 50))
	assert.Equal(t, 50, queryInt(req, "missing", 50))
	assert.Equal(t, 50, queryInt(req, "bad", 50))
	assert.Equal(t, 50, queryInt(req, "zero", 50))
}

func TestReadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actuals.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"luka-doncic": 31.0}`), 0o644))

	var actuals map[string]float64
	require.NoError(t, readJSONFile(path, &actuals))
	assert.Equal(t, 31.0, actuals["luka-doncic"])

	assert.Error(t, readJSONFile("", &actuals))
	assert.Error(t, readJSONFile(filepath.Join(t.TempDir(), "missing.json"), &actuals))
}

func TestConsumerName(t *testing.T) {
	name := consumerName()
	assert.NotEmpty(t, name)
	assert.Contains(t, name, "-")
}
