package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nacsos/metacache/internal/models"
)

const sampleConfig = `
log_level: debug
db:
  host: db.internal
  port: 5433
  user: cache
  password: s3cret
  database: meta_cache
solr:
  base_url: http://solr:8983
  collection: openalex
openalex:
  api_key: oa-key
redis_url: redis://localhost:6379/0
auth_key: 2c7f8b1e-0000-0000-0000-000000000000
worker:
  max_runtime: 4m
  batch_size: 10
source_limits:
  SCOPUS:
    max_rps: 5
    max_retries: 4
    timeout_growth: 1.5
    timeout: 30s
  PUBMED:
    max_rps: 3
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metacache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	s, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "db.internal", s.DB.Host)
	assert.Equal(t, 5433, s.DB.Port)
	assert.Equal(t, "http://solr:8983", s.Solr.BaseURL)
	assert.Equal(t, 4*time.Minute, s.Worker.MaxRuntime)
	assert.Equal(t, 10, s.Worker.BatchSize)
	assert.Equal(t, 25, s.Worker.MinAbstractLen)

	scopus := s.LimitFor(models.SourceScopus)
	assert.Equal(t, 5.0, scopus.MaxRPS)
	assert.Equal(t, 4, scopus.MaxRetries)
	assert.Equal(t, 30*time.Second, scopus.Timeout)

	// Partially specified limits inherit defaults.
	pubmed := s.LimitFor(models.SourcePubmed)
	assert.Equal(t, 3.0, pubmed.MaxRPS)
	assert.Equal(t, DefaultSourceLimit().MaxRetries, pubmed.MaxRetries)

	// Unconfigured sources get the full default.
	assert.Equal(t, DefaultSourceLimit(), s.LimitFor(models.SourceWOS))
}

func TestWorkerSources(t *testing.T) {
	s := &Settings{}
	got, err := s.WorkerSources()
	require.NoError(t, err)
	assert.Equal(t, models.AllSources(), got)

	s.Worker.Sources = []string{"scopus", "PUBMED"}
	got, err = s.WorkerSources()
	require.NoError(t, err)
	assert.Equal(t, []models.Source{models.SourceScopus, models.SourcePubmed}, got)

	s.Worker.Sources = []string{"crossref"}
	_, err = s.WorkerSources()
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	mgr, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 5.0, mgr.Current().LimitFor(models.SourceScopus).MaxRPS)

	var notified *Settings
	mgr.OnChange(func(s *Settings) { notified = s })

	updated := strings.Replace(sampleConfig, "max_rps: 5", "max_rps: 9", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	mgr.reload()

	assert.Equal(t, 9.0, mgr.Current().LimitFor(models.SourceScopus).MaxRPS)
	require.NotNil(t, notified)
	assert.Equal(t, 9.0, notified.LimitFor(models.SourceScopus).MaxRPS)
}

func TestManagerReloadKeepsPreviousOnError(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	mgr, err := NewManager(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("worker: ["), 0o600))
	mgr.reload()
	assert.Equal(t, "debug", mgr.Current().LogLevel)
}
