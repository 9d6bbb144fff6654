package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"maintainer"}, cfg.Accept.Roles)
	assert.Equal(t, 5*time.Minute, cfg.Accept.LockTTL)
	assert.Equal(t, "local", cfg.Promotion.Backend)
	assert.Equal(t, 256, cfg.Cache.Size)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("accept:\n  roles: [maintainer, bugowner]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"maintainer", "bugowner"}, cfg.Accept.Roles)
	assert.Equal(t, 2, cfg.Jobs.Concurrency)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"empty role":        "accept:\n  roles: [\"\"]\n",
		"managers no group": "accept:\n  managers_may_accept: true\n",
		"minio no bucket":   "promotion:\n  backend: minio\n",
		"unknown backend":   "promotion:\n  backend: ftp\n",
		"zero workers":      "jobs:\n  concurrency: 0\n",
		"bad yaml":          "accept: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), loaded)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "stageline.yml"), []byte("workflow:\n  project: openSUSE:Factory\n  managers_group: factory-staging\n"), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "openSUSE:Factory", cfg.Workflow.Project)
	assert.Equal(t, "factory-staging", cfg.Workflow.ManagersGroup)
}
