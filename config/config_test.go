// config/config_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmp/bkstore/storage"
	u "github.com/mmp/bkstore/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bkstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, `
repository:
  type: bolt
  path: `+filepath.Join(dir, "catalog.db")+`
max_refresh_bytes: 1000000
erasure_coding: ["rs-4-2"]
destinations:
  local:
    type: disk
    path: `+filepath.Join(dir, "parts")+`
  cold:
    type: memory
    max_retention: 2160h
    upload_bytes_per_second: 1048576
sets:
  - id: home
    roots: ["/home/mmp"]
    retention:
      retention: 720h
      frequency: 1h
      older:
        - valid_after: 168h
          frequency: 24h
      max_versions: 30
default_retention:
  retain_deleted: 48h
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, int64(16*1024*1024), cfg.MaximumBlockSize)
	assert.Equal(t, int64(1000000), cfg.MaxRefreshBytes)
	assert.Equal(t, 1000, cfg.RetryQueueSize)
	assert.Equal(t, 90*24*time.Hour, cfg.Destinations["cold"].MaxRetention)

	require.Len(t, cfg.Sets, 1)
	s := cfg.Sets[0]
	assert.Equal(t, []string{"/home/mmp/"}, s.Roots)
	assert.Equal(t, 30*24*time.Hour, s.Retention.Retention)
	assert.Equal(t, time.Hour, s.Retention.Frequency)
	require.Len(t, s.Retention.Older, 1)
	assert.Equal(t, 7*24*time.Hour, s.Retention.Older[0].ValidAfter)
	assert.Equal(t, 30, s.Retention.MaximumVersions())
	assert.Equal(t, 48*time.Hour, cfg.DefaultRetention.RetainDeleted)

	er, err := cfg.Erasure()
	require.NoError(t, err)
	assert.Equal(t, []string{"none", "rs-4-2"}, er.IDs())

	enc, err := cfg.Encryption()
	require.NoError(t, err)
	assert.Equal(t, []string{"none"}, enc.IDs())

	r, err := cfg.OpenRepository()
	require.NoError(t, err)
	require.NoError(t, r.Close())

	dests, closeAll, err := cfg.OpenDestinations(context.Background(), u.Discard())
	require.NoError(t, err)
	defer closeAll()
	require.Len(t, dests, 2)
	assert.Equal(t, 90*24*time.Hour, storage.MaxRetention(dests["cold"]))
	assert.Equal(t, time.Duration(0), storage.MaxRetention(dests["local"]))
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
repository: {type: memory}
destinations:
  m: {type: memory}
`))
	require.NoError(t, err)
	assert.Equal(t, []string{"none"}, cfg.ErasureCoding)
	assert.Equal(t, "", cfg.KeyFile)
	assert.Empty(t, cfg.Sets)
}

func TestPassphraseFromEnvironment(t *testing.T) {
	t.Setenv(PassphraseEnv, "from the environment")
	keyFile := filepath.Join(t.TempDir(), "master.key")
	cfg, err := Parse([]byte(`
repository: {type: memory}
key_file: ` + keyFile + `
passphrase: from the file
recipients:
  bob: ` + strings.Repeat("ab", 32) + `
destinations:
  m: {type: memory}
`))
	require.NoError(t, err)
	assert.Equal(t, "from the environment", cfg.Passphrase)

	enc, err := cfg.Encryption()
	require.NoError(t, err)
	assert.Equal(t, []string{"aes256", "none"}, enc.IDs())
}

func TestValidate(t *testing.T) {
	base := "repository: {type: memory}\ndestinations:\n  m: {type: memory}\n"
	for name, tc := range map[string]string{
		"repository type": "repository: {type: sqlite}\ndestinations:\n  m: {type: memory}\n",
		"no destinations": "repository: {type: memory}\n",
		"destination type": "repository: {type: memory}\ndestinations:\n  m: {type: ftp}\n",
		"disk path":        "repository: {type: memory}\ndestinations:\n  m: {type: disk}\n",
		"gcs bucket":       "repository: {type: memory}\ndestinations:\n  m: {type: gcs}\n",
		"erasure":          base + "erasure_coding: [\"rs-x\"]\n",
		"concurrency":      base + "concurrency: -1\n",
		"key file":         base + "key_file: /tmp/k\n",
		"recipient key":    base + "key_file: /tmp/k\npassphrase: x\nrecipients:\n  bob: abcd\n",
		"set id":           base + "sets:\n  - roots: [/a]\n",
		"set roots":        base + "sets:\n  - id: a\n",
		"relative root":    base + "sets:\n  - id: a\n    roots: [home]\n",
		"duplicate set":    base + "sets:\n  - id: a\n    roots: [/a]\n  - id: a\n    roots: [/b]\n",
		"bad yaml":         base + "sets: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			t.Setenv(PassphraseEnv, "")
			_, err := Parse([]byte(tc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
