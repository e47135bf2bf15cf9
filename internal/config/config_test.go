// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.ListenAddr)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 3, cfg.Dispatch.PageSize)
	assert.Equal(t, 1200*time.Second, cfg.Limits.WaitingPromptTTL)
	assert.Equal(t, int64(50), cfg.Aging.Increment)
	assert.True(t, cfg.Standalone())
	assert.Empty(t, cfg.Admins)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: sqlite
  dsn: /tmp/horde.db
etcd:
  endpoints: ["127.0.0.1:2379"]
admins: ["root#1"]
models:
  - name: stable_diffusion
    variant: image
    multiplier: 1
monthly:
  grants:
    patron#7: 300
`)
	t.Setenv("HORDE_DISPATCH_PAGE_SIZE", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Dispatch.PageSize)
	assert.False(t, cfg.Standalone())
	assert.Equal(t, []string{"root#1"}, cfg.Admins)
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, 300, cfg.Monthly.Grants["patron#7"])
}

func TestLoadAdminsFromEnv(t *testing.T) {
	t.Setenv("HORDE_ADMINS", `["root#1","ops#2"]`)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"root#1", "ops#2"}, cfg.Admins)

	t.Setenv("HORDE_ADMINS", "root#1")
	_, err = Load("")
	assert.ErrorContains(t, err, "JSON array")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad driver", "database:\n  driver: mysql\n", "unsupported database driver"},
		{"bad page size", "dispatch:\n  page_size: 0\n", "page_size"},
		{"bad model variant", "models:\n  - name: x\n    variant: video\n", "unknown variant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
